package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagetest-orchestrator/internal/classify"
	"github.com/JakeFAU/pagetest-orchestrator/internal/metrics"
	"github.com/JakeFAU/pagetest-orchestrator/internal/pagetest"
)

// pageSpeedName labels PageSpeed calls in logs and metrics.
const pageSpeedName = "pagespeed"

// CoolingLimiter is a Limiter that reports the end of its cooldown.
type CoolingLimiter interface {
	Limiter
	BlockedUntil() time.Time
}

// PageSpeedConfig wires a PageSpeed client. BaseURL is the full runPagespeed endpoint.
type PageSpeedConfig struct {
	HTTPConfig
	Strategy   string
	Categories []string
	// Limiter paces PageSpeed calls; it is separate from the test provider's.
	Limiter CoolingLimiter
	Logger  *zap.Logger
}

// PageSpeed runs Lighthouse audits through the PageSpeed Insights API. One call returns the
// whole report, so there is nothing to poll for beyond retries.
type PageSpeed struct {
	httpBase
	strategy   string
	categories []string
	limiter    CoolingLimiter
	logger     *zap.Logger
}

// NewPageSpeed creates a PageSpeed client.
func NewPageSpeed(cfg PageSpeedConfig) (*PageSpeed, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("pagespeed: base url is required")
	}
	if cfg.Limiter == nil {
		return nil, errors.New("pagespeed: limiter is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = "mobile"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageSpeed{
		httpBase:   newHTTPBase(cfg.HTTPConfig),
		strategy:   strategy,
		categories: cfg.Categories,
		limiter:    cfg.Limiter,
		logger:     logger,
	}, nil
}

// Audit runs one audit of target. A throttled answer trips the PageSpeed cooldown.
func (p *PageSpeed) Audit(ctx context.Context, target string) (Outcome, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Outcome{}, err
	}
	q := url.Values{"url": {target}, "strategy": {p.strategy}}
	for _, c := range p.categories {
		q.Add("category", c)
	}
	if p.apiKey != "" {
		q.Set("key", p.apiKey)
	}
	resp, err := p.do(ctx, http.MethodGet, p.base+"?"+q.Encode(), nil, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %s: %w", pagetest.ErrTransport, pageSpeedName, err)
	}

	out := Outcome{Transport: pageSpeedName, Result: classify.Response(resp.StatusCode, resp.Header, resp.Body)}
	metrics.ObserveClassification(pageSpeedName, out.Kind.String())
	if out.Kind == classify.Blocked {
		p.limiter.Trip(pageSpeedName + ": " + out.Reason)
	}
	p.logger.Debug("pagespeed audit answered", zap.String("url", target), zap.Stringer("kind", out.Kind))
	return out, nil
}

// BlockedUntil returns the end of the PageSpeed cooldown.
func (p *PageSpeed) BlockedUntil() time.Time {
	return p.limiter.BlockedUntil()
}
