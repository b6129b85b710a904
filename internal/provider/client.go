package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagetest-orchestrator/internal/classify"
	"github.com/JakeFAU/pagetest-orchestrator/internal/metrics"
	"github.com/JakeFAU/pagetest-orchestrator/internal/pagetest"
)

// Limiter gates every outbound call and is tripped when the provider blocks us.
type Limiter interface {
	Wait(ctx context.Context) error
	Trip(reason string) time.Time
}

// Outcome is a classified provider response and the transport that produced it.
type Outcome struct {
	Transport string
	classify.Result
}

// Submission identifies an accepted job.
type Submission struct {
	JobID     string
	Transport string
	ResultURL string
}

// Config wires a Client.
type Config struct {
	// Transports are tried in order.
	Transports []Transport
	Limiter    Limiter
	// ResultBaseURL is used to build a result page link when the provider omits one.
	ResultBaseURL string
	Options       Options
	Logger        *zap.Logger
}

// Client submits jobs and fetches results, falling back across transports.
type Client struct {
	transports []Transport
	limiter    Limiter
	resultBase string
	opts       Options
	logger     *zap.Logger
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if len(cfg.Transports) == 0 {
		return nil, errors.New("provider: at least one transport is required")
	}
	if cfg.Limiter == nil {
		return nil, errors.New("provider: limiter is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		transports: cfg.Transports,
		limiter:    cfg.Limiter,
		resultBase: strings.TrimRight(cfg.ResultBaseURL, "/"),
		opts:       cfg.Options,
		logger:     logger,
	}, nil
}

type call func(ctx context.Context, t Transport) (Response, error)

// tryInOrder runs call against each transport until one produces a usable outcome. Otherwise it
// returns the strongest classified failure, or a transport error when nothing answered.
// A blocked answer stops the chain and trips the limiter.
func (c *Client) tryInOrder(ctx context.Context, op string, fn call, usable func(Outcome) bool) (Outcome, error) {
	var (
		best     Outcome
		haveBest bool
		errs     []error
	)
	for _, t := range c.transports {
		if err := c.limiter.Wait(ctx); err != nil {
			return Outcome{}, err
		}
		resp, err := fn(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, fmt.Errorf("%s via %s: %w", op, t.Name(), ctx.Err())
			}
			c.logger.Debug("transport failed", zap.String("op", op), zap.String("transport", t.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
			continue
		}

		out := Outcome{Transport: t.Name(), Result: classify.Response(resp.StatusCode, resp.Header, resp.Body)}
		metrics.ObserveClassification(t.Name(), out.Kind.String())
		if usable(out) {
			return out, nil
		}
		c.logger.Debug("transport gave unusable answer",
			zap.String("op", op),
			zap.String("transport", t.Name()),
			zap.Stringer("kind", out.Kind),
			zap.String("reason", out.Reason),
		)
		if out.Kind == classify.Blocked {
			c.limiter.Trip(fmt.Sprintf("%s via %s: %s", op, t.Name(), out.Reason))
			return out, nil
		}
		if !haveBest || rank(out.Kind) > rank(best.Kind) {
			best, haveBest = out, true
		}
	}
	if haveBest {
		return best, nil
	}
	return Outcome{}, fmt.Errorf("%w: %s: %w", pagetest.ErrTransport, op, errors.Join(errs...))
}

func rank(k classify.Kind) int {
	switch k {
	case classify.Blocked:
		return 4
	case classify.NotFound:
		return 3
	case classify.Malformed:
		return 2
	default:
		return 1
	}
}

// Submit starts a test for url and returns the provider-assigned id.
func (c *Client) Submit(ctx context.Context, url string) (Submission, error) {
	out, err := c.tryInOrder(ctx, "submit", func(ctx context.Context, t Transport) (Response, error) {
		return t.Submit(ctx, url, c.opts)
	}, func(o Outcome) bool {
		ok := o.Kind == classify.Complete && testID(o.Data) != ""
		outcome := "accepted"
		if !ok {
			outcome = o.Kind.String()
		}
		metrics.ObserveSubmission(o.Transport, outcome)
		return ok
	})
	if err != nil {
		if errors.Is(err, pagetest.ErrTransport) {
			metrics.ObserveSubmission("all", "transport_error")
		}
		return Submission{}, err
	}

	switch out.Kind {
	case classify.Complete:
		id := testID(out.Data)
		if id == "" {
			return Submission{}, fmt.Errorf("%w: no test id in submission response", pagetest.ErrInvalidResponse)
		}
		resultURL := firstText(out.Data, "userUrl", "summary")
		if resultURL == "" {
			resultURL = c.ResultPage(id)
		}
		c.logger.Info("test submitted", zap.String("job_id", id), zap.String("url", url), zap.String("transport", out.Transport))
		return Submission{JobID: id, Transport: out.Transport, ResultURL: resultURL}, nil
	case classify.Blocked:
		return Submission{}, out.Err()
	case classify.Pending:
		return Submission{}, fmt.Errorf("%w: submission answered with %s", pagetest.ErrInvalidResponse, out.Reason)
	default:
		return Submission{}, fmt.Errorf("%w: %s", pagetest.ErrRemoteRejected, out.Reason)
	}
}

// FetchResult fetches and classifies the metrics document for jobID.
func (c *Client) FetchResult(ctx context.Context, jobID string) (Outcome, error) {
	return c.tryInOrder(ctx, "fetch result", func(ctx context.Context, t Transport) (Response, error) {
		return t.FetchResult(ctx, jobID)
	}, answered)
}

// FetchLighthouse fetches and classifies the Lighthouse document for jobID.
func (c *Client) FetchLighthouse(ctx context.Context, jobID string) (Outcome, error) {
	return c.tryInOrder(ctx, "fetch lighthouse", func(ctx context.Context, t Transport) (Response, error) {
		return t.FetchLighthouse(ctx, jobID)
	}, answered)
}

// ResultPage returns the human-facing result page for jobID.
func (c *Client) ResultPage(jobID string) string {
	if c.resultBase == "" {
		return ""
	}
	return c.resultBase + "/result/" + jobID + "/"
}

func answered(o Outcome) bool {
	return o.Kind == classify.Complete || o.Kind == classify.Pending
}

// testID reads the test id from the data envelope, then from the top level.
func testID(doc map[string]any) string {
	return firstText(doc, "testId", "id")
}

// firstText reads the first non-empty string among keys, inside the data envelope first and
// then at the top level.
func firstText(doc map[string]any, keys ...string) string {
	if data, ok := doc["data"].(map[string]any); ok {
		if s := lookupText(data, keys); s != "" {
			return s
		}
	}
	return lookupText(doc, keys)
}

func lookupText(doc map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := doc[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
