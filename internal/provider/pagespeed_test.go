package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagetest-orchestrator/internal/classify"
	"github.com/JakeFAU/pagetest-orchestrator/internal/pagetest"
)

type coolingLimiter struct {
	fakeLimiter
	until time.Time
}

func (c *coolingLimiter) BlockedUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.until
}

func TestPageSpeed_Audit(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		gotQuery map[string][]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotQuery = r.URL.Query()
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"https://example.com/","lighthouseResult":{"categories":{"performance":{"score":0.92}}}}`))
	}))
	t.Cleanup(srv.Close)

	lim := &coolingLimiter{}
	p, err := NewPageSpeed(PageSpeedConfig{
		HTTPConfig: HTTPConfig{BaseURL: srv.URL + "/pagespeedonline/v5/runPagespeed", APIKey: "psi-key"},
		Categories: []string{"performance", "seo"},
		Limiter:    lim,
	})
	require.NoError(t, err)

	out, err := p.Audit(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, classify.Complete, out.Kind)
	require.Equal(t, "pagespeed", out.Transport)
	require.Contains(t, out.Data, "lighthouseResult")
	require.Equal(t, 1, lim.waits)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"https://example.com"}, gotQuery["url"])
	require.Equal(t, []string{"mobile"}, gotQuery["strategy"])
	require.Equal(t, []string{"performance", "seo"}, gotQuery["category"])
	require.Equal(t, []string{"psi-key"}, gotQuery["key"])
}

func TestPageSpeed_ThrottledTripsCooldown(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"Quota exceeded"}}`))
	}))
	t.Cleanup(srv.Close)

	lim := &coolingLimiter{}
	p, err := NewPageSpeed(PageSpeedConfig{HTTPConfig: HTTPConfig{BaseURL: srv.URL}, Limiter: lim})
	require.NoError(t, err)

	out, err := p.Audit(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, classify.Blocked, out.Kind)
	require.Len(t, lim.trips, 1)
	require.Contains(t, lim.trips[0], "pagespeed")
}

func TestPageSpeed_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewPageSpeed(PageSpeedConfig{Limiter: &coolingLimiter{}})
	require.ErrorContains(t, err, "base url")
	_, err = NewPageSpeed(PageSpeedConfig{HTTPConfig: HTTPConfig{BaseURL: "http://x"}})
	require.ErrorContains(t, err, "limiter")

	p, err := NewPageSpeed(PageSpeedConfig{HTTPConfig: HTTPConfig{BaseURL: "http://127.0.0.1:1"}, Limiter: &coolingLimiter{}})
	require.NoError(t, err)
	_, err = p.Audit(context.Background(), "https://example.com")
	require.ErrorIs(t, err, pagetest.ErrTransport)
}
