package provider

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// LegacyTransport is the query-string API. It runs first view only.
type LegacyTransport struct {
	httpBase
}

// NewLegacyTransport builds the fallback transport.
func NewLegacyTransport(cfg HTTPConfig) *LegacyTransport {
	return &LegacyTransport{httpBase: newHTTPBase(cfg)}
}

// Name implements Transport.
func (l *LegacyTransport) Name() string { return "legacy" }

// Submit implements Transport.
func (l *LegacyTransport) Submit(ctx context.Context, target string, opts Options) (Response, error) {
	q := l.query()
	q.Set("url", target)
	q.Set("runs", strconv.Itoa(max(opts.Runs, 1)))
	q.Set("fvonly", "1")
	if opts.Lighthouse {
		q.Set("lighthouse", "1")
	}
	if opts.Video {
		q.Set("video", "1")
	}
	if opts.Mobile {
		q.Set("mobile", "1")
	}
	if opts.Location != "" {
		q.Set("location", opts.Location)
	}
	return l.do(ctx, http.MethodGet, l.base+"/runtest.php?"+q.Encode(), nil, l.header())
}

// FetchResult implements Transport.
func (l *LegacyTransport) FetchResult(ctx context.Context, jobID string) (Response, error) {
	q := l.query()
	q.Set("test", jobID)
	return l.do(ctx, http.MethodGet, l.base+"/jsonResult.php?"+q.Encode(), nil, l.header())
}

// FetchLighthouse implements Transport.
func (l *LegacyTransport) FetchLighthouse(ctx context.Context, jobID string) (Response, error) {
	q := l.query()
	q.Set("test", jobID)
	q.Set("lighthouse", "1")
	return l.do(ctx, http.MethodGet, l.base+"/jsonResult.php?"+q.Encode(), nil, l.header())
}

func (l *LegacyTransport) query() url.Values {
	q := url.Values{"f": {"json"}}
	if l.apiKey != "" {
		q.Set("k", l.apiKey)
	}
	return q
}

func (l *LegacyTransport) header() http.Header {
	h := http.Header{}
	if l.apiKey != "" {
		h.Set("X-WPT-API-KEY", l.apiKey)
	}
	return h
}
