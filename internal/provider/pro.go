package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// ProTransport is the authenticated JSON API.
type ProTransport struct {
	httpBase
}

// NewProTransport builds the primary transport.
func NewProTransport(cfg HTTPConfig) *ProTransport {
	return &ProTransport{httpBase: newHTTPBase(cfg)}
}

// Name implements Transport.
func (p *ProTransport) Name() string { return "pro" }

type proSubmitRequest struct {
	URL        string `json:"url"`
	Runs       int    `json:"runs"`
	Location   string `json:"location,omitempty"`
	Lighthouse bool   `json:"lighthouse"`
	Video      bool   `json:"video"`
	Mobile     bool   `json:"mobile"`
}

// Submit implements Transport.
func (p *ProTransport) Submit(ctx context.Context, target string, opts Options) (Response, error) {
	payload, err := json.Marshal(proSubmitRequest{
		URL:        target,
		Runs:       max(opts.Runs, 1),
		Location:   opts.Location,
		Lighthouse: opts.Lighthouse,
		Video:      opts.Video,
		Mobile:     opts.Mobile,
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal submission: %w", err)
	}
	h := p.authHeader()
	h.Set("Content-Type", "application/json")
	return p.do(ctx, http.MethodPost, p.base+"/api/v1/test", bytes.NewReader(payload), h)
}

// FetchResult implements Transport.
func (p *ProTransport) FetchResult(ctx context.Context, jobID string) (Response, error) {
	q := url.Values{"test": {jobID}}
	return p.do(ctx, http.MethodGet, p.base+"/jsonResult.php?"+q.Encode(), nil, p.authHeader())
}

// FetchLighthouse implements Transport.
func (p *ProTransport) FetchLighthouse(ctx context.Context, jobID string) (Response, error) {
	q := url.Values{"test": {jobID}, "lighthouse": {"1"}}
	return p.do(ctx, http.MethodGet, p.base+"/jsonResult.php?"+q.Encode(), nil, p.authHeader())
}

func (p *ProTransport) authHeader() http.Header {
	h := http.Header{}
	if p.apiKey != "" {
		h.Set("X-API-Key", p.apiKey)
	}
	return h
}
