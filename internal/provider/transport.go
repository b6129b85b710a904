// Package provider talks to the remote page-testing service through one or more transports.
package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxBodyBytes bounds a single provider response. Lighthouse documents can be large.
const maxBodyBytes = 32 << 20

// Response is the raw answer of one transport call. It is classified before anyone reads it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Options tune a submission.
type Options struct {
	Runs       int
	Location   string
	Lighthouse bool
	Video      bool
	Mobile     bool
}

// Transport is one way of reaching the provider. Errors mean no response arrived at all.
type Transport interface {
	Name() string
	Submit(ctx context.Context, url string, opts Options) (Response, error)
	FetchResult(ctx context.Context, jobID string) (Response, error)
	FetchLighthouse(ctx context.Context, jobID string) (Response, error)
}

// HTTPConfig is shared by the HTTP transports.
type HTTPConfig struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
	Client    *http.Client
}

type httpBase struct {
	base      string
	apiKey    string
	userAgent string
	client    *http.Client
}

func newHTTPBase(cfg HTTPConfig) httpBase {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "pagetest-orchestrator/1.0"
	}
	return httpBase{
		base:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		userAgent: ua,
		client:    client,
	}
}

func (h httpBase) do(ctx context.Context, method, target string, body io.Reader, header http.Header) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%s %s: %w", method, redact(target), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read body: %w", err)
	}
	return Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: data}, nil
}

// redact strips the query string so API keys never reach logs.
func redact(target string) string {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i]
	}
	return target
}
