// Package classify decides what a raw provider response means before any of its JSON is trusted.
package classify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/JakeFAU/pagetest-orchestrator/internal/pagetest"
)

// Kind is the outcome of classifying one provider response.
type Kind int

// Classification outcomes.
const (
	Complete Kind = iota
	Pending
	Blocked
	Malformed
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Complete:
		return "complete"
	case Pending:
		return "pending"
	case Blocked:
		return "blocked"
	case Malformed:
		return "malformed"
	case NotFound:
		return "not_found"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result carries the outcome. Data holds the decoded JSON object for Complete and Pending.
type Result struct {
	Kind   Kind
	Reason string
	Data   map[string]any
}

// Err maps a non-successful result onto the error taxonomy. Complete and Pending return nil.
func (r Result) Err() error {
	switch r.Kind {
	case Blocked:
		return fmt.Errorf("%w: %s", pagetest.ErrBlocked, r.Reason)
	case Malformed:
		return fmt.Errorf("%w: %s", pagetest.ErrMalformed, r.Reason)
	case NotFound:
		return fmt.Errorf("%w: %s", pagetest.ErrNotFound, r.Reason)
	default:
		return nil
	}
}

// Response inspects status, headers and body. It never panics and never returns an error:
// every possible input maps to exactly one Kind.
func Response(status int, header http.Header, body []byte) Result {
	if status == http.StatusTooManyRequests || status == http.StatusForbidden {
		return Result{Kind: Blocked, Reason: fmt.Sprintf("http status %d", status)}
	}
	if isHTML(header.Get("Content-Type")) {
		return Result{Kind: Blocked, Reason: "html content type"}
	}
	if looksLikeHTML(body) {
		return Result{Kind: Blocked, Reason: "html body"}
	}
	if status == http.StatusNotFound {
		return Result{Kind: NotFound, Reason: "http status 404"}
	}
	if status < 200 || status > 299 {
		return Result{Kind: Malformed, Reason: fmt.Sprintf("http status %d", status)}
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Result{Kind: Malformed, Reason: fmt.Sprintf("decode body: %v", err)}
	}
	doc, ok := decoded.(map[string]any)
	if !ok {
		return Result{Kind: Malformed, Reason: "body is not a JSON object"}
	}
	return fromStatusCode(doc)
}

// fromStatusCode reads the provider's in-body statusCode. 1xx values (queued or running) are
// all treated as pending.
func fromStatusCode(doc map[string]any) Result {
	code, present := statusCode(doc["statusCode"])
	text, _ := doc["statusText"].(string)
	switch {
	case !present, code == 200:
		return Result{Kind: Complete, Data: doc}
	case code >= 100 && code < 200:
		if text == "" {
			text = fmt.Sprintf("status code %d", code)
		}
		return Result{Kind: Pending, Reason: text, Data: doc}
	case code == 404, code == 400 && strings.Contains(strings.ToLower(text), "not found"):
		return Result{Kind: NotFound, Reason: nonEmpty(text, "unknown test id")}
	default:
		return Result{Kind: Malformed, Reason: nonEmpty(text, fmt.Sprintf("status code %d", code))}
	}
}

func statusCode(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case string:
		var code int
		if _, err := fmt.Sscanf(n, "%d", &code); err == nil {
			return code, true
		}
	}
	return 0, false
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "html")
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func looksLikeHTML(body []byte) bool {
	head := bytes.TrimSpace(body)
	if len(head) > 64 {
		head = head[:64]
	}
	head = bytes.ToLower(head)
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
