// Package normalize turns provider result documents into the canonical summary and Lighthouse
// report shapes.
package normalize

import (
	"fmt"

	"github.com/jmespath-community/go-jmespath"

	"github.com/JakeFAU/pagetest-orchestrator/internal/pagetest"
)

// searcher evaluates one compiled expression against a decoded document.
type searcher func(data any) (any, error)

type rule struct {
	expr   string
	search searcher
}

// field is an ordered list of extraction rules plus the coercion and assignment for one
// summary field. The first rule yielding a value that survives coercion wins.
type field struct {
	name   string
	rules  []rule
	coerce func(any) (any, bool)
	assign func(*pagetest.Summary, any)
}

// Source groups for a provider key. The order of groups is the resolution priority.
func direct(keys ...string) []string {
	return quoted("", keys)
}

func firstView(keys ...string) []string {
	var out []string
	for _, prefix := range []string{"firstView.", "median.firstView.", "average.firstView.", `runs."1".firstView.`} {
		out = append(out, quoted(prefix, keys)...)
	}
	return out
}

func repeatView(keys ...string) []string {
	var out []string
	for _, prefix := range []string{"repeatView.", "median.repeatView.", `runs."1".repeatView.`} {
		out = append(out, quoted(prefix, keys)...)
	}
	return out
}

func lighthouseAudit(id string) []string {
	var out []string
	for _, prefix := range []string{"lighthouse.", `runs."1".lighthouse.`, "lighthouseResult."} {
		out = append(out, fmt.Sprintf(`%saudits.%q.numericValue`, prefix, id))
	}
	return out
}

func lighthouseRequests() []string {
	var out []string
	for _, prefix := range []string{"lighthouse.", `runs."1".lighthouse.`, "lighthouseResult."} {
		out = append(out, fmt.Sprintf(`length(%saudits."network-requests".details.items)`, prefix))
	}
	return out
}

func quoted(prefix string, keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s%q", prefix, k))
	}
	return out
}

func chain(groups ...[]string) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func compileRules(exprs []string) ([]rule, error) {
	rules := make([]rule, 0, len(exprs))
	for _, expr := range exprs {
		compiled, err := jmespath.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile rule %q: %w", expr, err)
		}
		rules = append(rules, rule{expr: expr, search: compiled.Search})
	}
	return rules, nil
}

// shapeKeys mark a document as a result from some known provider schema even when every
// individual metric is absent.
var shapeKeys = []string{
	"firstView", "repeatView", "median", "average", "runs", "lighthouse", "lighthouseResult",
	"testId", "id", "url", "testUrl", "summary", "successfulFVRuns",
}

// Metrics extracts a Summary from any supported result document.
type Metrics struct {
	fields []field
}

// NewMetrics compiles the extraction rules.
func NewMetrics() (*Metrics, error) {
	defs := []struct {
		name   string
		exprs  []string
		coerce func(any) (any, bool)
		assign func(*pagetest.Summary, any)
	}{
		{
			name:   "url",
			exprs:  chain(direct("url", "testUrl"), firstView("URL"), []string{"lighthouse.finalUrl", "lighthouseResult.finalUrl"}, direct("URL", "test_url")),
			coerce: toText,
			assign: func(s *pagetest.Summary, v any) { s.URL = strPtr(v) },
		},
		{
			name:   "loadTimeMs",
			exprs:  chain(direct("loadTime"), firstView("loadTime"), repeatView("loadTime"), direct("LoadTime", "load_time", "fullyLoaded"), firstView("fullyLoaded", "docTime")),
			coerce: toMillis,
			assign: func(s *pagetest.Summary, v any) { s.LoadTimeMs = int64Ptr(v) },
		},
		{
			name:   "speedIndexMs",
			exprs:  chain(direct("SpeedIndex"), firstView("SpeedIndex"), repeatView("SpeedIndex"), lighthouseAudit("speed-index"), direct("speedIndex", "speed_index"), firstView("speedIndex")),
			coerce: toMillis,
			assign: func(s *pagetest.Summary, v any) { s.SpeedIndexMs = int64Ptr(v) },
		},
		{
			name:   "ttfbMs",
			exprs:  chain(direct("TTFB"), firstView("TTFB"), repeatView("TTFB"), lighthouseAudit("server-response-time"), direct("ttfb", "timeToFirstByte"), firstView("ttfb", "timeToFirstByte")),
			coerce: toMillis,
			assign: func(s *pagetest.Summary, v any) { s.TTFBMs = int64Ptr(v) },
		},
		{
			name:   "totalBytesIn",
			exprs:  chain(direct("bytesIn"), firstView("bytesIn"), repeatView("bytesIn"), lighthouseAudit("total-byte-weight"), direct("totalSize", "totalBytes", "BytesIn"), firstView("bytesInDoc")),
			coerce: toMillis,
			assign: func(s *pagetest.Summary, v any) { s.TotalBytesIn = int64Ptr(v) },
		},
		{
			name:   "requestCount",
			exprs:  chain(direct("requestsFull", "requests"), firstView("requestsFull", "requests"), repeatView("requestsFull", "requests"), lighthouseRequests(), direct("requestCount", "requestsDoc"), firstView("requestsDoc")),
			coerce: toCount,
			assign: func(s *pagetest.Summary, v any) { s.RequestCount = int64Ptr(v) },
		},
		{
			name:   "lcpMs",
			exprs:  chain(direct("largestContentfulPaint"), firstView("largestContentfulPaint"), repeatView("largestContentfulPaint"), lighthouseAudit("largest-contentful-paint"), direct("LargestContentfulPaint", "lcp"), firstView("chromeUserTiming.LargestContentfulPaint")),
			coerce: toMillis,
			assign: func(s *pagetest.Summary, v any) { s.LCPMs = int64Ptr(v) },
		},
		{
			name:   "clsScore",
			exprs:  chain(direct("cumulativeLayoutShift"), firstView("cumulativeLayoutShift"), repeatView("cumulativeLayoutShift"), lighthouseAudit("cumulative-layout-shift"), direct("CumulativeLayoutShift", "cls"), firstView("chromeUserTiming.CumulativeLayoutShift")),
			coerce: toScore,
			assign: func(s *pagetest.Summary, v any) { s.CLSScore = float64Ptr(v) },
		},
		{
			// totalBlockingTime wins over TotalBlockingTime, and both win over the Lighthouse audit.
			name:   "tbtMs",
			exprs:  chain(direct("totalBlockingTime", "TotalBlockingTime"), firstView("totalBlockingTime", "TotalBlockingTime"), repeatView("totalBlockingTime", "TotalBlockingTime"), lighthouseAudit("total-blocking-time"), direct("tbt")),
			coerce: toMillis,
			assign: func(s *pagetest.Summary, v any) { s.TBTMs = int64Ptr(v) },
		},
		{
			name:   "fcpMs",
			exprs:  chain(direct("firstContentfulPaint"), firstView("firstContentfulPaint"), repeatView("firstContentfulPaint"), lighthouseAudit("first-contentful-paint"), direct("FirstContentfulPaint", "fcp"), firstView("chromeUserTiming.firstContentfulPaint")),
			coerce: toMillis,
			assign: func(s *pagetest.Summary, v any) { s.FCPMs = int64Ptr(v) },
		},
		{
			name:   "resultPageUrl",
			exprs:  direct("summary", "userUrl", "resultUrl", "jsonUrl"),
			coerce: toText,
			assign: func(s *pagetest.Summary, v any) { s.ResultPageURL = strPtr(v) },
		},
	}

	m := &Metrics{}
	for _, def := range defs {
		rules, err := compileRules(def.exprs)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", def.name, err)
		}
		m.fields = append(m.fields, field{name: def.name, rules: rules, coerce: def.coerce, assign: def.assign})
	}
	return m, nil
}

// Normalize resolves every summary field independently. Missing fields stay nil; the only
// error is a document that matches no known provider schema.
func (m *Metrics) Normalize(raw map[string]any) (pagetest.Summary, error) {
	summary, _, err := m.resolve(raw)
	return summary, err
}

// Explain reports which expression supplied each resolved field.
func (m *Metrics) Explain(raw map[string]any) map[string]string {
	_, sources, _ := m.resolve(raw)
	return sources
}

func (m *Metrics) resolve(raw map[string]any) (pagetest.Summary, map[string]string, error) {
	var summary pagetest.Summary
	root := Root(raw)
	if root == nil {
		return summary, nil, fmt.Errorf("%w: empty document", pagetest.ErrMalformed)
	}

	sources := make(map[string]string)
	for _, f := range m.fields {
		for _, r := range f.rules {
			v, err := r.search(root)
			if err != nil || v == nil {
				continue
			}
			coerced, ok := f.coerce(v)
			if !ok {
				continue
			}
			f.assign(&summary, coerced)
			sources[f.name] = r.expr
			break
		}
	}

	if len(sources) == 0 && !recognized(root) {
		return summary, nil, fmt.Errorf("%w: unrecognized result document", pagetest.ErrMalformed)
	}
	return summary, sources, nil
}

// Root unwraps the provider's {statusCode, data} envelope when present.
func Root(raw map[string]any) map[string]any {
	if raw == nil {
		return nil
	}
	if data, ok := raw["data"].(map[string]any); ok {
		return data
	}
	return raw
}

func recognized(root map[string]any) bool {
	for _, k := range shapeKeys {
		if _, ok := root[k]; ok {
			return true
		}
	}
	return false
}

func int64Ptr(v any) *int64 {
	n, ok := v.(int64)
	if !ok {
		return nil
	}
	return &n
}

func float64Ptr(v any) *float64 {
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	return &f
}

func strPtr(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}
