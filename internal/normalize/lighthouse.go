package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/JakeFAU/pagetest-orchestrator/internal/pagetest"
)

// ErrNoReport is returned when a result document carries no Lighthouse report yet.
var ErrNoReport = errors.New("no lighthouse report in result")

// ungrouped collects audits that declare no group when categories are synthesized.
const ungrouped = "other"

// Lighthouse extracts a LighthouseReport from a result document.
type Lighthouse struct {
	locations []rule
}

// NewLighthouse compiles the report locations, in priority order.
func NewLighthouse() (*Lighthouse, error) {
	rules, err := compileRules([]string{"lighthouse", `runs."1".lighthouse`, "lighthouseResult"})
	if err != nil {
		return nil, err
	}
	return &Lighthouse{locations: rules}, nil
}

// Normalize returns the projected report. Categories are synthesized from audit groups when
// the provider omitted them.
func (l *Lighthouse) Normalize(raw map[string]any) (pagetest.LighthouseReport, error) {
	report, ok := l.locate(Root(raw))
	if !ok {
		return pagetest.LighthouseReport{}, ErrNoReport
	}

	out := pagetest.LighthouseReport{
		Categories: map[string]pagetest.Category{},
		Audits:     map[string]pagetest.Audit{},
		FetchTime:  stringOf(report["fetchTime"]),
		FinalURL:   firstString(report, "finalUrl", "finalDisplayedUrl", "requestedUrl"),
	}

	rawAudits, _ := report["audits"].(map[string]any)
	for key, v := range rawAudits {
		a, ok := v.(map[string]any)
		if !ok {
			continue
		}
		audit, err := projectAudit(key, a)
		if err != nil {
			return pagetest.LighthouseReport{}, err
		}
		out.Audits[key] = audit
	}

	rawCategories, _ := report["categories"].(map[string]any)
	for name, v := range rawCategories {
		c, ok := v.(map[string]any)
		if !ok {
			continue
		}
		title := stringOf(c["title"])
		if title == "" {
			title = name
		}
		out.Categories[name] = pagetest.Category{Title: title, Score: floatPtr(c["score"])}
	}

	if len(out.Categories) == 0 && len(rawAudits) > 0 {
		out.Categories = synthesize(rawAudits, report["categoryGroups"])
	}
	if len(out.Audits) > 0 {
		out.Recommendations = recommend(out.Audits)
	}
	return out, nil
}

// Score thresholds for recommendations. Audits scoring 1 passed and are left out.
const (
	criticalBelow  = 0.5
	importantBelow = 0.8
)

// recommend buckets every scored, non-passing audit, worst first.
func recommend(audits map[string]pagetest.Audit) *pagetest.Recommendations {
	failing := make([]pagetest.Recommendation, 0, len(audits))
	for _, a := range audits {
		if a.Score == nil || *a.Score >= 1 {
			continue
		}
		failing = append(failing, pagetest.Recommendation{ID: a.ID, Title: a.Title, Description: a.Description, Score: *a.Score})
	}
	sort.Slice(failing, func(i, j int) bool {
		if failing[i].Score != failing[j].Score {
			return failing[i].Score < failing[j].Score
		}
		return failing[i].ID < failing[j].ID
	})

	out := &pagetest.Recommendations{
		Critical:  []pagetest.Recommendation{},
		Important: []pagetest.Recommendation{},
		Moderate:  []pagetest.Recommendation{},
	}
	for _, r := range failing {
		switch {
		case r.Score < criticalBelow:
			out.Critical = append(out.Critical, r)
		case r.Score < importantBelow:
			out.Important = append(out.Important, r)
		default:
			out.Moderate = append(out.Moderate, r)
		}
	}
	return out
}

func (l *Lighthouse) locate(root map[string]any) (map[string]any, bool) {
	if root == nil {
		return nil, false
	}
	for _, r := range l.locations {
		v, err := r.search(root)
		if err != nil {
			continue
		}
		if report, ok := v.(map[string]any); ok {
			return report, true
		}
	}
	// Some payloads inline the report at the root.
	for _, marker := range []string{"audits", "categories", "lighthouseVersion", "fetchTime"} {
		if _, ok := root[marker]; ok {
			return root, true
		}
	}
	return nil, false
}

func projectAudit(key string, a map[string]any) (pagetest.Audit, error) {
	audit := pagetest.Audit{
		ID:           stringOf(a["id"]),
		Title:        stringOf(a["title"]),
		Description:  stringOf(a["description"]),
		Score:        floatPtr(a["score"]),
		NumericValue: floatPtr(a["numericValue"]),
		DisplayValue: stringOf(a["displayValue"]),
	}
	if audit.ID == "" {
		audit.ID = key
	}
	if details, ok := a["details"]; ok && details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return pagetest.Audit{}, fmt.Errorf("marshal details for audit %s: %w", key, err)
		}
		audit.Details = b
	}
	return audit, nil
}

// synthesize builds one category per audit group. The score is a placeholder: the mean of the
// group's scored audits, or zero when none carry a score.
func synthesize(audits map[string]any, groups any) map[string]pagetest.Category {
	type acc struct {
		sum    float64
		scored int
	}
	byGroup := map[string]*acc{}
	keys := make([]string, 0, len(audits))
	for k := range audits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		a, ok := audits[k].(map[string]any)
		if !ok {
			continue
		}
		group := stringOf(a["group"])
		if group == "" {
			group = ungrouped
		}
		g, ok := byGroup[group]
		if !ok {
			g = &acc{}
			byGroup[group] = g
		}
		if score := floatPtr(a["score"]); score != nil {
			g.sum += *score
			g.scored++
		}
	}

	titles, _ := groups.(map[string]any)
	out := make(map[string]pagetest.Category, len(byGroup))
	for name, g := range byGroup {
		score := 0.0
		if g.scored > 0 {
			score = g.sum / float64(g.scored)
		}
		title := name
		if meta, ok := titles[name].(map[string]any); ok && stringOf(meta["title"]) != "" {
			title = stringOf(meta["title"])
		}
		out[name] = pagetest.Category{Title: title, Score: &score, Synthesized: true}
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringOf(m[k]); s != "" {
			return s
		}
	}
	return ""
}
