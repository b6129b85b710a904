package normalize

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagetest-orchestrator/internal/pagetest"
)

func newLighthouse(t *testing.T) *Lighthouse {
	t.Helper()
	l, err := NewLighthouse()
	require.NoError(t, err)
	return l
}

func TestLighthouse_DirectCategories(t *testing.T) {
	t.Parallel()

	raw := decode(t, `{"data":{"lighthouse":{
		"fetchTime": "2024-05-01T10:00:00.000Z",
		"finalUrl": "https://example.com/",
		"categories": {"performance": {"title": "Performance", "score": 0.91}},
		"audits": {"speed-index": {"title": "Speed Index", "score": 0.8, "numericValue": 1500, "displayValue": "1.5 s"}}
	}}}`)
	got, err := newLighthouse(t).Normalize(raw)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/", got.FinalURL)
	require.Equal(t, "2024-05-01T10:00:00.000Z", got.FetchTime)
	require.InDelta(t, 0.91, *got.Categories["performance"].Score, 1e-9)
	require.False(t, got.Categories["performance"].Synthesized)

	audit := got.Audits["speed-index"]
	require.Equal(t, "speed-index", audit.ID)
	require.Equal(t, "1.5 s", audit.DisplayValue)
	require.InDelta(t, 1500, *audit.NumericValue, 1e-9)
	require.Empty(t, audit.Description)
	require.Nil(t, audit.Details)
}

func TestLighthouse_LocationPriority(t *testing.T) {
	t.Parallel()

	l := newLighthouse(t)

	got, err := l.Normalize(decode(t, `{"runs":{"1":{"lighthouse":{"finalUrl":"run"}}},"lighthouseResult":{"finalUrl":"alt"}}`))
	require.NoError(t, err)
	require.Equal(t, "run", got.FinalURL)

	got, err = l.Normalize(decode(t, `{"lighthouseResult":{"finalUrl":"alt"}}`))
	require.NoError(t, err)
	require.Equal(t, "alt", got.FinalURL)

	got, err = l.Normalize(decode(t, `{"lighthouseVersion":"12.0.0","finalUrl":"inline"}`))
	require.NoError(t, err)
	require.Equal(t, "inline", got.FinalURL)
}

func TestLighthouse_SynthesizesCategoriesFromGroups(t *testing.T) {
	t.Parallel()

	raw := decode(t, `{"lighthouse":{
		"categoryGroups": {"a11y-names": {"title": "Names and labels"}},
		"audits": {
			"image-alt": {"group": "a11y-names", "score": 1},
			"label": {"group": "a11y-names", "score": 0},
			"link-name": {"group": "a11y-names", "score": null},
			"metrics": {"group": "metrics"},
			"network-requests": {"details": {"items": [1, 2]}}
		}
	}}`)
	got, err := newLighthouse(t).Normalize(raw)
	require.NoError(t, err)
	require.NotEmpty(t, got.Categories)

	names := got.Categories["a11y-names"]
	require.True(t, names.Synthesized)
	require.Equal(t, "Names and labels", names.Title)
	require.InDelta(t, 0.5, *names.Score, 1e-9)

	require.InDelta(t, 0.0, *got.Categories["metrics"].Score, 1e-9)
	require.Contains(t, got.Categories, ungrouped)
	require.JSONEq(t, `{"items":[1,2]}`, string(got.Audits["network-requests"].Details))
	require.Nil(t, got.Audits["link-name"].Score)
}

func TestLighthouse_RecommendationsByScore(t *testing.T) {
	t.Parallel()

	raw := decode(t, `{"lighthouseResult":{"audits":{
		"render-blocking-resources": {"title": "Eliminate render-blocking resources", "description": "Defer scripts.", "score": 0.3},
		"unused-css-rules": {"title": "Reduce unused CSS", "score": 0.5},
		"uses-text-compression": {"title": "Enable text compression", "score": 0.79},
		"font-display": {"title": "Font display", "score": 0.8},
		"image-alt": {"title": "Images have alt", "score": 1},
		"diagnostics": {"title": "Diagnostics", "score": null},
		"largest-contentful-paint": {"title": "Largest Contentful Paint", "score": 0.1}
	}}}`)
	got, err := newLighthouse(t).Normalize(raw)
	require.NoError(t, err)
	require.NotNil(t, got.Recommendations)

	ids := func(recs []pagetest.Recommendation) []string {
		out := make([]string, 0, len(recs))
		for _, r := range recs {
			out = append(out, r.ID)
		}
		return out
	}
	require.Equal(t, []string{"largest-contentful-paint", "render-blocking-resources"}, ids(got.Recommendations.Critical))
	require.Equal(t, []string{"unused-css-rules", "uses-text-compression"}, ids(got.Recommendations.Important))
	require.Equal(t, []string{"font-display"}, ids(got.Recommendations.Moderate))
	require.Equal(t, "Defer scripts.", got.Recommendations.Critical[1].Description)
}

func TestLighthouse_NeitherAuditsNorCategories(t *testing.T) {
	t.Parallel()

	got, err := newLighthouse(t).Normalize(decode(t, `{"lighthouse":{"finalUrl":"https://example.com"}}`))
	require.NoError(t, err)
	require.Empty(t, got.Categories)
	require.Empty(t, got.Audits)
	require.Nil(t, got.Recommendations)
}

func TestLighthouse_MissingReport(t *testing.T) {
	t.Parallel()

	_, err := newLighthouse(t).Normalize(decode(t, `{"data":{"runs":{"1":{"firstView":{}}}}}`))
	require.True(t, errors.Is(err, ErrNoReport))
}
