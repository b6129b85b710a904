package normalize

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagetest-orchestrator/internal/pagetest"
)

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &out))
	return out
}

func newMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics()
	require.NoError(t, err)
	return m
}

func TestMetrics_FirstViewFallback(t *testing.T) {
	t.Parallel()

	got, err := newMetrics(t).Normalize(decode(t, `{"firstView":{"TTFB":120}}`))
	require.NoError(t, err)
	require.NotNil(t, got.TTFBMs)
	require.Equal(t, int64(120), *got.TTFBMs)
	require.Nil(t, got.LoadTimeMs)
	require.Nil(t, got.CLSScore)
	require.Nil(t, got.URL)
}

func TestMetrics_DirectBeatsNested(t *testing.T) {
	t.Parallel()

	m := newMetrics(t)
	raw := decode(t, `{"TTFB":90,"firstView":{"TTFB":120},"repeatView":{"TTFB":40}}`)
	got, err := m.Normalize(raw)
	require.NoError(t, err)
	require.Equal(t, int64(90), *got.TTFBMs)
	require.Equal(t, `"TTFB"`, m.Explain(raw)["ttfbMs"])
}

func TestMetrics_ProEnvelopeWithRuns(t *testing.T) {
	t.Parallel()

	raw := decode(t, `{
		"statusCode": 200,
		"data": {
			"testUrl": "https://example.com",
			"summary": "https://www.webpagetest.org/result/abc/",
			"runs": {"1": {"firstView": {
				"loadTime": 1200.4,
				"SpeedIndex": "1500",
				"bytesIn": 52000,
				"requests": [{}, {}, {}],
				"cumulativeLayoutShift": 0.123456,
				"chromeUserTiming.LargestContentfulPaint": 950
			}}}
		}
	}`)
	got, err := newMetrics(t).Normalize(raw)
	require.NoError(t, err)
	require.Equal(t, "https://example.com", *got.URL)
	require.Equal(t, "https://www.webpagetest.org/result/abc/", *got.ResultPageURL)
	require.Equal(t, int64(1200), *got.LoadTimeMs)
	require.Equal(t, int64(1500), *got.SpeedIndexMs)
	require.Equal(t, int64(52000), *got.TotalBytesIn)
	require.Equal(t, int64(3), *got.RequestCount)
	require.InDelta(t, 0.1235, *got.CLSScore, 1e-9)
	require.Equal(t, int64(950), *got.LCPMs)
}

func TestMetrics_LighthouseAuditFallback(t *testing.T) {
	t.Parallel()

	raw := decode(t, `{
		"id": "abc",
		"lighthouse": {"audits": {
			"server-response-time": {"numericValue": 212.7},
			"total-blocking-time": {"numericValue": 340},
			"first-contentful-paint": {"numericValue": 800},
			"network-requests": {"details": {"items": [{}, {}]}}
		}}
	}`)
	got, err := newMetrics(t).Normalize(raw)
	require.NoError(t, err)
	require.Equal(t, int64(213), *got.TTFBMs)
	require.Equal(t, int64(340), *got.TBTMs)
	require.Equal(t, int64(800), *got.FCPMs)
	require.Equal(t, int64(2), *got.RequestCount)
}

func TestMetrics_TotalBlockingTimePriority(t *testing.T) {
	t.Parallel()

	m := newMetrics(t)
	cases := []struct {
		raw  string
		want int64
	}{
		{`{"firstView":{"totalBlockingTime":10,"TotalBlockingTime":20},"lighthouse":{"audits":{"total-blocking-time":{"numericValue":30}}}}`, 10},
		{`{"firstView":{"TotalBlockingTime":20},"lighthouse":{"audits":{"total-blocking-time":{"numericValue":30}}}}`, 20},
		{`{"lighthouse":{"audits":{"total-blocking-time":{"numericValue":30}}}}`, 30},
		{`{"url":"https://example.com","tbt":40}`, 40},
	}
	for _, tc := range cases {
		got, err := m.Normalize(decode(t, tc.raw))
		require.NoError(t, err)
		require.Equal(t, tc.want, *got.TBTMs, tc.raw)
	}
}

func TestMetrics_AlternateSpellings(t *testing.T) {
	t.Parallel()

	got, err := newMetrics(t).Normalize(decode(t, `{"ttfb":55,"speedIndex":700,"lcp":1300,"cls":0.05,"totalSize":1024}`))
	require.NoError(t, err)
	require.Equal(t, int64(55), *got.TTFBMs)
	require.Equal(t, int64(700), *got.SpeedIndexMs)
	require.Equal(t, int64(1300), *got.LCPMs)
	require.InDelta(t, 0.05, *got.CLSScore, 1e-9)
	require.Equal(t, int64(1024), *got.TotalBytesIn)
}

func TestMetrics_UnparseableValuesStayNil(t *testing.T) {
	t.Parallel()

	got, err := newMetrics(t).Normalize(decode(t, `{"firstView":{"TTFB":"n/a","loadTime":null,"SpeedIndex":true}}`))
	require.NoError(t, err)
	require.Nil(t, got.TTFBMs)
	require.Nil(t, got.LoadTimeMs)
	require.Nil(t, got.SpeedIndexMs)
}

func TestMetrics_UnrecognizedShape(t *testing.T) {
	t.Parallel()

	m := newMetrics(t)
	_, err := m.Normalize(decode(t, `{"foo":"bar"}`))
	require.True(t, errors.Is(err, pagetest.ErrMalformed))

	_, err = m.Normalize(nil)
	require.True(t, errors.Is(err, pagetest.ErrMalformed))
}

func TestMetrics_Deterministic(t *testing.T) {
	t.Parallel()

	m := newMetrics(t)
	raw := decode(t, `{"median":{"firstView":{"loadTime":1000,"cumulativeLayoutShift":0.00004}}}`)
	first, err := m.Normalize(raw)
	require.NoError(t, err)
	second, err := m.Normalize(raw)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.InDelta(t, 0.0, *first.CLSScore, 1e-12)
}
