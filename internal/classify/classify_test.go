package classify

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagetest-orchestrator/internal/pagetest"
)

func jsonHeader() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json; charset=utf-8")
	return h
}

func TestResponse(t *testing.T) {
	t.Parallel()

	htmlHeader := http.Header{}
	htmlHeader.Set("Content-Type", "text/html; charset=UTF-8")

	cases := []struct {
		name   string
		status int
		header http.Header
		body   string
		want   Kind
	}{
		{name: "html content type is blocked", status: 200, header: htmlHeader, body: `{"statusCode":200}`, want: Blocked},
		{name: "429 is blocked", status: 429, header: jsonHeader(), body: `{}`, want: Blocked},
		{name: "403 is blocked", status: 403, header: jsonHeader(), body: `{}`, want: Blocked},
		{name: "html body behind json header", status: 200, header: jsonHeader(), body: "  <!DOCTYPE html><html></html>", want: Blocked},
		{name: "in-progress sentinel", status: 200, header: jsonHeader(), body: `{"statusCode":100,"statusText":"Test Started"}`, want: Pending},
		{name: "queued sentinel", status: 200, header: jsonHeader(), body: `{"statusCode":101,"statusText":"Waiting behind 3 tests"}`, want: Pending},
		{name: "complete", status: 200, header: jsonHeader(), body: `{"statusCode":200,"data":{}}`, want: Complete},
		{name: "no status code", status: 200, header: jsonHeader(), body: `{"firstView":{"TTFB":1}}`, want: Complete},
		{name: "truncated json", status: 200, header: jsonHeader(), body: `{"statusCode":200,"data":{`, want: Malformed},
		{name: "array body", status: 200, header: jsonHeader(), body: `[1,2]`, want: Malformed},
		{name: "server error", status: 502, header: jsonHeader(), body: `{}`, want: Malformed},
		{name: "http 404", status: 404, header: jsonHeader(), body: `{}`, want: NotFound},
		{name: "in-body 400 not found", status: 200, header: jsonHeader(), body: `{"statusCode":400,"statusText":"Test not found"}`, want: NotFound},
		{name: "in-body 400 other", status: 200, header: jsonHeader(), body: `{"statusCode":400,"statusText":"Invalid test"}`, want: Malformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Response(tc.status, tc.header, []byte(tc.body))
			require.Equal(t, tc.want, got.Kind, got.Reason)
		})
	}
}

func TestResponse_HTMLAlwaysBlocked(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Content-Type", "text/html")
	for _, body := range []string{"", "{}", `{"statusCode":100}`, "garbage", "<p>captcha</p>"} {
		require.Equal(t, Blocked, Response(200, h, []byte(body)).Kind, body)
	}
}

func TestResponse_CompleteCarriesBody(t *testing.T) {
	t.Parallel()

	got := Response(200, jsonHeader(), []byte(`{"statusCode":200,"data":{"id":"abc"}}`))
	require.Equal(t, Complete, got.Kind)
	data, ok := got.Data["data"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "abc", data["id"])
	require.NoError(t, got.Err())
}

func TestResult_Err(t *testing.T) {
	t.Parallel()

	require.True(t, errors.Is(Result{Kind: Blocked}.Err(), pagetest.ErrBlocked))
	require.True(t, errors.Is(Result{Kind: Malformed}.Err(), pagetest.ErrMalformed))
	require.True(t, errors.Is(Result{Kind: NotFound}.Err(), pagetest.ErrNotFound))
	require.NoError(t, Result{Kind: Pending}.Err())
}
