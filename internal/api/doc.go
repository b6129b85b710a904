// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - POST /test/run submits a test and returns its job id.
//   - GET /test/results/{jobId} and /lighthouse/results/{jobId} report one timeline each:
//     200 complete, 202 pending with retry guidance, 429 blocked, 500 failed.
//   - GET /status/{jobId} returns the full record; PUT /status/{jobId}/sitemap and
//     /status/{jobId}/insights attach collaborator results.
//   - GET /healthz / readyz for Kubernetes probes, /metrics for Prometheus scraping.
package api
