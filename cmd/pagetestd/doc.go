// Package main hosts the pagetest orchestration service.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts test submissions and answers result polls per timeline
//     (metrics and Lighthouse), plus collaborator hooks that attach sitemap and insight payloads.
//   - Engine: internal/engine tracks each accepted job in its own goroutine with one poll loop per
//     timeline. A gate caps tracked jobs and a shared rate limiter paces every outbound call; a
//     blocked answer from the provider puts all callers into cooldown.
//   - Persistence & fanout: records live in the status store (memory or Redis). Terminal records are
//     archived to Postgres when a DSN is set, Lighthouse reports go to the configured blob store
//     (memory/local/GCS) and a Pub/Sub event is published per finished timeline when a topic is set.
//   - Configuration & plumbing: Viper populates config from .env, an optional file and PAGETEST_*
//     env vars; zap provides structured logging; Prometheus metrics are served on /metrics.
//
// Quick checklist:
//   - Configure env vars: PAGETEST_PROVIDER_API_KEY (or WPT_API_KEY), PAGETEST_SERVER_PORT,
//     PAGETEST_STORE_BACKEND, PAGETEST_DATABASE_DSN, PAGETEST_PUBSUB_PROJECT_ID/TOPIC.
//   - Run locally: go run ./cmd/pagetestd -config config.yaml.
//   - SIGINT/SIGTERM stop the HTTP server, then cancel tracked jobs; their records stay pending.
package main
