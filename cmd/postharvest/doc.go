// Package main hosts the harvester entrypoint.
//
// Architecture overview:
//   - Scheduler: internal/scheduler fires the enabled strategies (accounts, hashtags, trends, search) on fixed
//     cadences with staggered offsets. Each job owns a single-slot guard, so a slow run causes the next tick to be
//     skipped rather than queued.
//   - Strategies: internal/strategy selects a shuffled, capped set of targets per run, pages through results via a
//     lazy iterator, and paces between targets using the configured delay or the ledger's pacing delay.
//   - Quota plumbing: every remote call goes through internal/invoker, which consults the internal/quota ledger,
//     waits on the internal/policy/ratelimit pacer, retries with capped exponential backoff, and rotates the
//     internal/credential pool on rate limits and auth failures.
//   - Persistence & fanout: raw pages are archived to the configured blob store (memory/local/GCS), posts are
//     normalized and classified, upserted by post ID into memory, SQLite or Postgres, and newly inserted records are
//     announced on Pub/Sub when a topic is configured.
//   - Ops surface: internal/api serves /healthz, /readyz, /metrics and the /v1 status, quota reset and trigger
//     endpoints.
//
// Quick checklist:
//   - Configure credentials via config file or HARVEST_BEARER_TOKENS (comma separated).
//   - Run the service: go run ./cmd/postharvest run --config config.yaml
//   - One-off pass: go run ./cmd/postharvest sweep accounts
package main
