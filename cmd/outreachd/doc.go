// Package main hosts the outreachd entrypoint.
//
// Architecture overview:
//   - Feed & enrichment: the DEXScreener client lists freshly profiled tokens and later looks up their deepest
//     pair for liquidity, volume, market cap and age. Both share one token-bucket throttle.
//   - Store: entities, their action history, cycle checkpoints, daily counters and the error log live in SQLite by
//     default (Postgres or memory are selectable via store.driver). Every recorded outcome is a single transaction.
//   - Daemon: each cycle ingests the feed, qualifies enriched entities against the scoring threshold, then runs one
//     worker per action kind (enrich, join, identify, message) in parallel. An entity advances at most one stage per
//     cycle. Cycles only start inside the active-hours window.
//   - Rate limiting: hourly and daily quotas per kind, scaled down for young accounts, with jittered base delays
//     between actions and exponential backoff per entity after retryable failures.
//   - Collaborator: join/identify/message go to an HTTP automation sidecar that owns the messaging session, or to a
//     dry-run client that only logs. Fatal outcomes pause the kind until an operator resumes it.
//   - Operator API: chi router with health, metrics, entity listing/CSV, status, resume, daily stats and the error
//     log. Progress events fan out to zap, Prometheus and Pub/Sub sinks.
//
// Quick checklist:
//   - Configure with a YAML file (--config) and/or OUTREACH_* env vars, e.g. OUTREACH_STORE_DRIVER,
//     OUTREACH_COLLABORATOR_MODE, OUTREACH_COLLABORATOR_BASE_URL, OUTREACH_AUTH_API_KEY.
//   - Run locally: go run ./cmd/outreachd run --config config.yaml
//   - One cycle regardless of the clock: go run ./cmd/outreachd once --force
//   - Record a reply: go run ./cmd/outreachd respond <entity-id>
package main
