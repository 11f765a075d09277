// Package api hosts the operator HTTP interface. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/entities (JSON or CSV) and /v1/entities/{id}.
//   - POST /v1/entities/{id}/responded to record a reply.
//   - GET /v1/status, POST /v1/kinds/{kind}/resume for the daemon.
//   - GET /v1/stats/daily and /v1/errors for counters and the error log.
package api
