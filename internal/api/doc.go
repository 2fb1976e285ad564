// Package api hosts the status HTTP server used to observe and stop a run.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status, /v1/stats and /v1/groups for live run state.
//   - POST /v1/stop to cancel every outstanding group.
//   - GET /v1/runs/{run_id}/results for finalized group results; the id
//     "current" resolves to the active or most recent run.
package api
