// Package api hosts the operator HTTP server. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the quota, credential and scheduler snapshot.
//   - POST /v1/strategies/{name}/trigger to start a strategy run on demand.
//   - POST /v1/quota/reset to clear every quota window.
package api
