// Package status serves the read-only observability API under /api/v1.
//
// The API is GET-only JSON: server status and probes under
// /api/v1/status, counters under /api/v1/metrics, and the tool catalog
// under /api/v1/workflows. The root paths /status and /health are served
// as aliases so probes work without the /api/v1 prefix. These endpoints
// bypass bearer authentication; they expose counts and health flags,
// never tokens or session payloads.
package status
