// Package api defines the public request and response types of the
// BrandLens HTTP API.
//
// # API Overview
//
// BrandLens exposes a small REST surface:
//   - POST /v1/analyze          — upload a video and start an analysis run
//   - GET  /v1/runs/{id}        — fetch the state of a run
//   - GET  /v1/runs/{id}/events — stream run progress as Server-Sent Events
//   - GET  /healthz, /readyz    — liveness and readiness probes
//
// # Authentication
//
// When an API key is configured, endpoints other than the health probes
// require the X-API-Key header:
//
//	X-API-Key: your-api-key
package api
