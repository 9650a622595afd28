// Package handlers implements the HTTP handlers of the BrandLens API:
// run creation and background execution, run status lookup, SSE progress
// streaming, and health probes. Handlers share a unified JSON response
// envelope and error-code to HTTP-status mapping.
package handlers
