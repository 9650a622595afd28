/*
Package main is the BrandLens executable entry point. It provides the
HTTP API server, a one-shot CLI analysis mode, health checks and version
queries as subcommands.

  - Subcommands: serve, analyze, version, health
  - Middleware chain: Recovery, RequestID, SecurityHeaders,
    RequestLogger, OTelTracing, MetricsMiddleware, RateLimiter (per IP),
    APIKeyAuth (X-API-Key)
  - Metrics server: /metrics (Prometheus) on a separate port
  - Graceful shutdown: signal → drain HTTP → drain metrics → abandon
    background runs → close store → flush telemetry
  - Build injection: Version, BuildTime, GitCommit via ldflags
*/
package main
