/*
Package server provides HTTP server lifecycle management: non-blocking
start, graceful shutdown, and system signal handling.

Manager wraps net/http.Server and owns listening, serving, shutdown,
and error propagation. WaitForShutdown listens for SIGINT/SIGTERM and
drains requests within the configured shutdown timeout.
*/
package server
