// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, and health checks for the platform.
package observability
