// Package observability provides structured logging, Prometheus metrics, OpenTelemetry
// setup, health endpoints and graceful shutdown for porter binaries.
//
// # Logging
//
// Logger wraps log/slog with a JSON handler. Loggers are immutable: WithField and
// WithFields return a new Logger. FromContext adds the request id placed in the context
// by the HTTP middleware.
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("role", "PMC_ADMIN").Info("role assigned")
//
// # Metrics
//
// NewMetrics registers every porter collector on the given registry. Packages accept a
// nil *Metrics and skip instrumentation in that case, which keeps unit tests free of
// registry plumbing.
//
// # Tracing
//
// InitOTel installs OTLP gRPC trace and metric exporters when enabled. Spans are created
// through otel.Tracer in the packages that do the work.
package observability
