// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("license_id", id).Info("license suspended")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.LicenseValidationsTotal.WithLabelValues("valid").Inc()
//
// A nil *Metrics is accepted by the Observe helpers so engines can run
// without instrumentation in tests.
//
// # Tracing
//
//	ctx, span := observability.StartSpan(ctx, "licensing.Validate")
//	defer func() { observability.EndSpan(span, err) }()
//
// Spans go to the global provider, a no-op until InitOTel installs an
// OTLP exporter.
package observability
