// Package observability provides logging, metrics, and tracing
// functionality for the gatekeeper.
//
// # Logging
//
// The Logger interface provides structured logging backed by zap:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("request admitted",
//	    observability.String("path", "/v1/detect"),
//	    observability.Int64("in_flight", 3),
//	)
//
// # Metrics
//
// Prometheus metrics for admission decisions, per-endpoint in-flight
// counts, handler and task failures, and the async worker pool:
//
//	metrics := observability.NewMetrics("gatekeeper")
//	http.Handle("/metrics", metrics.Handler())
//
// # Tracing
//
// OpenTelemetry tracing with OTLP gRPC export. Handler executions are
// wrapped in spans named after the endpoint trace name:
//
//	tracer, err := observability.NewTracer(observability.TracerConfig{
//	    ServiceName:  "gatekeeper",
//	    OTLPEndpoint: "otel-collector:4317",
//	    SamplingRate: 0.25,
//	    Enabled:      true,
//	})
package observability
