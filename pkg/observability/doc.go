// Package observability provides OpenTelemetry tracing and metrics for the
// permission engine.
//
// Initialize at startup and shut down on exit:
//
//	p, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "permengine",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1,
//		Enabled:      true,
//	})
//	defer p.Shutdown(ctx)
//
// Wrap an operation in a span with RED measurements:
//
//	ctx, done := p.TrackOperation(ctx, "permengine.decide", observability.RequestAttributes(req)...)
//	defer done(err)
//
// Count a decision and annotate the current span:
//
//	p.RecordDecision(ctx, req, decision)
//
// SLOTracker keeps a rolling window of decision latencies and failures
// against DecisionSLO.
package observability
