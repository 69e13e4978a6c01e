package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

// Decision attributes. Principal ids stay off metrics to bound cardinality.
var (
	AttrRequestID = attribute.Key("permengine.request.id")
	AttrUserID    = attribute.Key("permengine.principal.id")
	AttrRole      = attribute.Key("permengine.principal.role")
	AttrPanel     = attribute.Key("permengine.resource.panel")
	AttrAction    = attribute.Key("permengine.action.name")
	AttrLevel     = attribute.Key("permengine.action.level")
	AttrOutcome   = attribute.Key("permengine.decision.outcome")
	AttrReason    = attribute.Key("permengine.decision.reason")
	AttrRisk      = attribute.Key("permengine.decision.risk")
	AttrSnapshot  = attribute.Key("permengine.snapshot.version")
)

// RequestAttributes describes an access request for a span.
func RequestAttributes(req contracts.AccessRequest) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRequestID.String(req.ID),
		AttrUserID.String(req.Principal.UserID),
		AttrRole.String(string(req.Principal.Role)),
		AttrPanel.String(req.Resource.PanelID),
		AttrAction.String(req.Action.Name),
		AttrLevel.String(string(req.Action.Level)),
	}
}

// DecisionAttributes describes a decision for a span.
func DecisionAttributes(d *contracts.Decision) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOutcome.String(string(d.Outcome)),
		AttrReason.String(d.ReasonCode),
		AttrRisk.Float64(d.Risk.Value),
		AttrSnapshot.String(d.SnapshotVersion),
	}
}

// RecordDecision annotates the current span and counts the decision.
func (p *Provider) RecordDecision(ctx context.Context, req contracts.AccessRequest, d *contracts.Decision) {
	trace.SpanFromContext(ctx).SetAttributes(DecisionAttributes(d)...)
	if p == nil || p.decisionCounter == nil {
		return
	}
	attrs := metric.WithAttributes(
		AttrOutcome.String(string(d.Outcome)),
		AttrReason.String(d.ReasonCode),
		AttrPanel.String(req.Resource.PanelID),
	)
	p.decisionCounter.Add(ctx, 1, attrs)
	p.riskHist.Record(ctx, d.Risk.Value, metric.WithAttributes(AttrPanel.String(req.Resource.PanelID)))
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
