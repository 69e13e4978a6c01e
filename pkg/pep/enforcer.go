// Package pep is the policy enforcement point. It resolves everything a
// decision needs that involves I/O, runs the decision engine on the current
// snapshot, audits the result, and feeds the behavioral baseline and usage
// counters afterwards.
//
// Nothing it fetches can turn a denial into a grant: a failed usage lookup
// leaves rate limits unresolved (and therefore violated), a failed baseline
// read scores the request as having no history, and a failed required audit
// sink downgrades the decision to Denied.
package pep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/permengine/pkg/audit"
	"github.com/Mindburn-Labs/permengine/pkg/baseline"
	"github.com/Mindburn-Labs/permengine/pkg/contracts"
	"github.com/Mindburn-Labs/permengine/pkg/decision"
	"github.com/Mindburn-Labs/permengine/pkg/observability"
	"github.com/Mindburn-Labs/permengine/pkg/policystore"
	"github.com/Mindburn-Labs/permengine/pkg/usage"
)

// Result is one enforced decision and the event that recorded it.
type Result struct {
	Decision *contracts.Decision
	Event    *contracts.SecurityEvent
}

// Enforcer wires the decision engine to its collaborators.
type Enforcer struct {
	policies *policystore.Store
	engine   *decision.Engine
	emitter  *audit.Emitter

	baselines baseline.Store
	updater   *baseline.Updater
	usage     usage.Store
	telemetry *observability.Provider
	slo       *observability.SLOTracker

	clock  func() time.Time
	logger *slog.Logger
}

// NewEnforcer creates an enforcer. Baselines, usage, and telemetry are
// optional and set afterwards.
func NewEnforcer(policies *policystore.Store, engine *decision.Engine, emitter *audit.Emitter, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{
		policies: policies,
		engine:   engine,
		emitter:  emitter,
		clock:    time.Now,
		logger:   logger.With("component", "pep"),
	}
}

// SetBaselines enables baseline reads and, when updater is non-nil,
// asynchronous updates after granted decisions.
func (e *Enforcer) SetBaselines(s baseline.Store, updater *baseline.Updater) {
	e.baselines = s
	e.updater = updater
}

// SetUsage enables rate-limit counters.
func (e *Enforcer) SetUsage(s usage.Store) { e.usage = s }

// SetTelemetry enables spans and decision metrics.
func (e *Enforcer) SetTelemetry(p *observability.Provider) { e.telemetry = p }

// SetSLO records decision latency and failures in t.
func (e *Enforcer) SetSLO(t *observability.SLOTracker) { e.slo = t }

// SetClock overrides the clock used to stamp requests without a timestamp.
func (e *Enforcer) SetClock(clock func() time.Time) { e.clock = clock }

// Enforce decides req and returns the decision with its security event.
// payload may be nil; when present the decision carries its redacted copy.
// The returned decision is always terminal.
func (e *Enforcer) Enforce(ctx context.Context, req contracts.AccessRequest, payload map[string]any) Result {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Context.Timestamp.IsZero() {
		req.Context.Timestamp = e.clock().UTC()
	}

	ctx, done := e.telemetry.TrackOperation(ctx, "permengine.enforce", observability.RequestAttributes(req)...)

	snap := e.policies.Current()
	base := e.prefetch(ctx, &req, snap)

	d := e.engine.Decide(ctx, decision.Input{
		Request:  req,
		Snapshot: snap,
		Baseline: base,
		Payload:  payload,
	})

	ev, err := e.emitter.Emit(ctx, req, d)
	if err != nil {
		e.logger.ErrorContext(ctx, "audit emission failed", "request", req.ID, "outcome", d.Outcome, "error", err)
		if d.Outcome != contracts.OutcomeDenied {
			e.downgrade(d, snap, err)
		}
		ev = e.emitter.Record(ctx, req, d)
	}

	e.telemetry.RecordDecision(ctx, req, d)
	if e.slo != nil {
		e.slo.Record(observability.SLOObservation{
			Operation: observability.OperationDecide,
			Latency:   time.Since(start),
			Success:   d.Error == nil || d.Error.Kind == contracts.KindAuditUnavailable,
		})
	}
	e.after(ctx, req, d)

	var opErr error
	if d.Error != nil {
		opErr = d.Error
	}
	done(opErr)
	return Result{Decision: d, Event: ev}
}

// prefetch resolves usage counts into req and returns the principal's
// baseline, or nil.
func (e *Enforcer) prefetch(ctx context.Context, req *contracts.AccessRequest, snap *policystore.Snapshot) *baseline.Baseline {
	if e.usage != nil && snap != nil {
		periods := snap.Restrictions(req.Principal, req.Resource.PanelID).UsagePeriods(req.Action.Name)
		if len(periods) > 0 {
			counts, err := e.usage.Counts(ctx, req.Principal.UserID, req.Action.Name, periods, req.Context.Timestamp)
			if err != nil {
				e.logger.WarnContext(ctx, "usage counts unavailable", "request", req.ID, "error", err)
			} else {
				req.Context.Usage = counts
			}
		}
	}

	if e.baselines == nil {
		return nil
	}
	b, err := e.baselines.Get(ctx, req.Principal.UserID)
	switch {
	case errors.Is(err, baseline.ErrNotFound):
		return nil
	case err != nil:
		e.logger.WarnContext(ctx, "baseline unavailable", "request", req.ID, "error", err)
		return nil
	}
	return b
}

// downgrade turns a Granted or Flagged decision into an audit denial.
func (e *Enforcer) downgrade(d *contracts.Decision, snap *policystore.Snapshot, cause error) {
	d.Outcome = contracts.OutcomeDenied
	d.State = contracts.StateDenied
	d.ReasonCode = contracts.ReasonAuditUnavailable
	d.AccessLevel = ""
	d.StepUpRequired = false
	d.Payload = nil
	d.Redaction = nil

	var ce *contracts.Error
	if !errors.As(cause, &ce) {
		ce = contracts.NewError(contracts.KindAuditUnavailable, "pep.Enforce", cause)
	}
	d.Error = ce

	var snapHash string
	if snap != nil {
		snapHash = snap.Hash
	}
	if h, err := decision.Hash(d, snapHash); err == nil {
		d.DecisionHash = h
	}
}

// after records usage for granted and flagged decisions and folds granted
// ones into the baseline.
func (e *Enforcer) after(ctx context.Context, req contracts.AccessRequest, d *contracts.Decision) {
	if d.Outcome == contracts.OutcomeDenied {
		return
	}
	if e.usage != nil {
		if err := e.usage.Record(ctx, req.Principal.UserID, req.Action.Name, req.Context.Timestamp); err != nil {
			e.logger.WarnContext(ctx, "usage not recorded", "request", req.ID, "error", err)
		}
	}
	if d.Outcome == contracts.OutcomeGranted && e.updater != nil {
		ok := e.updater.Submit(baseline.Observation{
			PrincipalID: req.Principal.UserID,
			At:          req.Context.Timestamp,
			Action:      req.Action.Name,
			Country:     req.Context.Geo.Country,
		})
		if !ok {
			e.logger.WarnContext(ctx, "baseline update dropped", "request", req.ID)
		}
	}
}
