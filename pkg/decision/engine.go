// Package decision applies the ordered decision policy to one access
// request against one policy snapshot.
//
// Policy, in order:
//  1. Prerequisites: panel configured and enabled, requested level within the
//     configured level, clearance at or above the panel minimum, the
//     organisation role policy permits the role, and a targeted field is
//     allowed or masked. Any failure denies.
//  2. Any hard restriction violated denies.
//  3. Risk strictly above the threshold flags for step-up.
//  4. Otherwise the configured access level is granted.
//
// The risk score is computed on every path. Any internal failure, and any
// evaluation that outlives the configured timeout, denies.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/permengine/pkg/baseline"
	"github.com/Mindburn-Labs/permengine/pkg/canonicalize"
	"github.com/Mindburn-Labs/permengine/pkg/conditions"
	"github.com/Mindburn-Labs/permengine/pkg/contracts"
	"github.com/Mindburn-Labs/permengine/pkg/pdp"
	"github.com/Mindburn-Labs/permengine/pkg/policystore"
	"github.com/Mindburn-Labs/permengine/pkg/redact"
	"github.com/Mindburn-Labs/permengine/pkg/risk"
)

// DefaultTimeout bounds a single evaluation.
const DefaultTimeout = 250 * time.Millisecond

// Clock provides decision time.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Input is everything one decision depends on. Baseline may be nil.
type Input struct {
	Request  contracts.AccessRequest
	Snapshot *policystore.Snapshot
	Baseline *baseline.Baseline
	Payload  map[string]any
}

// Engine is stateless and safe for concurrent use.
type Engine struct {
	scorer   *risk.Scorer
	redactor *redact.Redactor
	clock    Clock
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects the decision clock.
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithTimeout sets the hard evaluation timeout. Non-positive keeps the default.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine creates an engine scoring with scorer. A nil scorer uses the
// default risk model.
func NewEngine(scorer *risk.Scorer, opts ...Option) *Engine {
	if scorer == nil {
		scorer = risk.NewScorer(nil)
	}
	e := &Engine{
		scorer:  scorer,
		clock:   wallClock{},
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "decision_engine")
	e.redactor = redact.New(e.logger)
	return e
}

// Model returns the risk model in use.
func (e *Engine) Model() *risk.Model { return e.scorer.Model() }

// Decide evaluates in. It always returns a terminal decision.
func (e *Engine) Decide(ctx context.Context, in Input) *contracts.Decision {
	ev := NewEvaluation(in.Request.ID)
	_ = ev.Advance(contracts.StateEvaluating)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan *contracts.Decision, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("evaluation panicked", "request", in.Request.ID, "panic", r)
				done <- e.failure(in, contracts.ReasonConfiguration,
					contracts.Errorf(contracts.KindConfiguration, "decision.Decide", "panic: %v", r))
			}
		}()
		done <- e.evaluate(ctx, in)
	}()

	var d *contracts.Decision
	select {
	case d = <-done:
	case <-ctx.Done():
		d = e.timedOut(in, ctx.Err())
	}
	return e.finish(ev, d, in.Snapshot)
}

func (e *Engine) evaluate(ctx context.Context, in Input) *contracts.Decision {
	req := in.Request
	snap := in.Snapshot
	if snap == nil {
		return e.failure(in, contracts.ReasonConfiguration,
			contracts.Errorf(contracts.KindConfiguration, "decision.Decide", "no policy snapshot"))
	}

	userID, panelID := req.Principal.UserID, req.Resource.PanelID
	panel, hasPanel := snap.Panel(panelID)
	cfg, hasCfg := snap.PanelConfig(userID, panelID)

	var recent []string
	if in.Baseline != nil {
		recent = in.Baseline.Countries
	}
	cond := conditions.Evaluate(req, snap.Restrictions(req.Principal, panelID), conditions.Inputs{
		TrustedDevices:  snap.TrustedDevices(userID),
		RecentCountries: recent,
	})

	score, err := e.scorer.Score(ctx, risk.Input{
		Request:    req,
		Panel:      panel,
		Conditions: cond,
		Baseline:   in.Baseline,
	})
	if err != nil {
		return e.failure(in, contracts.ReasonConfiguration, contracts.NewError(contracts.KindConfiguration, "decision.Decide", err))
	}

	d := &contracts.Decision{
		RequestID:          req.ID,
		Risk:               score,
		Threshold:          snap.Threshold(userID, panelID, e.scorer.Model().DefaultThreshold),
		PermissionsChecked: []string{req.Action.Level.Permission()},
		SnapshotVersion:    snap.Version,
	}

	gates, reason, err := e.prerequisites(ctx, req, snap, panel, hasPanel, cfg, hasCfg)
	if err != nil {
		return e.failure(in, contracts.ReasonConfiguration, contracts.NewError(contracts.KindConfiguration, "decision.Decide", err))
	}
	d.Conditions = contracts.ConditionResult{
		Satisfied: append(gates.Satisfied, cond.Satisfied...),
		Violated:  append(gates.Violated, cond.Violated...),
		Signals:   cond.Signals,
	}
	if ctx.Err() != nil {
		return e.timedOut(in, ctx.Err())
	}

	switch {
	case reason != "":
		d.Outcome, d.ReasonCode = contracts.OutcomeDenied, reason
	case len(cond.HardViolations()) > 0:
		d.Outcome, d.ReasonCode = contracts.OutcomeDenied, contracts.ReasonHardRestriction
	case score.Value > d.Threshold:
		d.Outcome, d.ReasonCode = contracts.OutcomeFlagged, contracts.ReasonRiskAboveThreshold
		d.StepUpRequired = true
		d.AccessLevel = cfg.AccessLevel
	default:
		d.Outcome, d.ReasonCode = contracts.OutcomeGranted, contracts.ReasonGranted
		d.AccessLevel = cfg.AccessLevel
	}

	if path := req.Resource.FieldPath; path != "" && d.Outcome != contracts.OutcomeDenied {
		_, d.FieldMasked = redact.Decide(path, cfg.FieldPermissions, cfg.AccessLevel)
	}
	if d.Outcome != contracts.OutcomeDenied && in.Payload != nil {
		res, _ := e.redactor.Redact(in.Payload, cfg.FieldPermissions, cfg.AccessLevel)
		d.Payload = res.Payload
		d.Redaction = res.Report()
	}
	return d
}

// prerequisites evaluates the access gates and returns the reason of the
// first one that fails, or "".
func (e *Engine) prerequisites(
	ctx context.Context,
	req contracts.AccessRequest,
	snap *policystore.Snapshot,
	panel *contracts.Panel, hasPanel bool,
	cfg contracts.PanelAccessConfig, hasCfg bool,
) (contracts.ConditionResult, string, error) {
	var (
		out    contracts.ConditionResult
		reason string
	)
	check := func(kind contracts.ConditionKind, ref string, ok bool, detail, failReason string) {
		c := contracts.Condition{Kind: kind, Ref: ref, Hard: true}
		if ok {
			out.Satisfied = append(out.Satisfied, c)
			return
		}
		c.Detail = detail
		out.Violated = append(out.Violated, c)
		if reason == "" {
			reason = failReason
		}
	}
	panelID := req.Resource.PanelID

	switch {
	case !hasPanel || !hasCfg:
		check(contracts.ConditionPanelEnabled, panelID, false, "no access configured", contracts.ReasonNoPanelAccess)
	default:
		check(contracts.ConditionPanelEnabled, panelID, cfg.Enabled, "panel disabled", contracts.ReasonPanelDisabled)
	}
	if hasCfg {
		check(contracts.ConditionAccessLevel, string(req.Action.Level), cfg.AccessLevel.Covers(req.Action.Level),
			fmt.Sprintf("configured %s", cfg.AccessLevel), contracts.ReasonAccessLevel)
	}
	if !hasPanel {
		return out, reason, nil
	}
	check(contracts.ConditionClearance, string(panel.MinClearance), req.Principal.Clearance.AtLeast(panel.MinClearance),
		fmt.Sprintf("principal holds %s", req.Principal.Clearance), contracts.ReasonClearance)

	roles := make([]string, 0, 1+len(req.Principal.SecondaryRoles))
	for _, r := range req.Principal.Roles() {
		roles = append(roles, string(r))
	}
	resp, err := snap.RolePolicy().Evaluate(ctx, &pdp.DecisionRequest{
		Principal: req.Principal.UserID,
		Roles:     roles,
		Action:    string(req.Action.Level),
		Resource:  panelID,
	})
	if err != nil {
		return out, reason, err
	}
	check(contracts.ConditionRolePolicy, resp.PolicyRef, resp.Allow, resp.ReasonCode, contracts.ReasonRolePolicy)

	if path := req.Resource.FieldPath; path != "" && hasCfg {
		allowed, masked := redact.Decide(path, cfg.FieldPermissions, cfg.AccessLevel)
		check(contracts.ConditionField, path, allowed || masked, "field denied or not listed", contracts.ReasonFieldDenied)
	}
	return out, reason, nil
}

func (e *Engine) failure(in Input, reason string, err *contracts.Error) *contracts.Decision {
	e.logger.Error("evaluation failed", "request", in.Request.ID, "reason", reason, "error", err)
	d := &contracts.Decision{
		RequestID:          in.Request.ID,
		Outcome:            contracts.OutcomeDenied,
		ReasonCode:         reason,
		Risk:               contracts.RiskScore{ModelVersion: e.scorer.Model().Version},
		PermissionsChecked: []string{in.Request.Action.Level.Permission()},
		Error:              err,
	}
	if in.Snapshot != nil {
		d.SnapshotVersion = in.Snapshot.Version
	}
	return d
}

func (e *Engine) timedOut(in Input, cause error) *contracts.Decision {
	return e.failure(in, contracts.ReasonTimeout,
		contracts.NewError(contracts.KindEvaluationTimeout, "decision.Decide", fmt.Errorf("after %s: %w", e.timeout, cause)))
}

func (e *Engine) finish(ev *Evaluation, d *contracts.Decision, snap *policystore.Snapshot) *contracts.Decision {
	if err := ev.Advance(StateFor(d.Outcome)); err != nil {
		e.logger.Error("decision state", "error", err)
	}
	d.State = ev.State()
	d.DecidedAt = e.clock.Now().UTC()

	var snapHash string
	if snap != nil {
		snapHash = snap.Hash
	}
	hash, err := Hash(d, snapHash)
	if err != nil {
		e.logger.Error("decision hash", "request", d.RequestID, "error", err)
	}
	d.DecisionHash = hash
	return d
}

// Hash is the SHA-256 of the canonical JSON of everything that determines
// a decision. Equal inputs against the same snapshot give equal hashes.
func Hash(d *contracts.Decision, snapshotHash string) (string, error) {
	type factor struct {
		Name         string  `json:"name"`
		Contribution float64 `json:"contribution"`
	}
	factors := make([]factor, 0, len(d.Risk.Factors))
	for _, f := range d.Risk.Factors {
		factors = append(factors, factor{f.Name, f.Contribution})
	}
	conds := func(cs []contracts.Condition) []string {
		out := make([]string, 0, len(cs))
		for _, c := range cs {
			out = append(out, c.String())
		}
		return out
	}
	var errKind contracts.ErrorKind
	if d.Error != nil {
		errKind = d.Error.Kind
	}
	input := struct {
		RequestID    string              `json:"request_id"`
		Outcome      contracts.Outcome   `json:"outcome"`
		ReasonCode   string              `json:"reason_code"`
		AccessLevel  string              `json:"access_level"`
		FieldMasked  bool                `json:"field_masked,omitempty"`
		Threshold    float64             `json:"threshold"`
		Risk         float64             `json:"risk"`
		ModelVersion string              `json:"model_version"`
		Factors      []factor            `json:"factors"`
		Satisfied    []string            `json:"satisfied"`
		Violated     []string            `json:"violated"`
		Permissions  []string            `json:"permissions"`
		Error        contracts.ErrorKind `json:"error,omitempty"`
		SnapshotHash string              `json:"snapshot_hash"`
	}{
		RequestID:    d.RequestID,
		Outcome:      d.Outcome,
		ReasonCode:   d.ReasonCode,
		AccessLevel:  string(d.AccessLevel),
		FieldMasked:  d.FieldMasked,
		Threshold:    d.Threshold,
		Risk:         d.Risk.Value,
		ModelVersion: d.Risk.ModelVersion,
		Factors:      factors,
		Satisfied:    conds(d.Conditions.Satisfied),
		Violated:     conds(d.Conditions.Violated),
		Permissions:  d.PermissionsChecked,
		Error:        errKind,
		SnapshotHash: snapshotHash,
	}
	return canonicalize.CanonicalHash(input)
}
