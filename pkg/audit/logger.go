// Package audit turns decisions into SecurityEvents and fans them out to
// the configured sinks. A failing required sink makes Emit fail with an
// AuditUnavailable error before any optional sink sees the event; the
// enforcement point then refuses access and records the denial.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
	"github.com/Mindburn-Labs/permengine/pkg/risk"
)

// Sink receives security events.
type Sink interface {
	Write(ctx context.Context, ev *contracts.SecurityEvent) error
}

type registered struct {
	name     string
	sink     Sink
	required bool
}

// Emitter builds and dispatches security events.
type Emitter struct {
	mu     sync.RWMutex
	sinks  []registered
	model  *risk.Model
	clock  func() time.Time
	logger *slog.Logger
}

// NewEmitter creates an emitter that grades severity with model.
func NewEmitter(model *risk.Model, logger *slog.Logger) *Emitter {
	if model == nil {
		model = risk.DefaultModel()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		model:  model,
		clock:  time.Now,
		logger: logger.With("component", "audit"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Emitter) WithClock(clock func() time.Time) *Emitter {
	e.clock = clock
	return e
}

// AddSink registers a sink. Sinks are written in registration order.
func (e *Emitter) AddSink(name string, s Sink, required bool) *Emitter {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, registered{name: name, sink: s, required: required})
	return e
}

// Emit records the decision. Required sinks are written first, each of them
// even after a failure. Optional sinks receive the event only when every
// required sink accepted it; otherwise the caller settles the outcome and
// records it with Record.
func (e *Emitter) Emit(ctx context.Context, req contracts.AccessRequest, d *contracts.Decision) (*contracts.SecurityEvent, error) {
	ev := e.Event(req, d)

	if e.model.Alert(ev.RiskScore) {
		e.logger.Error("security alert",
			"event_id", ev.ID,
			"user_id", ev.UserID,
			"resource", ev.Resource,
			"risk_score", ev.RiskScore,
			"result", ev.Result,
			"risk_factors", ev.Metadata.RiskFactors,
		)
	}

	sinks := e.registered()
	var failed []error
	for _, s := range sinks {
		if !s.required {
			continue
		}
		if err := e.write(ctx, s, ev); err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	if len(failed) > 0 {
		return ev, contracts.NewError(contracts.KindAuditUnavailable, "audit.Emit", errors.Join(failed...))
	}
	for _, s := range sinks {
		if !s.required {
			_ = e.write(ctx, s, ev)
		}
	}
	return ev, nil
}

// Record writes a new event for the settled decision d to every sink. Sink
// failures are logged only. It follows an Emit that failed.
func (e *Emitter) Record(ctx context.Context, req contracts.AccessRequest, d *contracts.Decision) *contracts.SecurityEvent {
	ev := e.Event(req, d)
	for _, s := range e.registered() {
		_ = e.write(ctx, s, ev)
	}
	return ev
}

func (e *Emitter) registered() []registered {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sinks
}

func (e *Emitter) write(ctx context.Context, s registered, ev *contracts.SecurityEvent) error {
	err := s.sink.Write(ctx, ev)
	if err != nil {
		e.logger.Error("audit sink failed", "sink", s.name, "required", s.required, "event_id", ev.ID, "error", err)
	}
	return err
}

// Event builds the SecurityEvent for a decision without emitting it.
func (e *Emitter) Event(req contracts.AccessRequest, d *contracts.Decision) *contracts.SecurityEvent {
	ts := d.DecidedAt
	if ts.IsZero() {
		ts = e.clock().UTC()
	}
	ev := &contracts.SecurityEvent{
		ID:        uuid.New().String(),
		Timestamp: ts,
		UserID:    req.Principal.UserID,
		UserName:  req.Principal.DisplayName,
		UserRole:  string(req.Principal.Role),
		Action:    req.Action.Name,
		Resource:  req.Resource.String(),
		Result:    d.Outcome,
		RiskScore: d.Risk.Value,
		Severity:  e.severity(d),
		Location: contracts.EventLocation{
			IP:      req.Context.SourceIP,
			Country: req.Context.Geo.Country,
			City:    req.Context.Geo.City,
		},
		Device: contracts.EventDevice{
			Type:        req.Context.Device.Type,
			OS:          req.Context.Device.OS,
			Browser:     req.Context.Device.Browser,
			Fingerprint: req.Context.Device.Fingerprint,
		},
		Metadata: contracts.EventMetadata{
			PermissionsChecked:  nonNil(d.PermissionsChecked),
			ConditionsEvaluated: d.Conditions.Evaluated(),
			RiskFactors:         nonNil(d.Risk.FactorNames()),
			AnomalyScore:        d.Risk.AnomalyScore,
			BehavioralMatch:     d.Risk.BehavioralMatch,
		},
	}
	if g := req.Context.Geo; g.Latitude != nil && g.Longitude != nil {
		ev.Location.Coordinates = [2]float64{*g.Latitude, *g.Longitude}
	}
	return ev
}

func (e *Emitter) severity(d *contracts.Decision) contracts.Severity {
	if d.ReasonCode == contracts.ReasonTimeout ||
		(d.Error != nil && d.Error.Kind == contracts.KindEvaluationTimeout) {
		return contracts.SeverityCritical
	}
	return e.model.SeverityOf(d.Risk.Value)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// JSONLinesSink writes one JSON event per line.
type JSONLinesSink struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewJSONLinesSink writes to w, or os.Stdout when w is nil.
func NewJSONLinesSink(w io.Writer) *JSONLinesSink {
	if w == nil {
		w = os.Stdout
	}
	return &JSONLinesSink{writer: w}
}

func (s *JSONLinesSink) Write(_ context.Context, ev *contracts.SecurityEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.writer.Write(append(b, '\n'))
	return err
}
