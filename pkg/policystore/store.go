// Package policystore holds the compiled policy in force. A Store publishes
// immutable Snapshots atomically: readers never lock and never observe a
// partially applied change.
//
// Bundles are YAML documents checked against an embedded JSON Schema, then
// compiled (restriction sets, CEL rules, Cedar role policy) before they can
// be published. A bundle that fails any check never replaces the current
// snapshot.
package policystore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

// Source yields the bundle to load.
type Source interface {
	Load(ctx context.Context) (*Bundle, error)
}

// Saver persists a published bundle.
type Saver interface {
	Save(ctx context.Context, b *Bundle) error
}

// Store holds the current snapshot.
type Store struct {
	current atomic.Pointer[Snapshot]

	mu        sync.Mutex // serializes publishers
	saver     Saver
	logger    *slog.Logger
	clock     func() time.Time
	onPublish []func(*Snapshot)
}

// Option configures a Store.
type Option func(*Store)

// WithSaver persists every provisioning change before it is published.
func WithSaver(s Saver) Option { return func(st *Store) { st.saver = s } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(st *Store) { st.logger = l } }

// WithClock overrides the clock used for LoadedAt and user timestamps.
func WithClock(clock func() time.Time) Option { return func(st *Store) { st.clock = clock } }

// NewStore creates an empty store. Current returns nil until the first
// successful Publish.
func NewStore(opts ...Option) *Store {
	s := &Store{logger: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "policystore")
	return s
}

// Current returns the snapshot in force.
func (s *Store) Current() *Snapshot { return s.current.Load() }

// OnPublish registers a callback invoked after every publication.
func (s *Store) OnPublish(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPublish = append(s.onPublish, fn)
}

// Publish compiles b and swaps it in.
func (s *Store) Publish(b *Bundle) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishLocked(b)
}

func (s *Store) publishLocked(b *Bundle) (*Snapshot, error) {
	snap, err := Compile(b, s.logger)
	if err != nil {
		s.logger.Error("bundle rejected", "version", b.Version, "error", err)
		return nil, err
	}
	s.swapLocked(snap)
	return snap, nil
}

func (s *Store) swapLocked(snap *Snapshot) {
	snap.LoadedAt = s.clock()
	prev := s.current.Swap(snap)

	attrs := []any{"version", snap.Version, "hash", snap.Hash, "panels", len(snap.bundle.Panels), "users", len(snap.bundle.Users)}
	if prev != nil {
		attrs = append(attrs, "previous", prev.Version)
	}
	s.logger.Info("policy snapshot published", attrs...)
	for _, fn := range s.onPublish {
		fn(snap)
	}
}

// Load reads a bundle from src and publishes it.
func (s *Store) Load(ctx context.Context, src Source) (*Snapshot, error) {
	b, err := src.Load(ctx)
	if err != nil {
		return nil, err
	}
	return s.Publish(b)
}

// ApplyProvisioning publishes a new snapshot in which the request's user has
// the requested panel configuration. It is the only mutation path besides a
// full bundle publish and is invoked when an approval chain activates.
func (s *Store) ApplyProvisioning(ctx context.Context, req contracts.ProvisioningRequest) (*Snapshot, error) {
	const op = "policystore.ApplyProvisioning"
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.provisioned(op, req)
	if err != nil {
		return nil, err
	}
	snap, err := Compile(next, s.logger)
	if err != nil {
		return nil, err
	}
	if s.saver != nil {
		if err := s.saver.Save(ctx, next); err != nil {
			return nil, fmt.Errorf("policystore: save bundle: %w", err)
		}
	}
	s.swapLocked(snap)
	s.logger.Info("provisioning applied", "request", req.ID, "user", req.Principal.UserID, "panel", req.PanelID)
	return snap, nil
}

// CheckProvisioning compiles the bundle ApplyProvisioning would publish for
// req against the current snapshot, without publishing or saving it.
func (s *Store) CheckProvisioning(_ context.Context, req contracts.ProvisioningRequest) error {
	const op = "policystore.CheckProvisioning"
	s.mu.Lock()
	next, err := s.provisioned(op, req)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = Compile(next, s.logger)
	return err
}

// provisioned returns a copy of the current bundle with req applied.
// Callers hold s.mu.
func (s *Store) provisioned(op string, req contracts.ProvisioningRequest) (*Bundle, error) {
	cur := s.current.Load()
	if cur == nil {
		return nil, contracts.Errorf(contracts.KindConfiguration, op, "no snapshot loaded")
	}
	if _, ok := cur.Panel(req.PanelID); !ok {
		return nil, contracts.Errorf(contracts.KindConfiguration, op, "unknown panel %q", req.PanelID)
	}
	next, err := cur.bundle.Clone()
	if err != nil {
		return nil, fmt.Errorf("policystore: clone bundle: %w", err)
	}

	idx := -1
	for i := range next.Users {
		if next.Users[i].UserID == req.Principal.UserID {
			idx = i
			break
		}
	}
	if idx < 0 {
		next.Users = append(next.Users, contracts.UserPolicy{UserID: req.Principal.UserID})
		idx = len(next.Users) - 1
	}
	u := &next.Users[idx]
	if u.Panels == nil {
		u.Panels = map[string]contracts.PanelAccessConfig{}
	}
	u.Panels[req.PanelID] = req.Config
	if req.Restrictions != nil {
		u.Restrictions = *req.Restrictions
	}
	if req.RiskThreshold != nil {
		t := *req.RiskThreshold
		u.RiskThreshold = &t
	}
	u.UpdatedAt = s.clock().UTC()
	next.Version = cur.Version + "+" + req.ID
	return next, nil
}
