package policystore

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/permengine/pkg/canonicalize"
	"github.com/Mindburn-Labs/permengine/pkg/conditions"
	"github.com/Mindburn-Labs/permengine/pkg/contracts"
	"github.com/Mindburn-Labs/permengine/pkg/pdp"
)

// Snapshot is an immutable, compiled view of one bundle. Every evaluation
// reads exactly one snapshot.
type Snapshot struct {
	Version  string
	Hash     string
	LoadedAt time.Time

	bundle    *Bundle
	panels    map[string]*contracts.Panel
	panelSets map[string]conditions.Set
	roleSets  map[contracts.Role]conditions.Set
	users     map[string]*userEntry
	roles     pdp.PolicyDecisionPoint
}

type userEntry struct {
	policy  contracts.UserPolicy
	set     conditions.Set
	custom  map[string]conditions.Set
	trusted map[string]bool
}

// Compile validates b and compiles every restriction set and the role
// policy. Any problem is a configuration error and nothing is returned.
func Compile(b *Bundle, logger *slog.Logger) (*Snapshot, error) {
	const op = "policystore.Compile"
	if b == nil {
		return nil, contracts.Errorf(contracts.KindConfiguration, op, "nil bundle")
	}
	if err := b.Validate(); err != nil {
		return nil, contracts.NewError(contracts.KindConfiguration, op, err)
	}

	s := &Snapshot{
		Version:   b.Version,
		bundle:    b,
		panels:    make(map[string]*contracts.Panel, len(b.Panels)),
		panelSets: make(map[string]conditions.Set, len(b.Panels)),
		roleSets:  make(map[contracts.Role]conditions.Set, len(b.RoleRestrictions)),
		users:     make(map[string]*userEntry, len(b.Users)),
	}

	var errs []error
	compile := func(scope string, r contracts.Restrictions) conditions.Set {
		set, err := conditions.Compile(scope, r)
		if err != nil {
			errs = append(errs, err)
		}
		return set
	}
	for i := range b.Panels {
		p := &b.Panels[i]
		s.panels[p.ID] = p
		s.panelSets[p.ID] = compile("panel:"+p.ID, p.Restrictions)
	}
	for role, r := range b.RoleRestrictions {
		s.roleSets[role] = compile("role:"+string(role), r)
	}
	for _, u := range b.Users {
		e := &userEntry{
			policy:  u,
			set:     compile("user:"+u.UserID, u.Restrictions),
			custom:  map[string]conditions.Set{},
			trusted: make(map[string]bool, len(u.TrustedDevices)),
		}
		for panelID, cfg := range u.Panels {
			if cfg.CustomRestrictions != nil {
				e.custom[panelID] = compile("custom:"+u.UserID+"/"+panelID, *cfg.CustomRestrictions)
			}
		}
		for _, fp := range u.TrustedDevices {
			e.trusted[fp] = true
		}
		s.users[u.UserID] = e
	}
	if len(errs) > 0 {
		return nil, contracts.NewError(contracts.KindConfiguration, op, errors.Join(errs...))
	}

	hierarchy := b.RoleHierarchy
	if len(hierarchy) == 0 {
		hierarchy = DefaultRoleHierarchy()
	}
	roles, err := pdp.NewCedarPDP(pdp.CedarConfig{
		Policies:      pdp.RolePolicies(b.Panels),
		Hierarchy:     hierarchy,
		PolicyVersion: b.Version,
		Logger:        logger,
	})
	if err != nil {
		return nil, contracts.NewError(contracts.KindConfiguration, op, err)
	}
	s.roles = roles

	hash, err := bundleHash(b)
	if err != nil {
		return nil, err
	}
	s.Hash = hash
	return s, nil
}

func bundleHash(b *Bundle) (string, error) {
	h, err := canonicalize.CanonicalHash(b)
	if err != nil {
		return "", fmt.Errorf("policystore: bundle hash: %w", err)
	}
	return h, nil
}

// Bundle returns the source bundle. Callers must not modify it.
func (s *Snapshot) Bundle() *Bundle { return s.bundle }

// Panel returns the panel definition.
func (s *Snapshot) Panel(id string) (*contracts.Panel, bool) {
	p, ok := s.panels[id]
	return p, ok
}

// User returns the user's policy.
func (s *Snapshot) User(userID string) (*contracts.UserPolicy, bool) {
	e, ok := s.users[userID]
	if !ok {
		return nil, false
	}
	return &e.policy, true
}

// PanelConfig returns the user's access configuration for a panel.
func (s *Snapshot) PanelConfig(userID, panelID string) (contracts.PanelAccessConfig, bool) {
	e, ok := s.users[userID]
	if !ok {
		return contracts.PanelAccessConfig{}, false
	}
	cfg, ok := e.policy.Panels[panelID]
	return cfg, ok
}

// Restrictions returns the compiled conjunction that applies to the
// principal on a panel: panel, every held role, user, then the user's
// custom set for the panel.
func (s *Snapshot) Restrictions(p contracts.Principal, panelID string) conditions.Set {
	set := s.panelSets[panelID]
	for _, r := range p.Roles() {
		set = set.Merge(s.roleSets[r])
	}
	if e, ok := s.users[p.UserID]; ok {
		set = set.Merge(e.set).Merge(e.custom[panelID])
	}
	return set
}

// TrustedDevices returns the user's trusted fingerprints, or nil when the
// user is unknown.
func (s *Snapshot) TrustedDevices(userID string) map[string]bool {
	if e, ok := s.users[userID]; ok {
		return e.trusted
	}
	return nil
}

// Threshold resolves the flagging threshold: panel override, then user
// threshold, then the bundle default, then fallback.
func (s *Snapshot) Threshold(userID, panelID string, fallback float64) float64 {
	if e, ok := s.users[userID]; ok {
		if cfg, ok := e.policy.Panels[panelID]; ok && cfg.RiskOverride != nil {
			return *cfg.RiskOverride
		}
		if e.policy.RiskThreshold != nil {
			return *e.policy.RiskThreshold
		}
	}
	if s.bundle.DefaultThreshold != nil {
		return *s.bundle.DefaultThreshold
	}
	return fallback
}

// RolePolicy returns the compiled organisation role policy.
func (s *Snapshot) RolePolicy() pdp.PolicyDecisionPoint { return s.roles }
