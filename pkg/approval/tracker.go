// Package approval tracks the multi-party sign-off that a provisioning
// request needs before it changes a principal's panel access.
//
// A chain is opened with the approver roles derived from the request, moves
// to Activated once every required role has approved, and ends Rejected on
// the first rejection, Expired after its deadline, or Withdrawn by the
// requester. If the activation hook fails the chain is reopened without the
// final sign-off, so that approval can be repeated. Every mutation is a check-and-set on the chain version, so
// concurrent approvers never lose each other's sign-off.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/permengine/pkg/canonicalize"
	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

const (
	// DefaultTTL bounds how long a chain stays open when the request names no TTL.
	DefaultTTL = 72 * time.Hour
	// DefaultRetries bounds check-and-set attempts per mutation.
	DefaultRetries = 5
)

var (
	ErrNotFound         = errors.New("approval: chain not found")
	ErrVersionConflict  = errors.New("approval: version conflict")
	ErrRoleNotRequired  = errors.New("approval: role not required by chain")
	ErrSelfApproval     = errors.New("approval: requester cannot approve own request")
	ErrApproverReused   = errors.New("approval: approver already signed for another role")
	ErrNotRequester     = errors.New("approval: only the requester can withdraw")
	ErrInvalidRequest   = errors.New("approval: invalid provisioning request")
	errChainUnavailable = errors.New("approval: chain is not open")
)

// Store persists approval chains.
type Store interface {
	Create(ctx context.Context, c *contracts.ApprovalChain) error
	Get(ctx context.Context, id string) (*contracts.ApprovalChain, error)
	// CompareAndSwap replaces the chain only if the stored version equals
	// expected, and returns ErrVersionConflict otherwise.
	CompareAndSwap(ctx context.Context, c *contracts.ApprovalChain, expected int64) error
	ListOpen(ctx context.Context) ([]*contracts.ApprovalChain, error)
}

// ActivationHook applies the request of an activated chain.
type ActivationHook func(ctx context.Context, req contracts.ProvisioningRequest) error

// RequestValidator checks that a request could be applied if approved.
type RequestValidator func(ctx context.Context, req contracts.ProvisioningRequest) error

// Tracker drives approval chains through their lifecycle.
type Tracker struct {
	store      Store
	onActivate ActivationHook
	validate   RequestValidator
	clock      func() time.Time
	retries    int
	ttl        time.Duration
	logger     *slog.Logger
}

// NewTracker creates a tracker. onActivate may be nil.
func NewTracker(store Store, onActivate ActivationHook, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:      store,
		onActivate: onActivate,
		clock:      time.Now,
		retries:    DefaultRetries,
		ttl:        DefaultTTL,
		logger:     logger.With("component", "approval"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

// WithRetries overrides the check-and-set retry bound.
func (t *Tracker) WithRetries(n int) *Tracker {
	if n > 0 {
		t.retries = n
	}
	return t
}

// WithDefaultTTL sets the lifetime of chains whose request names no TTL.
func (t *Tracker) WithDefaultTTL(d time.Duration) *Tracker {
	if d > 0 {
		t.ttl = d
	}
	return t
}

// WithValidator sets the check run on every request before a chain opens.
func (t *Tracker) WithValidator(v RequestValidator) *Tracker {
	t.validate = v
	return t
}

// Open validates req and starts a new chain for it.
func (t *Tracker) Open(ctx context.Context, req contracts.ProvisioningRequest) (*contracts.ApprovalChain, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if t.validate != nil {
		if err := t.validate(ctx, req); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = t.ttl
	}
	now := t.clock().UTC()

	chain := &contracts.ApprovalChain{
		ID:        uuid.New().String(),
		Request:   req,
		Required:  RequiredApprovers(req),
		Approvals: map[contracts.ApproverRole]contracts.Approval{},
		Status:    contracts.ChainOpen,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Version:   1,
	}
	hash, err := canonicalize.CanonicalHash(req)
	if err != nil {
		return nil, fmt.Errorf("approval: hash request: %w", err)
	}
	chain.ContentHash = hash

	if err := t.store.Create(ctx, chain); err != nil {
		return nil, fmt.Errorf("approval: create chain: %w", err)
	}
	t.logger.Info("approval chain opened",
		"chain_id", chain.ID,
		"request_id", req.ID,
		"user_id", req.Principal.UserID,
		"panel_id", req.PanelID,
		"required", chain.Required,
		"expires_at", chain.ExpiresAt,
	)
	return chain.Clone(), nil
}

func validateRequest(req contracts.ProvisioningRequest) error {
	var errs []error
	if req.Principal.UserID == "" {
		errs = append(errs, errors.New("principal user_id is required"))
	}
	if req.PanelID == "" {
		errs = append(errs, errors.New("panel_id is required"))
	}
	if !slices.Contains(contracts.AllClearanceLevels, req.RequestedClearance) {
		errs = append(errs, fmt.Errorf("unknown clearance %q", req.RequestedClearance))
	}
	if !slices.Contains(contracts.AllAccessLevels, req.Config.AccessLevel) {
		errs = append(errs, fmt.Errorf("unknown access level %q", req.Config.AccessLevel))
	}
	for _, r := range req.ExtraApprovers {
		if !slices.Contains(contracts.AllApproverRoles, r) {
			errs = append(errs, fmt.Errorf("unknown approver role %q", r))
		}
	}
	if req.RiskThreshold != nil && (*req.RiskThreshold < 0 || *req.RiskThreshold > 1) {
		errs = append(errs, fmt.Errorf("risk threshold %v outside [0,1]", *req.RiskThreshold))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, errors.Join(errs...))
	}
	return nil
}

// Get returns a copy of the chain.
func (t *Tracker) Get(ctx context.Context, id string) (*contracts.ApprovalChain, error) {
	return t.store.Get(ctx, id)
}

// Approve records a sign-off for role. Approving a role twice is a no-op,
// also once the chain has activated. When the last required role approves,
// the chain is activated and the activation hook runs.
func (t *Tracker) Approve(ctx context.Context, chainID string, role contracts.ApproverRole, approverID, comment string) (*contracts.ApprovalChain, error) {
	signed := func(c *contracts.ApprovalChain) bool {
		_, done := c.Approvals[role]
		return done && c.Status == contracts.ChainActivated
	}
	chain, err := t.mutate(ctx, "approve", chainID, signed, func(c *contracts.ApprovalChain, now time.Time) (bool, error) {
		if _, done := c.Approvals[role]; done {
			return false, nil
		}
		if err := checkApprover(c, role, approverID); err != nil {
			return false, err
		}
		c.Approvals[role] = contracts.Approval{Role: role, ApproverID: approverID, At: now, Comment: comment}
		c.ActivationError = ""
		if len(c.Missing()) == 0 {
			c.Status = contracts.ChainActivated
			c.ResolvedAt = &now
		}
		return true, nil
	})
	if err != nil {
		return chain, err
	}

	t.logger.Info("approval recorded",
		"chain_id", chain.ID,
		"role", role,
		"approver_id", approverID,
		"missing", chain.Missing(),
		"status", chain.Status,
	)
	if chain.Status == contracts.ChainActivated && t.onActivate != nil {
		if err := t.onActivate(ctx, chain.Request); err != nil {
			t.logger.Error("activation hook failed", "chain_id", chain.ID, "request_id", chain.Request.ID, "error", err)
			return t.reopen(ctx, chain, role, err)
		}
		t.logger.Info("approval chain activated", "chain_id", chain.ID, "request_id", chain.Request.ID)
	}
	return chain, nil
}

// reopen undoes an activation whose hook failed: the chain returns to Open
// without the sign-off of role and records the failure. Nothing else can
// write an activated chain, so the check-and-set only fails on store errors.
func (t *Tracker) reopen(ctx context.Context, chain *contracts.ApprovalChain, role contracts.ApproverRole, cause error) (*contracts.ApprovalChain, error) {
	activateErr := fmt.Errorf("approval: activate %s: %w", chain.ID, cause)
	next := chain.Clone()
	delete(next.Approvals, role)
	next.Status = contracts.ChainOpen
	next.ResolvedAt = nil
	next.ActivationError = cause.Error()
	next.Version = chain.Version + 1
	if err := t.store.CompareAndSwap(ctx, next, chain.Version); err != nil {
		t.logger.Error("reopen after failed activation", "chain_id", chain.ID, "error", err)
		return chain, errors.Join(activateErr, fmt.Errorf("approval: reopen %s: %w", chain.ID, err))
	}
	t.logger.Warn("approval chain reopened", "chain_id", chain.ID, "role", role)
	return next.Clone(), activateErr
}

func checkApprover(c *contracts.ApprovalChain, role contracts.ApproverRole, approverID string) error {
	if !requires(c, role) {
		return fmt.Errorf("%w: %s", ErrRoleNotRequired, role)
	}
	if approverID == "" {
		return errors.New("approval: approver id is required")
	}
	if approverID == c.Request.RequestedBy || approverID == c.Request.Principal.UserID {
		return ErrSelfApproval
	}
	for r, a := range c.Approvals {
		if a.ApproverID == approverID && r != role {
			return fmt.Errorf("%w: %s", ErrApproverReused, r)
		}
	}
	return nil
}

// Reject ends the chain. Any required role may reject.
func (t *Tracker) Reject(ctx context.Context, chainID string, role contracts.ApproverRole, approverID, comment string) (*contracts.ApprovalChain, error) {
	chain, err := t.mutate(ctx, "reject", chainID, nil, func(c *contracts.ApprovalChain, now time.Time) (bool, error) {
		if !requires(c, role) {
			return false, fmt.Errorf("%w: %s", ErrRoleNotRequired, role)
		}
		c.Status = contracts.ChainRejected
		c.RejectedBy = &contracts.Approval{Role: role, ApproverID: approverID, At: now, Comment: comment}
		c.ResolvedAt = &now
		return true, nil
	})
	if err != nil {
		return chain, err
	}
	t.logger.Info("approval chain rejected", "chain_id", chain.ID, "role", role, "approver_id", approverID)
	return chain, nil
}

// Withdraw lets the requester cancel an open chain.
func (t *Tracker) Withdraw(ctx context.Context, chainID, by string) (*contracts.ApprovalChain, error) {
	chain, err := t.mutate(ctx, "withdraw", chainID, nil, func(c *contracts.ApprovalChain, now time.Time) (bool, error) {
		if by != c.Request.RequestedBy {
			return false, ErrNotRequester
		}
		c.Status = contracts.ChainWithdrawn
		c.ResolvedAt = &now
		return true, nil
	})
	if err != nil {
		return chain, err
	}
	t.logger.Info("approval chain withdrawn", "chain_id", chain.ID, "by", by)
	return chain, nil
}

// ExpireOverdue moves every open chain past its deadline to Expired and
// returns the ids it expired.
func (t *Tracker) ExpireOverdue(ctx context.Context) ([]string, error) {
	open, err := t.store.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("approval: list open chains: %w", err)
	}
	now := t.clock()
	var expired []string
	for _, c := range open {
		if !now.After(c.ExpiresAt) {
			continue
		}
		chain, err := t.mutate(ctx, "expire", c.ID, nil, func(*contracts.ApprovalChain, time.Time) (bool, error) {
			return false, nil
		})
		if chain != nil && chain.Status == contracts.ChainExpired {
			expired = append(expired, c.ID)
			continue
		}
		if err != nil && !errors.Is(err, contracts.ErrApprovalConflict) {
			return expired, err
		}
	}
	return expired, nil
}

// mutate applies fn to a fresh copy of the chain and persists the result
// with check-and-set, retrying on version conflicts. An open chain past its
// deadline is expired instead of mutated. fn reports whether it changed the
// chain; an unchanged chain is returned without a write. A chain for which
// settled reports true is returned as is, even when terminal.
func (t *Tracker) mutate(
	ctx context.Context, op, id string,
	settled func(c *contracts.ApprovalChain) bool,
	fn func(c *contracts.ApprovalChain, now time.Time) (bool, error),
) (*contracts.ApprovalChain, error) {
	for attempt := 0; attempt < t.retries; attempt++ {
		cur, err := t.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		now := t.clock().UTC()
		next := cur.Clone()

		var opErr error
		switch {
		case settled != nil && settled(cur):
			return cur, nil
		case cur.Status.Terminal():
			return cur, contracts.NewError(contracts.KindApprovalConflict, op,
				fmt.Errorf("%w: chain %s is %s", errChainUnavailable, id, cur.Status))
		case now.After(cur.ExpiresAt):
			next.Status = contracts.ChainExpired
			next.ResolvedAt = &now
			opErr = contracts.NewError(contracts.KindApprovalConflict, op,
				fmt.Errorf("%w: chain %s expired at %s", errChainUnavailable, id, cur.ExpiresAt.Format(time.RFC3339)))
		default:
			changed, err := fn(next, now)
			if err != nil {
				return cur, err
			}
			if !changed {
				return cur, nil
			}
		}

		next.Version = cur.Version + 1
		err = t.store.CompareAndSwap(ctx, next, cur.Version)
		if errors.Is(err, ErrVersionConflict) {
			t.logger.Debug("approval version conflict", "chain_id", id, "op", op, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("approval: %s %s: %w", op, id, err)
		}
		if next.Status == contracts.ChainExpired {
			t.logger.Info("approval chain expired", "chain_id", id, "expires_at", next.ExpiresAt)
		}
		return next.Clone(), opErr
	}
	return nil, contracts.Errorf(contracts.KindApprovalConflict, op,
		"chain %s: gave up after %d concurrent updates", id, t.retries)
}
