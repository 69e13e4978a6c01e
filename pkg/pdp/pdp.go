// Package pdp defines the Policy Decision Point that answers the
// organisation role question: may a principal holding these roles use this
// access level on this panel at all?
//
// Every PDP implementation MUST:
//   - Be fail-closed (deny on error or cancelled context)
//   - Produce deterministic decision hashes (JCS canonical JSON → SHA-256)
//   - Return a stable PolicyRef for decision binding
package pdp

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/permengine/pkg/canonicalize"
)

// Backend identifies the policy engine.
type Backend string

const BackendCedar Backend = "cedar"

// DecisionRequest is the structured input to a role policy evaluation.
type DecisionRequest struct {
	Principal string         `json:"principal"`
	Roles     []string       `json:"roles"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Context   map[string]any `json:"context,omitempty"`
}

// DecisionResponse is the output of a role policy evaluation.
type DecisionResponse struct {
	Allow        bool   `json:"allow"`
	ReasonCode   string `json:"reason_code"`
	PolicyRef    string `json:"policy_ref"`
	DecisionHash string `json:"decision_hash"`
}

// PolicyDecisionPoint is the stable interface for role policy evaluation.
type PolicyDecisionPoint interface {
	// Evaluate runs the policy evaluation. MUST be fail-closed.
	Evaluate(ctx context.Context, req *DecisionRequest) (*DecisionResponse, error)

	// Backend returns the backend identifier.
	Backend() Backend

	// PolicyHash returns a content-addressed hash of the active policy set.
	PolicyHash() string
}

// ComputeDecisionHash produces a deterministic SHA-256 hash of the decision
// using JCS canonicalization.
func ComputeDecisionHash(resp *DecisionResponse) (string, error) {
	hashInput := struct {
		Allow      bool   `json:"allow"`
		ReasonCode string `json:"reason_code"`
		PolicyRef  string `json:"policy_ref"`
	}{
		Allow:      resp.Allow,
		ReasonCode: resp.ReasonCode,
		PolicyRef:  resp.PolicyRef,
	}

	h, err := canonicalize.CanonicalHash(hashInput)
	if err != nil {
		return "", fmt.Errorf("pdp: decision hash canonicalization failed: %w", err)
	}
	return h, nil
}

func finish(resp *DecisionResponse) *DecisionResponse {
	hash, err := ComputeDecisionHash(resp)
	if err != nil {
		return &DecisionResponse{Allow: false, ReasonCode: "DENY_HASH_FAILURE", PolicyRef: resp.PolicyRef}
	}
	resp.DecisionHash = hash
	return resp
}
