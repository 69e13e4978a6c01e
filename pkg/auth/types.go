package auth

import "github.com/Mindburn-Labs/permengine/pkg/contracts"

// Caller is the authenticated identity behind a request. Role is set only
// for callers whose token grants an approver role.
type Caller struct {
	ID   string
	Role contracts.ApproverRole
}

// IsApprover reports whether the caller may sign off for role.
func (c *Caller) IsApprover(role contracts.ApproverRole) bool {
	return c != nil && c.Role != "" && c.Role == role
}
