package contracts

import "time"

// ChainStatus is the lifecycle state of an approval chain.
type ChainStatus string

const (
	ChainOpen      ChainStatus = "open"
	ChainActivated ChainStatus = "activated"
	ChainRejected  ChainStatus = "rejected"
	ChainExpired   ChainStatus = "expired"
	ChainWithdrawn ChainStatus = "withdrawn"
)

// Terminal reports whether no further transition is possible.
func (s ChainStatus) Terminal() bool { return s != ChainOpen }

// ProvisioningRequest asks for a new or changed panel grant. It only takes
// effect once its approval chain is activated.
type ProvisioningRequest struct {
	ID                 string            `json:"id"`
	Principal          Principal         `json:"principal"`
	RequestedClearance ClearanceLevel    `json:"requested_clearance"`
	PanelID            string            `json:"panel_id"`
	Config             PanelAccessConfig `json:"config"`
	Restrictions       *Restrictions     `json:"restrictions,omitempty"`
	RiskThreshold      *float64          `json:"risk_threshold,omitempty"`
	ExtraApprovers     []ApproverRole    `json:"extra_approvers,omitempty"`
	RequestedBy        string            `json:"requested_by"`
	TTL                time.Duration     `json:"ttl,omitempty"`
}

// Approval records one approver role's sign-off.
type Approval struct {
	Role       ApproverRole `json:"role"`
	ApproverID string       `json:"approver_id"`
	At         time.Time    `json:"at"`
	Comment    string       `json:"comment,omitempty"`
}

// ApprovalChain tracks sign-offs for one provisioning request. Version
// increases on every persisted mutation and guards check-and-set updates.
type ApprovalChain struct {
	ID          string                    `json:"id"`
	Request     ProvisioningRequest       `json:"request"`
	Required    []ApproverRole            `json:"required"`
	Approvals   map[ApproverRole]Approval `json:"approvals"`
	Status      ChainStatus               `json:"status"`
	RejectedBy  *Approval                 `json:"rejected_by,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	ExpiresAt   time.Time                 `json:"expires_at"`
	ResolvedAt  *time.Time                `json:"resolved_at,omitempty"`
	Version     int64                     `json:"version"`
	ContentHash string                    `json:"content_hash,omitempty"`

	// ActivationError is the last failure to apply the request. The chain
	// is reopened without the sign-off that completed it.
	ActivationError string `json:"activation_error,omitempty"`
}

// Missing returns the required roles that have not yet approved.
func (c *ApprovalChain) Missing() []ApproverRole {
	var out []ApproverRole
	for _, r := range c.Required {
		if _, ok := c.Approvals[r]; !ok {
			out = append(out, r)
		}
	}
	return out
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (c *ApprovalChain) Clone() *ApprovalChain {
	if c == nil {
		return nil
	}
	out := *c
	out.Required = append([]ApproverRole(nil), c.Required...)
	out.Approvals = make(map[ApproverRole]Approval, len(c.Approvals))
	for k, v := range c.Approvals {
		out.Approvals[k] = v
	}
	if c.RejectedBy != nil {
		r := *c.RejectedBy
		out.RejectedBy = &r
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}
