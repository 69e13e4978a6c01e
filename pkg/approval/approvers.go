package approval

import (
	"slices"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

var clearanceApprovers = map[contracts.ClearanceLevel][]contracts.ApproverRole{
	contracts.ClearanceBasic:        {contracts.ApproverManager},
	contracts.ClearanceConfidential: {contracts.ApproverManager, contracts.ApproverHR},
	contracts.ClearanceSecret:       {contracts.ApproverManager, contracts.ApproverSecurity, contracts.ApproverCompliance},
	contracts.ClearanceTopSecret: {
		contracts.ApproverManager, contracts.ApproverSecurity, contracts.ApproverCompliance, contracts.ApproverExecutive,
	},
}

// RequiredApprovers derives the sign-off set for a provisioning request:
// the roles its requested clearance needs, security for admin access, and
// any extra roles the request names. The result is in canonical role order.
func RequiredApprovers(req contracts.ProvisioningRequest) []contracts.ApproverRole {
	need := map[contracts.ApproverRole]bool{contracts.ApproverManager: true}
	for _, r := range clearanceApprovers[req.RequestedClearance] {
		need[r] = true
	}
	if req.Config.AccessLevel == contracts.AccessAdmin {
		need[contracts.ApproverSecurity] = true
	}
	for _, r := range req.ExtraApprovers {
		need[r] = true
	}
	out := make([]contracts.ApproverRole, 0, len(need))
	for _, r := range contracts.AllApproverRoles {
		if need[r] {
			out = append(out, r)
		}
	}
	return out
}

func requires(c *contracts.ApprovalChain, role contracts.ApproverRole) bool {
	return slices.Contains(c.Required, role)
}
