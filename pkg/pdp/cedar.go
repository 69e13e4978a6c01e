package pdp

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/cedar-policy/cedar-go"

	"github.com/Mindburn-Labs/permengine/pkg/canonicalize"
	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

// Cedar entity types used by generated role policies.
const (
	TypeUser   = "User"
	TypeRole   = "Role"
	TypePanel  = "Panel"
	TypeAction = "Action"
)

// CedarConfig configures the in-process Cedar PDP.
type CedarConfig struct {
	// Policies is the Cedar policy text, usually from RolePolicies.
	Policies []byte
	// Hierarchy maps a role to the roles it supervises. A role inherits
	// every permit of the roles below it.
	Hierarchy map[contracts.Role][]contracts.Role
	// PolicyVersion is a human-readable identifier for the policy set.
	PolicyVersion string
	// Logger for policy evaluation errors. If nil, uses slog.Default().
	Logger *slog.Logger
}

// CedarPDP evaluates role policies with cedar-go. Strict fail-closed: a
// cancelled context or any policy error results in DENY.
type CedarPDP struct {
	policies   *cedar.PolicySet
	roles      cedar.EntityMap
	version    string
	policyHash string
	logger     *slog.Logger
}

// NewCedarPDP parses the policy set and builds the role entity graph.
func NewCedarPDP(cfg CedarConfig) (*CedarPDP, error) {
	ps, err := cedar.NewPolicySetFromBytes("roles.cedar", cfg.Policies)
	if err != nil {
		return nil, fmt.Errorf("pdp: failed to parse policies: %w", err)
	}
	if err := checkAcyclic(cfg.Hierarchy); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hashInput := struct {
		Version   string                              `json:"version"`
		Policies  string                              `json:"policies"`
		Hierarchy map[contracts.Role][]contracts.Role `json:"hierarchy"`
	}{cfg.PolicyVersion, string(cfg.Policies), cfg.Hierarchy}
	policyHash, err := canonicalize.CanonicalHash(hashInput)
	if err != nil {
		return nil, fmt.Errorf("pdp: policy hash: %w", err)
	}

	return &CedarPDP{
		policies:   ps,
		roles:      roleEntities(cfg.Hierarchy),
		version:    cfg.PolicyVersion,
		policyHash: policyHash,
		logger:     logger.With("component", "cedar_pdp"),
	}, nil
}

// roleEntities models "admin supervises ceo" as Role::"admin" in Role::"ceo",
// so a permit for ceo also matches admin.
func roleEntities(h map[contracts.Role][]contracts.Role) cedar.EntityMap {
	out := cedar.EntityMap{}
	for _, r := range contracts.AllRoles {
		uid := cedar.NewEntityUID(TypeRole, cedar.String(string(r)))
		parents := make([]cedar.EntityUID, 0, len(h[r]))
		for _, sub := range h[r] {
			parents = append(parents, cedar.NewEntityUID(TypeRole, cedar.String(string(sub))))
		}
		out[uid] = cedar.Entity{
			UID:        uid,
			Parents:    cedar.NewEntityUIDSet(parents...),
			Attributes: cedar.NewRecord(cedar.RecordMap{}),
		}
	}
	return out
}

func checkAcyclic(h map[contracts.Role][]contracts.Role) error {
	const (
		unvisited = iota
		active
		done
	)
	state := map[contracts.Role]int{}
	var visit func(r contracts.Role) error
	visit = func(r contracts.Role) error {
		switch state[r] {
		case active:
			return fmt.Errorf("pdp: role hierarchy cycle through %q", r)
		case done:
			return nil
		}
		state[r] = active
		for _, sub := range h[r] {
			if err := visit(sub); err != nil {
				return err
			}
		}
		state[r] = done
		return nil
	}
	for r := range h {
		if err := visit(r); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate implements PolicyDecisionPoint.
func (c *CedarPDP) Evaluate(ctx context.Context, req *DecisionRequest) (*DecisionResponse, error) {
	if req == nil {
		return c.deny("DENY_NIL_REQUEST"), nil
	}
	if ctx.Err() != nil {
		return c.deny(contracts.ReasonTimeout), nil
	}

	entities := make(cedar.EntityMap, len(c.roles)+2)
	for k, v := range c.roles {
		entities[k] = v
	}
	userUID := cedar.NewEntityUID(TypeUser, cedar.String(req.Principal))
	parents := make([]cedar.EntityUID, 0, len(req.Roles))
	roleValues := make([]cedar.Value, 0, len(req.Roles))
	for _, r := range req.Roles {
		parents = append(parents, cedar.NewEntityUID(TypeRole, cedar.String(r)))
		roleValues = append(roleValues, cedar.String(r))
	}
	entities[userUID] = cedar.Entity{
		UID:     userUID,
		Parents: cedar.NewEntityUIDSet(parents...),
		Attributes: cedar.NewRecord(cedar.RecordMap{
			"roles": cedar.NewSet(roleValues...),
		}),
	}
	panelUID := cedar.NewEntityUID(TypePanel, cedar.String(req.Resource))
	entities[panelUID] = cedar.Entity{
		UID:        panelUID,
		Parents:    cedar.NewEntityUIDSet(),
		Attributes: cedar.NewRecord(cedar.RecordMap{}),
	}

	decision, diag := cedar.Authorize(c.policies, entities, cedar.Request{
		Principal: userUID,
		Action:    cedar.NewEntityUID(TypeAction, cedar.String(req.Action)),
		Resource:  panelUID,
		Context:   cedar.NewRecord(cedar.RecordMap{}),
	})
	for _, e := range diag.Errors {
		c.logger.Error("policy evaluation error", "policy", e.PolicyID, "error", e.Message)
	}
	if len(diag.Errors) > 0 {
		return c.deny("DENY_POLICY_ERROR"), nil
	}
	if decision != cedar.Allow {
		return c.deny(contracts.ReasonRolePolicy), nil
	}
	return finish(&DecisionResponse{
		Allow:      true,
		ReasonCode: contracts.ReasonGranted,
		PolicyRef:  c.policyRef(),
	}), nil
}

// Backend implements PolicyDecisionPoint.
func (c *CedarPDP) Backend() Backend { return BackendCedar }

// PolicyHash implements PolicyDecisionPoint.
func (c *CedarPDP) PolicyHash() string { return c.policyHash }

func (c *CedarPDP) policyRef() string { return "cedar:" + c.version }

func (c *CedarPDP) deny(reason string) *DecisionResponse {
	return finish(&DecisionResponse{Allow: false, ReasonCode: reason, PolicyRef: c.policyRef()})
}

// RolePolicies renders the role matrix of panels as Cedar policies.
//
// A panel without a role matrix permits every role at every level. With a
// matrix, a level that has no rule permits nobody; otherwise each allowed
// role gets a permit, and each explicitly denied role a forbid that matches
// only principals holding that role directly. "*" in Denied needs no policy
// because anything not permitted is denied.
func RolePolicies(panels []contracts.Panel) []byte {
	sorted := slices.Clone(panels)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var b strings.Builder
	for _, p := range sorted {
		panel := entityRef(TypePanel, p.ID)
		if len(p.Roles) == 0 {
			fmt.Fprintf(&b, "permit (principal, action, resource == %s);\n", panel)
			continue
		}
		for _, lvl := range contracts.AllAccessLevels {
			rule, ok := p.Roles[lvl]
			if !ok {
				continue
			}
			action := entityRef(TypeAction, string(lvl))
			denyAll := slices.Contains(rule.Denied, "*")
			if len(rule.Allowed) == 0 && !denyAll {
				fmt.Fprintf(&b, "permit (principal, action == %s, resource == %s);\n", action, panel)
			}
			for _, r := range rule.Allowed {
				fmt.Fprintf(&b, "permit (principal in %s, action == %s, resource == %s);\n",
					entityRef(TypeRole, string(r)), action, panel)
			}
			for _, r := range rule.Denied {
				if r == "*" {
					continue
				}
				fmt.Fprintf(&b, "forbid (principal, action == %s, resource == %s) when { principal.roles.contains(%s) };\n",
					action, panel, strconv.Quote(r))
			}
		}
	}
	return []byte(b.String())
}

func entityRef(typ, id string) string {
	return typ + "::" + strconv.Quote(id)
}
