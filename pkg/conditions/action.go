package conditions

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

// AnyAction matches every action name.
const AnyAction = "*"

// ActionRule is a compiled ActionRestriction.
type ActionRule struct {
	Ref     string
	Hard    bool
	Action  string
	Limit   int
	Period  contracts.Period
	Windows []Window
	When    string
	program cel.Program
}

var celEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("principal", cel.DynType),
		cel.Variable("action", cel.DynType),
		cel.Variable("resource", cel.DynType),
		cel.Variable("context", cel.DynType),
	)
})

// CompileAction validates and compiles an ActionRestriction. The optional
// CEL expression must evaluate to a bool.
func CompileAction(ref string, ar contracts.ActionRestriction) (ActionRule, error) {
	r := ActionRule{
		Ref:    ref,
		Hard:   ar.Enforcement.IsHard(),
		Action: ar.Action,
		Limit:  ar.Limit,
		Period: ar.Period,
		When:   ar.When,
	}
	if ar.ID != "" {
		r.Ref = ar.ID
	}
	if ar.Action == "" {
		return ActionRule{}, fmt.Errorf("action %s: action name is required", r.Ref)
	}
	if ar.Limit < 0 {
		return ActionRule{}, fmt.Errorf("action %s: negative limit", r.Ref)
	}
	if ar.Limit > 0 && ar.Period == "" {
		return ActionRule{}, fmt.Errorf("action %s: limit needs a period", r.Ref)
	}
	for i, tw := range ar.Windows {
		w, err := CompileWindow(fmt.Sprintf("%s/window#%d", r.Ref, i), tw)
		if err != nil {
			return ActionRule{}, fmt.Errorf("action %s: %w", r.Ref, err)
		}
		w.Hard = r.Hard
		r.Windows = append(r.Windows, w)
	}
	if ar.When != "" {
		prg, err := compileExpr(ar.When)
		if err != nil {
			return ActionRule{}, fmt.Errorf("action %s: %w", r.Ref, err)
		}
		r.program = prg
	}
	if r.Limit == 0 && len(r.Windows) == 0 && r.program == nil {
		return ActionRule{}, fmt.Errorf("action %s: no criteria", r.Ref)
	}
	return r, nil
}

func compileExpr(expr string) (cel.Program, error) {
	env, err := celEnv()
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, fmt.Errorf("compile %q: expression must yield bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	return prg, nil
}

func (r ActionRule) applies(name string) bool {
	return r.Action == AnyAction || r.Action == name
}

// evaluate appends one result per configured criterion.
func (r ActionRule) evaluate(req contracts.AccessRequest, out *contracts.ConditionResult) {
	if r.Limit > 0 {
		cond := contracts.Condition{Kind: contracts.ConditionActionRate, Ref: r.Ref, Hard: r.Hard}
		used, ok := req.Context.Usage[r.Period]
		switch {
		case !ok:
			cond.Detail = fmt.Sprintf("usage for %s unresolved", r.Period)
			out.Signals.MissingInputs++
			out.Violated = append(out.Violated, cond)
		case used+1 > r.Limit:
			cond.Detail = fmt.Sprintf("limit %d per %s reached", r.Limit, r.Period)
			out.Violated = append(out.Violated, cond)
		default:
			out.Satisfied = append(out.Satisfied, cond)
		}
		if ok {
			util := float64(used+1) / float64(r.Limit)
			if util > 1 {
				util = 1
			}
			if util > out.Signals.RateUtilisation {
				out.Signals.RateUtilisation = util
			}
		}
	}

	if len(r.Windows) > 0 {
		cond := contracts.Condition{Kind: contracts.ConditionActionWindow, Ref: r.Ref, Hard: r.Hard}
		inside := false
		for _, w := range r.Windows {
			if w.Contains(req.Context.Timestamp) {
				inside = true
				break
			}
		}
		if inside {
			out.Satisfied = append(out.Satisfied, cond)
		} else {
			cond.Detail = "outside action window"
			out.Signals.OutsideWindow = true
			out.Violated = append(out.Violated, cond)
		}
	}

	if r.program != nil {
		cond := contracts.Condition{Kind: contracts.ConditionActionRule, Ref: r.Ref, Hard: r.Hard}
		val, _, err := r.program.Eval(Activation(req))
		switch {
		case err != nil:
			cond.Detail = "rule error: " + err.Error()
			out.Violated = append(out.Violated, cond)
		case val.Value() != true:
			cond.Detail = "rule not satisfied"
			out.Violated = append(out.Violated, cond)
		default:
			out.Satisfied = append(out.Satisfied, cond)
		}
	}
}

// Activation exposes request attributes to CEL rules.
func Activation(req contracts.AccessRequest) map[string]any {
	roles := make([]string, 0, 1+len(req.Principal.SecondaryRoles))
	for _, r := range req.Principal.Roles() {
		roles = append(roles, string(r))
	}
	ctx := map[string]any{
		"ip":          req.Context.SourceIP,
		"country":     req.Context.Geo.Country,
		"city":        req.Context.Geo.City,
		"device_type": req.Context.Device.Type,
		"device_tier": string(req.Context.Device.Tier),
		"mfa":         req.Context.MFA,
	}
	if !req.Context.Timestamp.IsZero() {
		utc := req.Context.Timestamp.UTC()
		ctx["hour"] = int64(utc.Hour())
		ctx["weekday"] = int64(utc.Weekday())
		ctx["unix"] = utc.Unix()
	}
	return map[string]any{
		"principal": map[string]any{
			"id":        req.Principal.UserID,
			"role":      string(req.Principal.Role),
			"roles":     roles,
			"clearance": string(req.Principal.Clearance),
			"seniority": string(req.Principal.Seniority),
		},
		"action": map[string]any{
			"name":  req.Action.Name,
			"level": string(req.Action.Level),
		},
		"resource": map[string]any{
			"panel": req.Resource.PanelID,
			"field": req.Resource.FieldPath,
		},
		"context": ctx,
	}
}
