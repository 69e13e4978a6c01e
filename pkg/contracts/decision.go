package contracts

import "time"

// Condition identifies one checked predicate. Ref names the configured
// restriction (its ID, or a positional name when none was given).
type Condition struct {
	Kind   ConditionKind `json:"kind"`
	Ref    string        `json:"ref"`
	Hard   bool          `json:"hard"`
	Detail string        `json:"detail,omitempty"`
}

// String renders the condition as "kind:ref".
func (c Condition) String() string { return string(c.Kind) + ":" + c.Ref }

// Signals are observations forwarded from condition evaluation to risk scoring.
type Signals struct {
	GeoAnomaly      bool    `json:"geo_anomaly,omitempty"`
	PreviousCountry string  `json:"previous_country,omitempty"`
	UntrustedDevice bool    `json:"untrusted_device,omitempty"`
	OutsideWindow   bool    `json:"outside_window,omitempty"`
	MissingInputs   int     `json:"missing_inputs,omitempty"`
	RateUtilisation float64 `json:"rate_utilisation,omitempty"`
}

// ConditionResult partitions the evaluated conditions.
type ConditionResult struct {
	Satisfied []Condition `json:"satisfied"`
	Violated  []Condition `json:"violated"`
	Signals   Signals     `json:"signals"`
}

// HardViolations returns the violated conditions that block the request.
func (r ConditionResult) HardViolations() []Condition {
	var out []Condition
	for _, c := range r.Violated {
		if c.Hard {
			out = append(out, c)
		}
	}
	return out
}

// SoftViolations returns the violated conditions that only add risk.
func (r ConditionResult) SoftViolations() []Condition {
	var out []Condition
	for _, c := range r.Violated {
		if !c.Hard {
			out = append(out, c)
		}
	}
	return out
}

// Evaluated lists every condition as "kind:ref" in evaluation order,
// satisfied first.
func (r ConditionResult) Evaluated() []string {
	out := make([]string, 0, len(r.Satisfied)+len(r.Violated))
	for _, c := range r.Satisfied {
		out = append(out, c.String())
	}
	for _, c := range r.Violated {
		out = append(out, c.String())
	}
	return out
}

// RiskFactor is one explained term of a risk score.
type RiskFactor struct {
	Name         string  `json:"name"`
	Weight       float64 `json:"weight"`
	Input        float64 `json:"input"`
	Contribution float64 `json:"contribution"`
}

// RiskScore is the squashed risk in [0,1] with its ordered factors.
type RiskScore struct {
	Value           float64      `json:"value"`
	Raw             float64      `json:"raw"`
	Factors         []RiskFactor `json:"factors"`
	ModelVersion    string       `json:"model_version"`
	AnomalyScore    float64      `json:"anomaly_score"`
	BehavioralMatch float64      `json:"behavioral_match"`
}

// FactorNames returns the names of factors that raised the score.
func (s RiskScore) FactorNames() []string {
	out := make([]string, 0, len(s.Factors))
	for _, f := range s.Factors {
		if f.Contribution > 0 {
			out = append(out, f.Name)
		}
	}
	return out
}

// DecisionState is the lifecycle state of one evaluation.
type DecisionState string

const (
	StatePending    DecisionState = "pending"
	StateEvaluating DecisionState = "evaluating"
	StateGranted    DecisionState = "granted"
	StateDenied     DecisionState = "denied"
	StateFlagged    DecisionState = "flagged"
)

// Terminal reports whether s ends the lifecycle.
func (s DecisionState) Terminal() bool {
	return s == StateGranted || s == StateDenied || s == StateFlagged
}

// Reason codes attached to decisions.
const (
	ReasonGranted            = "ALLOW"
	ReasonPanelDisabled      = "DENY_PANEL_DISABLED"
	ReasonNoPanelAccess      = "DENY_NO_PANEL_ACCESS"
	ReasonAccessLevel        = "DENY_ACCESS_LEVEL"
	ReasonClearance          = "DENY_CLEARANCE"
	ReasonRolePolicy         = "DENY_ROLE_POLICY"
	ReasonFieldDenied        = "DENY_FIELD"
	ReasonHardRestriction    = "DENY_HARD_RESTRICTION"
	ReasonConfiguration      = "DENY_CONFIGURATION"
	ReasonTimeout            = "DENY_TIMEOUT"
	ReasonAuditUnavailable   = "DENY_AUDIT_UNAVAILABLE"
	ReasonRiskAboveThreshold = "FLAG_RISK_ABOVE_THRESHOLD"
)

// RedactionReport lists what the redactor did to a payload.
type RedactionReport struct {
	Removed []string `json:"removed,omitempty"`
	Masked  []string `json:"masked,omitempty"`
	Unknown []string `json:"unknown,omitempty"`
}

// Decision is the outcome of one evaluation.
type Decision struct {
	RequestID          string           `json:"request_id"`
	State              DecisionState    `json:"state"`
	Outcome            Outcome          `json:"outcome"`
	ReasonCode         string           `json:"reason_code"`
	AccessLevel        AccessLevel      `json:"access_level,omitempty"`
	StepUpRequired     bool             `json:"step_up_required,omitempty"`
	FieldMasked        bool             `json:"field_masked,omitempty"`
	Threshold          float64          `json:"threshold"`
	Risk               RiskScore        `json:"risk"`
	Conditions         ConditionResult  `json:"conditions"`
	PermissionsChecked []string         `json:"permissions_checked"`
	Payload            map[string]any   `json:"payload,omitempty"`
	Redaction          *RedactionReport `json:"redaction,omitempty"`
	SnapshotVersion    string           `json:"snapshot_version,omitempty"`
	DecisionHash       string           `json:"decision_hash"`
	Error              *Error           `json:"error,omitempty"`
	DecidedAt          time.Time        `json:"decided_at"`
}

// Allowed reports whether the caller may proceed without step-up.
func (d *Decision) Allowed() bool { return d != nil && d.Outcome == OutcomeGranted }
