// Package contracts defines the domain types shared by every stage of the
// permission engine: principals, access requests, panel configurations,
// restrictions, decisions, approval chains, and the SecurityEvent audit record.
//
// Every enumeration in this package is closed. Values arriving through JSON
// or YAML are checked by UnmarshalText, so an unknown role or clearance can
// never reach the evaluator.
package contracts

import (
	"fmt"
	"slices"
)

// Role is an organisational role in the finance console.
type Role string

const (
	RoleAdmin             Role = "admin"
	RoleCEO               Role = "ceo"
	RoleCFO               Role = "cfo"
	RoleFinancialDirector Role = "financial_director"
	RoleFinancialManager  Role = "financial_manager"
	RoleAccountant        Role = "accountant"
	RoleAuditor           Role = "auditor"
	RoleBankProfitManager Role = "bank_profit_manager"
	RoleSecurityMonitor   Role = "security_monitor"
	RoleUserAdmin         Role = "user_admin"
	RoleHRManager         Role = "hr_manager"
	RoleAnalyst           Role = "analyst"
	RoleDeveloper         Role = "developer"
	RoleTester            Role = "tester"
)

// AllRoles lists every known role in a stable order.
var AllRoles = []Role{
	RoleAdmin, RoleCEO, RoleCFO, RoleFinancialDirector, RoleFinancialManager,
	RoleAccountant, RoleAuditor, RoleBankProfitManager, RoleSecurityMonitor,
	RoleUserAdmin, RoleHRManager, RoleAnalyst, RoleDeveloper, RoleTester,
}

// ParseRole validates s as a Role.
func ParseRole(s string) (Role, error) { return parseEnum("role", s, AllRoles) }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error { return unmarshalEnum(r, "role", b, AllRoles) }

// ClearanceLevel is the security clearance of a principal, ordered
// basic < confidential < secret < top_secret.
type ClearanceLevel string

const (
	ClearanceBasic        ClearanceLevel = "basic"
	ClearanceConfidential ClearanceLevel = "confidential"
	ClearanceSecret       ClearanceLevel = "secret"
	ClearanceTopSecret    ClearanceLevel = "top_secret"
)

// AllClearanceLevels is ordered from lowest to highest.
var AllClearanceLevels = []ClearanceLevel{
	ClearanceBasic, ClearanceConfidential, ClearanceSecret, ClearanceTopSecret,
}

// ParseClearanceLevel validates s as a ClearanceLevel.
func ParseClearanceLevel(s string) (ClearanceLevel, error) {
	return parseEnum("clearance level", s, AllClearanceLevels)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ClearanceLevel) UnmarshalText(b []byte) error {
	return unmarshalEnum(c, "clearance level", b, AllClearanceLevels)
}

// Rank returns the ordinal of c, or -1 when c is not a known level.
func (c ClearanceLevel) Rank() int { return slices.Index(AllClearanceLevels, c) }

// AtLeast reports whether c is equal to or above min. Unknown levels never satisfy.
func (c ClearanceLevel) AtLeast(min ClearanceLevel) bool {
	return c.Rank() >= 0 && min.Rank() >= 0 && c.Rank() >= min.Rank()
}

// AccessLevel is the depth of access to a panel, ordered view < manage < admin.
type AccessLevel string

const (
	AccessView   AccessLevel = "view"
	AccessManage AccessLevel = "manage"
	AccessAdmin  AccessLevel = "admin"
)

// AllAccessLevels is ordered from lowest to highest.
var AllAccessLevels = []AccessLevel{AccessView, AccessManage, AccessAdmin}

// ParseAccessLevel validates s as an AccessLevel.
func ParseAccessLevel(s string) (AccessLevel, error) {
	return parseEnum("access level", s, AllAccessLevels)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *AccessLevel) UnmarshalText(b []byte) error {
	return unmarshalEnum(a, "access level", b, AllAccessLevels)
}

// Rank returns the ordinal of a, or -1 when a is not a known level.
func (a AccessLevel) Rank() int { return slices.Index(AllAccessLevels, a) }

// Covers reports whether holding a grants at least the access of other.
func (a AccessLevel) Covers(other AccessLevel) bool {
	return a.Rank() >= 0 && other.Rank() >= 0 && a.Rank() >= other.Rank()
}

// Permission is the name recorded in SecurityEvent.metadata.permissionsChecked.
func (a AccessLevel) Permission() string { return string(a) + "_access" }

// SeniorityLevel of a principal.
type SeniorityLevel string

const (
	SeniorityJunior    SeniorityLevel = "junior"
	SeniorityMid       SeniorityLevel = "mid"
	SenioritySenior    SeniorityLevel = "senior"
	SeniorityExecutive SeniorityLevel = "executive"
)

var allSeniority = []SeniorityLevel{SeniorityJunior, SeniorityMid, SenioritySenior, SeniorityExecutive}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SeniorityLevel) UnmarshalText(b []byte) error {
	return unmarshalEnum(s, "seniority level", b, allSeniority)
}

// Sensitivity classifies how damaging exposure of a panel would be.
type Sensitivity string

const (
	SensitivityLow      Sensitivity = "low"
	SensitivityMedium   Sensitivity = "medium"
	SensitivityHigh     Sensitivity = "high"
	SensitivityCritical Sensitivity = "critical"
)

var allSensitivity = []Sensitivity{SensitivityLow, SensitivityMedium, SensitivityHigh, SensitivityCritical}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Sensitivity) UnmarshalText(b []byte) error {
	return unmarshalEnum(s, "sensitivity", b, allSensitivity)
}

// Enforcement decides whether a violated restriction blocks the request (hard)
// or only contributes risk (soft).
type Enforcement string

const (
	EnforcementHard Enforcement = "hard"
	EnforcementSoft Enforcement = "soft"
)

// UnmarshalText implements encoding.TextUnmarshaler. Empty means hard.
func (e *Enforcement) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*e = EnforcementHard
		return nil
	}
	return unmarshalEnum(e, "enforcement", b, []Enforcement{EnforcementHard, EnforcementSoft})
}

// IsHard treats the zero value as hard.
func (e Enforcement) IsHard() bool { return e != EnforcementSoft }

// DeviceTier is the trust tier the device resolver assigns to a device class.
type DeviceTier string

const (
	DeviceTierUntrusted  DeviceTier = "untrusted"
	DeviceTierRegistered DeviceTier = "registered"
	DeviceTierManaged    DeviceTier = "managed"
	DeviceTierHardened   DeviceTier = "hardened"
)

// AllDeviceTiers is ordered from lowest to highest.
var AllDeviceTiers = []DeviceTier{DeviceTierUntrusted, DeviceTierRegistered, DeviceTierManaged, DeviceTierHardened}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DeviceTier) UnmarshalText(b []byte) error {
	return unmarshalEnum(d, "device tier", b, AllDeviceTiers)
}

// Rank returns the ordinal of d, or -1 when d is unknown or empty.
func (d DeviceTier) Rank() int { return slices.Index(AllDeviceTiers, d) }

// Period is the window of an action rate limit.
type Period string

const (
	PeriodMinute Period = "minute"
	PeriodHour   Period = "hour"
	PeriodDay    Period = "day"
	PeriodWeek   Period = "week"
	PeriodMonth  Period = "month"
)

// AllPeriods is ordered from shortest to longest.
var AllPeriods = []Period{PeriodMinute, PeriodHour, PeriodDay, PeriodWeek, PeriodMonth}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Period) UnmarshalText(b []byte) error { return unmarshalEnum(p, "period", b, AllPeriods) }

// ConditionKind identifies the family of a checked condition.
type ConditionKind string

const (
	ConditionPanelEnabled ConditionKind = "panel_enabled"
	ConditionAccessLevel  ConditionKind = "access_level"
	ConditionClearance    ConditionKind = "clearance"
	ConditionRolePolicy   ConditionKind = "role_policy"
	ConditionTimeWindow   ConditionKind = "time_window"
	ConditionLocation     ConditionKind = "location"
	ConditionGeoAnomaly   ConditionKind = "geo_anomaly"
	ConditionDevice       ConditionKind = "device"
	ConditionActionRate   ConditionKind = "action_rate"
	ConditionActionWindow ConditionKind = "action_window"
	ConditionActionRule   ConditionKind = "action_rule"
	ConditionField        ConditionKind = "field"
)

// AllConditionKinds lists every condition kind in a stable order.
var AllConditionKinds = []ConditionKind{
	ConditionPanelEnabled, ConditionAccessLevel, ConditionClearance, ConditionRolePolicy,
	ConditionTimeWindow, ConditionLocation, ConditionGeoAnomaly, ConditionDevice,
	ConditionActionRate, ConditionActionWindow, ConditionActionRule, ConditionField,
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ConditionKind) UnmarshalText(b []byte) error {
	return unmarshalEnum(k, "condition kind", b, AllConditionKinds)
}

// Outcome is the terminal result of a decision, as rendered in SecurityEvent.result.
type Outcome string

const (
	OutcomeGranted Outcome = "granted"
	OutcomeDenied  Outcome = "denied"
	OutcomeFlagged Outcome = "flagged"
)

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(b []byte) error {
	return unmarshalEnum(o, "outcome", b, []Outcome{OutcomeGranted, OutcomeDenied, OutcomeFlagged})
}

// Severity bucket of a SecurityEvent.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	return unmarshalEnum(s, "severity", b, []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical})
}

// ApproverRole is a sign-off role in a provisioning approval chain.
type ApproverRole string

const (
	ApproverManager    ApproverRole = "manager"
	ApproverHR         ApproverRole = "hr"
	ApproverSecurity   ApproverRole = "security"
	ApproverCompliance ApproverRole = "compliance"
	ApproverExecutive  ApproverRole = "executive"
)

// AllApproverRoles lists approver roles in chain order.
var AllApproverRoles = []ApproverRole{
	ApproverManager, ApproverHR, ApproverSecurity, ApproverCompliance, ApproverExecutive,
}

// ParseApproverRole validates s as an ApproverRole.
func ParseApproverRole(s string) (ApproverRole, error) {
	return parseEnum("approver role", s, AllApproverRoles)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *ApproverRole) UnmarshalText(b []byte) error {
	return unmarshalEnum(a, "approver role", b, AllApproverRoles)
}

func parseEnum[T ~string](kind, s string, valid []T) (T, error) {
	v := T(s)
	if !slices.Contains(valid, v) {
		var zero T
		return zero, fmt.Errorf("contracts: unknown %s %q", kind, s)
	}
	return v, nil
}

func unmarshalEnum[T ~string](dst *T, kind string, b []byte, valid []T) error {
	v, err := parseEnum(kind, string(b), valid)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}
