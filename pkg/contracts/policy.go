package contracts

import "time"

// FieldPermissions partitions field paths into allowed, denied, and masked.
// The three sets are disjoint; anything unlisted is denied.
//
// Unlocks promotes masked or unlisted fields to allowed for principals whose
// effective access level covers the key. Explicitly denied fields are never
// unlocked.
type FieldPermissions struct {
	Allowed []string                 `json:"allowed,omitempty" yaml:"allowed,omitempty"`
	Denied  []string                 `json:"denied,omitempty" yaml:"denied,omitempty"`
	Masked  []string                 `json:"masked,omitempty" yaml:"masked,omitempty"`
	Unlocks map[AccessLevel][]string `json:"unlocks,omitempty" yaml:"unlocks,omitempty"`
}

// PanelAccessConfig is the per-user grant on one panel.
type PanelAccessConfig struct {
	Enabled            bool             `json:"enabled" yaml:"enabled"`
	AccessLevel        AccessLevel      `json:"access_level" yaml:"access_level"`
	FieldPermissions   FieldPermissions `json:"field_permissions" yaml:"field_permissions"`
	CustomRestrictions *Restrictions    `json:"custom_restrictions,omitempty" yaml:"custom_restrictions,omitempty"`
	RiskOverride       *float64         `json:"risk_override,omitempty" yaml:"risk_override,omitempty"`
}

// RoleRule lists roles allowed and denied at one access level. "*" in Denied
// means every role not listed in Allowed.
type RoleRule struct {
	Allowed []Role   `json:"allowed,omitempty" yaml:"allowed,omitempty"`
	Denied  []string `json:"denied,omitempty" yaml:"denied,omitempty"`
}

// Panel is the organisation-wide definition of a console panel.
type Panel struct {
	ID           string                   `json:"id" yaml:"id"`
	Label        string                   `json:"label,omitempty" yaml:"label,omitempty"`
	Sensitivity  Sensitivity              `json:"sensitivity" yaml:"sensitivity"`
	MinClearance ClearanceLevel           `json:"min_clearance" yaml:"min_clearance"`
	Roles        map[AccessLevel]RoleRule `json:"roles,omitempty" yaml:"roles,omitempty"`
	Restrictions Restrictions             `json:"restrictions,omitempty" yaml:"restrictions,omitempty"`
}

// UserPolicy collects everything provisioned for one principal.
type UserPolicy struct {
	UserID            string                       `json:"user_id" yaml:"user_id"`
	Panels            map[string]PanelAccessConfig `json:"panels" yaml:"panels"`
	Restrictions      Restrictions                 `json:"restrictions,omitempty" yaml:"restrictions,omitempty"`
	RiskThreshold     *float64                     `json:"risk_threshold,omitempty" yaml:"risk_threshold,omitempty"`
	GlobalPermissions []string                     `json:"global_permissions,omitempty" yaml:"global_permissions,omitempty"`
	TrustedDevices    []string                     `json:"trusted_devices,omitempty" yaml:"trusted_devices,omitempty"`
	UpdatedAt         time.Time                    `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}
