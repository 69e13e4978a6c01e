package contracts

import "time"

// Principal carries the verified attributes supplied by the identity provider.
// It is immutable for the lifetime of a request.
type Principal struct {
	UserID         string         `json:"user_id"`
	DisplayName    string         `json:"display_name,omitempty"`
	Role           Role           `json:"role"`
	SecondaryRoles []Role         `json:"secondary_roles,omitempty"`
	Seniority      SeniorityLevel `json:"seniority,omitempty"`
	Clearance      ClearanceLevel `json:"clearance"`
}

// Roles returns the primary role followed by the secondary roles.
func (p Principal) Roles() []Role {
	out := make([]Role, 0, 1+len(p.SecondaryRoles))
	out = append(out, p.Role)
	return append(out, p.SecondaryRoles...)
}

// Action names the operation and the access level it needs.
type Action struct {
	Name  string      `json:"name"`
	Level AccessLevel `json:"level"`
}

// Resource addresses a panel and optionally a field path inside it.
type Resource struct {
	PanelID   string `json:"panel_id"`
	FieldPath string `json:"field_path,omitempty"`
}

// String renders the resource as "panel" or "panel/field".
func (r Resource) String() string {
	if r.FieldPath == "" {
		return r.PanelID
	}
	return r.PanelID + "/" + r.FieldPath
}

// DeviceInfo describes the requesting device.
type DeviceInfo struct {
	Type        string     `json:"type,omitempty"`
	OS          string     `json:"os,omitempty"`
	Browser     string     `json:"browser,omitempty"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	Tier        DeviceTier `json:"tier,omitempty"`
}

// GeoHint is the resolved geography of the source address.
type GeoHint struct {
	Country   string   `json:"country,omitempty"`
	Region    string   `json:"region,omitempty"`
	City      string   `json:"city,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// HasCoordinates reports whether both latitude and longitude are known.
func (g GeoHint) HasCoordinates() bool { return g.Latitude != nil && g.Longitude != nil }

// RequestContext is the environment of a request. Usage holds the number of
// times the principal already performed the action in each period, as
// resolved by the usage collaborator before evaluation.
type RequestContext struct {
	Timestamp time.Time      `json:"timestamp"`
	SourceIP  string         `json:"source_ip,omitempty"`
	Device    DeviceInfo     `json:"device"`
	Geo       GeoHint        `json:"geo"`
	Usage     map[Period]int `json:"usage,omitempty"`
	MFA       bool           `json:"mfa,omitempty"`
}

// AccessRequest asks whether Principal may perform Action on Resource.
type AccessRequest struct {
	ID        string         `json:"id"`
	Principal Principal      `json:"principal"`
	Action    Action         `json:"action"`
	Resource  Resource       `json:"resource"`
	Context   RequestContext `json:"context"`
}
