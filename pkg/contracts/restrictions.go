package contracts

import "time"

// Restrictions is a conjunction of predicates over the request context.
type Restrictions struct {
	TimeWindows []TimeWindow          `json:"time_windows,omitempty" yaml:"time_windows,omitempty"`
	Locations   []LocationRestriction `json:"locations,omitempty" yaml:"locations,omitempty"`
	Devices     []DeviceRestriction   `json:"devices,omitempty" yaml:"devices,omitempty"`
	Actions     []ActionRestriction   `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// Empty reports whether no predicate is configured.
func (r Restrictions) Empty() bool {
	return len(r.TimeWindows) == 0 && len(r.Locations) == 0 && len(r.Devices) == 0 && len(r.Actions) == 0
}

// Merge returns the conjunction of r and other.
func (r Restrictions) Merge(other Restrictions) Restrictions {
	return Restrictions{
		TimeWindows: append(append([]TimeWindow(nil), r.TimeWindows...), other.TimeWindows...),
		Locations:   append(append([]LocationRestriction(nil), r.Locations...), other.Locations...),
		Devices:     append(append([]DeviceRestriction(nil), r.Devices...), other.Devices...),
		Actions:     append(append([]ActionRestriction(nil), r.Actions...), other.Actions...),
	}
}

// TimeWindow allows access on Days between Start and End ("HH:MM" or
// "HH:MM:SS", both inclusive) in Timezone. Start after End crosses midnight.
type TimeWindow struct {
	ID          string         `json:"id,omitempty" yaml:"id,omitempty"`
	Start       string         `json:"start" yaml:"start"`
	End         string         `json:"end" yaml:"end"`
	Days        []time.Weekday `json:"days" yaml:"days"`
	Timezone    string         `json:"timezone" yaml:"timezone"`
	Enforcement Enforcement    `json:"enforcement,omitempty" yaml:"enforcement,omitempty"`
}

// ListType selects allow-list or deny-list semantics.
type ListType string

const (
	ListAllow ListType = "allow"
	ListDeny  ListType = "deny"
)

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *ListType) UnmarshalText(b []byte) error {
	return unmarshalEnum(l, "list type", b, []ListType{ListAllow, ListDeny})
}

// Coordinates is a latitude/longitude pair in degrees.
type Coordinates struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// LocationRestriction matches the source geography. An entry matches when any
// of its criteria match. Deny entries win over allow entries.
type LocationRestriction struct {
	ID          string       `json:"id,omitempty" yaml:"id,omitempty"`
	Type        ListType     `json:"type" yaml:"type"`
	Countries   []string     `json:"countries,omitempty" yaml:"countries,omitempty"`
	Regions     []string     `json:"regions,omitempty" yaml:"regions,omitempty"`
	Cities      []string     `json:"cities,omitempty" yaml:"cities,omitempty"`
	Networks    []string     `json:"networks,omitempty" yaml:"networks,omitempty"`
	Center      *Coordinates `json:"center,omitempty" yaml:"center,omitempty"`
	RadiusKm    float64      `json:"radius_km,omitempty" yaml:"radius_km,omitempty"`
	Enforcement Enforcement  `json:"enforcement,omitempty" yaml:"enforcement,omitempty"`
	// AnomalyEnforcement applies to the geo anomaly check. Empty means soft.
	AnomalyEnforcement Enforcement `json:"anomaly_enforcement,omitempty" yaml:"anomaly_enforcement,omitempty"`
}

// DeviceRestriction requires a trusted fingerprint or a minimum device tier,
// optionally narrowed by device type, OS, and browser.
type DeviceRestriction struct {
	ID             string      `json:"id,omitempty" yaml:"id,omitempty"`
	Type           ListType    `json:"type,omitempty" yaml:"type,omitempty"`
	DeviceTypes    []string    `json:"device_types,omitempty" yaml:"device_types,omitempty"`
	OS             []string    `json:"os,omitempty" yaml:"os,omitempty"`
	Browsers       []string    `json:"browsers,omitempty" yaml:"browsers,omitempty"`
	RequireTrusted bool        `json:"require_trusted,omitempty" yaml:"require_trusted,omitempty"`
	MinTier        DeviceTier  `json:"min_tier,omitempty" yaml:"min_tier,omitempty"`
	Enforcement    Enforcement `json:"enforcement,omitempty" yaml:"enforcement,omitempty"`
}

// ActionRestriction gates one named action with a rate limit, action-specific
// time windows, and an optional CEL expression.
type ActionRestriction struct {
	ID          string       `json:"id,omitempty" yaml:"id,omitempty"`
	Action      string       `json:"action" yaml:"action"`
	Limit       int          `json:"limit,omitempty" yaml:"limit,omitempty"`
	Period      Period       `json:"period,omitempty" yaml:"period,omitempty"`
	Windows     []TimeWindow `json:"windows,omitempty" yaml:"windows,omitempty"`
	When        string       `json:"when,omitempty" yaml:"when,omitempty"`
	Enforcement Enforcement  `json:"enforcement,omitempty" yaml:"enforcement,omitempty"`
}
