package contracts

import "time"

// SecurityEvent is the immutable audit record consumed by the security
// dashboard. Field names are part of the dashboard contract.
type SecurityEvent struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	UserID    string        `json:"userId"`
	UserName  string        `json:"userName"`
	UserRole  string        `json:"userRole"`
	Action    string        `json:"action"`
	Resource  string        `json:"resource"`
	Result    Outcome       `json:"result"`
	RiskScore float64       `json:"riskScore"`
	Severity  Severity      `json:"severity"`
	Location  EventLocation `json:"location"`
	Device    EventDevice   `json:"device"`
	Metadata  EventMetadata `json:"metadata"`
}

// EventLocation is the source geography. Coordinates is [lat, lng].
type EventLocation struct {
	IP          string     `json:"ip"`
	Country     string     `json:"country"`
	City        string     `json:"city"`
	Coordinates [2]float64 `json:"coordinates"`
}

// EventDevice describes the requesting device.
type EventDevice struct {
	Type        string `json:"type"`
	OS          string `json:"os"`
	Browser     string `json:"browser"`
	Fingerprint string `json:"fingerprint"`
}

// EventMetadata explains the decision.
type EventMetadata struct {
	PermissionsChecked  []string `json:"permissionsChecked"`
	ConditionsEvaluated []string `json:"conditionsEvaluated"`
	RiskFactors         []string `json:"riskFactors"`
	AnomalyScore        float64  `json:"anomalyScore"`
	BehavioralMatch     float64  `json:"behavioralMatch"`
}
