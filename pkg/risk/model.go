package risk

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

// Model is a versioned set of risk weights. Every weight except the
// behavioral pivot term is non-negative, which makes the score monotone in
// the number of violated conditions.
type Model struct {
	Version string `yaml:"version" json:"version"`

	// ClearanceGap is added per clearance step the principal is missing.
	ClearanceGap float64 `yaml:"clearance_gap" json:"clearance_gap"`
	// LevelClearance is the clearance each access level needs on top of the
	// panel minimum.
	LevelClearance map[contracts.AccessLevel]contracts.ClearanceLevel `yaml:"level_clearance" json:"level_clearance"`
	Sensitivity    map[contracts.Sensitivity]float64                  `yaml:"sensitivity" json:"sensitivity"`

	// Conditions weighs each violated condition of a kind.
	Conditions map[contracts.ConditionKind]float64 `yaml:"conditions" json:"conditions"`
	Signals    SignalWeights                       `yaml:"signals" json:"signals"`
	Behavioral Behavioral                          `yaml:"behavioral" json:"behavioral"`

	Severity         SeverityThresholds `yaml:"severity" json:"severity"`
	AlertAbove       float64            `yaml:"alert_above" json:"alert_above"`
	DefaultThreshold float64            `yaml:"default_threshold" json:"default_threshold"`

	// Adjuster optionally names a WebAssembly module exporting
	// adjust(f64) f64, applied to the raw sum before squashing.
	Adjuster string `yaml:"adjuster,omitempty" json:"adjuster,omitempty"`
}

// SignalWeights weigh signals that are not conditions of their own.
type SignalWeights struct {
	UntrustedDevice float64 `yaml:"untrusted_device" json:"untrusted_device"`
	MissingInput    float64 `yaml:"missing_input" json:"missing_input"`
	RateUtilisation float64 `yaml:"rate_utilisation" json:"rate_utilisation"`
}

// Behavioral parameterises the baseline distance. The distance is the
// feature-weighted mean of hour, action, and country novelty in [0,1]; its
// contribution is Weight*(distance-Pivot), so a close match lowers risk.
type Behavioral struct {
	Weight        float64 `yaml:"weight" json:"weight"`
	Pivot         float64 `yaml:"pivot" json:"pivot"`
	NoBaseline    float64 `yaml:"no_baseline" json:"no_baseline"`
	MinSamples    int     `yaml:"min_samples" json:"min_samples"`
	FamiliarAfter float64 `yaml:"familiar_after" json:"familiar_after"`
	Hour          float64 `yaml:"hour" json:"hour"`
	Action        float64 `yaml:"action" json:"action"`
	Country       float64 `yaml:"country" json:"country"`
}

// SeverityThresholds are the lower bounds of the medium, high, and critical
// buckets. Anything below Medium is low.
type SeverityThresholds struct {
	Medium   float64 `yaml:"medium" json:"medium"`
	High     float64 `yaml:"high" json:"high"`
	Critical float64 `yaml:"critical" json:"critical"`
}

// DefaultModel returns the built-in model.
func DefaultModel() *Model {
	return &Model{
		Version:      "1.0.0",
		ClearanceGap: 0.12,
		LevelClearance: map[contracts.AccessLevel]contracts.ClearanceLevel{
			contracts.AccessView:   contracts.ClearanceBasic,
			contracts.AccessManage: contracts.ClearanceConfidential,
			contracts.AccessAdmin:  contracts.ClearanceSecret,
		},
		Sensitivity: map[contracts.Sensitivity]float64{
			contracts.SensitivityLow:      0,
			contracts.SensitivityMedium:   0.02,
			contracts.SensitivityHigh:     0.05,
			contracts.SensitivityCritical: 0.1,
		},
		Conditions: map[contracts.ConditionKind]float64{
			contracts.ConditionTimeWindow:   0.5,
			contracts.ConditionLocation:     0.6,
			contracts.ConditionGeoAnomaly:   0.9,
			contracts.ConditionDevice:       0.5,
			contracts.ConditionActionRate:   0.3,
			contracts.ConditionActionWindow: 0.4,
			contracts.ConditionActionRule:   0.5,
		},
		Signals: SignalWeights{
			UntrustedDevice: 0.3,
			MissingInput:    0.3,
			RateUtilisation: 0.2,
		},
		Behavioral: Behavioral{
			Weight:        0.4,
			Pivot:         0.25,
			NoBaseline:    0.1,
			MinSamples:    5,
			FamiliarAfter: 3,
			Hour:          0.3,
			Action:        0.3,
			Country:       0.4,
		},
		Severity:         SeverityThresholds{Medium: 0.2, High: 0.4, Critical: 0.7},
		AlertAbove:       0.8,
		DefaultThreshold: 0.5,
	}
}

// LoadModel parses a YAML model. Omitted sections keep their defaults.
func LoadModel(data []byte) (*Model, error) {
	m := DefaultModel()
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, contracts.NewError(contracts.KindConfiguration, "risk.LoadModel", err)
	}
	if err := m.Validate(); err != nil {
		return nil, contracts.NewError(contracts.KindConfiguration, "risk.LoadModel", err)
	}
	return m, nil
}

// LoadModelFile reads and parses a YAML model file.
func LoadModelFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, contracts.NewError(contracts.KindConfiguration, "risk.LoadModelFile", err)
	}
	return LoadModel(data)
}

// Validate reports every problem with the model.
func (m *Model) Validate() error {
	var errs []error
	if _, err := semver.NewVersion(m.Version); err != nil {
		errs = append(errs, fmt.Errorf("version %q: %w", m.Version, err))
	}

	nonNeg := func(name string, v float64) {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, fmt.Errorf("%s must be a finite non-negative number, got %v", name, v))
		}
	}
	nonNeg("clearance_gap", m.ClearanceGap)
	for k, v := range m.Sensitivity {
		nonNeg("sensitivity."+string(k), v)
	}
	for k, v := range m.Conditions {
		nonNeg("conditions."+string(k), v)
	}
	nonNeg("signals.untrusted_device", m.Signals.UntrustedDevice)
	nonNeg("signals.missing_input", m.Signals.MissingInput)
	nonNeg("signals.rate_utilisation", m.Signals.RateUtilisation)

	b := m.Behavioral
	nonNeg("behavioral.weight", b.Weight)
	nonNeg("behavioral.no_baseline", b.NoBaseline)
	nonNeg("behavioral.hour", b.Hour)
	nonNeg("behavioral.action", b.Action)
	nonNeg("behavioral.country", b.Country)
	if b.Pivot < 0 || b.Pivot > 1 {
		errs = append(errs, fmt.Errorf("behavioral.pivot must be in [0,1], got %v", b.Pivot))
	}
	if b.Hour+b.Action+b.Country <= 0 {
		errs = append(errs, errors.New("behavioral feature weights must not all be zero"))
	}
	if b.FamiliarAfter <= 0 {
		errs = append(errs, fmt.Errorf("behavioral.familiar_after must be positive, got %v", b.FamiliarAfter))
	}
	if b.MinSamples < 0 {
		errs = append(errs, fmt.Errorf("behavioral.min_samples must be non-negative, got %d", b.MinSamples))
	}

	s := m.Severity
	if !(0 < s.Medium && s.Medium < s.High && s.High < s.Critical && s.Critical <= 1) {
		errs = append(errs, fmt.Errorf("severity thresholds must satisfy 0 < medium < high < critical <= 1, got %+v", s))
	}
	if m.AlertAbove < 0 || m.AlertAbove > 1 {
		errs = append(errs, fmt.Errorf("alert_above must be in [0,1], got %v", m.AlertAbove))
	}
	if m.DefaultThreshold < 0 || m.DefaultThreshold > 1 {
		errs = append(errs, fmt.Errorf("default_threshold must be in [0,1], got %v", m.DefaultThreshold))
	}
	for lvl, cl := range m.LevelClearance {
		if lvl.Rank() < 0 || cl.Rank() < 0 {
			errs = append(errs, fmt.Errorf("level_clearance %q: %q is not a known level", lvl, cl))
		}
	}
	return errors.Join(errs...)
}

// SeverityOf buckets a risk value.
func (m *Model) SeverityOf(v float64) contracts.Severity {
	switch {
	case v >= m.Severity.Critical:
		return contracts.SeverityCritical
	case v >= m.Severity.High:
		return contracts.SeverityHigh
	case v >= m.Severity.Medium:
		return contracts.SeverityMedium
	default:
		return contracts.SeverityLow
	}
}

// Alert reports whether v warrants a security alert.
func (m *Model) Alert(v float64) bool { return v > m.AlertAbove }

// RequiredClearance is the clearance needed for level on a panel with the
// given minimum.
func (m *Model) RequiredClearance(level contracts.AccessLevel, panelMin contracts.ClearanceLevel) contracts.ClearanceLevel {
	req := m.LevelClearance[level]
	if panelMin.Rank() > req.Rank() {
		return panelMin
	}
	return req
}
