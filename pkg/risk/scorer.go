// Package risk computes the composite, explainable risk score of an access
// request from base, contextual, and behavioral terms.
package risk

import (
	"context"
	"math"
	"slices"
	"strings"

	"github.com/Mindburn-Labs/permengine/pkg/baseline"
	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

// Factor names, in the order they appear in a score.
const (
	FactorClearanceGap    = "clearance_gap"
	FactorSensitivity     = "panel_sensitivity"
	FactorUntrustedDevice = "untrusted_device"
	FactorMissingInput    = "missing_input"
	FactorRateUtilisation = "rate_utilisation"
	FactorBehavioral      = "behavioral_deviation"
	FactorNoBaseline      = "no_baseline"
	FactorAdjustment      = "model_adjustment"
)

// Input is everything a score depends on.
type Input struct {
	Request    contracts.AccessRequest
	Panel      *contracts.Panel
	Conditions contracts.ConditionResult
	Baseline   *baseline.Baseline
}

// Scorer applies a Model. It is safe for concurrent use.
type Scorer struct {
	model    *Model
	adjuster Adjuster
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithAdjuster installs a raw-sum adjuster.
func WithAdjuster(a Adjuster) Option {
	return func(s *Scorer) { s.adjuster = a }
}

// NewScorer creates a scorer for m. A nil model uses DefaultModel.
func NewScorer(m *Model, opts ...Option) *Scorer {
	if m == nil {
		m = DefaultModel()
	}
	s := &Scorer{model: m}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Model returns the active model.
func (s *Scorer) Model() *Model { return s.model }

// Score computes the risk of in. It only fails when the adjuster fails.
func (s *Scorer) Score(ctx context.Context, in Input) (contracts.RiskScore, error) {
	m := s.model
	var factors []contracts.RiskFactor
	add := func(name string, weight, input float64) {
		factors = append(factors, contracts.RiskFactor{
			Name: name, Weight: weight, Input: input, Contribution: weight * input,
		})
	}

	// Base risk.
	panelMin := contracts.ClearanceBasic
	var sensitivity contracts.Sensitivity
	if in.Panel != nil {
		panelMin = in.Panel.MinClearance
		sensitivity = in.Panel.Sensitivity
	}
	required := m.RequiredClearance(in.Request.Action.Level, panelMin)
	gap := float64(required.Rank() - in.Request.Principal.Clearance.Rank())
	add(FactorClearanceGap, m.ClearanceGap, math.Max(0, gap))
	add(FactorSensitivity, m.Sensitivity[sensitivity], 1)

	// Contextual risk, one term per violated kind.
	counts := make(map[contracts.ConditionKind]int)
	for _, c := range in.Conditions.Violated {
		counts[c.Kind]++
	}
	for _, kind := range contracts.AllConditionKinds {
		if n := counts[kind]; n > 0 {
			add(string(kind), m.Conditions[kind], float64(n))
		}
	}
	sig := in.Conditions.Signals
	add(FactorUntrustedDevice, m.Signals.UntrustedDevice, boolInput(sig.UntrustedDevice))
	add(FactorMissingInput, m.Signals.MissingInput, float64(sig.MissingInputs))
	add(FactorRateUtilisation, m.Signals.RateUtilisation, sig.RateUtilisation)

	// Behavioral deviation.
	score := contracts.RiskScore{ModelVersion: m.Version}
	if b := in.Baseline; b != nil && b.Samples >= m.Behavioral.MinSamples && b.Samples > 0 {
		d := m.Distance(in.Request, b)
		factors = append(factors, contracts.RiskFactor{
			Name:         FactorBehavioral,
			Weight:       m.Behavioral.Weight,
			Input:        d,
			Contribution: m.Behavioral.Weight * (d - m.Behavioral.Pivot),
		})
		score.AnomalyScore = d
		score.BehavioralMatch = 1 - d
	} else {
		add(FactorNoBaseline, m.Behavioral.NoBaseline, 1)
	}

	raw := 0.0
	for _, f := range factors {
		raw += f.Contribution
	}
	if s.adjuster != nil {
		adjusted, err := s.adjuster.Adjust(ctx, raw)
		if err != nil {
			return contracts.RiskScore{}, contracts.NewError(contracts.KindConfiguration, "risk.Score", err)
		}
		factors = append(factors, contracts.RiskFactor{
			Name: FactorAdjustment, Weight: 1, Input: adjusted - raw, Contribution: adjusted - raw,
		})
		raw = adjusted
	}

	score.Raw = raw
	score.Value = Squash(raw)
	score.Factors = factors
	return score, nil
}

// Squash maps a raw sum to [0,1). Negative sums map to 0.
func Squash(raw float64) float64 {
	if raw <= 0 || math.IsNaN(raw) {
		return 0
	}
	return 1 - math.Exp(-raw)
}

// Distance is the weighted novelty of the request against b, in [0,1].
func (m *Model) Distance(req contracts.AccessRequest, b *baseline.Baseline) float64 {
	bw := m.Behavioral
	hour := 1.0
	if ts := req.Context.Timestamp; !ts.IsZero() {
		hour = hourNovelty(b.Hours, ts.UTC().Hour())
	}
	action := 1 - math.Min(1, b.Actions[req.Action.Name]/bw.FamiliarAfter)
	country := 1.0
	if c := req.Context.Geo.Country; c != "" && slices.Contains(b.Countries, strings.ToUpper(c)) {
		country = 0
	}
	total := bw.Hour + bw.Action + bw.Country
	return (bw.Hour*hour + bw.Action*action + bw.Country*country) / total
}

// hourNovelty compares activity around h (one hour either side) with the
// busiest such window of the histogram.
func hourNovelty(hours [24]float64, h int) float64 {
	around := func(i int) float64 {
		return hours[(i+23)%24] + hours[i] + hours[(i+1)%24]
	}
	peak := 0.0
	for i := range hours {
		peak = math.Max(peak, around(i))
	}
	if peak == 0 {
		return 1
	}
	return 1 - around(h)/peak
}

func boolInput(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
