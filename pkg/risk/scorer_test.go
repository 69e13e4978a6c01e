package risk

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/permengine/pkg/baseline"
	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

var profitPanel = &contracts.Panel{
	ID:           "profit",
	Sensitivity:  contracts.SensitivityCritical,
	MinClearance: contracts.ClearanceConfidential,
}

func officeBaseline() *baseline.Baseline {
	b := baseline.New("u-cfo")
	b.Hours[10] = 10
	b.Actions["view"] = 10
	b.Countries = []string{"GB"}
	b.Samples = 10
	return b
}

func cfoRequest(country string) contracts.AccessRequest {
	return contracts.AccessRequest{
		Principal: contracts.Principal{UserID: "u-cfo", Role: contracts.RoleCFO, Clearance: contracts.ClearanceSecret},
		Action:    contracts.Action{Name: "view", Level: contracts.AccessView},
		Resource:  contracts.Resource{PanelID: "profit"},
		Context: contracts.RequestContext{
			Timestamp: time.Date(2024, 1, 5, 10, 15, 0, 0, time.UTC),
			Geo:       contracts.GeoHint{Country: country},
		},
	}
}

func TestScore_CleanRequestIsLow(t *testing.T) {
	s := NewScorer(nil)
	score, err := s.Score(context.Background(), Input{
		Request:  cfoRequest("GB"),
		Panel:    profitPanel,
		Baseline: officeBaseline(),
	})
	require.NoError(t, err)

	assert.Less(t, score.Value, 0.2)
	assert.Equal(t, "1.0.0", score.ModelVersion)
	assert.InDelta(t, 0, score.AnomalyScore, 1e-9)
	assert.InDelta(t, 1, score.BehavioralMatch, 1e-9)
	assert.Equal(t, contracts.SeverityLow, s.Model().SeverityOf(score.Value))
	assert.Equal(t, []string{FactorSensitivity}, score.FactorNames())
}

func TestScore_NewCountryCrossesDefaultThreshold(t *testing.T) {
	s := NewScorer(nil)
	score, err := s.Score(context.Background(), Input{
		Request: cfoRequest("BR"),
		Panel:   profitPanel,
		Conditions: contracts.ConditionResult{
			Violated: []contracts.Condition{{Kind: contracts.ConditionGeoAnomaly, Ref: "baseline"}},
			Signals:  contracts.Signals{GeoAnomaly: true, PreviousCountry: "GB"},
		},
		Baseline: officeBaseline(),
	})
	require.NoError(t, err)

	assert.InDelta(t, 1-math.Exp(-1.06), score.Value, 1e-9)
	assert.Greater(t, score.Value, s.Model().DefaultThreshold)
	assert.InDelta(t, 0.4, score.AnomalyScore, 1e-9)
	assert.Equal(t, []string{FactorSensitivity, "geo_anomaly", FactorBehavioral}, score.FactorNames())
}

func TestScore_BasicPrincipalAskingForAdminIsMedium(t *testing.T) {
	s := NewScorer(nil)
	req := cfoRequest("GB")
	req.Principal.Clearance = contracts.ClearanceBasic
	req.Action.Level = contracts.AccessAdmin

	score, err := s.Score(context.Background(), Input{Request: req, Panel: profitPanel})
	require.NoError(t, err)

	assert.InDelta(t, 0.44, score.Raw, 1e-9)
	assert.Equal(t, contracts.SeverityMedium, s.Model().SeverityOf(score.Value))
	assert.Equal(t, FactorClearanceGap, score.Factors[0].Name)
	assert.Equal(t, 2.0, score.Factors[0].Input)
	assert.Equal(t, FactorNoBaseline, score.Factors[len(score.Factors)-1].Name)
}

func TestScore_SparseBaselineCountsAsNone(t *testing.T) {
	b := officeBaseline()
	b.Samples = 2
	score, err := NewScorer(nil).Score(context.Background(), Input{Request: cfoRequest("GB"), Panel: profitPanel, Baseline: b})
	require.NoError(t, err)
	assert.Contains(t, score.FactorNames(), FactorNoBaseline)
}

func TestScore_Deterministic(t *testing.T) {
	s := NewScorer(nil)
	in := Input{
		Request: cfoRequest("FR"),
		Panel:   profitPanel,
		Conditions: contracts.ConditionResult{
			Violated: []contracts.Condition{{Kind: contracts.ConditionDevice, Ref: "d"}},
			Signals:  contracts.Signals{UntrustedDevice: true, MissingInputs: 1, RateUtilisation: 0.5},
		},
		Baseline: officeBaseline(),
	}
	a, err := s.Score(context.Background(), in)
	require.NoError(t, err)
	b, err := s.Score(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestScore_MonotoneInViolations(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	s := NewScorer(nil)
	kinds := contracts.AllConditionKinds

	properties.Property("adding a violated condition never lowers the score", prop.ForAll(
		func(picks []int, extra int, missing int, withBaseline bool) bool {
			in := Input{Request: cfoRequest("GB"), Panel: profitPanel}
			if withBaseline {
				in.Baseline = officeBaseline()
			}
			for _, p := range picks {
				in.Conditions.Violated = append(in.Conditions.Violated, contracts.Condition{Kind: kinds[p]})
			}
			in.Conditions.Signals.MissingInputs = missing
			before, err := s.Score(context.Background(), in)
			if err != nil {
				return false
			}

			in.Conditions.Violated = append(in.Conditions.Violated, contracts.Condition{Kind: kinds[extra]})
			in.Conditions.Signals.MissingInputs = missing + 1
			after, err := s.Score(context.Background(), in)
			if err != nil {
				return false
			}
			return after.Value >= before.Value && after.Value >= 0 && after.Value < 1
		},
		gen.SliceOf(gen.IntRange(0, len(kinds)-1)),
		gen.IntRange(0, len(kinds)-1),
		gen.IntRange(0, 5),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestSquash(t *testing.T) {
	assert.Equal(t, 0.0, Squash(-3))
	assert.Equal(t, 0.0, Squash(math.NaN()))
	assert.InDelta(t, 1-math.Exp(-1), Squash(1), 1e-12)
	assert.Less(t, Squash(50), 1.0+1e-12)
}

type doubling struct{}

func (doubling) Adjust(_ context.Context, raw float64) (float64, error) { return raw * 2, nil }

func TestScore_AdjusterIsExplained(t *testing.T) {
	s := NewScorer(nil, WithAdjuster(doubling{}))
	req := cfoRequest("GB")
	req.Principal.Clearance = contracts.ClearanceBasic
	req.Action.Level = contracts.AccessAdmin

	score, err := s.Score(context.Background(), Input{Request: req, Panel: profitPanel})
	require.NoError(t, err)
	assert.InDelta(t, 0.88, score.Raw, 1e-9)
	last := score.Factors[len(score.Factors)-1]
	assert.Equal(t, FactorAdjustment, last.Name)
	assert.InDelta(t, 0.44, last.Contribution, 1e-9)
}
