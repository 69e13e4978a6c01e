package risk

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

func TestDefaultModel_IsValid(t *testing.T) {
	require.NoError(t, DefaultModel().Validate())
}

func TestLoadModel_OverridesKeepDefaults(t *testing.T) {
	m, err := LoadModel([]byte(`
version: 2.1.0
conditions:
  geo_anomaly: 1.2
severity:
  medium: 0.25
  high: 0.5
  critical: 0.75
`))
	require.NoError(t, err)

	assert.Equal(t, "2.1.0", m.Version)
	assert.Equal(t, 1.2, m.Conditions[contracts.ConditionGeoAnomaly])
	assert.Equal(t, 0.5, m.Conditions[contracts.ConditionTimeWindow], "untouched weights keep their default")
	assert.Equal(t, 0.4, m.Behavioral.Weight)
	assert.Equal(t, contracts.SeverityMedium, m.SeverityOf(0.3))
}

func TestLoadModel_Rejects(t *testing.T) {
	tests := map[string]string{
		"bad version":        "version: one\n",
		"negative weight":    "conditions:\n  device: -0.1\n",
		"unknown kind":       "conditions:\n  telepathy: 0.1\n",
		"unordered severity": "severity: {medium: 0.5, high: 0.4, critical: 0.9}\n",
		"pivot out of range": "behavioral: {pivot: 1.5}\n",
		"threshold > 1":      "default_threshold: 2\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadModel([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, contracts.ErrConfiguration)
		})
	}
}

func TestSeverityOf_Boundaries(t *testing.T) {
	m := DefaultModel()
	cases := []struct {
		v    float64
		want contracts.Severity
	}{
		{0, contracts.SeverityLow},
		{0.1999, contracts.SeverityLow},
		{0.2, contracts.SeverityMedium},
		{0.3999, contracts.SeverityMedium},
		{0.4, contracts.SeverityHigh},
		{0.6999, contracts.SeverityHigh},
		{0.7, contracts.SeverityCritical},
		{1, contracts.SeverityCritical},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, m.SeverityOf(c.v), "%v", c.v)
	}
	assert.False(t, m.Alert(0.8))
	assert.True(t, m.Alert(0.81))
}

func TestRequiredClearance(t *testing.T) {
	m := DefaultModel()
	assert.Equal(t, contracts.ClearanceSecret, m.RequiredClearance(contracts.AccessAdmin, contracts.ClearanceBasic))
	assert.Equal(t, contracts.ClearanceTopSecret, m.RequiredClearance(contracts.AccessView, contracts.ClearanceTopSecret))
}

// doublingWASM exports adjust(x f64) f64 { return x + x }.
var doublingWASM = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x06, 0x01, 0x60, 0x01, 0x7c, 0x01, 0x7c,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0a, 0x01, 0x06, 'a', 'd', 'j', 'u', 's', 't', 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x00, 0xa0, 0x0b,
}

func TestWASMAdjuster(t *testing.T) {
	ctx := context.Background()
	a, err := NewWASMAdjuster(ctx, doublingWASM, 0)
	require.NoError(t, err)
	defer func() { _ = a.Close(ctx) }()

	got, err := a.Adjust(ctx, 0.44)
	require.NoError(t, err)
	assert.InDelta(t, 0.88, got, 1e-12)

	score, err := NewScorer(nil, WithAdjuster(a)).Score(ctx, Input{Request: cfoRequest("GB"), Panel: profitPanel})
	require.NoError(t, err)
	assert.InDelta(t, 0.4, score.Raw, 1e-9)
}

func TestWASMAdjuster_RejectsWrongExports(t *testing.T) {
	ctx := context.Background()
	_, err := NewWASMAdjuster(ctx, []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, 0)
	assert.ErrorContains(t, err, "does not export")

	_, err = NewWASMAdjuster(ctx, []byte("not wasm"), 0)
	assert.Error(t, err)
}

func TestModel_LoadAdjusterFromDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "double.wasm"), doublingWASM, 0o600))

	m := DefaultModel()
	none, err := m.LoadAdjuster(context.Background(), dir)
	require.NoError(t, err)
	assert.Nil(t, none)

	m.Adjuster = "double.wasm"
	a, err := m.LoadAdjuster(context.Background(), dir)
	require.NoError(t, err)
	defer func() { _ = a.Close(context.Background()) }()
	got, err := a.Adjust(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2.0, got)
}
