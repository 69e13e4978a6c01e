package policystore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
	"github.com/Mindburn-Labs/permengine/pkg/pdp"
)

func exampleBundle(t *testing.T) *Bundle {
	t.Helper()
	b, err := LoadBundleFile("testdata/bundle.yaml")
	require.NoError(t, err)
	return b
}

func TestParseBundle_Example(t *testing.T) {
	b := exampleBundle(t)
	assert.Equal(t, "2024.06.1", b.Version)
	require.Len(t, b.Panels, 4)
	assert.Equal(t, contracts.SensitivityCritical, b.Panels[0].Sensitivity)
	assert.Equal(t, []string{"*"}, b.Panels[0].Roles[contracts.AccessManage].Denied)

	snap, err := Compile(b, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(snap.Hash, "sha256:"))

	cfg, ok := snap.PanelConfig("u-cfo", "profit")
	require.True(t, ok)
	assert.Equal(t, contracts.AccessView, cfg.AccessLevel)
	assert.Equal(t, []string{"exact_amounts"}, cfg.FieldPermissions.Masked)

	_, ok = snap.PanelConfig("u-cfo", "bancos")
	assert.False(t, ok)
	_, ok = snap.PanelConfig("nobody", "profit")
	assert.False(t, ok)
}

func TestSnapshot_Threshold(t *testing.T) {
	snap, err := Compile(exampleBundle(t), nil)
	require.NoError(t, err)

	assert.Equal(t, 0.4, snap.Threshold("u-banker", "bancos", 0.9), "panel override")
	assert.Equal(t, 0.5, snap.Threshold("u-cfo", "profit", 0.9), "user threshold")
	assert.Equal(t, 0.5, snap.Threshold("nobody", "profit", 0.9), "bundle default")

	snap.bundle.DefaultThreshold = nil
	assert.Equal(t, 0.9, snap.Threshold("nobody", "profit", 0.9), "fallback")
}

func TestSnapshot_RestrictionsAndTrust(t *testing.T) {
	snap, err := Compile(exampleBundle(t), nil)
	require.NoError(t, err)

	banker := contracts.Principal{UserID: "u-banker", Role: contracts.RoleFinancialManager}
	set := snap.Restrictions(banker, "bancos")
	assert.Len(t, set.Windows, 1)
	assert.Len(t, set.Actions, 1)
	assert.Equal(t, []contracts.Period{contracts.PeriodDay}, set.UsagePeriods("transfer"))

	tester := contracts.Principal{UserID: "u-x", Role: contracts.RoleAnalyst, SecondaryRoles: []contracts.Role{contracts.RoleTester}}
	assert.Len(t, snap.Restrictions(tester, "usuarios").Locations, 1)

	assert.Equal(t, map[string]bool{"fp-cfo-laptop": true}, snap.TrustedDevices("u-cfo"))
	assert.NotNil(t, snap.TrustedDevices("u-analyst"))
	assert.Nil(t, snap.TrustedDevices("nobody"))
}

func TestSnapshot_RolePolicy(t *testing.T) {
	snap, err := Compile(exampleBundle(t), nil)
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		roles []string
		level contracts.AccessLevel
		panel string
		allow bool
	}{
		{[]string{"cfo"}, contracts.AccessView, "profit", true},
		{[]string{"analyst"}, contracts.AccessView, "profit", false},
		{[]string{"accountant"}, contracts.AccessView, "profit", false},
		{[]string{"admin"}, contracts.AccessView, "profit", true},
		{[]string{"ceo"}, contracts.AccessAdmin, "profit", false},
		{[]string{"financial_manager"}, contracts.AccessManage, "bancos", true},
		{[]string{"admin"}, contracts.AccessAdmin, "seguridad", true},
	}
	for _, tt := range tests {
		resp, err := snap.RolePolicy().Evaluate(ctx, &pdp.DecisionRequest{
			Principal: "u", Roles: tt.roles, Action: string(tt.level), Resource: tt.panel,
		})
		require.NoError(t, err)
		assert.Equal(t, tt.allow, resp.Allow, "%v %s %s", tt.roles, tt.level, tt.panel)
	}
}

const minimalBundle = `
schema_version: "1.0.0"
version: v1
panels:
  - id: reports
    sensitivity: low
    min_clearance: basic
`

func TestParseBundle_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown field", minimalBundle + "extra: true\n", "additionalProperties"},
		{"bad sensitivity", strings.Replace(minimalBundle, "low", "extreme", 1), "sensitivity"},
		{"missing panels", "schema_version: \"1.0.0\"\nversion: v1\n", "panels"},
		{"unsupported schema", strings.Replace(minimalBundle, `"1.0.0"`, `"2.0.0"`, 1), "not supported"},
		{"threshold range", minimalBundle + "default_risk_threshold: 1.5\n", "default_risk_threshold"},
		{"not yaml", "panels: [", "yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBundle([]byte(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, contracts.ErrConfiguration)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCompile_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(b *Bundle)
		want   string
	}{
		{"unknown panel", func(b *Bundle) {
			b.Users[0].Panels["missing"] = contracts.PanelAccessConfig{Enabled: true, AccessLevel: contracts.AccessView}
		}, `unknown panel "missing"`},
		{"overlapping fields", func(b *Bundle) {
			cfg := b.Users[0].Panels["profit"]
			cfg.FieldPermissions.Masked = append(cfg.FieldPermissions.Masked, "total_profit")
			b.Users[0].Panels["profit"] = cfg
		}, "both allowed and masked"},
		{"overlapping fields in another normal form", func(b *Bundle) {
			cfg := b.Users[0].Panels["profit"]
			cfg.FieldPermissions.Allowed = append(cfg.FieldPermissions.Allowed, "a\u00f1o")
			cfg.FieldPermissions.Masked = append(cfg.FieldPermissions.Masked, "an\u0303o")
			b.Users[0].Panels["profit"] = cfg
		}, "both allowed and masked"},
		{"duplicate panel", func(b *Bundle) {
			b.Panels = append(b.Panels, b.Panels[0])
		}, "duplicate id"},
		{"bad cel", func(b *Bundle) {
			b.Panels[0].Restrictions.Actions[1].When = "context.mfa +"
		}, "action mfa"},
		{"hierarchy cycle", func(b *Bundle) {
			b.RoleHierarchy = map[contracts.Role][]contracts.Role{
				contracts.RoleCEO: {contracts.RoleCFO},
				contracts.RoleCFO: {contracts.RoleCEO},
			}
		}, "cycle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := exampleBundle(t)
			tt.mutate(b)
			_, err := Compile(b, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, contracts.ErrConfiguration)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func provisioning(id, user, panel string) contracts.ProvisioningRequest {
	return contracts.ProvisioningRequest{
		ID:                 id,
		Principal:          contracts.Principal{UserID: user, Role: contracts.RoleAccountant},
		RequestedClearance: contracts.ClearanceConfidential,
		PanelID:            panel,
		Config:             contracts.PanelAccessConfig{Enabled: true, AccessLevel: contracts.AccessView},
	}
}

type recordingSaver struct {
	mu    sync.Mutex
	saved []*Bundle
	err   error
}

func (r *recordingSaver) Save(_ context.Context, b *Bundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.saved = append(r.saved, b)
	return nil
}

func TestStore_PublishKeepsPreviousOnFailure(t *testing.T) {
	s := NewStore()
	assert.Nil(t, s.Current())

	var published []string
	s.OnPublish(func(snap *Snapshot) { published = append(published, snap.Version) })

	first, err := s.Load(context.Background(), FileSource{Path: "testdata/bundle.yaml"})
	require.NoError(t, err)
	assert.Same(t, first, s.Current())

	bad := exampleBundle(t)
	bad.Version = "broken"
	bad.Panels = append(bad.Panels, bad.Panels[0])
	_, err = s.Publish(bad)
	require.Error(t, err)
	assert.Same(t, first, s.Current())
	assert.Equal(t, []string{"2024.06.1"}, published)
}

func TestStore_ApplyProvisioning(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	saver := &recordingSaver{}
	s := NewStore(WithSaver(saver), WithClock(func() time.Time { return now }))

	req := provisioning("prov-1", "u-new", "bancos")
	_, err := s.ApplyProvisioning(ctx, req)
	assert.ErrorIs(t, err, contracts.ErrConfiguration, "no snapshot yet")

	_, err = s.Publish(exampleBundle(t))
	require.NoError(t, err)
	before := s.Current()

	threshold := 0.3
	req.RiskThreshold = &threshold
	snap, err := s.ApplyProvisioning(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, "2024.06.1+prov-1", snap.Version)
	assert.Equal(t, now, snap.LoadedAt)
	cfg, ok := snap.PanelConfig("u-new", "bancos")
	require.True(t, ok)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 0.3, snap.Threshold("u-new", "bancos", 0.5))
	require.Len(t, saver.saved, 1)

	_, ok = before.PanelConfig("u-new", "bancos")
	assert.False(t, ok, "published snapshots are immutable")

	req.ID = "prov-2"
	req.PanelID = "missing"
	_, err = s.ApplyProvisioning(ctx, req)
	assert.ErrorIs(t, err, contracts.ErrConfiguration)

	saver.err = errors.New("db down")
	req.PanelID = "usuarios"
	_, err = s.ApplyProvisioning(ctx, req)
	require.Error(t, err)
	assert.Same(t, snap, s.Current())
}

func TestStore_CheckProvisioning(t *testing.T) {
	ctx := context.Background()
	saver := &recordingSaver{}
	s := NewStore(WithSaver(saver))

	req := provisioning("prov-1", "u-new", "bancos")
	assert.ErrorIs(t, s.CheckProvisioning(ctx, req), contracts.ErrConfiguration, "no snapshot yet")

	_, err := s.Publish(exampleBundle(t))
	require.NoError(t, err)
	before := s.Current()

	require.NoError(t, s.CheckProvisioning(ctx, req))
	assert.Same(t, before, s.Current(), "a check never publishes")
	assert.Empty(t, saver.saved)

	tests := []struct {
		name   string
		mutate func(r *contracts.ProvisioningRequest)
	}{
		{"overlapping fields", func(r *contracts.ProvisioningRequest) {
			r.Config.FieldPermissions = contracts.FieldPermissions{Allowed: []string{"iban"}, Denied: []string{"iban"}}
		}},
		{"unknown timezone", func(r *contracts.ProvisioningRequest) {
			r.Restrictions = &contracts.Restrictions{TimeWindows: []contracts.TimeWindow{{
				Start: "09:00", End: "17:00", Days: []time.Weekday{time.Monday}, Timezone: "Mars/Olympus",
			}}}
		}},
		{"invalid expression", func(r *contracts.ProvisioningRequest) {
			r.Config.CustomRestrictions = &contracts.Restrictions{Actions: []contracts.ActionRestriction{{
				Action: "export", When: "context.mfa +",
			}}}
		}},
		{"unknown panel", func(r *contracts.ProvisioningRequest) { r.PanelID = "missing" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := provisioning("prov-2", "u-new", "bancos")
			tt.mutate(&bad)
			assert.ErrorIs(t, s.CheckProvisioning(ctx, bad), contracts.ErrConfiguration)
		})
	}
	assert.Same(t, before, s.Current())
}
