package contracts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestPrincipal_RejectsUnknownEnums(t *testing.T) {
	var p Principal
	err := json.Unmarshal([]byte(`{"user_id":"u1","role":"root","clearance":"basic"}`), &p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown role "root"`)

	err = json.Unmarshal([]byte(`{"user_id":"u1","role":"cfo","clearance":"ultra"}`), &p)
	require.Error(t, err)

	require.NoError(t, json.Unmarshal([]byte(`{"user_id":"u1","role":"cfo","clearance":"secret"}`), &p))
	assert.Equal(t, RoleCFO, p.Role)
	assert.Equal(t, ClearanceSecret, p.Clearance)
}

func TestYAMLDecodeUsesEnumValidation(t *testing.T) {
	var cfg PanelAccessConfig
	err := yaml.Unmarshal([]byte("enabled: true\naccess_level: superuser\n"), &cfg)
	require.Error(t, err)

	require.NoError(t, yaml.Unmarshal([]byte("enabled: true\naccess_level: manage\n"), &cfg))
	assert.Equal(t, AccessManage, cfg.AccessLevel)
}

func TestClearanceOrdering(t *testing.T) {
	assert.True(t, ClearanceTopSecret.AtLeast(ClearanceSecret))
	assert.True(t, ClearanceConfidential.AtLeast(ClearanceConfidential))
	assert.False(t, ClearanceBasic.AtLeast(ClearanceConfidential))
	assert.False(t, ClearanceLevel("").AtLeast(ClearanceBasic))
}

func TestAccessLevelCovers(t *testing.T) {
	assert.True(t, AccessAdmin.Covers(AccessView))
	assert.True(t, AccessManage.Covers(AccessManage))
	assert.False(t, AccessView.Covers(AccessManage))
	assert.Equal(t, "admin_access", AccessAdmin.Permission())
}

func TestEnforcementDefaultsToHard(t *testing.T) {
	var tw TimeWindow
	require.NoError(t, json.Unmarshal([]byte(`{"start":"09:00","end":"18:00","days":[1],"timezone":"UTC"}`), &tw))
	assert.True(t, tw.Enforcement.IsHard())

	require.NoError(t, json.Unmarshal([]byte(`{"enforcement":"soft"}`), &tw))
	assert.False(t, tw.Enforcement.IsHard())
}
