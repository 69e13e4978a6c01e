package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Errorf(KindConfiguration, "policystore.load", "panel %q missing", "profit"))

	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.False(t, errors.Is(err, ErrEvaluationTimeout))
	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.Equal(t, `ConfigurationError: policystore.load: panel "profit" missing`, errors.Unwrap(err).Error())
}

func TestError_JSON(t *testing.T) {
	e := NewError(KindApprovalConflict, "approval.approve", errors.New("chain expired"))
	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"ApprovalConflict","op":"approval.approve","message":"chain expired"}`, string(b))

	var back Error
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, errors.Is(&back, ErrApprovalConflict))
}

func TestSecurityEvent_FieldNames(t *testing.T) {
	ev := SecurityEvent{
		ID:       "evt-1",
		Result:   OutcomeDenied,
		Severity: SeverityMedium,
		Location: EventLocation{Coordinates: [2]float64{40.7, -74}},
		Metadata: EventMetadata{PermissionsChecked: []string{"admin_access"}},
	}
	b, err := json.Marshal(ev)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(b, &generic))
	for _, key := range []string{"id", "timestamp", "userId", "userName", "userRole", "action", "resource", "result", "riskScore", "severity", "location", "device", "metadata"} {
		assert.Contains(t, generic, key)
	}
	meta := generic["metadata"].(map[string]any)
	for _, key := range []string{"permissionsChecked", "conditionsEvaluated", "riskFactors", "anomalyScore", "behavioralMatch"} {
		assert.Contains(t, meta, key)
	}
	assert.Equal(t, []any{40.7, -74.0}, generic["location"].(map[string]any)["coordinates"])
	assert.Equal(t, "denied", generic["result"])
}
