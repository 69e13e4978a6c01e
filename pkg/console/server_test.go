package console_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/permengine/pkg/api"
	"github.com/Mindburn-Labs/permengine/pkg/approval"
	"github.com/Mindburn-Labs/permengine/pkg/artifacts"
	"github.com/Mindburn-Labs/permengine/pkg/audit"
	"github.com/Mindburn-Labs/permengine/pkg/auth"
	"github.com/Mindburn-Labs/permengine/pkg/console"
	"github.com/Mindburn-Labs/permengine/pkg/contracts"
	"github.com/Mindburn-Labs/permengine/pkg/decision"
	"github.com/Mindburn-Labs/permengine/pkg/observability"
	"github.com/Mindburn-Labs/permengine/pkg/pep"
	"github.com/Mindburn-Labs/permengine/pkg/policystore"
	"github.com/Mindburn-Labs/permengine/pkg/store"
)

const bundle = `
schema_version: "1.0.0"
version: console-1
panels:
  - id: reports
    sensitivity: low
    min_clearance: basic
    roles:
      view:
        allowed: [analyst]
users:
  - user_id: u-ana
    risk_threshold: 0.9
    panels:
      reports:
        enabled: true
        access_level: view
`

const jwtSecret = "0123456789abcdef0123456789abcdef"

var (
	now   = time.Date(2024, 6, 4, 15, 0, 0, 0, time.UTC)
	quiet = slog.New(slog.NewTextHandler(io.Discard, nil))
)

type clock struct{}

func (clock) Now() time.Time { return now }

type fixture struct {
	srv       *httptest.Server
	policies  *policystore.Store
	chain     *store.AuditStore
	validator *auth.JWTValidator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b, err := policystore.ParseBundle([]byte(bundle))
	require.NoError(t, err)
	policies := policystore.NewStore(policystore.WithLogger(quiet))
	_, err = policies.Publish(b)
	require.NoError(t, err)

	chain := store.NewAuditStore(make([]byte, 32))
	emitter := audit.NewEmitter(nil, quiet).AddSink("chain", audit.NewStoreSink(chain), true)
	engine := decision.NewEngine(nil, decision.WithClock(clock{}), decision.WithLogger(quiet))
	enforcer := pep.NewEnforcer(policies, engine, emitter, quiet)
	slo := observability.NewSLOTracker(observability.DecisionSLO(time.Second))
	enforcer.SetSLO(slo)

	tracker := approval.NewTracker(approval.NewMemoryStore(), func(ctx context.Context, req contracts.ProvisioningRequest) error {
		_, err := policies.ApplyProvisioning(ctx, req)
		return err
	}, quiet).WithValidator(policies.CheckProvisioning)

	evidence, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	validator, err := auth.NewJWTValidator(jwtSecret)
	require.NoError(t, err)

	metrics := api.NewMetrics()
	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg))

	s := console.New(console.Config{
		Enforcer:  enforcer,
		Policies:  policies,
		Tracker:   tracker,
		Events:    chain,
		Evidence:  evidence,
		SLO:       slo,
		Metrics:   metrics,
		Gatherer:  reg,
		Validator: validator,
		Logger:    quiet,
		Clock:     func() time.Time { return now },
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return &fixture{srv: srv, policies: policies, chain: chain, validator: validator}
}

func (f *fixture) token(t *testing.T, sub string, role contracts.ApproverRole) string {
	t.Helper()
	tok, err := f.validator.Issue(sub, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type decideBody struct {
	Request contracts.AccessRequest `json:"request"`
	Payload map[string]any          `json:"payload,omitempty"`
}

type decideResult struct {
	Decision contracts.Decision      `json:"decision"`
	Event    contracts.SecurityEvent `json:"event"`
}

func viewReports(user string) decideBody {
	return decideBody{Request: contracts.AccessRequest{
		Principal: contracts.Principal{UserID: user, Role: contracts.RoleAnalyst, Clearance: contracts.ClearanceBasic},
		Action:    contracts.Action{Name: "view", Level: contracts.AccessView},
		Resource:  contracts.Resource{PanelID: "reports"},
		Context:   contracts.RequestContext{Timestamp: now, Geo: contracts.GeoHint{Country: "US"}},
	}}
}

func TestDecide(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/decisions", "", viewReports("u-ana"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(api.RequestIDHeader))
	res := decode[decideResult](t, resp)
	assert.Equal(t, contracts.OutcomeGranted, res.Decision.Outcome, res.Decision.ReasonCode)
	assert.Equal(t, resp.Header.Get(api.RequestIDHeader), res.Decision.RequestID, "request id defaults to the correlation id")
	assert.Equal(t, "u-ana", res.Event.UserID)

	resp = f.do(t, http.MethodPost, "/v1/decisions", "", viewReports("u-nobody"))
	require.Equal(t, http.StatusOK, resp.StatusCode, "denials are still 200")
	assert.Equal(t, contracts.OutcomeDenied, decode[decideResult](t, resp).Decision.Outcome)

	assert.Equal(t, 2, f.chain.Size())
}

func TestDecide_RejectsBadBodies(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/decisions", "", map[string]any{"request": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/decisions", "", map[string]any{"bogus": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))

	assert.Equal(t, 0, f.chain.Size(), "rejected bodies are never decided")
}

func TestProvisioningActivatesAccess(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/decisions", "", viewReports("u-bob"))
	require.Equal(t, contracts.OutcomeDenied, decode[decideResult](t, resp).Decision.Outcome)

	threshold := 0.9
	resp = f.do(t, http.MethodPost, "/v1/provisioning", f.token(t, "u-lead", ""), contracts.ProvisioningRequest{
		ID:                 "prov-bob",
		Principal:          contracts.Principal{UserID: "u-bob", Role: contracts.RoleAnalyst, Clearance: contracts.ClearanceBasic},
		RequestedClearance: contracts.ClearanceBasic,
		PanelID:            "reports",
		Config:             contracts.PanelAccessConfig{Enabled: true, AccessLevel: contracts.AccessView},
		RiskThreshold:      &threshold,
		RequestedBy:        "someone-else",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	chain := decode[contracts.ApprovalChain](t, resp)
	assert.Equal(t, "u-lead", chain.Request.RequestedBy, "requester comes from the token")
	assert.Equal(t, []contracts.ApproverRole{contracts.ApproverManager}, chain.Required)
	assert.Equal(t, "/v1/approvals/"+chain.ID, resp.Header.Get("Location"))

	path := "/v1/approvals/" + chain.ID
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, path+"/approve", f.token(t, "u-bob", contracts.ApproverManager), nil).StatusCode, "self approval")
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, path+"/approve", f.token(t, "u-x", ""), nil).StatusCode, "no approver role")
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, path+"/approve", f.token(t, "u-hr", contracts.ApproverHR), nil).StatusCode, "role not required")
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, path+"/approve", "", nil).StatusCode)

	resp = f.do(t, http.MethodPost, path+"/approve", f.token(t, "u-mgr", contracts.ApproverManager), map[string]string{"comment": "ok"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	chain = decode[contracts.ApprovalChain](t, resp)
	assert.Equal(t, contracts.ChainActivated, chain.Status)
	assert.Equal(t, "ok", chain.Approvals[contracts.ApproverManager].Comment)

	assert.Equal(t, "console-1+prov-bob", f.policies.Current().Version)
	resp = f.do(t, http.MethodPost, "/v1/decisions", "", viewReports("u-bob"))
	assert.Equal(t, contracts.OutcomeGranted, decode[decideResult](t, resp).Decision.Outcome)

	resp = f.do(t, http.MethodPost, path+"/reject", f.token(t, "u-mgr2", contracts.ApproverManager), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "activated chains are terminal")

	resp = f.do(t, http.MethodGet, path, f.token(t, "u-auditor", ""), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, contracts.ChainActivated, decode[contracts.ApprovalChain](t, resp).Status)
}

func TestProvisioningRejectsUnapplicableConfig(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/provisioning", f.token(t, "u-lead", ""), contracts.ProvisioningRequest{
		ID:                 "prov-eve",
		Principal:          contracts.Principal{UserID: "u-eve", Role: contracts.RoleAnalyst, Clearance: contracts.ClearanceBasic},
		RequestedClearance: contracts.ClearanceBasic,
		PanelID:            "reports",
		Config: contracts.PanelAccessConfig{
			Enabled:          true,
			AccessLevel:      contracts.AccessView,
			FieldPermissions: contracts.FieldPermissions{Allowed: []string{"iban"}, Denied: []string{"iban"}},
		},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
	assert.Equal(t, "console-1", f.policies.Current().Version)
}

func TestApprovals_WithdrawAndErrors(t *testing.T) {
	f := newFixture(t)
	requester := f.token(t, "u-lead", "")

	resp := f.do(t, http.MethodPost, "/v1/provisioning", requester, contracts.ProvisioningRequest{
		Principal:          contracts.Principal{UserID: "u-bob", Role: contracts.RoleAnalyst, Clearance: contracts.ClearanceBasic},
		RequestedClearance: contracts.ClearanceSecret,
		PanelID:            "reports",
		Config:             contracts.PanelAccessConfig{Enabled: true, AccessLevel: contracts.AccessView},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	path := "/v1/approvals/" + decode[contracts.ApprovalChain](t, resp).ID

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, path+"/withdraw", f.token(t, "u-other", ""), nil).StatusCode)
	resp = f.do(t, http.MethodPost, path+"/withdraw", requester, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, contracts.ChainWithdrawn, decode[contracts.ApprovalChain](t, resp).Status)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/approvals/missing", requester, nil).StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/provisioning", requester, contracts.ProvisioningRequest{PanelID: "reports"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsAndExport(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/decisions", "", viewReports("u-ana"))
	f.do(t, http.MethodPost, "/v1/decisions", "", viewReports("u-eve"))

	resp := f.do(t, http.MethodGet, "/v1/events?user_id=u-ana", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events struct {
		Events []contracts.SecurityEvent `json:"events"`
		Count  int                       `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	assert.Equal(t, 1, events.Count)
	assert.Equal(t, "u-ana", events.Events[0].UserID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/events?limit=0", "", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/events?since=yesterday", "", nil).StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/exports", "", map[string]any{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var exported struct {
		Hash     string         `json:"hash"`
		Manifest audit.Manifest `json:"manifest"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&exported))
	assert.True(t, strings.HasPrefix(exported.Hash, "sha256:"))
	assert.Equal(t, 2, exported.Manifest.EventCount)
	assert.Equal(t, f.chain.Head(), exported.Manifest.ChainHead)

	again := f.do(t, http.MethodPost, "/v1/exports", "", map[string]any{})
	require.Equal(t, http.StatusCreated, again.StatusCode)
	assert.Equal(t, exported.Hash, again.Header.Get("X-Evidence-Hash"), "identical packs share a hash")

	resp = f.do(t, http.MethodGet, "/v1/exports/"+exported.Hash, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/exports/nope", "", nil).StatusCode)
	missing := "sha256:" + strings.Repeat("0", 64)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/exports/"+missing, "", nil).StatusCode)
}

func TestHealthPolicyAndSLO(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "console-1", decode[map[string]string](t, resp)["policy_version"])

	resp = f.do(t, http.MethodGet, "/v1/policy", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, f.policies.Current().Hash, decode[map[string]any](t, resp)["hash"])

	f.do(t, http.MethodPost, "/v1/decisions", "", viewReports("u-ana"))
	resp = f.do(t, http.MethodGet, "/v1/slo", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[observability.SLOStatus](t, resp)
	assert.Equal(t, 1, status.ObservationCount)

	resp = f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `permengine_decisions_total{outcome="granted",reason="ALLOW"} 1`)
	assert.Contains(t, string(body), "permengine_http_requests_total")

	resp = f.do(t, http.MethodGet, "/v1/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
}

func TestHealth_NoPolicy(t *testing.T) {
	s := console.New(console.Config{Policies: policystore.NewStore(policystore.WithLogger(quiet)), Logger: quiet})
	defer s.Close()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "no event store configured")
}

func TestRateLimit(t *testing.T) {
	b, err := policystore.ParseBundle([]byte(bundle))
	require.NoError(t, err)
	policies := policystore.NewStore(policystore.WithLogger(quiet))
	_, err = policies.Publish(b)
	require.NoError(t, err)

	s := console.New(console.Config{Policies: policies, RateLimit: 0.01, Burst: 1, Logger: quiet})
	defer s.Close()
	h := s.Handler()

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/policy", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "health is not rate limited")
}

func TestRiskHistory(t *testing.T) {
	events, err := store.OpenSQLiteEventStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })
	ctx := context.Background()
	for i, score := range []float64{0.1, 0.5, 0.85} {
		require.NoError(t, events.Write(ctx, &contracts.SecurityEvent{
			ID:        "ev-" + string(rune('a'+i)),
			Timestamp: now.Add(time.Duration(i) * time.Minute),
			UserID:    "u-ana",
			Result:    contracts.OutcomeGranted,
			RiskScore: score,
			Severity:  contracts.SeverityLow,
		}))
	}

	s := console.New(console.Config{Policies: policystore.NewStore(policystore.WithLogger(quiet)), Events: events, Logger: quiet})
	defer s.Close()
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/users/u-ana/risk-history?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		UserID string    `json:"user_id"`
		Scores []float64 `json:"scores"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "u-ana", got.UserID)
	assert.Equal(t, []float64{0.85, 0.5}, got.Scores)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/users/u-ana/risk-history?limit=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRiskHistory_RequiresIndexedStore(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/v1/users/u-ana/risk-history", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "the chain store keeps no risk index")
}
