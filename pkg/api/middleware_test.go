package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

func ok(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewGlobalRateLimiter(1, 2)
	defer limiter.Stop()
	handler := limiter.Middleware(http.HandlerFunc(ok))

	ts := httptest.NewServer(handler)
	defer ts.Close()
	client := ts.Client()

	for i := 0; i < 2; i++ {
		resp, err := client.Get(ts.URL)
		if err != nil {
			t.Fatalf("Request %d failed: %v", i, err)
		}
		assert.Equal(t, http.StatusOK, resp.StatusCode, "Within burst limit")
		assert.NoError(t, resp.Body.Close())
	}

	resp, err := client.Get(ts.URL)
	if err != nil {
		t.Fatalf("Request 3 failed: %v", err)
	}
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "Exceeded burst")
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.NoError(t, resp.Body.Close())

	time.Sleep(1100 * time.Millisecond)

	resp, err = client.Get(ts.URL)
	if err != nil {
		t.Fatalf("Request 4 failed: %v", err)
	}
	assert.Equal(t, http.StatusOK, resp.StatusCode, "Refilled token")
	assert.NoError(t, resp.Body.Close())
}

func TestRateLimiter_PerClient(t *testing.T) {
	limiter := NewGlobalRateLimiter(0.1, 1)
	defer limiter.Stop()
	handler := limiter.Middleware(http.HandlerFunc(ok))

	do := func(addr string) int {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, do("10.0.0.1:4000"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:4001"), "same client, other port")
	assert.Equal(t, http.StatusOK, do("10.0.0.2:4000"))
	assert.Equal(t, 10, limiter.retryAfter())
}

func TestRateLimiter_CleanupDropsIdleVisitors(t *testing.T) {
	limiter := &GlobalRateLimiter{
		visitors: map[string]*visitor{},
		limit:    1,
		burst:    1,
		idle:     time.Millisecond,
		stop:     make(chan struct{}),
	}
	limiter.getVisitor("10.0.0.1")
	go limiter.cleanupVisitors(5 * time.Millisecond)
	defer limiter.Stop()

	assert.Eventually(t, func() bool {
		limiter.mu.Lock()
		defer limiter.mu.Unlock()
		return len(limiter.visitors) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(RequestIDHeader))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(RequestIDHeader, "client-supplied")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, "client-supplied", seen)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(RequestIDHeader, strings.Repeat("x", 200))
	handler.ServeHTTP(httptest.NewRecorder(), r)
	assert.Len(t, seen, 36, "oversized ids are replaced")
}

func TestAccessLog_PassesThrough(t *testing.T) {
	handler := AccessLog(slog.New(slog.NewTextHandler(io.Discard, nil)))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestMetrics_LabelsByRoutePattern(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	assert.Error(t, m.Register(reg), "double registration fails")

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/v1/approvals/{id}", ok)

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/approvals/"+id, nil))
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/approvals/{id}", "200")))

	m.ObserveDecision(&contracts.Decision{Outcome: contracts.OutcomeDenied, ReasonCode: contracts.ReasonClearance})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisionsTotal.WithLabelValues("denied", contracts.ReasonClearance)))

	m.ObserveApproval("approve", contracts.ChainActivated)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.approvalTransitions.WithLabelValues("approve", "activated")))

	var nilMetrics *Metrics
	nilMetrics.ObserveDecision(&contracts.Decision{})
}
