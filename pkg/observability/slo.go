package observability

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"
)

// OperationDecide is the SLO operation of access decisions.
const OperationDecide = "decide"

// SLOTarget defines a service level objective for one operation.
type SLOTarget struct {
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"`
	Window      time.Duration `json:"window"`
}

// DecisionSLO is the default objective for decisions: 99.9% without an
// internal failure and p99 within the evaluation timeout.
func DecisionSLO(timeout time.Duration) SLOTarget {
	return SLOTarget{Operation: OperationDecide, LatencyP99: timeout, SuccessRate: 0.999, Window: time.Hour}
}

// SLOObservation is a single data point.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports current compliance.
type SLOStatus struct {
	Operation        string  `json:"operation"`
	CurrentP99Ms     float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`
	ErrorBudgetLeft  float64 `json:"error_budget_left"`
	ObservationCount int     `json:"observation_count"`
}

// SLOTracker keeps the observations of each operation's window.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]SLOTarget
	observations map[string][]SLOObservation
	clock        func() time.Time
}

func NewSLOTracker(targets ...SLOTarget) *SLOTracker {
	t := &SLOTracker{
		targets:      make(map[string]SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
	for _, target := range targets {
		t.targets[target.Operation] = target
	}
	return t
}

// WithClock overrides clock for testing.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// Record adds an observation and drops those that left the window.
// Observations of operations without a target are ignored.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[obs.Operation]
	if !ok {
		return
	}
	now := t.clock()
	if obs.Timestamp.IsZero() {
		obs.Timestamp = now
	}
	cutoff := now.Add(-target.Window)
	kept := slices.DeleteFunc(t.observations[obs.Operation], func(o SLOObservation) bool {
		return !o.Timestamp.After(cutoff)
	})
	t.observations[obs.Operation] = append(kept, obs)
}

// Status computes current SLO status for an operation.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("observability: no SLO target for operation %q", operation)
	}
	cutoff := t.clock().Add(-target.Window)

	var latencies []float64
	success := 0
	for _, obs := range t.observations[operation] {
		if !obs.Timestamp.After(cutoff) {
			continue
		}
		latencies = append(latencies, float64(obs.Latency)/float64(time.Millisecond))
		if obs.Success {
			success++
		}
	}
	if len(latencies) == 0 {
		return &SLOStatus{Operation: operation, InCompliance: true, ErrorBudgetLeft: 100}, nil
	}

	slices.Sort(latencies)
	p99 := latencies[min(int(math.Ceil(0.99*float64(len(latencies))))-1, len(latencies)-1)]
	rate := float64(success) / float64(len(latencies))

	status := &SLOStatus{
		Operation:        operation,
		CurrentP99Ms:     p99,
		CurrentSuccess:   rate,
		InCompliance:     p99 <= float64(target.LatencyP99)/float64(time.Millisecond) && rate >= target.SuccessRate,
		ObservationCount: len(latencies),
	}
	if budget := 1 - target.SuccessRate; budget > 0 {
		status.BurnRate = (1 - rate) / budget
		status.ErrorBudgetLeft = max(0, 100*(1-status.BurnRate))
	}
	return status, nil
}
