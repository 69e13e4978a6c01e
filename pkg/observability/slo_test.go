package observability

import (
	"testing"
	"time"
)

func TestSLO_NoObservationsIsCompliant(t *testing.T) {
	tracker := NewSLOTracker(DecisionSLO(250 * time.Millisecond))
	status, err := tracker.Status(OperationDecide)
	if err != nil {
		t.Fatal(err)
	}
	if !status.InCompliance || status.ErrorBudgetLeft != 100 {
		t.Fatalf("expected full compliance, got %+v", status)
	}
}

func TestSLO_InCompliance(t *testing.T) {
	tracker := NewSLOTracker(DecisionSLO(250 * time.Millisecond))
	for i := 0; i < 100; i++ {
		tracker.Record(SLOObservation{Operation: OperationDecide, Latency: 3 * time.Millisecond, Success: true})
	}
	status, _ := tracker.Status(OperationDecide)
	if !status.InCompliance {
		t.Fatal("expected in compliance")
	}
	if status.CurrentSuccess != 1.0 || status.CurrentP99Ms != 3 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestSLO_TimeoutsBurnBudget(t *testing.T) {
	tracker := NewSLOTracker(SLOTarget{Operation: OperationDecide, LatencyP99: 250 * time.Millisecond, SuccessRate: 0.99, Window: time.Hour})
	for i := 0; i < 98; i++ {
		tracker.Record(SLOObservation{Operation: OperationDecide, Latency: 5 * time.Millisecond, Success: true})
	}
	for i := 0; i < 2; i++ {
		tracker.Record(SLOObservation{Operation: OperationDecide, Latency: 250 * time.Millisecond, Success: false})
	}

	status, _ := tracker.Status(OperationDecide)
	if status.InCompliance {
		t.Fatal("2% failures must break a 99% objective")
	}
	if status.BurnRate < 1.99 || status.BurnRate > 2.01 {
		t.Fatalf("expected burn rate 2, got %f", status.BurnRate)
	}
	if status.ErrorBudgetLeft != 0 {
		t.Fatalf("expected exhausted budget, got %f", status.ErrorBudgetLeft)
	}
}

func TestSLO_WindowDropsOldObservations(t *testing.T) {
	now := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	tracker := NewSLOTracker(DecisionSLO(250 * time.Millisecond)).WithClock(func() time.Time { return now })

	tracker.Record(SLOObservation{Operation: OperationDecide, Success: false, Timestamp: now.Add(-2 * time.Hour)})
	tracker.Record(SLOObservation{Operation: OperationDecide, Latency: time.Millisecond, Success: true})
	tracker.Record(SLOObservation{Operation: "unknown", Success: false})

	status, _ := tracker.Status(OperationDecide)
	if status.ObservationCount != 1 || !status.InCompliance {
		t.Fatalf("old observation should be outside the window: %+v", status)
	}
	if _, err := tracker.Status("unknown"); err == nil {
		t.Fatal("expected error for operation without target")
	}
}
