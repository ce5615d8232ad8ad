package log

import (
	"testing"
	"time"
)

func TestAppendAndReadAll(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	events := []LogEvent{
		{Event: EventWorkEnqueued, WorkItemID: "item-1", ResourceKeys: []string{"pkg/auth"}},
		{Event: EventClaimGranted, AgentID: "agent-01", ClaimID: "claim-1", WorkItemID: "item-1"},
		{Event: EventClaimDenied, AgentID: "agent-02", Holder: "agent-01", Reason: "overlap"},
	}
	for _, e := range events {
		if err := logger.Append(e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, err := logger.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Event != EventWorkEnqueued || got[1].AgentID != "agent-01" || got[2].Holder != "agent-01" {
		t.Errorf("unexpected events: %+v", got)
	}
	if got[0].Time.IsZero() {
		t.Error("expected Append to stamp the event time")
	}
}

func TestAppend_PreservesExplicitTime(t *testing.T) {
	logger, err := NewLogger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := logger.Append(LogEvent{Event: EventRunStarted, Time: stamp}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := logger.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !got[0].Time.Equal(stamp) {
		t.Errorf("expected explicit time preserved, got %v", got[0].Time)
	}
}

func TestAlert_WritesBothFiles(t *testing.T) {
	logger, err := NewLogger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	if err := logger.Append(LogEvent{Event: EventClaimGranted}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := logger.Alert(LogEvent{Event: EventEscalation, AgentID: "agent-01", Reason: "restart bound"}); err != nil {
		t.Fatalf("Alert failed: %v", err)
	}

	all, err := logger.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected alert in main log too, got %d events", len(all))
	}

	alerts, err := logger.ReadAlerts()
	if err != nil {
		t.Fatalf("ReadAlerts failed: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Event != EventEscalation {
		t.Errorf("expected 1 escalation alert, got %+v", alerts)
	}
}

func TestReadAll_MissingFile(t *testing.T) {
	logger, err := NewLogger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	got, err := logger.ReadAll()
	if err != nil {
		t.Fatalf("expected no error for missing log, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty events, got %v", got)
	}
}
