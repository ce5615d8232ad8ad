package orchestrator

import (
	"sync"
	"testing"
)

func TestRunStats_Counters(t *testing.T) {
	var s RunStats

	s.RecordCompletion()
	s.RecordCompletion()
	s.RecordEscalation()
	s.RecordReclaims(3)
	s.RecordRestart()
	s.RecordDeadLetter()

	completed, escalated, reclaimed, restarts, deadLettered := s.Snapshot()
	if completed != 2 || escalated != 1 || reclaimed != 3 || restarts != 1 || deadLettered != 1 {
		t.Errorf("unexpected snapshot: %d %d %d %d %d",
			completed, escalated, reclaimed, restarts, deadLettered)
	}

	want := "2 completed, 1 escalated, 1 dead-lettered, 1 restarts, 3 reclaimed"
	if got := s.Summary(); got != want {
		t.Errorf("Summary() = %q, want %q", got, want)
	}
}

func TestRunStats_ConcurrentUpdates(t *testing.T) {
	var s RunStats
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RecordCompletion()
			s.RecordRestart()
		}()
	}
	wg.Wait()

	completed, _, _, restarts, _ := s.Snapshot()
	if completed != 50 || restarts != 50 {
		t.Errorf("expected 50/50, got completed=%d restarts=%d", completed, restarts)
	}
}
