package cleanup

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// createTaskFile creates a task file with the given modification time.
func createTaskFile(t *testing.T, tasksDir, name string, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(tasksDir, name)
	if err := os.WriteFile(path, []byte("work item payload"), 0644); err != nil {
		t.Fatalf("creating task file %s: %v", name, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("setting mtime for %s: %v", name, err)
	}
	return name
}

func TestPruneTaskFiles_RemovesOldFiles(t *testing.T) {
	tasksDir := t.TempDir()

	now := time.Now()
	old := createTaskFile(t, tasksDir, "agent-01-abc.task", now.Add(-48*time.Hour))
	recent := createTaskFile(t, tasksDir, "agent-02-def.task", now.Add(-1*time.Hour))

	pruned, err := PruneTaskFiles(tasksDir, 24*time.Hour, false)
	if err != nil {
		t.Fatalf("PruneTaskFiles failed: %v", err)
	}

	if len(pruned) != 1 || pruned[0] != old {
		t.Errorf("expected pruned=[%s], got %v", old, pruned)
	}

	if _, err := os.Stat(filepath.Join(tasksDir, old)); !os.IsNotExist(err) {
		t.Errorf("expected %s to be deleted", old)
	}

	if _, err := os.Stat(filepath.Join(tasksDir, recent)); err != nil {
		t.Errorf("expected %s to still exist: %v", recent, err)
	}
}

func TestPruneTaskFiles_DryRun(t *testing.T) {
	tasksDir := t.TempDir()

	old := createTaskFile(t, tasksDir, "agent-01-abc.task", time.Now().Add(-48*time.Hour))

	pruned, err := PruneTaskFiles(tasksDir, 24*time.Hour, true)
	if err != nil {
		t.Fatalf("PruneTaskFiles dry-run failed: %v", err)
	}

	if len(pruned) != 1 || pruned[0] != old {
		t.Errorf("expected pruned=[%s], got %v", old, pruned)
	}

	// File should still exist in dry-run mode.
	if _, err := os.Stat(filepath.Join(tasksDir, old)); err != nil {
		t.Errorf("expected %s to still exist in dry-run: %v", old, err)
	}
}

func TestPruneTaskFiles_SkipsNonTaskFiles(t *testing.T) {
	tasksDir := t.TempDir()

	path := filepath.Join(tasksDir, "notes.txt")
	if err := os.WriteFile(path, []byte("keep me"), 0644); err != nil {
		t.Fatalf("creating file: %v", err)
	}
	older := time.Now().Add(-72 * time.Hour)
	if err := os.Chtimes(path, older, older); err != nil {
		t.Fatalf("setting mtime: %v", err)
	}

	pruned, err := PruneTaskFiles(tasksDir, 24*time.Hour, false)
	if err != nil {
		t.Fatalf("PruneTaskFiles failed: %v", err)
	}

	if len(pruned) != 0 {
		t.Errorf("expected no pruned files, got %v", pruned)
	}
}

func TestPruneTaskFiles_NonexistentDir(t *testing.T) {
	pruned, err := PruneTaskFiles("/nonexistent/path", 24*time.Hour, false)
	if err != nil {
		t.Fatalf("expected nil error for nonexistent dir, got: %v", err)
	}
	if len(pruned) != 0 {
		t.Errorf("expected empty pruned list, got %v", pruned)
	}
}

func TestPruneLockFiles_RemovesStaleLocks(t *testing.T) {
	locksDir := t.TempDir()

	now := time.Now()
	old := fmt.Sprintf("agent-01_%d.lock", now.Add(-48*time.Hour).Unix())
	recent := fmt.Sprintf("agent-02_%d.lock", now.Add(-1*time.Hour).Unix())
	for _, name := range []string{old, recent} {
		if err := os.WriteFile(filepath.Join(locksDir, name), []byte("{}"), 0644); err != nil {
			t.Fatalf("creating lock file %s: %v", name, err)
		}
	}

	pruned, err := PruneLockFiles(locksDir, 24*time.Hour, false)
	if err != nil {
		t.Fatalf("PruneLockFiles failed: %v", err)
	}

	if len(pruned) != 1 || pruned[0] != old {
		t.Errorf("expected pruned=[%s], got %v", old, pruned)
	}

	if _, err := os.Stat(filepath.Join(locksDir, recent)); err != nil {
		t.Errorf("expected %s to still exist: %v", recent, err)
	}
}

func TestPruneLockFiles_SkipsMalformedNames(t *testing.T) {
	locksDir := t.TempDir()

	for _, name := range []string{"no-timestamp.lock", "agent-01_notanumber.lock", "plainfile"} {
		if err := os.WriteFile(filepath.Join(locksDir, name), []byte("{}"), 0644); err != nil {
			t.Fatalf("creating file %s: %v", name, err)
		}
	}

	pruned, err := PruneLockFiles(locksDir, time.Hour, false)
	if err != nil {
		t.Fatalf("PruneLockFiles failed: %v", err)
	}

	if len(pruned) != 0 {
		t.Errorf("expected no pruned files, got %v", pruned)
	}
}

func TestLockTimestamp(t *testing.T) {
	ts, ok := lockTimestamp("agent-03_1700000000.lock")
	if !ok {
		t.Fatal("expected agent-03_1700000000.lock to parse")
	}
	if ts.Unix() != 1700000000 {
		t.Errorf("expected unix 1700000000, got %d", ts.Unix())
	}

	if _, ok := lockTimestamp("agent-03.lock"); ok {
		t.Error("expected agent-03.lock to be rejected")
	}
}
