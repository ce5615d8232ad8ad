// Package cleanup implements pruning of stale farmhand state files.
package cleanup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// PruneTaskFiles removes task files older than maxAge based on modification
// time. If dryRun is true, no files are deleted; the function only returns
// the names that would be removed. Returns the list of pruned file names.
func PruneTaskFiles(tasksDir string, maxAge time.Duration, dryRun bool) ([]string, error) {
	entries, err := os.ReadDir(tasksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading tasks directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var pruned []string

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".task") {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			if !dryRun {
				path := filepath.Join(tasksDir, entry.Name())
				if rmErr := os.Remove(path); rmErr != nil {
					return pruned, fmt.Errorf("removing %s: %w", entry.Name(), rmErr)
				}
			}
			pruned = append(pruned, entry.Name())
		}
	}

	return pruned, nil
}

// PruneLockFiles removes agent lock files whose embedded timestamp is older
// than maxAge. Lock file names end in "_<unix>.lock"; files that don't match
// the format are skipped. Returns the list of pruned file names.
func PruneLockFiles(locksDir string, maxAge time.Duration, dryRun bool) ([]string, error) {
	entries, err := os.ReadDir(locksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading locks directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var pruned []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		ts, ok := lockTimestamp(entry.Name())
		if !ok {
			continue
		}

		if ts.Before(cutoff) {
			if !dryRun {
				path := filepath.Join(locksDir, entry.Name())
				if rmErr := os.Remove(path); rmErr != nil {
					return pruned, fmt.Errorf("removing %s: %w", entry.Name(), rmErr)
				}
			}
			pruned = append(pruned, entry.Name())
		}
	}

	return pruned, nil
}

// lockTimestamp parses the unix timestamp out of a lock file name of the
// form "<agent>_<unix>.lock".
func lockTimestamp(name string) (time.Time, bool) {
	if !strings.HasSuffix(name, ".lock") {
		return time.Time{}, false
	}
	base := strings.TrimSuffix(name, ".lock")
	idx := strings.LastIndex(base, "_")
	if idx < 0 {
		return time.Time{}, false
	}
	unix, err := strconv.ParseInt(base[idx+1:], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(unix, 0), true
}
