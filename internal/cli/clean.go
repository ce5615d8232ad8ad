// clean.go implements the "farmhand clean" command for manual state cleanup.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/farmhand-dev/farmhand/internal/cleanup"
	"github.com/farmhand-dev/farmhand/internal/config"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove old task files and stale agent lock files",
	Long: `Remove old task files from .farmhand/tasks/ and stale agent lock
files from the coordination mirror.

By default, removes files older than 24 hours. Use --max-age to change the
cutoff and --dry-run to preview what would be removed.`,
	RunE: runClean,
}

var (
	maxAgeFlag time.Duration
	dryRunFlag bool
)

func init() {
	cleanCmd.Flags().DurationVar(&maxAgeFlag, "max-age", 24*time.Hour, "Remove files older than this")
	cleanCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "Preview what would be removed without deleting")
}

func runClean(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(".farmhand"); os.IsNotExist(err) {
		return fmt.Errorf(".farmhand/ not found. Run 'farmhand init' first")
	}

	cfg, err := config.ReadConfig(".")
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	tasks, err := cleanup.PruneTaskFiles(filepath.Join(".farmhand", "tasks"), maxAgeFlag, dryRunFlag)
	if err != nil {
		return fmt.Errorf("pruning task files: %w", err)
	}

	locksDir := filepath.Join(cfg.Registry.Mirror, "agent_locks")
	locks, err := cleanup.PruneLockFiles(locksDir, maxAgeFlag, dryRunFlag)
	if err != nil {
		return fmt.Errorf("pruning lock files: %w", err)
	}

	pruned := append(tasks, locks...)
	if len(pruned) == 0 {
		fmt.Println("Nothing to clean up.")
		return nil
	}

	verb := "Removed"
	if dryRunFlag {
		verb = "Would remove"
	}

	for _, name := range pruned {
		fmt.Printf("  %s %s\n", verb, name)
	}
	fmt.Printf("%s %d file(s).\n", verb, len(pruned))

	return nil
}
