// reclaim.go implements "farmhand reclaim": force a stale-claim sweep
// against the registry without running the orchestrator.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/farmhand-dev/farmhand/internal/config"
	"github.com/farmhand-dev/farmhand/internal/log"
	"github.com/farmhand-dev/farmhand/internal/registry"
)

var reclaimTTLFlag int

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Reclaim claims whose heartbeat is older than the TTL",
	Long: `Reclaim scans the registry for claims whose last heartbeat is older
than the TTL and releases them, requeueing their work items. The running
orchestrator does this automatically; reclaim is for recovering a registry
after a crashed run.`,
	RunE: runReclaim,
}

func init() {
	reclaimCmd.Flags().IntVar(&reclaimTTLFlag, "ttl", 0, "Heartbeat TTL in seconds (default: config value)")
}

func runReclaim(cmd *cobra.Command, args []string) error {
	projectRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	cfg, err := config.ReadConfig(projectRoot)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	ttl := time.Duration(cfg.Registry.TTLSec) * time.Second
	if reclaimTTLFlag > 0 {
		ttl = time.Duration(reclaimTTLFlag) * time.Second
	}

	store, err := registry.NewStore(filepath.Join(projectRoot, cfg.Registry.Path))
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	defer func() { _ = store.Close() }()

	logger, err := log.NewLogger(projectRoot)
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}

	// Manual reclaims leave dead-lettering to the operator.
	reclaimed, err := store.ReclaimStale(ttl, 0)
	if err != nil {
		return fmt.Errorf("reclaiming stale claims: %w", err)
	}

	mirror, err := registry.NewMirror(filepath.Join(projectRoot, cfg.Registry.Mirror))
	if err != nil {
		return fmt.Errorf("opening coordination mirror: %w", err)
	}
	for _, c := range reclaimed {
		_ = logger.Append(log.LogEvent{
			Event:        log.EventClaimReclaimed,
			AgentID:      c.AgentID,
			ClaimID:      c.ID,
			WorkItemID:   c.WorkItemID,
			ResourceKeys: c.ResourceKeys,
			Reason:       "manual reclaim",
		})
		if err := mirror.RemoveLockFiles(c.AgentID); err != nil {
			fmt.Fprintf(os.Stderr, "warning: removing lock files for %s: %v\n", c.AgentID, err)
		}
	}
	if err := mirror.Export(store); err != nil {
		fmt.Fprintf(os.Stderr, "warning: refreshing mirror documents: %v\n", err)
	}

	if len(reclaimed) == 0 {
		fmt.Printf("No claims older than %s.\n", ttl)
		return nil
	}
	fmt.Printf("Reclaimed %d claim(s):\n", len(reclaimed))
	for _, c := range reclaimed {
		fmt.Printf("  %s (agent %s, item %s)\n", c.ID, c.AgentID, c.WorkItemID)
	}
	return nil
}
