// status.go implements "farmhand status": a snapshot of claims, queue, and
// alerts, or a live dashboard with --watch.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/farmhand-dev/farmhand/internal/config"
	"github.com/farmhand-dev/farmhand/internal/log"
	"github.com/farmhand-dev/farmhand/internal/registry"
	"github.com/farmhand-dev/farmhand/internal/tui"
)

var statusWatchFlag bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active claims, queue depth, and recent alerts",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusWatchFlag, "watch", false, "Live-updating dashboard (requires a TTY)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	projectRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	cfg, err := config.ReadConfig(projectRoot)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	store, err := registry.NewStore(filepath.Join(projectRoot, cfg.Registry.Path))
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	defer func() { _ = store.Close() }()

	if statusWatchFlag {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			return fmt.Errorf("--watch requires a TTY")
		}
		return tui.RunDashboard(store, cfg)
	}

	claims, err := store.ActiveClaims()
	if err != nil {
		return fmt.Errorf("reading claims: %w", err)
	}
	depth, err := store.QueueDepth()
	if err != nil {
		return fmt.Errorf("reading queue depth: %w", err)
	}
	completed, err := store.CompletedEntries()
	if err != nil {
		return fmt.Errorf("reading completed log: %w", err)
	}

	fmt.Printf("Session: %s\n", cfg.Session)
	fmt.Printf("Active claims: %d   Queued: %d   Completed: %d\n\n", len(claims), depth, len(completed))

	if len(claims) > 0 {
		fmt.Printf("%-10s %-14s %-36s %-8s %s\n", "AGENT", "STATUS", "ITEM", "AGE", "KEYS")
		for _, c := range claims {
			fmt.Printf("%-10s %-14s %-36s %-8s %s\n",
				c.AgentID, c.Status, c.WorkItemID,
				time.Since(c.CreatedAt).Round(time.Second),
				strings.Join(c.ResourceKeys, ","))
		}
		fmt.Println()
	}

	logger, err := log.NewLogger(projectRoot)
	if err == nil {
		alerts, alertErr := logger.ReadAlerts()
		if alertErr == nil && len(alerts) > 0 {
			fmt.Printf("Alerts (%d):\n", len(alerts))
			show := alerts
			if len(show) > 5 {
				show = show[len(show)-5:]
			}
			for _, a := range show {
				fmt.Printf("  %s %s agent=%s item=%s: %s\n",
					a.Time.Format(time.RFC3339), a.Event, a.AgentID, a.WorkItemID, a.Reason)
			}
		}
	}

	return nil
}
