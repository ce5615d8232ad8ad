// queue.go implements "farmhand queue": inspect pending and dead-lettered
// work items.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/farmhand-dev/farmhand/internal/config"
	"github.com/farmhand-dev/farmhand/internal/registry"
)

var queueDeadFlag bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List queued work items",
	RunE:  runQueue,
}

func init() {
	queueCmd.Flags().BoolVar(&queueDeadFlag, "dead", false, "List the dead-letter list instead of the queue")
}

func runQueue(cmd *cobra.Command, args []string) error {
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

	var items []registry.WorkItem
	if queueDeadFlag {
		items, err = store.DeadItems()
	} else {
		items, err = store.PendingItems()
	}
	if err != nil {
		return fmt.Errorf("listing work items: %w", err)
	}

	if len(items) == 0 {
		if queueDeadFlag {
			fmt.Println("Dead-letter list is empty.")
		} else {
			fmt.Println("Queue is empty.")
		}
		return nil
	}

	fmt.Printf("%-36s %-4s %-8s %-10s %s\n", "ITEM", "PRI", "REQUEUES", "WAIT", "KEYS")
	for _, it := range items {
		wait := "-"
		if !it.NotBefore.IsZero() && it.NotBefore.After(time.Now()) {
			wait = time.Until(it.NotBefore).Round(time.Second).String()
		}
		fmt.Printf("%-36s %-4d %-8d %-10s %s\n",
			it.ID, it.Priority, it.Requeues, wait, strings.Join(it.ResourceKeys, ","))
	}
	return nil
}
