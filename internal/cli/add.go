// add.go implements "farmhand add": enqueue a work item.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/farmhand-dev/farmhand/internal/config"
	"github.com/farmhand-dev/farmhand/internal/log"
	"github.com/farmhand-dev/farmhand/internal/registry"
)

var addCmd = &cobra.Command{
	Use:   "add [payload-file]",
	Short: "Enqueue a work item",
	Long: `Add a work item to the planned-work queue. The payload file is stored
as an opaque blob and handed to the agent command when the item is claimed.
Resource keys (--keys) are the file paths or feature names the work will
touch; two items with overlapping keys never run at the same time.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAdd,
}

var (
	addKeysFlag     []string
	addPriorityFlag int
	addPayloadFlag  string
)

func init() {
	addCmd.Flags().StringSliceVar(&addKeysFlag, "keys", nil, "Resource keys the work will touch (required)")
	addCmd.Flags().IntVar(&addPriorityFlag, "priority", 0, "Scheduling priority (higher runs first)")
	addCmd.Flags().StringVar(&addPayloadFlag, "payload", "", "Inline payload text instead of a file")
	_ = addCmd.MarkFlagRequired("keys")
}

func runAdd(cmd *cobra.Command, args []string) error {
	projectRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	cfg, err := config.ReadConfig(projectRoot)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	var payload []byte
	switch {
	case len(args) == 1:
		payload, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading payload file: %w", err)
		}
	case addPayloadFlag != "":
		payload = []byte(addPayloadFlag)
	default:
		return fmt.Errorf("provide a payload file or --payload")
	}

	store, err := registry.NewStore(filepath.Join(projectRoot, cfg.Registry.Path))
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	defer func() { _ = store.Close() }()

	item := &registry.WorkItem{
		ResourceKeys: addKeysFlag,
		Priority:     addPriorityFlag,
		Payload:      payload,
	}
	if err := store.Enqueue(item); err != nil {
		return fmt.Errorf("enqueueing work item: %w", err)
	}

	if logger, logErr := log.NewLogger(projectRoot); logErr == nil {
		_ = logger.Append(log.LogEvent{
			Event:        log.EventWorkEnqueued,
			WorkItemID:   item.ID,
			ResourceKeys: item.ResourceKeys,
		})
	}

	fmt.Printf("Enqueued %s (keys: %s, priority %d)\n",
		item.ID, strings.Join(item.ResourceKeys, ", "), item.Priority)
	return nil
}
