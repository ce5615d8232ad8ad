// init.go implements "farmhand init": create .farmhand/ with a default
// config and an empty registry.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/farmhand-dev/farmhand/internal/config"
	"github.com/farmhand-dev/farmhand/internal/registry"
)

var initForceFlag bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize farmhand in the current directory",
	Long: `Create the .farmhand/ state directory with a default config.yaml,
an empty claim registry, and the coordination document directory.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForceFlag, "force", false, "Overwrite an existing config.yaml")
}

func runInit(cmd *cobra.Command, args []string) error {
	projectRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	configPath := filepath.Join(projectRoot, ".farmhand", "config.yaml")
	if _, statErr := os.Stat(configPath); statErr == nil && !initForceFlag {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	cfg := config.DefaultConfig()
	if err := config.WriteConfig(projectRoot, cfg); err != nil {
		return err
	}

	store, err := registry.NewStore(filepath.Join(projectRoot, cfg.Registry.Path))
	if err != nil {
		return fmt.Errorf("initializing registry: %w", err)
	}
	defer func() { _ = store.Close() }()

	if _, err := registry.NewMirror(filepath.Join(projectRoot, cfg.Registry.Mirror)); err != nil {
		return err
	}

	fmt.Println("Initialized .farmhand/")
	fmt.Println("  config.yaml          orchestrator configuration")
	fmt.Println("  registry.db          claim registry and work queue")
	fmt.Println("  coordination/        mirror documents agents read for self-diagnosis")
	return nil
}
