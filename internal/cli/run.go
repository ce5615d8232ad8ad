// run.go implements "farmhand run": the orchestrator entry point.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/farmhand-dev/farmhand/internal/config"
	"github.com/farmhand-dev/farmhand/internal/coordinator"
	"github.com/farmhand-dev/farmhand/internal/log"
	"github.com/farmhand-dev/farmhand/internal/metrics"
	"github.com/farmhand-dev/farmhand/internal/monitor"
	"github.com/farmhand-dev/farmhand/internal/orchestrator"
	"github.com/farmhand-dev/farmhand/internal/registry"
	"github.com/farmhand-dev/farmhand/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator until the queue is drained",
	Long: `Run the farmhand control loop: reclaim stale claims, claim queued work
for free agent slots, launch and supervise agent sessions, and release
claims as work completes. Stops when the queue is drained or on SIGINT,
terminating all sessions cleanly first.`,
	RunE: runRun,
}

var (
	agentsFlag           int
	sessionFlag          string
	staggerFlag          int
	checkIntervalFlag    int
	idleTimeoutFlag      int
	maxErrorsFlag        int
	autoRestartFlag      bool
	contextThresholdFlag int
	ttlFlag              int
	commandFlag          string
)

func init() {
	runCmd.Flags().IntVar(&agentsFlag, "agents", 0, "Worker slot count (overrides config)")
	runCmd.Flags().StringVar(&sessionFlag, "session", "", "Execution-group identifier (overrides config)")
	runCmd.Flags().IntVar(&staggerFlag, "stagger", -1, "Minimum seconds between session launches")
	runCmd.Flags().IntVar(&checkIntervalFlag, "check-interval", 0, "Seconds between health polls")
	runCmd.Flags().IntVar(&idleTimeoutFlag, "idle-timeout", 0, "Seconds without activity before a session is idle-suspect")
	runCmd.Flags().IntVar(&maxErrorsFlag, "max-errors", 0, "Error threshold and restart bound per claim")
	runCmd.Flags().BoolVar(&autoRestartFlag, "auto-restart", false, "Restart suspect sessions instead of escalating")
	runCmd.Flags().IntVar(&contextThresholdFlag, "context-threshold", 0, "Context-left percent that forces a proactive restart")
	runCmd.Flags().IntVar(&ttlFlag, "ttl", 0, "Claim heartbeat TTL in seconds")
	runCmd.Flags().StringVar(&commandFlag, "command", "", "Agent command to launch per session")
}

func runRun(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(".farmhand"); os.IsNotExist(err) {
		return fmt.Errorf(".farmhand/ not found. Run 'farmhand init' first")
	}

	projectRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	cfg, err := config.ReadConfig(projectRoot)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	applyRunFlags(cmd, cfg)

	if err := config.ValidateSession(cfg.Session); err != nil {
		return err
	}

	logger, err := log.NewLogger(projectRoot)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}

	// Registry init failure is the one fatal startup condition.
	store, err := registry.NewStore(filepath.Join(projectRoot, cfg.Registry.Path))
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	defer func() { _ = store.Close() }()

	mirror, err := registry.NewMirror(filepath.Join(projectRoot, cfg.Registry.Mirror))
	if err != nil {
		return fmt.Errorf("creating coordination directory: %w", err)
	}

	met := metrics.New()

	var served *metrics.Metrics
	if cfg.Metrics.Enabled {
		served = met
	}
	coordServer, err := coordinator.NewServer(store, served)
	if err != nil {
		return fmt.Errorf("starting coordinator server: %w", err)
	}
	go func() {
		if serveErr := coordServer.Start(); serveErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: coordinator server: %v\n", serveErr)
		}
	}()
	defer func() { _ = coordServer.Stop() }()

	fmt.Printf("Coordinator server running on %s\n", coordServer.Addr())

	sup := session.NewSupervisor(cfg, projectRoot, []string{
		"FARMHAND_COORDINATOR_ADDR=" + coordServer.Addr(),
	})
	mon := monitor.New(cfg)

	orch := orchestrator.New(cfg, projectRoot, store, mirror, logger, met, sup, mon)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	depth, _ := store.QueueDepth()
	fmt.Printf("Supervising up to %d agents over %d queued items (session %s)\n",
		cfg.Execution.Agents, depth, cfg.Session)

	if err := orch.Run(ctx); err != nil {
		return err
	}

	fmt.Printf("Run complete: %s\n", orch.Stats().Summary())
	return nil
}

// applyRunFlags overlays explicitly-set CLI flags onto the config.
// Flags win over file values.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("agents") {
		cfg.Execution.Agents = agentsFlag
	}
	if cmd.Flags().Changed("session") {
		cfg.Session = sessionFlag
	}
	if cmd.Flags().Changed("stagger") {
		cfg.Execution.Stagger = staggerFlag
	}
	if cmd.Flags().Changed("check-interval") {
		cfg.Health.CheckInterval = checkIntervalFlag
	}
	if cmd.Flags().Changed("idle-timeout") {
		cfg.Health.IdleTimeout = idleTimeoutFlag
	}
	if cmd.Flags().Changed("max-errors") {
		cfg.Health.MaxErrors = maxErrorsFlag
	}
	if cmd.Flags().Changed("auto-restart") {
		cfg.Health.AutoRestart = autoRestartFlag
	}
	if cmd.Flags().Changed("context-threshold") {
		cfg.Health.ContextThreshold = contextThresholdFlag
	}
	if cmd.Flags().Changed("ttl") {
		cfg.Registry.TTLSec = ttlFlag
	}
	if cmd.Flags().Changed("command") {
		cfg.Agent.Command = commandFlag
	}
}
