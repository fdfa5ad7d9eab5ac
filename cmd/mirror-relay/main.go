package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mirror-relay/relay"
)

var (
	// Global flags
	configPath string
	dbPath     string
	debug      bool

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mirror-relay",
	Short: "Mirrored-channel message relay and deduplication ledger",
	Long: `mirror-relay copies messages from source channels into registered
destination channels, keeps a ledger of every copy so edits and deletions
propagate, and tracks per-route delivery health.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if debug {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var (
	runRole string

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the relay service until interrupted",
		Long: `Runs the configured role. The relay role drives the engine plus the
ledger prune loop; the janitor role runs only maintenance.

Deliveries go through the built-in logging sender; a real deployment embeds
the relay package and injects its chat transport instead.`,
		RunE: runService,
	}
)

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Manage mirror routes",
}

var (
	addServer int64
	addLegacy bool

	routeAddCmd = &cobra.Command{
		Use:   "add <src> <dest>",
		Short: "Register a route from a source channel to a destination channel",
		Args:  cobra.ExactArgs(2),
		RunE:  routeAdd,
	}
)

var (
	removeHistory bool

	routeRemoveCmd = &cobra.Command{
		Use:   "remove <src> <dest>",
		Short: "Remove a route",
		Long: `Removes a route. Refuses while mirrored messages are still on the
ledger for the pair; pass --with-history to delete those too.`,
		Args: cobra.ExactArgs(2),
		RunE: routeRemove,
	}
)

var routeEnableCmd = &cobra.Command{
	Use:   "enable <src> <dest>",
	Short: "Enable a route (also undoes an auto-disable)",
	Args:  cobra.ExactArgs(2),
	RunE:  func(cmd *cobra.Command, args []string) error { return routeSetEnabled(args, true) },
}

var routeDisableCmd = &cobra.Command{
	Use:   "disable <src> <dest>",
	Short: "Disable a route without removing it",
	Args:  cobra.ExactArgs(2),
	RunE:  func(cmd *cobra.Command, args []string) error { return routeSetEnabled(args, false) },
}

var routeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all routes",
	Args:  cobra.NoArgs,
	RunE:  routeList,
}

var (
	undoSince time.Duration

	undoCmd = &cobra.Command{
		Use:   "undo-auto-disable",
		Short: "Re-enable routes auto-disabled for failures within a window",
		RunE:  undoAutoDisable,
	}
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Prune old mirrored-message rows once and exit",
	RunE:  pruneOnce,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "v", false, "Enable debug logs")

	runCmd.Flags().StringVar(&runRole, "role", "", "Service role: relay or janitor (overrides config)")

	routeAddCmd.Flags().Int64Var(&addServer, "server", 0, "Destination server id (for population-ordered fan-out)")
	routeAddCmd.Flags().BoolVar(&addLegacy, "legacy", false, "Register as a legacy route with failure auto-disable")
	routeRemoveCmd.Flags().BoolVar(&removeHistory, "with-history", false, "Also delete the route's ledger rows")
	undoCmd.Flags().DurationVar(&undoSince, "since", 24*time.Hour, "Undo auto-disables newer than this")

	routeCmd.AddCommand(routeAddCmd, routeRemoveCmd, routeEnableCmd, routeDisableCmd, routeListCmd)
	rootCmd.AddCommand(runCmd, routeCmd, undoCmd, pruneCmd)
}

func loadConfig() (*relay.Config, error) {
	cfg := &relay.Config{}
	if configPath != "" {
		loaded, err := relay.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if dbPath != "" {
		cfg.DB = dbPath
	}
	if debug {
		cfg.Debug = true
	}
	return cfg.WithDefaults(), nil
}

func openService(role string) (*relay.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if role != "" {
		cfg.Role = role
	}
	var sender relay.Sender
	if cfg.Role == relay.RoleRelay {
		sender = relay.NewLogSender(logger)
	}
	return relay.NewService(cfg, sender, nil, logger)
}

func runService(cmd *cobra.Command, args []string) error {
	svc, err := openService(runRole)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}

func routeAdd(cmd *cobra.Command, args []string) error {
	src, dest, err := parsePair(args)
	if err != nil {
		return err
	}
	svc, err := openService(relay.RoleJanitor)
	if err != nil {
		return err
	}
	defer svc.Close()

	if _, err := svc.Registry().Register(src, dest, addServer, addLegacy); err != nil {
		return err
	}
	fmt.Printf("registered %d -> %d\n", src, dest)
	return nil
}

func routeRemove(cmd *cobra.Command, args []string) error {
	src, dest, err := parsePair(args)
	if err != nil {
		return err
	}
	svc, err := openService(relay.RoleJanitor)
	if err != nil {
		return err
	}
	defer svc.Close()

	if removeHistory {
		err = svc.Registry().RemoveWithHistory(src, dest)
	} else {
		err = svc.Registry().Remove(src, dest)
	}
	if err != nil {
		return err
	}
	fmt.Printf("removed %d -> %d\n", src, dest)
	return nil
}

func routeSetEnabled(args []string, enabled bool) error {
	src, dest, err := parsePair(args)
	if err != nil {
		return err
	}
	svc, err := openService(relay.RoleJanitor)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Registry().SetEnabled(src, dest, enabled); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("%s %d -> %d\n", state, src, dest)
	return nil
}

func routeList(cmd *cobra.Command, args []string) error {
	svc, err := openService(relay.RoleJanitor)
	if err != nil {
		return err
	}
	defer svc.Close()

	routes, err := svc.Registry().List()
	if err != nil {
		return err
	}
	if len(routes) == 0 {
		fmt.Println("no routes")
		return nil
	}
	for _, r := range routes {
		state := "enabled"
		if !r.Enabled {
			state = "disabled"
			if r.LegacyDisableForFailureOnDate != nil {
				state = fmt.Sprintf("auto-disabled %s", r.LegacyDisableForFailureOnDate.Format(time.RFC3339))
			}
		}
		kind := "managed"
		if r.Legacy {
			kind = "legacy"
		}
		fmt.Printf("%d -> %d  server=%d  %s  %s  failures=%d\n",
			r.SrcID, r.DestID, r.DestServerID, kind, state, r.LegacyErrorRate)
	}
	return nil
}

func undoAutoDisable(cmd *cobra.Command, args []string) error {
	svc, err := openService(relay.RoleJanitor)
	if err != nil {
		return err
	}
	defer svc.Close()

	pairs, err := svc.Registry().UndoAutoDisable(time.Now().UTC().Add(-undoSince))
	if err != nil {
		return err
	}
	fmt.Printf("re-enabled %d route(s)\n", len(pairs))
	return nil
}

func pruneOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Role = relay.RoleJanitor
	svc, err := relay.NewService(cfg, nil, nil, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	rows, err := svc.Ledger().Prune(cfg.PruneAge.Std())
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d row(s)\n", rows)
	return nil
}

func parsePair(args []string) (int64, int64, error) {
	src, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad source channel id %q", args[0])
	}
	dest, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad destination channel id %q", args[1])
	}
	return src, dest, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
