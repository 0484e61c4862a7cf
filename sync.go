package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/icloud-sync/internal/config"
	"github.com/tonimelisma/icloud-sync/internal/ledger"
	"github.com/tonimelisma/icloud-sync/internal/lockfile"
	"github.com/tonimelisma/icloud-sync/internal/remote/icloudclient"
	"github.com/tonimelisma/icloud-sync/internal/syncengine"
)

const httpClientTimeout = 60 * time.Second

func newSyncCmd() *cobra.Command {
	var flagDryRun bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run the bidirectional synchronization daemon",
		Long: `Continuously synchronize the local directory with iCloud Drive.

Performs an initial bootstrap scan and reconcile, then watches the local
directory for changes while periodically checking and fully refreshing the
remote side. Runs until interrupted. Send SIGHUP to an already-running
instance to request an immediate out-of-band refresh.

Use --dry-run to perform the initial scan and print the bootstrap plan
without making any changes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, flagDryRun)
		},
	}

	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "compute and print the bootstrap plan without executing it")

	return cmd
}

func runSync(cmd *cobra.Command, dryRun bool) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	lock, err := lockfile.Acquire(config.DefaultLockFile())
	if err != nil {
		return err
	}
	defer lock.Release()

	ignorePatterns, err := syncengine.LoadPatternFile(cc.Cfg.IgnoreRegexesPath)
	if err != nil {
		return err
	}

	includePatterns, err := syncengine.LoadPatternFile(cc.Cfg.IncludeRegexesPath)
	if err != nil {
		return err
	}

	filter, err := syncengine.NewFilter(ignorePatterns, includePatterns, logger)
	if err != nil {
		return err
	}

	session, err := newBasicSessionSource(cc.Cfg)
	if err != nil {
		return err
	}

	client := icloudclient.NewClient(
		icloudclient.DefaultBaseURL,
		&http.Client{Timeout: httpClientTimeout},
		session,
		logger,
		"icloud-sync/"+version,
	)

	store, err := ledger.Open(cmd.Context(), config.DefaultLedgerPath(), logger)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer store.Close()

	engine := syncengine.NewSyncEngine(syncengine.EngineConfig{
		SyncRoot:       cc.Cfg.Directory,
		Client:         client,
		Filter:         filter,
		MaxWorkers:     cc.Cfg.MaxWorkers,
		DebouncePeriod: cc.Cfg.DebouncePeriod,
		SnapshotDir:    config.DefaultSnapshotDir(),
		Ledger:         store,
		Logger:         logger,
	})
	defer engine.Close()

	cc.Statusf("Performing initial scan of %s ...\n", cc.Cfg.Directory)

	bootstrapCtx := shutdownContext(cmd.Context(), logger)

	if dryRun {
		return runSyncDryRun(bootstrapCtx, cc, engine)
	}

	if err := engine.Bootstrap(bootstrapCtx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	cc.Statusf("Bootstrap complete, watching %s\n", cc.Cfg.Directory)

	fsw, err := syncengine.NewFsnotifyWatcher()
	if err != nil {
		return fmt.Errorf("starting filesystem watcher: %w", err)
	}

	stopWatcher := make(chan struct{})
	defer close(stopWatcher)

	if err := engine.StartWatcher(fsw, stopWatcher); err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}

	scheduler := syncengine.NewScheduler(syncengine.SchedulerConfig{
		CheckPeriod:    cc.Cfg.CheckPeriod,
		RefreshPeriod:  cc.Cfg.RefreshPeriod,
		DebouncePeriod: cc.Cfg.DebouncePeriod,
	}, engine, logger)

	watchSighup(bootstrapCtx, func() {
		logger.Info("sync: SIGHUP received, requesting immediate refresh")
		scheduler.RequestImmediateRefresh()
	})

	scheduler.Run(bootstrapCtx)

	cc.Statusf("Shutting down.\n")

	return nil
}

// runSyncDryRun performs the same scans Bootstrap would but only prints the
// resulting plan, per SPEC_FULL.md's supplemented --dry-run feature.
func runSyncDryRun(ctx context.Context, cc *CLIContext, engine *syncengine.SyncEngine) error {
	plan, err := engine.BootstrapPlan(ctx)
	if err != nil {
		return fmt.Errorf("computing dry-run plan: %w", err)
	}

	if plan.IsEmpty() {
		cc.Statusf("Already in sync — no actions would be taken.\n")
		return nil
	}

	printPlanText(plan)

	return nil
}

func printPlanText(plan *syncengine.Plan) {
	headers := []string{"ACTION", "SIDE", "PATH", "DESTINATION"}
	rows := make([][]string, 0, len(plan.Actions))

	for _, a := range plan.Actions {
		rows = append(rows, []string{a.Type.String(), a.Side.String(), a.Path, a.To})
	}

	printTable(os.Stdout, headers, rows)
	fmt.Fprintf(os.Stdout, "\n%d action(s) would be taken.\n", plan.TotalActions())
}
