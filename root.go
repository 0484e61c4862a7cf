package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/icloud-sync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Persistent flags, bound in newRootCmd and resolved once per invocation
// in PersistentPreRunE. Names and semantics match spec §6.
var (
	flagConfigPath   string
	flagDirectory    string
	flagUsername     string
	flagPassword     string
	flagCookieDir    string
	flagIgnoreFile   string
	flagIncludeFile  string
	flagCheckSecs    int
	flagRefreshSecs  int
	flagDebounceSecs int
	flagMaxWorkers   int
	flagLoggingCfg   string
	flagJSON         bool
	flagVerbose      bool
	flagDebug        bool
	flagQuiet        bool
)

// skipConfigAnnotation marks commands that do not need the resolved
// configuration. None currently do; kept for parity with a future command
// that only touches the ledger (e.g. a standalone "init").
const skipConfigAnnotation = "skipConfig"

// CLIContext bundles resolved configuration and logger, built once in
// PersistentPreRunE and threaded through the command's context.
type CLIContext struct {
	Cfg    *config.Resolved
	Logger *slog.Logger
	Quiet  bool
	JSON   bool
}

type cliContextKey struct{}

func cliContextFrom(ctx context.Context) *CLIContext {
	cc, _ := ctx.Value(cliContextKey{}).(*CLIContext)
	return cc
}

// mustCLIContext extracts the CLIContext or panics — a programmer error,
// since every registered command goes through PersistentPreRunE first.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not found in context")
	}

	return cc
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "icloud-sync",
		Short:         "Bidirectional iCloud Drive synchronization daemon",
		Long:          "Continuously synchronizes a local directory with iCloud Drive.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}

			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDirectory, "directory", "", "local sync root (required)")
	cmd.PersistentFlags().StringVar(&flagUsername, "username", "", "iCloud account id (required)")
	cmd.PersistentFlags().StringVar(&flagPassword, "password", "", "iCloud account password (else prompted for; no keyring lookup)")
	cmd.PersistentFlags().StringVar(&flagCookieDir, "cookie-directory", "", "persistent auth cookie store (default ~/.pyicloud)")
	cmd.PersistentFlags().StringVar(&flagIgnoreFile, "ignore-regexes", "", "path to ignore-pattern list")
	cmd.PersistentFlags().StringVar(&flagIncludeFile, "include-regexes", "", "path to include-pattern list")
	cmd.PersistentFlags().IntVar(&flagCheckSecs, "icloud-check-period", 0, "cheap remote change-check interval, seconds (>=20)")
	cmd.PersistentFlags().IntVar(&flagRefreshSecs, "icloud-refresh-period", 0, "full remote refresh interval, seconds (>=90)")
	cmd.PersistentFlags().IntVar(&flagDebounceSecs, "debounce-period", 0, "local event debounce window, seconds (>=10)")
	cmd.PersistentFlags().IntVar(&flagMaxWorkers, "max-workers", 0, "elastic worker pool width (>=1, default 32)")
	cmd.PersistentFlags().StringVar(&flagLoggingCfg, "logging-config", "", "path to a logging config file")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConflictsCmd())
	cmd.AddCommand(newResolveCmd())

	return cmd
}

func loadConfig(cmd *cobra.Command) error {
	file, err := config.LoadFile(resolveConfigPath())
	if err != nil {
		return err
	}

	env := config.ReadEnvOverrides()

	cli := config.CLIOverrides{
		ConfigPath:         flagConfigPath,
		Directory:          flagDirectory,
		Username:           flagUsername,
		Password:           flagPassword,
		CookieDirectory:    flagCookieDir,
		IgnoreRegexesPath:  flagIgnoreFile,
		IncludeRegexesPath: flagIncludeFile,
		CheckPeriod:        time.Duration(flagCheckSecs) * time.Second,
		RefreshPeriod:      time.Duration(flagRefreshSecs) * time.Second,
		DebouncePeriod:     time.Duration(flagDebounceSecs) * time.Second,
		MaxWorkers:         flagMaxWorkers,
		LoggingConfigPath:  flagLoggingCfg,
	}

	resolved, err := config.Resolve(file, env, cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	finalLogger := buildLogger(resolved)

	cc := &CLIContext{Cfg: resolved, Logger: finalLogger, Quiet: flagQuiet, JSON: flagJSON}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

func resolveConfigPath() string {
	if flagConfigPath != "" {
		return flagConfigPath
	}

	if env := os.Getenv(config.EnvConfig); env != "" {
		return env
	}

	return config.DefaultConfigFile()
}

// buildLogger layers config-file log level under CLI-flag overrides.
// go-isatty decides whether stderr is a terminal, matching the teacher's
// tty-aware construction for CLI ergonomics.
func buildLogger(cfg *config.Resolved) *slog.Logger {
	level := slog.LevelWarn

	if cfg != nil {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelInfo
	}

	if flagDebug {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	// A real terminal gets source file:line on each record (useful while
	// watching output scroll by); piped/redirected output stays plain so
	// log-file consumers aren't stuck parsing a noisier format.
	opts := &slog.HandlerOptions{Level: level}
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		opts.AddSource = true
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
