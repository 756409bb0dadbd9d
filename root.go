package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/pkgsync/internal/archive"
	"github.com/tonimelisma/pkgsync/internal/archiveapi"
	"github.com/tonimelisma/pkgsync/internal/config"
	"github.com/tonimelisma/pkgsync/internal/store"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagStoreDSN   string
	flagArchiveURL string
	flagJSON       bool
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// skipConfigAnnotation marks commands that must run without a loaded
// configuration (config init bootstraps the file that would be loaded).
const skipConfigAnnotation = "skipConfig"

// logFilePermissions keeps log files readable by the owner's group only.
const logFilePermissions = 0o640

// CLIFlags is a snapshot of the persistent flags.
type CLIFlags struct {
	JSON    bool
	Verbose bool
	Debug   bool
	Quiet   bool
}

// CLIContext carries everything a subcommand needs: the resolved config,
// the logger and the flag snapshot. Built once in PersistentPreRunE.
type CLIContext struct {
	Flags  CLIFlags
	Cfg    *config.Resolved
	Logger *slog.Logger

	logFile io.Closer
}

type cliContextKey struct{}

// cliContextFrom returns the CLIContext stored on ctx, or nil.
func cliContextFrom(ctx context.Context) *CLIContext {
	cc, _ := ctx.Value(cliContextKey{}).(*CLIContext)
	return cc
}

// mustCLIContext returns the CLIContext or panics; PersistentPreRunE always
// sets it for commands that load config.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("pkgsync: CLIContext missing from command context")
	}

	return cc
}

// Close releases the log file, if any.
func (cc *CLIContext) Close() error {
	if cc.logFile == nil {
		return nil
	}

	return cc.logFile.Close()
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pkgsync",
		Short: "Archive data packages to a remote archive service",
		Long: `pkgsync reconciles local data packages against a remote archive catalog,
submits only new or changed files, and verifies that submitted data was
durably ingested.`,
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}

			return loadConfig(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if cc := cliContextFrom(cmd.Context()); cc != nil {
				return cc.Close()
			}

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagStoreDSN, "store-dsn", "", "database DSN (overrides config)")
	cmd.PersistentFlags().StringVar(&flagArchiveURL, "archive-url", "", "archive service base URL (overrides config)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable info logging")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "only log errors")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newArchiveCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newReleaseCmd())
	cmd.AddCommand(newPackageCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newReloadCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer
// override chain and stores a CLIContext on the command's context.
func loadConfig(cmd *cobra.Command) error {
	resolved, err := config.Resolve(config.ReadEnvOverrides(), cliOverrides(cmd))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cc := &CLIContext{
		Flags: CLIFlags{JSON: flagJSON, Verbose: flagVerbose, Debug: flagDebug, Quiet: flagQuiet},
		Cfg:   resolved,
	}

	logger, closer, err := buildLogger(resolved.Logging, cc.Flags, os.Stderr)
	if err != nil {
		return err
	}

	cc.Logger = logger
	cc.logFile = closer

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// cliOverrides collects the config overrides given on the command line. Only
// flags the user explicitly set are passed.
func cliOverrides(cmd *cobra.Command) config.CLIOverrides {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	if cmd.Flags().Changed("store-dsn") {
		cli.StoreDSN = &flagStoreDSN
	}

	if cmd.Flags().Changed("archive-url") {
		cli.BaseURL = &flagArchiveURL
	}

	return cli
}

// bootstrapLogger creates a logger for commands that run before config is
// loaded. Default level is Warn; flags raise or lower it.
func bootstrapLogger() *slog.Logger {
	level := slog.LevelWarn

	switch {
	case flagDebug:
		level = slog.LevelDebug
	case flagVerbose:
		level = slog.LevelInfo
	case flagQuiet:
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildLogger creates the logger described by the logging config. The config
// level is the baseline; --verbose, --debug and --quiet override it. With
// format "auto" a terminal gets text and anything else gets JSON. A log file
// replaces stderr; the returned closer releases it.
func buildLogger(lc config.LoggingConfig, flags CLIFlags, stderr *os.File) (*slog.Logger, io.Closer, error) {
	level := parseLevel(lc.LogLevel)

	switch {
	case flags.Debug:
		level = slog.LevelDebug
	case flags.Verbose:
		level = slog.LevelInfo
	case flags.Quiet:
		level = slog.LevelError
	}

	var (
		out    io.Writer = stderr
		closer io.Closer
		isTTY  = stderr != nil && (isatty.IsTerminal(stderr.Fd()) || isatty.IsCygwinTerminal(stderr.Fd()))
	)

	if lc.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(lc.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}

		f, err := os.OpenFile(lc.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermissions)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}

		out, closer, isTTY = f, f, false
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler

	switch {
	case lc.LogFormat == "json", lc.LogFormat != "text" && !isTTY:
		h = slog.NewJSONHandler(out, opts)
	default:
		h = slog.NewTextHandler(out, opts)
	}

	return slog.New(h), closer, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openStore opens the configured database.
func openStore(ctx context.Context, cc *CLIContext) (*store.Store, error) {
	return store.Open(ctx, cc.Cfg.StoreOptions(cc.Logger))
}

// newArchiveClient builds the HTTP archive client with its auth transport.
func newArchiveClient(ctx context.Context, cc *CLIContext) (*archiveapi.Client, error) {
	if err := cc.Cfg.RequireArchive(); err != nil {
		return nil, err
	}

	ac := cc.Cfg.Archive

	hc, err := archiveapi.HTTPClient(ctx, ac.Auth, &http.Client{Timeout: ac.Timeout})
	if err != nil {
		return nil, err
	}

	return archiveapi.NewClient(ac.BaseURL, hc, cc.Logger,
		archiveapi.WithStatusRate(ac.StatusRate, ac.StatusBurst))
}

// newEngine wires an archive engine against the given store. metrics may be
// nil for one-shot commands that do not expose them.
func newEngine(ctx context.Context, cc *CLIContext, st *store.Store, metrics *archive.Metrics) (*archive.Engine, error) {
	client, err := newArchiveClient(ctx, cc)
	if err != nil {
		return nil, err
	}

	return archive.NewEngine(cc.Cfg.Engine, archive.EngineDeps{
		Store:    st,
		Catalog:  client,
		Uploader: client,
		Status:   client,
		Observer: archive.NewLogObserver(cc.Logger),
		Metrics:  metrics,
	})
}

// exitError carries a process exit code for failures that have already been
// reported to the user.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// exitCode maps an error returned by a command to a process exit code.
func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}

	return 1
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitCode(err))
}
