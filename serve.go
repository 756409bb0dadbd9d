package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/pkgsync/internal/archive"
	"github.com/tonimelisma/pkgsync/internal/config"
)

// Job names used in logs and the runs metric.
const (
	jobArchive = "archive"
	jobVerify  = "verify"
)

const metricsReadHeaderTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled archive and verify jobs as a daemon",
		Long: `Run the archive job over every registered package and the verify job on
their cron schedules, and expose Prometheus metrics over HTTP.

The jobs never overlap. The run lock (schedule.pid_file) keeps a second daemon
and manual archive or verify runs out while the daemon is up. Send SIGHUP
(or run 'pkgsync reload') to re-read the config file; SIGINT or SIGTERM
stops after running jobs finish.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

// daemon owns the scheduled jobs. Each job reads the current config from the
// holder so a reload applies to the next run.
type daemon struct {
	holder  *config.Holder
	flags   CLIFlags
	logger  *slog.Logger
	metrics *archive.Metrics

	// jobMu serializes archive and verify runs.
	jobMu sync.Mutex
}

func runServe(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	release, err := acquireRunLock(cc.Cfg.Schedule.PIDFile, lockRoleDaemon)
	if err != nil {
		return err
	}
	defer release()

	ctx, stop := shutdownContext(cmd.Context(), logger, cc.Cfg.Schedule.ShutdownTimeout)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d := &daemon{
		holder:  config.NewHolder(cc.Cfg),
		flags:   cc.Flags,
		logger:  logger,
		metrics: archive.NewMetrics(reg),
	}

	g, gctx := errgroup.WithContext(ctx)

	if addr := cc.Cfg.Schedule.MetricsAddr; addr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, addr, reg, logger)
		})
	}

	g.Go(func() error {
		return d.schedule(gctx, reloadSignal(), func() (*config.Resolved, error) {
			return config.Resolve(config.ReadEnvOverrides(), cliOverrides(cmd))
		})
	})

	logger.Info("daemon started",
		slog.Int("pid", os.Getpid()),
		slog.String("archive", cc.Cfg.Schedule.Archive),
		slog.String("verify", cc.Cfg.Schedule.Verify),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("daemon stopped")

	return nil
}

// schedule runs the cron scheduler until ctx is done, rebuilding it whenever
// a reload produces a valid config. An invalid config on reload keeps the
// previous one.
func (d *daemon) schedule(ctx context.Context, reload <-chan os.Signal, resolve func() (*config.Resolved, error)) error {
	c, err := d.newCron(ctx, d.holder.Config())
	if err != nil {
		return err
	}

	c.Start()

	for {
		select {
		case <-ctx.Done():
			d.stopCron(c)
			return nil
		case <-reload:
			cfg, err := resolve()
			if err != nil {
				d.logger.Error("config reload failed, keeping previous config", slog.String("error", err.Error()))
				continue
			}

			next, err := d.newCron(ctx, cfg)
			if err != nil {
				d.logger.Error("config reload failed, keeping previous schedule", slog.String("error", err.Error()))
				continue
			}

			d.warnRestartOnly(d.holder.Config(), cfg)
			d.stopCron(c)
			d.holder.Update(cfg)

			c = next
			c.Start()

			d.logger.Info("config reloaded",
				slog.String("archive", cfg.Schedule.Archive),
				slog.String("verify", cfg.Schedule.Verify),
			)
		}
	}
}

// newCron builds a scheduler for cfg without starting it. An empty spec
// disables its job. Overlapping runs of the same job are skipped; archive and
// verify exclude each other via jobMu.
func (d *daemon) newCron(ctx context.Context, cfg *config.Resolved) (*cron.Cron, error) {
	cl := cronLogger{logger: d.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	jobs := []struct {
		name string
		spec string
		fn   func(context.Context, *CLIContext) error
	}{
		{jobArchive, cfg.Schedule.Archive, d.archiveOnce},
		{jobVerify, cfg.Schedule.Verify, d.verifyOnce},
	}

	for _, j := range jobs {
		if j.spec == "" {
			d.logger.Info("job disabled", slog.String("job", j.name))
			continue
		}

		if _, err := c.AddFunc(j.spec, func() { d.runJob(ctx, j.name, j.fn) }); err != nil {
			return nil, fmt.Errorf("schedule.%s: %w", j.name, err)
		}
	}

	return c, nil
}

// stopCron stops scheduling and waits for a running job, bounded by the
// configured shutdown timeout.
func (d *daemon) stopCron(c *cron.Cron) {
	done := c.Stop()
	timeout := d.holder.Config().Schedule.ShutdownTimeout

	select {
	case <-done.Done():
	case <-time.After(timeout):
		d.logger.Warn("running job did not finish before shutdown timeout",
			slog.Duration("timeout", timeout),
		)
	}
}

// warnRestartOnly logs settings that a reload cannot apply.
func (d *daemon) warnRestartOnly(old, cfg *config.Resolved) {
	if old.Schedule.MetricsAddr != cfg.Schedule.MetricsAddr {
		d.logger.Warn("metrics_addr changed; restart the daemon to apply")
	}

	if old.Schedule.PIDFile != cfg.Schedule.PIDFile {
		d.logger.Warn("pid_file changed; restart the daemon to apply")
	}

	if old.Logging != cfg.Logging {
		d.logger.Warn("logging settings changed; restart the daemon to apply")
	}
}

func (d *daemon) runJob(ctx context.Context, name string, fn func(context.Context, *CLIContext) error) {
	if ctx.Err() != nil {
		return
	}

	d.jobMu.Lock()
	defer d.jobMu.Unlock()

	jc := &CLIContext{Flags: d.flags, Cfg: d.holder.Config(), Logger: d.logger.With(slog.String("job", name))}

	start := time.Now()
	jc.Logger.Info("job started")

	err := fn(ctx, jc)
	d.metrics.CountRun(name, err)

	if err != nil {
		jc.Logger.Error("job failed",
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()),
		)

		return
	}

	jc.Logger.Info("job finished", slog.Duration("elapsed", time.Since(start)))
}

// archiveOnce archives every registered package with at least one file
// modified within the configured lookback.
func (d *daemon) archiveOnce(ctx context.Context, jc *CLIContext) error {
	st, err := openStore(ctx, jc)
	if err != nil {
		return err
	}
	defer st.Close()

	ids, err := st.ListPackageIDs(ctx)
	if err != nil {
		return err
	}

	if len(ids) == 0 {
		jc.Logger.Info("no packages registered, nothing to archive")
		return nil
	}

	engine, err := newEngine(ctx, jc, st, d.metrics)
	if err != nil {
		return err
	}

	var since time.Time
	if lb := jc.Cfg.Schedule.ArchiveLookback; lb > 0 {
		since = time.Now().Add(-lb)
	}

	report, err := engine.Run(ctx, ids, archive.RunOptions{Since: since})
	if err != nil {
		return err
	}

	jc.Logger.Info("archive run complete",
		slog.Int("packages", len(report.Outcomes)),
		slog.Int("submitted", report.Count(archive.OutcomeSubmitted)),
		slog.Int("failed", report.Failed()),
	)

	if n := report.Failed(); n > 0 {
		return fmt.Errorf("%w: %d of %d", errPackagesFailed, n, len(report.Outcomes))
	}

	return nil
}

func (d *daemon) verifyOnce(ctx context.Context, jc *CLIContext) error {
	st, err := openStore(ctx, jc)
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := newEngine(ctx, jc, st, d.metrics)
	if err != nil {
		return err
	}

	report, err := engine.Verify(ctx)
	if report != nil {
		jc.Logger.Info("verification pass complete",
			slog.Int("records", len(report.Results)),
			slog.Int("verified", report.Count(archive.VerifyVerified)),
			slog.Int("pending", report.Count(archive.VerifyPending)),
			slog.Bool("aborted", report.Aborted),
		)
	}

	return err
}

// serveMetrics exposes reg on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}

	logger.Info("metrics listening", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsReadHeaderTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}

	return nil
}

// reloadSignal delivers SIGHUP for the lifetime of the process.
func reloadSignal() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	return ch
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}
