package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// forcedExitCode is the status of a process stopped before its drain ended.
const forcedExitCode = 130

// shutdownContext returns a context cancelled by the first SIGINT or SIGTERM.
// Cancellation stops a run from starting another package or verification
// record; the one in flight still completes its submission and store write.
// A second signal, or drain elapsing after the first, exits immediately. A
// zero drain waits for the second signal. Call stop once the run is over.
func shutdownContext(parent context.Context, logger *slog.Logger, drain time.Duration) (ctx context.Context, stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ctx, done := watchSignals(parent, logger, drain, sigCh, os.Exit)

	return ctx, func() {
		done()
		signal.Stop(sigCh)
	}
}

func watchSignals(
	parent context.Context, logger *slog.Logger, drain time.Duration, sigCh <-chan os.Signal, exit func(int),
) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	finished := make(chan struct{})

	var once sync.Once

	done := func() {
		once.Do(func() { close(finished) })
		cancel()
	}

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, finishing the work in flight",
				slog.String("signal", sig.String()),
				slog.Duration("drain", drain),
			)
			cancel()
		case <-ctx.Done():
			return
		}

		var expired <-chan time.Time

		if drain > 0 {
			t := time.NewTimer(drain)
			defer t.Stop()

			expired = t.C
		}

		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing exit", slog.String("signal", sig.String()))
			exit(forcedExitCode)
		case <-expired:
			logger.Error("run did not drain in time, forcing exit", slog.Duration("drain", drain))
			exit(forcedExitCode)
		case <-finished:
		case <-parent.Done():
		}
	}()

	return ctx, done
}
