package main

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exitRecorder stands in for os.Exit.
type exitRecorder chan int

func (r exitRecorder) exit(code int) { r <- code }

func TestShutdownContext_SignalCancels(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctx, stop := shutdownContext(parent, testLogger(t), 0)
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled within 2 seconds of SIGINT")
	}
}

func TestWatchSignals_ParentCancelStopsWatching(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithCancel(context.Background())
	exits := make(exitRecorder, 1)

	ctx, done := watchSignals(parent, testLogger(t), time.Millisecond, make(chan os.Signal), exits.exit)
	defer done()

	cancel()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled within 2 seconds of parent cancel")
	}

	assert.Empty(t, exits)
}

func TestWatchSignals_SecondSignalForcesExit(t *testing.T) {
	t.Parallel()

	sigCh := make(chan os.Signal, 2)
	exits := make(exitRecorder, 1)

	ctx, done := watchSignals(context.Background(), testLogger(t), 0, sigCh, exits.exit)
	defer done()

	sigCh <- syscall.SIGTERM
	<-ctx.Done()

	sigCh <- syscall.SIGTERM

	select {
	case code := <-exits:
		assert.Equal(t, forcedExitCode, code)
	case <-time.After(2 * time.Second):
		t.Fatal("second signal did not force exit")
	}
}

func TestWatchSignals_DrainTimeoutForcesExit(t *testing.T) {
	t.Parallel()

	sigCh := make(chan os.Signal, 1)
	exits := make(exitRecorder, 1)

	_, done := watchSignals(context.Background(), testLogger(t), 20*time.Millisecond, sigCh, exits.exit)
	defer done()

	sigCh <- syscall.SIGINT

	select {
	case code := <-exits:
		assert.Equal(t, forcedExitCode, code)
	case <-time.After(2 * time.Second):
		t.Fatal("drain timeout did not force exit")
	}
}

func TestWatchSignals_FinishedRunIsNotForced(t *testing.T) {
	t.Parallel()

	sigCh := make(chan os.Signal, 1)
	exits := make(exitRecorder, 1)

	ctx, done := watchSignals(context.Background(), testLogger(t), 50*time.Millisecond, sigCh, exits.exit)

	sigCh <- syscall.SIGINT
	<-ctx.Done()

	// The package in flight finishes within the drain period.
	done()

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, exits)
}
