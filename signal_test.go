package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func TestShutdownContext_FirstSignalCancels(t *testing.T) {
	// Not parallel: sends a real SIGINT to the process. Running in parallel
	// with other signal tests risks interference between signal handlers.

	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := shutdownContext(parent, logger)

	if err := syscall.Kill(os.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("failed to send SIGINT: %v", err)
	}

	select {
	case <-ctx.Done():
		// Expected: context canceled on first signal.
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled within 2 seconds of SIGINT")
	}

	cancel()
}

func TestShutdownContext_ParentCancelStopsGoroutine(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithCancel(context.Background())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := shutdownContext(parent, logger)

	cancel()

	select {
	case <-ctx.Done():
		// Expected: context canceled when parent is canceled.
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled within 2 seconds of parent cancel")
	}
}

func TestWatchSighup_InvokesCallbackOnSignal(t *testing.T) {
	// Not parallel: sends a real SIGHUP to the process.

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32

	watchSighup(ctx, func() { calls.Add(1) })

	if err := syscall.Kill(os.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("failed to send SIGHUP: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls.Load() > 0 {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("onHup not invoked within 2 seconds of SIGHUP")
}

func TestWatchSighup_StopsOnContextCancel(t *testing.T) {
	// Not parallel: sends a real SIGHUP to the process.

	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	watchSighup(ctx, func() { calls.Add(1) })

	cancel()
	time.Sleep(20 * time.Millisecond) // let the goroutine observe ctx.Done and exit

	if err := syscall.Kill(os.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("failed to send SIGHUP: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if calls.Load() != 0 {
		t.Fatal("onHup invoked after watchSighup's context was canceled")
	}
}
