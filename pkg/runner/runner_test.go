package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/harunnryd/asrkit/pkg/errorsx"
)

func TestRunCompletesJob(t *testing.T) {
	var started, stopped, drained atomic.Bool
	r := NewLifecycleRunner(
		func(ctx context.Context) error { return nil },
		DrainerFunc(func() error { drained.Store(true); return nil }),
		Hooks{OnStart: func() { started.Store(true) }, OnStop: func() { stopped.Store(true) }},
		Options{},
	)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !started.Load() || !stopped.Load() || !drained.Load() {
		t.Fatalf("hooks not called: start=%v stop=%v drain=%v", started.Load(), stopped.Load(), drained.Load())
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
	if err := r.Run(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state on second run, got %v", err)
	}
}

func TestRunReturnsJobError(t *testing.T) {
	boom := errors.New("boom")
	r := NewLifecycleRunner(func(ctx context.Context) error { return boom }, nil, Hooks{}, Options{})
	if err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected job error, got %v", err)
	}
}

func TestStopCancelsJob(t *testing.T) {
	running := make(chan struct{})
	r := NewLifecycleRunner(func(ctx context.Context) error {
		close(running)
		<-ctx.Done()
		return ctx.Err()
	}, nil, Hooks{}, Options{})

	errc := make(chan error, 1)
	go func() { errc <- r.Run(context.Background()) }()
	<-running
	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled job, got %v", err)
	}
}

func TestSignalCancelsJob(t *testing.T) {
	running := make(chan struct{})
	r := NewLifecycleRunner(func(ctx context.Context) error {
		close(running)
		<-ctx.Done()
		return ctx.Err()
	}, nil, Hooks{}, Options{Signals: []os.Signal{syscall.SIGUSR1}})

	errc := make(chan error, 1)
	go func() { errc <- r.Run(context.Background()) }()
	<-running
	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancelled job, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("signal did not stop the job")
	}
}

func TestDrainTimeoutAbandonsJob(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ctx, cancel := context.WithCancel(context.Background())
	r := NewLifecycleRunner(func(context.Context) error {
		cancel()
		<-release
		return nil
	}, nil, Hooks{}, Options{DrainTimeout: 20 * time.Millisecond})

	err := r.Run(ctx)
	if !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
	if errorsx.ExitCode(err) != errorsx.ExitCancelled {
		t.Fatalf("expected cancelled exit code, got %d", errorsx.ExitCode(err))
	}
}

func TestStopBeforeRun(t *testing.T) {
	r := NewLifecycleRunner(func(context.Context) error { return nil }, nil, Hooks{}, Options{})
	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := r.Run(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestBannerPrinted(t *testing.T) {
	var buf bytes.Buffer
	r := NewLifecycleRunner(func(context.Context) error { return nil }, nil, Hooks{}, Options{Banner: &buf})
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(buf.String(), "Version: "+Version) {
		t.Fatalf("banner missing version: %q", buf.String())
	}
}
