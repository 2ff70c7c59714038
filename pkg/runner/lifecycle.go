package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/harunnryd/asrkit/pkg/errorsx"
)

var (
	ErrInvalidState = errors.New("runner: invalid state transition")
	ErrDrainTimeout = errors.New("runner: drain timeout")
)

type Options struct {
	// DrainTimeout bounds both the wait for a cancelled job and the drainer.
	DrainTimeout time.Duration

	// Signals that cancel the job. Defaults to SIGINT and SIGTERM.
	Signals []os.Signal

	// Banner receives the start banner; nil prints nothing.
	Banner      io.Writer
	BannerColor bool
	Logger      *slog.Logger
}

type LifecycleRunner struct {
	mu       sync.Mutex
	state    int32
	job      Job
	cancel   context.CancelFunc
	onceStop sync.Once
	stopped  chan struct{}
	hooks    Hooks
	drainer  Drainer
	stopErr  error
	opts     Options
	log      *slog.Logger
}

func NewLifecycleRunner(job Job, drainer Drainer, hooks Hooks, opts Options) *LifecycleRunner {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	if len(opts.Signals) == 0 {
		opts.Signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &LifecycleRunner{
		state:   int32(StateNew),
		job:     job,
		stopped: make(chan struct{}),
		hooks:   hooks,
		drainer: drainer,
		opts:    opts,
		log:     log,
	}
}

// Run executes the job and returns its error. On a signal or Stop the job's
// context is cancelled; a job that does not return within the drain timeout
// is abandoned with ErrDrainTimeout.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	ctx, stopSignals := signal.NotifyContext(ctx, r.opts.Signals...)
	defer stopSignals()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	if r.State() != StateNew {
		r.mu.Unlock()
		return ErrInvalidState
	}
	r.setState(StateStarting)
	r.cancel = cancel
	r.mu.Unlock()

	if r.opts.Banner != nil {
		PrintBanner(r.opts.Banner, r.opts.BannerColor)
	}
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.setState(StateRunning)

	done := make(chan error, 1)
	go func() { done <- r.job(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		r.setState(StateDraining)
		r.log.Warn("stop requested, waiting for the current step", slog.Duration("timeout", r.opts.DrainTimeout))
		select {
		case err = <-done:
		case <-time.After(r.opts.DrainTimeout):
			err = errorsx.Wrap(fmt.Errorf("%w after %s", ErrDrainTimeout, r.opts.DrainTimeout), errorsx.ReasonCancelled)
		}
	}
	if stopErr := r.stop(); err == nil {
		err = stopErr
	}
	return err
}

// Stop cancels a running job and waits for Run to finish. A runner that
// never ran is stopped directly.
func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	if cancel == nil {
		r.setState(StateStopped)
	}
	r.mu.Unlock()
	if cancel == nil {
		return r.stop()
	}
	cancel()
	<-r.stopped
	return r.stopErr
}

func (r *LifecycleRunner) State() State {
	return State(atomic.LoadInt32(&r.state))
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		if r.State() != StateStopped {
			r.setState(StateDraining)
		}
		if r.drainer != nil {
			done := make(chan struct{})
			go func() {
				if err := r.drainer.Drain(); err != nil {
					r.log.Warn("drain failed", slog.String("error", err.Error()))
				}
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(r.opts.DrainTimeout):
				r.stopErr = ErrDrainTimeout
			}
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
		close(r.stopped)
	})
	return r.stopErr
}

func (r *LifecycleRunner) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
}
