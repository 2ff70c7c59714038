// Package bridge drives acoustic models whose network, loss and optimizer
// live in the external deep-learning framework. Each model owns one worker
// process and talks to it with msgpack messages over stdin/stdout.
package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/asrkit/pkg/configutil"
	"github.com/harunnryd/asrkit/pkg/errorsx"
	"github.com/harunnryd/asrkit/pkg/model"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrWorkerGone is wrapped into a fatal error when the worker stops answering.
var ErrWorkerGone = errors.New("framework worker exited")

// Options configures how the worker process is started.
type Options struct {
	// Command is the worker executable and its leading arguments.
	Command []string
	// Env is appended to the current environment.
	Env []string
	// CloseTimeout bounds how long Close waits for a clean exit.
	CloseTimeout time.Duration
	Logger       *slog.Logger
}

// Model is a model.Model backed by a framework worker.
type Model struct {
	name string
	opts Options

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	enc   *msgpack.Encoder
	dec   *msgpack.Decoder
	// drained is closed once the worker's stderr reaches EOF.
	drained chan struct{}
	log     *slog.Logger
}

// New returns an unstarted bridge model; Initialize starts the worker.
func New(name string, opts Options) *Model {
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 10 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Model{name: name, opts: opts, log: log.With(slog.String("model", name))}
}

func (m *Model) Name() string { return m.name }

func (m *Model) Initialize(h model.Hyperparameters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd != nil {
		return fmt.Errorf("%s: already initialized", m.name)
	}
	if err := m.start(); err != nil {
		return model.Fatal(errorsx.Wrap(err, errorsx.ReasonModelBackend))
	}
	if _, err := m.call(Request{Op: OpInit, Model: m.name, Hyper: h.ToMap()}); err != nil {
		if serr := m.stop(); serr != nil {
			m.log.Warn("framework worker exit", slog.String("error", serr.Error()))
		}
		return err
	}
	return nil
}

func (m *Model) start() error {
	if len(m.opts.Command) == 0 {
		return fmt.Errorf("%s: bridge.command is empty", m.name)
	}
	args := append(append([]string{}, m.opts.Command[1:]...), "--model", m.name)
	cmd := exec.Command(m.opts.Command[0], args...)
	cmd.Env = append(os.Environ(), m.opts.Env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s worker: %w", m.name, err)
	}
	m.log.Info("framework worker started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("command", strings.Join(cmd.Args, " ")))

	m.cmd = cmd
	m.stdin = stdin
	m.enc = msgpack.NewEncoder(stdin)
	m.dec = msgpack.NewDecoder(bufio.NewReader(stdout))
	m.drained = make(chan struct{})
	go m.pumpStderr(stderr, m.drained)
	return nil
}

func (m *Model) pumpStderr(r io.Reader, done chan<- struct{}) {
	defer close(done)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		m.log.Debug("worker", slog.String("line", sc.Text()))
	}
}

// call must be called with m.mu held. Transport failures are fatal; an
// error reported by the worker is returned as an ordinary error.
func (m *Model) call(req Request) (Response, error) {
	if m.cmd == nil {
		return Response{}, model.ErrNotInitialized
	}
	if err := m.enc.Encode(&req); err != nil {
		return Response{}, model.Fatal(errorsx.Wrap(fmt.Errorf("%w: send %s: %v", ErrWorkerGone, req.Op, err), errorsx.ReasonModelBackend))
	}
	var resp Response
	if err := m.dec.Decode(&resp); err != nil {
		return Response{}, model.Fatal(errorsx.Wrap(fmt.Errorf("%w: receive %s: %v", ErrWorkerGone, req.Op, err), errorsx.ReasonModelBackend))
	}
	if !resp.OK {
		return resp, fmt.Errorf("%s %s: %s", m.name, req.Op, resp.Error)
	}
	return resp, nil
}

func (m *Model) Forward(ctx context.Context, b model.Batch, mode model.Mode) (model.Output, error) {
	if err := ctx.Err(); err != nil {
		return model.Output{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	resp, err := m.call(Request{Op: OpForward, Mode: mode.String(), Batch: b.Samples})
	if err != nil {
		return model.Output{}, err
	}
	if len(resp.Emissions) != len(b.Samples) {
		return model.Output{}, fmt.Errorf("%s forward: %d emission matrices for %d samples", m.name, len(resp.Emissions), len(b.Samples))
	}
	return model.Output{
		Loss:      resp.Loss,
		Emissions: resp.Emissions,
		Correct:   resp.Correct,
		Total:     resp.Total,
	}, nil
}

func (m *Model) SaveState() (model.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp, err := m.call(Request{Op: OpSave})
	if err != nil {
		return model.State{}, err
	}
	if resp.State == nil {
		return model.State{}, fmt.Errorf("%s save: worker returned no state", m.name)
	}
	return *resp.State, nil
}

// LoadState forwards the state to the worker. A worker-side rejection means
// the parameters do not fit this architecture.
func (m *Model) LoadState(s model.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.call(Request{Op: OpLoad, State: &s}); err != nil {
		if model.IsFatal(err) {
			return err
		}
		return fmt.Errorf("%w: %v", model.ErrIncompatibleState, err)
	}
	return nil
}

// Close asks the worker to exit and kills it if it does not within CloseTimeout.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd == nil {
		return nil
	}
	if err := m.stop(); err != nil {
		m.log.Warn("framework worker exit", slog.String("error", err.Error()))
	}
	return nil
}

// stop must be called with m.mu held. Wait is only called once stderr is
// drained and no call is reading stdout.
func (m *Model) stop() error {
	_ = m.enc.Encode(&Request{Op: OpClose})
	_ = m.stdin.Close()
	t := time.NewTimer(m.opts.CloseTimeout)
	defer t.Stop()
	select {
	case <-m.drained:
	case <-t.C:
		m.log.Warn("framework worker did not exit, killing")
		_ = m.cmd.Process.Kill()
		<-m.drained
	}
	err := m.cmd.Wait()
	m.cmd = nil
	return err
}

// Descriptor builds the registry entry for a framework-backed variant.
func Descriptor(name, description string, defaults model.Hyperparameters, settings configutil.Schema, opts Options) model.Descriptor {
	return model.Descriptor{
		Name:        name,
		Description: description,
		Factory:     func() model.Model { return New(name, opts) },
		Defaults:    defaults,
		Settings:    settings,
	}
}
