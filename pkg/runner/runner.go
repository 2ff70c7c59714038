// Package runner drives one CLI invocation: it prints the start banner, turns
// SIGINT/SIGTERM into context cancellation and gives the job a bounded time
// to wind down before flushing observers.
package runner

import (
	"bytes"
	"context"
	"io"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Job is the work of one invocation. It must return soon after ctx is done.
type Job func(ctx context.Context) error

type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer flushes what the job left behind, such as buffered metric events.
type Drainer interface {
	Drain() error
}

type DrainerFunc func() error

func (f DrainerFunc) Drain() error { return f() }

// Version is stamped at link time.
var Version = "dev"

func PrintBanner(w io.Writer, color bool) {
	tpl := "{{ .Title \"asrkit\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(w, true, color, bytes.NewBufferString(tpl))
}
