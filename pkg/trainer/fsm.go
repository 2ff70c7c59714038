package trainer

import (
	"slices"
	"sync"
	"time"
)

// Phase is the trainer's lifecycle state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseResuming
	PhaseRunning
	PhaseCheckpointing
	PhaseSucceeded
	PhaseCancelled
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseResuming:
		return "resuming"
	case PhaseRunning:
		return "running"
	case PhaseCheckpointing:
		return "checkpointing"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseCancelled:
		return "cancelled"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseCancelled || p == PhaseFailed
}

var validTransitions = map[Phase][]Phase{
	PhaseIdle:          {PhaseLoading},
	PhaseLoading:       {PhaseResuming, PhaseRunning, PhaseFailed, PhaseCancelled},
	PhaseResuming:      {PhaseRunning, PhaseFailed, PhaseCancelled},
	PhaseRunning:       {PhaseCheckpointing, PhaseSucceeded, PhaseFailed, PhaseCancelled},
	PhaseCheckpointing: {PhaseRunning, PhaseSucceeded, PhaseFailed, PhaseCancelled},
}

// PhaseChange is delivered to listeners after every transition.
type PhaseChange struct {
	From      Phase
	To        Phase
	Timestamp time.Time
	Reason    string
}

type PhaseListener interface {
	OnPhaseChange(ev PhaseChange)
}

// PhaseListenerFunc adapts a function to PhaseListener.
type PhaseListenerFunc func(ev PhaseChange)

func (f PhaseListenerFunc) OnPhaseChange(ev PhaseChange) { f(ev) }

type InvalidTransitionError struct {
	From Phase
	To   Phase
}

func (e *InvalidTransitionError) Error() string {
	return "invalid trainer transition from " + e.From.String() + " to " + e.To.String()
}

type lifecycle struct {
	mu        sync.RWMutex
	phase     Phase
	listeners []PhaseListener
}

func newLifecycle(listeners []PhaseListener) *lifecycle {
	return &lifecycle{phase: PhaseIdle, listeners: listeners}
}

func (l *lifecycle) Phase() Phase {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.phase
}

// Transition validates and applies a move to phase, then notifies listeners
// outside the lock.
func (l *lifecycle) Transition(to Phase, reason string) error {
	l.mu.Lock()
	from := l.phase
	if !slices.Contains(validTransitions[from], to) {
		l.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	l.phase = to
	listeners := slices.Clone(l.listeners)
	l.mu.Unlock()

	ev := PhaseChange{From: from, To: to, Timestamp: time.Now(), Reason: reason}
	for _, listener := range listeners {
		listener.OnPhaseChange(ev)
	}
	return nil
}

// finish moves to a terminal phase unless one was already reached.
func (l *lifecycle) finish(to Phase, reason string) {
	if l.Phase().Terminal() {
		return
	}
	_ = l.Transition(to, reason)
}
