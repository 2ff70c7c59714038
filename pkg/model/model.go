// Package model defines the lifecycle every acoustic model variant exposes to
// the trainer and the predictor, and the registry that maps names to variants.
//
// The heavy lifting (network forward pass, loss, optimizer) belongs to the
// variant. Callers only see Initialize, Forward, SaveState and LoadState, so
// the training loop and the prediction flow stay agnostic to the architecture.
package model

import (
	"context"
	"errors"
	"math"
)

// Mode selects what Forward does with a batch.
type Mode int

const (
	// ModeEval computes emissions (and loss/accuracy when targets are present).
	ModeEval Mode = iota
	// ModeTrain additionally applies one optimizer step.
	ModeTrain
)

func (m Mode) String() string {
	if m == ModeTrain {
		return "train"
	}
	return "eval"
}

// Model is the uniform capability set shared by every registered variant.
// Variants holding processes or devices also implement io.Closer.
type Model interface {
	Name() string
	Initialize(h Hyperparameters) error
	Forward(ctx context.Context, b Batch, mode Mode) (Output, error)
	SaveState() (State, error)
	LoadState(s State) error
}

// Sample is one utterance after feature extraction.
type Sample struct {
	ID       string      `msgpack:"id"`
	Features [][]float32 `msgpack:"features"`
	// Targets holds one label index per frame; nil at inference time.
	Targets []int `msgpack:"targets,omitempty"`
}

// Batch is an ordered group of samples. Index is the position within the epoch.
type Batch struct {
	Index   int
	Samples []Sample
}

// IDs returns the utterance ids in batch order.
func (b Batch) IDs() []string {
	out := make([]string, len(b.Samples))
	for i, s := range b.Samples {
		out[i] = s.ID
	}
	return out
}

// Output is what Forward reports for a batch.
type Output struct {
	Loss float64
	// Emissions holds per-sample log posteriors, frames x labels.
	Emissions [][][]float32
	Correct   int
	Total     int
}

// Accuracy is the fraction of frames whose best label matched the target.
func (o Output) Accuracy() float64 {
	if o.Total == 0 {
		return 0
	}
	return float64(o.Correct) / float64(o.Total)
}

// State is the opaque trainable state of a model: parameters plus optimizer.
type State struct {
	Params    []byte `msgpack:"params"`
	Optimizer []byte `msgpack:"optimizer"`
}

// ErrIncompatibleState is returned by LoadState when the state was produced
// for different dimensions or a different variant.
var ErrIncompatibleState = errors.New("incompatible model state")

// ErrNotInitialized is returned when Forward or SaveState precede Initialize.
var ErrNotInitialized = errors.New("model not initialized")

// FatalError marks a failure that invalidates the whole run (for example the
// external framework process died), as opposed to a single bad batch.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err, or anything it wraps, is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Argmax returns the index of the largest value in row.
func Argmax(row []float32) int {
	best, idx := float32(math.Inf(-1)), 0
	for i, v := range row {
		if v > best {
			best, idx = v, i
		}
	}
	return idx
}
