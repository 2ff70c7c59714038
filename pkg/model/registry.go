package model

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harunnryd/asrkit/pkg/configutil"
	"github.com/harunnryd/asrkit/pkg/errorsx"
)

// Factory builds a fresh, uninitialized model.
type Factory func() Model

// Descriptor identifies a registered variant. It is immutable once registered.
type Descriptor struct {
	Name        string
	Description string
	Factory     Factory
	Defaults    Hyperparameters
	// Settings lists the variant-specific keys accepted in Hyperparameters.Extra.
	Settings configutil.Schema
}

// UnknownModelError is returned when a name matches no registered variant.
type UnknownModelError struct {
	Name      string
	Available []string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model %q (available: %s)", e.Name, strings.Join(e.Available, ", "))
}

// Registry maps model names to descriptors. Names are case-insensitive.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]Descriptor)}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds d. Empty names, nil factories and duplicates are rejected.
func (r *Registry) Register(d Descriptor) error {
	key := normalizeName(d.Name)
	if key == "" {
		return fmt.Errorf("register model: empty name")
	}
	if d.Factory == nil {
		return fmt.Errorf("register model %q: nil factory", d.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descriptors[key]; ok {
		return fmt.Errorf("register model %q: already registered", d.Name)
	}
	d.Name = key
	r.descriptors[key] = d
	return nil
}

// MustRegister is Register for static tables; it panics on error.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Describe returns the descriptor for name without building a model.
func (r *Registry) Describe(name string) (Descriptor, error) {
	r.mu.RLock()
	d, ok := r.descriptors[normalizeName(name)]
	r.mu.RUnlock()
	if !ok {
		return Descriptor{}, errorsx.Wrap(&UnknownModelError{Name: name, Available: r.List()}, errorsx.ReasonUnknownModel)
	}
	return d, nil
}

// Resolve builds a fresh model for name. Nothing is constructed when the
// name is unknown.
func (r *Registry) Resolve(name string) (Model, Descriptor, error) {
	d, err := r.Describe(name)
	if err != nil {
		return nil, Descriptor{}, err
	}
	return d.Factory(), d, nil
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
