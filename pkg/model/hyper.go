package model

import (
	"fmt"
	"sort"

	"github.com/harunnryd/asrkit/pkg/configutil"
	"github.com/harunnryd/asrkit/pkg/errorsx"
)

// Hyperparameters shared by every variant. Anything variant-specific lands
// in Extra and is validated against the descriptor's settings schema.
type Hyperparameters struct {
	NumEpochs  int            `mapstructure:"num_epochs"`
	BatchSize  int            `mapstructure:"batch_size"`
	InitLR     float64        `mapstructure:"init_lr"`
	NumWorkers int            `mapstructure:"num_workers"`
	Seed       int64          `mapstructure:"seed"`
	UseCUDA    bool           `mapstructure:"use_cuda"`
	InputDim   int            `mapstructure:"input_dim"`
	NumLabels  int            `mapstructure:"num_labels"`
	Extra      map[string]any `mapstructure:",remain"`
}

// ToMap flattens h into a settings map, Extra keys included.
func (h Hyperparameters) ToMap() map[string]any {
	out := map[string]any{
		"num_epochs":  h.NumEpochs,
		"batch_size":  h.BatchSize,
		"init_lr":     h.InitLR,
		"num_workers": h.NumWorkers,
		"seed":        h.Seed,
		"use_cuda":    h.UseCUDA,
		"input_dim":   h.InputDim,
		"num_labels":  h.NumLabels,
	}
	for k, v := range h.Extra {
		out[k] = v
	}
	return out
}

// Validate rejects values no variant can train with.
func (h Hyperparameters) Validate() error {
	switch {
	case h.NumEpochs <= 0:
		return fmt.Errorf("num_epochs must be positive, got %d", h.NumEpochs)
	case h.BatchSize <= 0:
		return fmt.Errorf("batch_size must be positive, got %d", h.BatchSize)
	case h.InitLR <= 0:
		return fmt.Errorf("init_lr must be positive, got %g", h.InitLR)
	case h.NumWorkers < 0:
		return fmt.Errorf("num_workers must not be negative, got %d", h.NumWorkers)
	case h.InputDim <= 0:
		return fmt.Errorf("input_dim must be positive, got %d", h.InputDim)
	case h.NumLabels <= 0:
		return fmt.Errorf("num_labels must be positive, got %d", h.NumLabels)
	}
	return nil
}

// ResolveHyperparameters layers settings maps over the descriptor defaults
// (later layers win) and validates the result.
func ResolveHyperparameters(d Descriptor, layers ...map[string]any) (Hyperparameters, error) {
	all := append([]map[string]any{d.Defaults.ToMap()}, layers...)
	merged := configutil.MergeSettings(all...)

	var h Hyperparameters
	if err := configutil.DecodeSettings(merged, &h); err != nil {
		return Hyperparameters{}, errorsx.Errorf(errorsx.ReasonConfiguration, "%s hyperparameters: %v", d.Name, err)
	}
	if len(h.Extra) > 0 {
		schema := d.Settings
		if err := configutil.ValidateSettings(h.Extra, schema); err != nil {
			return Hyperparameters{}, errorsx.Errorf(errorsx.ReasonConfiguration, "%s settings: %v (accepted: %v)", d.Name, err, sortedKeys(schema))
		}
	}
	if h.NumWorkers == 0 {
		h.NumWorkers = 1
	}
	if err := h.Validate(); err != nil {
		return Hyperparameters{}, errorsx.Errorf(errorsx.ReasonConfiguration, "%s hyperparameters: %v", d.Name, err)
	}
	return h, nil
}

func sortedKeys(s configutil.Schema) []string {
	keys := s.Keys()
	sort.Strings(keys)
	return keys
}
