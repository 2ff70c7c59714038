package configutil

import (
	"errors"
	"strings"
	"testing"
)

type hyper struct {
	BatchSize int     `mapstructure:"batch_size"`
	InitLR    float64 `mapstructure:"init_lr"`
	UseCUDA   bool    `mapstructure:"use_cuda"`
}

func TestDecodeSettingsNormalizesKeys(t *testing.T) {
	var h hyper
	err := DecodeSettings(map[string]any{
		"Batch-Size": "32",
		"initLR":     0.01,
		"use_cuda":   "true",
	}, &h)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.BatchSize != 32 || h.InitLR != 0.01 || !h.UseCUDA {
		t.Fatalf("unexpected decode result %+v", h)
	}
}

func TestValidateSettings(t *testing.T) {
	schema := Schema{Required: []string{"hidden_dim"}, Optional: []string{"dropout"}}
	if err := ValidateSettings(map[string]any{"hidden-dim": 128, "dropout": 0.1}, schema); err != nil {
		t.Fatalf("expected valid settings, got %v", err)
	}
	err := ValidateSettings(map[string]any{"growth": 12}, schema)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "missing: hidden_dim") || !strings.Contains(err.Error(), "unknown: growth") {
		t.Fatalf("unexpected error %v", err)
	}
	var se *SettingsError
	if !errors.As(err, &se) || len(se.Missing) != 1 || len(se.Unknown) != 1 {
		t.Fatalf("expected a SettingsError, got %#v", err)
	}

	if err := ValidateSettings(map[string]any{"hidden_dim": " "}, schema); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected blank required value to count as missing, got %v", err)
	}
	if err := ValidateSettings(map[string]any{"hidden_dim": 1, "x": 1}, Schema{Required: []string{"hidden_dim"}, AllowUnknown: true}); err != nil {
		t.Fatalf("expected unknown keys to be allowed, got %v", err)
	}
}

func TestParseAssignments(t *testing.T) {
	got, err := ParseAssignments([]string{"growth=12", "dropout=0.2", "bn=true", "act=relu"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got["growth"] != int64(12) || got["dropout"] != 0.2 || got["bn"] != true || got["act"] != "relu" {
		t.Fatalf("unexpected values %#v", got)
	}
	if _, err := ParseAssignments([]string{"novalue"}); err == nil {
		t.Fatalf("expected error for missing '='")
	}
}

func TestMergeSettingsLaterWins(t *testing.T) {
	got := MergeSettings(
		map[string]any{"batch_size": 100, "init_lr": 0.001},
		map[string]any{"batch-size": 8},
	)
	if len(got) != 2 {
		t.Fatalf("expected normalized keys to collapse, got %#v", got)
	}
	if got["batch-size"] != 8 {
		t.Fatalf("expected later layer to win, got %#v", got)
	}
}
