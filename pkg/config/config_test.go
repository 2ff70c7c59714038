package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/harunnryd/asrkit/pkg/audio"
	"github.com/harunnryd/asrkit/pkg/errorsx"
)

func TestLoadConfigDefaults(t *testing.T) {
	root := t.TempDir()
	t.Setenv("KALDI_ROOT", root)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Toolchain.KaldiRoot != root {
		t.Fatalf("expected kaldi root from env, got %q", cfg.Toolchain.KaldiRoot)
	}
	if cfg.Toolchain.BindingDir != filepath.Join(root, "src") {
		t.Fatalf("unexpected binding dir %q", cfg.Toolchain.BindingDir)
	}
	if cfg.Toolchain.DecoderPath() != filepath.Join(root, "src", "bin", "latgen-faster-mapped") {
		t.Fatalf("unexpected decoder path %q", cfg.Toolchain.DecoderPath())
	}
	if cfg.Toolchain.AliToPhonesPath() != filepath.Join(root, "src", "bin", "ali-to-phones") {
		t.Fatalf("unexpected alignment converter path %q", cfg.Toolchain.AliToPhonesPath())
	}
	if cfg.Data.RecipeDir != filepath.Join(root, "egs", "aspire", "s5") || cfg.Data.Split != "train" || cfg.Data.FrameMargin != 10 {
		t.Fatalf("unexpected prepare defaults %+v", cfg.Data)
	}
	if cfg.Checkpoint.Dir != cfg.Log.Dir {
		t.Fatalf("expected checkpoint dir to default to log dir")
	}
	if cfg.Features.SampleRate != 8000 || cfg.Data.MinFrames != 100 {
		t.Fatalf("unexpected defaults %+v %+v", cfg.Features, cfg.Data)
	}
}

func TestLoadConfigMissingToolchain(t *testing.T) {
	t.Setenv("KALDI_ROOT", "")
	_, err := LoadConfig("")
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if errorsx.ExitCode(err) != errorsx.ExitConfiguration {
		t.Fatalf("expected configuration exit code, got %d", errorsx.ExitCode(err))
	}

	t.Setenv("KALDI_ROOT", filepath.Join(t.TempDir(), "missing"))
	if _, err := LoadConfig(""); !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError for missing dir, got %v", err)
	}
}

func TestLoadConfigFileAndModelSettings(t *testing.T) {
	root := t.TempDir()
	t.Setenv("ASRKIT_TEST_ROOT", root)
	path := filepath.Join(t.TempDir(), "asrkit.yaml")
	body := `
toolchain:
  kaldi_root: ${ASRKIT_TEST_ROOT}
checkpoint:
  keep_last: 3
models:
  densenet:
    batch_size: 16
    growth_rate: 12
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Toolchain.KaldiRoot != root {
		t.Fatalf("expected env expansion, got %q", cfg.Toolchain.KaldiRoot)
	}
	if cfg.Checkpoint.KeepLast != 3 {
		t.Fatalf("expected keep_last 3, got %d", cfg.Checkpoint.KeepLast)
	}
	ms := cfg.ModelSettings("DenseNet")
	if ms == nil || ms["growth_rate"] != 12 {
		t.Fatalf("unexpected model settings %#v", ms)
	}
}

func TestValidateFFTSize(t *testing.T) {
	t.Setenv("KALDI_ROOT", t.TempDir())
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("features:\n  fft_size: 100\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(path); !errorsx.HasReason(err, errorsx.ReasonConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestValidateWindowRoundsLikeExtractor(t *testing.T) {
	t.Setenv("KALDI_ROOT", t.TempDir())
	cases := []struct {
		yaml string
		ok   bool
	}{
		// 0.03207 s at 8 kHz is 256.56 samples, which rounds to 257.
		{"features:\n  window_size: 0.03207\n  fft_size: 256\n", false},
		{"features:\n  window_size: 0.0319\n  fft_size: 256\n", true},
		{"features:\n  window_shift: 0.00001\n", false},
	}
	for _, tc := range cases {
		path := filepath.Join(t.TempDir(), "features.yaml")
		if err := os.WriteFile(path, []byte(tc.yaml), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		cfg, err := LoadConfig(path)
		if !tc.ok {
			if !errorsx.HasReason(err, errorsx.ReasonConfiguration) {
				t.Fatalf("%q: expected configuration error, got %v", tc.yaml, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.yaml, err)
		}
		fc := audio.DefaultFeatureConfig()
		fc.WindowSize, fc.FFTSize = cfg.Features.WindowSize, cfg.Features.FFTSize
		if _, err := audio.NewExtractor(fc); err != nil {
			t.Fatalf("%q: config accepted but extractor rejected: %v", tc.yaml, err)
		}
	}
}
