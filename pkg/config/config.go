package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/asrkit/pkg/audio"
	"github.com/harunnryd/asrkit/pkg/errorsx"
	"github.com/spf13/viper"
)

// Config is loaded once at process start and treated as read-only after
// LoadConfig returns. Components receive it (or the section they need) by
// value or pointer; nothing mutates it afterwards.
type Config struct {
	Toolchain  ToolchainConfig           `mapstructure:"toolchain"`
	Graph      GraphConfig               `mapstructure:"graph"`
	Data       DataConfig                `mapstructure:"data"`
	Features   FeaturesConfig            `mapstructure:"features"`
	Train      map[string]any            `mapstructure:"train"`
	Checkpoint CheckpointConfig          `mapstructure:"checkpoint"`
	Decoder    DecoderConfig             `mapstructure:"decoder"`
	Visualize  VisualizeConfig           `mapstructure:"visualize"`
	Bridge     BridgeConfig              `mapstructure:"bridge"`
	Log        LogConfig                 `mapstructure:"log"`
	Runner     RunnerConfig              `mapstructure:"runner"`
	Models     map[string]map[string]any `mapstructure:"models"`
}

type ToolchainConfig struct {
	KaldiRoot         string   `mapstructure:"kaldi_root"`
	DecoderBinary     string   `mapstructure:"decoder_binary"`
	AliToPhonesBinary string   `mapstructure:"ali_to_phones_binary"`
	BindingDir        string   `mapstructure:"binding_dir"`
	BuildCommand      []string `mapstructure:"build_command"`
}

// DecoderPath returns the absolute path of the lattice decoder binary.
func (t ToolchainConfig) DecoderPath() string { return t.binPath(t.DecoderBinary) }

// AliToPhonesPath returns the absolute path of the alignment converter.
func (t ToolchainConfig) AliToPhonesPath() string { return t.binPath(t.AliToPhonesBinary) }

func (t ToolchainConfig) binPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(t.KaldiRoot, "src", "bin", name)
}

type GraphConfig struct {
	Dir             string `mapstructure:"dir"`
	URL             string `mapstructure:"url"`
	TokensFile      string `mapstructure:"tokens_file"`
	WordsFile       string `mapstructure:"words_file"`
	HCLGFile        string `mapstructure:"hclg_file"`
	TransitionModel string `mapstructure:"transition_model"`
}

func (g GraphConfig) TokensPath() string { return filepath.Join(g.Dir, g.TokensFile) }
func (g GraphConfig) WordsPath() string  { return filepath.Join(g.Dir, g.WordsFile) }
func (g GraphConfig) HCLGPath() string   { return filepath.Join(g.Dir, g.HCLGFile) }
func (g GraphConfig) ModelPath() string  { return filepath.Join(g.Dir, g.TransitionModel) }

type DataConfig struct {
	Root          string `mapstructure:"root"`
	TrainManifest string `mapstructure:"train_manifest"`
	DevManifest   string `mapstructure:"dev_manifest"`
	TrainSize     int    `mapstructure:"train_size"`
	DevSize       int    `mapstructure:"dev_size"`
	MinFrames     int    `mapstructure:"min_frames"`
	// RecipeDir is the Kaldi recipe whose data/ and alignments seed prepare.
	RecipeDir    string `mapstructure:"recipe_dir"`
	Split        string `mapstructure:"split"`
	AlignmentDir string `mapstructure:"alignment_dir"`
	FrameMargin  int    `mapstructure:"frame_margin"`
}

type FeaturesConfig struct {
	SampleRate  int     `mapstructure:"sample_rate"`
	WindowSize  float64 `mapstructure:"window_size"`
	WindowShift float64 `mapstructure:"window_shift"`
	NumMels     int     `mapstructure:"num_mels"`
	FFTSize     int     `mapstructure:"fft_size"`
	PreEmphasis float64 `mapstructure:"pre_emphasis"`
	CMVN        bool    `mapstructure:"cmvn"`
}

type CheckpointConfig struct {
	Dir         string `mapstructure:"dir"`
	EveryEpochs int    `mapstructure:"every_epochs"`
	EverySteps  int    `mapstructure:"every_steps"`
	KeepLast    int    `mapstructure:"keep_last"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

type DecoderConfig struct {
	AcousticScale  float64 `mapstructure:"acoustic_scale"`
	Beam           float64 `mapstructure:"beam"`
	LatticeBeam    float64 `mapstructure:"lattice_beam"`
	MaxActive      int     `mapstructure:"max_active"`
	Retries        int     `mapstructure:"retries"`
	RetryBackoffMS int     `mapstructure:"retry_backoff_ms"`
	TimeoutMS      int     `mapstructure:"timeout_ms"`
}

type VisualizeConfig struct {
	Endpoint         string  `mapstructure:"endpoint"`
	Env              string  `mapstructure:"env"`
	Buffer           int     `mapstructure:"buffer"`
	SampleRate       float64 `mapstructure:"sample_rate"`
	FailureThreshold int     `mapstructure:"failure_threshold"`
	CooldownMS       int     `mapstructure:"cooldown_ms"`
	DialTimeoutMS    int     `mapstructure:"dial_timeout_ms"`
}

func (v VisualizeConfig) Cooldown() time.Duration {
	return time.Duration(v.CooldownMS) * time.Millisecond
}

func (v VisualizeConfig) DialTimeout() time.Duration {
	return time.Duration(v.DialTimeoutMS) * time.Millisecond
}

type BridgeConfig struct {
	Command []string `mapstructure:"command"`
}

type LogConfig struct {
	Dir    string `mapstructure:"dir"`
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RunnerConfig struct {
	DrainTimeoutMS int `mapstructure:"drain_timeout_ms"`
}

func (r RunnerConfig) DrainTimeout() time.Duration {
	return time.Duration(r.DrainTimeoutMS) * time.Millisecond
}

// ConfigurationError reports a fatal startup configuration problem.
type ConfigurationError struct {
	Key string
	Msg string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Key, e.Msg)
}

// Invalid returns a ConfigurationError for key tagged with the configuration reason.
func Invalid(key, format string, args ...any) error {
	return errorsx.Wrap(&ConfigurationError{Key: key, Msg: fmt.Sprintf(format, args...)}, errorsx.ReasonConfiguration)
}

// SetDefaults registers the default for every known key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("toolchain.kaldi_root", "${KALDI_ROOT}")
	v.SetDefault("toolchain.decoder_binary", "latgen-faster-mapped")
	v.SetDefault("toolchain.ali_to_phones_binary", "ali-to-phones")
	v.SetDefault("toolchain.binding_dir", "")
	v.SetDefault("toolchain.build_command", []string{"make", "-j4"})
	v.SetDefault("graph.dir", "./graph")
	v.SetDefault("graph.url", "")
	v.SetDefault("graph.tokens_file", "tokens.txt")
	v.SetDefault("graph.words_file", "words.txt")
	v.SetDefault("graph.hclg_file", "HCLG.fst")
	v.SetDefault("graph.transition_model", "final.mdl")
	v.SetDefault("data.root", "./data/aspire")
	v.SetDefault("data.train_manifest", "train.csv")
	v.SetDefault("data.dev_manifest", "dev.csv")
	v.SetDefault("data.train_size", 0)
	v.SetDefault("data.dev_size", 0)
	v.SetDefault("data.min_frames", 100)
	v.SetDefault("data.recipe_dir", "")
	v.SetDefault("data.split", "train")
	v.SetDefault("data.alignment_dir", "exp/tri5a")
	v.SetDefault("data.frame_margin", 10)
	v.SetDefault("features.sample_rate", 8000)
	v.SetDefault("features.window_size", 0.02)
	v.SetDefault("features.window_shift", 0.01)
	v.SetDefault("features.num_mels", 40)
	v.SetDefault("features.fft_size", 256)
	v.SetDefault("features.pre_emphasis", 0.97)
	v.SetDefault("features.cmvn", true)
	v.SetDefault("checkpoint.dir", "")
	v.SetDefault("checkpoint.every_epochs", 1)
	v.SetDefault("checkpoint.every_steps", 0)
	v.SetDefault("checkpoint.keep_last", 0)
	v.SetDefault("checkpoint.max_age_days", 0)
	v.SetDefault("decoder.acoustic_scale", 0.1)
	v.SetDefault("decoder.beam", 13.0)
	v.SetDefault("decoder.lattice_beam", 8.0)
	v.SetDefault("decoder.max_active", 7000)
	v.SetDefault("decoder.retries", 0)
	v.SetDefault("decoder.retry_backoff_ms", 200)
	v.SetDefault("decoder.timeout_ms", 0)
	v.SetDefault("visualize.endpoint", "ws://localhost:8097/socket")
	v.SetDefault("visualize.env", "main")
	v.SetDefault("visualize.buffer", 256)
	v.SetDefault("visualize.sample_rate", 1.0)
	v.SetDefault("visualize.failure_threshold", 3)
	v.SetDefault("visualize.cooldown_ms", 30000)
	v.SetDefault("visualize.dial_timeout_ms", 2000)
	v.SetDefault("bridge.command", []string{"python", "-m", "asr.worker"})
	v.SetDefault("log.dir", "./logs")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("runner.drain_timeout_ms", 30000)
}

// LoadConfig reads path (optional; defaults only when empty) and returns a
// validated Config. Any failure is a ConfigurationError.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	SetDefaults(v)
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, Invalid("config", "read %s: %v", path, err)
		}
	}
	return FromViper(v)
}

// FromViper unmarshals and validates an already populated viper instance.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, Invalid("config", "unmarshal: %v", err)
	}
	expandEnvStrings(&cfg)
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDerived() {
	if strings.TrimSpace(c.Toolchain.BindingDir) == "" && c.Toolchain.KaldiRoot != "" {
		c.Toolchain.BindingDir = filepath.Join(c.Toolchain.KaldiRoot, "src")
	}
	if strings.TrimSpace(c.Data.RecipeDir) == "" && c.Toolchain.KaldiRoot != "" {
		c.Data.RecipeDir = filepath.Join(c.Toolchain.KaldiRoot, "egs", "aspire", "s5")
	}
	if strings.TrimSpace(c.Checkpoint.Dir) == "" {
		c.Checkpoint.Dir = c.Log.Dir
	}
	if c.Checkpoint.EveryEpochs <= 0 {
		c.Checkpoint.EveryEpochs = 1
	}
}

// Validate checks the settings that make startup fatal when wrong.
func (c *Config) Validate() error {
	root := strings.TrimSpace(c.Toolchain.KaldiRoot)
	if root == "" {
		return Invalid("toolchain.kaldi_root", "is required (set KALDI_ROOT or toolchain.kaldi_root)")
	}
	info, err := os.Stat(root)
	if err != nil {
		return Invalid("toolchain.kaldi_root", "no such path %q", root)
	}
	if !info.IsDir() {
		return Invalid("toolchain.kaldi_root", "%q is not a directory", root)
	}
	if c.Features.SampleRate <= 0 {
		return Invalid("features.sample_rate", "must be positive")
	}
	if c.Features.WindowSize <= 0 || c.Features.WindowShift <= 0 {
		return Invalid("features.window_size", "window size and shift must be positive")
	}
	if c.Features.NumMels <= 0 {
		return Invalid("features.num_mels", "must be positive")
	}
	if c.Features.FFTSize&(c.Features.FFTSize-1) != 0 || c.Features.FFTSize <= 0 {
		return Invalid("features.fft_size", "must be a power of two, got %d", c.Features.FFTSize)
	}
	win := audio.Samples(c.Features.WindowSize, c.Features.SampleRate)
	if hop := audio.Samples(c.Features.WindowShift, c.Features.SampleRate); win <= 1 || hop <= 0 {
		return Invalid("features.window_size", "window %d and shift %d samples are too small", win, hop)
	}
	if win > c.Features.FFTSize {
		return Invalid("features.fft_size", "%d is smaller than the window (%d samples)", c.Features.FFTSize, win)
	}
	if c.Data.FrameMargin < 0 {
		return Invalid("data.frame_margin", "must not be negative")
	}
	if c.Decoder.Retries < 0 {
		return Invalid("decoder.retries", "must not be negative")
	}
	return nil
}

// ModelSettings returns the per-model override section, if any.
func (c *Config) ModelSettings(name string) map[string]any {
	for k, v := range c.Models {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Train = expandSettings(cfg.Train)
	for name, settings := range cfg.Models {
		cfg.Models[name] = expandSettings(settings)
	}
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
