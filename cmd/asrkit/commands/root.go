package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/harunnryd/asrkit/pkg/audio"
	"github.com/harunnryd/asrkit/pkg/config"
	"github.com/harunnryd/asrkit/pkg/errorsx"
	"github.com/harunnryd/asrkit/pkg/logging"
	"github.com/harunnryd/asrkit/pkg/model"
	"github.com/harunnryd/asrkit/pkg/model/bridge"
	"github.com/harunnryd/asrkit/pkg/model/catalog"
)

// globals holds the persistent flags shared by every command.
type globals struct {
	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCommand builds a fresh command tree.
func NewRootCommand() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "asrkit",
		Short: "Train and run speech recognition models on the Kaldi toolchain",
		Long: `asrkit - orchestration for acoustic model training and decoding.

The acoustic models run in-process (demo_model) or in the external
deep-learning framework (convnet, densenet); decoding uses the Kaldi
lattice decoder against a prebuilt HCLG graph.

Examples:
  # One-time setup
  asrkit build

  # Train, then resume from the newest checkpoint
  asrkit train densenet --num-epochs 10 --visualize
  asrkit train densenet --continue-from ./logs

  # Transcribe
  asrkit predict densenet --continue-from densenet_epoch_0010 call.wav`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetGlobalNormalizationFunc(normalizeFlag)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errorsx.Wrap(err, errorsx.ReasonConfiguration)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "config file (yaml)")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&g.logFormat, "log-format", "", "log format: text or json")

	root.AddCommand(
		newTrainCommand(g),
		newPredictCommand(g),
		newBuildCommand(g),
		newPrepareCommand(g),
		newModelsCommand(),
	)
	return root
}

// Execute runs the CLI against the process arguments and returns the exit code.
func Execute() int {
	return Run(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
}

// Run executes args and maps the outcome to an exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return errorsx.ExitCode(err)
}

// normalizeFlag lets --continue_from and --continue-from name the same flag.
func normalizeFlag(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// usageArgs wraps a cobra argument validator so misuse exits as a
// configuration error.
func usageArgs(v cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := v(cmd, args); err != nil {
			return errorsx.Wrap(err, errorsx.ReasonConfiguration)
		}
		return nil
	}
}

func (g *globals) loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfig(g.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	return cfg, nil
}

// logger builds the process logger writing to console. When file is set the
// output is also appended to <log dir>/<file>; the returned closer releases it.
func (g *globals) logger(cfg config.Config, console io.Writer, file string) (*slog.Logger, io.Closer, error) {
	var w io.Writer = console
	var closer io.Closer = io.NopCloser(nil)
	if file != "" {
		tee, c, err := logging.OpenLogFile(cfg.Log.Dir, file, console)
		if err != nil {
			return nil, nil, errorsx.Wrap(err, errorsx.ReasonConfiguration)
		}
		w, closer = tee, c
	}
	log := logging.InitLogger(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format}, w)
	slog.SetDefault(log)
	return log, closer, nil
}

func registry(cfg config.Config, log *slog.Logger) *model.Registry {
	return catalog.DefaultRegistry(bridge.Options{
		Command: cfg.Bridge.Command,
		Logger:  logging.NewComponentLogger(log, "bridge"),
	})
}

func featureConfig(fc config.FeaturesConfig) audio.FeatureConfig {
	out := audio.DefaultFeatureConfig()
	out.SampleRate = fc.SampleRate
	out.WindowSize = fc.WindowSize
	out.WindowShift = fc.WindowShift
	out.NumMels = fc.NumMels
	out.FFTSize = fc.FFTSize
	out.PreEmphasis = fc.PreEmphasis
	out.CMVN = fc.CMVN
	return out
}
