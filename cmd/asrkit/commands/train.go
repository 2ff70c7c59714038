package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/harunnryd/asrkit/pkg/config"
	"github.com/harunnryd/asrkit/pkg/configutil"
	"github.com/harunnryd/asrkit/pkg/labels"
	"github.com/harunnryd/asrkit/pkg/logging"
	"github.com/harunnryd/asrkit/pkg/metrics"
	"github.com/harunnryd/asrkit/pkg/observers"
	"github.com/harunnryd/asrkit/pkg/runner"
	"github.com/harunnryd/asrkit/pkg/trainer"
	"github.com/harunnryd/asrkit/pkg/visualize"
)

type trainFlags struct {
	continueFrom string
	visualize    bool
	numEpochs    int
	batchSize    int
	initLR       float64
	numWorkers   int
	seed         int64
	useCUDA      bool
	logDir       string
	modelPrefix  string
	dataRoot     string
	set          []string
}

func newTrainCommand(g *globals) *cobra.Command {
	f := &trainFlags{}
	cmd := &cobra.Command{
		Use:   "train <model>",
		Short: "Train a registered model",
		Long: `Train a registered model on the configured training manifest.

Hyperparameters are layered: model defaults, the config file's train and
models.<name> sections, then flags and --set key=value (last wins).`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd, g, f, args[0])
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.continueFrom, "continue-from", "", "checkpoint file, directory or name to resume from")
	fl.BoolVar(&f.visualize, "visualize", false, "stream metrics to the visualization server")
	fl.IntVar(&f.numEpochs, "num-epochs", 0, "number of epochs")
	fl.IntVar(&f.batchSize, "batch-size", 0, "utterances per batch")
	fl.Float64Var(&f.initLR, "init-lr", 0, "initial learning rate")
	fl.IntVar(&f.numWorkers, "num-workers", 0, "feature extraction workers")
	fl.Int64Var(&f.seed, "seed", 0, "random seed for shuffling and initialization")
	fl.BoolVar(&f.useCUDA, "use-cuda", false, "ask the framework to train on the GPU")
	fl.StringVar(&f.logDir, "log-dir", "", "directory for logs, timelines and checkpoints")
	fl.StringVar(&f.modelPrefix, "model-prefix", "", "checkpoint file name prefix (default: model name)")
	fl.StringVar(&f.dataRoot, "data-root", "", "directory holding the manifests")
	fl.StringArrayVar(&f.set, "set", nil, "extra hyperparameter as key=value (repeatable)")
	return cmd
}

// flagLayer returns the hyperparameters given explicitly on the command line.
func (f *trainFlags) flagLayer(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	fl := cmd.Flags()
	if fl.Changed("num-epochs") {
		out["num_epochs"] = f.numEpochs
	}
	if fl.Changed("batch-size") {
		out["batch_size"] = f.batchSize
	}
	if fl.Changed("init-lr") {
		out["init_lr"] = f.initLR
	}
	if fl.Changed("num-workers") {
		out["num_workers"] = f.numWorkers
	}
	if fl.Changed("seed") {
		out["seed"] = f.seed
	}
	if fl.Changed("use-cuda") {
		out["use_cuda"] = f.useCUDA
	}
	return out
}

// derivedLayer sizes the network from the feature and graph configuration:
// input_dim from features.num_mels and num_labels from the token list when
// it has been built.
func derivedLayer(cfg config.Config, log *slog.Logger) map[string]any {
	out := map[string]any{"input_dim": cfg.Features.NumMels}
	tokens, err := labels.ReadFile(cfg.Graph.TokensPath())
	switch {
	case err == nil:
		out["num_labels"] = tokens.NumLabels()
	case !errors.Is(err, os.ErrNotExist):
		log.Warn("token list unreadable, num_labels from model defaults", slog.String("error", err.Error()))
	}
	return out
}

func runTrain(cmd *cobra.Command, g *globals, f *trainFlags, modelName string) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if f.logDir != "" {
		if cfg.Checkpoint.Dir == cfg.Log.Dir {
			cfg.Checkpoint.Dir = f.logDir
		}
		cfg.Log.Dir = f.logDir
	}
	if f.dataRoot != "" {
		cfg.Data.Root = f.dataRoot
	}
	sets, err := configutil.ParseAssignments(f.set)
	if err != nil {
		return config.Invalid("--set", "%v", err)
	}

	log, closer, err := g.logger(cfg, cmd.ErrOrStderr(), "train.log")
	if err != nil {
		return err
	}
	defer closer.Close()

	trainSection := maps.Clone(cfg.Train)
	prefix := f.modelPrefix
	if p, ok := trainSection["model_prefix"].(string); ok {
		if prefix == "" {
			prefix = p
		}
		delete(trainSection, "model_prefix")
	}

	timeline := observers.NewTimelineObserver(filepath.Join(cfg.Log.Dir, "timeline"))
	tcfg := trainer.Config{
		Registry: registry(cfg, log),
		Data:     trainer.ManifestData(cfg.Data, featureConfig(cfg.Features)),
		Checkpoint: trainer.CheckpointPolicy{
			Dir:         cfg.Checkpoint.Dir,
			EveryEpochs: cfg.Checkpoint.EveryEpochs,
			EverySteps:  cfg.Checkpoint.EverySteps,
			KeepLast:    cfg.Checkpoint.KeepLast,
			MaxAge:      time.Duration(cfg.Checkpoint.MaxAgeDays) * 24 * time.Hour,
		},
		Observer: observers.NewMultiObserver(observers.NewLoggerObserver(log, slog.LevelDebug), timeline),
		Listeners: []trainer.PhaseListener{trainer.PhaseListenerFunc(func(ev trainer.PhaseChange) {
			log.Debug("phase", slog.String("from", ev.From.String()), slog.String("to", ev.To.String()), slog.String("reason", ev.Reason))
		})},
		Logger: logging.NewComponentLogger(log, "trainer"),
	}
	if f.visualize {
		vopts := visualize.OptionsFrom(cfg.Visualize)
		vopts.Logger = logging.NewComponentLogger(log, "visualize")
		tcfg.Visualizer = metrics.NewSamplingObserver(visualize.New(vopts), cfg.Visualize.SampleRate)
		tcfg.VisualizerBuffer = cfg.Visualize.Buffer
	}
	tr := trainer.New(tcfg)

	opts := trainer.TrainOptions{
		Model: modelName,
		Hyper: []map[string]any{
			derivedLayer(cfg, log),
			trainSection,
			cfg.ModelSettings(modelName),
			f.flagLayer(cmd),
			sets,
		},
		ResumeFrom: f.continueFrom,
		Visualize:  f.visualize,
		Prefix:     prefix,
	}

	var (
		mu  sync.Mutex
		res trainer.Result
	)
	job := func(ctx context.Context) error {
		out, err := tr.Train(ctx, opts)
		mu.Lock()
		res = out
		mu.Unlock()
		return err
	}
	r := runner.NewLifecycleRunner(job, runner.DrainerFunc(timeline.Close), runner.Hooks{
		OnStart: func() { log.Info("training started", slog.String("model", modelName)) },
	}, runner.Options{
		DrainTimeout: cfg.Runner.DrainTimeout(),
		Banner:       cmd.ErrOrStderr(),
		Logger:       log,
	})
	err = r.Run(cmd.Context())

	mu.Lock()
	defer mu.Unlock()
	out := cmd.OutOrStdout()
	if res.RunID != "" {
		fmt.Fprintf(out, "run %s %s: epoch %d step %d best_valid_acc %.4f\n",
			res.RunID, res.Phase, res.Epoch, res.Step, res.BestValidAcc)
	}
	for _, p := range res.Checkpoints {
		fmt.Fprintf(out, "checkpoint %s\n", p)
	}
	return err
}
