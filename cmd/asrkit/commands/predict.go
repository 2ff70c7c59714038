package commands

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/harunnryd/asrkit/pkg/config"
	"github.com/harunnryd/asrkit/pkg/decoder"
	"github.com/harunnryd/asrkit/pkg/decoder/kaldi"
	"github.com/harunnryd/asrkit/pkg/logging"
	"github.com/harunnryd/asrkit/pkg/observers"
	"github.com/harunnryd/asrkit/pkg/predictor"
	"github.com/harunnryd/asrkit/pkg/runner"
)

func newPredictCommand(g *globals) *cobra.Command {
	var continueFrom string
	cmd := &cobra.Command{
		Use:   "predict <model> <wav> [<wav>...]",
		Short: "Transcribe WAV files with a trained checkpoint",
		Long: `Transcribe WAV files with a trained checkpoint.

With one file any failure is fatal. With several, a file that fails is
reported and the rest are still transcribed; the exit code reflects the
last failure.`,
		Args: usageArgs(cobra.MinimumNArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPredict(cmd, g, continueFrom, args[0], args[1:])
		},
	}
	cmd.Flags().StringVar(&continueFrom, "continue-from", "", "checkpoint file, directory or name")
	_ = cmd.MarkFlagRequired("continue-from")
	return cmd
}

func runPredict(cmd *cobra.Command, g *globals, continueFrom, modelName string, wavs []string) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if continueFrom == "" {
		return config.Invalid("--continue-from", "is required")
	}
	log, closer, err := g.logger(cfg, cmd.ErrOrStderr(), "predict.log")
	if err != nil {
		return err
	}
	defer closer.Close()

	reg := registry(cfg, log)
	// A wrong checkpoint is reported before anything else is needed.
	if _, _, err := predictor.VerifyCheckpoint(reg, modelName, continueFrom, cfg.Checkpoint.Dir); err != nil {
		return err
	}
	graph, err := decoder.LoadGraph(cfg.Graph)
	if err != nil {
		return err
	}
	dopts := kaldi.OptionsFrom(cfg.Toolchain, cfg.Decoder)
	dopts.Logger = logging.NewComponentLogger(log, "decoder")

	timeline := observers.NewTimelineObserver(filepath.Join(cfg.Log.Dir, "timeline"))
	p := predictor.New(predictor.Config{
		Registry:      reg,
		Decoder:       kaldi.New(graph, dopts),
		NumLabels:     graph.NumLabels(),
		Features:      featureConfig(cfg.Features),
		CheckpointDir: cfg.Checkpoint.Dir,
		Observer:      observers.NewMultiObserver(observers.NewLoggerObserver(log, slog.LevelDebug), timeline),
		Logger:        logging.NewComponentLogger(log, "predictor"),
	})

	out := cmd.OutOrStdout()
	job := func(ctx context.Context) error {
		if len(wavs) == 1 {
			tr, err := p.Predict(ctx, modelName, continueFrom, wavs[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s\n", tr.UttID, tr.Text())
			return nil
		}
		results, err := p.PredictAll(ctx, modelName, continueFrom, wavs)
		var last error
		for _, r := range results {
			if r.Err != nil {
				last = r.Err
				fmt.Fprintf(out, "%s ERROR %v\n", r.AudioPath, r.Err)
				continue
			}
			fmt.Fprintf(out, "%s %s\n", r.Transcription.UttID, r.Transcription.Text())
		}
		if err != nil {
			return err
		}
		if last != nil {
			failed := 0
			for _, r := range results {
				if r.Err != nil {
					failed++
				}
			}
			return fmt.Errorf("%d of %d files failed, last: %w", failed, len(results), last)
		}
		return nil
	}
	r := runner.NewLifecycleRunner(job, runner.DrainerFunc(timeline.Close), runner.Hooks{}, runner.Options{
		DrainTimeout: cfg.Runner.DrainTimeout(),
		Logger:       log,
	})
	return r.Run(cmd.Context())
}
