package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harunnryd/asrkit/pkg/dataset"
	"github.com/harunnryd/asrkit/pkg/logging"
	"github.com/harunnryd/asrkit/pkg/runner"
)

type prepareFlags struct {
	recipeDir string
	split     string
	dataRoot  string
	workers   int
}

func newPrepareCommand(g *globals) *cobra.Command {
	f := &prepareFlags{}
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Build the training corpus from a Kaldi recipe",
		Long: `Cuts the recipe's recordings into utterances (data/<split>/segments and
wav.scp), writes normalized transcripts from data/<split>/text, converts the
alignments in data.alignment_dir to per-frame phones with ali-to-phones, and
writes the train and dev manifests into data.root. Conversations 1-59 go to
the dev manifest.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			fl := cmd.Flags()
			if fl.Changed("recipe-dir") {
				cfg.Data.RecipeDir = f.recipeDir
			}
			if fl.Changed("split") {
				cfg.Data.Split = f.split
			}
			if fl.Changed("data-root") {
				cfg.Data.Root = f.dataRoot
			}
			log, closer, err := g.logger(cfg, cmd.ErrOrStderr(), "")
			if err != nil {
				return err
			}
			defer closer.Close()

			opts := dataset.PrepareOptionsFrom(cfg)
			opts.Workers = f.workers
			opts.Logger = logging.NewComponentLogger(log, "prepare")

			var rep dataset.PrepareReport
			job := func(ctx context.Context) error {
				var err error
				rep, err = dataset.NewPreparer(opts).Run(ctx)
				return err
			}
			r := runner.NewLifecycleRunner(job, nil, runner.Hooks{}, runner.Options{
				DrainTimeout: cfg.Runner.DrainTimeout(),
				Banner:       cmd.ErrOrStderr(),
				Logger:       log,
			})
			if err := r.Run(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "prepared %d train and %d dev utterances (%d skipped) in %s\n",
				rep.Train, rep.Dev, rep.Skipped, cfg.Data.Root)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.recipeDir, "recipe-dir", "", "Kaldi recipe directory (default <kaldi_root>/egs/aspire/s5)")
	fl.StringVar(&f.split, "split", "", "data/<split> to read (default train)")
	fl.StringVar(&f.dataRoot, "data-root", "", "directory to write utterances and manifests into")
	fl.IntVar(&f.workers, "workers", 4, "recordings and alignment archives processed in parallel")
	return cmd
}
