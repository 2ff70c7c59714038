package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harunnryd/asrkit/pkg/build"
	"github.com/harunnryd/asrkit/pkg/logging"
	"github.com/harunnryd/asrkit/pkg/runner"
)

func newBuildCommand(g *globals) *cobra.Command {
	var opts build.Options
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Compile the decoder binding and fetch the decoding graph",
		Long: `One-time setup. Checks toolchain.kaldi_root, runs toolchain.build_command
in toolchain.binding_dir unless the decoder binary exists, and downloads
graph.url into graph.dir unless the graph is already there.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			log, closer, err := g.logger(cfg, cmd.ErrOrStderr(), "")
			if err != nil {
				return err
			}
			defer closer.Close()
			opts.Logger = logging.NewComponentLogger(log, "build")

			var rep build.Report
			job := func(ctx context.Context) error {
				var err error
				rep, err = build.Run(ctx, cfg, opts)
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
			fmt.Fprintf(cmd.OutOrStdout(), "binding built: %t, graph fetched: %t (%d files)\n",
				rep.BindingBuilt, rep.GraphFetched, rep.GraphFiles)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.BoolVar(&opts.SkipBinding, "skip-binding", false, "do not compile the decoder binding")
	fl.BoolVar(&opts.SkipGraph, "skip-graph", false, "do not download the decoding graph")
	fl.BoolVar(&opts.Force, "force", false, "rebuild and refetch even when present")
	return cmd
}
