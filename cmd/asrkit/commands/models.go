package commands

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harunnryd/asrkit/pkg/model/bridge"
	"github.com/harunnryd/asrkit/pkg/model/catalog"
)

func newModelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List registered models and their default hyperparameters",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := catalog.DefaultRegistry(bridge.Options{})
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tEPOCHS\tBATCH\tLR\tWORKERS\tSETTINGS\tDESCRIPTION")
			for _, name := range reg.List() {
				d, err := reg.Describe(name)
				if err != nil {
					return err
				}
				keys := d.Settings.Keys()
				sort.Strings(keys)
				settings := strings.Join(keys, ",")
				if settings == "" {
					settings = "-"
				}
				h := d.Defaults
				fmt.Fprintf(tw, "%s\t%d\t%d\t%g\t%d\t%s\t%s\n",
					d.Name, h.NumEpochs, h.BatchSize, h.InitLR, h.NumWorkers, settings, d.Description)
			}
			return tw.Flush()
		},
	}
}
