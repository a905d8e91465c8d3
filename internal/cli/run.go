package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/kubilitics/kubilitics-anomaly/internal/pipeline"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		end    int64
		name   string
		opts   pipeline.Options
		itemID []int64
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one detection pass over the configured data sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			e, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, e.Close()) }()

			opts.ItemIDs = itemID
			summaries, runErr := e.service.RunAll(cmd.Context(), name, end, opts)
			if len(summaries) > 0 {
				if err := writeJSON(a.stdout, summaries); err != nil {
					return multierr.Append(runErr, err)
				}
			}
			return runErr
		},
	}
	cmd.Flags().Int64Var(&end, "end", 0, "end of the detection window as a unix epoch (default now)")
	cmd.Flags().StringVar(&name, "source", "", "only run this data source")
	cmd.Flags().BoolVar(&opts.Initialize, "init", false, "drop trend statistics and history before running")
	cmd.Flags().BoolVar(&opts.SkipHistoryUpdate, "skip-history-update", false, "detect on stored history without fetching")
	cmd.Flags().Int64SliceVar(&itemID, "items", nil, "only consider these item ids")
	cmd.Flags().IntVar(&opts.MaxItemIDs, "max-items", 0, "cap the number of discovered items")
	return cmd
}
