package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/kubilitics/kubilitics-anomaly/internal/pipeline"
	"github.com/kubilitics/kubilitics-anomaly/internal/trendstats"
)

func newStatsCmd(a *app) *cobra.Command {
	var (
		end   int64
		name  string
		reset bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Refresh trend statistics without detecting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			e, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, e.Close()) }()

			runners, err := e.service.Select(name)
			if err != nil {
				return err
			}
			results := make(map[string]trendstats.RefreshResult, len(runners))
			var errs error
			for _, r := range runners {
				res, err := r.RefreshStats(cmd.Context(), end, pipeline.Options{Initialize: reset})
				if err != nil {
					errs = multierr.Append(errs, fmt.Errorf("data source %s: %w", r.Name(), err))
					continue
				}
				results[r.Name()] = res
			}
			if err := writeJSON(a.stdout, results); err != nil {
				return multierr.Append(errs, err)
			}
			return errs
		},
	}
	cmd.Flags().Int64Var(&end, "end", 0, "end of the trend window as a unix epoch (default now)")
	cmd.Flags().StringVar(&name, "source", "", "only refresh this data source")
	cmd.Flags().BoolVar(&reset, "init", false, "rebuild statistics from scratch")
	return cmd
}
