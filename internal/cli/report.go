package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/kubilitics/kubilitics-anomaly/internal/db"
	"github.com/kubilitics/kubilitics-anomaly/internal/report"
)

func newReportCmd(a *app) *cobra.Command {
	var name, output string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the active anomalies grouped by cluster and host",
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
			reports := make([]report.Report, 0, len(runners))
			for _, r := range runners {
				rows, err := r.Ledger().Query(cmd.Context(), db.AnomalyQuery{})
				if err != nil {
					return err
				}
				reports = append(reports, report.Build(r.Name(), rows))
			}

			var w io.Writer = a.stdout
			if output != "" {
				f, ferr := os.Create(output)
				if ferr != nil {
					return fmt.Errorf("create report: %w", ferr)
				}
				defer func() { err = multierr.Append(err, f.Close()) }()
				w = f
			}
			return report.Write(w, reports...)
		},
	}
	cmd.Flags().StringVar(&name, "source", "", "only report this data source")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the report to this file instead of stdout")
	return cmd
}
