// Package cli wires configuration, persistence and the detection pipeline
// into the kubilitics-anomaly command line.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-anomaly/internal/config"
)

// Build information, set with -ldflags at release time.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

type app struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

// NewRootCommand returns the root command writing to the process streams.
func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdout, os.Stderr)
}

// NewRootCommandWithIO returns the root command writing to out and errOut.
func NewRootCommandWithIO(out, errOut io.Writer) *cobra.Command {
	return newRootCommand(out, errOut)
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "kubilitics-anomaly",
		Short:         "Detect and cluster anomalous metrics",
		Long:          "kubilitics-anomaly flags metrics whose level shifted against their long-term trends and groups the ones that moved together into clusters.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetVersionTemplate(fmt.Sprintf("kubilitics-anomaly {{.Version}} (commit %s, built %s)\n", Commit, BuildDate))

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultConfigPath, "path to the configuration file")

	cmd.AddCommand(
		newRunCmd(a),
		newStatsCmd(a),
		newReportCmd(a),
		newServeCmd(a),
		newVersionCmd(a),
	)
	return cmd
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(a.stdout, "kubilitics-anomaly %s (commit %s, built %s)\n", Version, Commit, BuildDate)
			return err
		},
	}
}
