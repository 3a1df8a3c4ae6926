package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

type globalOptions struct {
	logLevel string
	workDir  string
	baseDir  string
	trace    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "virtest",
		Short: "Service virtualization for Kubernetes test environments",
		Long: `virtest rewrites application manifests so that selected services are served by a
mountebank mock server, then applies the result to a test namespace.
Recorded proxy traffic can be downloaded afterwards and replayed as imposters.`,
		Version:       fmt.Sprintf("%s (built: %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := log.ParseLevel(opts.logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}
			log.SetLevel(level)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&opts.workDir, "work-dir", ".virtest", "Directory for the combined manifest, mock server config and reports")
	cmd.PersistentFlags().StringVar(&opts.baseDir, "base-dir", "", "Directory relative paths are resolved against (default: working directory)")
	cmd.PersistentFlags().BoolVar(&opts.trace, "trace", false, "Write a performance report of the pipeline stages")

	cmd.AddCommand(
		newInitCmd(),
		newApplyCmd(opts),
		newDeleteCmd(opts),
		newProxyResultCmd(opts),
		newExecuteTestCmd(),
		newRunCmd(),
	)

	return cmd
}
