package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/gh-nvat/virtest/src/internal/runner"
	"github.com/gh-nvat/virtest/src/pkg/config"
	"github.com/gh-nvat/virtest/src/pkg/kube"
	"github.com/gh-nvat/virtest/src/pkg/kustomize"
	"github.com/gh-nvat/virtest/src/pkg/manifest"
	"github.com/gh-nvat/virtest/src/pkg/mockserver"
	"github.com/gh-nvat/virtest/src/pkg/observability"
	"github.com/gh-nvat/virtest/src/pkg/policy"
	"github.com/gh-nvat/virtest/src/pkg/proxyresult"
	"github.com/gh-nvat/virtest/src/pkg/reconcile"
	"github.com/gh-nvat/virtest/src/pkg/trace"
	"github.com/gh-nvat/virtest/src/pkg/virtualservice"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const SERVICE_NAME = "virtest"

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration template",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			written, err := config.Scaffold(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration template written to %s\n", written)
			return nil
		},
	}
}

func newApplyCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply [configPath]",
		Short: "Synthesize the virtualized manifests and apply them to the namespace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCluster(cmd.Context(), global, args, func(ctx context.Context, client *kube.Client, options *runner.Options, components runner.Components) (runner.RunnerInterface, error) {
				return runner.NewRunnerApply(ctx, options, components)
			})
		},
	}
}

func newDeleteCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [configPath]",
		Short: "Delete the applied manifests from the namespace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCluster(cmd.Context(), global, args, func(ctx context.Context, client *kube.Client, options *runner.Options, components runner.Components) (runner.RunnerInterface, error) {
				return runner.NewRunnerDelete(ctx, options, components)
			})
		},
	}
}

func newProxyResultCmd(global *globalOptions) *cobra.Command {
	var (
		localPort int
		outputDir string
	)

	cmd := &cobra.Command{
		Use:   "proxy-result [configPath]",
		Short: "Download recorded proxy results from the running mock server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCluster(cmd.Context(), global, args, func(ctx context.Context, client *kube.Client, options *runner.Options, components runner.Components) (runner.RunnerInterface, error) {
				options.LocalPort = localPort
				options.OutputDir = outputDir

				forward := func(ctx context.Context, namespace, pod string, localPort, podPort int) (io.Closer, error) {
					f, err := client.PortForward(ctx, namespace, pod, localPort, podPort)
					if err != nil {
						return nil, err
					}
					return f, nil
				}
				retriever := proxyresult.NewRetriever(client, forward, runner.RetrieverOptions(options))
				return runner.NewRunnerProxyResult(ctx, options, components, retriever)
			})
		},
	}

	cmd.Flags().IntVar(&localPort, "local-port", proxyresult.DEFAULT_LOCAL_PORT, "Local port forwarded to the mock server admin API")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Directory for the result files (default: base dir)")

	return cmd
}

func newExecuteTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute-test <scriptPath>",
		Short: "Run a test script against the virtualized environment (not implemented)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.WithField("script", args[0]).Warn("execute-test is not implemented")
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [configPath]",
		Short: "Apply, test and delete in one go (not implemented)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Warn("run is not implemented")
			return nil
		},
	}
}

type runnerFactory func(ctx context.Context, client *kube.Client, options *runner.Options, components runner.Components) (runner.RunnerInterface, error)

// withCluster wires the production components, builds a runner and processes it
func withCluster(ctx context.Context, global *globalOptions, args []string, newRunner runnerFactory) error {
	if ctx == nil {
		ctx = context.Background()
	}

	options := &runner.Options{
		BaseDir: global.baseDir,
		WorkDir: global.workDir,
	}
	if len(args) == 1 {
		options.ConfigPath = args[0]
	}

	reportDir := global.workDir
	if global.baseDir != "" && !filepath.IsAbs(reportDir) {
		reportDir = filepath.Join(global.baseDir, reportDir)
	}
	tracer, err := trace.New(SERVICE_NAME, global.trace, reportDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := tracer.Shutdown(context.Background()); err != nil {
			log.WithError(err).Warn("Failed to write performance report")
		}
	}()

	client, err := kube.NewClient()
	if err != nil {
		return fmt.Errorf("failed to connect to cluster: %w", err)
	}

	components := runner.Components{
		Store:       manifest.NewStore(kustomize.NewBuilder()),
		Synthesizer: virtualservice.NewSynthesizer(),
		Generator:   mockserver.NewGenerator(global.baseDir),
		Injector:    observability.NewInjector(),
		Evaluator:   policy.NewEvaluator(),
		Reconciler:  reconcile.NewReconciler(client),
		Tracer:      tracer,
	}

	r, err := newRunner(ctx, client, options, components)
	if err != nil {
		return err
	}
	return r.Process()
}
