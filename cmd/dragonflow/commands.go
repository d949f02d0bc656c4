package main

import (
	"github.com/spf13/cobra"
)

type runOptions struct {
	manifestPath string
	configPath   string
	metricsAddr  string
	trace        bool
	jsonOutput   bool
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dragonflow",
		Short: "Run dependency-ordered task graphs on supervised workers",
		Long: `dragonflow schedules the tasks of a manifest in dependency order,
dispatching each to a worker process under a concurrency ceiling with
retries, timeouts, circuit breaking and resource limits.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var opts runOptions
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute every task in a manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runManifest(cmd, opts)
		},
	}
	runCmd.Flags().StringVarP(&opts.manifestPath, "manifest", "m", "", "path to the task manifest")
	runCmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML configuration file")
	runCmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	runCmd.Flags().BoolVar(&opts.trace, "trace", false, "write OpenTelemetry spans to stderr")
	runCmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "print the run report as JSON")
	_ = runCmd.MarkFlagRequired("manifest")

	var validatePath string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a manifest and print its execution plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateManifest(cmd, validatePath)
		},
	}
	validateCmd.Flags().StringVarP(&validatePath, "manifest", "m", "", "path to the task manifest")
	_ = validateCmd.MarkFlagRequired("manifest")

	var graphPath string
	graphCmd := &cobra.Command{
		Use:   "graph",
		Short: "Print a manifest's dependency graph in DOT format",
		RunE: func(cmd *cobra.Command, args []string) error {
			return graphManifest(cmd, graphPath)
		},
	}
	graphCmd.Flags().StringVarP(&graphPath, "manifest", "m", "", "path to the task manifest")
	_ = graphCmd.MarkFlagRequired("manifest")

	rootCmd.AddCommand(runCmd, validateCmd, graphCmd)
	return rootCmd
}
