package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/autotune/tune"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var (
	configPath      string // YAML settings file; built-in defaults when empty
	logLevel        string // Log verbosity level
	engine          string // Target server engine
	pdPolicy        string // Prefill/decode deployment policy
	deployPolicy    string // single or multiple machines
	benchmarkPolicy string // Benchmark driver
	outputDir       string // Overrides settings.output
	loadBreakpoint  bool   // Resume from the newest ledger in the output dir
	backup          bool   // Snapshot every run under <output>/backup
	metricsAddr     string // Serve Prometheus metrics on this address
	writePlot       bool   // Write <output>/report.html
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "autotune",
	Short: "Particle-swarm autotuner for LLM serving configurations",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the autotune version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadSettings reads path over the defaults, or returns the defaults when path is empty.
func loadSettings(path string) (tune.Settings, error) {
	if path == "" {
		return tune.DefaultSettings(), nil
	}
	return tune.LoadSettings(path)
}

// checkPolicies validates the CLI policy names against the known sets.
func checkPolicies() error {
	if !tune.ValidEngines[engine] {
		return fmt.Errorf("unknown engine %q", engine)
	}
	if !tune.ValidPDPolicies[pdPolicy] {
		return fmt.Errorf("unknown pd policy %q", pdPolicy)
	}
	if !tune.ValidDeployPolicies[deployPolicy] {
		return fmt.Errorf("unknown deploy policy %q", deployPolicy)
	}
	if !tune.ValidBenchmarkPolicies[benchmarkPolicy] {
		return fmt.Errorf("unknown benchmark policy %q", benchmarkPolicy)
	}
	return nil
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML settings file")
	rootCmd.PersistentFlags().StringVar(&engine, "engine", "vllm", "Target server engine (vllm, simulate, kubernetes)")
	rootCmd.PersistentFlags().StringVar(&pdPolicy, "pd", "competition", "Prefill/decode policy (competition, disaggregation)")

	optimizerCmd.Flags().StringVar(&deployPolicy, "deploy_policy", "single", "Deploy policy (single, multiple)")
	optimizerCmd.Flags().StringVar(&benchmarkPolicy, "benchmark_policy", "http", "Benchmark driver (http, vllm_benchmark)")
	optimizerCmd.Flags().StringVar(&outputDir, "output", "", "Output directory (overrides the settings file)")
	optimizerCmd.Flags().BoolVar(&loadBreakpoint, "load_breakpoint", false, "Resume from the newest ledger in the output directory")
	optimizerCmd.Flags().BoolVar(&backup, "backup", false, "Snapshot server logs and benchmark output of every run")
	optimizerCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	optimizerCmd.Flags().BoolVar(&writePlot, "plot", false, "Write an HTML convergence report to the output directory")

	rootCmd.AddCommand(optimizerCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(versionCmd)
}
