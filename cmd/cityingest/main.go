package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lsm/cityingest/internal/cli"
)

// Process exit codes.
const (
	exitOK       = 0
	exitStartup  = 1
	exitPipeline = 2
)

// exitError carries a process exit code other than exitStartup.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitStartup
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	var opts runOptions

	root := &cobra.Command{
		Use:   "cityingest",
		Short: "Ingest smart-city event streams into time-partitioned parquet",
		Long: `cityingest reads the vehicle, gps, traffic, weather and emergency streams
from Kafka, drops records that arrive behind the per-stream watermark, and
writes the rest as parquet partitions with a resumable checkpoint per stream.

Running without a subcommand is the same as "cityingest run".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
	addRunFlags(root, &opts)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one pipeline per configured stream until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
	addRunFlags(runCmd, &opts)

	root.AddCommand(
		runCmd,
		passthrough("validate", "Validate the configuration and print the resolved streams",
			func(cmd *cobra.Command, args []string) error {
				return cli.RunValidate(args, cmd.OutOrStdout())
			}),
		passthrough("checkpoints", "Print or watch the committed checkpoint of every stream",
			func(cmd *cobra.Command, args []string) error {
				return cli.RunCheckpoints(cmd.Context(), args, cmd.OutOrStdout())
			}),
		passthrough("produce", "Publish test events to a stream's topic",
			func(cmd *cobra.Command, args []string) error {
				return cli.RunProduce(cmd.Context(), args, cmd.OutOrStdout())
			}),
	)
	return root
}

func addRunFlags(cmd *cobra.Command, opts *runOptions) {
	cmd.Flags().StringVar(&opts.configPath, "config", "", "path to the YAML configuration (default ./"+cli.DefaultConfigPath+" when present)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides CITYINGEST_LOG_LEVEL)")
}

// passthrough builds a subcommand that parses its own flags.
func passthrough(use, short string, run func(*cobra.Command, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:                use,
		Short:              short,
		DisableFlagParsing: true,
		RunE:               run,
	}
}
