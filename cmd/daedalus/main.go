// Command daedalus runs declarative YAML workflows: locally, as a webhook
// server, or split across a coordinator and workers.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/value"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

const (
	exitOK          = 0
	exitNodeFailure = 1
	exitLoadError   = 2
)

var verbose bool

func main() {
	// .env is honored at the working directory, load-only.
	_ = godotenv.Load()

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
			fmt.Fprintf(os.Stderr, "sentry init failed: %v\n", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		sentry.CaptureException(err)
		os.Exit(exitCodeFor(err))
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "daedalus",
		Short:         "Workflow execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	runCmd := newRunCommand()
	root.AddCommand(runCmd)
	root.AddCommand(newServeCommand())
	root.AddCommand(newCoordinatorCommand())
	root.AddCommand(newWorkerCommand())
	root.AddCommand(newSubmitCommand())

	// Running with just -f FILE works without the `run` verb.
	root.RunE = runCmd.RunE
	root.Flags().AddFlagSet(runCmd.Flags())
	return root
}

func newLogger() *zap.Logger {
	var logger *zap.Logger
	var err error
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		config := zap.NewProductionConfig()
		config.Encoding = "console"
		config.EncoderConfig.TimeKey = ""
		logger, err = config.Build()
	}
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}

// parseInputs turns -i key=value flags into typed globals: values that parse
// as JSON literals keep their type, everything else stays a string.
func parseInputs(inputs []string) (map[string]any, error) {
	out := make(map[string]any, len(inputs))
	for _, input := range inputs {
		key, raw, ok := strings.Cut(input, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value", input)
		}
		out[key] = value.FromJSON([]byte(raw))
	}
	return out, nil
}

func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	if workflow.IsLoadError(err) {
		return exitLoadError
	}
	return exitNodeFailure
}
