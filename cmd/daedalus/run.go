package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/value"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

func newRunCommand() *cobra.Command {
	var (
		file           string
		inputs         []string
		format         string
		maxConcurrency int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a workflow file locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return cmd.Help()
			}
			return runWorkflow(cmd.Context(), file, inputs, format, maxConcurrency)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to the workflow YAML file")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "input parameters in key=value format")
	cmd.Flags().StringVarP(&format, "format", "o", "pretty", "output format: pretty, json or markdown")
	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "maximum parallel nodes per scheduler")
	return cmd
}

func runWorkflow(ctx context.Context, file string, rawInputs []string, format string, maxConcurrency int) error {
	logger := newLogger()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	wf, err := workflow.Load(file)
	if err != nil {
		return err
	}
	inputs, err := parseInputs(rawInputs)
	if err != nil {
		return err
	}

	opts := []engine.Option{engine.WithLogger(logger)}
	if maxConcurrency > 0 {
		opts = append(opts, engine.WithMaxConcurrency(maxConcurrency))
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		provider, err := tracing.Init(ctx, "daedalus",
			tracing.WithEndpoint(endpoint),
			tracing.WithLogger(logger))
		if err != nil {
			logger.Warn("tracing disabled", zap.Error(err))
		} else {
			defer provider.Close()
			opts = append(opts, engine.WithTracer(otel.Tracer("daedalus/engine")))
		}
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		publisher, err := events.Connect(natsURL, "", logger)
		if err != nil {
			logger.Warn("event publishing disabled", zap.Error(err))
		} else {
			defer publisher.Close()
			opts = append(opts, engine.WithEventSink(publisher))
		}
	}

	eng := engine.New(opts...)
	result, runErr := eng.Run(ctx, wf, inputs)
	if result != nil {
		renderResult(result, format)
	}
	if runErr == nil && result != nil && len(result.Failures) > 0 {
		return fmt.Errorf("%d node(s) failed", len(result.Failures))
	}
	return runErr
}

func renderResult(result *engine.Result, format string) {
	switch format {
	case "json":
		out := map[string]any{
			"run_id":       result.RunID,
			"node_outputs": result.Outputs,
			"global":       result.Globals,
		}
		if len(result.Failures) > 0 {
			out["failures"] = result.Failures
		}
		encoded, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(encoded))

	case "markdown":
		fmt.Println("# Execution Summary")
		fmt.Println("\n## Global Memory")
		for _, k := range value.SortedKeys(result.Globals) {
			encoded, _ := json.MarshalIndent(result.Globals[k], "", "  ")
			fmt.Printf("### `%s`\n```json\n%s\n```\n", k, encoded)
		}
		fmt.Println("\n## Node Outputs")
		for _, k := range value.SortedKeys(result.Outputs) {
			encoded, _ := json.MarshalIndent(result.Outputs[k], "", "  ")
			fmt.Printf("### `%s`\n```json\n%s\n```\n", k, encoded)
		}

	default:
		fmt.Printf("\nrun %s finished in %s\n", result.RunID, result.Duration.Round(1e6))
		fmt.Println("\nNode outputs:")
		if len(result.Outputs) == 0 {
			fmt.Println("  (empty)")
		}
		for _, k := range value.SortedKeys(result.Outputs) {
			encoded, _ := json.Marshal(result.Outputs[k])
			fmt.Printf("  %s: %s\n", k, encoded)
		}
		if len(result.Failures) > 0 {
			fmt.Println("\nFailures:")
			for id, failure := range result.Failures {
				fmt.Printf("  %s: %s\n", id, failure.Message)
			}
		}
	}
}
