package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/protocol"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

func newSubmitCommand() *cobra.Command {
	var (
		file           string
		coordinatorURL string
		inputs         []string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a workflow to a coordinator and stream progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("a workflow file is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return submitWorkflow(ctx, file, coordinatorURL, inputs)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to the workflow YAML file")
	cmd.Flags().StringVarP(&coordinatorURL, "coordinator", "c", "http://127.0.0.1:8080", "coordinator URL")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "input parameters in key=value format")
	return cmd
}

func submitWorkflow(ctx context.Context, file, coordinatorURL string, rawInputs []string) error {
	wf, err := workflow.Load(file)
	if err != nil {
		return err
	}
	inputs, err := parseInputs(rawInputs)
	if err != nil {
		return err
	}
	coordinatorURL = strings.TrimRight(coordinatorURL, "/")

	encoded, err := json.Marshal(protocol.SubmitRequest{Workflow: wf, Inputs: inputs})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, coordinatorURL+"/submit", bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit to coordinator: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("coordinator rejected workflow: %s", resp.Status)
	}
	var submitted protocol.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return err
	}

	fmt.Printf("submitted run %s\n", submitted.RunID)
	streamProgress(ctx, coordinatorURL, submitted.RunID)
	return waitForRun(ctx, coordinatorURL, submitted.RunID)
}

// streamProgress follows the coordinator's websocket event feed and prints
// progress lines; completion is always decided by polling in waitForRun.
func streamProgress(ctx context.Context, coordinatorURL, runID string) {
	wsURL := strings.Replace(coordinatorURL, "http", "ws", 1) + "/ws/runs/" + runID
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return
	}
	go func() {
		defer conn.Close()
		for {
			var event engine.Event
			if err := conn.ReadJSON(&event); err != nil {
				return
			}
			switch event.Type {
			case "node_started":
				fmt.Printf("  [%s] started\n", event.NodeID)
			case "node_succeeded":
				fmt.Printf("  [%s] succeeded\n", event.NodeID)
			case "node_failed":
				fmt.Printf("  [%s] failed: %s\n", event.NodeID, event.Error)
			case "node_skipped":
				fmt.Printf("  [%s] skipped\n", event.NodeID)
			case "run_finished":
				return
			}
		}
	}()
}

func waitForRun(ctx context.Context, coordinatorURL, runID string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, coordinatorURL+"/runs/"+runID, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		var status protocol.RunStatus
		decodeErr := json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if decodeErr != nil {
			return decodeErr
		}

		switch status.Status {
		case protocol.RunSucceeded:
			encoded, _ := json.MarshalIndent(status.Outputs, "", "  ")
			fmt.Printf("run succeeded\n%s\n", encoded)
			return nil
		case protocol.RunFailed:
			return fmt.Errorf("run failed: %s", status.Error)
		}
	}
}
