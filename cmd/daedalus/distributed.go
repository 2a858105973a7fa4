package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/coordinator"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"github.com/wehubfusion/Daedalus/pkg/worker"
)

func newCoordinatorCommand() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Start a workflow coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := coordinator.Options{Logger: logger}
			if payloads := newPayloadStore(logger); payloads != nil {
				opts.Payloads = payloads
			}
			if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
				publisher, err := events.Connect(natsURL, "", logger)
				if err != nil {
					logger.Warn("event publishing disabled", zap.Error(err))
				} else {
					defer publisher.Close()
					opts.Events = publisher
				}
			}

			coord := coordinator.New(opts)
			return coord.Serve(ctx, fmt.Sprintf(":%d", port))
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "port to listen on")
	return cmd
}

func newWorkerCommand() *cobra.Command {
	var (
		id             string
		port           int
		coordinatorURL string
		endpoint       string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a worker and register it with a coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if id == "" {
				id = "worker-" + uuid.NewString()[:8]
			}
			if endpoint == "" {
				endpoint = fmt.Sprintf("http://127.0.0.1:%d", port)
			}

			opts := worker.Options{
				ID:             id,
				Endpoint:       endpoint,
				CoordinatorURL: coordinatorURL,
				Logger:         logger,
			}
			if payloads := newPayloadStore(logger); payloads != nil {
				opts.Payloads = payloads
			}

			w, err := worker.New(opts)
			if err != nil {
				return err
			}
			return w.Serve(ctx, fmt.Sprintf(":%d", port))
		},
	}
	cmd.Flags().StringVarP(&id, "id", "i", "", "worker id (generated when empty)")
	cmd.Flags().IntVarP(&port, "port", "p", 8081, "port to listen on")
	cmd.Flags().StringVarP(&coordinatorURL, "coordinator", "c", "http://127.0.0.1:8080", "coordinator URL")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "advertised endpoint (defaults to http://127.0.0.1:PORT)")
	_ = cmd.MarkFlagRequired("coordinator")
	return cmd
}

func newPayloadStore(logger *zap.Logger) storage.PayloadStore {
	connectionString := os.Getenv("AZURE_STORAGE_CONNECTION_STRING")
	if connectionString == "" {
		return nil
	}
	store, err := storage.NewBlobPayloadStore(connectionString, os.Getenv("AZURE_STORAGE_CONTAINER"), logger)
	if err != nil {
		logger.Warn("payload offloading disabled", zap.Error(err))
		return nil
	}
	return store
}
