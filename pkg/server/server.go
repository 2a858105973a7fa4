// Package server exposes the local engine as a small webhook: POST /execute
// with a workflow file path and input overrides runs the workflow and
// returns its outputs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/value"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// ExecuteRequest names a workflow file and optional global overrides.
type ExecuteRequest struct {
	File   string         `json:"file"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

// ExecuteResponse carries the run outcome.
type ExecuteResponse struct {
	Status  string         `json:"status"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Server wraps an engine behind HTTP.
type Server struct {
	engine *engine.Engine
	logger *zap.Logger
}

// New creates a Server.
func New(eng *engine.Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{engine: eng, logger: logger}
}

// Handler returns the webhook handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", s.handleExecute)
	return mux
}

// Serve blocks serving the webhook until the context ends.
func (s *Server) Serve(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("webhook server listening", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleExecute(rw http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}
	if req.File == "" {
		http.Error(rw, "missing file", http.StatusBadRequest)
		return
	}

	s.logger.Info("received execution request", zap.String("file", req.File))

	wf, err := workflow.Load(req.File)
	if err != nil {
		writeResponse(rw, ExecuteResponse{Status: "error", Error: err.Error()})
		return
	}

	inputs := make(map[string]any, len(req.Inputs))
	for k, v := range req.Inputs {
		inputs[k] = value.Normalize(v)
	}

	result, err := s.engine.Run(r.Context(), wf, inputs)
	if err != nil {
		resp := ExecuteResponse{Status: "error", Error: err.Error()}
		if result != nil {
			resp.Outputs = result.Outputs
		}
		writeResponse(rw, resp)
		return
	}
	writeResponse(rw, ExecuteResponse{Status: "success", Outputs: result.Outputs})
}

func writeResponse(rw http.ResponseWriter, resp ExecuteResponse) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(resp)
}
