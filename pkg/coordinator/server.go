package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/protocol"
	"github.com/wehubfusion/Daedalus/pkg/value"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The coordinator API carries no auth; origin checks would only
	// pretend otherwise.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler returns the coordinator's HTTP API.
func (c *Coordinator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /submit", c.handleSubmit)
	mux.HandleFunc("GET /runs/{run_id}", c.handleRunStatus)
	mux.HandleFunc("POST /register", c.handleRegister)
	mux.HandleFunc("POST /heartbeat", c.handleHeartbeat)
	mux.HandleFunc("GET /workers", c.handleWorkers)
	mux.HandleFunc("POST /result", c.handleResult)
	mux.HandleFunc("GET /ws/runs/{run_id}", c.handleRunEvents)
	return mux
}

// Serve starts the loops and blocks serving the API until the context ends.
func (c *Coordinator) Serve(ctx context.Context, addr string) error {
	c.Start(ctx)

	server := &http.Server{Addr: addr, Handler: c.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	c.logger.Info("coordinator listening", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (c *Coordinator) handleSubmit(rw http.ResponseWriter, r *http.Request) {
	var req protocol.SubmitRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		http.Error(rw, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Workflow == nil {
		http.Error(rw, "missing workflow", http.StatusBadRequest)
		return
	}
	req.Workflow.Normalize()
	inputs := make(map[string]any, len(req.Inputs))
	for k, v := range req.Inputs {
		inputs[k] = value.Normalize(v)
	}
	runID, err := c.Submit(req.Workflow, inputs)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(rw, protocol.SubmitResponse{RunID: runID})
}

func (c *Coordinator) handleRunStatus(rw http.ResponseWriter, r *http.Request) {
	status, ok := c.RunStatus(r.PathValue("run_id"))
	if !ok {
		http.Error(rw, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(rw, status)
}

func (c *Coordinator) handleRegister(rw http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}
	if req.WorkerID == "" || req.Endpoint == "" {
		http.Error(rw, "worker_id and endpoint are required", http.StatusBadRequest)
		return
	}
	c.RegisterWorker(req.WorkerID, req.Endpoint)
	writeJSON(rw, protocol.RegisterResponse{Accepted: true})
}

func (c *Coordinator) handleHeartbeat(rw http.ResponseWriter, r *http.Request) {
	var req protocol.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}
	if !c.Heartbeat(req.WorkerID, req.Busy) {
		http.Error(rw, "unknown worker", http.StatusNotFound)
		return
	}
	writeJSON(rw, struct{}{})
}

func (c *Coordinator) handleWorkers(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, map[string]any{"workers": c.Workers()})
}

func (c *Coordinator) handleResult(rw http.ResponseWriter, r *http.Request) {
	var result protocol.Result
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		http.Error(rw, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}
	c.HandleResult(result)
	writeJSON(rw, struct{}{})
}

// handleRunEvents streams a run's lifecycle events over a websocket until
// the run reaches a terminal state or the client goes away.
func (c *Coordinator) handleRunEvents(rw http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	events, unsubscribe, ok := c.subscribe(runID)
	if !ok {
		http.Error(rw, "run not found", http.StatusNotFound)
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-events:
			if err := conn.WriteJSON(event); err != nil {
				return
			}
			if event.Type == "run_finished" {
				return
			}
		}
	}
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(v)
}
