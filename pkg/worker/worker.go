// Package worker implements the distributed execution role: it registers
// with a coordinator, heartbeats on a fixed period, and executes single
// nodes shipped to it as fully-resolved tasks.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/memory"
	"github.com/wehubfusion/Daedalus/pkg/nodes"
	"github.com/wehubfusion/Daedalus/pkg/protocol"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"github.com/wehubfusion/Daedalus/pkg/value"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// HeartbeatPeriod is how often workers report liveness.
const HeartbeatPeriod = 5 * time.Second

// Options configures a Worker.
type Options struct {
	ID             string
	Endpoint       string
	CoordinatorURL string
	MaxConcurrency int
	Logger         *zap.Logger
	Payloads       storage.PayloadStore
}

// Worker hosts the node handlers behind POST /execute. It has no state
// beyond the process: every task carries everything needed to run it.
type Worker struct {
	id             string
	endpoint       string
	coordinatorURL string
	registry       *nodes.Registry
	logger         *zap.Logger
	limiter        *concurrency.Limiter
	payloads       storage.PayloadStore
	client         *http.Client
	busy           atomic.Int64

	mu      sync.Mutex
	cancels map[string]map[int64]context.CancelFunc
	nextKey atomic.Int64
}

// New creates a Worker.
func New(opts Options) (*Worker, error) {
	if opts.ID == "" {
		return nil, errors.New("worker id is required")
	}
	if opts.CoordinatorURL == "" {
		return nil, errors.New("coordinator URL is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 10
	}
	return &Worker{
		id:             opts.ID,
		endpoint:       opts.Endpoint,
		coordinatorURL: strings.TrimRight(opts.CoordinatorURL, "/"),
		registry:       nodes.NewRegistry(),
		logger:         opts.Logger,
		limiter:        concurrency.NewLimiter(opts.MaxConcurrency),
		payloads:       opts.Payloads,
		client:         &http.Client{Timeout: 10 * time.Second},
		cancels:        make(map[string]map[int64]context.CancelFunc),
	}, nil
}

// Handler returns the worker's HTTP handler.
func (w *Worker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", w.handleExecute)
	mux.HandleFunc("POST /cancel/{run_id}", w.handleCancel)
	mux.HandleFunc("GET /health", w.handleHealth)
	return mux
}

// Serve registers with the coordinator, starts the heartbeat loop, and
// blocks serving HTTP until the context ends.
func (w *Worker) Serve(ctx context.Context, addr string) error {
	if err := w.register(ctx); err != nil {
		return fmt.Errorf("register with coordinator: %w", err)
	}
	go w.heartbeatLoop(ctx)

	server := &http.Server{Addr: addr, Handler: w.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	w.logger.Info("worker listening",
		zap.String("worker_id", w.id),
		zap.String("addr", addr),
		zap.String("coordinator", w.coordinatorURL))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (w *Worker) register(ctx context.Context) error {
	req := protocol.RegisterRequest{WorkerID: w.id, Endpoint: w.endpoint}
	var resp protocol.RegisterResponse
	if err := w.postJSON(ctx, w.coordinatorURL+"/register", req, &resp); err != nil {
		return err
	}
	if !resp.Accepted {
		return errors.New("coordinator rejected registration")
	}
	w.logger.Info("registered with coordinator", zap.String("worker_id", w.id))
	return nil
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req := protocol.HeartbeatRequest{WorkerID: w.id, Busy: w.busy.Load() > 0}
			if err := w.postJSON(ctx, w.coordinatorURL+"/heartbeat", req, nil); err != nil {
				w.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker) postJSON(ctx context.Context, url string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (w *Worker) handleExecute(rw http.ResponseWriter, r *http.Request) {
	var task protocol.Task
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&task); err != nil {
		http.Error(rw, fmt.Sprintf("bad task: %v", err), http.StatusBadRequest)
		return
	}

	w.busy.Add(1)
	defer w.busy.Add(-1)

	result := w.Execute(r.Context(), task)
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(result); err != nil {
		w.logger.Error("failed to encode result", zap.Error(err))
	}
}

// Execute runs one task to completion and returns its result.
func (w *Worker) Execute(ctx context.Context, task protocol.Task) protocol.Result {
	w.logger.Info("executing task",
		zap.String("run_id", task.RunID),
		zap.String("node_id", task.NodeID),
		zap.String("kind", string(task.Kind)))

	output, err := w.executeNode(ctx, task)
	if err != nil {
		w.logger.Error("task failed",
			zap.String("run_id", task.RunID),
			zap.String("node_id", task.NodeID),
			zap.Error(err))
		return protocol.Result{
			RunID:  task.RunID,
			NodeID: task.NodeID,
			Status: protocol.StatusErr,
			Error:  err.Error(),
		}
	}
	return protocol.Result{
		RunID:  task.RunID,
		NodeID: task.NodeID,
		Status: protocol.StatusOK,
		Output: output,
	}
}

func (w *Worker) executeNode(ctx context.Context, task protocol.Task) (any, error) {
	switch task.Kind {
	case workflow.KindLoop, workflow.KindAssign, workflow.KindInput:
		// These kinds touch coordinator-owned state and run there.
		return nil, fmt.Errorf("kind %q is coordinator-local", task.Kind)
	}

	if err := w.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer w.limiter.Release()

	params := task.Params
	if task.ParamsRef != nil {
		if w.payloads == nil {
			return nil, errors.New("task carries a payload reference but no payload store is configured")
		}
		raw, err := w.payloads.DownloadPayload(ctx, task.ParamsRef.URL)
		if err != nil {
			return nil, fmt.Errorf("download offloaded params: %w", err)
		}
		decoded, ok := value.FromJSON(raw).(map[string]any)
		if !ok {
			return nil, errors.New("offloaded params are not an object")
		}
		params = decoded
	}
	if params == nil {
		params = map[string]any{}
	} else {
		params = value.Normalize(params).(map[string]any)
	}

	handler, err := w.registry.Get(task.Kind)
	if err != nil {
		return nil, err
	}

	var frame *memory.LoopFrame
	if task.LoopFrame != nil {
		frame = &memory.LoopFrame{
			Item:  value.Normalize(task.LoopFrame.Item),
			Index: task.LoopFrame.Index,
			Total: task.LoopFrame.Total,
		}
	}

	timeout := nodes.DefaultTimeout(task.Kind)
	if raw, ok := params["timeout_ms"]; ok {
		if ms, isInt := value.AsInt(raw); isInt && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctx, cancel := context.WithCancel(ctx)
	key := w.trackCancel(task.RunID, cancel)
	defer w.untrackCancel(task.RunID, key)
	defer cancel()

	rt := &nodes.Runtime{
		Store:    memory.NewStore(),
		Snapshot: memory.SnapshotFrom(nil, nil, frame),
		Logger:   w.logger.With(zap.String("node", task.NodeID)),
	}
	return handler.Execute(ctx, params, rt)
}

func (w *Worker) trackCancel(runID string, cancel context.CancelFunc) int64 {
	key := w.nextKey.Add(1)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancels[runID] == nil {
		w.cancels[runID] = make(map[int64]context.CancelFunc)
	}
	w.cancels[runID][key] = cancel
	return key
}

func (w *Worker) untrackCancel(runID string, key int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.cancels[runID], key)
	if len(w.cancels[runID]) == 0 {
		delete(w.cancels, runID)
	}
}

func (w *Worker) handleCancel(rw http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	w.mu.Lock()
	cancels := w.cancels[runID]
	delete(w.cancels, runID)
	w.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	w.logger.Info("cancelled run tasks",
		zap.String("run_id", runID),
		zap.Int("count", len(cancels)))
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Worker) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string]any{
		"status":    "healthy",
		"worker_id": w.id,
		"busy":      w.busy.Load() > 0,
	})
}
