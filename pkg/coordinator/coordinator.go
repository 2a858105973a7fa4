// Package coordinator implements the distributed control plane: it accepts
// workflows, runs the DAG scheduler against its authoritative store, and
// ships each ready node as a resolved task to a registered worker. Workers
// that stop heartbeating get their outstanding tasks requeued.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/memory"
	"github.com/wehubfusion/Daedalus/pkg/protocol"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"github.com/wehubfusion/Daedalus/pkg/value"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

const (
	// HeartbeatTimeout is how long a silent worker stays trusted: three
	// missed 5s heartbeats.
	HeartbeatTimeout = 15 * time.Second

	// DefaultMaxRetries bounds how many times a task lost to a dead worker
	// is requeued before its node fails.
	DefaultMaxRetries = 2

	// assignPollInterval paces the scheduling loop while no worker is idle.
	assignPollInterval = 200 * time.Millisecond
)

// ErrNoWorkers is reported for a queued task when the coordinator's context
// ends before any worker could take it; assignment itself waits without a
// time limit.
var ErrNoWorkers = errors.New("no workers available")

// Options configures a Coordinator.
type Options struct {
	Logger         *zap.Logger
	MaxConcurrency int
	MaxRetries     int
	// HeartbeatTimeout overrides how long a silent worker stays trusted.
	HeartbeatTimeout time.Duration
	Payloads         storage.PayloadStore
	Events           engine.EventSink
}

// Coordinator owns the authoritative run state and the worker registry.
type Coordinator struct {
	logger           *zap.Logger
	engine           *engine.Engine
	maxRetries       int
	heartbeatTimeout time.Duration
	payloads         storage.PayloadStore
	events           engine.EventSink
	client           *http.Client

	mu      sync.Mutex
	workers map[string]*workerEntry
	runs    map[string]*runState
	queue   chan *taskRequest
}

type workerEntry struct {
	info         protocol.WorkerInfo
	lastAssigned time.Time
	busy         bool
	breaker      *concurrency.CircuitBreaker
	inflight     map[string]*taskRequest
}

type runState struct {
	id        string
	wf        *workflow.Workflow
	status    string
	errText   string
	outputs   map[string]any
	completed int
	total     int
	cancel    context.CancelFunc

	subMu       sync.Mutex
	subscribers map[chan engine.Event]struct{}
}

type taskRequest struct {
	task     protocol.Task
	attempts int
	once     sync.Once
	done     chan protocol.Result
}

func (t *taskRequest) deliver(result protocol.Result) {
	t.once.Do(func() {
		t.done <- result
	})
}

func taskKey(runID, nodeID string) string {
	return runID + "/" + nodeID
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = DefaultMaxRetries
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = HeartbeatTimeout
	}
	c := &Coordinator{
		logger:           opts.Logger,
		maxRetries:       opts.MaxRetries,
		heartbeatTimeout: opts.HeartbeatTimeout,
		payloads:         opts.Payloads,
		events:           opts.Events,
		client:           &http.Client{},
		workers:          make(map[string]*workerEntry),
		runs:             make(map[string]*runState),
		queue:            make(chan *taskRequest, 256),
	}
	engineOpts := []engine.Option{
		engine.WithLogger(opts.Logger),
		engine.WithEventSink(c),
	}
	if opts.MaxConcurrency > 0 {
		engineOpts = append(engineOpts, engine.WithMaxConcurrency(opts.MaxConcurrency))
	}
	c.engine = engine.New(engineOpts...)
	return c
}

// Start launches the scheduling loop and the heartbeat monitor.
func (c *Coordinator) Start(ctx context.Context) {
	go c.assignLoop(ctx)
	go c.monitorLoop(ctx)
}

// Publish implements engine.EventSink: events fan out to run subscribers,
// drive the progress counters, and forward to the external sink when one is
// configured.
func (c *Coordinator) Publish(event engine.Event) {
	if c.events != nil {
		c.events.Publish(event)
	}

	c.mu.Lock()
	run, ok := c.runs[event.RunID]
	if ok && event.Type == "node_succeeded" {
		run.completed++
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	run.subMu.Lock()
	for ch := range run.subscribers {
		select {
		case ch <- event:
		default:
			// A slow subscriber drops events rather than stalling the run.
		}
	}
	run.subMu.Unlock()
}

// Submit accepts a workflow and starts executing it in the background.
func (c *Coordinator) Submit(wf *workflow.Workflow, inputs map[string]any) (string, error) {
	if err := wf.Validate(); err != nil {
		return "", err
	}
	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	run := &runState{
		id:          runID,
		wf:          wf,
		status:      protocol.RunRunning,
		total:       len(wf.Nodes),
		cancel:      cancel,
		subscribers: make(map[chan engine.Event]struct{}),
	}
	c.mu.Lock()
	c.runs[runID] = run
	c.mu.Unlock()

	c.logger.Info("workflow submitted",
		zap.String("run_id", runID),
		zap.String("workflow", wf.Name),
		zap.Int("nodes", len(wf.Nodes)))

	go c.executeRun(runCtx, run, inputs)
	return runID, nil
}

func (c *Coordinator) executeRun(ctx context.Context, run *runState, inputs map[string]any) {
	defer run.cancel()

	result, err := c.engine.RunWithDispatcher(ctx, run.id, run.wf, inputs, func(deps engine.DispatchDeps) engine.Dispatcher {
		return &remoteDispatcher{coordinator: c, local: engine.LocalDispatcher(deps), runID: run.id}
	})

	c.mu.Lock()
	if err != nil {
		run.status = protocol.RunFailed
		run.errText = err.Error()
	} else {
		run.status = protocol.RunSucceeded
	}
	if result != nil {
		run.outputs = result.Outputs
	}
	endpoints := make([]string, 0, len(c.workers))
	for _, w := range c.workers {
		endpoints = append(endpoints, w.info.Endpoint)
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("run failed", zap.String("run_id", run.id), zap.Error(err))
		// Best-effort cancellation of whatever is still in flight on workers.
		for _, endpoint := range endpoints {
			c.cancelOnWorker(endpoint, run.id)
		}
	} else {
		c.logger.Info("run succeeded", zap.String("run_id", run.id))
	}
}

func (c *Coordinator) cancelOnWorker(endpoint, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(endpoint, "/")+"/cancel/"+runID, nil)
	if err != nil {
		return
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// remoteDispatcher ships I/O kinds to workers and keeps coordinator-owned
// kinds (loop, assign, input) local.
type remoteDispatcher struct {
	coordinator *Coordinator
	local       engine.Dispatcher
	runID       string
}

func (d *remoteDispatcher) Dispatch(ctx context.Context, node workflow.Node, params map[string]any, frame *memory.LoopFrame) (any, error) {
	switch node.Kind {
	case workflow.KindLoop, workflow.KindAssign, workflow.KindInput:
		return d.local.Dispatch(ctx, node, params, frame)
	}
	return d.coordinator.dispatchRemote(ctx, d.runID, node, params, frame)
}

func (c *Coordinator) dispatchRemote(ctx context.Context, runID string, node workflow.Node, params map[string]any, frame *memory.LoopFrame) (any, error) {
	task := protocol.Task{
		RunID:  runID,
		NodeID: node.ID,
		Kind:   node.Kind,
		Params: params,
	}
	if frame != nil {
		task.LoopFrame = &protocol.LoopFrame{Item: frame.Item, Index: frame.Index, Total: frame.Total}
	}
	if err := c.maybeOffload(ctx, &task); err != nil {
		return nil, err
	}

	req := &taskRequest{task: task, done: make(chan protocol.Result, 1)}

	select {
	case c.queue <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case result := <-req.done:
		if result.Status != protocol.StatusOK {
			return nil, fmt.Errorf("%s", result.Error)
		}
		return result.Output, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// maybeOffload moves oversized resolved params into blob storage, replacing
// them with a reference.
func (c *Coordinator) maybeOffload(ctx context.Context, task *protocol.Task) error {
	if c.payloads == nil {
		return nil
	}
	encoded, err := json.Marshal(task.Params)
	if err != nil || len(encoded) <= storage.OffloadThreshold {
		return err
	}
	path := fmt.Sprintf("%s/%s.json", task.RunID, task.NodeID)
	url, err := c.payloads.UploadPayload(ctx, path, encoded)
	if err != nil {
		return fmt.Errorf("offload params: %w", err)
	}
	c.logger.Info("offloaded task params",
		zap.String("run_id", task.RunID),
		zap.String("node_id", task.NodeID),
		zap.Int("size_bytes", len(encoded)))
	task.ParamsRef = &protocol.BlobRef{URL: url, SizeBytes: len(encoded)}
	task.Params = nil
	return nil
}

// assignLoop matches queued tasks to idle workers, least recently used
// first.
func (c *Coordinator) assignLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.queue:
			c.assignTask(ctx, req)
		}
	}
}

func (c *Coordinator) assignTask(ctx context.Context, req *taskRequest) {
	for {
		entry := c.claimIdleWorker(req)
		if entry != nil {
			go c.sendToWorker(ctx, entry, req)
			return
		}
		select {
		case <-ctx.Done():
			req.deliver(protocol.Result{
				RunID:  req.task.RunID,
				NodeID: req.task.NodeID,
				Status: protocol.StatusErr,
				Error:  ErrNoWorkers.Error(),
			})
			return
		case <-time.After(assignPollInterval):
		}
	}
}

// claimIdleWorker picks the least recently used idle worker and marks it
// busy under the lock, so concurrent assignments never double-book.
func (c *Coordinator) claimIdleWorker(req *taskRequest) *workerEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var best *workerEntry
	for _, entry := range c.workers {
		if entry.busy || entry.info.State == protocol.WorkerLost || entry.breaker.IsOpen() {
			continue
		}
		if best == nil || entry.lastAssigned.Before(best.lastAssigned) {
			best = entry
		}
	}
	if best == nil {
		return nil
	}
	best.busy = true
	best.info.State = protocol.WorkerBusy
	best.lastAssigned = time.Now()
	best.inflight[taskKey(req.task.RunID, req.task.NodeID)] = req
	return best
}

func (c *Coordinator) releaseWorker(entry *workerEntry, req *taskRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(entry.inflight, taskKey(req.task.RunID, req.task.NodeID))
	entry.busy = false
	if entry.info.State == protocol.WorkerBusy {
		entry.info.State = protocol.WorkerIdle
	}
}

func (c *Coordinator) sendToWorker(ctx context.Context, entry *workerEntry, req *taskRequest) {
	c.logger.Info("dispatching task",
		zap.String("run_id", req.task.RunID),
		zap.String("node_id", req.task.NodeID),
		zap.String("worker_id", entry.info.WorkerID))

	result, err := c.postTask(ctx, entry.info.Endpoint, req.task)
	c.releaseWorker(entry, req)

	if err != nil {
		entry.breaker.RecordFailure()
		c.logger.Warn("worker dispatch failed",
			zap.String("worker_id", entry.info.WorkerID),
			zap.String("node_id", req.task.NodeID),
			zap.Error(err))
		c.requeueOrFail(ctx, req, err)
		return
	}
	entry.breaker.RecordSuccess()
	req.deliver(result)
}

func (c *Coordinator) postTask(ctx context.Context, endpoint string, task protocol.Task) (protocol.Result, error) {
	encoded, err := json.Marshal(task)
	if err != nil {
		return protocol.Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(endpoint, "/")+"/execute", bytes.NewReader(encoded))
	if err != nil {
		return protocol.Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return protocol.Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return protocol.Result{}, fmt.Errorf("worker returned %d", resp.StatusCode)
	}
	var result protocol.Result
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&result); err != nil {
		return protocol.Result{}, fmt.Errorf("decode worker result: %w", err)
	}
	result.Output = value.Normalize(result.Output)
	return result, nil
}

func (c *Coordinator) requeueOrFail(ctx context.Context, req *taskRequest, cause error) {
	req.attempts++
	if req.attempts > c.maxRetries {
		req.deliver(protocol.Result{
			RunID:  req.task.RunID,
			NodeID: req.task.NodeID,
			Status: protocol.StatusErr,
			Error:  fmt.Sprintf("task failed after %d attempts: %v", req.attempts, cause),
		})
		return
	}
	c.logger.Info("requeueing task",
		zap.String("run_id", req.task.RunID),
		zap.String("node_id", req.task.NodeID),
		zap.Int("attempt", req.attempts))
	select {
	case c.queue <- req:
	case <-ctx.Done():
		req.deliver(protocol.Result{
			RunID:  req.task.RunID,
			NodeID: req.task.NodeID,
			Status: protocol.StatusErr,
			Error:  ctx.Err().Error(),
		})
	}
}

// monitorLoop declares workers lost after HeartbeatTimeout of silence and
// requeues whatever they were running.
func (c *Coordinator) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeatTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepLostWorkers(ctx)
		}
	}
}

func (c *Coordinator) sweepLostWorkers(ctx context.Context) {
	var orphaned []*taskRequest
	c.mu.Lock()
	for id, entry := range c.workers {
		if entry.info.State == protocol.WorkerLost {
			continue
		}
		if time.Since(entry.info.LastHeartbeat) <= c.heartbeatTimeout {
			continue
		}
		c.logger.Warn("worker lost",
			zap.String("worker_id", id),
			zap.Time("last_heartbeat", entry.info.LastHeartbeat))
		entry.info.State = protocol.WorkerLost
		entry.busy = false
		for key, req := range entry.inflight {
			orphaned = append(orphaned, req)
			delete(entry.inflight, key)
		}
	}
	c.mu.Unlock()

	for _, req := range orphaned {
		c.requeueOrFail(ctx, req, errors.New("worker lost"))
	}
}

// RegisterWorker adds or refreshes a worker registry entry.
func (c *Coordinator) RegisterWorker(id, endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workers[id] = &workerEntry{
		info: protocol.WorkerInfo{
			WorkerID:      id,
			Endpoint:      endpoint,
			LastHeartbeat: time.Now(),
			State:         protocol.WorkerIdle,
		},
		breaker:  concurrency.NewCircuitBreaker(3, 30*time.Second),
		inflight: make(map[string]*taskRequest),
	}
	c.logger.Info("worker registered",
		zap.String("worker_id", id),
		zap.String("endpoint", endpoint),
		zap.Int("total_workers", len(c.workers)))
}

// Heartbeat refreshes a worker's liveness.
func (c *Coordinator) Heartbeat(id string, busy bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.workers[id]
	if !ok {
		return false
	}
	entry.info.LastHeartbeat = time.Now()
	if entry.info.State == protocol.WorkerLost {
		entry.info.State = protocol.WorkerIdle
	}
	if !entry.busy {
		if busy {
			entry.info.State = protocol.WorkerBusy
		} else {
			entry.info.State = protocol.WorkerIdle
		}
	}
	return true
}

// Workers lists the registry.
func (c *Coordinator) Workers() []protocol.WorkerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.WorkerInfo, 0, len(c.workers))
	for _, entry := range c.workers {
		out = append(out, entry.info)
	}
	return out
}

// RunStatus reports one run's progress and, once terminal, its outputs.
func (c *Coordinator) RunStatus(runID string) (protocol.RunStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.runs[runID]
	if !ok {
		return protocol.RunStatus{}, false
	}
	status := protocol.RunStatus{
		RunID:     run.id,
		Status:    run.status,
		Completed: run.completed,
		Total:     run.total,
		Error:     run.errText,
	}
	if run.total > 0 {
		// Loop steps report under the same run id, so completions can
		// outnumber top-level nodes; clamp for a stable progress figure.
		status.Progress = min(float64(run.completed)/float64(run.total), 1.0)
	}
	if run.status != protocol.RunRunning {
		status.Outputs = run.outputs
	}
	return status, true
}

// HandleResult records a result delivered out-of-band via POST /result.
// The first result for a (run, node) wins; later duplicates are discarded.
func (c *Coordinator) HandleResult(result protocol.Result) {
	c.mu.Lock()
	var req *taskRequest
	for _, entry := range c.workers {
		if found, ok := entry.inflight[taskKey(result.RunID, result.NodeID)]; ok {
			req = found
			break
		}
	}
	c.mu.Unlock()
	if req == nil {
		c.logger.Debug("discarding duplicate or unknown result",
			zap.String("run_id", result.RunID),
			zap.String("node_id", result.NodeID))
		return
	}
	req.deliver(result)
}

// subscribe attaches a websocket consumer to a run's event feed.
func (c *Coordinator) subscribe(runID string) (chan engine.Event, func(), bool) {
	c.mu.Lock()
	run, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return nil, nil, false
	}
	ch := make(chan engine.Event, 64)
	run.subMu.Lock()
	run.subscribers[ch] = struct{}{}
	run.subMu.Unlock()
	return ch, func() {
		run.subMu.Lock()
		delete(run.subscribers, ch)
		run.subMu.Unlock()
	}, true
}
