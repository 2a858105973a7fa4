// Package protocol defines the JSON messages exchanged between the
// coordinator and its workers. Both sides must tolerate unknown fields so
// the two can be upgraded independently.
package protocol

import (
	"time"

	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Task statuses reported in results.
const (
	StatusOK  = "ok"
	StatusErr = "err"
)

// LoopFrame mirrors the engine's loop frame on the wire.
type LoopFrame struct {
	Item  any `json:"item"`
	Index int `json:"index"`
	Total int `json:"total"`
}

// BlobRef points at offloaded task parameters too large to inline.
type BlobRef struct {
	URL       string `json:"url"`
	SizeBytes int    `json:"size_bytes"`
}

// Task is one node execution shipped to a worker. Parameters arrive fully
// resolved against the coordinator's store, so workers hold no memory.
type Task struct {
	RunID     string            `json:"run_id"`
	NodeID    string            `json:"node_id"`
	Kind      workflow.NodeKind `json:"kind"`
	Params    map[string]any    `json:"params,omitempty"`
	ParamsRef *BlobRef          `json:"params_ref,omitempty"`
	LoopFrame *LoopFrame        `json:"loop_frame,omitempty"`
}

// Result is a worker's answer for one task, either as the /execute response
// body or via POST /result.
type Result struct {
	RunID  string `json:"run_id"`
	NodeID string `json:"node_id"`
	Status string `json:"status"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RegisterRequest announces a worker to the coordinator.
type RegisterRequest struct {
	WorkerID string `json:"worker_id"`
	Endpoint string `json:"endpoint"`
}

// RegisterResponse acknowledges a registration.
type RegisterResponse struct {
	Accepted bool `json:"accepted"`
}

// HeartbeatRequest is the worker's periodic liveness signal.
type HeartbeatRequest struct {
	WorkerID string `json:"worker_id"`
	Busy     bool   `json:"busy"`
}

// Worker states reported by GET /workers.
const (
	WorkerIdle = "idle"
	WorkerBusy = "busy"
	WorkerLost = "lost"
)

// WorkerInfo is one registry entry in the GET /workers listing.
type WorkerInfo struct {
	WorkerID      string    `json:"worker_id"`
	Endpoint      string    `json:"endpoint"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	State         string    `json:"state"`
}

// SubmitRequest carries a workflow to the coordinator. Input overrides are
// merged into the workflow's globals before execution.
type SubmitRequest struct {
	Workflow *workflow.Workflow `json:"workflow"`
	Inputs   map[string]any     `json:"inputs,omitempty"`
}

// SubmitResponse returns the run handle.
type SubmitResponse struct {
	RunID string `json:"run_id"`
}

// Run statuses reported by GET /runs/{id}.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// RunStatus is the coordinator's view of one run.
type RunStatus struct {
	RunID     string         `json:"run_id"`
	Status    string         `json:"status"`
	Progress  float64        `json:"progress"`
	Completed int            `json:"completed"`
	Total     int            `json:"total"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Error     string         `json:"error,omitempty"`
}
