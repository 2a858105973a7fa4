package engine

import (
	"errors"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// ErrCancelled marks a node whose handler was cancelled by a run-level
// abort.
var ErrCancelled = errors.New("cancelled")

// ErrTimeout marks a node that exceeded its execution ceiling.
var ErrTimeout = errors.New("timeout")

// NodeError attributes a failure to the node it happened in.
type NodeError struct {
	NodeID  string            `json:"node_id"`
	Kind    workflow.NodeKind `json:"kind"`
	Message string            `json:"message"`
	Err     error             `json:"-"`
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s (%s): %s", e.NodeID, e.Kind, e.Message)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

func newNodeError(node workflow.Node, err error) *NodeError {
	return &NodeError{
		NodeID:  node.ID,
		Kind:    node.Kind,
		Message: err.Error(),
		Err:     err,
	}
}
