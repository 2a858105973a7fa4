// Package nodes hosts one handler per node kind. A handler receives its
// already-resolved parameter tree and a runtime carrying the pieces of the
// engine it is allowed to touch, and returns the node's output value.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/memory"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// ErrHandler is the sentinel wrapped by kind-specific execution failures.
var ErrHandler = errors.New("handler error")

// ErrMissingParam marks a required parameter that was absent after
// resolution.
var ErrMissingParam = errors.New("missing required parameter")

// SubRunner executes a loop iteration's steps as a scoped sub-run and
// returns the per-step outputs. The engine provides the implementation; the
// loop handler only knows this contract.
type SubRunner interface {
	RunIteration(ctx context.Context, steps []workflow.Node, frame memory.LoopFrame) (map[string]any, error)
}

// Runtime is the slice of engine state exposed to handlers.
type Runtime struct {
	Store    *memory.Store
	Snapshot *memory.Snapshot
	Logger   *zap.Logger
	Sub      SubRunner
	Stdin    io.Reader
	Stdout   io.Writer
}

// Handler executes one node kind.
type Handler interface {
	Execute(ctx context.Context, params map[string]any, rt *Runtime) (any, error)
}

// Registry maps node kinds to their handlers.
type Registry struct {
	handlers map[workflow.NodeKind]Handler
}

// NewRegistry builds the default registry covering every known kind.
func NewRegistry() *Registry {
	return &Registry{handlers: map[workflow.NodeKind]Handler{
		workflow.KindShell:     &Shell{},
		workflow.KindHTTP:      &HTTP{},
		workflow.KindDelay:     &Delay{},
		workflow.KindSwitch:    &Switch{},
		workflow.KindScript:    &Script{},
		workflow.KindLLM:       &LLM{},
		workflow.KindTransform: &Transform{},
		workflow.KindFile:      &File{},
		workflow.KindLoop:      &Loop{},
		workflow.KindInput:     &Input{},
		workflow.KindAssign:    &Assign{},
		workflow.KindMCP:       &MCP{},
	}}
}

// Get returns the handler for a kind.
func (r *Registry) Get(kind workflow.NodeKind) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no handler for kind %q", ErrHandler, kind)
	}
	return h, nil
}

// Register replaces the handler for a kind. Tests use this to substitute
// fakes.
func (r *Registry) Register(kind workflow.NodeKind, h Handler) {
	r.handlers[kind] = h
}

// DefaultTimeout returns the built-in execution ceiling for a kind. Zero
// means unbounded.
func DefaultTimeout(kind workflow.NodeKind) time.Duration {
	switch kind {
	case workflow.KindHTTP:
		return 30 * time.Second
	case workflow.KindLLM:
		return 120 * time.Second
	case workflow.KindMCP:
		return 30 * time.Second
	default:
		return 0
	}
}
