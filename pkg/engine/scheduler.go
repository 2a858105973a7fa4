package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/memory"
	"github.com/wehubfusion/Daedalus/pkg/nodes"
	"github.com/wehubfusion/Daedalus/pkg/template"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// DefaultMaxConcurrency bounds simultaneous node executions per scheduler
// instance.
const DefaultMaxConcurrency = 10

// cancelGrace is how long an aborting run waits for in-flight handlers
// before orphaning them.
const cancelGrace = 5 * time.Second

// Dispatcher executes a single resolved node. The local dispatcher calls
// handlers in-process; the coordinator's dispatcher ships tasks to workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, node workflow.Node, params map[string]any, frame *memory.LoopFrame) (any, error)
}

// EventSink receives node lifecycle events. Implementations must be safe
// for concurrent use; a nil sink disables events.
type EventSink interface {
	Publish(event Event)
}

// Event is one node or run lifecycle transition.
type Event struct {
	RunID     string    `json:"run_id"`
	NodeID    string    `json:"node_id,omitempty"`
	Type      string    `json:"type"`
	Status    string    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type completion struct {
	id     string
	output any
	err    error
}

// scheduler drives one DAG to completion with bounded concurrency. A fresh
// instance is built per run and per loop iteration.
type scheduler struct {
	graph          *graph
	store          *memory.Store
	dispatcher     Dispatcher
	logger         *zap.Logger
	maxConcurrency int
	onFailure      workflow.FailurePolicy
	frame          *memory.LoopFrame
	events         EventSink
	runID          string
}

// run executes the dispatch loop. It returns the recorded failures keyed by
// node id; the first failure is the run's error under the abort policy.
func (s *scheduler) run(ctx context.Context) (map[string]*NodeError, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	completions := make(chan completion)
	running := 0
	failures := map[string]*NodeError{}
	var firstFailure *NodeError
	aborting := false

	for {
		if !aborting {
			for _, id := range s.graph.ready() {
				if running >= s.maxConcurrency {
					break
				}
				node := s.graph.nodes[id]
				s.graph.states[id] = StateRunning
				running++
				s.emit(Event{Type: "node_started", NodeID: id, Timestamp: time.Now()})
				s.logger.Info("executing node",
					zap.String("node", id),
					zap.String("kind", string(node.Kind)))
				go s.execute(ctx, node, completions)
			}
		}

		if running == 0 {
			if aborting || s.graph.done() {
				break
			}
			// Nothing running and nothing ready: validation should have
			// caught this, but guard against a stuck graph.
			return failures, fmt.Errorf("workflow is stuck: no runnable nodes remain")
		}

		var c completion
		if aborting {
			select {
			case c = <-completions:
			case <-time.After(cancelGrace):
				s.logger.Warn("orphaning unresponsive handlers", zap.Int("running", running))
				running = 0
				continue
			}
		} else {
			c = <-completions
		}
		running--

		if c.err != nil {
			nodeErr := newNodeError(s.graph.nodes[c.id], c.err)
			s.graph.states[c.id] = StateFailed
			failures[c.id] = nodeErr
			if firstFailure == nil {
				firstFailure = nodeErr
			}
			s.emit(Event{Type: "node_failed", NodeID: c.id, Error: nodeErr.Message, Timestamp: time.Now()})
			s.logger.Error("node failed", zap.String("node", c.id), zap.Error(c.err))

			if s.onFailure == workflow.FailContinue {
				skipped := s.graph.skipTransitive(c.id)
				for _, id := range skipped {
					s.emit(Event{Type: "node_skipped", NodeID: id, Timestamp: time.Now()})
				}
				continue
			}
			if !aborting {
				aborting = true
				cancel()
				for _, id := range s.graph.skipRemaining() {
					s.emit(Event{Type: "node_skipped", NodeID: id, Timestamp: time.Now()})
				}
			}
			continue
		}

		s.store.PutOutput(c.id, c.output)
		s.graph.complete(c.id)
		s.emit(Event{Type: "node_succeeded", NodeID: c.id, Timestamp: time.Now()})
		s.logger.Info("node completed", zap.String("node", c.id))
	}

	if firstFailure != nil && s.onFailure == workflow.FailAbort {
		return failures, firstFailure
	}
	return failures, nil
}

// execute resolves one node's parameters against a fresh snapshot, applies
// its timeout, and runs it through the dispatcher.
func (s *scheduler) execute(ctx context.Context, node workflow.Node, completions chan<- completion) {
	output, err := s.executeOne(ctx, node)
	select {
	case completions <- completion{id: node.ID, output: output, err: err}:
	case <-time.After(cancelGrace + time.Second):
		// The dispatch loop has orphaned this handler; drop the result.
	}
}

func (s *scheduler) executeOne(ctx context.Context, node workflow.Node) (any, error) {
	params, err := s.resolveParams(node)
	if err != nil {
		return nil, err
	}

	timeout := nodes.DefaultTimeout(node.Kind)
	if ms, ok := params["timeout_ms"]; ok {
		if i, isInt := asInt(ms); isInt && i > 0 {
			timeout = time.Duration(i) * time.Millisecond
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	output, err := s.dispatcher.Dispatch(ctx, node, params, s.frame)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case errors.Is(err, context.Canceled):
			return nil, ErrCancelled
		}
		return nil, err
	}
	return output, nil
}

// resolveParams renders the node's parameter tree against a snapshot of the
// store. Loop nodes keep their steps untouched so iteration-scoped
// templates resolve later, inside the iteration.
func (s *scheduler) resolveParams(node workflow.Node) (map[string]any, error) {
	snap := s.store.Snapshot(s.frame)

	raw, ok := node.Params.(map[string]any)
	if !ok {
		if node.Params == nil {
			return map[string]any{}, nil
		}
		resolved, err := template.Resolve(node.Params, snap)
		if err != nil {
			return nil, err
		}
		if obj, isObj := resolved.(map[string]any); isObj {
			return obj, nil
		}
		return map[string]any{}, nil
	}

	out := make(map[string]any, len(raw))
	for key, val := range raw {
		if node.Kind == workflow.KindLoop && key == "steps" {
			out[key] = val
			continue
		}
		resolved, err := template.Resolve(val, snap)
		if err != nil {
			return nil, err
		}
		out[key] = resolved
	}
	if node.Kind == workflow.KindLoop {
		if _, ok := out["loop_parallelism"]; !ok {
			out["loop_parallelism"] = int64(s.maxConcurrency)
		}
	}
	return out, nil
}

func (s *scheduler) emit(e Event) {
	if s.events == nil {
		return
	}
	e.RunID = s.runID
	s.events.Publish(e)
}

func asInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case float64:
		return int64(t), true
	default:
		return 0, false
	}
}
