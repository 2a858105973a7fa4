// Package workflow defines the immutable workflow descriptor loaded from
// YAML and the validation applied before any node runs.
package workflow

import (
	"errors"
	"fmt"
)

// NodeKind discriminates the handler used for a node.
type NodeKind string

const (
	KindShell     NodeKind = "shell"
	KindHTTP      NodeKind = "http"
	KindDelay     NodeKind = "delay"
	KindSwitch    NodeKind = "switch"
	KindScript    NodeKind = "script"
	KindLLM       NodeKind = "llm"
	KindTransform NodeKind = "transform"
	KindFile      NodeKind = "file"
	KindLoop      NodeKind = "loop"
	KindInput     NodeKind = "input"
	KindAssign    NodeKind = "assign"
	KindMCP       NodeKind = "mcp"
)

var knownKinds = map[NodeKind]struct{}{
	KindShell: {}, KindHTTP: {}, KindDelay: {}, KindSwitch: {},
	KindScript: {}, KindLLM: {}, KindTransform: {}, KindFile: {},
	KindLoop: {}, KindInput: {}, KindAssign: {}, KindMCP: {},
}

// KnownKind reports whether kind selects a registered handler.
func KnownKind(kind NodeKind) bool {
	_, ok := knownKinds[kind]
	return ok
}

// FailurePolicy controls what happens to the rest of the run when a node
// fails.
type FailurePolicy string

const (
	// FailAbort cancels the whole run on the first node failure.
	FailAbort FailurePolicy = "abort"
	// FailContinue skips only the failed node's transitive successors.
	FailContinue FailurePolicy = "continue"
)

// Node describes a single unit of work. Descriptors are built at load time
// and never mutated afterwards.
type Node struct {
	ID     string   `yaml:"id" json:"id"`
	Kind   NodeKind `yaml:"type" json:"kind"`
	Name   string   `yaml:"name" json:"name"`
	Needs  []string `yaml:"needs" json:"needs,omitempty"`
	Params any      `yaml:"params" json:"params"`
}

// Workflow is the full descriptor for one runnable workflow.
type Workflow struct {
	Name      string         `yaml:"name" json:"name"`
	Version   string         `yaml:"version" json:"version"`
	Global    map[string]any `yaml:"global" json:"global,omitempty"`
	OnFailure FailurePolicy  `yaml:"on_failure" json:"on_failure,omitempty"`
	Nodes     []Node         `yaml:"nodes" json:"nodes"`
}

// ErrLoad is the sentinel wrapped by every load-time failure: malformed
// YAML, duplicate node id, unknown node type, dangling dependency, cycle.
var ErrLoad = errors.New("workflow load error")

// LoadErrorf builds a load error with a formatted message.
func LoadErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrLoad, fmt.Sprintf(format, args...))
}

// IsLoadError reports whether err originated at load time.
func IsLoadError(err error) bool {
	return errors.Is(err, ErrLoad)
}

// Validate checks structural invariants: unique ids, known kinds, declared
// dependencies, acyclic edges, and loop steps that only reference sibling
// steps. It runs before the first handler is invoked.
func (w *Workflow) Validate() error {
	if len(w.Nodes) == 0 {
		return LoadErrorf("workflow %q has no nodes", w.Name)
	}
	if w.OnFailure == "" {
		w.OnFailure = FailAbort
	}
	if w.OnFailure != FailAbort && w.OnFailure != FailContinue {
		return LoadErrorf("unknown on_failure policy %q", w.OnFailure)
	}
	return validateNodes(w.Nodes, "")
}

func validateNodes(nodes []Node, scope string) error {
	ids := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return LoadErrorf("%snode with empty id", scopePrefix(scope))
		}
		if _, dup := ids[n.ID]; dup {
			return LoadErrorf("%sduplicate node id %q", scopePrefix(scope), n.ID)
		}
		ids[n.ID] = struct{}{}
		if !KnownKind(n.Kind) {
			return LoadErrorf("%snode %q has unknown type %q", scopePrefix(scope), n.ID, n.Kind)
		}
	}
	for _, n := range nodes {
		for _, dep := range n.Needs {
			if _, ok := ids[dep]; !ok {
				return LoadErrorf("%snode %q needs undeclared node %q", scopePrefix(scope), n.ID, dep)
			}
		}
	}
	if residual := CycleResidual(nodes); len(residual) > 0 {
		return LoadErrorf("%sdependency cycle involving nodes %v", scopePrefix(scope), residual)
	}
	// Loop steps form their own scope; they may only reference siblings.
	for _, n := range nodes {
		if n.Kind != KindLoop {
			continue
		}
		steps, err := LoopSteps(n)
		if err != nil {
			return err
		}
		if err := validateNodes(steps, n.ID); err != nil {
			return err
		}
	}
	return nil
}

func scopePrefix(scope string) string {
	if scope == "" {
		return ""
	}
	return fmt.Sprintf("loop %q: ", scope)
}

// CycleResidual runs Kahn's algorithm over the node list and returns the ids
// that never reach in-degree zero. An empty result means the edges form a
// DAG.
func CycleResidual(nodes []Node) []string {
	indegree := make(map[string]int, len(nodes))
	successors := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		indegree[n.ID] = len(n.Needs)
		for _, dep := range n.Needs {
			successors[dep] = append(successors[dep], n.ID)
		}
	}
	queue := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, succ := range successors[id] {
			indegree[succ]--
			if indegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}
	if visited == len(nodes) {
		return nil
	}
	var residual []string
	for _, n := range nodes {
		if indegree[n.ID] > 0 {
			residual = append(residual, n.ID)
		}
	}
	return residual
}
