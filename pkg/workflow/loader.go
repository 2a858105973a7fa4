package workflow

import (
	"os"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/Daedalus/pkg/value"
)

// Load reads and parses a workflow file, returning a validated descriptor.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, LoadErrorf("read %s: %v", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a validated workflow descriptor. Parameter
// trees are normalized into the canonical value shape so handlers never see
// raw decoder types.
func Parse(data []byte) (*Workflow, error) {
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, LoadErrorf("parse YAML: %v", err)
	}
	if w.Global == nil {
		w.Global = map[string]any{}
	}
	w.Normalize()
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// Normalize coerces the descriptor's parameter trees and globals into the
// canonical value shape. Parse does this for YAML input; JSON ingress (the
// coordinator's submit endpoint) calls it explicitly.
func (w *Workflow) Normalize() {
	for i := range w.Nodes {
		w.Nodes[i].Params = value.Normalize(w.Nodes[i].Params)
	}
	normalized := make(map[string]any, len(w.Global))
	for k, v := range w.Global {
		normalized[k] = value.Normalize(v)
	}
	w.Global = normalized
}

// LoopSteps extracts the steps parameter of a loop node as node descriptors.
// The params tree holds them as plain objects after normalization.
func LoopSteps(n Node) ([]Node, error) {
	return ParseSteps(n.ID, n.Params)
}

// ParseSteps decodes a loop's raw steps array into node descriptors.
func ParseSteps(loopID string, params any) ([]Node, error) {
	obj, ok := params.(map[string]any)
	if !ok {
		return nil, LoadErrorf("loop %q has no params object", loopID)
	}
	raw, ok := obj["steps"].([]any)
	if !ok {
		return nil, LoadErrorf("loop %q requires a 'steps' array", loopID)
	}
	steps := make([]Node, 0, len(raw))
	for i, entry := range raw {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, LoadErrorf("loop %q: step %d is not an object", loopID, i)
		}
		step := Node{
			ID:     cast.ToString(obj["id"]),
			Kind:   NodeKind(cast.ToString(obj["type"])),
			Name:   cast.ToString(obj["name"]),
			Params: obj["params"],
		}
		if needs, ok := obj["needs"].([]any); ok {
			for _, d := range needs {
				step.Needs = append(step.Needs, cast.ToString(d))
			}
		}
		if step.ID == "" {
			return nil, LoadErrorf("loop %q: step %d has no id", loopID, i)
		}
		steps = append(steps, step)
	}
	return steps, nil
}
