package nodes

import (
	"context"
	"fmt"

	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// Assign mutates workflow globals. Each assignment sets or appends one key;
// the output is an object of every affected global after application.
type Assign struct{}

func (h *Assign) Execute(ctx context.Context, params map[string]any, rt *Runtime) (any, error) {
	raw, ok := params["assignments"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingParam, "assignments")
	}

	affected := make(map[string]any, len(raw))
	for i, entry := range raw {
		assignment, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: assign: assignment %d is not an object", ErrHandler, i)
		}
		key := cast.ToString(assignment["key"])
		if key == "" {
			return nil, fmt.Errorf("%w: assign: assignment %d has no key", ErrHandler, i)
		}
		val := assignment["value"]
		mode := cast.ToString(assignment["mode"])
		if mode == "" {
			mode = "set"
		}

		switch mode {
		case "set":
			rt.Store.SetGlobal(key, val)
		case "append":
			if !rt.Store.AppendGlobal(key, val) {
				rt.Logger.Warn("cannot append to non-array global", zap.String("key", key))
				continue
			}
		default:
			return nil, fmt.Errorf("%w: assign: unknown mode %q", ErrHandler, mode)
		}
		if current, ok := rt.Store.GetGlobal(key); ok {
			affected[key] = current
		}
	}
	return affected, nil
}
