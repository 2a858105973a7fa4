package nodes

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wehubfusion/Daedalus/pkg/memory"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Loop fans out one scoped sub-run per item. The engine resolves the items
// parameter before dispatch but leaves steps untouched, so step templates
// referencing loop.* resolve inside each iteration. Iterations run
// concurrently up to loop_parallelism; the iterations array keeps index
// order regardless of completion order.
type Loop struct{}

func (h *Loop) Execute(ctx context.Context, params map[string]any, rt *Runtime) (any, error) {
	items, ok := params["items"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: loop 'items' must resolve to an array", ErrMissingParam)
	}
	steps, err := workflow.ParseSteps("loop", params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandler, err)
	}
	if rt.Sub == nil {
		return nil, fmt.Errorf("%w: loop execution is not available in this context", ErrHandler)
	}

	parallelism := int(optionalInt(params, "loop_parallelism", 0))
	rt.Logger.Debug("loop fan-out",
		zap.Int("items", len(items)),
		zap.Int("steps", len(steps)),
		zap.Int("parallelism", parallelism))

	iterations := make([]any, len(items))
	g, groupCtx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	total := len(items)
	for index, item := range items {
		g.Go(func() error {
			frame := memory.LoopFrame{Item: item, Index: index, Total: total}
			outputs, err := rt.Sub.RunIteration(groupCtx, steps, frame)
			if err != nil {
				return fmt.Errorf("iteration %d: %w", index, err)
			}
			stepOutputs := make(map[string]any, len(outputs))
			for id, out := range outputs {
				stepOutputs[id] = out
			}
			iterations[index] = stepOutputs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: loop: %v", ErrHandler, err)
	}

	return map[string]any{
		"iterations": iterations,
		"count":      int64(len(items)),
	}, nil
}
