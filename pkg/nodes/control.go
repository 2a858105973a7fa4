package nodes

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/condition"
)

// Delay suspends for a number of milliseconds and outputs nil.
type Delay struct{}

func (h *Delay) Execute(ctx context.Context, params map[string]any, rt *Runtime) (any, error) {
	ms, err := requireInt(params, "milliseconds")
	if err != nil {
		return nil, err
	}
	if ms < 0 {
		return nil, fmt.Errorf("%w: milliseconds must be >= 0, got %d", ErrHandler, ms)
	}

	rt.Logger.Debug("delaying", zap.Int64("milliseconds", ms))

	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Switch evaluates an infix comparison and returns one of two values. The
// condition string arrives already template-rendered.
type Switch struct{}

func (h *Switch) Execute(ctx context.Context, params map[string]any, rt *Runtime) (any, error) {
	cond, err := requireString(params, "condition")
	if err != nil {
		return nil, err
	}
	result, err := condition.Eval(cond)
	if err != nil {
		return nil, fmt.Errorf("%w: switch: %v", ErrHandler, err)
	}

	rt.Logger.Debug("switch evaluated", zap.String("condition", cond), zap.Bool("result", result))

	if result {
		return params["true_value"], nil
	}
	return params["false_value"], nil
}
