package nodes

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
	"github.com/ohler55/ojg/jp"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/value"
)

// Transform extracts data from its input value. Three modes: a single
// JSONPath (path), a set of named JSONPaths (extract), or a JavaScript
// expression (expression) evaluated in a sandboxed VM with the input bound
// as `input`.
type Transform struct{}

func (h *Transform) Execute(ctx context.Context, params map[string]any, rt *Runtime) (any, error) {
	input, ok := params["input"]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingParam, "input")
	}

	if path, ok := params["path"].(string); ok && path != "" {
		rt.Logger.Debug("transforming with JSONPath", zap.String("path", path))
		return extractPath(input, path)
	}

	if extract, ok := params["extract"].(map[string]any); ok && len(extract) > 0 {
		out := make(map[string]any, len(extract))
		for name, raw := range extract {
			path, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("%w: transform: extract.%s must be a JSONPath string", ErrHandler, name)
			}
			extracted, err := extractPath(input, path)
			if err != nil {
				return nil, err
			}
			out[name] = extracted
		}
		return out, nil
	}

	if expr, ok := params["expression"].(string); ok && expr != "" {
		return evalExpression(ctx, input, expr)
	}

	return nil, fmt.Errorf("%w: transform requires 'path', 'extract' or 'expression'", ErrMissingParam)
}

func extractPath(input any, path string) (any, error) {
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("%w: transform: bad JSONPath %q: %v", ErrHandler, path, err)
	}
	matches := expr.Get(input)
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: transform: JSONPath %q matched nothing", ErrHandler, path)
	case 1:
		return value.Normalize(matches[0]), nil
	default:
		return value.Normalize(matches), nil
	}
}

// evalExpression runs a single JS expression over the input. The VM is
// interrupted if the context ends first.
func evalExpression(ctx context.Context, input any, expr string) (any, error) {
	vm := goja.New()
	if err := vm.Set("input", input); err != nil {
		return nil, fmt.Errorf("%w: transform: %v", ErrHandler, err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("context cancelled")
		case <-done:
		}
	}()

	result, err := vm.RunString(expr)
	if err != nil {
		if _, interrupted := err.(*goja.InterruptedError); interrupted {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: transform expression: %v", ErrHandler, err)
	}
	return value.Normalize(result.Export()), nil
}
