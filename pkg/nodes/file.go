package nodes

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/value"
)

// File reads, writes or appends to a local file. Read outputs
// {content, path}; write and append output {path, operation, bytes_written}.
type File struct{}

func (h *File) Execute(ctx context.Context, params map[string]any, rt *Runtime) (any, error) {
	path, err := requireString(params, "path")
	if err != nil {
		return nil, err
	}
	operation := optionalString(params, "operation", "read")

	rt.Logger.Debug("file operation", zap.String("operation", operation), zap.String("path", path))

	switch operation {
	case "read":
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: file: read %s: %v", ErrHandler, path, err)
		}
		return map[string]any{"content": string(content), "path": path}, nil

	case "write", "append":
		raw, ok := params["content"]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingParam, "content")
		}
		content := value.Stringify(raw)
		if operation == "write" {
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, fmt.Errorf("%w: file: write %s: %v", ErrHandler, path, err)
			}
		} else {
			f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, fmt.Errorf("%w: file: open %s for append: %v", ErrHandler, path, err)
			}
			_, writeErr := f.WriteString(content)
			closeErr := f.Close()
			if writeErr != nil {
				return nil, fmt.Errorf("%w: file: append %s: %v", ErrHandler, path, writeErr)
			}
			if closeErr != nil {
				return nil, fmt.Errorf("%w: file: close %s: %v", ErrHandler, path, closeErr)
			}
		}
		return map[string]any{
			"path":          path,
			"operation":     operation,
			"bytes_written": int64(len(content)),
		}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported file operation %q", ErrHandler, operation)
	}
}
