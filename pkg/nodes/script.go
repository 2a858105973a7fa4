package nodes

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/value"
)

// Script writes the script body to a uuid-named temp file and runs it with
// the language's interpreter. Stdout that parses as JSON, other than a bare
// JSON string, is additionally exposed under parsed_json.
type Script struct{}

func (h *Script) Execute(ctx context.Context, params map[string]any, rt *Runtime) (any, error) {
	script, err := requireString(params, "script")
	if err != nil {
		return nil, err
	}
	language := optionalString(params, "language", "python")

	var interpreter, ext string
	switch language {
	case "python", "python3":
		interpreter, ext = "python3", "py"
	case "javascript", "js", "node":
		interpreter, ext = "node", "js"
	default:
		return nil, fmt.Errorf("%w: unsupported script language %q", ErrHandler, language)
	}

	tmp := filepath.Join(os.TempDir(), fmt.Sprintf("daedalus_script_%s.%s", uuid.NewString(), ext))
	if err := os.WriteFile(tmp, []byte(script), 0o600); err != nil {
		return nil, fmt.Errorf("%w: script: write temp file: %v", ErrHandler, err)
	}
	defer os.Remove(tmp)

	rt.Logger.Debug("executing script", zap.String("language", language), zap.String("interpreter", interpreter))

	cmd := exec.CommandContext(ctx, interpreter, tmp)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := int64(0)
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = int64(exitErr.ExitCode())
		} else {
			return nil, fmt.Errorf("%w: script: %v (is %s installed?)", ErrHandler, runErr, interpreter)
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	trimmedOut := strings.TrimRight(stdout.String(), "\n")
	out := map[string]any{
		"stdout":    trimmedOut,
		"stderr":    strings.TrimRight(stderr.String(), "\n"),
		"exit_code": exitCode,
		"success":   exitCode == 0,
	}
	if parsed := value.FromJSON([]byte(trimmedOut)); trimmedOut != "" {
		if _, isStr := parsed.(string); !isStr {
			out["parsed_json"] = parsed
		}
	}
	if exitCode != 0 {
		return out, fmt.Errorf("%w: %s script exited with code %d: %s", ErrHandler, language, exitCode, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}
