package nodes

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Shell runs a command through `sh -c` and captures its streams. A nonzero
// exit code fails the node unless ignore_exit_code is set.
type Shell struct{}

func (h *Shell) Execute(ctx context.Context, params map[string]any, rt *Runtime) (any, error) {
	command, err := requireString(params, "command")
	if err != nil {
		return nil, err
	}

	rt.Logger.Debug("executing shell command", zap.String("command", command))

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := int64(0)
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = int64(exitErr.ExitCode())
		} else {
			return nil, fmt.Errorf("%w: shell: %v", ErrHandler, runErr)
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	out := map[string]any{
		"stdout":    strings.TrimRight(stdout.String(), "\n"),
		"stderr":    strings.TrimRight(stderr.String(), "\n"),
		"exit_code": exitCode,
		"success":   exitCode == 0,
	}
	if exitCode != 0 && !optionalBool(params, "ignore_exit_code") {
		return out, fmt.Errorf("%w: shell exited with code %d: %s", ErrHandler, exitCode, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}
