package nodes

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// Input prompts on stdout and reads one line from stdin. An empty line
// falls back to the default when one is given.
type Input struct{}

func (h *Input) Execute(ctx context.Context, params map[string]any, rt *Runtime) (any, error) {
	prompt := optionalString(params, "prompt", "Please enter value:")
	def := optionalString(params, "default", "")

	if def != "" {
		fmt.Fprintf(rt.Stdout, "%s [default: %s] ", prompt, def)
	} else {
		fmt.Fprintf(rt.Stdout, "%s ", prompt)
	}

	type readResult struct {
		line string
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		reader := bufio.NewReader(rt.Stdin)
		line, err := reader.ReadString('\n')
		ch <- readResult{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil && res.line == "" {
			return nil, fmt.Errorf("%w: input: %v", ErrHandler, res.err)
		}
		trimmed := strings.TrimSpace(res.line)
		if trimmed == "" && def != "" {
			return def, nil
		}
		return trimmed, nil
	}
}
