// Package template implements the {{ path }} substitution language used to
// wire node outputs and globals into node parameters. Resolution runs
// against an immutable memory snapshot, so a node sees one consistent view
// of the store for its whole parameter tree.
package template

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/memory"
	"github.com/wehubfusion/Daedalus/pkg/value"
)

// ErrResolution is the sentinel wrapped by every template failure: malformed
// expressions, unknown roots, undeclared or incomplete nodes.
var ErrResolution = errors.New("template resolution error")

var (
	tokenRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
	identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Resolve walks a parameter tree and replaces every {{ … }} expression. A
// string that is exactly one expression resolves to the referenced value
// with its type preserved; expressions embedded in surrounding text are
// stringified in place. Non-string leaves pass through unchanged.
func Resolve(params any, snap *memory.Snapshot) (any, error) {
	switch t := params.(type) {
	case string:
		return resolveString(t, snap)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			r, err := Resolve(e, snap)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			r, err := Resolve(e, snap)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	default:
		return params, nil
	}
}

// ResolveString resolves templates inside a single string field.
func ResolveString(s string, snap *memory.Snapshot) (any, error) {
	return resolveString(s, snap)
}

func resolveString(s string, snap *memory.Snapshot) (any, error) {
	matches := tokenRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	// A field that is exactly one token flows through type-preserving.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return Eval(s[matches[0][2]:matches[0][3]], snap)
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		v, err := Eval(s[m[2]:m[3]], snap)
		if err != nil {
			return nil, err
		}
		b.WriteString(value.Stringify(v))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// Eval resolves a single dotted-path expression against the snapshot.
func Eval(expr string, snap *memory.Snapshot) (any, error) {
	parts, err := splitPath(expr)
	if err != nil {
		return nil, err
	}
	switch parts[0] {
	case "global":
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: %q needs a key after 'global'", ErrResolution, expr)
		}
		root, ok := snap.Globals[parts[1]]
		if !ok {
			return nil, fmt.Errorf("%w: global %q is not set", ErrResolution, parts[1])
		}
		return traverse(root, parts[2:]), nil
	case "nodes":
		if len(parts) < 3 || parts[2] != "output" {
			return nil, fmt.Errorf("%w: %q must be nodes.<id>.output[...]", ErrResolution, expr)
		}
		root, ok := snap.Outputs[parts[1]]
		if !ok {
			return nil, fmt.Errorf("%w: node %q has no output yet", ErrResolution, parts[1])
		}
		return traverse(root, parts[3:]), nil
	case "loop":
		if snap.Loop == nil {
			return nil, fmt.Errorf("%w: %q used outside a loop", ErrResolution, expr)
		}
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: %q needs item, index or total", ErrResolution, expr)
		}
		switch parts[1] {
		case "item":
			return traverse(snap.Loop.Item, parts[2:]), nil
		case "index":
			return int64(snap.Loop.Index), nil
		case "total":
			return int64(snap.Loop.Total), nil
		default:
			return nil, fmt.Errorf("%w: unknown loop field %q", ErrResolution, parts[1])
		}
	default:
		return nil, fmt.Errorf("%w: unknown root %q in %q", ErrResolution, parts[0], expr)
	}
}

// splitPath breaks a dotted path into components, validating each as an
// identifier or a non-negative array index. The bracket form xs[0] is
// accepted as an alias for xs.0.
func splitPath(expr string) ([]string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrResolution)
	}
	expr = strings.ReplaceAll(expr, "[", ".")
	expr = strings.ReplaceAll(expr, "]", "")
	parts := strings.Split(expr, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: malformed path %q", ErrResolution, expr)
		}
		if !identRe.MatchString(p) {
			if n, err := strconv.Atoi(p); err != nil || n < 0 {
				return nil, fmt.Errorf("%w: bad path component %q in %q", ErrResolution, p, expr)
			}
		}
	}
	return parts, nil
}

// traverse walks objects by key and arrays by numeric index. Absent leaves
// resolve to nil rather than erroring, so optional fields stay optional.
func traverse(v any, parts []string) any {
	for _, p := range parts {
		switch t := v.(type) {
		case map[string]any:
			v = t[p]
		case []any:
			idx, err := strconv.Atoi(p)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil
			}
			v = t[idx]
		case nil:
			return nil
		default:
			return nil
		}
	}
	return v
}
