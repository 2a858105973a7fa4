package nodes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/memory"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

func testRuntime() *Runtime {
	store := memory.NewStore()
	return &Runtime{
		Store:    store,
		Snapshot: store.Snapshot(nil),
		Logger:   zap.NewNop(),
		Stdin:    strings.NewReader(""),
		Stdout:   &strings.Builder{},
	}
}

func TestShellCapturesStreams(t *testing.T) {
	h := &Shell{}
	out, err := h.Execute(context.Background(), map[string]any{
		"command": "echo out; echo err >&2",
	}, testRuntime())
	require.NoError(t, err)

	obj := out.(map[string]any)
	assert.Equal(t, "out", obj["stdout"])
	assert.Equal(t, "err", obj["stderr"])
	assert.Equal(t, int64(0), obj["exit_code"])
}

func TestShellNonzeroExitFails(t *testing.T) {
	h := &Shell{}
	out, err := h.Execute(context.Background(), map[string]any{
		"command": "exit 3",
	}, testRuntime())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandler)

	obj := out.(map[string]any)
	assert.Equal(t, int64(3), obj["exit_code"])
}

func TestShellIgnoreExitCode(t *testing.T) {
	h := &Shell{}
	out, err := h.Execute(context.Background(), map[string]any{
		"command":          "exit 3",
		"ignore_exit_code": true,
	}, testRuntime())
	require.NoError(t, err)
	assert.Equal(t, int64(3), out.(map[string]any)["exit_code"])
}

func TestShellMissingCommand(t *testing.T) {
	h := &Shell{}
	_, err := h.Execute(context.Background(), map[string]any{}, testRuntime())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingParam)
}

func TestHTTPJSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		rw.Header().Set("Content-Type", "application/json")
		rw.Write([]byte(`{"items": [1, 2]}`))
	}))
	defer server.Close()

	h := &HTTP{}
	out, err := h.Execute(context.Background(), map[string]any{
		"method":  "POST",
		"url":     server.URL,
		"body":    map[string]any{"q": "x"},
		"headers": map[string]any{"X-Token": "secret"},
	}, testRuntime())
	require.NoError(t, err)

	obj := out.(map[string]any)
	assert.Equal(t, int64(200), obj["status"])
	body := obj["body"].(map[string]any)
	assert.Equal(t, []any{int64(1), int64(2)}, body["items"])
}

func TestHTTPPlainTextBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain")
		rw.Write([]byte("hello"))
	}))
	defer server.Close()

	h := &HTTP{}
	out, err := h.Execute(context.Background(), map[string]any{"url": server.URL}, testRuntime())
	require.NoError(t, err)
	assert.Equal(t, "hello", out.(map[string]any)["body"])
}

func TestHTTPErrorStatusFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	h := &HTTP{}
	out, err := h.Execute(context.Background(), map[string]any{"url": server.URL}, testRuntime())
	require.Error(t, err)
	assert.Equal(t, int64(500), out.(map[string]any)["status"])

	// ignore_status downgrades the failure.
	out, err = h.Execute(context.Background(), map[string]any{
		"url":           server.URL,
		"ignore_status": true,
	}, testRuntime())
	require.NoError(t, err)
	assert.Equal(t, int64(500), out.(map[string]any)["status"])
}

func TestSwitchReturnsBranch(t *testing.T) {
	h := &Switch{}
	out, err := h.Execute(context.Background(), map[string]any{
		"condition":   "5 > 3",
		"true_value":  "yes",
		"false_value": "no",
	}, testRuntime())
	require.NoError(t, err)
	assert.Equal(t, "yes", out)

	out, err = h.Execute(context.Background(), map[string]any{
		"condition":   "1 > 3",
		"true_value":  "yes",
		"false_value": "no",
	}, testRuntime())
	require.NoError(t, err)
	assert.Equal(t, "no", out)
}

func TestSwitchBadConditionFails(t *testing.T) {
	h := &Switch{}
	_, err := h.Execute(context.Background(), map[string]any{
		"condition": "not a condition",
	}, testRuntime())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandler)
}

func TestTransformPath(t *testing.T) {
	h := &Transform{}
	out, err := h.Execute(context.Background(), map[string]any{
		"input": map[string]any{"xs": []any{int64(1), int64(2), int64(3)}},
		"path":  "$.xs[*]",
	}, testRuntime())
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, out)
}

func TestTransformSingleMatch(t *testing.T) {
	h := &Transform{}
	out, err := h.Execute(context.Background(), map[string]any{
		"input": map[string]any{"user": map[string]any{"name": "ada"}},
		"path":  "$.user.name",
	}, testRuntime())
	require.NoError(t, err)
	assert.Equal(t, "ada", out)
}

func TestTransformExtract(t *testing.T) {
	h := &Transform{}
	out, err := h.Execute(context.Background(), map[string]any{
		"input": map[string]any{
			"user":  map[string]any{"name": "ada"},
			"total": int64(2),
		},
		"extract": map[string]any{
			"who":   "$.user.name",
			"count": "$.total",
		},
	}, testRuntime())
	require.NoError(t, err)
	obj := out.(map[string]any)
	assert.Equal(t, "ada", obj["who"])
	assert.Equal(t, int64(2), obj["count"])
}

func TestTransformMissFails(t *testing.T) {
	h := &Transform{}
	_, err := h.Execute(context.Background(), map[string]any{
		"input": map[string]any{"a": int64(1)},
		"path":  "$.nope",
	}, testRuntime())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandler)
}

func TestTransformExpression(t *testing.T) {
	h := &Transform{}
	out, err := h.Execute(context.Background(), map[string]any{
		"input":      map[string]any{"xs": []any{int64(1), int64(2), int64(3)}},
		"expression": "input.xs.map(function(x) { return x * 10 })",
	}, testRuntime())
	require.NoError(t, err)
	assert.Equal(t, []any{int64(10), int64(20), int64(30)}, out)
}

func TestFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	h := &File{}

	out, err := h.Execute(context.Background(), map[string]any{
		"operation": "write",
		"path":      path,
		"content":   "line one\n",
	}, testRuntime())
	require.NoError(t, err)
	assert.Equal(t, int64(9), out.(map[string]any)["bytes_written"])

	_, err = h.Execute(context.Background(), map[string]any{
		"operation": "append",
		"path":      path,
		"content":   "line two\n",
	}, testRuntime())
	require.NoError(t, err)

	out, err = h.Execute(context.Background(), map[string]any{
		"operation": "read",
		"path":      path,
	}, testRuntime())
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", out.(map[string]any)["content"])
}

func TestFileReadMissingFails(t *testing.T) {
	h := &File{}
	_, err := h.Execute(context.Background(), map[string]any{
		"operation": "read",
		"path":      filepath.Join(t.TempDir(), "ghost.txt"),
	}, testRuntime())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandler)
}

func TestAssignSetAndAppend(t *testing.T) {
	rt := testRuntime()
	h := &Assign{}

	out, err := h.Execute(context.Background(), map[string]any{
		"assignments": []any{
			map[string]any{"key": "name", "value": "ada"},
			map[string]any{"key": "log", "value": "first", "mode": "append"},
			map[string]any{"key": "log", "value": "second", "mode": "append"},
		},
	}, rt)
	require.NoError(t, err)

	obj := out.(map[string]any)
	assert.Equal(t, "ada", obj["name"])
	assert.Equal(t, []any{"first", "second"}, obj["log"])

	v, ok := rt.Store.GetGlobal("name")
	require.True(t, ok)
	assert.Equal(t, "ada", v)
}

func TestAssignAppendToScalarIsNoOp(t *testing.T) {
	rt := testRuntime()
	rt.Store.SetGlobal("s", "scalar")
	h := &Assign{}

	_, err := h.Execute(context.Background(), map[string]any{
		"assignments": []any{
			map[string]any{"key": "s", "value": "x", "mode": "append"},
		},
	}, rt)
	require.NoError(t, err)

	v, _ := rt.Store.GetGlobal("s")
	assert.Equal(t, "scalar", v)
}

func TestInputReadsLineWithDefault(t *testing.T) {
	rt := testRuntime()
	rt.Stdin = strings.NewReader("typed answer\n")
	h := &Input{}

	out, err := h.Execute(context.Background(), map[string]any{
		"prompt": "Name?",
	}, rt)
	require.NoError(t, err)
	assert.Equal(t, "typed answer", out)

	rt.Stdin = strings.NewReader("\n")
	out, err = h.Execute(context.Background(), map[string]any{
		"prompt":  "Name?",
		"default": "fallback",
	}, rt)
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestDelayHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := &Delay{}
	_, err := h.Execute(ctx, map[string]any{"milliseconds": int64(5000)}, testRuntime())
	require.Error(t, err)
}

func TestRegistryCoversAllKinds(t *testing.T) {
	registry := NewRegistry()
	for _, kind := range []string{
		"shell", "http", "delay", "switch", "script", "llm",
		"transform", "file", "loop", "input", "assign", "mcp",
	} {
		h, err := registry.Get(workflow.NodeKind(kind))
		require.NoError(t, err, kind)
		assert.NotNil(t, h, kind)
	}
}

func TestScriptUnsupportedLanguage(t *testing.T) {
	h := &Script{}
	_, err := h.Execute(context.Background(), map[string]any{
		"language": "cobol",
		"script":   "DISPLAY 'HI'",
	}, testRuntime())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandler)
}

func TestLLMRequiresAPIKey(t *testing.T) {
	h := &LLM{}
	t.Setenv("DAEDALUS_TEST_MISSING_KEY", "")
	os.Unsetenv("DAEDALUS_TEST_MISSING_KEY")
	_, err := h.Execute(context.Background(), map[string]any{
		"prompt":      "hi",
		"api_key_env": "DAEDALUS_TEST_MISSING_KEY",
	}, testRuntime())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandler)
}

func TestLLMCallsEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		rw.Header().Set("Content-Type", "application/json")
		rw.Write([]byte(`{
			"choices": [{"message": {"content": "hello back"}}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5}
		}`))
	}))
	defer server.Close()

	t.Setenv("DAEDALUS_TEST_KEY", "test-key")
	h := &LLM{}
	out, err := h.Execute(context.Background(), map[string]any{
		"prompt":      "hi",
		"model":       "test-model",
		"base_url":    server.URL,
		"api_key_env": "DAEDALUS_TEST_KEY",
	}, testRuntime())
	require.NoError(t, err)

	obj := out.(map[string]any)
	assert.Equal(t, "hello back", obj["content"])
	assert.Equal(t, "test-model", obj["model"])
	usage := obj["usage"].(map[string]any)
	assert.Equal(t, int64(5), usage["total_tokens"])
}
