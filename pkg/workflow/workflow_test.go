package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBasicWorkflow(t *testing.T) {
	wf, err := Parse([]byte(`
name: demo
version: "1.0"
global:
  greeting: hello
  retries: 3
nodes:
  - id: a
    type: shell
    name: first
    params:
      command: echo hi
  - id: b
    type: delay
    needs: [a]
    params:
      milliseconds: 10
`))
	require.NoError(t, err)
	assert.Equal(t, "demo", wf.Name)
	assert.Len(t, wf.Nodes, 2)
	assert.Equal(t, KindShell, wf.Nodes[0].Kind)
	assert.Equal(t, []string{"a"}, wf.Nodes[1].Needs)
	// YAML integers normalize to int64.
	assert.Equal(t, int64(3), wf.Global["retries"])
	params := wf.Nodes[1].Params.(map[string]any)
	assert.Equal(t, int64(10), params["milliseconds"])
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("nodes: ["))
	require.Error(t, err)
	assert.True(t, IsLoadError(err))
}

func TestValidateDuplicateID(t *testing.T) {
	_, err := Parse([]byte(`
name: dup
version: "1.0"
nodes:
  - id: a
    type: delay
    params: {milliseconds: 1}
  - id: a
    type: delay
    params: {milliseconds: 1}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node id")
}

func TestValidateUnknownType(t *testing.T) {
	_, err := Parse([]byte(`
name: unknown
version: "1.0"
nodes:
  - id: a
    type: quantum
    params: {}
`))
	require.Error(t, err)
	assert.True(t, IsLoadError(err))
	assert.Contains(t, err.Error(), "unknown type")
}

func TestValidateDanglingDependency(t *testing.T) {
	_, err := Parse([]byte(`
name: dangling
version: "1.0"
nodes:
  - id: a
    type: delay
    needs: [ghost]
    params: {milliseconds: 1}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undeclared node")
}

func TestValidateCycle(t *testing.T) {
	_, err := Parse([]byte(`
name: cycle
version: "1.0"
nodes:
  - id: a
    type: delay
    needs: [b]
    params: {milliseconds: 1}
  - id: b
    type: delay
    needs: [a]
    params: {milliseconds: 1}
`))
	require.Error(t, err)
	assert.True(t, IsLoadError(err))
	assert.Contains(t, err.Error(), "cycle")
}

func TestCycleResidualReportsOnlyCycleMembers(t *testing.T) {
	nodes := []Node{
		{ID: "ok", Kind: KindDelay},
		{ID: "x", Kind: KindDelay, Needs: []string{"y"}},
		{ID: "y", Kind: KindDelay, Needs: []string{"x"}},
	}
	residual := CycleResidual(nodes)
	assert.ElementsMatch(t, []string{"x", "y"}, residual)
}

func TestLoopStepsScopeIsValidated(t *testing.T) {
	// A loop step must not reference a top-level node.
	_, err := Parse([]byte(`
name: loopscope
version: "1.0"
nodes:
  - id: top
    type: delay
    params: {milliseconds: 1}
  - id: fan
    type: loop
    params:
      items: [1, 2]
      steps:
        - id: inner
          type: delay
          needs: [top]
          params: {milliseconds: 1}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undeclared node")
}

func TestLoopSteps(t *testing.T) {
	wf, err := Parse([]byte(`
name: loops
version: "1.0"
nodes:
  - id: fan
    type: loop
    params:
      items: [1]
      steps:
        - id: s1
          type: delay
          params: {milliseconds: 1}
        - id: s2
          type: delay
          needs: [s1]
          params: {milliseconds: 1}
`))
	require.NoError(t, err)
	steps, err := LoopSteps(wf.Nodes[0])
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "s1", steps[0].ID)
	assert.Equal(t, []string{"s1"}, steps[1].Needs)
}
