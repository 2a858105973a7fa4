package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/memory"
)

func snapshotWith(globals, outputs map[string]any, frame *memory.LoopFrame) *memory.Snapshot {
	return memory.SnapshotFrom(globals, outputs, frame)
}

func TestPureTokenPreservesType(t *testing.T) {
	snap := snapshotWith(nil, map[string]any{
		"p": map[string]any{"xs": []any{int64(1), int64(2), int64(3)}},
	}, nil)

	resolved, err := Resolve("{{ nodes.p.output }}", snap)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"xs": []any{int64(1), int64(2), int64(3)}}, resolved)

	resolved, err = Resolve("{{ nodes.p.output.xs }}", snap)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, resolved)
}

func TestInterpolationStringifies(t *testing.T) {
	snap := snapshotWith(map[string]any{
		"name":  "world",
		"count": int64(3),
		"xs":    []any{int64(1), int64(2)},
	}, nil, nil)

	resolved, err := Resolve("hello {{ global.name }}, n={{ global.count }}, xs={{ global.xs }}", snap)
	require.NoError(t, err)
	assert.Equal(t, "hello world, n=3, xs=[1,2]", resolved)
}

func TestNumericTokensKeepType(t *testing.T) {
	snap := snapshotWith(map[string]any{"n": int64(42), "f": 2.5}, nil, nil)

	resolved, err := Resolve("{{ global.n }}", snap)
	require.NoError(t, err)
	assert.Equal(t, int64(42), resolved)

	resolved, err = Resolve("{{ global.f }}", snap)
	require.NoError(t, err)
	assert.Equal(t, 2.5, resolved)
}

func TestArrayIndexTraversal(t *testing.T) {
	snap := snapshotWith(nil, map[string]any{
		"fetch": map[string]any{
			"items": []any{
				map[string]any{"name": "first"},
				map[string]any{"name": "second"},
			},
		},
	}, nil)

	resolved, err := Resolve("{{ nodes.fetch.output.items.1.name }}", snap)
	require.NoError(t, err)
	assert.Equal(t, "second", resolved)

	// Bracket form is accepted as an alias.
	resolved, err = Resolve("{{ nodes.fetch.output.items[0].name }}", snap)
	require.NoError(t, err)
	assert.Equal(t, "first", resolved)
}

func TestLoopFrame(t *testing.T) {
	frame := &memory.LoopFrame{Item: map[string]any{"id": int64(7)}, Index: 2, Total: 5}
	snap := snapshotWith(nil, nil, frame)

	item, err := Resolve("{{ loop.item.id }}", snap)
	require.NoError(t, err)
	assert.Equal(t, int64(7), item)

	index, err := Resolve("{{ loop.index }}", snap)
	require.NoError(t, err)
	assert.Equal(t, int64(2), index)

	total, err := Resolve("{{ loop.total }}", snap)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
}

func TestLoopOutsideLoopFails(t *testing.T) {
	_, err := Resolve("{{ loop.item }}", snapshotWith(nil, nil, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResolution)
}

func TestUnknownRootFails(t *testing.T) {
	_, err := Resolve("{{ secrets.key }}", snapshotWith(nil, nil, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResolution)
}

func TestIncompleteNodeFails(t *testing.T) {
	_, err := Resolve("{{ nodes.pending.output }}", snapshotWith(nil, nil, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResolution)
}

func TestMissingGlobalFails(t *testing.T) {
	_, err := Resolve("{{ global.nope }}", snapshotWith(nil, nil, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResolution)
}

func TestTraversalPastNullIsLenient(t *testing.T) {
	snap := snapshotWith(nil, map[string]any{
		"p": map[string]any{"maybe": nil},
	}, nil)

	resolved, err := Resolve("{{ nodes.p.output.maybe.deep.field }}", snap)
	require.NoError(t, err)
	assert.Nil(t, resolved)

	// Absent object keys behave the same way.
	resolved, err = Resolve("{{ nodes.p.output.absent }}", snap)
	require.NoError(t, err)
	assert.Nil(t, resolved)
}

func TestMalformedExpressionFails(t *testing.T) {
	snap := snapshotWith(map[string]any{"a": int64(1)}, nil, nil)
	_, err := Resolve("{{ global..a }}", snap)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResolution)
}

func TestResolveWalksNestedParams(t *testing.T) {
	snap := snapshotWith(map[string]any{"url": "http://x"}, nil, nil)
	params := map[string]any{
		"request": map[string]any{
			"url":   "{{ global.url }}/items",
			"count": int64(2),
		},
		"tags": []any{"{{ global.url }}", true},
	}
	resolved, err := Resolve(params, snap)
	require.NoError(t, err)
	obj := resolved.(map[string]any)
	assert.Equal(t, "http://x/items", obj["request"].(map[string]any)["url"])
	assert.Equal(t, int64(2), obj["request"].(map[string]any)["count"])
	assert.Equal(t, []any{"http://x", true}, obj["tags"])
}

func TestNonTemplateStringsPassThrough(t *testing.T) {
	resolved, err := Resolve("no templates here", snapshotWith(nil, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, "no templates here", resolved)
}
