// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Query-farm/wart-worker/graph"
	"github.com/Query-farm/wart-worker/series"
	"github.com/Query-farm/wart-worker/store"
)

const counterProgram = `
seen = []

def main(args):
    for a in args:
        store_merge(a, 1)
        seen.append(a)
    print("seen", len(seen))
    emit("counts", {"key": list(args), "count": [store_get(a) for a in args]})
`

func load(t *testing.T, src string) Instance {
	t.Helper()
	inst, err := (&Starlark{}).Load(context.Background(), []byte(src))
	require.NoError(t, err)
	t.Cleanup(inst.Close)
	return inst
}

func TestLoadRejectsBadPrograms(t *testing.T) {
	tests := map[string]string{
		"empty":          "",
		"syntax":         "def main(:\n",
		"no main":        "x = 1\n",
		"main not func":  "main = 3\n",
		"init fails":     "fail('nope')\ndef main(args): pass\n",
		"unknown global": "def main(args):\n    return undefined_thing\n",
		"bad bytecode":   compiledMagic + "garbage",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := (&Starlark{}).Load(context.Background(), []byte(src))
			require.ErrorIs(t, err, ErrInvalidProgram)
		})
	}
}

func TestCompiledProgram(t *testing.T) {
	code, err := Compile([]byte(counterProgram))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(code), compiledMagic))

	inst, err := (&Starlark{}).Load(context.Background(), code)
	require.NoError(t, err)
	out, err := inst.Invoke(context.Background(), &Host{Store: store.NewMemory()}, []string{"a"})
	require.NoError(t, err)
	require.Len(t, out.Tables, 1)
}

func TestInvokeMergesAndEmits(t *testing.T) {
	ctx := context.Background()
	inst := load(t, counterProgram)
	st := store.NewMemory()
	host := &Host{Store: st}

	out, err := inst.Invoke(ctx, host, []string{"a", "b", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"seen 3"}, out.Logs)
	require.Len(t, out.Tables, 1)
	comment, cols := out.Tables[0].Decode()
	assert.Equal(t, "counts", comment)
	assert.Equal(t, series.Strings{"a", "b", "a"}, cols[0].Values)
	assert.Equal(t, series.Int64s{2, 1, 2}, cols[1].Values)
	assert.Nil(t, out.Nodes)
	assert.Nil(t, out.Edges)

	out, err = inst.Invoke(ctx, host, []string{"b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"seen 4"}, out.Logs, "module state persists across invocations")
}

func TestStoreMergeAdoptsEntryWidth(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.Merge(ctx, "i", series.Int32s{1}, store.Mov))
	require.NoError(t, st.Merge(ctx, "f", series.Float32s{0.5}, store.Mov))

	inst := load(t, `
def main(args):
    store_merge("i", 3)
    store_merge("f", 1)
    store_merge("s", "x", merge="mov")
    store_merge("s", "y")
    store_merge("gone", merge="del")
`)
	_, err := inst.Invoke(ctx, &Host{Store: st}, nil)
	require.NoError(t, err)
	v, _, _ := st.Get(ctx, "i")
	assert.Equal(t, series.Int32s{4}, v)
	v, _, _ = st.Get(ctx, "f")
	assert.Equal(t, series.Float32s{1.5}, v)
	v, _, _ = st.Get(ctx, "s")
	assert.Equal(t, series.Strings{"xy"}, v)
}

func TestTypeMismatchIsFault(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.Merge(ctx, "n", series.Int64s{1}, store.Mov))
	inst := load(t, "def main(args):\n    store_merge('n', 'text')\n")
	_, err := inst.Invoke(ctx, &Host{Store: st}, nil)
	require.ErrorIs(t, err, ErrFault)
	v, _, _ := st.Get(ctx, "n")
	assert.Equal(t, series.Int64s{1}, v)
}

func TestStagedMergesWaitForCommit(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	inst := load(t, `
def main(args):
    store_merge("k", 5)
    emit("seen", {"v": [store_get("k", -1)]})
`)
	out, err := inst.Invoke(ctx, &Host{Store: st, Staged: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, series.Int64s{-1}, out.Tables[0].Columns[0].Values)

	_, err = st.Commit(ctx)
	require.NoError(t, err)
	out, err = inst.Invoke(ctx, &Host{Store: st, Staged: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, series.Int64s{5}, out.Tables[0].Columns[0].Values)
}

func TestStagedMergeAdoptsStagedWidth(t *testing.T) {
	const src = `
def main(args):
    store_merge("k", 1.5)
    store_merge("k", 1)
`
	ctx := context.Background()
	for _, staged := range []bool{false, true} {
		st := store.NewMemory()
		_, err := load(t, src).Invoke(ctx, &Host{Store: st, Staged: staged}, nil)
		require.NoError(t, err, "staged=%v", staged)
		if staged {
			v, ok, err := st.Peek(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, series.Float64s{2.5}, v)
			_, err = st.Commit(ctx)
			require.NoError(t, err)
		}
		v, _, err := st.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, series.Float64s{2.5}, v, "staged=%v", staged)
	}
}

func TestTimeout(t *testing.T) {
	inst := load(t, "def main(args):\n    while True:\n        pass\n")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := inst.Invoke(ctx, &Host{Store: store.NewMemory()}, nil)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)

	out, err := load(t, counterProgram).Invoke(context.Background(), &Host{Store: store.NewMemory()}, []string{"x"})
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestFaultKeepsPartialOutput(t *testing.T) {
	inst := load(t, `
def main(args):
    print("before")
    emit("partial", {"a": [1]})
    fail("boom")
`)
	out, err := inst.Invoke(context.Background(), &Host{Store: store.NewMemory()}, nil)
	require.ErrorIs(t, err, ErrFault)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []string{"before"}, out.Logs)
	assert.Len(t, out.Tables, 1)
}

func TestMaxSteps(t *testing.T) {
	inst, err := (&Starlark{MaxSteps: 10_000}).Load(context.Background(),
		[]byte("def main(args):\n    while True:\n        pass\n"))
	require.NoError(t, err)
	_, err = inst.Invoke(context.Background(), &Host{Store: store.NewMemory()}, nil)
	require.ErrorIs(t, err, ErrFault)
}

func TestGraphBuiltins(t *testing.T) {
	g := graph.NewMemory()
	g.AddNode("s", graph.IntID(1), "person", map[string]any{"name": "ann"})
	g.AddNode("s", graph.IntID(2), "person", map[string]any{"name": "bob"})
	g.AddEdge("s", "follows", graph.IntID(1), graph.IntID(2), map[string]any{"w": 0.5})

	inst := load(t, `
def main(args):
    people = choice_nodes("person", 10)["id"]
    ann = query_node(people[0], "person", ["name"])
    nobody = query_node(99, "person", ["name"])
    out = query_neighbors(1, "follows", ["w"])
    back = query_neighbors(2, "follows", [], reversely=True)
    select_nodes(people)
    select_edges([1], out["id"])
    emit("facts", {"name": [ann["name"]], "missing": [nobody == None], "w": out["w"], "back": back["id"]})
`)
	out, err := inst.Invoke(context.Background(), &Host{Store: store.NewMemory(), Graph: g, SpaceName: "s"}, nil)
	require.NoError(t, err)

	require.NotNil(t, out.Nodes)
	ids, _ := out.Nodes.Column(graph.IDHeader)
	assert.Equal(t, series.Int64s{1, 2}, ids)
	require.NotNil(t, out.Edges)
	assert.Equal(t, []string{"src", "dst"}, out.Edges.Headers())
	dst, _ := out.Edges.Column("dst")
	assert.Equal(t, series.Int64s{2}, dst)

	facts := out.Tables[0]
	name, _ := facts.Column("name")
	assert.Equal(t, series.Strings{"ann"}, name)
	missing, _ := facts.Column("missing")
	assert.Equal(t, series.Bools{true}, missing)
	w, _ := facts.Column("w")
	assert.Equal(t, series.Float64s{0.5}, w)
	back, _ := facts.Column("back")
	assert.Equal(t, series.Int64s{1}, back)
}

type slowGraph struct{ graph.Backend }

func (slowGraph) ChoiceNodes(ctx context.Context, _, _ string, _ int) (*series.Table, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestIOTimeoutBoundsGraphCalls(t *testing.T) {
	inst := load(t, "def main(args):\n    choice_nodes('t', 1)\n")
	host := &Host{Store: store.NewMemory(), Graph: slowGraph{}, IOTimeout: 20 * time.Millisecond}
	_, err := inst.Invoke(context.Background(), host, nil)
	require.ErrorIs(t, err, ErrFault)
	assert.Contains(t, err.Error(), "deadline exceeded")
}

func TestGraphUnavailable(t *testing.T) {
	inst := load(t, "def main(args):\n    choice_nodes('t', 1)\n")
	_, err := inst.Invoke(context.Background(), &Host{Store: store.NewMemory()}, nil)
	require.ErrorIs(t, err, ErrFault)
}
