// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.starlark.net/starlark"

	"github.com/Query-farm/wart-worker/graph"
	"github.com/Query-farm/wart-worker/series"
	"github.com/Query-farm/wart-worker/store"
)

const invocationKey = "wart.invocation"

var errNoGraph = errors.New("no graph backend configured")

// invocation is the per-call state the builtins reach through the thread.
type invocation struct {
	ctx  context.Context
	host *Host
	out  *Output

	nodes    []graph.NodeID
	edgeSrc  []graph.NodeID
	edgeDst  []graph.NodeID
	selected bool
	linked   bool
}

func current(thread *starlark.Thread, b *starlark.Builtin) (*invocation, error) {
	inv, ok := thread.Local(invocationKey).(*invocation)
	if !ok {
		return nil, fmt.Errorf("%s: only available while main runs", b.Name())
	}
	return inv, nil
}

// finish turns the selected nodes and edges into the output tables.
func (inv *invocation) finish() error {
	if inv.selected {
		t, err := series.NewTable("nodes", []string{graph.IDHeader}, []series.Series{graph.IDColumn(inv.nodes)})
		if err != nil {
			return err
		}
		inv.out.Nodes = t
	}
	if inv.linked {
		t, err := series.NewTable("edges", []string{"src", "dst"},
			[]series.Series{graph.IDColumn(inv.edgeSrc), graph.IDColumn(inv.edgeDst)})
		if err != nil {
			return err
		}
		inv.out.Edges = t
	}
	return nil
}

func (inv *invocation) ioContext() (context.Context, context.CancelFunc) {
	if inv.host.IOTimeout > 0 {
		return context.WithTimeout(inv.ctx, inv.host.IOTimeout)
	}
	return context.WithCancel(inv.ctx)
}

func (inv *invocation) graph(b *starlark.Builtin) (graph.Backend, error) {
	if inv.host.Graph == nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), errNoGraph)
	}
	return inv.host.Graph, nil
}

// store_get(key, default=None)
func storeGet(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	inv, err := current(thread, b)
	if err != nil {
		return nil, err
	}
	var key string
	var def starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "default?", &def); err != nil {
		return nil, err
	}
	v, ok, err := inv.host.Store.Get(inv.ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if !ok || series.Len(v) == 0 {
		return def, nil
	}
	return toValue(series.At(v, 0))
}

// store_merge(key, value=None, merge="add")
func storeMerge(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	inv, err := current(thread, b)
	if err != nil {
		return nil, err
	}
	var (
		key   string
		value starlark.Value = starlark.None
		merge = "add"
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "value?", &value, "merge?", &merge); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("%s: empty key", b.Name())
	}
	mt, err := store.ParseMergeType(merge)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	var v series.Series
	if mt != store.Del {
		// The literal takes the width of the entry the merge will land on.
		get := inv.host.Store.Get
		if inv.host.Staged {
			get = inv.host.Store.Peek
		}
		cur, _, err := get(inv.ctx, key)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		if v, err = toSeries(value, series.TypeOf(cur)); err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
	}
	if inv.host.Staged {
		err = inv.host.Store.Stage(inv.ctx, key, v, mt)
	} else {
		err = inv.host.Store.Merge(inv.ctx, key, v, mt)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}

// emit(comment, columns) where columns maps header to a list of values.
func emit(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	inv, err := current(thread, b)
	if err != nil {
		return nil, err
	}
	var (
		comment string
		columns *starlark.Dict
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "comment", &comment, "columns", &columns); err != nil {
		return nil, err
	}
	var (
		headers []string
		cols    []series.Series
	)
	for _, item := range columns.Items() {
		header, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("%s: column header must be a string, got %s", b.Name(), item[0].Type())
		}
		col, err := listSeries(item[1])
		if err != nil {
			return nil, fmt.Errorf("%s: column %q: %w", b.Name(), header, err)
		}
		headers = append(headers, header)
		cols = append(cols, col)
	}
	t, err := series.NewTable(comment, headers, cols)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	inv.out.Tables = append(inv.out.Tables, t)
	return starlark.None, nil
}

// select_nodes(ids)
func selectNodes(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	inv, err := current(thread, b)
	if err != nil {
		return nil, err
	}
	var ids starlark.Iterable
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "ids", &ids); err != nil {
		return nil, err
	}
	nodes, err := nodeIDs(ids)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	inv.nodes = append(inv.nodes, nodes...)
	inv.selected = true
	return starlark.None, nil
}

// select_edges(src, dst)
func selectEdges(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	inv, err := current(thread, b)
	if err != nil {
		return nil, err
	}
	var src, dst starlark.Iterable
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "src", &src, "dst", &dst); err != nil {
		return nil, err
	}
	from, err := nodeIDs(src)
	if err != nil {
		return nil, fmt.Errorf("%s: src: %w", b.Name(), err)
	}
	to, err := nodeIDs(dst)
	if err != nil {
		return nil, fmt.Errorf("%s: dst: %w", b.Name(), err)
	}
	if len(from) != len(to) {
		return nil, fmt.Errorf("%s: %d sources but %d destinations", b.Name(), len(from), len(to))
	}
	inv.edgeSrc = append(inv.edgeSrc, from...)
	inv.edgeDst = append(inv.edgeDst, to...)
	inv.linked = true
	return starlark.None, nil
}

// choice_nodes(tag, n)
func choiceNodes(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	inv, err := current(thread, b)
	if err != nil {
		return nil, err
	}
	var (
		tag string
		n   int
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "tag", &tag, "n", &n); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%s: negative count %d", b.Name(), n)
	}
	g, err := inv.graph(b)
	if err != nil {
		return nil, err
	}
	ctx, cancel := inv.ioContext()
	defer cancel()
	t, err := g.ChoiceNodes(ctx, inv.host.SpaceName, tag, n)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return tableDict(t)
}

// query_node(id, tag, keys) returns a dict of the node's properties, or
// None when it has no such tag.
func queryNode(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	inv, err := current(thread, b)
	if err != nil {
		return nil, err
	}
	var (
		idv  starlark.Value
		tag  string
		keys *starlark.List
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "id", &idv, "tag", &tag, "keys", &keys); err != nil {
		return nil, err
	}
	id, err := nodeID(idv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	names, err := stringList(keys)
	if err != nil {
		return nil, fmt.Errorf("%s: keys: %w", b.Name(), err)
	}
	g, err := inv.graph(b)
	if err != nil {
		return nil, err
	}
	ctx, cancel := inv.ioContext()
	defer cancel()
	t, err := g.FetchNode(ctx, inv.host.SpaceName, id, tag, names)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if t.NumRows() == 0 {
		return starlark.None, nil
	}
	row := starlark.NewDict(len(t.Columns))
	for _, c := range t.Columns {
		v, err := toValue(series.At(c.Values, 0))
		if err != nil {
			return nil, err
		}
		if err := row.SetKey(starlark.String(c.Header), v); err != nil {
			return nil, err
		}
	}
	return row, nil
}

// query_neighbors(id, tag, keys, reversely=False)
func queryNeighbors(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	inv, err := current(thread, b)
	if err != nil {
		return nil, err
	}
	var (
		idv       starlark.Value
		tag       string
		keys      *starlark.List
		reversely bool
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "id", &idv, "tag", &tag, "keys", &keys, "reversely?", &reversely); err != nil {
		return nil, err
	}
	id, err := nodeID(idv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	names, err := stringList(keys)
	if err != nil {
		return nil, fmt.Errorf("%s: keys: %w", b.Name(), err)
	}
	g, err := inv.graph(b)
	if err != nil {
		return nil, err
	}
	ctx, cancel := inv.ioContext()
	defer cancel()
	t, err := g.FetchNeighbors(ctx, inv.host.SpaceName, id, tag, names, reversely)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return tableDict(t)
}

func toValue(x any) (starlark.Value, error) {
	switch v := x.(type) {
	case bool:
		return starlark.Bool(v), nil
	case int32:
		return starlark.MakeInt64(int64(v)), nil
	case int64:
		return starlark.MakeInt64(v), nil
	case float32:
		return starlark.Float(v), nil
	case float64:
		return starlark.Float(v), nil
	case string:
		return starlark.String(v), nil
	default:
		return nil, fmt.Errorf("unsupported value %T", x)
	}
}

// toSeries converts a scalar into a one-element series. Numbers take the
// width of like when it is a numeric type, so a program can accumulate
// into an int32 or float32 entry with plain literals.
func toSeries(v starlark.Value, like series.Type) (series.Series, error) {
	switch x := v.(type) {
	case starlark.Bool:
		return series.Bools{bool(x)}, nil
	case starlark.Int:
		n, ok := x.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", x)
		}
		switch like {
		case series.TypeInt32:
			if n < math.MinInt32 || n > math.MaxInt32 {
				return nil, fmt.Errorf("integer %d out of int32 range", n)
			}
			return series.Int32s{int32(n)}, nil
		case series.TypeFloat32:
			return series.Float32s{float32(n)}, nil
		case series.TypeFloat64:
			return series.Float64s{float64(n)}, nil
		}
		return series.Int64s{n}, nil
	case starlark.Float:
		if like == series.TypeFloat32 {
			return series.Float32s{float32(x)}, nil
		}
		return series.Float64s{float64(x)}, nil
	case starlark.String:
		return series.Strings{string(x)}, nil
	default:
		return nil, fmt.Errorf("%w: cannot store a %s", series.ErrTypeMismatch, v.Type())
	}
}

func listSeries(v starlark.Value) (series.Series, error) {
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("want a list, got %s", v.Type())
	}
	var cells []any
	it := iterable.Iterate()
	defer it.Done()
	var x starlark.Value
	for it.Next(&x) {
		switch e := x.(type) {
		case starlark.Bool:
			cells = append(cells, bool(e))
		case starlark.Int:
			n, ok := e.Int64()
			if !ok {
				return nil, fmt.Errorf("integer %s out of range", e)
			}
			cells = append(cells, n)
		case starlark.Float:
			cells = append(cells, float64(e))
		case starlark.String:
			cells = append(cells, string(e))
		default:
			return nil, fmt.Errorf("%w: cannot put a %s in a column", series.ErrTypeMismatch, x.Type())
		}
	}
	return series.Encode(cells)
}

func nodeID(v starlark.Value) (graph.NodeID, error) {
	switch x := v.(type) {
	case starlark.Int:
		n, ok := x.Int64()
		if !ok {
			return graph.NodeID{}, fmt.Errorf("node id %s out of range", x)
		}
		return graph.IntID(n), nil
	case starlark.String:
		return graph.StrID(string(x)), nil
	default:
		return graph.NodeID{}, fmt.Errorf("node id must be int or string, got %s", v.Type())
	}
}

func nodeIDs(iterable starlark.Iterable) ([]graph.NodeID, error) {
	ids := []graph.NodeID{}
	it := iterable.Iterate()
	defer it.Done()
	var x starlark.Value
	for it.Next(&x) {
		id, err := nodeID(x)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func stringList(l *starlark.List) ([]string, error) {
	out := make([]string, l.Len())
	for i := range out {
		s, ok := starlark.AsString(l.Index(i))
		if !ok {
			return nil, fmt.Errorf("element %d is %s, want string", i, l.Index(i).Type())
		}
		out[i] = s
	}
	return out, nil
}

// tableDict turns a table into a dict from header to list of values.
func tableDict(t *series.Table) (starlark.Value, error) {
	d := starlark.NewDict(len(t.Columns))
	for _, c := range t.Columns {
		elems := make([]starlark.Value, series.Len(c.Values))
		for i := range elems {
			v, err := toValue(series.At(c.Values, i))
			if err != nil {
				return nil, err
			}
			elems[i] = v
		}
		if err := d.SetKey(starlark.String(c.Header), starlark.NewList(elems)); err != nil {
			return nil, err
		}
	}
	return d, nil
}
