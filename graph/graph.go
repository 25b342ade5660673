// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package graph is the graph-data backend that sandboxed programs query.
// A backend holds any number of spaces, each a set of tagged nodes and
// tagged directed edges carrying property maps. Results come back as
// series tables so they can be handed to programs or clients unchanged.
package graph

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/Query-farm/wart-worker/series"
)

// ErrUnknownSpace is returned when a query names a space the backend does
// not hold.
var ErrUnknownSpace = errors.New("unknown space")

// IDHeader is the header of the id column in query results.
const IDHeader = "id"

// NodeID identifies a node. Spaces may key nodes by integer or by string.
type NodeID struct {
	Int   int64
	Str   string
	IsStr bool
}

func IntID(n int64) NodeID  { return NodeID{Int: n} }
func StrID(s string) NodeID { return NodeID{Str: s, IsStr: true} }

func (id NodeID) String() string {
	if id.IsStr {
		return strconv.Quote(id.Str)
	}
	return strconv.FormatInt(id.Int, 10)
}

// Value returns the id as an int64 or a string.
func (id NodeID) Value() any {
	if id.IsStr {
		return id.Str
	}
	return id.Int
}

// Backend answers the queries available to sandboxed programs.
type Backend interface {
	// ChoiceNodes returns up to n ids of nodes carrying tag, in a
	// deterministic order, as a single "id" column.
	ChoiceNodes(ctx context.Context, space, tag string, n int) (*series.Table, error)
	// FetchNode returns the properties keys of node id under tag as a
	// table with one row, or no rows when the node lacks the tag.
	FetchNode(ctx context.Context, space string, id NodeID, tag string, keys []string) (*series.Table, error)
	// FetchNeighbors follows edges of type tag out of id, or into id when
	// reversely is set. Each row holds the neighbor's id followed by the
	// edge properties keys.
	FetchNeighbors(ctx context.Context, space string, id NodeID, tag string, keys []string, reversely bool) (*series.Table, error)
}

// IDColumn encodes ids as Int64s, or as Strings when any id is a string.
func IDColumn(ids []NodeID) series.Series {
	for _, id := range ids {
		if id.IsStr {
			out := make(series.Strings, len(ids))
			for i, id := range ids {
				if id.IsStr {
					out[i] = id.Str
				} else {
					out[i] = strconv.FormatInt(id.Int, 10)
				}
			}
			return out
		}
	}
	out := make(series.Int64s, len(ids))
	for i, id := range ids {
		out[i] = id.Int
	}
	return out
}

func idTable(comment string, ids []NodeID) (*series.Table, error) {
	return series.NewTable(comment, []string{IDHeader}, []series.Series{IDColumn(ids)})
}

// propTable builds a table with one row per props entry, selecting keys.
// Missing properties take the zero value of their column. A column that
// mixes integers and floats is widened to float64. When ids is not nil it
// becomes the leading id column.
func propTable(comment string, ids []NodeID, keys []string, props []map[string]any) (*series.Table, error) {
	rows := make([][]any, len(props))
	hasFloat := make([]bool, len(keys))
	for r, p := range props {
		row := make([]any, len(keys))
		for i, k := range keys {
			v, err := scalar(p[k])
			if err != nil {
				return nil, fmt.Errorf("property %q: %w", k, err)
			}
			if _, ok := v.(float64); ok {
				hasFloat[i] = true
			}
			row[i] = v
		}
		rows[r] = row
	}

	b := series.NewBuilder(comment, keys...)
	for _, row := range rows {
		for i, v := range row {
			if !hasFloat[i] {
				continue
			}
			switch x := v.(type) {
			case int64:
				row[i] = float64(x)
			case int32:
				row[i] = float64(x)
			}
		}
		if err := b.Append(row...); err != nil {
			return nil, err
		}
	}
	t, err := b.Table()
	if err != nil || ids == nil {
		return t, err
	}
	t.Columns = append([]series.Column{{Header: IDHeader, Values: IDColumn(ids)}}, t.Columns...)
	return t, nil
}

// scalar narrows a property value to a type series can encode.
func scalar(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, int32, int64, float32, float64, string:
		return x, nil
	case int:
		return int64(x), nil
	default:
		return nil, fmt.Errorf("%w: unsupported property value %T", series.ErrTypeMismatch, v)
	}
}
