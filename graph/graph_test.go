// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Query-farm/wart-worker/series"
)

const seed = `{
  "social": {
    "nodes": [
      {"id": 1, "tag": "person", "props": {"name": "ann", "age": 31}},
      {"id": 2, "tag": "person", "props": {"name": "bob", "age": 27}},
      {"id": 3, "tag": "city",   "props": {"name": "oslo"}},
      {"id": 4, "tag": "person", "props": {"name": "cy"}}
    ],
    "edges": [
      {"tag": "follows", "src": 1, "dst": 2, "props": {"since": 2019}},
      {"tag": "follows", "src": 1, "dst": 4, "props": {"since": 2021}},
      {"tag": "follows", "src": 2, "dst": 1, "props": {"since": 2020}},
      {"tag": "lives_in", "src": 1, "dst": 3}
    ]
  }
}`

func seededMemory(t *testing.T) *Memory {
	m := NewMemory()
	require.NoError(t, m.Load(strings.NewReader(seed)))
	return m
}

func TestMemoryBackend(t *testing.T) {
	testBackend(t, seededMemory(t), "social")
}

func TestMemoryUnknownSpace(t *testing.T) {
	_, err := NewMemory().ChoiceNodes(context.Background(), "nope", "person", 1)
	require.ErrorIs(t, err, ErrUnknownSpace)
}

func TestLoadRejectsFractionalID(t *testing.T) {
	err := NewMemory().Load(strings.NewReader(`{"s": {"nodes": [{"id": 1.5, "tag": "t"}]}}`))
	require.Error(t, err)
}

func TestMixedNumericPropertyWidensToFloat(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Load(strings.NewReader(`{"s": {
	  "nodes": [{"id": 1, "tag": "t"}, {"id": 2, "tag": "t"}, {"id": 3, "tag": "t"}],
	  "edges": [
	    {"tag": "link", "src": 1, "dst": 2, "props": {"weight": 2.0}},
	    {"tag": "link", "src": 1, "dst": 3, "props": {"weight": 2.5}}
	  ]}}`)))

	tbl, err := m.FetchNeighbors(context.Background(), "s", IntID(1), "link", []string{"weight"}, false)
	require.NoError(t, err)
	weights, ok := tbl.Column("weight")
	require.True(t, ok)
	assert.ElementsMatch(t, series.Float64s{2, 2.5}, weights)

	tbl, err = m.FetchNeighbors(context.Background(), "s", IntID(2), "link", []string{"weight"}, true)
	require.NoError(t, err)
	weights, _ = tbl.Column("weight")
	assert.Equal(t, series.Int64s{2}, weights, "all-integral column keeps int64")
}

func TestStringIDs(t *testing.T) {
	m := NewMemory()
	m.AddNode("s", StrID("a"), "t", nil)
	m.AddNode("s", IntID(7), "t", nil)
	tbl, err := m.ChoiceNodes(context.Background(), "s", "t", 10)
	require.NoError(t, err)
	ids, _ := tbl.Column(IDHeader)
	assert.Equal(t, series.Strings{"a", "7"}, ids)
}

func TestPostgresBackend(t *testing.T) {
	dsn := os.Getenv("WART_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("WART_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pg, err := OpenPostgres(ctx, dsn, 4)
	require.NoError(t, err)
	t.Cleanup(pg.Close)

	space := "test-" + uuid.NewString()
	t.Cleanup(func() { _ = pg.DeleteSpace(context.Background(), space) })

	mem := seededMemory(t)
	for _, n := range mem.spaces["social"].nodes {
		for tag, props := range n.props {
			require.NoError(t, pg.UpsertNode(ctx, space, n.id, tag, props))
		}
	}
	for _, e := range mem.spaces["social"].edges {
		require.NoError(t, pg.InsertEdge(ctx, space, e.tag, e.src, e.dst, e.props))
	}
	testBackend(t, pg, space)
}

func testBackend(t *testing.T, b Backend, space string) {
	ctx := context.Background()

	t.Run("choice nodes", func(t *testing.T) {
		tbl, err := b.ChoiceNodes(ctx, space, "person", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{IDHeader}, tbl.Headers())
		ids, _ := tbl.Column(IDHeader)
		assert.Equal(t, series.Int64s{1, 2}, ids)

		tbl, err = b.ChoiceNodes(ctx, space, "ghost", 5)
		require.NoError(t, err)
		assert.Zero(t, tbl.NumRows())
	})

	t.Run("fetch node", func(t *testing.T) {
		tbl, err := b.FetchNode(ctx, space, IntID(1), "person", []string{"name", "age"})
		require.NoError(t, err)
		require.Equal(t, 1, tbl.NumRows())
		name, _ := tbl.Column("name")
		age, _ := tbl.Column("age")
		assert.Equal(t, series.Strings{"ann"}, name)
		assert.Equal(t, series.Int64s{31}, age)

		tbl, err = b.FetchNode(ctx, space, IntID(3), "person", []string{"name"})
		require.NoError(t, err)
		assert.Zero(t, tbl.NumRows())
	})

	t.Run("missing property takes zero value", func(t *testing.T) {
		tbl, err := b.FetchNode(ctx, space, IntID(4), "person", []string{"name", "age"})
		require.NoError(t, err)
		age, _ := tbl.Column("age")
		assert.Equal(t, series.Strings{""}, age)
	})

	t.Run("neighbors", func(t *testing.T) {
		tbl, err := b.FetchNeighbors(ctx, space, IntID(1), "follows", []string{"since"}, false)
		require.NoError(t, err)
		assert.Equal(t, []string{IDHeader, "since"}, tbl.Headers())
		ids, _ := tbl.Column(IDHeader)
		since, _ := tbl.Column("since")
		assert.Equal(t, series.Int64s{2, 4}, ids)
		assert.Equal(t, series.Int64s{2019, 2021}, since)

		tbl, err = b.FetchNeighbors(ctx, space, IntID(1), "follows", nil, true)
		require.NoError(t, err)
		ids, _ = tbl.Column(IDHeader)
		assert.Equal(t, series.Int64s{2}, ids)
	})
}
