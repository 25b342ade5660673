// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/Query-farm/wart-worker/series"
)

// Memory is an in-process Backend. Nodes and edges are returned in
// insertion order.
type Memory struct {
	mu     sync.RWMutex
	spaces map[string]*memSpace
}

type memSpace struct {
	nodes []*memNode
	byID  map[NodeID]*memNode
	edges []memEdge
}

type memNode struct {
	id NodeID
	// props by tag
	props map[string]map[string]any
}

type memEdge struct {
	tag      string
	src, dst NodeID
	props    map[string]any
}

func NewMemory() *Memory {
	return &Memory{spaces: make(map[string]*memSpace)}
}

func (m *Memory) space(name string) *memSpace {
	s, ok := m.spaces[name]
	if !ok {
		s = &memSpace{byID: make(map[NodeID]*memNode)}
		m.spaces[name] = s
	}
	return s
}

// AddNode attaches tag with props to node id, creating the space and the
// node as needed. Re-adding a tag replaces its properties.
func (m *Memory) AddNode(space string, id NodeID, tag string, props map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.space(space)
	n, ok := s.byID[id]
	if !ok {
		n = &memNode{id: id, props: make(map[string]map[string]any)}
		s.byID[id] = n
		s.nodes = append(s.nodes, n)
	}
	n.props[tag] = props
}

// AddEdge adds a directed edge of type tag.
func (m *Memory) AddEdge(space, tag string, src, dst NodeID, props map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.space(space)
	s.edges = append(s.edges, memEdge{tag: tag, src: src, dst: dst, props: props})
}

func (m *Memory) lookup(space string) (*memSpace, error) {
	s, ok := m.spaces[space]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSpace, space)
	}
	return s, nil
}

func (m *Memory) ChoiceNodes(_ context.Context, space, tag string, n int) (*series.Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.lookup(space)
	if err != nil {
		return nil, err
	}
	ids := []NodeID{}
	for _, node := range s.nodes {
		if len(ids) >= n {
			break
		}
		if _, ok := node.props[tag]; ok {
			ids = append(ids, node.id)
		}
	}
	return idTable(tag, ids)
}

func (m *Memory) FetchNode(_ context.Context, space string, id NodeID, tag string, keys []string) (*series.Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.lookup(space)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if node, ok := s.byID[id]; ok {
		if p, ok := node.props[tag]; ok {
			rows = append(rows, p)
		}
	}
	return propTable(tag, nil, keys, rows)
}

func (m *Memory) FetchNeighbors(_ context.Context, space string, id NodeID, tag string, keys []string, reversely bool) (*series.Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.lookup(space)
	if err != nil {
		return nil, err
	}
	ids := []NodeID{}
	var rows []map[string]any
	for _, e := range s.edges {
		if e.tag != tag {
			continue
		}
		switch {
		case !reversely && e.src == id:
			ids = append(ids, e.dst)
		case reversely && e.dst == id:
			ids = append(ids, e.src)
		default:
			continue
		}
		rows = append(rows, e.props)
	}
	return propTable(tag, ids, keys, rows)
}

// Load reads a JSON document of the form
//
//	{"<space>": {"nodes": [{"id": 1, "tag": "person", "props": {...}}],
//	             "edges": [{"tag": "follows", "src": 1, "dst": 2, "props": {...}}]}}
//
// into m. Integral JSON numbers become int64 ids and properties; other
// numbers stay float64.
func (m *Memory) Load(r io.Reader) error {
	var doc map[string]struct {
		Nodes []struct {
			ID    any            `json:"id"`
			Tag   string         `json:"tag"`
			Props map[string]any `json:"props"`
		} `json:"nodes"`
		Edges []struct {
			Tag   string         `json:"tag"`
			Src   any            `json:"src"`
			Dst   any            `json:"dst"`
			Props map[string]any `json:"props"`
		} `json:"edges"`
	}
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return fmt.Errorf("graph: decoding seed: %w", err)
	}
	for name, sp := range doc {
		for i, n := range sp.Nodes {
			id, err := jsonID(n.ID)
			if err != nil {
				return fmt.Errorf("graph: space %q node %d: %w", name, i, err)
			}
			m.AddNode(name, id, n.Tag, normalizeProps(n.Props))
		}
		for i, e := range sp.Edges {
			src, err := jsonID(e.Src)
			if err != nil {
				return fmt.Errorf("graph: space %q edge %d: %w", name, i, err)
			}
			dst, err := jsonID(e.Dst)
			if err != nil {
				return fmt.Errorf("graph: space %q edge %d: %w", name, i, err)
			}
			m.AddEdge(name, e.Tag, src, dst, normalizeProps(e.Props))
		}
	}
	return nil
}

func jsonID(v any) (NodeID, error) {
	switch x := v.(type) {
	case string:
		return StrID(x), nil
	case float64:
		if x != math.Trunc(x) {
			return NodeID{}, fmt.Errorf("id %v is not an integer", x)
		}
		return IntID(int64(x)), nil
	default:
		return NodeID{}, fmt.Errorf("unsupported id %T", v)
	}
}

func normalizeProps(props map[string]any) map[string]any {
	for k, v := range props {
		if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			props[k] = int64(f)
		}
	}
	return props
}
