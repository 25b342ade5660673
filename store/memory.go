// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sync"

	"github.com/Query-farm/wart-worker/series"
)

// Memory is an in-process Store.
type Memory struct {
	mu      sync.Mutex
	entries map[string]series.Series
	staged  map[string]staged
	epoch   uint64
}

type staged struct {
	value   series.Series
	deleted bool
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]series.Series),
		staged:  make(map[string]staged),
	}
}

// MemoryFactory creates a fresh Memory store per session.
func MemoryFactory(string) Store { return NewMemory() }

func (m *Memory) Get(_ context.Context, key string) (series.Series, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *Memory) Merge(_ context.Context, key string, v series.Series, mt MergeType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entries[key]
	next, keep, err := Apply(cur, ok, v, mt)
	if err != nil {
		return err
	}
	if keep {
		m.entries[key] = next
	} else {
		delete(m.entries, key)
	}
	return nil
}

func (m *Memory) Peek(_ context.Context, key string) (series.Series, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.peek(key)
	return v, ok, nil
}

func (m *Memory) peek(key string) (series.Series, bool) {
	if s, found := m.staged[key]; found {
		if s.deleted {
			return nil, false
		}
		return s.value, true
	}
	v, ok := m.entries[key]
	return v, ok
}

func (m *Memory) Stage(_ context.Context, key string, v series.Series, mt MergeType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.peek(key)
	next, keep, err := Apply(cur, ok, v, mt)
	if err != nil {
		return err
	}
	m.staged[key] = staged{value: next, deleted: !keep}
	return nil
}

func (m *Memory) Commit(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, s := range m.staged {
		if s.deleted {
			delete(m.entries, key)
		} else {
			m.entries[key] = s.value
		}
	}
	clear(m.staged)
	m.epoch++
	return m.epoch, nil
}

func (m *Memory) Epoch(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch, nil
}

func (m *Memory) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

func (m *Memory) Drop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.entries)
	clear(m.staged)
	return nil
}
