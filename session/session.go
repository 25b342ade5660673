// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/Query-farm/wart-worker/graph"
	"github.com/Query-farm/wart-worker/sandbox"
	"github.com/Query-farm/wart-worker/series"
	"github.com/Query-farm/wart-worker/store"
)

// Session is one client's program and store. Its methods other than the
// accessors must be called while holding the session lock, obtained
// through Manager.Acquire.
type Session struct {
	Token     string
	SpaceName string
	IOTimeout time.Duration
	ExTimeout time.Duration
	Staged    bool
	CreatedAt time.Time

	store    store.Store
	instance sandbox.Instance
	graph    graph.Backend
	metrics  *Metrics

	lock       chan struct{}
	lastActive atomic.Int64 // unix nanoseconds
	closed     bool         // guarded by lock
}

// LastActive reports when the session was last acquired or released.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Store returns the session's store.
func (s *Session) Store() store.Store { return s.store }

// Invoke runs the program once, bounded by the session's execution
// timeout.
func (s *Session) Invoke(ctx context.Context, args []string) (*sandbox.Output, error) {
	if s.ExTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.ExTimeout)
		defer cancel()
	}
	host := &sandbox.Host{
		Store:     s.store,
		Staged:    s.Staged,
		Graph:     s.graph,
		SpaceName: s.SpaceName,
		IOTimeout: s.IOTimeout,
	}
	start := time.Now()
	out, err := s.instance.Invoke(ctx, host, args)
	s.metrics.invoked(outcome(err), time.Since(start))
	return out, err
}

// MergeBatch merges one update batch into the committed store.
func (s *Session) MergeBatch(ctx context.Context, keys []string, vals series.Series, mt store.MergeType) (int, []*store.KeyError, error) {
	ok, keyErrs, err := store.MergeBatch(ctx, s.store, keys, vals, mt)
	failed := len(keyErrs)
	if err != nil {
		failed = len(keys) - ok
	}
	s.metrics.merged(ok, failed)
	return ok, keyErrs, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, sandbox.ErrTimeout):
		return "timeout"
	case errors.Is(err, sandbox.ErrFault):
		return "fault"
	default:
		return "canceled"
	}
}
