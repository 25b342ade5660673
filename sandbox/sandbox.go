// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package sandbox runs session programs. A Loader turns program bytes into
// an Instance once, when the session opens; the Instance is then invoked
// any number of times with an argument list and a Host giving it access to
// the session store and the graph backend.
package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/Query-farm/wart-worker/graph"
	"github.com/Query-farm/wart-worker/series"
	"github.com/Query-farm/wart-worker/store"
)

var (
	// ErrInvalidProgram is returned by Load for bytes that are not a
	// runnable program.
	ErrInvalidProgram = errors.New("invalid program")
	// ErrTimeout is returned by Invoke when the context deadline passed
	// before the program finished.
	ErrTimeout = errors.New("execution timeout")
	// ErrFault is returned by Invoke when the program failed.
	ErrFault = errors.New("execution fault")
)

// Host is what an invocation may touch outside the program.
type Host struct {
	Store store.Store
	// Staged routes program merges to Store.Stage instead of Store.Merge.
	Staged bool
	// Graph may be nil, in which case graph queries fail.
	Graph     graph.Backend
	SpaceName string
	// IOTimeout bounds each graph query. Zero means no bound beyond the
	// invocation's own deadline.
	IOTimeout time.Duration
}

// Output is what one invocation produced. Nodes and Edges are nil unless
// the program selected any.
type Output struct {
	Tables []*series.Table
	Nodes  *series.Table
	Edges  *series.Table
	// Logs are the lines the program printed, in order.
	Logs []string
}

// Loader validates and loads programs.
type Loader interface {
	Load(ctx context.Context, program []byte) (Instance, error)
}

// Instance is a loaded program. Invoke must not be called concurrently on
// the same Instance.
type Instance interface {
	// Invoke runs the program once. Output is returned even when err is
	// not nil, holding whatever the program produced before it stopped.
	Invoke(ctx context.Context, host *Host, args []string) (*Output, error)
	Close()
}
