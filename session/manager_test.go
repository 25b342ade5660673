// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Query-farm/wart-worker/sandbox"
	"github.com/Query-farm/wart-worker/series"
	"github.com/Query-farm/wart-worker/store"
)

const program = `
def main(args):
    for a in args:
        store_merge(a, 1)
`

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T, mutate func(*Options)) (*Manager, *Metrics, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	metrics := NewMetrics(prometheus.NewRegistry())
	opts := Options{
		Loader:      &sandbox.Starlark{},
		IdleTimeout: time.Minute,
		Metrics:     metrics,
		Now:         clk.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewManager(opts), metrics, clk
}

func open(t *testing.T, m *Manager, p OpenParams) string {
	t.Helper()
	if p.Program == nil {
		p.Program = []byte(program)
	}
	token, err := m.Open(context.Background(), p)
	require.NoError(t, err)
	return token
}

func TestOpenAssignsUniqueTokens(t *testing.T) {
	m, metrics, _ := newManager(t, nil)
	a := open(t, m, OpenParams{SpaceName: "s"})
	b := open(t, m, OpenParams{SpaceName: "s"})
	assert.NotEqual(t, a, b)
	_, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.live))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.opened))
}

func TestOpenRejectsInvalidProgram(t *testing.T) {
	m, _, _ := newManager(t, nil)
	for _, p := range [][]byte{{}, []byte("def main(:"), []byte("x = 1")} {
		_, err := m.Open(context.Background(), OpenParams{Program: p})
		require.ErrorIs(t, err, ErrInvalidProgram)
	}
	assert.Zero(t, m.Len())
}

func TestOpenEnforcesMaxSessions(t *testing.T) {
	m, _, _ := newManager(t, func(o *Options) { o.MaxSessions = 1 })
	open(t, m, OpenParams{})
	_, err := m.Open(context.Background(), OpenParams{Program: []byte(program)})
	require.ErrorIs(t, err, ErrTooManySessions)
}

func TestOpenRateLimited(t *testing.T) {
	m, _, _ := newManager(t, func(o *Options) {
		o.OpenRate = 0.01
		o.OpenBurst = 1
	})
	open(t, m, OpenParams{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.Open(ctx, OpenParams{Program: []byte(program)})
	require.Error(t, err)
	assert.Equal(t, 1, m.Len())
}

func TestCloseTwice(t *testing.T) {
	m, metrics, _ := newManager(t, nil)
	token := open(t, m, OpenParams{})
	require.NoError(t, m.Close(context.Background(), token))
	require.ErrorIs(t, m.Close(context.Background(), token), ErrSessionNotFound)
	_, _, err := m.Acquire(context.Background(), token)
	require.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.closed.WithLabelValues(ReasonClient)))
	assert.Zero(t, testutil.ToFloat64(metrics.live))
}

func TestAcquireIsExclusive(t *testing.T) {
	m, _, _ := newManager(t, nil)
	token := open(t, m, OpenParams{})
	_, release, err := m.Acquire(context.Background(), token)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _, err = m.Acquire(ctx, token)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	_, release, err = m.Acquire(context.Background(), token)
	require.NoError(t, err)
	release()
}

func TestCloseWaitsForHolder(t *testing.T) {
	m, _, _ := newManager(t, nil)
	token := open(t, m, OpenParams{})
	_, release, err := m.Acquire(context.Background(), token)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Close(context.Background(), token) }()
	select {
	case <-done:
		t.Fatal("close finished while the session was held")
	case <-time.After(30 * time.Millisecond):
	}
	release()
	require.NoError(t, <-done)
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	m, metrics, clk := newManager(t, nil)
	idle := open(t, m, OpenParams{})
	clk.Advance(45 * time.Second)
	fresh := open(t, m, OpenParams{})
	clk.Advance(30 * time.Second)

	n, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = m.Lookup(idle)
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Lookup(fresh)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.closed.WithLabelValues(ReasonIdle)))
}

func TestSweepNeverEvictsHeldSession(t *testing.T) {
	m, _, clk := newManager(t, nil)
	token := open(t, m, OpenParams{})
	_, release, err := m.Acquire(context.Background(), token)
	require.NoError(t, err)
	clk.Advance(time.Hour)

	swept := make(chan int, 1)
	go func() {
		n, _ := m.Sweep(context.Background())
		swept <- n
	}()
	time.Sleep(30 * time.Millisecond)
	release()
	assert.Equal(t, 0, <-swept)
	_, err = m.Lookup(token)
	require.NoError(t, err)
}

func TestInvokeAndMergeBatch(t *testing.T) {
	m, metrics, _ := newManager(t, nil)
	token := open(t, m, OpenParams{})
	ctx := context.Background()

	s, release, err := m.Acquire(ctx, token)
	require.NoError(t, err)
	ok, keyErrs, err := s.MergeBatch(ctx, []string{"a", "b"}, series.Int32s{1, 2}, store.Add)
	require.NoError(t, err)
	assert.Empty(t, keyErrs)
	assert.Equal(t, 2, ok)

	_, err = s.Invoke(ctx, []string{"a", "c"})
	require.NoError(t, err)
	release()

	v, _, err := s.Store().Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, series.Int32s{2}, v)
	v, _, _ = s.Store().Get(ctx, "c")
	assert.Equal(t, series.Int64s{1}, v)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.invocations.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.merges.WithLabelValues("ok")))
}

func TestInvokeTimeoutLeavesSessionUsable(t *testing.T) {
	m, metrics, _ := newManager(t, nil)
	token := open(t, m, OpenParams{
		Program: []byte(`
def main(args):
    if args:
        while True:
            pass
`),
		ExTimeout: 50 * time.Millisecond,
	})
	ctx := context.Background()
	s, release, err := m.Acquire(ctx, token)
	require.NoError(t, err)
	_, err = s.Invoke(ctx, []string{"spin"})
	require.ErrorIs(t, err, sandbox.ErrTimeout)
	_, err = s.Invoke(ctx, nil)
	require.NoError(t, err)
	release()
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.invocations.WithLabelValues("timeout")))
}

func TestIncrementEpoch(t *testing.T) {
	m, _, _ := newManager(t, nil)
	token := open(t, m, OpenParams{Staged: true})
	ctx := context.Background()

	s, release, err := m.Acquire(ctx, token)
	require.NoError(t, err)
	_, err = s.Invoke(ctx, []string{"k"})
	require.NoError(t, err)
	release()
	_, found, _ := s.Store().Get(ctx, "k")
	assert.False(t, found)

	epoch, err := m.IncrementEpoch(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), epoch)
	v, _, _ := s.Store().Get(ctx, "k")
	assert.Equal(t, series.Int64s{1}, v)

	_, err = m.IncrementEpoch(ctx, "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestShutdownClosesAll(t *testing.T) {
	m, metrics, _ := newManager(t, nil)
	open(t, m, OpenParams{})
	open(t, m, OpenParams{})
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Zero(t, m.Len())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.closed.WithLabelValues(ReasonShutdown)))
}

func TestRunStopsWithContext(t *testing.T) {
	m, _, clk := newManager(t, func(o *Options) { o.SweepInterval = 5 * time.Millisecond })
	open(t, m, OpenParams{})
	clk.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
