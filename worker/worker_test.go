// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"net"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Query-farm/wart-worker/graph"
	"github.com/Query-farm/wart-worker/sandbox"
	"github.com/Query-farm/wart-worker/series"
	"github.com/Query-farm/wart-worker/session"
	"github.com/Query-farm/wart-worker/store"
	"github.com/Query-farm/wart-worker/wartrpc"
)

// runProgram counts its invocations in a module-level list, so the count
// shows both program state persistence and how often it ran.
const runProgram = `
calls = [0]

def main(args):
    calls[0] += 1
    print("call", calls[0])
    if args and args[0] == "spin":
        while True:
            pass
    if args and args[0] == "boom":
        fail("boom")
    for a in args:
        store_merge(a, 1)
    emit("args", {"count": [len(args)]})
    emit("calls", {"n": [calls[0]]})
`

const readProgram = `
def main(args):
    emit("values", {"key": list(args), "value": [store_get(a, -1) for a in args]})
`

type logSink struct {
	mu   sync.Mutex
	msgs []wartrpc.LogMessage
}

func (l *logSink) handle(m wartrpc.LogMessage) {
	l.mu.Lock()
	l.msgs = append(l.msgs, m)
	l.mu.Unlock()
}

func (l *logSink) at(level wartrpc.LogLevel) []wartrpc.LogMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []wartrpc.LogMessage
	for _, m := range l.msgs {
		if m.Level == level {
			out = append(out, m)
		}
	}
	return out
}

func newServer(t *testing.T, mutate func(*session.Options)) (*wartrpc.Server, *session.Manager) {
	t.Helper()
	opts := session.Options{Loader: &sandbox.Starlark{}, IdleTimeout: -1}
	if mutate != nil {
		mutate(&opts)
	}
	m := session.NewManager(opts)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	s := wartrpc.NewServer()
	s.SetServiceName("wart-worker-test")
	New(m, nil).Register(s)
	return s, m
}

func pipeClient(t *testing.T, s *wartrpc.Server) (*Client, *logSink) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Serve(serverConn, serverConn)
	}()
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
		<-done
	})
	rpc := wartrpc.NewClient(clientConn)
	logs := &logSink{}
	rpc.SetLogHandler(logs.handle)
	return NewClient(rpc), logs
}

func openSession(t *testing.T, c *Client, opts OpenOptions) string {
	t.Helper()
	token, err := c.OpenSession(context.Background(), opts)
	require.NoError(t, err)
	return token
}

func column(t *testing.T, table *series.Table, header string) series.Series {
	t.Helper()
	col, ok := table.Column(header)
	require.True(t, ok, header)
	return col
}

func TestOpenSessionErrors(t *testing.T) {
	s, _ := newServer(t, func(o *session.Options) { o.MaxSessions = 1 })
	c, _ := pipeClient(t, s)
	ctx := context.Background()

	_, err := c.OpenSession(ctx, OpenOptions{})
	require.ErrorIs(t, err, session.ErrInvalidProgram)
	require.ErrorIs(t, err, &wartrpc.RpcError{Type: TypeInvalidProgram})

	_, err = c.OpenSession(ctx, OpenOptions{Program: []byte("def main(:")})
	require.ErrorIs(t, err, session.ErrInvalidProgram)

	_, err = c.OpenSession(ctx, OpenOptions{Program: []byte(readProgram), ExTimeout: -time.Second})
	require.ErrorIs(t, err, &wartrpc.RpcError{Type: "ValueError"})

	openSession(t, c, OpenOptions{Program: []byte(readProgram)})
	_, err = c.OpenSession(ctx, OpenOptions{Program: []byte(readProgram)})
	require.ErrorIs(t, err, session.ErrTooManySessions)
}

func TestCompiledProgram(t *testing.T) {
	s, _ := newServer(t, nil)
	c, _ := pipeClient(t, s)
	code, err := sandbox.Compile([]byte(readProgram))
	require.NoError(t, err)

	token := openSession(t, c, OpenOptions{Program: code})
	run, err := c.StreamingRun(context.Background(), token)
	require.NoError(t, err)
	defer run.Close()
	res, err := run.Invoke("k")
	require.NoError(t, err)
	require.Len(t, res.Tables, 1)
	assert.Equal(t, series.Int64s{-1}, column(t, res.Tables[0], "value"))
}

func TestUnknownToken(t *testing.T) {
	s, _ := newServer(t, nil)
	c, _ := pipeClient(t, s)
	ctx := context.Background()

	require.ErrorIs(t, c.CloseSession(ctx, "nope"), session.ErrSessionNotFound)
	_, err := c.IncrementEpoch(ctx, "nope")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
	_, err = c.StreamingRun(ctx, "nope")
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	up, err := c.UpdateStore(ctx)
	require.NoError(t, err)
	require.NoError(t, up.Send(Update{Token: "nope", Keys: []string{"a"}, Vals: series.Int64s{1}}))
	_, err = up.Close()
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestCloseSessionTwice(t *testing.T) {
	s, m := newServer(t, nil)
	c, _ := pipeClient(t, s)
	ctx := context.Background()

	token := openSession(t, c, OpenOptions{Program: []byte(readProgram)})
	require.Equal(t, 1, m.Len())
	require.NoError(t, c.CloseSession(ctx, token))
	require.ErrorIs(t, c.CloseSession(ctx, token), session.ErrSessionNotFound)
	_, err := c.StreamingRun(ctx, token)
	require.ErrorIs(t, err, session.ErrSessionNotFound)
	assert.Zero(t, m.Len())
}

func TestUpdateStore(t *testing.T) {
	s, _ := newServer(t, nil)
	c, logs := pipeClient(t, s)
	ctx := context.Background()
	token := openSession(t, c, OpenOptions{Program: []byte(readProgram)})

	up, err := c.UpdateStore(ctx)
	require.NoError(t, err)
	require.NoError(t, up.Send(
		Update{Token: token, Keys: []string{"a", "b"}, Vals: series.Int64s{1, 2}, Merge: store.Add},
		Update{Token: token, Keys: []string{"a"}, Vals: series.Int64s{10}, Merge: store.Add},
	))
	require.NoError(t, up.Send(Update{Token: token, Keys: []string{"b"}, Vals: series.Int64s{5}, Merge: store.Mov}))
	// Length mismatch rejects the whole request.
	require.NoError(t, up.Send(Update{Token: token, Keys: []string{"a", "b"}, Vals: series.Int64s{1}, Merge: store.Add}))
	// A type change fails only its key.
	require.NoError(t, up.Send(Update{Token: token, Keys: []string{"a", "s"}, Vals: series.Strings{"x", "y"}, Merge: store.Add}))
	require.NoError(t, up.Send(Update{Token: token, Keys: []string{"s", "zz"}, Merge: store.Del}))
	ok, err := up.Close()
	require.NoError(t, err)
	assert.EqualValues(t, 2+1+1+0+1+2, ok)

	errs := logs.at(wartrpc.LogError)
	require.Len(t, errs, 2)
	assert.Equal(t, map[string]string{"error_type": TypeMalformedBatch, "batch": "3", "key": ""}, errs[0].Extras)
	assert.Equal(t, map[string]string{"error_type": TypeTypeMismatch, "batch": "4", "key": "a"}, errs[1].Extras)

	run, err := c.StreamingRun(ctx, token)
	require.NoError(t, err)
	defer run.Close()
	res, err := run.Invoke("a", "b", "s")
	require.NoError(t, err)
	assert.Equal(t, series.Int64s{11, 5, -1}, column(t, res.Tables[0], "value"))
}

func TestStreamingRunRequiresConfig(t *testing.T) {
	s, _ := newServer(t, nil)
	c, _ := pipeClient(t, s)
	ctx := context.Background()
	token := openSession(t, c, OpenOptions{Program: []byte(runProgram)})

	stream, err := wartrpc.OpenExchange(ctx, c.rpc, MethodStreamingRun, StreamingRunParams{}, runRowSchema)
	require.NoError(t, err)
	batch, err := wartrpc.EncodeRows(runRowSchema, []RunRow{{Kind: KindArgs, Args: []string{"x"}}})
	require.NoError(t, err)
	defer batch.Release()
	_, err = stream.Exchange(batch)
	require.ErrorIs(t, err, &wartrpc.RpcError{Type: TypeProtocolViolation})
	assert.False(t, Recoverable(err))
	require.NoError(t, stream.Close())

	run, err := c.StreamingRun(ctx, token)
	require.NoError(t, err)
	defer run.Close()
	res, err := run.Invoke()
	require.NoError(t, err)
	assert.Equal(t, series.Int64s{1}, column(t, res.Tables[1], "n"), "the rejected stream never invoked the program")
}

func TestStreamingRunConfigAfterRunning(t *testing.T) {
	s, _ := newServer(t, nil)
	c, _ := pipeClient(t, s)
	token := openSession(t, c, OpenOptions{Program: []byte(runProgram)})

	run, err := c.StreamingRun(context.Background(), token)
	require.NoError(t, err)
	_, err = run.send(RunRow{Kind: KindConfig, Token: &token})
	require.ErrorIs(t, err, ErrProtocolViolation)
	_, err = run.Invoke("x")
	require.ErrorIs(t, err, ErrProtocolViolation, "the stream stays aborted")
	require.NoError(t, run.Close())
}

func TestStreamingRunOrderAndState(t *testing.T) {
	s, _ := newServer(t, nil)
	c, logs := pipeClient(t, s)
	token := openSession(t, c, OpenOptions{Program: []byte(runProgram)})

	run, err := c.StreamingRun(context.Background(), token)
	require.NoError(t, err)
	defer run.Close()

	first, err := run.Invoke("x")
	require.NoError(t, err)
	second, err := run.Invoke()
	require.NoError(t, err)

	for i, res := range []*Result{first, second} {
		require.Len(t, res.Tables, 2)
		assert.Equal(t, "args", res.Tables[0].Comment)
		assert.Equal(t, "calls", res.Tables[1].Comment)
		assert.Equal(t, series.Int64s{int64(i + 1)}, column(t, res.Tables[1], "n"))
		assert.Nil(t, res.Nodes)
	}
	assert.Equal(t, series.Int64s{1}, column(t, first.Tables[0], "count"))
	assert.Equal(t, series.Int64s{0}, column(t, second.Tables[0], "count"))

	infos := logs.at(wartrpc.LogInfo)
	require.Len(t, infos, 2)
	assert.Equal(t, "call 1", infos[0].Message)
	assert.Equal(t, "call 2", infos[1].Message)
}

func TestStreamingRunRecoverableFailures(t *testing.T) {
	s, _ := newServer(t, nil)
	c, logs := pipeClient(t, s)
	token := openSession(t, c, OpenOptions{Program: []byte(runProgram), ExTimeout: 50 * time.Millisecond})

	run, err := c.StreamingRun(context.Background(), token)
	require.NoError(t, err)
	defer run.Close()

	_, err = run.Invoke("spin")
	require.ErrorIs(t, err, sandbox.ErrTimeout)
	assert.True(t, Recoverable(err))

	_, err = run.Invoke("boom")
	require.ErrorIs(t, err, sandbox.ErrFault)
	require.ErrorIs(t, err, &wartrpc.RpcError{Type: TypeExecutionFault})
	assert.True(t, Recoverable(err))

	res, err := run.Invoke("y")
	require.NoError(t, err)
	assert.Equal(t, series.Int64s{3}, column(t, res.Tables[1], "n"), "the session survives failed invocations")

	infos := logs.at(wartrpc.LogInfo)
	require.Len(t, infos, 3, "prints of failed invocations are still delivered")
	assert.Equal(t, "call 1", infos[0].Message)
}

func TestStagedSession(t *testing.T) {
	s, _ := newServer(t, nil)
	c, _ := pipeClient(t, s)
	ctx := context.Background()
	token := openSession(t, c, OpenOptions{Staged: true, Program: []byte(`
def main(args):
    for a in args:
        store_merge(a, 1)
    emit("values", {"value": [store_get(a, -1) for a in args]})
`)})

	invoke := func(args ...string) series.Series {
		run, err := c.StreamingRun(ctx, token)
		require.NoError(t, err)
		defer run.Close()
		res, err := run.Invoke(args...)
		require.NoError(t, err)
		return column(t, res.Tables[0], "value")
	}

	assert.Equal(t, series.Int64s{-1}, invoke("k"))
	assert.Equal(t, series.Int64s{-1}, invoke("k"), "staged merges are invisible")

	epoch, err := c.IncrementEpoch(ctx, token)
	require.NoError(t, err)
	assert.EqualValues(t, 1, epoch)
	assert.Equal(t, series.Int64s{2}, invoke("k"))
}

func TestNodesAndEdges(t *testing.T) {
	g := graph.NewMemory()
	g.AddNode("people", graph.IntID(1), "person", map[string]any{"name": "ann"})
	g.AddNode("people", graph.IntID(2), "person", map[string]any{"name": "bob"})
	g.AddEdge("people", "follows", graph.IntID(1), graph.IntID(2), nil)

	s, _ := newServer(t, func(o *session.Options) { o.Graph = g })
	c, _ := pipeClient(t, s)
	token := openSession(t, c, OpenOptions{SpaceName: "people", Program: []byte(`
def main(args):
    ids = choice_nodes("person", 10)["id"]
    select_nodes(ids)
    select_edges([1], query_neighbors(1, "follows", [])["id"])
    emit("n", {"count": [len(ids)]})
`)})

	run, err := c.StreamingRun(context.Background(), token)
	require.NoError(t, err)
	defer run.Close()
	res, err := run.Invoke()
	require.NoError(t, err)

	require.Len(t, res.Tables, 1)
	require.NotNil(t, res.Nodes)
	assert.Equal(t, series.Int64s{1, 2}, column(t, res.Nodes, graph.IDHeader))
	require.NotNil(t, res.Edges)
	assert.Equal(t, series.Int64s{2}, column(t, res.Edges, "dst"))
}

func TestDescribe(t *testing.T) {
	s, _ := newServer(t, nil)
	c, _ := pipeClient(t, s)

	methods, err := c.rpc.Describe(context.Background())
	require.NoError(t, err)
	byName := map[string]wartrpc.MethodDescription{}
	for _, m := range methods {
		byName[m.Name] = m
	}
	require.Len(t, byName, 5)
	assert.Equal(t, "sink", byName[MethodUpdateStore].Type)
	assert.Equal(t, "exchange", byName[MethodStreamingRun].Type)
	assert.Contains(t, byName[MethodOpenSession].ParamDefaults, "ex_timeout")
	assert.NotContains(t, byName[MethodOpenSession].ParamDefaults, "program")
}

func TestHTTPTransport(t *testing.T) {
	s, _ := newServer(t, nil)
	h := wartrpc.NewHttpServer(s)
	ts := httptest.NewServer(h)
	defer ts.Close()

	rpc, err := wartrpc.NewHttpClient(ts.URL+h.Prefix(), wartrpc.WithRequestCompression(3))
	require.NoError(t, err)
	logs := &logSink{}
	rpc.SetLogHandler(logs.handle)
	c := NewClient(rpc)
	ctx := context.Background()

	token, err := c.OpenSession(ctx, OpenOptions{Program: []byte(runProgram), ExTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	up, err := c.UpdateStore(ctx)
	require.NoError(t, err)
	require.NoError(t, up.Send(Update{Token: token, Keys: []string{"a"}, Vals: series.Strings{"x"}, Merge: store.Mov}))
	ok, err := up.Close()
	require.NoError(t, err)
	assert.EqualValues(t, 1, ok)

	run, err := c.StreamingRun(ctx, token)
	require.NoError(t, err)
	_, err = run.Invoke("spin")
	require.ErrorIs(t, err, sandbox.ErrTimeout)
	res, err := run.Invoke("b")
	require.NoError(t, err)
	assert.Equal(t, series.Int64s{2}, column(t, res.Tables[1], "n"))
	require.NoError(t, run.Close())
	assert.Len(t, logs.at(wartrpc.LogInfo), 2)

	require.NoError(t, c.CloseSession(ctx, token))
	require.ErrorIs(t, c.CloseSession(ctx, token), session.ErrSessionNotFound)
}
