// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wartrpc

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHTTPPair(t *testing.T, s *Server, opts ...HttpClientOption) (*HttpServer, *HttpClient, *httptest.Server) {
	t.Helper()
	h := NewHttpServerWithKey(s, []byte("0123456789abcdef0123456789abcdef"))
	h.SetCompressionLevel(3)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	c, err := NewHttpClient(ts.URL+h.Prefix(), opts...)
	require.NoError(t, err)
	return h, c, ts
}

func TestHTTPUnary(t *testing.T) {
	_, c, _ := newHTTPPair(t, newTestServer(), WithRequestCompression(3))
	var logs []LogMessage
	c.SetLogHandler(func(m LogMessage) { logs = append(logs, m) })
	ctx := context.Background()

	got, err := Call[echoParams, string](ctx, c, "echo", echoParams{Text: "hi", Times: 2})
	require.NoError(t, err)
	assert.Equal(t, "hihi", got)
	require.Len(t, logs, 1)
	assert.Equal(t, "echoing", logs[0].Message)

	err = CallVoid(ctx, c, "fail", failParams{Kind: "x"})
	require.ErrorIs(t, err, &RpcError{Type: "ValueError"})

	err = CallVoid(ctx, c, "missing", struct{}{})
	require.ErrorIs(t, err, &RpcError{Type: "AttributeError"})
}

func TestHTTPSink(t *testing.T) {
	_, c, _ := newHTTPPair(t, newTestServer())
	ctx := context.Background()

	sink, err := OpenSink(ctx, c, "sum", sumParams{}, numSchema)
	require.NoError(t, err)
	require.NoError(t, sink.Send(numBatch(t, 4, 5)))
	require.NoError(t, sink.Send(numBatch(t, 6)))
	result, err := sink.CloseAndRecv()
	require.NoError(t, err)
	assert.Equal(t, totalRow{Total: 15, Batches: 2}, decodeTotal(t, result))

	sink, err = OpenSink(ctx, c, "sum", sumParams{}, numSchema)
	require.NoError(t, err)
	require.NoError(t, sink.Send(numBatch(t, -1)))
	_, err = sink.CloseAndRecv()
	require.ErrorIs(t, err, &RpcError{Type: "ValueError"})
}

func TestHTTPExchangeCarriesState(t *testing.T) {
	_, c, _ := newHTTPPair(t, newTestServer(), WithRequestCompression(1))
	var logs []LogMessage
	c.SetLogHandler(func(m LogMessage) { logs = append(logs, m) })

	stream, err := OpenExchange(context.Background(), c, "counter", counterParams{Start: 100}, numSchema)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "counter opened", logs[0].Message)

	out, err := stream.Exchange(numBatch(t, 1))
	require.NoError(t, err)
	assert.Equal(t, totalRow{Total: 101, Batches: 1}, decodeTotal(t, out))

	_, err = stream.Exchange(numBatch(t, 0))
	require.Error(t, err)
	assert.True(t, isRecoverable(err))

	out, err = stream.Exchange(numBatch(t, 2))
	require.NoError(t, err)
	assert.Equal(t, totalRow{Total: 103, Batches: 3}, decodeTotal(t, out), "state survives a recoverable failure")

	_, err = stream.Exchange(numBatch(t, -1))
	require.ErrorIs(t, err, &RpcError{Type: "ValueError"})
	assert.False(t, isRecoverable(err))
	_, again := stream.Exchange(numBatch(t, 1))
	assert.Equal(t, err, again)
	require.NoError(t, stream.Close())
}

func TestHTTPExchangeInitError(t *testing.T) {
	_, c, _ := newHTTPPair(t, newTestServer())
	_, err := OpenExchange(context.Background(), c, "counter", counterParams{Start: -1}, numSchema)
	require.ErrorIs(t, err, &RpcError{Type: "ValueError"})
}

func TestHTTPRejectsForeignToken(t *testing.T) {
	_, c, _ := newHTTPPair(t, newTestServer())
	stream, err := OpenExchange(context.Background(), c, "counter", counterParams{}, numSchema)
	require.NoError(t, err)

	// A server with another key cannot verify the token.
	other := NewHttpServerWithKey(newTestServer(), []byte("ffffffffffffffffffffffffffffffff"))
	ts := httptest.NewServer(other)
	defer ts.Close()
	stream.(*httpExchange).c.baseURL = ts.URL + other.Prefix()

	_, err = stream.Exchange(numBatch(t, 1))
	require.ErrorIs(t, err, &RpcError{Type: "ProtocolError"})
	assert.Contains(t, err.Error(), "signature")
}

func TestHTTPTokenExpiry(t *testing.T) {
	h, c, _ := newHTTPPair(t, newTestServer())
	h.SetTokenTTL(-time.Second)

	stream, err := OpenExchange(context.Background(), c, "counter", counterParams{}, numSchema)
	require.NoError(t, err)
	_, err = stream.Exchange(numBatch(t, 1))
	require.ErrorIs(t, err, &RpcError{Type: "ProtocolError"})
	assert.Contains(t, err.Error(), "expired")
}

func TestHTTPStatusAndEncoding(t *testing.T) {
	_, _, ts := newHTTPPair(t, newTestServer())

	var body bytes.Buffer
	params, err := encodeParams(failParams{Kind: "status"})
	require.NoError(t, err)
	defer params.Release()
	require.NoError(t, WriteRequest(&body, "fail", "req-1", "", params, nil))

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/wart/fail", bytes.NewReader(body.Bytes()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", arrowContentType)
	req.Header.Set("Accept-Encoding", "gzip, zstd")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "zstd", resp.Header.Get("Content-Encoding"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	data, err := dec.DecodeAll(raw, nil)
	require.NoError(t, err)

	reader, err := ipc.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer reader.Release()
	require.True(t, reader.Next())
	kind, _, rpcErr := classifyBatch(reader.RecordBatch())
	assert.Equal(t, BatchError, kind)
	assert.Equal(t, "req-1", rpcErr.RequestID)

	resp2, err := http.Post(ts.URL+"/wart/echo", "text/plain", bytes.NewReader(nil))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp2.StatusCode)
}

func TestHTTPMethodKindMismatch(t *testing.T) {
	_, c, _ := newHTTPPair(t, newTestServer())
	ctx := context.Background()

	// An exchange method on the base endpoint.
	_, err := c.call(ctx, "counter", numBatch(t, 1))
	require.ErrorIs(t, err, &RpcError{Type: "TypeError"})

	// A unary method on the init endpoint.
	_, err = OpenExchange(ctx, c, "echo", echoParams{Text: "x"}, numSchema)
	require.ErrorIs(t, err, &RpcError{Type: "TypeError"})
}

func TestHTTPLandingPage(t *testing.T) {
	s := newTestServer()
	s.SetServiceName("test <svc>")
	_, _, ts := newHTTPPair(t, s)

	resp, err := http.Get(ts.URL + "/wart")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(page), "test &lt;svc&gt;")
	for _, name := range []string{"echo", "fail", "sum", "counter"} {
		assert.Contains(t, string(page), name)
	}
	assert.Contains(t, string(page), "Repeats text.")
}

func TestHTTPDescribeAndHooks(t *testing.T) {
	s := newTestServer()
	hook := &recordingHook{}
	s.SetDispatchHook(hook)
	_, c, _ := newHTTPPair(t, s)
	ctx := context.Background()

	methods, err := c.Describe(ctx)
	require.NoError(t, err)
	assert.Len(t, methods, 4)

	stream, err := OpenExchange(ctx, c, "counter", counterParams{}, numSchema)
	require.NoError(t, err)
	out, err := stream.Exchange(numBatch(t, 3))
	require.NoError(t, err)
	out.Release()

	calls := hook.snapshot()
	require.Len(t, calls, 2, "init and one exchange turn")
	for _, call := range calls {
		assert.Equal(t, "counter", call.info.Method)
		assert.Equal(t, "exchange", call.info.MethodType)
		assert.NotEmpty(t, call.info.TransportMetadata["remote_addr"])
		assert.Equal(t, "Go-http-client/1.1", call.info.TransportMetadata["user_agent"])
	}
	assert.EqualValues(t, 1, calls[1].in)
	assert.EqualValues(t, 1, calls[1].out)
}

func TestHTTPCustomPrefix(t *testing.T) {
	h := NewHttpServer(newTestServer(), WithPrefix("/rpc/v1/"))
	assert.Equal(t, "/rpc/v1", h.Prefix())
	ts := httptest.NewServer(h)
	defer ts.Close()

	c, err := NewHttpClient(ts.URL + h.Prefix())
	require.NoError(t, err)
	got, err := Call[echoParams, string](context.Background(), c, "echo", echoParams{Text: "p", Times: 1})
	require.NoError(t, err)
	assert.Equal(t, "p", got)

	resp, err := http.Get(ts.URL + "/wart")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
