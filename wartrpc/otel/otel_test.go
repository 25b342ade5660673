// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wartotel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/Query-farm/wart-worker/wartrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type greetParams struct {
	Name string `wart:"name"`
}

func setup(t *testing.T) (*wartrpc.Client, *tracetest.SpanRecorder, *sdkmetric.ManualReader, *sdktrace.TracerProvider) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	s := wartrpc.NewServer()
	s.SetServiceName("greeter")
	wartrpc.Unary(s, "greet", func(_ context.Context, _ *wartrpc.CallContext, p greetParams) (string, error) {
		if p.Name == "" {
			return "", &wartrpc.RpcError{Type: "ValueError", Message: "name required"}
		}
		return "hello " + p.Name, nil
	})

	cfg := DefaultConfig()
	cfg.TracerProvider = tp
	cfg.MeterProvider = mp
	cfg.Propagator = propagation.TraceContext{}
	cfg.CustomAttributes = []attribute.KeyValue{attribute.String("deployment", "test")}
	require.NoError(t, InstrumentServer(s, cfg))

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
	return wartrpc.NewClient(clientConn), rec, reader, tp
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestServerSpans(t *testing.T) {
	c, rec, _, _ := setup(t)
	ctx := context.Background()

	got, err := wartrpc.Call[greetParams, string](ctx, c, "greet", greetParams{Name: "ada"})
	require.NoError(t, err)
	assert.Equal(t, "hello ada", got)

	_, err = wartrpc.Call[greetParams, string](ctx, c, "greet", greetParams{})
	require.Error(t, err)

	// The pipe client reads the response before the server's end hook runs.
	require.Eventually(t, func() bool { return len(rec.Ended()) == 2 }, timeout, tick)
	spans := rec.Ended()

	ok := spans[0]
	assert.Equal(t, "wart_rpc/greet", ok.Name())
	assert.Equal(t, codes.Ok, ok.Status().Code)
	v, found := spanAttr(ok, "rpc.service")
	require.True(t, found)
	assert.Equal(t, "greeter", v.AsString())
	v, found = spanAttr(ok, "rpc.wart_rpc.method_type")
	require.True(t, found)
	assert.Equal(t, "unary", v.AsString())
	v, found = spanAttr(ok, "deployment")
	require.True(t, found)
	assert.Equal(t, "test", v.AsString())

	failed := spans[1]
	assert.Equal(t, codes.Error, failed.Status().Code)
	v, found = spanAttr(failed, "rpc.wart_rpc.error_type")
	require.True(t, found)
	assert.Equal(t, "ValueError", v.AsString())
	require.Len(t, failed.Events(), 1, "exception event")
}

func TestClientPropagatesTraceContext(t *testing.T) {
	c, rec, _, tp := setup(t)
	InstrumentClient(c, propagation.TraceContext{})

	ctx, parent := tp.Tracer("test").Start(context.Background(), "caller")
	_, err := wartrpc.Call[greetParams, string](ctx, c, "greet", greetParams{Name: "bob"})
	require.NoError(t, err)
	parent.End()

	require.Eventually(t, func() bool { return len(rec.Ended()) == 2 }, timeout, tick)
	var server sdktrace.ReadOnlySpan
	for _, s := range rec.Ended() {
		if s.Name() == "wart_rpc/greet" {
			server = s
		}
	}
	require.NotNil(t, server)
	assert.Equal(t, parent.SpanContext().TraceID(), server.SpanContext().TraceID())
	assert.Equal(t, parent.SpanContext().SpanID(), server.Parent().SpanID())
}

func TestServerMetrics(t *testing.T) {
	c, rec, reader, _ := setup(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", ""} {
		_, _ = wartrpc.Call[greetParams, string](ctx, c, "greet", greetParams{Name: name})
	}
	require.Eventually(t, func() bool { return len(rec.Ended()) == 3 }, timeout, tick)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	assert.Equal(t, instrumentationName, rm.ScopeMetrics[0].Scope.Name)

	counts := map[string]int64{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		if m.Name != "rpc.server.requests" {
			continue
		}
		sum, ok := m.Data.(metricdata.Sum[int64])
		require.True(t, ok)
		for _, dp := range sum.DataPoints {
			status, _ := dp.Attributes.Value("status")
			counts[status.AsString()] += dp.Value
		}
	}
	assert.Equal(t, map[string]int64{"ok": 2, "error": 1}, counts)
}

const (
	timeout = 2 * time.Second
	tick    = 10 * time.Millisecond
)
