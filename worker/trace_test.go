// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Query-farm/wart-worker/sandbox"
	wartotel "github.com/Query-farm/wart-worker/wartrpc/otel"
)

func endedSpan(rec *tracetest.SpanRecorder, name string) sdktrace.ReadOnlySpan {
	for _, s := range rec.Ended() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

func attrs(kvs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestSpansCarrySessionAndInvocations(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	s, _ := newServer(t, nil)
	cfg := wartotel.DefaultConfig()
	cfg.TracerProvider = tp
	cfg.EnableMetrics = false
	require.NoError(t, wartotel.InstrumentServer(s, cfg))
	c, _ := pipeClient(t, s)

	token := openSession(t, c, OpenOptions{SpaceName: "social", Program: []byte(runProgram), Staged: true})
	run, err := c.StreamingRun(context.Background(), token)
	require.NoError(t, err)
	_, err = run.Invoke("boom")
	require.ErrorIs(t, err, sandbox.ErrFault)
	_, err = run.Invoke("a", "b")
	require.NoError(t, err)
	require.NoError(t, run.Close())

	var open, stream sdktrace.ReadOnlySpan
	require.Eventually(t, func() bool {
		open = endedSpan(rec, "wart_rpc/"+MethodOpenSession)
		stream = endedSpan(rec, "wart_rpc/"+MethodStreamingRun)
		return open != nil && stream != nil
	}, 2*time.Second, 10*time.Millisecond)

	a := attrs(open.Attributes())
	assert.Equal(t, token, a[attrToken].AsString())
	assert.Equal(t, "social", a[attrSpace].AsString())
	assert.True(t, a[attrStaged].AsBool())

	assert.Equal(t, token, attrs(stream.Attributes())[attrToken].AsString())
	var outcomes []string
	for _, ev := range stream.Events() {
		if ev.Name != "wart.invocation" {
			continue
		}
		ea := attrs(ev.Attributes)
		outcomes = append(outcomes, ea[attrOutcome].AsString())
		if ea[attrOutcome].AsString() == "ok" {
			assert.EqualValues(t, 2, ea[attrTables].AsInt64())
			assert.EqualValues(t, 1, ea[attrIndex].AsInt64())
		}
	}
	assert.Equal(t, []string{"fault", "ok"}, outcomes)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", outcome(nil))
	assert.Equal(t, "timeout", outcome(sandbox.ErrTimeout))
	assert.Equal(t, "fault", outcome(sandbox.ErrFault))
	assert.Equal(t, "error", outcome(ErrProtocolViolation))
	assert.Equal(t, "error", outcome(context.Canceled))
}
