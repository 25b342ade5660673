// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Query-farm/wart-worker/sandbox"
)

// Span attributes set on the dispatch span in ctx. Without an installed
// tracer the span is a no-op.
const (
	attrToken     = attribute.Key("wart.session.token")
	attrSpace     = attribute.Key("wart.session.space")
	attrStaged    = attribute.Key("wart.session.staged")
	attrEpoch     = attribute.Key("wart.session.epoch")
	attrOkCount   = attribute.Key("wart.update.ok_count")
	attrRejected  = attribute.Key("wart.update.rejected")
	attrOutcome   = attribute.Key("wart.invocation.outcome")
	attrTables    = attribute.Key("wart.invocation.tables")
	attrIndex     = attribute.Key("wart.invocation.index")
	attrElapsedMs = attribute.Key("wart.invocation.elapsed_ms")
)

func annotate(ctx context.Context, kv ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(kv...)
}

// outcome names how an invocation ended.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch errorType(err) {
	case TypeExecutionTimeout:
		return "timeout"
	case TypeExecutionFault:
		return "fault"
	default:
		return "error"
	}
}

// recordInvocation adds one event per program run. A stream carries many
// runs, so they are events rather than span attributes.
func recordInvocation(ctx context.Context, index int64, output *sandbox.Output, elapsed time.Duration, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	tables := 0
	if output != nil {
		tables = len(output.Tables)
	}
	span.AddEvent("wart.invocation", trace.WithAttributes(
		attrIndex.Int64(index),
		attrOutcome.String(outcome(err)),
		attrTables.Int(tables),
		attrElapsedMs.Int64(elapsed.Milliseconds()),
	))
}
