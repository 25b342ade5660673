// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wartrpc

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// SinkState is the state of a client-stream call. Consume is called once
// per input batch in arrival order. After the client ends its input, Finish
// is called once and must emit exactly one data batch.
//
// When Consume returns an error the remaining input is discarded and the
// error ends the call.
type SinkState interface {
	Consume(ctx context.Context, input arrow.RecordBatch, callCtx *CallContext) error
	Finish(ctx context.Context, out *OutputCollector, callCtx *CallContext) error
}

// ExchangeState is the state of a bidirectional stream. Exchange is called
// once per input batch and must emit exactly one data batch or report a
// recoverable failure with [OutputCollector.Fail]. Returning an error ends
// the stream.
type ExchangeState interface {
	Exchange(ctx context.Context, input arrow.RecordBatch, out *OutputCollector, callCtx *CallContext) error
}

// OutputCollector accumulates output batches during one sink finish or
// exchange turn. Batches are stored in order because logs must precede the
// data batch they annotate.
type OutputCollector struct {
	schema       *arrow.Schema
	batches      []annotatedBatch
	dataBatchIdx int // -1 if no data batch yet
	serverID     string
	requestID    string
	debug        bool
	failure      error
}

// annotatedBatch is a batch with optional custom metadata.
type annotatedBatch struct {
	batch arrow.RecordBatch
	meta  *arrow.Metadata // nil if no custom metadata
}

func newOutputCollector(schema *arrow.Schema, serverID, requestID string, debug bool) *OutputCollector {
	return &OutputCollector{
		schema:       schema,
		dataBatchIdx: -1,
		serverID:     serverID,
		requestID:    requestID,
		debug:        debug,
	}
}

// Schema returns the output schema batches must conform to.
func (o *OutputCollector) Schema() *arrow.Schema { return o.schema }

// Emit adds a pre-built data batch. Returns an error if a data batch was already emitted.
// If the batch has a different schema object than the output schema, a new
// batch is created with the output schema to ensure IPC writer compatibility.
func (o *OutputCollector) Emit(batch arrow.RecordBatch) error {
	if o.dataBatchIdx >= 0 {
		batch.Release()
		return fmt.Errorf("OutputCollector: only one data batch may be emitted per call")
	}
	if !batch.Schema().Equal(o.schema) {
		batch.Release()
		return fmt.Errorf("OutputCollector: batch schema %v does not match output schema %v", batch.Schema(), o.schema)
	}
	if batch.Schema() != o.schema {
		original := batch
		batch = array.NewRecordBatch(o.schema, batch.Columns(), batch.NumRows())
		original.Release()
	}
	o.dataBatchIdx = len(o.batches)
	o.batches = append(o.batches, annotatedBatch{batch: batch})
	return nil
}

// EmitArrays builds a RecordBatch from arrays using the output schema and emits it.
func (o *OutputCollector) EmitArrays(arrays []arrow.Array, numRows int64) error {
	return o.Emit(array.NewRecordBatch(o.schema, arrays, numRows))
}

// EmitRows encodes rows with the collector's schema and emits them as the
// data batch. Emitting no rows acknowledges an input without data.
func EmitRows[T any](out *OutputCollector, rows []T) error {
	batch, err := encodeRows(out.schema, reflect.ValueOf(rows))
	if err != nil {
		return err
	}
	return out.Emit(batch)
}

// Fail reports a recoverable error in place of this turn's data batch. The
// client receives it as an *RpcError with Recoverable set and the stream
// continues.
func (o *OutputCollector) Fail(err error) error {
	if o.dataBatchIdx >= 0 {
		return fmt.Errorf("OutputCollector: only one data batch may be emitted per call")
	}
	meta := errorMetadata(err, o.serverID, o.requestID, o.debug, true)
	o.dataBatchIdx = len(o.batches)
	o.batches = append(o.batches, annotatedBatch{batch: emptyBatch(o.schema), meta: &meta})
	o.failure = err
	return nil
}

// Failure returns the error passed to Fail, if any.
func (o *OutputCollector) Failure() error { return o.failure }

// ClientLog emits a zero-row log batch with the given level and message.
func (o *OutputCollector) ClientLog(level LogLevel, message string, extras ...KV) {
	o.appendLog(newLogMessage(level, message, extras))
}

func (o *OutputCollector) appendLog(msg LogMessage) {
	meta := logMetadata(msg, o.serverID, o.requestID)
	o.batches = append(o.batches, annotatedBatch{batch: emptyBatch(o.schema), meta: &meta})
}

// validate checks that exactly one data batch was emitted.
func (o *OutputCollector) validate() error {
	if o.dataBatchIdx < 0 {
		return &RpcError{Type: "RuntimeError", Message: "No data batch was emitted"}
	}
	return nil
}

// release frees every collected batch.
func (o *OutputCollector) release() {
	for _, ab := range o.batches {
		ab.batch.Release()
	}
	o.batches = nil
}

// flush writes the collected batches in order, merging extra into the
// metadata of the data batch, and releases them.
func (o *OutputCollector) flush(write func(arrow.RecordBatch) error, stats *CallStatistics, extra map[string]string) error {
	defer o.release()
	for i, ab := range o.batches {
		batch := ab.batch
		if ab.meta != nil {
			batch = array.NewRecordBatchWithMetadata(o.schema, ab.batch.Columns(), ab.batch.NumRows(), *ab.meta)
		} else {
			batch.Retain()
		}
		if i == o.dataBatchIdx {
			if ab.meta == nil && stats != nil {
				stats.RecordOutput(batch.NumRows(), batchBufferSize(batch))
			}
			if len(extra) > 0 {
				merged := withMetadata(batch, extra)
				batch.Release()
				batch = merged
			}
		}
		err := write(batch)
		batch.Release()
		if err != nil {
			return fmt.Errorf("writing output batch: %w", err)
		}
	}
	return nil
}

// callState runs fn, turning a panic into an error.
func callState(fn func() error) (err error) {
	defer func() {
		if rv := recover(); rv != nil {
			err = &RpcError{Type: "RuntimeError", Message: fmt.Sprintf("%v", rv)}
		}
	}()
	return fn()
}

// isRecoverable reports whether err was reported through Fail.
func isRecoverable(err error) bool {
	var rpcErr *RpcError
	return errors.As(err, &rpcErr) && rpcErr.Recoverable
}
