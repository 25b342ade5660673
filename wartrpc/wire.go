// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wartrpc

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// BatchKind classifies a received batch based on its metadata.
type BatchKind int

const (
	BatchData       BatchKind = iota // regular data batch
	BatchLog                         // client-directed log batch
	BatchError                       // error/exception batch
	BatchStateToken                  // HTTP exchange state token with no data
)

// Request represents a parsed RPC request from the wire.
type Request struct {
	Method    string
	Version   string
	RequestID string
	LogLevel  string
	Batch     arrow.RecordBatch
	Metadata  map[string]string
}

// ReadRequest reads one complete IPC stream from the reader and extracts
// the method name, version, and parameter values from the first batch.
func ReadRequest(r io.Reader) (*Request, error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		if isEOF(err) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading request IPC stream: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, fmt.Errorf("reading request batch: %w", err)
		}
		return nil, &RpcError{Type: "ProtocolError", Message: "Empty request stream"}
	}

	batch := reader.RecordBatch()
	batch.Retain() // keep batch alive after reader is released

	var meta arrow.Metadata
	if rb, ok := batch.(arrow.RecordBatchWithMetadata); ok {
		meta = rb.Metadata()
	}

	// Drain remaining batches (read to EOS) so the transport is positioned
	// at the next stream whatever we decide below.
	for reader.Next() {
	}

	method, ok := meta.GetValue(MetaMethod)
	if !ok {
		batch.Release()
		return nil, &RpcError{
			Type:    "ProtocolError",
			Message: "Missing 'wart_rpc.method' in request batch custom_metadata",
		}
	}

	version, ok := meta.GetValue(MetaRequestVersion)
	if !ok {
		batch.Release()
		return nil, &RpcError{
			Type:    "VersionError",
			Message: "Missing 'wart_rpc.request_version' in request batch custom_metadata",
		}
	}
	if version != ProtocolVersion {
		batch.Release()
		return nil, &RpcError{
			Type:    "VersionError",
			Message: fmt.Sprintf("Unsupported request version %q, expected %q", version, ProtocolVersion),
		}
	}

	if batch.Schema().NumFields() > 0 && batch.NumRows() != 1 {
		batch.Release()
		return nil, &RpcError{
			Type:    "ProtocolError",
			Message: fmt.Sprintf("Expected 1 row in request batch, got %d", batch.NumRows()),
		}
	}

	requestID, _ := meta.GetValue(MetaRequestID)
	logLevel, _ := meta.GetValue(MetaLogLevel)

	metaMap := make(map[string]string, meta.Len())
	for i := range meta.Len() {
		metaMap[meta.Keys()[i]] = meta.Values()[i]
	}

	return &Request{
		Method:    method,
		Version:   version,
		RequestID: requestID,
		LogLevel:  logLevel,
		Batch:     batch,
		Metadata:  metaMap,
	}, nil
}

// WriteRequest writes a complete request IPC stream: params as a one-row
// batch carrying the method and protocol metadata. extra metadata, such as
// trace context, is added to the batch.
func WriteRequest(w io.Writer, method, requestID string, level LogLevel, params arrow.RecordBatch, extra map[string]string) error {
	keys := []string{MetaMethod, MetaRequestVersion}
	vals := []string{method, ProtocolVersion}
	if requestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, requestID)
	}
	if level != "" {
		keys = append(keys, MetaLogLevel)
		vals = append(vals, string(level))
	}
	for k, v := range extra {
		keys = append(keys, k)
		vals = append(vals, v)
	}

	batch := array.NewRecordBatchWithMetadata(params.Schema(), params.Columns(), params.NumRows(), arrow.NewMetadata(keys, vals))
	defer batch.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(params.Schema()))
	if err := writer.Write(batch); err != nil {
		return fmt.Errorf("writing request batch: %w", err)
	}
	return writer.Close()
}

// emptyBatch creates a zero-row batch with the given schema.
func emptyBatch(schema *arrow.Schema) arrow.RecordBatch {
	mem := memory.NewGoAllocator()
	cols := make([]arrow.Array, schema.NumFields())
	for i, f := range schema.Fields() {
		cols[i] = makeEmptyArray(mem, f.Type)
	}
	batch := array.NewRecordBatch(schema, cols, 0)
	for _, c := range cols {
		c.Release()
	}
	return batch
}

// makeEmptyArray creates a zero-length array of the given type.
func makeEmptyArray(mem memory.Allocator, dt arrow.DataType) arrow.Array {
	builder := array.NewBuilder(mem, dt)
	defer builder.Release()
	return builder.NewArray()
}

func logMetadata(msg LogMessage, serverID, requestID string) arrow.Metadata {
	keys := []string{MetaLogLevel, MetaLogMessage}
	vals := []string{string(msg.Level), msg.Message}

	if len(msg.Extras) > 0 {
		extraJSON, err := json.Marshal(msg.Extras)
		if err != nil {
			extraJSON = []byte(`{}`)
		}
		keys = append(keys, MetaLogExtra)
		vals = append(vals, string(extraJSON))
	}
	if serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, serverID)
	}
	if requestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, requestID)
	}
	return arrow.NewMetadata(keys, vals)
}

func errorMetadata(err error, serverID, requestID string, debug, recoverable bool) arrow.Metadata {
	keys := []string{MetaLogLevel, MetaLogMessage, MetaLogExtra}
	vals := []string{string(LogException), err.Error(), buildErrorExtra(err, debug)}

	if recoverable {
		keys = append(keys, MetaRecoverable)
		vals = append(vals, "true")
	}
	if serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, serverID)
	}
	if requestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, requestID)
	}
	return arrow.NewMetadata(keys, vals)
}

// writeMetaBatch writes a zero-row batch carrying meta.
func writeMetaBatch(w *ipc.Writer, schema *arrow.Schema, meta arrow.Metadata) error {
	batch := emptyBatch(schema)
	defer batch.Release()

	batchWithMeta := array.NewRecordBatchWithMetadata(schema, batch.Columns(), 0, meta)
	defer batchWithMeta.Release()

	return w.Write(batchWithMeta)
}

// writeLogBatch writes a zero-row batch with log metadata.
func writeLogBatch(w *ipc.Writer, schema *arrow.Schema, msg LogMessage, serverID, requestID string) error {
	return writeMetaBatch(w, schema, logMetadata(msg, serverID, requestID))
}

// writeErrorBatch writes a zero-row batch with EXCEPTION-level metadata.
func writeErrorBatch(w *ipc.Writer, schema *arrow.Schema, err error, serverID, requestID string, debug bool) error {
	return writeMetaBatch(w, schema, errorMetadata(err, serverID, requestID, debug, false))
}

// WriteUnaryResponse writes a complete IPC stream containing log batches followed
// by a result batch. The stream is: schema + log batches + result batch + EOS.
func WriteUnaryResponse(w io.Writer, schema *arrow.Schema, logs []LogMessage,
	result arrow.RecordBatch, serverID, requestID string) error {

	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	defer writer.Close()

	for _, logMsg := range logs {
		if err := writeLogBatch(writer, schema, logMsg, serverID, requestID); err != nil {
			return fmt.Errorf("writing log batch: %w", err)
		}
	}

	if err := writer.Write(result); err != nil {
		return err
	}
	return writer.Close()
}

// writeErrorResponse writes a complete IPC stream of logs and an error batch.
func writeErrorResponse(w io.Writer, schema *arrow.Schema, logs []LogMessage, err error, serverID, requestID string, debug bool) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	defer writer.Close()

	for _, logMsg := range logs {
		if werr := writeLogBatch(writer, schema, logMsg, serverID, requestID); werr != nil {
			return fmt.Errorf("writing log batch: %w", werr)
		}
	}
	if werr := writeErrorBatch(writer, schema, err, serverID, requestID, debug); werr != nil {
		return werr
	}
	return writer.Close()
}

// WriteVoidResponse writes a complete IPC stream with logs and a zero-row empty-schema response.
func WriteVoidResponse(w io.Writer, logs []LogMessage, serverID, requestID string) error {
	schema := arrow.NewSchema(nil, nil)
	batch := emptyBatch(schema)
	defer batch.Release()

	return WriteUnaryResponse(w, schema, logs, batch, serverID, requestID)
}

// classifyBatch inspects a received batch's metadata. For log batches it
// returns the message; for error batches the decoded error.
func classifyBatch(batch arrow.RecordBatch) (BatchKind, LogMessage, *RpcError) {
	rb, ok := batch.(arrow.RecordBatchWithMetadata)
	if !ok {
		return BatchData, LogMessage{}, nil
	}
	meta := rb.Metadata()
	level, ok := meta.GetValue(MetaLogLevel)
	if !ok {
		if _, ok := meta.GetValue(MetaStreamState); ok && batch.NumRows() == 0 {
			return BatchStateToken, LogMessage{}, nil
		}
		return BatchData, LogMessage{}, nil
	}
	message, _ := meta.GetValue(MetaLogMessage)
	extra, _ := meta.GetValue(MetaLogExtra)

	if LogLevel(level) == LogException {
		rpcErr := parseErrorExtra(message, extra)
		rpcErr.RequestID, _ = meta.GetValue(MetaRequestID)
		if v, _ := meta.GetValue(MetaRecoverable); v == "true" {
			rpcErr.Recoverable = true
		}
		return BatchError, LogMessage{}, rpcErr
	}

	msg := LogMessage{Level: LogLevel(level), Message: message}
	if extra != "" {
		var extras map[string]string
		if err := json.Unmarshal([]byte(extra), &extras); err == nil {
			msg.Extras = extras
		}
	}
	return BatchLog, msg, nil
}

// stateToken returns the exchange state token carried by batch, if any.
func stateToken(batch arrow.RecordBatch) (string, bool) {
	rb, ok := batch.(arrow.RecordBatchWithMetadata)
	if !ok {
		return "", false
	}
	meta := rb.Metadata()
	return meta.GetValue(MetaStreamState)
}

// withMetadata returns batch carrying meta merged over its existing metadata.
func withMetadata(batch arrow.RecordBatch, meta map[string]string) arrow.RecordBatch {
	var keys, vals []string
	if rb, ok := batch.(arrow.RecordBatchWithMetadata); ok {
		existing := rb.Metadata()
		for i, k := range existing.Keys() {
			if _, replaced := meta[k]; !replaced {
				keys = append(keys, k)
				vals = append(vals, existing.Values()[i])
			}
		}
	}
	for k, v := range meta {
		keys = append(keys, k)
		vals = append(vals, v)
	}
	return array.NewRecordBatchWithMetadata(batch.Schema(), batch.Columns(), batch.NumRows(), arrow.NewMetadata(keys, vals))
}
