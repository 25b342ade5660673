// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"errors"

	"github.com/Query-farm/wart-worker/sandbox"
	"github.com/Query-farm/wart-worker/series"
	"github.com/Query-farm/wart-worker/session"
	"github.com/Query-farm/wart-worker/store"
	"github.com/Query-farm/wart-worker/wartrpc"
)

// ErrProtocolViolation reports a streaming_run message that is not valid
// in the stream's current phase.
var ErrProtocolViolation = errors.New("protocol violation")

// Error types sent to clients in wartrpc.RpcError.Type.
const (
	TypeInvalidProgram    = "InvalidProgram"
	TypeSessionNotFound   = "SessionNotFound"
	TypeMalformedBatch    = "MalformedBatch"
	TypeTypeMismatch      = "TypeMismatch"
	TypeProtocolViolation = "ProtocolViolation"
	TypeExecutionTimeout  = "ExecutionTimeout"
	TypeExecutionFault    = "ExecutionFault"
	TypeTooManySessions   = "TooManySessions"
)

var errorTypes = []struct {
	name string
	err  error
}{
	{TypeSessionNotFound, session.ErrSessionNotFound},
	{TypeInvalidProgram, session.ErrInvalidProgram},
	{TypeInvalidProgram, sandbox.ErrInvalidProgram},
	{TypeTooManySessions, session.ErrTooManySessions},
	{TypeProtocolViolation, ErrProtocolViolation},
	{TypeExecutionTimeout, sandbox.ErrTimeout},
	{TypeExecutionFault, sandbox.ErrFault},
	{TypeMalformedBatch, store.ErrMalformedBatch},
	{TypeTypeMismatch, series.ErrTypeMismatch},
}

// errorType returns the wire type of err, or "" when it has none.
func errorType(err error) string {
	for _, et := range errorTypes {
		if errors.Is(err, et.err) {
			return et.name
		}
	}
	return ""
}

// toRpcError converts a domain error into the error sent to the client.
func toRpcError(err error) error {
	var rpcErr *wartrpc.RpcError
	if err == nil || errors.As(err, &rpcErr) {
		return err
	}
	if name := errorType(err); name != "" {
		return &wartrpc.RpcError{Type: name, Message: err.Error()}
	}
	return err
}

// remoteError is an error received from a worker. It matches both the
// *wartrpc.RpcError and the sentinel error of its type.
type remoteError struct {
	rpc      *wartrpc.RpcError
	sentinel error
}

func (e *remoteError) Error() string   { return e.rpc.Error() }
func (e *remoteError) Unwrap() []error { return []error{e.rpc, e.sentinel} }

// fromRpcError makes a received error match the sentinel of its type.
func fromRpcError(err error) error {
	var rpcErr *wartrpc.RpcError
	if !errors.As(err, &rpcErr) {
		return err
	}
	for _, et := range errorTypes {
		if et.name == rpcErr.Type {
			return &remoteError{rpc: rpcErr, sentinel: et.err}
		}
	}
	return err
}
