// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package wartrpc implements the wart_rpc protocol, an Apache Arrow
// IPC-based RPC framework used by the wart worker and its clients.
//
// Parameters and results travel as Arrow RecordBatch messages. Per-batch
// custom metadata carries method names, request IDs, log messages, and
// error information.
//
// # Method types
//
//   - Unary: one request produces one response. Register with [Unary] or
//     [UnaryVoid].
//   - Sink: the client streams input batches after the request and ends
//     the stream; the server then answers with one batch. The server calls
//     [SinkState.Consume] per batch and [SinkState.Finish] once. Register
//     with [Sink].
//   - Exchange: after the request, each client input batch produces one
//     output batch via [ExchangeState.Exchange], in lockstep. A turn may
//     fail recoverably with [OutputCollector.Fail]; any returned error ends
//     the stream. Register with [Exchange].
//
// # Struct tags
//
// Parameters and row types are Go structs annotated with `wart` tags:
//
//	`wart:"wire_name[,option[,option...]]"`
//
// Supported options:
//
//   - default=VALUE: default value when the client omits the parameter
//   - int32: use Arrow Int32 instead of the default Int64
//   - float32: use Arrow Float32 instead of the default Float64
//   - binary: use Arrow Binary
//
// Pointer fields (e.g. *string, *int64) and []byte become nullable Arrow
// columns. Other slices become Arrow lists. [SchemaFor], [EncodeRows] and
// [DecodeRows] apply the same mapping to multi-row batches.
//
// # Transports
//
// [Server.Serve] runs requests one after another over an io.Reader and
// io.Writer pair, such as stdio ([Server.RunStdio]) or a socket
// ([Server.ServeListener]). [Client] is the matching caller.
//
// [HttpServer] exposes a [Server] over HTTP (default prefix /wart):
//
//	GET  /wart                    landing page listing the methods
//	POST /wart/{method}           unary or sink call
//	POST /wart/{method}/init      exchange initialization
//	POST /wart/{method}/exchange  one exchange turn with a state token
//
// Bodies use Content-Type application/vnd.apache.arrow.stream and may be
// zstd-encoded. Exchange state is carried between requests in an
// HMAC-signed state token, so call [RegisterStateType] for each concrete
// state type. [HttpClient] is the matching caller.
package wartrpc
