// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wartrpc

// Well-known metadata keys used in the wart_rpc wire protocol.
// These appear as custom_metadata on Arrow IPC RecordBatch messages.
const (
	MetaMethod         = "wart_rpc.method"
	MetaRequestVersion = "wart_rpc.request_version"
	MetaRequestID      = "wart_rpc.request_id"
	MetaLogLevel       = "wart_rpc.log_level"
	MetaLogMessage     = "wart_rpc.log_message"
	MetaLogExtra       = "wart_rpc.log_extra"
	MetaServerID       = "wart_rpc.server_id"
	MetaStreamState    = "wart_rpc.stream_state"
	MetaRecoverable    = "wart_rpc.recoverable"

	ProtocolVersion = "1"
)
