// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"github.com/Query-farm/wart-worker/wartrpc"
)

// Method names registered by [Worker.Register].
const (
	MethodOpenSession    = "open_session"
	MethodUpdateStore    = "update_store"
	MethodStreamingRun   = "streaming_run"
	MethodCloseSession   = "close_session"
	MethodIncrementEpoch = "increment_epoch"
)

// Message kinds of a streaming_run input row.
const (
	KindConfig = "config"
	KindArgs   = "args"
)

// Result roles. Generic tables have an empty role.
const (
	RoleTable = ""
	RoleNodes = "nodes"
	RoleEdges = "edges"
)

// OpenSessionParams are the parameters of open_session. Timeouts are in
// milliseconds.
type OpenSessionParams struct {
	SpaceName string `wart:"space_name"`
	Program   []byte `wart:"program"`
	IOTimeout int64  `wart:"io_timeout,default=0"`
	ExTimeout int64  `wart:"ex_timeout,default=0"`
	Staged    bool   `wart:"staged,default=false"`
}

// TokenParams name a session.
type TokenParams struct {
	Token string `wart:"token"`
}

// UpdateStoreParams are the (empty) parameters of update_store. The merge
// requests travel as input rows.
type UpdateStoreParams struct{}

// StreamingRunParams are the (empty) parameters of streaming_run. The
// session is named by the first input row.
type StreamingRunParams struct{}

// UpdateRow is one merge request. Vals holds a series encoded with
// series.Marshal and may be null for deletes.
type UpdateRow struct {
	Token     string   `wart:"token"`
	Keys      []string `wart:"keys"`
	Vals      []byte   `wart:"vals"`
	MergeType string   `wart:"merge_type,default=add"`
}

// UpdateResult is the single output row of update_store.
type UpdateResult struct {
	OkCount int64 `wart:"ok_count"`
}

// RunRow is one streaming_run message: a config naming the session, then
// any number of argument lists.
type RunRow struct {
	Kind  string   `wart:"kind"`
	Token *string  `wart:"token"`
	Args  []string `wart:"args"`
}

// ResultRow carries one result table encoded with series.MarshalTable.
type ResultRow struct {
	Role  string `wart:"role"`
	Table []byte `wart:"table"`
}

var (
	updateRowSchema    = wartrpc.MustSchema[UpdateRow]()
	updateResultSchema = wartrpc.MustSchema[UpdateResult]()
	runRowSchema       = wartrpc.MustSchema[RunRow]()
	resultRowSchema    = wartrpc.MustSchema[ResultRow]()
)
