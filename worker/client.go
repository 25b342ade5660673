// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/Query-farm/wart-worker/series"
	"github.com/Query-farm/wart-worker/store"
	"github.com/Query-farm/wart-worker/wartrpc"
)

// Client calls a worker over any wartrpc transport. Errors the worker
// reports match both their *wartrpc.RpcError and the owning package's
// sentinel, so errors.Is(err, session.ErrSessionNotFound) works.
//
// Program prints and update errors arrive as log messages; install a
// handler on the underlying caller to see them.
type Client struct {
	rpc wartrpc.Caller
}

// NewClient wraps c, a *wartrpc.Client or *wartrpc.HttpClient.
func NewClient(c wartrpc.Caller) *Client {
	return &Client{rpc: c}
}

// OpenOptions describe a session to open.
type OpenOptions struct {
	SpaceName string
	// Program is Starlark source or bytecode from sandbox.Compile.
	Program []byte
	// IOTimeout bounds each graph query the program makes.
	IOTimeout time.Duration
	// ExTimeout bounds each invocation. Zero selects the worker default.
	ExTimeout time.Duration
	// Staged holds program merges back until IncrementEpoch.
	Staged bool
}

// OpenSession loads a program and returns the new session's token.
func (c *Client) OpenSession(ctx context.Context, opts OpenOptions) (string, error) {
	token, err := wartrpc.Call[OpenSessionParams, string](ctx, c.rpc, MethodOpenSession, OpenSessionParams{
		SpaceName: opts.SpaceName,
		Program:   opts.Program,
		IOTimeout: opts.IOTimeout.Milliseconds(),
		ExTimeout: opts.ExTimeout.Milliseconds(),
		Staged:    opts.Staged,
	})
	return token, fromRpcError(err)
}

// CloseSession closes a session.
func (c *Client) CloseSession(ctx context.Context, token string) error {
	return fromRpcError(wartrpc.CallVoid(ctx, c.rpc, MethodCloseSession, TokenParams{Token: token}))
}

// IncrementEpoch commits a staged session's pending merges.
func (c *Client) IncrementEpoch(ctx context.Context, token string) (uint64, error) {
	epoch, err := wartrpc.Call[TokenParams, int64](ctx, c.rpc, MethodIncrementEpoch, TokenParams{Token: token})
	return uint64(epoch), fromRpcError(err)
}

// Update is one merge request. Vals must hold one element per key except
// for deletes, where it may be nil.
type Update struct {
	Token string
	Keys  []string
	Vals  series.Series
	Merge store.MergeType
}

// Updater streams merge requests to update_store.
type Updater struct {
	stream wartrpc.SinkStream
}

// UpdateStore starts an update_store call.
func (c *Client) UpdateStore(ctx context.Context) (*Updater, error) {
	stream, err := wartrpc.OpenSink(ctx, c.rpc, MethodUpdateStore, UpdateStoreParams{}, updateRowSchema)
	if err != nil {
		return nil, fromRpcError(err)
	}
	return &Updater{stream: stream}, nil
}

// Send sends updates as one input batch.
func (u *Updater) Send(updates ...Update) error {
	rows := make([]UpdateRow, len(updates))
	for i, up := range updates {
		rows[i] = UpdateRow{Token: up.Token, Keys: up.Keys, MergeType: up.Merge.String()}
		if rows[i].Keys == nil {
			rows[i].Keys = []string{}
		}
		if up.Vals != nil {
			data, err := series.Marshal(up.Vals)
			if err != nil {
				return fmt.Errorf("encoding values: %w", err)
			}
			rows[i].Vals = data
		}
	}
	batch, err := wartrpc.EncodeRows(updateRowSchema, rows)
	if err != nil {
		return err
	}
	defer batch.Release()
	return fromRpcError(u.stream.Send(batch))
}

// Close ends the call and returns the number of keys the worker applied.
func (u *Updater) Close() (int64, error) {
	result, err := u.stream.CloseAndRecv()
	if err != nil {
		return 0, fromRpcError(err)
	}
	defer result.Release()
	rows, err := wartrpc.DecodeRows[UpdateResult](result)
	if err != nil {
		return 0, err
	}
	if len(rows) != 1 {
		return 0, fmt.Errorf("update_store returned %d rows", len(rows))
	}
	return rows[0].OkCount, nil
}

// Result is what one invocation returned.
type Result struct {
	Tables []*series.Table
	// Nodes and Edges are nil unless the program selected any.
	Nodes *series.Table
	Edges *series.Table
}

// Run is an open streaming_run stream bound to one session.
type Run struct {
	stream wartrpc.ExchangeStream
}

// StreamingRun opens a stream that invokes the program of session token.
func (c *Client) StreamingRun(ctx context.Context, token string) (*Run, error) {
	stream, err := wartrpc.OpenExchange(ctx, c.rpc, MethodStreamingRun, StreamingRunParams{}, runRowSchema)
	if err != nil {
		return nil, fromRpcError(err)
	}
	r := &Run{stream: stream}
	ack, err := r.send(RunRow{Kind: KindConfig, Token: &token})
	if err != nil {
		stream.Close()
		return nil, err
	}
	ack.Release()
	return r, nil
}

func (r *Run) send(row RunRow) (arrow.RecordBatch, error) {
	batch, err := wartrpc.EncodeRows(runRowSchema, []RunRow{row})
	if err != nil {
		return nil, err
	}
	defer batch.Release()
	out, err := r.stream.Exchange(batch)
	if err != nil {
		return nil, fromRpcError(err)
	}
	return out, nil
}

// Invoke runs the program once with args. A timeout or fault of this
// invocation returns an error matching sandbox.ErrTimeout or
// sandbox.ErrFault and leaves the stream usable.
func (r *Run) Invoke(args ...string) (*Result, error) {
	if args == nil {
		args = []string{}
	}
	out, err := r.send(RunRow{Kind: KindArgs, Args: args})
	if err != nil {
		return nil, err
	}
	defer out.Release()

	rows, err := wartrpc.DecodeRows[ResultRow](out)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	for _, row := range rows {
		t, err := series.UnmarshalTable(row.Table)
		if err != nil {
			return nil, fmt.Errorf("decoding result table: %w", err)
		}
		switch row.Role {
		case RoleNodes:
			res.Nodes = t
		case RoleEdges:
			res.Edges = t
		default:
			res.Tables = append(res.Tables, t)
		}
	}
	return res, nil
}

// Close ends the stream.
func (r *Run) Close() error {
	return fromRpcError(r.stream.Close())
}

// Recoverable reports whether err failed only one invocation of a Run.
func Recoverable(err error) bool {
	var rpcErr *wartrpc.RpcError
	return errors.As(err, &rpcErr) && rpcErr.Recoverable
}
