// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package worker serves wart sessions over wartrpc. It registers the
// session methods on a [wartrpc.Server] and provides a typed [Client].
//
// A session is used in four steps: open_session loads a program and
// returns a token, update_store streams key/value merges into the
// session's store, streaming_run invokes the program once per argument
// list, and close_session ends it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/Query-farm/wart-worker/sandbox"
	"github.com/Query-farm/wart-worker/series"
	"github.com/Query-farm/wart-worker/session"
	"github.com/Query-farm/wart-worker/store"
	"github.com/Query-farm/wart-worker/wartrpc"
)

func init() {
	wartrpc.RegisterStateType(&RunState{})
}

// Worker implements the session methods on top of a session.Manager.
type Worker struct {
	sessions *session.Manager
	logger   *slog.Logger
}

// New returns a Worker serving the sessions of m. A nil logger means
// slog.Default().
func New(m *session.Manager, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{sessions: m, logger: logger}
}

// Register adds the worker's methods to s.
func (w *Worker) Register(s *wartrpc.Server) {
	wartrpc.Unary(s, MethodOpenSession, w.openSession)
	s.SetMethodDoc(MethodOpenSession, "Loads a program and returns the token of a new session.")

	wartrpc.Sink(s, MethodUpdateStore, updateResultSchema, updateRowSchema, w.updateStore)
	s.SetMethodDoc(MethodUpdateStore, "Merges streamed key/value updates into session stores and returns the number applied.")

	wartrpc.Exchange(s, MethodStreamingRun, resultRowSchema, runRowSchema, w.streamingRun,
		wartrpc.WithStateRestore(w.restoreRun))
	s.SetMethodDoc(MethodStreamingRun, "Invokes a session's program once per argument list after a config message naming the session.")

	wartrpc.UnaryVoid(s, MethodCloseSession, w.closeSession)
	s.SetMethodDoc(MethodCloseSession, "Closes a session. Its token is never valid again.")

	wartrpc.Unary(s, MethodIncrementEpoch, w.incrementEpoch)
	s.SetMethodDoc(MethodIncrementEpoch, "Makes a staged session's pending merges visible and returns the new epoch.")
}

func (w *Worker) openSession(ctx context.Context, callCtx *wartrpc.CallContext, p OpenSessionParams) (string, error) {
	if p.IOTimeout < 0 || p.ExTimeout < 0 {
		return "", &wartrpc.RpcError{Type: "ValueError", Message: "timeouts must not be negative"}
	}
	token, err := w.sessions.Open(ctx, session.OpenParams{
		SpaceName: p.SpaceName,
		Program:   p.Program,
		IOTimeout: time.Duration(p.IOTimeout) * time.Millisecond,
		ExTimeout: time.Duration(p.ExTimeout) * time.Millisecond,
		Staged:    p.Staged,
	})
	if err != nil {
		return "", toRpcError(err)
	}
	annotate(ctx, attrToken.String(token), attrSpace.String(p.SpaceName), attrStaged.Bool(p.Staged))
	callCtx.ClientLog(wartrpc.LogDebug, "session opened", wartrpc.KV{Key: "token", Value: token})
	return token, nil
}

func (w *Worker) closeSession(ctx context.Context, _ *wartrpc.CallContext, p TokenParams) error {
	annotate(ctx, attrToken.String(p.Token))
	return toRpcError(w.sessions.Close(ctx, p.Token))
}

func (w *Worker) incrementEpoch(ctx context.Context, _ *wartrpc.CallContext, p TokenParams) (int64, error) {
	annotate(ctx, attrToken.String(p.Token))
	epoch, err := w.sessions.IncrementEpoch(ctx, p.Token)
	if err != nil {
		return 0, toRpcError(err)
	}
	annotate(ctx, attrEpoch.Int64(int64(epoch)))
	return int64(epoch), nil
}

func (w *Worker) updateStore(_ context.Context, _ *wartrpc.CallContext, _ UpdateStoreParams) (wartrpc.SinkState, error) {
	return &updateState{w: w}, nil
}

// updateState accumulates the outcome of one update_store call.
type updateState struct {
	w        *Worker
	ok       int64
	count    int // merge requests seen, used to number them in error logs
	rejected int
}

// Consume applies each row of input as one merge request. Malformed
// requests and per-key failures are reported to the client as ERROR logs
// and do not stop the call.
func (u *updateState) Consume(ctx context.Context, input arrow.RecordBatch, callCtx *wartrpc.CallContext) error {
	rows, err := wartrpc.DecodeRows[UpdateRow](input)
	if err != nil {
		u.report(callCtx, u.count, "", fmt.Errorf("%w: %v", store.ErrMalformedBatch, err))
		u.count += int(input.NumRows())
		return nil
	}
	for _, row := range rows {
		idx := u.count
		u.count++
		if err := u.apply(ctx, callCtx, idx, row); err != nil {
			return err
		}
	}
	return nil
}

func (u *updateState) apply(ctx context.Context, callCtx *wartrpc.CallContext, idx int, row UpdateRow) error {
	mt, err := store.ParseMergeType(row.MergeType)
	if err != nil {
		u.report(callCtx, idx, "", err)
		return nil
	}
	var vals series.Series
	if row.Vals != nil {
		if vals, err = series.Unmarshal(row.Vals); err != nil {
			u.report(callCtx, idx, "", fmt.Errorf("%w: vals: %v", store.ErrMalformedBatch, err))
			return nil
		}
	}

	sess, release, err := u.w.sessions.Acquire(ctx, row.Token)
	if err != nil {
		return toRpcError(err)
	}
	ok, keyErrs, err := sess.MergeBatch(ctx, row.Keys, vals, mt)
	release()

	u.ok += int64(ok)
	switch {
	case errors.Is(err, store.ErrMalformedBatch):
		u.report(callCtx, idx, "", err)
	case err != nil:
		return toRpcError(err)
	}
	for _, ke := range keyErrs {
		u.report(callCtx, idx, ke.Key, ke.Err)
	}
	return nil
}

func (u *updateState) report(callCtx *wartrpc.CallContext, idx int, key string, err error) {
	u.rejected++
	u.w.logger.Debug("update rejected", "batch", idx, "key", key, "err", err)
	callCtx.ClientLog(wartrpc.LogError, err.Error(),
		wartrpc.KV{Key: "error_type", Value: errorType(err)},
		wartrpc.KV{Key: "batch", Value: strconv.Itoa(idx)},
		wartrpc.KV{Key: "key", Value: key},
	)
}

func (u *updateState) Finish(ctx context.Context, out *wartrpc.OutputCollector, _ *wartrpc.CallContext) error {
	annotate(ctx, attrOkCount.Int64(u.ok), attrRejected.Int(u.rejected))
	return wartrpc.EmitRows(out, []UpdateResult{{OkCount: u.ok}})
}

// Phase is the position of a streaming_run stream in its state machine.
type Phase int

const (
	AwaitingConfig Phase = iota
	Running
	Closed
)

func (p Phase) String() string {
	switch p {
	case AwaitingConfig:
		return "awaiting config"
	case Running:
		return "running"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// RunState is the state of one streaming_run stream. Its exported fields
// travel in HTTP state tokens.
type RunState struct {
	Phase       Phase
	Token       string
	Invocations int64

	w *Worker
}

func (w *Worker) streamingRun(_ context.Context, _ *wartrpc.CallContext, _ StreamingRunParams) (wartrpc.ExchangeState, error) {
	return &RunState{w: w}, nil
}

func (w *Worker) restoreRun(st wartrpc.ExchangeState) (wartrpc.ExchangeState, error) {
	rs, ok := st.(*RunState)
	if !ok {
		return nil, fmt.Errorf("unexpected stream state %T", st)
	}
	rs.w = w
	return rs, nil
}

// Exchange handles one message. A config is acknowledged with an empty
// batch. Each argument list runs the program once and answers with its
// tables. Invocation timeouts and faults fail only their own turn.
func (s *RunState) Exchange(ctx context.Context, input arrow.RecordBatch, out *wartrpc.OutputCollector, _ *wartrpc.CallContext) error {
	rows, err := wartrpc.DecodeRows[RunRow](input)
	if err != nil {
		return s.violation("undecodable message: %v", err)
	}
	if len(rows) != 1 {
		return s.violation("expected one message per batch, got %d", len(rows))
	}
	msg := rows[0]

	switch s.Phase {
	case AwaitingConfig:
		if msg.Kind != KindConfig {
			return s.violation("first message must be %s, got %q", KindConfig, msg.Kind)
		}
		if msg.Token == nil {
			return s.violation("%s message without a token", KindConfig)
		}
		if err := s.w.sessions.Touch(*msg.Token); err != nil {
			s.Phase = Closed
			return toRpcError(err)
		}
		s.Token = *msg.Token
		s.Phase = Running
		annotate(ctx, attrToken.String(s.Token))
		return wartrpc.EmitRows(out, []ResultRow{})
	case Running:
		if msg.Kind != KindArgs {
			return s.violation("expected %s, got %q", KindArgs, msg.Kind)
		}
		return s.invoke(ctx, msg.Args, out)
	default:
		return s.violation("stream is %s", s.Phase)
	}
}

func (s *RunState) violation(format string, args ...any) error {
	s.Phase = Closed
	return toRpcError(fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...)))
}

func (s *RunState) invoke(ctx context.Context, args []string, out *wartrpc.OutputCollector) error {
	sess, release, err := s.w.sessions.Acquire(ctx, s.Token)
	if err != nil {
		s.Phase = Closed
		return toRpcError(err)
	}
	start := time.Now()
	output, err := sess.Invoke(ctx, args)
	release()
	recordInvocation(ctx, s.Invocations, output, time.Since(start), err)
	s.Invocations++

	if output != nil {
		for _, line := range output.Logs {
			out.ClientLog(wartrpc.LogInfo, line)
		}
	}
	if err != nil {
		s.w.logger.Debug("invocation failed", "token", s.Token, "err", err)
		if errors.Is(err, sandbox.ErrTimeout) || errors.Is(err, sandbox.ErrFault) {
			return out.Fail(toRpcError(err))
		}
		return toRpcError(err)
	}

	rows, err := resultRows(output)
	if err != nil {
		return err
	}
	return wartrpc.EmitRows(out, rows)
}

// resultRows encodes the invocation's tables in order, followed by its
// nodes and edges tables when present.
func resultRows(output *sandbox.Output) ([]ResultRow, error) {
	rows := make([]ResultRow, 0, len(output.Tables)+2)
	add := func(role string, t *series.Table) error {
		data, err := series.MarshalTable(t)
		if err != nil {
			return fmt.Errorf("encoding %q table: %w", t.Comment, err)
		}
		rows = append(rows, ResultRow{Role: role, Table: data})
		return nil
	}
	for _, t := range output.Tables {
		if err := add(RoleTable, t); err != nil {
			return nil, err
		}
	}
	if output.Nodes != nil {
		if err := add(RoleNodes, output.Nodes); err != nil {
			return nil, err
		}
	}
	if output.Edges != nil {
		if err := add(RoleEdges, output.Edges); err != nil {
			return nil, err
		}
	}
	return rows, nil
}
