// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wartrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"reflect"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
)

// MethodType identifies how a registered method should be dispatched.
type MethodType int

const (
	// MethodUnary identifies a request-response method with a single result.
	MethodUnary MethodType = iota
	// MethodSink identifies a client-stream method: the client sends input
	// batches until it ends the stream, then the server answers once.
	MethodSink
	// MethodExchange identifies a bidirectional lockstep streaming method.
	MethodExchange
)

func (t MethodType) String() string {
	switch t {
	case MethodUnary:
		return "unary"
	case MethodSink:
		return "sink"
	case MethodExchange:
		return "exchange"
	default:
		return fmt.Sprintf("MethodType(%d)", int(t))
	}
}

// methodInfo stores the registration details for one RPC method.
type methodInfo struct {
	Name          string
	Type          MethodType
	Doc           string
	ParamsType    reflect.Type      // Go struct type for parameters
	ResultType    reflect.Type      // Go type for result (nil for void and streams)
	ParamsSchema  *arrow.Schema     // Arrow schema for parameter deserialization
	ResultSchema  *arrow.Schema     // Arrow schema for result serialization
	Handler       reflect.Value     // func(context.Context, *CallContext, P) (R, error) or similar
	ParamDefaults map[string]string // parameter defaults from struct tags
	OutputSchema  *arrow.Schema     // for streaming methods: output batch schema
	InputSchema   *arrow.Schema     // for streaming methods: input batch schema
	Restore       func(ExchangeState) (ExchangeState, error)
}

// Server is the RPC server that dispatches incoming requests to registered methods.
type Server struct {
	methods      map[string]*methodInfo
	serverID     string
	serviceName  string
	dispatchHook DispatchHook
	debugErrors  bool
}

// NewServer creates a new RPC server.
func NewServer() *Server {
	return &Server{
		methods: make(map[string]*methodInfo),
	}
}

// SetServerID sets a server identifier included in response metadata.
func (s *Server) SetServerID(id string) {
	s.serverID = id
}

// SetServiceName sets a logical service name used by observability hooks.
func (s *Server) SetServiceName(name string) {
	s.serviceName = name
}

// ServiceName returns the logical service name, or empty string if not set.
func (s *Server) ServiceName() string {
	return s.serviceName
}

// SetDispatchHook registers a hook that is called around each RPC dispatch.
func (s *Server) SetDispatchHook(hook DispatchHook) {
	s.dispatchHook = hook
}

// SetDebugErrors controls whether error responses include stack traces
// with file paths and function names. When false (the default), error
// responses contain only the error type and message.
func (s *Server) SetDebugErrors(enabled bool) {
	s.debugErrors = enabled
}

// SetMethodDoc attaches a description reported by __describe__.
func (s *Server) SetMethodDoc(name, doc string) {
	if info, ok := s.methods[name]; ok {
		info.Doc = doc
	}
}

func paramsInfo[P any](name string) (reflect.Type, *arrow.Schema) {
	paramsType := reflect.TypeFor[P]()
	paramsSchema, err := structToSchema(paramsType)
	if err != nil {
		panic(fmt.Sprintf("wartrpc: registering %q: invalid params type %v: %v", name, paramsType, err))
	}
	return paramsType, paramsSchema
}

// Unary registers a unary RPC method with typed parameters and return value.
// P must be a struct with `wart` tags. R is the return type.
func Unary[P any, R any](s *Server, name string, handler func(context.Context, *CallContext, P) (R, error)) {
	paramsType, paramsSchema := paramsInfo[P](name)
	resultType := reflect.TypeFor[R]()
	resultSchema, err := resultSchema(resultType)
	if err != nil {
		panic(fmt.Sprintf("wartrpc: registering %q: invalid result type %v: %v", name, resultType, err))
	}

	s.methods[name] = &methodInfo{
		Name:          name,
		Type:          MethodUnary,
		ParamsType:    paramsType,
		ResultType:    resultType,
		ParamsSchema:  paramsSchema,
		ResultSchema:  resultSchema,
		Handler:       reflect.ValueOf(handler),
		ParamDefaults: extractDefaults(paramsType),
	}
}

// UnaryVoid registers a unary RPC method that returns no value.
func UnaryVoid[P any](s *Server, name string, handler func(context.Context, *CallContext, P) error) {
	paramsType, paramsSchema := paramsInfo[P](name)

	s.methods[name] = &methodInfo{
		Name:          name,
		Type:          MethodUnary,
		ParamsType:    paramsType,
		ParamsSchema:  paramsSchema,
		ResultSchema:  arrow.NewSchema(nil, nil), // empty schema for void
		Handler:       reflect.ValueOf(handler),
		ParamDefaults: extractDefaults(paramsType),
	}
}

// Sink registers a client-stream method. The handler validates the
// parameters and returns the state that consumes the input batches.
func Sink[P any](s *Server, name string, outputSchema, inputSchema *arrow.Schema,
	handler func(context.Context, *CallContext, P) (SinkState, error)) {
	if outputSchema == nil || inputSchema == nil {
		panic(fmt.Sprintf("wartrpc: registering %q: schemas must not be nil", name))
	}
	paramsType, paramsSchema := paramsInfo[P](name)

	s.methods[name] = &methodInfo{
		Name:          name,
		Type:          MethodSink,
		ParamsType:    paramsType,
		ParamsSchema:  paramsSchema,
		ResultSchema:  arrow.NewSchema(nil, nil),
		Handler:       reflect.ValueOf(handler),
		ParamDefaults: extractDefaults(paramsType),
		OutputSchema:  outputSchema,
		InputSchema:   inputSchema,
	}
}

// ExchangeOption configures an exchange method.
type ExchangeOption func(*methodInfo)

// WithStateRestore installs fn to rebuild a state decoded from an HTTP
// state token, for states that hold references gob cannot carry.
func WithStateRestore(fn func(ExchangeState) (ExchangeState, error)) ExchangeOption {
	return func(info *methodInfo) { info.Restore = fn }
}

// Exchange registers an exchange stream method.
func Exchange[P any](s *Server, name string, outputSchema, inputSchema *arrow.Schema,
	handler func(context.Context, *CallContext, P) (ExchangeState, error), opts ...ExchangeOption) {
	if outputSchema == nil || inputSchema == nil {
		panic(fmt.Sprintf("wartrpc: registering %q: schemas must not be nil", name))
	}
	paramsType, paramsSchema := paramsInfo[P](name)

	info := &methodInfo{
		Name:          name,
		Type:          MethodExchange,
		ParamsType:    paramsType,
		ParamsSchema:  paramsSchema,
		ResultSchema:  arrow.NewSchema(nil, nil),
		Handler:       reflect.ValueOf(handler),
		ParamDefaults: extractDefaults(paramsType),
		OutputSchema:  outputSchema,
		InputSchema:   inputSchema,
	}
	for _, opt := range opts {
		opt(info)
	}
	s.methods[name] = info
}

// RunStdio serves requests on stdin/stdout until stdin is closed or ctx is
// done.
func (s *Server) RunStdio(ctx context.Context) {
	// Ignore SIGPIPE so writes to a closed stdout return errors instead of
	// killing the process.
	signal.Ignore(syscall.SIGPIPE)

	if isTerminal(os.Stdin) || isTerminal(os.Stdout) {
		fmt.Fprintln(os.Stderr,
			"WARNING: This process communicates via Arrow IPC on stdin/stdout "+
				"and is not intended to be run interactively.")
	}
	s.ServeWithContext(ctx, os.Stdin, os.Stdout)
}

// isTerminal reports whether f is connected to a terminal.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// Serve runs the server loop on the given reader/writer pair.
func (s *Server) Serve(r io.Reader, w io.Writer) {
	s.ServeWithContext(context.Background(), r, w)
}

// ServeWithContext runs the server loop on the given reader/writer pair with a context.
func (s *Server) ServeWithContext(ctx context.Context, r io.Reader, w io.Writer) {
	for ctx.Err() == nil {
		err := s.serveOne(ctx, r, w)
		if err != nil {
			if !isTransportClosed(err) {
				slog.Error("serve loop error", "err", err)
			}
			return
		}
	}
}

// ServeListener accepts connections from ln and serves each on its own
// goroutine until ctx is done. Open connections are closed on return.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
	)
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		mu.Lock()
		for c := range conns {
			c.Close()
		}
		mu.Unlock()
	})
	defer stop()

	var err error
	for {
		var conn net.Conn
		conn, err = ln.Accept()
		if err != nil {
			break
		}
		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				mu.Lock()
				delete(conns, conn)
				mu.Unlock()
				conn.Close()
			}()
			slog.Debug("connection accepted", "remote", conn.RemoteAddr().String())
			s.ServeWithContext(ctx, conn, conn)
		}()
	}

	if ctx.Err() == nil {
		// Listener failed on its own; stop serving the open connections.
		mu.Lock()
		for c := range conns {
			c.Close()
		}
		mu.Unlock()
	}
	wg.Wait()
	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return fmt.Errorf("accepting connections: %w", err)
}

// serveOne handles one complete RPC request-response cycle.
func (s *Server) serveOne(ctx context.Context, r io.Reader, w io.Writer) error {
	req, err := ReadRequest(r)
	if err != nil {
		var rpcErr *RpcError
		if errors.As(err, &rpcErr) {
			emptySchema := arrow.NewSchema(nil, nil)
			return writeErrorResponse(w, emptySchema, nil, rpcErr, s.serverID, "", s.debugErrors)
		}
		return err // transport error, stop serving
	}
	defer req.Batch.Release()

	_, transportErr := s.dispatch(ctx, r, w, req, req.Metadata)
	return transportErr
}

// dispatch runs the method named by req, with any stream input read from r
// and the response written to w.
func (s *Server) dispatch(ctx context.Context, r io.Reader, w io.Writer, req *Request, transportMeta map[string]string) (handlerErr, transportErr error) {
	if req.Method == "__describe__" {
		return nil, s.serveDescribe(w)
	}

	info, ok := s.methods[req.Method]
	if !ok {
		errMsg := fmt.Sprintf("Unknown method: '%s'. Available methods: %v", req.Method, s.availableMethods())
		handlerErr = &RpcError{Type: "AttributeError", Message: errMsg}
		return handlerErr, writeErrorResponse(w, arrow.NewSchema(nil, nil), nil, handlerErr, s.serverID, req.RequestID, s.debugErrors)
	}

	dispatchInfo := DispatchInfo{
		Method:            req.Method,
		MethodType:        info.Type.String(),
		ServerID:          s.serverID,
		RequestID:         req.RequestID,
		TransportMetadata: transportMeta,
	}
	stats := &CallStatistics{}
	ctx, hookToken, hookActive := s.hookStart(ctx, dispatchInfo)

	switch info.Type {
	case MethodUnary:
		handlerErr, transportErr = s.serveUnary(ctx, w, req, info, stats)
	case MethodSink:
		handlerErr, transportErr = s.serveSink(ctx, r, w, req, info, stats)
	case MethodExchange:
		handlerErr, transportErr = s.serveExchange(ctx, r, w, req, info, stats)
	}

	if hookActive {
		s.hookEnd(ctx, hookToken, dispatchInfo, stats, handlerErr)
	}
	return handlerErr, transportErr
}

// serveUnary dispatches a unary method call.
// Returns handlerErr (application error reported to hook) and transportErr (I/O error for serve loop).
func (s *Server) serveUnary(ctx context.Context, w io.Writer, req *Request, info *methodInfo, stats *CallStatistics) (handlerErr, transportErr error) {
	params, err := deserializeParams(req.Batch, info.ParamsType)
	if err != nil {
		handlerErr = &RpcError{Type: "TypeError", Message: fmt.Sprintf("parameter deserialization: %v", err)}
		return handlerErr, writeErrorResponse(w, info.ResultSchema, nil, handlerErr, s.serverID, req.RequestID, s.debugErrors)
	}

	stats.RecordInput(req.Batch.NumRows(), batchBufferSize(req.Batch))

	callCtx := newCallContext(ctx, s.serverID, req)

	var resultVal reflect.Value
	var callErr error
	callErr = callState(func() error {
		results := info.Handler.Call([]reflect.Value{
			reflect.ValueOf(ctx),
			reflect.ValueOf(callCtx),
			params,
		})
		if info.ResultType == nil {
			// Void handler: func(context.Context, *CallContext, P) error
			if !results[0].IsNil() {
				return results[0].Interface().(error)
			}
			return nil
		}
		resultVal = results[0]
		if !results[1].IsNil() {
			return results[1].Interface().(error)
		}
		return nil
	})

	logs := callCtx.drainLogs()

	if callErr != nil {
		return callErr, writeErrorResponse(w, info.ResultSchema, logs, callErr, s.serverID, req.RequestID, s.debugErrors)
	}

	if info.ResultType == nil {
		return nil, WriteVoidResponse(w, logs, s.serverID, req.RequestID)
	}

	resultBatch, err := serializeResult(info.ResultSchema, resultVal.Interface())
	if err != nil {
		handlerErr = &RpcError{Type: "SerializationError", Message: fmt.Sprintf("result serialization: %v", err)}
		return handlerErr, writeErrorResponse(w, info.ResultSchema, logs, handlerErr, s.serverID, req.RequestID, s.debugErrors)
	}
	defer resultBatch.Release()

	stats.RecordOutput(resultBatch.NumRows(), batchBufferSize(resultBatch))

	return nil, WriteUnaryResponse(w, info.ResultSchema, logs, resultBatch, s.serverID, req.RequestID)
}

// initStream deserializes the parameters and calls a stream handler,
// returning its state.
func (s *Server) initStream(ctx context.Context, callCtx *CallContext, req *Request, info *methodInfo) (any, error) {
	params, err := deserializeParams(req.Batch, info.ParamsType)
	if err != nil {
		return nil, &RpcError{Type: "TypeError", Message: fmt.Sprintf("parameter deserialization: %v", err)}
	}
	var state any
	err = callState(func() error {
		results := info.Handler.Call([]reflect.Value{
			reflect.ValueOf(ctx),
			reflect.ValueOf(callCtx),
			params,
		})
		if !results[1].IsNil() {
			return results[1].Interface().(error)
		}
		if results[0].IsNil() {
			return &RpcError{Type: "RuntimeError", Message: fmt.Sprintf("method %q returned no stream state", info.Name)}
		}
		state = results[0].Interface()
		return nil
	})
	return state, err
}

// serveSink dispatches a client-stream method. All input is read before
// any output is written, so a client that writes its whole stream before
// reading never deadlocks against the server.
func (s *Server) serveSink(ctx context.Context, r io.Reader, w io.Writer, req *Request, info *methodInfo, stats *CallStatistics) (handlerErr, transportErr error) {
	callCtx := newCallContext(ctx, s.serverID, req)
	st, sinkErr := s.initStream(ctx, callCtx, req, info)

	inputReader, err := ipc.NewReader(r)
	if err != nil {
		return sinkErr, fmt.Errorf("opening sink input: %w", err)
	}
	defer inputReader.Release()

	for inputReader.Next() {
		if sinkErr != nil {
			continue // discard the rest of the input
		}
		batch := inputReader.RecordBatch()
		stats.RecordInput(batch.NumRows(), batchBufferSize(batch))
		sinkErr = callState(func() error {
			return st.(SinkState).Consume(ctx, batch, callCtx)
		})
	}
	if err := inputReader.Err(); err != nil {
		return sinkErr, fmt.Errorf("reading sink input: %w", err)
	}

	out := newOutputCollector(info.OutputSchema, s.serverID, req.RequestID, s.debugErrors)
	defer out.release()
	if sinkErr == nil {
		sinkErr = callState(func() error {
			return st.(SinkState).Finish(ctx, out, callCtx)
		})
	}
	if sinkErr == nil {
		if sinkErr = out.Failure(); sinkErr == nil {
			sinkErr = out.validate()
		}
	}

	logs := callCtx.drainLogs()
	if sinkErr != nil {
		return sinkErr, writeErrorResponse(w, info.OutputSchema, logs, sinkErr, s.serverID, req.RequestID, s.debugErrors)
	}

	writer := ipc.NewWriter(w, ipc.WithSchema(info.OutputSchema))
	for _, logMsg := range logs {
		if err := writeLogBatch(writer, info.OutputSchema, logMsg, s.serverID, req.RequestID); err != nil {
			return nil, fmt.Errorf("writing log batch: %w", err)
		}
	}
	if err := out.flush(writer.Write, stats, nil); err != nil {
		return nil, err
	}
	return nil, writer.Close()
}

// serveExchange dispatches a bidirectional stream in lockstep: each input
// batch is read in full before its output is written. Output the handler
// produces at init time is held back until the first turn.
func (s *Server) serveExchange(ctx context.Context, r io.Reader, w io.Writer, req *Request, info *methodInfo, stats *CallStatistics) (handlerErr, transportErr error) {
	callCtx := newCallContext(ctx, s.serverID, req)
	st, initErr := s.initStream(ctx, callCtx, req, info)
	pending := callCtx.drainLogs()

	inputReader, err := ipc.NewReader(r)
	if err != nil {
		return initErr, fmt.Errorf("opening exchange input: %w", err)
	}
	defer inputReader.Release()

	outputSchema := info.OutputSchema
	outputWriter := ipc.NewWriter(w, ipc.WithSchema(outputSchema))

	writeLogs := func(logs []LogMessage) error {
		for _, logMsg := range logs {
			if err := writeLogBatch(outputWriter, outputSchema, logMsg, s.serverID, req.RequestID); err != nil {
				return fmt.Errorf("writing log batch: %w", err)
			}
		}
		return nil
	}

	var streamErr error
	if initErr != nil {
		// Answer the client's first input with the error.
		inputReader.Next()
		streamErr = initErr
		transportErr = writeLogs(pending)
		if transportErr == nil {
			transportErr = writeErrorBatch(outputWriter, outputSchema, initErr, s.serverID, req.RequestID, s.debugErrors)
		}
	}

	state, _ := st.(ExchangeState)
	for streamErr == nil && transportErr == nil {
		if !inputReader.Next() {
			// Client closed its side of the stream.
			break
		}
		inputBatch := inputReader.RecordBatch()
		stats.RecordInput(inputBatch.NumRows(), batchBufferSize(inputBatch))

		out := newOutputCollector(outputSchema, s.serverID, req.RequestID, s.debugErrors)
		iterCtx := newCallContext(ctx, s.serverID, req)

		err := callState(func() error {
			return state.Exchange(ctx, inputBatch, out, iterCtx)
		})
		if err == nil {
			err = out.validate()
		}

		logs := append(pending, iterCtx.drainLogs()...)
		pending = nil
		if transportErr = writeLogs(logs); transportErr != nil {
			out.release()
			break
		}
		if err != nil {
			out.release()
			streamErr = err
			transportErr = writeErrorBatch(outputWriter, outputSchema, err, s.serverID, req.RequestID, s.debugErrors)
			break
		}
		transportErr = out.flush(outputWriter.Write, stats, nil)
	}

	// Close output writer (sends EOS)
	if err := outputWriter.Close(); err != nil && transportErr == nil {
		transportErr = err
	}

	// Drain remaining input so transport is clean for next request
	if transportErr == nil {
		for inputReader.Next() {
		}
	}
	return streamErr, transportErr
}

// serveDescribe handles the __describe__ introspection request.
func (s *Server) serveDescribe(w io.Writer) error {
	batch, meta := s.buildDescribeBatch()
	defer batch.Release()

	batchWithMeta := array.NewRecordBatchWithMetadata(
		describeSchema, batch.Columns(), batch.NumRows(), meta)
	defer batchWithMeta.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(describeSchema))
	if err := writer.Write(batchWithMeta); err != nil {
		return err
	}
	return writer.Close()
}

// extractDefaults extracts default values from struct wart tags.
func extractDefaults(t reflect.Type) map[string]string {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	defaults := make(map[string]string)
	_, tags := taggedFields(t)
	for _, info := range tags {
		if info.Default != nil {
			defaults[info.Name] = *info.Default
		}
	}
	if len(defaults) == 0 {
		return nil
	}
	return defaults
}

// isTransportClosed returns true for errors that indicate the transport was closed normally.
func isTransportClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF")
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

func (s *Server) availableMethods() []string {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
