// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wartrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/google/uuid"
)

// Caller is a client connection to a wart_rpc server. It is implemented by
// [Client] and [HttpClient]; use it with [Call], [CallVoid], [OpenSink] and
// [OpenExchange].
type Caller interface {
	// Describe lists the methods the server exposes.
	Describe(ctx context.Context) ([]MethodDescription, error)

	call(ctx context.Context, method string, params arrow.RecordBatch) (arrow.RecordBatch, error)
	openSink(ctx context.Context, method string, params arrow.RecordBatch, inputSchema *arrow.Schema) (SinkStream, error)
	openExchange(ctx context.Context, method string, params arrow.RecordBatch, inputSchema *arrow.Schema) (ExchangeStream, error)
}

// SinkStream is the client side of a sink call.
type SinkStream interface {
	// Send writes one input batch. Send does not take ownership of batch.
	Send(batch arrow.RecordBatch) error
	// CloseAndRecv ends the input and waits for the result batch, which the
	// caller must release.
	CloseAndRecv() (arrow.RecordBatch, error)
}

// ExchangeStream is the client side of an exchange call.
type ExchangeStream interface {
	// Exchange sends one input batch and returns its output batch, which the
	// caller must release. An *RpcError with Recoverable set leaves the
	// stream usable; any other error ends it.
	Exchange(batch arrow.RecordBatch) (arrow.RecordBatch, error)
	// Close ends the stream. It returns an error the server reported while
	// the stream was closing, such as a failed init with no exchanges.
	Close() error
}

// Call invokes a unary method and decodes its result into R.
func Call[P any, R any](ctx context.Context, c Caller, method string, params P) (R, error) {
	var zero R
	paramsBatch, err := encodeParams(params)
	if err != nil {
		return zero, err
	}
	defer paramsBatch.Release()

	result, err := c.call(ctx, method, paramsBatch)
	if err != nil {
		return zero, err
	}
	defer result.Release()

	v, err := deserializeResult(result, reflect.TypeFor[R]())
	if err != nil {
		return zero, fmt.Errorf("decoding %s result: %w", method, err)
	}
	return v.Interface().(R), nil
}

// CallVoid invokes a unary method that returns no value.
func CallVoid[P any](ctx context.Context, c Caller, method string, params P) error {
	paramsBatch, err := encodeParams(params)
	if err != nil {
		return err
	}
	defer paramsBatch.Release()

	result, err := c.call(ctx, method, paramsBatch)
	if err != nil {
		return err
	}
	result.Release()
	return nil
}

// OpenSink starts a sink call. Input batches must have inputSchema.
func OpenSink[P any](ctx context.Context, c Caller, method string, params P, inputSchema *arrow.Schema) (SinkStream, error) {
	paramsBatch, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	defer paramsBatch.Release()
	return c.openSink(ctx, method, paramsBatch, inputSchema)
}

// OpenExchange starts an exchange call. Input batches must have inputSchema.
func OpenExchange[P any](ctx context.Context, c Caller, method string, params P, inputSchema *arrow.Schema) (ExchangeStream, error) {
	paramsBatch, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	defer paramsBatch.Release()
	return c.openExchange(ctx, method, paramsBatch, inputSchema)
}

func encodeParams[P any](params P) (arrow.RecordBatch, error) {
	schema, err := structToSchema(reflect.TypeFor[P]())
	if err != nil {
		return nil, fmt.Errorf("params schema: %w", err)
	}
	batch, err := encodeRows(schema, reflect.ValueOf([]P{params}))
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	return batch, nil
}

// clientSettings holds the settings shared by both clients.
type clientSettings struct {
	logLevel LogLevel
	onLog    func(LogMessage)
	inject   func(context.Context) map[string]string
}

// SetLogLevel sets the minimum level of server log messages to receive.
func (l *clientSettings) SetLogLevel(level LogLevel) {
	l.logLevel = level
}

// SetLogHandler installs fn to receive server log messages. Without a
// handler they are written to the default slog logger.
func (l *clientSettings) SetLogHandler(fn func(LogMessage)) {
	l.onLog = fn
}

// SetMetadataInjector installs fn to add custom metadata, such as trace
// context, to every request.
func (l *clientSettings) SetMetadataInjector(fn func(context.Context) map[string]string) {
	l.inject = fn
}

func (l *clientSettings) requestMetadata(ctx context.Context) map[string]string {
	if l.inject == nil {
		return nil
	}
	return l.inject(ctx)
}

func (l *clientSettings) emit(msg LogMessage) {
	if l.onLog != nil {
		l.onLog(msg)
		return
	}
	level := slog.LevelDebug
	switch msg.Level {
	case LogException, LogError:
		level = slog.LevelError
	case LogWarn:
		level = slog.LevelWarn
	case LogInfo:
		level = slog.LevelInfo
	}
	args := make([]any, 0, 2*len(msg.Extras))
	for k, v := range msg.Extras {
		args = append(args, k, v)
	}
	slog.Log(context.Background(), level, msg.Message, args...)
}

// readResult reads one response stream to EOS, forwarding logs. It returns
// the retained data batch and the state token that came with it or with a
// recoverable error.
func readResult(r io.Reader, emit func(LogMessage)) (result arrow.RecordBatch, token string, err error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		return nil, "", fmt.Errorf("reading response stream: %w", err)
	}
	defer reader.Release()

	var rpcErr *RpcError
	for reader.Next() {
		batch := reader.RecordBatch()
		kind, msg, batchErr := classifyBatch(batch)
		switch kind {
		case BatchLog:
			emit(msg)
		case BatchError:
			if rpcErr == nil {
				rpcErr = batchErr
				if t, ok := stateToken(batch); ok {
					token = t
				}
			}
		default:
			if result == nil {
				batch.Retain()
				result = batch
				if t, ok := stateToken(batch); ok {
					token = t
				}
			}
		}
	}
	if err := reader.Err(); err != nil {
		if result != nil {
			result.Release()
		}
		return nil, "", fmt.Errorf("reading response stream: %w", err)
	}
	if rpcErr != nil {
		if result != nil {
			result.Release()
		}
		return nil, token, rpcErr
	}
	if result == nil {
		return nil, "", &RpcError{Type: "ProtocolError", Message: "Response stream carried no result batch"}
	}
	return result, token, nil
}

// Client calls a wart_rpc server over a byte stream such as a socket, a
// pipe or a child process's stdio. Calls are serialized; an open stream
// holds the connection until it is closed.
type Client struct {
	clientSettings
	rw io.ReadWriter
	mu sync.Mutex
}

// NewClient creates a client over rw.
func NewClient(rw io.ReadWriter) *Client {
	return &Client{rw: rw}
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// bind applies ctx's deadline and cancellation to the connection. The
// returned func undoes it.
func (c *Client) bind(ctx context.Context) func() {
	conn, ok := c.rw.(deadliner)
	if !ok {
		return func() {}
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}

func (c *Client) writeRequest(ctx context.Context, method string, params arrow.RecordBatch) error {
	if err := WriteRequest(c.rw, method, uuid.NewString(), c.logLevel, params, c.requestMetadata(ctx)); err != nil {
		return fmt.Errorf("sending %s request: %w", method, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params arrow.RecordBatch) (arrow.RecordBatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.bind(ctx)()

	if err := c.writeRequest(ctx, method, params); err != nil {
		return nil, err
	}
	result, _, err := readResult(c.rw, c.emit)
	return result, err
}

// Describe lists the methods the server exposes.
func (c *Client) Describe(ctx context.Context) ([]MethodDescription, error) {
	paramsBatch, err := encodeParams(struct{}{})
	if err != nil {
		return nil, err
	}
	defer paramsBatch.Release()

	result, err := c.call(ctx, "__describe__", paramsBatch)
	if err != nil {
		return nil, err
	}
	defer result.Release()
	return parseDescribeBatch(result)
}

func (c *Client) openSink(ctx context.Context, method string, params arrow.RecordBatch, inputSchema *arrow.Schema) (SinkStream, error) {
	c.mu.Lock()
	unbind := c.bind(ctx)
	if err := c.writeRequest(ctx, method, params); err != nil {
		unbind()
		c.mu.Unlock()
		return nil, err
	}
	return &clientSink{
		c:      c,
		writer: ipc.NewWriter(c.rw, ipc.WithSchema(inputSchema)),
		unbind: unbind,
	}, nil
}

type clientSink struct {
	c      *Client
	writer *ipc.Writer
	unbind func()
	done   bool
}

func (s *clientSink) Send(batch arrow.RecordBatch) error {
	if s.done {
		return errors.New("wartrpc: send on closed sink")
	}
	if err := s.writer.Write(batch); err != nil {
		return fmt.Errorf("sending sink batch: %w", err)
	}
	return nil
}

func (s *clientSink) CloseAndRecv() (arrow.RecordBatch, error) {
	if s.done {
		return nil, errors.New("wartrpc: sink already closed")
	}
	s.done = true
	defer s.c.mu.Unlock()
	defer s.unbind()

	if err := s.writer.Close(); err != nil {
		return nil, fmt.Errorf("closing sink input: %w", err)
	}
	result, _, err := readResult(s.c.rw, s.c.emit)
	return result, err
}

func (c *Client) openExchange(ctx context.Context, method string, params arrow.RecordBatch, inputSchema *arrow.Schema) (ExchangeStream, error) {
	c.mu.Lock()
	unbind := c.bind(ctx)
	if err := c.writeRequest(ctx, method, params); err != nil {
		unbind()
		c.mu.Unlock()
		return nil, err
	}
	return &clientExchange{
		c:      c,
		writer: ipc.NewWriter(c.rw, ipc.WithSchema(inputSchema)),
		unbind: unbind,
	}, nil
}

type clientExchange struct {
	c        *Client
	writer   *ipc.Writer
	reader   *ipc.Reader // opened on the first read of server output
	unbind   func()
	finished bool // server output reached EOS
	closed   bool
	err      error // error that ended the stream
}

func (s *clientExchange) openReader() error {
	if s.reader != nil {
		return nil
	}
	reader, err := ipc.NewReader(s.c.rw)
	if err != nil {
		return fmt.Errorf("reading exchange output: %w", err)
	}
	s.reader = reader
	return nil
}

func (s *clientExchange) Exchange(batch arrow.RecordBatch) (arrow.RecordBatch, error) {
	if s.closed {
		return nil, errors.New("wartrpc: exchange on closed stream")
	}
	if s.finished {
		return nil, s.err
	}
	if err := s.writer.Write(batch); err != nil {
		return nil, fmt.Errorf("sending exchange batch: %w", err)
	}
	if err := s.openReader(); err != nil {
		return nil, err
	}

	for s.reader.Next() {
		out := s.reader.RecordBatch()
		kind, msg, rpcErr := classifyBatch(out)
		switch kind {
		case BatchLog:
			s.c.emit(msg)
		case BatchError:
			if rpcErr.Recoverable {
				return nil, rpcErr
			}
			// The server closes its output after a terminal error.
			s.drain()
			s.err = rpcErr
			return nil, rpcErr
		default:
			out.Retain()
			return out, nil
		}
	}
	s.finished = true
	s.err = s.reader.Err()
	if s.err == nil {
		s.err = &RpcError{Type: "ProtocolError", Message: "Exchange output ended without a result"}
	}
	return nil, s.err
}

// drain reads the server output to EOS, forwarding logs and keeping the
// first error.
func (s *clientExchange) drain() error {
	var first error
	for s.reader.Next() {
		kind, msg, rpcErr := classifyBatch(s.reader.RecordBatch())
		switch kind {
		case BatchLog:
			s.c.emit(msg)
		case BatchError:
			if first == nil {
				first = rpcErr
			}
		}
	}
	s.finished = true
	if err := s.reader.Err(); err != nil && first == nil {
		first = err
	}
	return first
}

func (s *clientExchange) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	defer s.c.mu.Unlock()
	defer s.unbind()

	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("closing exchange input: %w", err)
	}
	var err error
	if !s.finished {
		if err = s.openReader(); err == nil {
			err = s.drain()
		}
	}
	if s.reader != nil {
		s.reader.Release()
	}
	return err
}
