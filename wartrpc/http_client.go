// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wartrpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// HttpClient calls a wart_rpc server through its HTTP transport. Exchange
// streams are stateless on the server: each turn carries a signed state
// token. An HttpClient is safe for concurrent use.
type HttpClient struct {
	clientSettings
	baseURL    string
	httpClient *http.Client
	encoder    *zstd.Encoder // nil unless request compression is on
	decoder    *zstd.Decoder
}

// HttpClientOption configures an HttpClient.
type HttpClientOption func(*HttpClient) error

// WithHTTPClient sets the underlying *http.Client.
func WithHTTPClient(hc *http.Client) HttpClientOption {
	return func(c *HttpClient) error {
		c.httpClient = hc
		return nil
	}
}

// WithRequestCompression compresses request bodies with zstd at level.
func WithRequestCompression(level int) HttpClientOption {
	return func(c *HttpClient) error {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return fmt.Errorf("creating zstd encoder: %w", err)
		}
		c.encoder = enc
		return nil
	}
}

// NewHttpClient creates a client for the server whose RPC prefix is at
// baseURL, for example "http://localhost:8080/wart".
func NewHttpClient(baseURL string, opts ...HttpClientOption) (*HttpClient, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	c := &HttpClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		decoder:    dec,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// post sends body to path and returns the decoded response body. Non-2xx
// responses still carry an Arrow stream with the error, so they are not
// treated as transport failures.
func (c *HttpClient) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	header := http.Header{}
	header.Set("Content-Type", arrowContentType)
	header.Set("Accept-Encoding", zstdEncoding)
	if c.encoder != nil {
		body = c.encoder.EncodeAll(body, nil)
		header.Set("Content-Encoding", zstdEncoding)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = header

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if resp.Header.Get("Content-Encoding") == zstdEncoding {
		if data, err = c.decoder.DecodeAll(data, nil); err != nil {
			return nil, fmt.Errorf("decoding zstd response: %w", err)
		}
	}
	if ct := resp.Header.Get("Content-Type"); ct != arrowContentType {
		return nil, fmt.Errorf("unexpected response %s (%s)", resp.Status, ct)
	}
	return data, nil
}

func (c *HttpClient) requestBody(ctx context.Context, method string, params arrow.RecordBatch) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	if err := WriteRequest(&buf, method, uuid.NewString(), c.logLevel, params, c.requestMetadata(ctx)); err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", method, err)
	}
	return &buf, nil
}

func (c *HttpClient) call(ctx context.Context, method string, params arrow.RecordBatch) (arrow.RecordBatch, error) {
	buf, err := c.requestBody(ctx, method, params)
	if err != nil {
		return nil, err
	}
	data, err := c.post(ctx, "/"+method, buf.Bytes())
	if err != nil {
		return nil, err
	}
	result, _, err := readResult(bytes.NewReader(data), c.emit)
	return result, err
}

// Describe lists the methods the server exposes.
func (c *HttpClient) Describe(ctx context.Context) ([]MethodDescription, error) {
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

// openSink buffers the input; the whole call is one POST made by
// CloseAndRecv.
func (c *HttpClient) openSink(ctx context.Context, method string, params arrow.RecordBatch, inputSchema *arrow.Schema) (SinkStream, error) {
	buf, err := c.requestBody(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return &httpSink{
		c:      c,
		ctx:    ctx,
		method: method,
		buf:    buf,
		writer: ipc.NewWriter(buf, ipc.WithSchema(inputSchema)),
	}, nil
}

type httpSink struct {
	c      *HttpClient
	ctx    context.Context
	method string
	buf    *bytes.Buffer
	writer *ipc.Writer
	done   bool
}

func (s *httpSink) Send(batch arrow.RecordBatch) error {
	if s.done {
		return errors.New("wartrpc: send on closed sink")
	}
	if err := s.writer.Write(batch); err != nil {
		return fmt.Errorf("encoding sink batch: %w", err)
	}
	return nil
}

func (s *httpSink) CloseAndRecv() (arrow.RecordBatch, error) {
	if s.done {
		return nil, errors.New("wartrpc: sink already closed")
	}
	s.done = true
	if err := s.writer.Close(); err != nil {
		return nil, fmt.Errorf("encoding sink input: %w", err)
	}
	data, err := s.c.post(s.ctx, "/"+s.method, s.buf.Bytes())
	if err != nil {
		return nil, err
	}
	result, _, err := readResult(bytes.NewReader(data), s.c.emit)
	return result, err
}

func (c *HttpClient) openExchange(ctx context.Context, method string, params arrow.RecordBatch, inputSchema *arrow.Schema) (ExchangeStream, error) {
	buf, err := c.requestBody(ctx, method, params)
	if err != nil {
		return nil, err
	}
	data, err := c.post(ctx, "/"+method+"/init", buf.Bytes())
	if err != nil {
		return nil, err
	}
	ack, token, err := readResult(bytes.NewReader(data), c.emit)
	if err != nil {
		return nil, err
	}
	ack.Release()
	if token == "" {
		return nil, &RpcError{Type: "ProtocolError", Message: "Exchange init returned no state token"}
	}
	return &httpExchange{
		c:           c,
		ctx:         ctx,
		method:      method,
		inputSchema: inputSchema,
		token:       token,
	}, nil
}

type httpExchange struct {
	c           *HttpClient
	ctx         context.Context
	method      string
	inputSchema *arrow.Schema
	token       string
	err         error // error that ended the stream
	closed      bool
}

func (s *httpExchange) Exchange(batch arrow.RecordBatch) (arrow.RecordBatch, error) {
	if s.closed {
		return nil, errors.New("wartrpc: exchange on closed stream")
	}
	if s.err != nil {
		return nil, s.err
	}

	meta := s.c.requestMetadata(s.ctx)
	if meta == nil {
		meta = make(map[string]string, 3)
	}
	meta[MetaStreamState] = s.token
	meta[MetaRequestID] = uuid.NewString()
	if s.c.logLevel != "" {
		meta[MetaLogLevel] = string(s.c.logLevel)
	}
	input := withMetadata(batch, meta)
	defer input.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(s.inputSchema))
	if err := writer.Write(input); err != nil {
		return nil, fmt.Errorf("encoding exchange batch: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("encoding exchange batch: %w", err)
	}

	data, err := s.c.post(s.ctx, "/"+s.method+"/exchange", buf.Bytes())
	if err != nil {
		return nil, err
	}
	result, token, err := readResult(bytes.NewReader(data), s.c.emit)
	if token != "" {
		s.token = token
	}
	if err != nil {
		if !isRecoverable(err) {
			s.err = err
		}
		return nil, err
	}
	return result, nil
}

// Close ends the stream. The server holds no per-stream state, so nothing
// is sent.
func (s *httpExchange) Close() error {
	s.closed = true
	return nil
}
