// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wartrpc

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/klauspost/compress/zstd"
)

const (
	arrowContentType       = "application/vnd.apache.arrow.stream"
	hmacLen                = 32
	defaultTokenTTL        = 5 * time.Minute
	defaultMaxRequestBytes = 64 << 20
	defaultHTTPPrefix      = "/wart"
	zstdEncoding           = "zstd"
)

// RegisterStateType registers a state type for gob serialization.
// Must be called before using HTTP transport with exchange methods.
func RegisterStateType(v interface{}) {
	gob.Register(v)
}

// HttpServer serves RPC requests over HTTP.
type HttpServer struct {
	server          *Server
	signingKey      []byte
	tokenTTL        time.Duration
	prefix          string
	maxRequestBytes int64
	mux             *http.ServeMux

	mu      sync.RWMutex
	level   int
	encoder *zstd.Encoder // nil when response compression is off
	decoder *zstd.Decoder
}

// HttpServerOption configures an HttpServer at construction.
type HttpServerOption func(*HttpServer)

// WithPrefix serves under prefix instead of /wart.
func WithPrefix(prefix string) HttpServerOption {
	return func(h *HttpServer) { h.prefix = "/" + strings.Trim(prefix, "/") }
}

// NewHttpServer creates a new HTTP server wrapping an RPC server. State
// tokens are signed with a random key, so they do not survive a restart.
func NewHttpServer(server *Server, opts ...HttpServerOption) *HttpServer {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	return newHttpServer(server, key, opts)
}

// NewHttpServerWithKey creates a new HTTP server with a caller-provided signing key.
// The key must be at least 16 bytes long.
func NewHttpServerWithKey(server *Server, signingKey []byte, opts ...HttpServerOption) *HttpServer {
	if len(signingKey) < 16 {
		panic("wartrpc: signing key must be at least 16 bytes")
	}
	return newHttpServer(server, signingKey, opts)
}

func newHttpServer(server *Server, key []byte, opts []HttpServerOption) *HttpServer {
	h := &HttpServer{
		server:     server,
		signingKey: key,
		tokenTTL:   defaultTokenTTL,
		prefix:     defaultHTTPPrefix,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.SetMaxRequestBytes(defaultMaxRequestBytes)
	h.mux = http.NewServeMux()
	h.mux.HandleFunc(fmt.Sprintf("POST %s/{method}/init", h.prefix), h.handleStreamInit)
	h.mux.HandleFunc(fmt.Sprintf("POST %s/{method}/exchange", h.prefix), h.handleStreamExchange)
	h.mux.HandleFunc(fmt.Sprintf("POST %s/{method}", h.prefix), h.handleCall)
	h.mux.HandleFunc(fmt.Sprintf("GET %s", h.prefix), h.handleLanding)
	h.mux.HandleFunc(fmt.Sprintf("GET %s/{$}", h.prefix), h.handleLanding)
	return h
}

// Prefix returns the URL path prefix the server handles.
func (h *HttpServer) Prefix() string {
	return h.prefix
}

// SetTokenTTL sets the maximum age for state tokens.
func (h *HttpServer) SetTokenTTL(d time.Duration) {
	h.tokenTTL = d
}

// SetCompressionLevel sets the zstd level used for responses to clients
// that accept zstd. Level 0 turns response compression off.
func (h *HttpServer) SetCompressionLevel(level int) {
	var enc *zstd.Encoder
	if level > 0 {
		var err error
		enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			slog.Error("zstd encoder unavailable, response compression disabled", "level", level, "err", err)
			enc, level = nil, 0
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.encoder != nil {
		h.encoder.Close()
	}
	h.encoder = enc
	h.level = level
}

// SetMaxRequestBytes limits the size of a request body, after decompression.
func (h *HttpServer) SetMaxRequestBytes(n int64) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(n)), zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic(fmt.Sprintf("wartrpc: creating zstd decoder: %v", err))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.decoder != nil {
		h.decoder.Close()
	}
	h.decoder = dec
	h.maxRequestBytes = n
}

// ServeHTTP implements http.Handler.
func (h *HttpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handleCall dispatches unary and sink methods. For a sink the body holds
// the request stream followed by the input stream.
func (h *HttpServer) handleCall(w http.ResponseWriter, r *http.Request) {
	method := r.PathValue("method")
	if !h.checkContentType(w, r) {
		return
	}

	if method != "__describe__" {
		info, ok := h.server.methods[method]
		if !ok {
			h.writeHttpError(w, r, &RpcError{Type: "AttributeError", Message: fmt.Sprintf("Unknown method: '%s'", method)}, nil)
			return
		}
		if info.Type == MethodExchange {
			h.writeHttpError(w, r, &RpcError{Type: "TypeError", Message: fmt.Sprintf("Method '%s' is an exchange; use the /init endpoint", method)}, nil)
			return
		}
	}

	body, err := h.readBody(w, r)
	if err != nil {
		h.writeHttpError(w, r, err, nil)
		return
	}
	reader := bytes.NewReader(body)
	req, ok := h.readRequest(w, r, reader, method)
	if !ok {
		return
	}
	defer req.Batch.Release()

	var buf bytes.Buffer
	handlerErr, transportErr := h.server.dispatch(r.Context(), reader, &buf, req, transportMetadata(r, req.Metadata))
	if transportErr != nil {
		h.writeHttpError(w, r, &RpcError{Type: "ProtocolError", Message: fmt.Sprintf("malformed request body: %v", transportErr)}, nil)
		return
	}
	h.writeArrow(w, r, httpStatus(handlerErr), buf.Bytes())
}

// handleStreamInit runs an exchange method's handler and returns its state
// as a signed token on a zero-row batch.
func (h *HttpServer) handleStreamInit(w http.ResponseWriter, r *http.Request) {
	method := r.PathValue("method")
	info, ok := h.exchangeMethod(w, r, method)
	if !ok {
		return
	}

	body, err := h.readBody(w, r)
	if err != nil {
		h.writeHttpError(w, r, err, nil)
		return
	}
	req, ok := h.readRequest(w, r, bytes.NewReader(body), method)
	if !ok {
		return
	}
	defer req.Batch.Release()

	s := h.server
	dispatchInfo := DispatchInfo{
		Method:            method,
		MethodType:        info.Type.String(),
		ServerID:          s.serverID,
		RequestID:         req.RequestID,
		TransportMetadata: transportMetadata(r, req.Metadata),
	}
	stats := &CallStatistics{}
	ctx, hookToken, hookActive := s.hookStart(r.Context(), dispatchInfo)
	stats.RecordInput(req.Batch.NumRows(), batchBufferSize(req.Batch))

	callCtx := newCallContext(ctx, s.serverID, req)
	state, err := s.initStream(ctx, callCtx, req, info)
	var token string
	if err == nil {
		token, err = h.packStateToken(method, state)
	}
	logs := callCtx.drainLogs()

	var buf bytes.Buffer
	if err != nil {
		_ = writeErrorResponse(&buf, info.OutputSchema, logs, err, s.serverID, req.RequestID, s.debugErrors)
	} else {
		writer := ipc.NewWriter(&buf, ipc.WithSchema(info.OutputSchema))
		for _, logMsg := range logs {
			_ = writeLogBatch(writer, info.OutputSchema, logMsg, s.serverID, req.RequestID)
		}
		_ = writeMetaBatch(writer, info.OutputSchema, arrow.NewMetadata([]string{MetaStreamState}, []string{token}))
		_ = writer.Close()
	}

	if hookActive {
		s.hookEnd(ctx, hookToken, dispatchInfo, stats, err)
	}
	h.writeArrow(w, r, httpStatus(err), buf.Bytes())
}

// handleStreamExchange runs one exchange turn against the state carried by
// the input batch's token and returns the output with a refreshed token.
func (h *HttpServer) handleStreamExchange(w http.ResponseWriter, r *http.Request) {
	method := r.PathValue("method")
	info, ok := h.exchangeMethod(w, r, method)
	if !ok {
		return
	}

	body, err := h.readBody(w, r)
	if err != nil {
		h.writeHttpError(w, r, err, nil)
		return
	}

	inputReader, err := ipc.NewReader(bytes.NewReader(body))
	if err != nil {
		h.writeHttpError(w, r, &RpcError{Type: "ProtocolError", Message: fmt.Sprintf("reading exchange input: %v", err)}, info.OutputSchema)
		return
	}
	defer inputReader.Release()

	if !inputReader.Next() {
		h.writeHttpError(w, r, &RpcError{Type: "ProtocolError", Message: "No batch in exchange request"}, info.OutputSchema)
		return
	}
	inputBatch := inputReader.RecordBatch()

	var meta arrow.Metadata
	if bwm, ok := inputBatch.(arrow.RecordBatchWithMetadata); ok {
		meta = bwm.Metadata()
	}
	token, found := meta.GetValue(MetaStreamState)
	if !found {
		h.writeHttpError(w, r, &RpcError{Type: "ProtocolError", Message: "Missing state token in exchange request"}, info.OutputSchema)
		return
	}
	tokenData, err := h.unpackStateToken(token)
	if err == nil && tokenData.Method != method {
		err = &RpcError{Type: "ProtocolError", Message: fmt.Sprintf("State token was issued for '%s'", tokenData.Method)}
	}
	if err != nil {
		h.writeHttpError(w, r, err, info.OutputSchema)
		return
	}

	s := h.server
	req := &Request{Method: method, Metadata: make(map[string]string, meta.Len())}
	for i, k := range meta.Keys() {
		if k != MetaStreamState {
			req.Metadata[k] = meta.Values()[i]
		}
	}
	req.RequestID = req.Metadata[MetaRequestID]
	req.LogLevel = req.Metadata[MetaLogLevel]

	dispatchInfo := DispatchInfo{
		Method:            method,
		MethodType:        info.Type.String(),
		ServerID:          s.serverID,
		RequestID:         req.RequestID,
		TransportMetadata: transportMetadata(r, req.Metadata),
	}
	stats := &CallStatistics{}
	ctx, hookToken, hookActive := s.hookStart(r.Context(), dispatchInfo)
	stats.RecordInput(inputBatch.NumRows(), batchBufferSize(inputBatch))

	var buf bytes.Buffer
	callErr := h.exchangeTurn(ctx, &buf, req, info, tokenData.State, inputBatch, stats)

	if hookActive {
		s.hookEnd(ctx, hookToken, dispatchInfo, stats, callErr)
	}
	h.writeArrow(w, r, httpStatus(callErr), buf.Bytes())
}

// exchangeTurn restores state, runs one Exchange call and writes the
// response stream to buf. It returns the error that ended the stream, if
// any.
func (h *HttpServer) exchangeTurn(ctx context.Context, buf *bytes.Buffer, req *Request, info *methodInfo,
	decoded any, inputBatch arrow.RecordBatch, stats *CallStatistics) error {
	s := h.server
	schema := info.OutputSchema
	callCtx := newCallContext(ctx, s.serverID, req)

	state, ok := decoded.(ExchangeState)
	var err error
	if !ok {
		err = &RpcError{Type: "ProtocolError", Message: fmt.Sprintf("State token holds %T, not an exchange state", decoded)}
	} else if info.Restore != nil {
		state, err = info.Restore(state)
	}

	out := newOutputCollector(schema, s.serverID, req.RequestID, s.debugErrors)
	defer out.release()
	if err == nil {
		err = callState(func() error {
			return state.Exchange(ctx, inputBatch, out, callCtx)
		})
	}
	if err == nil {
		err = out.validate()
	}

	var newToken string
	if err == nil {
		newToken, err = h.packStateToken(req.Method, state)
	}

	logs := callCtx.drainLogs()
	if err != nil {
		_ = writeErrorResponse(buf, schema, logs, err, s.serverID, req.RequestID, s.debugErrors)
		return err
	}

	writer := ipc.NewWriter(buf, ipc.WithSchema(schema))
	for _, logMsg := range logs {
		_ = writeLogBatch(writer, schema, logMsg, s.serverID, req.RequestID)
	}
	_ = out.flush(writer.Write, stats, map[string]string{MetaStreamState: newToken})
	_ = writer.Close()
	return nil
}

// handleLanding serves a human-readable page listing the methods.
func (h *HttpServer) handleLanding(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buildLandingHTML(h.server, h.prefix))
}

// --- State Token ---

type stateTokenData struct {
	Method    string
	CreatedAt int64
	State     interface{}
}

func (h *HttpServer) packStateToken(method string, state interface{}) (string, error) {
	data := stateTokenData{
		Method:    method,
		CreatedAt: time.Now().Unix(),
		State:     state,
	}
	var payload bytes.Buffer
	enc := gob.NewEncoder(&payload)
	if err := enc.Encode(&data); err != nil {
		return "", fmt.Errorf("state token encode: %w", err)
	}

	payloadBytes := payload.Bytes()
	mac := hmac.New(sha256.New, h.signingKey)
	mac.Write(payloadBytes)
	sig := mac.Sum(nil)

	return base64.RawURLEncoding.EncodeToString(append(payloadBytes, sig...)), nil
}

func (h *HttpServer) unpackStateToken(token string) (*stateTokenData, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) < hmacLen {
		return nil, &RpcError{Type: "ProtocolError", Message: "Malformed state token"}
	}

	payloadBytes := raw[:len(raw)-hmacLen]
	receivedSig := raw[len(raw)-hmacLen:]

	mac := hmac.New(sha256.New, h.signingKey)
	mac.Write(payloadBytes)
	expectedSig := mac.Sum(nil)

	if !hmac.Equal(receivedSig, expectedSig) {
		return nil, &RpcError{Type: "ProtocolError", Message: "State token signature verification failed"}
	}

	var data stateTokenData
	dec := gob.NewDecoder(bytes.NewReader(payloadBytes))
	if err := dec.Decode(&data); err != nil {
		return nil, &RpcError{Type: "ProtocolError", Message: fmt.Sprintf("State token decode: %v", err)}
	}

	age := time.Since(time.Unix(data.CreatedAt, 0))
	if age > h.tokenTTL {
		return nil, &RpcError{Type: "ProtocolError",
			Message: fmt.Sprintf("State token expired (age: %v, ttl: %v)", age.Round(time.Second), h.tokenTTL)}
	}

	return &data, nil
}

// --- Helpers ---

func (h *HttpServer) checkContentType(w http.ResponseWriter, r *http.Request) bool {
	if ct := r.Header.Get("Content-Type"); ct != arrowContentType {
		var buf bytes.Buffer
		_ = writeErrorResponse(&buf, arrow.NewSchema(nil, nil), nil,
			&RpcError{Type: "ProtocolError", Message: fmt.Sprintf("unsupported content type: %s", ct)},
			h.server.serverID, "", false)
		h.writeArrow(w, r, http.StatusUnsupportedMediaType, buf.Bytes())
		return false
	}
	return true
}

func (h *HttpServer) exchangeMethod(w http.ResponseWriter, r *http.Request, method string) (*methodInfo, bool) {
	if !h.checkContentType(w, r) {
		return nil, false
	}
	info, ok := h.server.methods[method]
	if !ok {
		h.writeHttpError(w, r, &RpcError{Type: "AttributeError", Message: fmt.Sprintf("Unknown method: '%s'", method)}, nil)
		return nil, false
	}
	if info.Type != MethodExchange {
		h.writeHttpError(w, r, &RpcError{Type: "TypeError", Message: fmt.Sprintf("Method '%s' is %s; use the base endpoint", method, info.Type)}, nil)
		return nil, false
	}
	return info, true
}

// readRequest parses the request stream at the head of body and checks it
// names the method in the URL.
func (h *HttpServer) readRequest(w http.ResponseWriter, r *http.Request, body io.Reader, method string) (*Request, bool) {
	req, err := ReadRequest(body)
	if err != nil {
		if isEOF(err) {
			err = &RpcError{Type: "ProtocolError", Message: "Empty request body"}
		}
		h.writeHttpError(w, r, err, nil)
		return nil, false
	}
	if req.Method != method {
		req.Batch.Release()
		h.writeHttpError(w, r, &RpcError{Type: "ProtocolError",
			Message: fmt.Sprintf("Request names method '%s' but was sent to '%s'", req.Method, method)}, nil)
		return nil, false
	}
	return req, true
}

// readBody reads the request body, decoding zstd when the client declared
// it, and enforces the size limit.
func (h *HttpServer) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	h.mu.RLock()
	limit, dec := h.maxRequestBytes, h.decoder
	h.mu.RUnlock()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, &RpcError{Type: "ProtocolError", Message: fmt.Sprintf("reading request body: %v", err)}
	}
	switch enc := r.Header.Get("Content-Encoding"); enc {
	case "", "identity":
		return body, nil
	case zstdEncoding:
		decoded, err := dec.DecodeAll(body, nil)
		if err != nil {
			return nil, &RpcError{Type: "ProtocolError", Message: fmt.Sprintf("decoding zstd request body: %v", err)}
		}
		return decoded, nil
	default:
		return nil, &RpcError{Type: "ProtocolError", Message: fmt.Sprintf("unsupported content encoding: %s", enc)}
	}
}

// transportMetadata returns the request metadata plus the HTTP peer details
// that hooks see.
func transportMetadata(r *http.Request, meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	out["remote_addr"] = r.RemoteAddr
	if ua := r.UserAgent(); ua != "" {
		out["user_agent"] = ua
	}
	return out
}

// httpStatus maps a handler error to a response status code.
func httpStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch errorType(err) {
	case "TypeError", "ValueError", "ProtocolError", "VersionError":
		return http.StatusBadRequest
	case "AttributeError":
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *HttpServer) writeHttpError(w http.ResponseWriter, r *http.Request, err error, schema *arrow.Schema) {
	if schema == nil {
		schema = arrow.NewSchema(nil, nil)
	}
	var buf bytes.Buffer
	_ = writeErrorResponse(&buf, schema, nil, err, h.server.serverID, "", h.server.debugErrors)
	h.writeArrow(w, r, httpStatus(err), buf.Bytes())
}

func (h *HttpServer) writeArrow(w http.ResponseWriter, r *http.Request, statusCode int, data []byte) {
	w.Header().Set("Content-Type", arrowContentType)
	w.Header().Add("Vary", "Accept-Encoding")

	h.mu.RLock()
	enc := h.encoder
	h.mu.RUnlock()
	if enc != nil && acceptsZstd(r) {
		data = enc.EncodeAll(data, nil)
		w.Header().Set("Content-Encoding", zstdEncoding)
	}
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)
}

func acceptsZstd(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(name, zstdEncoding) {
			return true
		}
	}
	return false
}
