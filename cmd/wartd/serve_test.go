// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Query-farm/wart-worker/config"
	"github.com/Query-farm/wart-worker/wartrpc"
	"github.com/Query-farm/wart-worker/worker"
)

func testDaemon(t *testing.T) (*daemon, *httptest.Server) {
	t.Helper()
	v := config.New()
	v.Set("server.http", "127.0.0.1:0")
	v.Set("server.prefix", "/api/wart")
	v.Set("server.signing_key", "0123456789abcdef0123456789abcdef")
	v.Set("graph.backend", "memory")
	cfg, err := config.Load(v, "")
	require.NoError(t, err)

	d, err := build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(d.close)

	ts := httptest.NewServer(d.httpHandler())
	t.Cleanup(ts.Close)
	return d, ts
}

func TestHTTPRoutes(t *testing.T) {
	_, ts := testDaemon(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","sessions":0}`, string(body))

	c, err := wartrpc.NewHttpClient(ts.URL + "/api/wart")
	require.NoError(t, err)
	client := worker.NewClient(c)
	ctx := context.Background()
	token, err := client.OpenSession(ctx, worker.OpenOptions{
		SpaceName: "default",
		Program:   []byte("def main(args):\n    pass\n"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
	assert.Contains(t, string(body), "wart_sessions_opened_total")

	require.NoError(t, client.CloseSession(ctx, token))
}

func TestCORSPreflight(t *testing.T) {
	_, ts := testDaemon(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/wart/open_session", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestDescribeTable(t *testing.T) {
	_, ts := testDaemon(t)
	c, err := wartrpc.NewHttpClient(ts.URL + "/api/wart")
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, describe(context.Background(), c, &out))
	for _, name := range []string{
		worker.MethodOpenSession, worker.MethodUpdateStore, worker.MethodStreamingRun,
		worker.MethodCloseSession, worker.MethodIncrementEpoch,
	} {
		assert.Contains(t, out.String(), name)
	}
	assert.Contains(t, out.String(), "space_name")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.Log{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = newLogger(config.Log{Level: "loud"}, &buf)
	assert.Error(t, err)
}
