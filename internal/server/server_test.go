// ABOUTME: Tests for the admin HTTP server
// ABOUTME: Exercises health, readiness, stats and metrics routes plus graceful shutdown

package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/queue-relay/internal/config"
	"github.com/2389/queue-relay/internal/relay"
	"github.com/2389/queue-relay/internal/store"
)

func newTestServer(t *testing.T) (*Server, *relay.Relay) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.StoreLog.Path = filepath.Join(t.TempDir(), "queues.log")
	cfg.Metrics.Enabled = true

	r, err := relay.Bootstrap(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	return New(cfg, r, "test-server", nil), r
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestReadyEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/health/ready").Code)

	s.SetReady(true)
	assert.Equal(t, http.StatusOK, get(t, h, "/health/ready").Code)
}

func TestStatsEndpoint(t *testing.T) {
	ctx := context.Background()
	s, r := newTestServer(t)

	q, err := r.Service.AddQueue(ctx, &store.QueueRec{
		RecipientID:  []byte("r1"),
		RecipientKey: []byte("rk"),
		SenderID:     []byte("s1"),
	})
	require.NoError(t, err)
	_, err = r.Service.SuspendQueue(ctx, q)
	require.NoError(t, err)
	_, err = r.Service.AddQueue(ctx, &store.QueueRec{
		RecipientID:  []byte("r2"),
		RecipientKey: []byte("rk"),
		SenderID:     []byte("s2"),
	})
	require.NoError(t, err)

	rec := get(t, s.Handler(), "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "test-server", body.ServerID)
	assert.Equal(t, config.BackendMemory, body.Backend)
	assert.Equal(t, r.LogPath(), body.StoreLog)
	require.NotNil(t, body.Replay)
	require.NotNil(t, body.Queues)
	assert.Equal(t, 2, body.Queues.Queues)
	assert.Equal(t, 1, body.Queues.Active)
	assert.Equal(t, 1, body.Queues.Suspended)
}

func TestMetricsEndpoint(t *testing.T) {
	ctx := context.Background()
	s, r := newTestServer(t)

	_, err := r.Service.AddQueue(ctx, &store.QueueRec{
		RecipientID:  []byte("m1"),
		RecipientKey: []byte("rk"),
		SenderID:     []byte("ms1"),
	})
	require.NoError(t, err)

	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `queue_relay_store_ops_total{op="add_queue",result="ok"}`)
	assert.Contains(t, body, `queue_relay_store_log_records_total{record="CREATE"}`)
}

func TestMetricsDisabled(t *testing.T) {
	s, _ := newTestServer(t)
	s.cfg.Metrics.Enabled = false

	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/metrics").Code)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	s, _ := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get(url)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "OK"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
