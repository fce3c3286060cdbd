// ABOUTME: Admin HTTP surface for queue-relay: health, readiness, queue stats and metrics
// ABOUTME: chi router served until the context is cancelled, then shut down gracefully

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/queue-relay/internal/config"
	"github.com/2389/queue-relay/internal/relay"
)

// Server serves the admin endpoints of one relay process.
type Server struct {
	cfg       *config.Config
	relay     *relay.Relay
	logger    *slog.Logger
	serverID  string
	startedAt time.Time

	ready      atomic.Bool
	httpServer *http.Server
}

// New creates the admin server for r. It reports not ready until SetReady(true).
func New(cfg *config.Config, r *relay.Relay, serverID string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		relay:     r,
		logger:    logger.With("component", "http"),
		serverID:  serverID,
		startedAt: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the admin router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	// Health endpoints
	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)

	r.Get("/stats", s.handleStats)

	if s.cfg.Metrics.Enabled {
		r.Handle(s.cfg.Metrics.Path, promhttp.Handler())
	}

	return r
}

// SetReady flips the readiness probe.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled or the server fails.
// Returns nil on graceful shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down HTTP server")
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	}

	// The original context is already canceled.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the queue store has been restored.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("restoring queue store"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type replaySummary struct {
	Lines     int `json:"lines"`
	Applied   int `json:"applied"`
	Malformed int `json:"malformed"`
	Skipped   int `json:"skipped"`
}

type statsResponse struct {
	ServerID      string         `json:"server_id"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Backend       string         `json:"backend"`
	StoreLog      string         `json:"store_log,omitempty"`
	Replay        *replaySummary `json:"replay,omitempty"`
	Queues        *relay.Stats   `json:"queues"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.relay.Service.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue stats", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats unavailable"})
		return
	}

	resp := statsResponse{
		ServerID:      s.serverID,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Backend:       s.cfg.Store.Backend,
		StoreLog:      s.relay.LogPath(),
		Queues:        st,
	}
	if rs := s.relay.Replay; rs != nil {
		resp.Replay = &replaySummary{
			Lines:     rs.Lines,
			Applied:   rs.Applied,
			Malformed: rs.Malformed,
			Skipped:   rs.Skipped,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLogger logs each request through slog at debug level.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
