// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon is the gateway's HTTP surface: one execute endpoint, a
// health check, and optionally the metrics endpoint. Operation-level
// failures travel inside the envelope with status 200; only transport
// concerns (auth, admission, malformed JSON) use HTTP status codes.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tombee/outpost/internal/agent"
	"github.com/tombee/outpost/internal/config"
	"github.com/tombee/outpost/internal/envelope"
	"github.com/tombee/outpost/internal/log"
	"github.com/tombee/outpost/internal/metrics"
)

// maxRequestBytes bounds an inbound request body.
const maxRequestBytes = 128 << 20

// maxTrackedClients caps the rate-limiter map; beyond it, idle buckets
// are pruned before a new client is tracked.
const maxTrackedClients = 4096

// clientLimiters hands each remote client its own token bucket.
type clientLimiters struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int

	buckets map[string]*clientBucket
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiters(limit float64, burst int) *clientLimiters {
	return &clientLimiters{
		limit:   rate.Limit(limit),
		burst:   burst,
		buckets: make(map[string]*clientBucket),
	}
}

func (l *clientLimiters) allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[client]
	if !ok {
		if len(l.buckets) >= maxTrackedClients {
			l.prune()
		}
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[client] = b
	}
	b.lastSeen = time.Now()
	return b.limiter.Allow()
}

// prune drops buckets idle long enough to have refilled anyway.
func (l *clientLimiters) prune() {
	cutoff := time.Now().Add(-time.Minute)
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// clientKey identifies the caller for rate limiting: the remote IP,
// ignoring the ephemeral port.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Server is the gateway HTTP server.
type Server struct {
	cfg     config.ServerConfig
	agent   *agent.Agent
	metrics *metrics.Metrics
	logger  *slog.Logger
	limiter *clientLimiters

	httpServer *http.Server
}

// New creates the server. Metrics may be nil to leave /metrics
// unregistered.
func New(cfg config.ServerConfig, a *agent.Agent, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		agent:   a,
		metrics: m,
		logger:  logger,
	}
	if cfg.RateLimit > 0 {
		s.limiter = newClientLimiters(cfg.RateLimit, cfg.RateBurst)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/execute", s.handleExecute)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Run serves until the context is canceled, then drains gracefully
// within the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", slog.String("addr", s.cfg.ListenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("gateway shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Handler exposes the route table, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	ctx := log.WithFields(r.Context(), slog.String(log.RequestIDKey, requestID))

	if !s.authorized(r) {
		s.logger.WarnContext(ctx, "execute request rejected", slog.String("reason", "unauthorized"))
		writeError(w, http.StatusUnauthorized, "invalid or missing api key")
		return
	}
	if s.limiter != nil && !s.limiter.allow(clientKey(r)) {
		s.logger.WarnContext(ctx, "execute request rejected", slog.String("reason", "rate_limited"))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req agent.Request
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := decoder.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope.Envelope{
			envelope.ErrorKey:     "malformed request body: " + err.Error(),
			envelope.ErrorTypeKey: "request_error",
		})
		return
	}

	env := s.agent.Execute(ctx, &req)
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// authorized enforces the configured API key; no key configured means
// open access, for deployments fronted by their own auth.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.APIKey == "" {
		return true
	}
	return r.Header.Get("X-Api-Key") == s.cfg.APIKey
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
