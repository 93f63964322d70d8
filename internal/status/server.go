// Package status serves an optional, read-only view of a running import.
//
// Routes:
//
//	GET /health
//	GET /metrics
//	GET /progress
//	GET /progress/ws
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/snehjoshi/listmigrate/internal/metrics"
)

// Options tunes the server. Zero values fall back to defaults.
type Options struct {
	// PushInterval is how often the websocket stream checks for a new snapshot.
	PushInterval time.Duration
	// RPS and Burst bound requests per client IP.
	RPS   float64
	Burst int
}

// Server wraps the stdlib HTTP server with the status routes.
type Server struct {
	inner *http.Server
	hub   *Hub
	start time.Time
}

// New builds a Server over hub. reg may be nil, in which case /metrics is
// not mounted.
func New(hub *Hub, reg *metrics.Registry, opts Options) *Server {
	if opts.PushInterval <= 0 {
		opts.PushInterval = 500 * time.Millisecond
	}
	if opts.RPS <= 0 {
		opts.RPS = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 40
	}

	s := &Server{hub: hub, start: time.Now()}
	ws := &streamHandler{hub: hub, interval: opts.PushInterval}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /progress", s.progress)
	mux.Handle("GET /progress/ws", ws)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	handler := chain(mux,
		LoggingMiddleware(reg),
		RateLimitMiddleware(opts.RPS, opts.Burst),
	)

	s.inner = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// Start listens on addr and serves in the background. It returns the bound
// address, which differs from addr when addr uses port 0.
func (s *Server) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	go func() {
		if err := s.inner.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status server stopped", "err", err)
		}
	}()
	return ln.Addr().String(), nil
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

type healthResp struct {
	Status   string `json:"status"`
	RunID    string `json:"run_id,omitempty"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	p, _ := s.hub.Snapshot()
	elapsed := time.Since(s.start)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		RunID:    p.RunID,
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
	})
}

func (s *Server) progress(w http.ResponseWriter, _ *http.Request) {
	p, _ := s.hub.Snapshot()
	writeJSON(w, http.StatusOK, p)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
