package sse

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/g6io/g6collector/internal/config"
	"github.com/g6io/g6collector/internal/metrics"
)

// rateWindow is the sliding window for per-IP connection limiting.
const rateWindow = time.Minute

// HealthFunc produces the /summary/health document.
type HealthFunc func() any

// Server is the unified HTTP surface: SSE events, resync, metrics and
// health, behind one middleware chain.
type Server struct {
	settings  config.Settings
	publisher *Publisher
	reg       *metrics.Registry
	health    HealthFunc
	limiter   *ipWindow

	http *http.Server
}

// NewServer assembles routes and middleware.
func NewServer(settings config.Settings, publisher *Publisher, reg *metrics.Registry, health HealthFunc) *Server {
	s := &Server{
		settings:  settings,
		publisher: publisher,
		reg:       reg,
		health:    health,
		limiter:   newIPWindow(settings.SSEIPConnRate, rateWindow),
	}

	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)

	r.Handle("/metrics", http.HandlerFunc(s.handleMetrics)).Methods(http.MethodGet)
	r.Handle("/summary/health", http.HandlerFunc(s.handleHealth)).Methods(http.MethodGet)

	guarded := r.PathPrefix("/summary").Subrouter()
	guarded.Use(s.authMiddleware)
	guarded.Handle("/events", s.rateLimit(http.HandlerFunc(publisher.ServeEvents))).Methods(http.MethodGet)
	guarded.Handle("/resync", http.HandlerFunc(publisher.ServeResync)).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              settings.HTTPListen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks until Shutdown or listener failure.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.http.Addr).Msg("http server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown says bye to SSE clients then drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.publisher.Shutdown()
	return s.http.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", clientIP(r)).
			Dur("elapsed", time.Since(started)).
			Msg("http request")
	})
}

// authMiddleware applies token, IP allowlist and UA prefix checks, in that
// order. Failures return sanitized JSON, never internals.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.settings.APIToken != "" && r.Header.Get("X-API-Token") != s.settings.APIToken {
			s.deny(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		if len(s.settings.IPAllowlist) > 0 && !ipAllowed(clientIP(r), s.settings.IPAllowlist) {
			s.deny(w, http.StatusForbidden, "ip_forbidden", "address not allowed")
			return
		}
		if len(s.settings.SSEUAAllow) > 0 && !uaAllowed(r.UserAgent(), s.settings.SSEUAAllow) {
			s.deny(w, http.StatusForbidden, "ua_forbidden", "client not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r), time.Now()) {
			s.publisher.countConn("rejected_rate")
			s.deny(w, http.StatusTooManyRequests, "rejected_rate", "connection rate exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) deny(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"code":"` + code + `","message":"` + message + `"}`))
}

// handleMetrics always answers 200 with whatever the registry can render.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Write(s.reg.Render())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	doc := any(map[string]string{"status": "unknown"})
	if s.health != nil {
		doc = s.health()
	}
	payload := mustJSON(doc)
	w.Write(payload)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func ipAllowed(ip string, allow []string) bool {
	for _, a := range allow {
		if a == ip {
			return true
		}
	}
	return false
}

func uaAllowed(ua string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(ua, p) {
			return true
		}
	}
	return false
}

// ipWindow is a sliding-window per-IP counter. limit <= 0 disables it.
type ipWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
}

func newIPWindow(limit int, window time.Duration) *ipWindow {
	return &ipWindow{limit: limit, window: window, hits: make(map[string][]time.Time)}
}

func (w *ipWindow) allow(ip string, now time.Time) bool {
	if w.limit <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-w.window)
	kept := w.hits[ip][:0]
	for _, t := range w.hits[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= w.limit {
		w.hits[ip] = kept
		return false
	}
	w.hits[ip] = append(kept, now)
	return true
}
