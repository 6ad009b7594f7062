// Package authstub is an in-process stand-in for the platform's auth
// endpoints, used by tests and for local development of session consumers.
package authstub

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hongminglow/edu-session/internal/config"
)

// APIPrefix is where the stub mounts its routes, matching the default API_BASE_URL.
const APIPrefix = "/api"

// Stub bundles the stub's state. Users may be seeded directly by tests.
type Stub struct {
	Users  *UserStore
	Tokens *TokenManager
	// AllowedOrigins enables CORS for browser clients when non-empty.
	AllowedOrigins []string
	logger         *zap.Logger
	startedAt      time.Time
}

// New creates a stub with an empty user store.
func New(tokens *TokenManager, logger *zap.Logger) *Stub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stub{
		Users:     NewUserStore(),
		Tokens:    tokens,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed, logged HTTP handler.
func (s *Stub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	NewAuthHandler(s.Users, s.Tokens, s.logger).Register(mux, APIPrefix)

	var h http.Handler = mux
	if len(s.AllowedOrigins) > 0 {
		h = withCORS(s.AllowedOrigins, h)
	}
	return logging(s.logger, h)
}

func (s *Stub) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(s.logger, w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Truncate(time.Second).String(),
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logging(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		fields := []zap.Field{
			zap.String("request_id", r.Header.Get("X-Request-ID")),
			zap.Int("status", rec.status),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("latency", time.Since(start)),
		}
		switch {
		case rec.status >= 500:
			logger.Error("Server error", fields...)
		case rec.status >= 400:
			logger.Warn("Client error", fields...)
		default:
			logger.Info("Request completed", fields...)
		}
	})
}

// Server wraps an http.Server serving a Stub.
type Server struct {
	inner *http.Server
}

// NewServer wires the stub into a ready server.
func NewServer(cfg config.StubConfig, stub *Stub) *Server {
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddress(),
		Handler:           stub.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return &Server{inner: httpServer}
}

// Start begins serving HTTP traffic.
func (s *Server) Start() error {
	return s.inner.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
