// Package httpd exposes the ingestion pipeline over HTTP: upload
// initialization, resumable chunk sessions, status polls, lesson
// association, the backend webhook, and the websocket fanout endpoint.
package httpd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/openlearnhq/coursemedia/pkg/logger"
	"github.com/openlearnhq/coursemedia/pkg/notify"
	"github.com/openlearnhq/coursemedia/pkg/provider"
	"github.com/openlearnhq/coursemedia/pkg/statestore"
	"github.com/openlearnhq/coursemedia/pkg/taskqueue"
	"github.com/openlearnhq/coursemedia/pkg/tus"
	"github.com/openlearnhq/coursemedia/pkg/webhook"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds the HTTP server settings.
type Config struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`

	// JWTSecret signs and verifies bearer tokens on authenticated
	// endpoints. Empty disables identity extraction entirely.
	JWTSecret string `mapstructure:"jwt_secret"`

	// MaxChunkBytes bounds a single PATCH body. Must comfortably exceed
	// the advertised part size.
	MaxChunkBytes int64 `mapstructure:"max_chunk_bytes"`

	// MaxWebhookBytes bounds a webhook callback body.
	MaxWebhookBytes int64 `mapstructure:"max_webhook_bytes"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:        ":8080",
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		MaxChunkBytes:     64 << 20,
		MaxWebhookBytes:   1 << 20,
	}
}

// Deps are the collaborators the handlers drive. Managed and Objects
// may each be nil when that backend is not configured; at least one
// must be present for uploads to initialize.
type Deps struct {
	Store    *statestore.Store
	Managed  *provider.Managed
	Objects  *provider.ObjectStore
	Sessions *tus.Manager
	Queue    taskqueue.Queue
	Intake   *webhook.Intake
	Hub      *notify.Hub
}

// Server is the public API server.
type Server struct {
	cfg  Config
	deps Deps
	auth *authenticator

	mux      *http.ServeMux
	srv      *http.Server
	upgrader websocket.Upgrader
}

// New builds the server and registers its routes.
func New(cfg Config, deps Deps) *Server {
	def := DefaultConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = def.ReadHeaderTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.MaxChunkBytes == 0 {
		cfg.MaxChunkBytes = def.MaxChunkBytes
	}
	if cfg.MaxWebhookBytes == 0 {
		cfg.MaxWebhookBytes = def.MaxWebhookBytes
	}

	s := &Server{
		cfg:  cfg,
		deps: deps,
		auth: newAuthenticator(cfg.JWTSecret),
		mux:  http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.handle("POST /api/v1/uploads", "init_upload", s.initUpload)
	s.handle("POST /api/v1/uploads/{id}/session", "create_session", s.createSession)
	s.handle("PATCH /api/v1/uploads/{id}", "patch_upload", s.patchUpload)
	s.handle("GET /api/v1/uploads/{id}", "get_status", s.getStatus)
	s.handle("POST /api/v1/uploads/{id}/lesson", "associate_lesson", s.associateLesson)
	s.handle("POST /api/v1/webhooks/video", "webhook", s.handleWebhook)
	// The websocket upgrade hijacks the connection, so it skips the
	// metrics wrapper.
	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.handle("GET /healthz", "healthz", s.healthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// handle registers a handler wrapped with request metrics.
func (s *Server) handle(pattern, route string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		RequestsTotal.WithLabelValues(route, fmt.Sprintf("%d", rec.status)).Inc()
	})
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	logger.Info().Str("addr", s.cfg.ListenAddr).Msg("httpd: listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpd: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.status = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}
