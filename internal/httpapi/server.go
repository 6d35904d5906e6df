package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"notifyd/internal/mailer"
	"notifyd/internal/storage"
	"notifyd/internal/templates"
	logx "notifyd/pkg/logx"
)

type Config struct {
	Addr         string
	AuthSecret   string // empty disables the bearer guard
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Recorder is the notification write/read path.
type Recorder interface {
	Record(ctx context.Context, userID, message string) (storage.Notification, error)
	MarkRead(ctx context.Context, id string) (storage.Notification, error)
	ListFor(ctx context.Context, userID string) ([]storage.Notification, error)
}

// Mailer is the protected email path plus its health view.
type Mailer interface {
	Dispatch(ctx context.Context, to, subject, html string) mailer.Result
	Snapshot() mailer.Snapshot
}

type Deps struct {
	Store     storage.Store
	Recorder  Recorder
	Mailer    Mailer
	Templates *templates.Renderer
	// Status adds optional sections to /health.
	Status func() map[string]any
}

type Server struct {
	cfg    Config
	deps   Deps
	log    logx.Logger
	engine *gin.Engine

	mu  sync.Mutex
	srv *http.Server
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":3000"
	}
	if deps.Templates == nil {
		deps.Templates = templates.MustNew("")
	}
	useJSONNames()

	s := &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "http"))}
	s.engine = gin.New()
	s.engine.Use(recovery(s.log), requestLog(s.log), cors(cfg.CORSOrigins))
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("")
	if s.cfg.AuthSecret != "" {
		api.Use(jwtAuth(s.cfg.AuthSecret))
	}
	api.GET("/preferences/:userId", s.handleGetPreferences)
	api.POST("/preferences", s.handleSetPreferences)
	api.POST("/preferences/init", s.handleInitPreferences)
	api.GET("/notifications/:userId", s.handleListNotifications)
	api.POST("/notifications", s.handleSendNotification)
	api.PATCH("/notifications/:id/read", s.handleMarkRead)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start binds the listener and serves in the background. Bind errors are
// returned synchronously.
func (s *Server) Start(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	s.log.Info("http server listening", logx.String("addr", ln.Addr().String()), logx.Bool("auth", s.cfg.AuthSecret != ""))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped unexpectedly", logx.Err(err))
		}
	}()
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.log.Info("http server stopped")
	return nil
}
