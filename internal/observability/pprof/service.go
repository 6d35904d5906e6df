// Package pprof serves profiling and runtime snapshots on a separate,
// normally loopback-only listener.
package pprof

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	rtsup "notifyd/internal/runtime/supervisor"
	logx "notifyd/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

// Config controls the debug listener.
//
// A non-loopback Addr requires Token unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
}

// SnapshotFunc reports one named runtime view, e.g. a supervisor snapshot.
type SnapshotFunc func() any

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	srv  *http.Server
	addr string

	snapshots map[string]SnapshotFunc
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log.With(logx.String("comp", "pprof")), snapshots: map[string]SnapshotFunc{}}
}

// Expose registers a snapshot served at /debug/state/<name>. Register before Start.
func (s *Service) Expose(name string, fn SnapshotFunc) {
	s.mu.Lock()
	s.snapshots[name] = fn
	s.mu.Unlock()
}

// ExposeSupervisor is Expose for a supervisor's goroutine table.
func (s *Service) ExposeSupervisor(name string, sup *rtsup.Supervisor) {
	if sup == nil {
		return
	}
	s.Expose(name, func() any { return sup.Snapshot() })
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound address while running, else "".
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure applies cfg, starting, stopping or rebinding as needed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			return s.Stop(ctx)
		}
		return nil
	case !running:
		return s.Start(ctx)
	case prev != cfg:
		if err := s.Stop(ctx); err != nil {
			return err
		}
		return s.Start(ctx)
	}
	return nil
}

// Start binds and serves in the background. A disabled service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil || !s.cfg.Enabled {
		return nil
	}
	cfg := s.cfg
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			return fmt.Errorf("pprof: non-loopback addr %s requires token or allow_insecure", addr)
		}
		s.log.Warn("pprof running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("pprof listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.handler(cfg.Token),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.srv = srv
	s.addr = ln.Addr().String()
	s.log.Info("pprof started", logx.String("addr", s.addr), logx.Bool("token_set", cfg.Token != ""))

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("pprof server exited", logx.Err(err))
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.addr = ""
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("pprof shutdown: %w", err)
	}
	s.log.Info("pprof stopped")
	return nil
}

func (s *Service) handler(token string) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), tokenGuard(token))

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	dbg := r.Group("/debug/pprof")
	dbg.GET("/", gin.WrapF(hpprof.Index))
	dbg.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	dbg.GET("/profile", gin.WrapF(hpprof.Profile))
	dbg.GET("/symbol", gin.WrapF(hpprof.Symbol))
	dbg.POST("/symbol", gin.WrapF(hpprof.Symbol))
	dbg.GET("/trace", gin.WrapF(hpprof.Trace))
	// Named profiles (heap, goroutine, block, mutex, allocs, threadcreate).
	dbg.GET("/:profile", func(c *gin.Context) {
		hpprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
	})

	r.GET("/debug/state", func(c *gin.Context) {
		s.mu.Lock()
		names := make([]string, 0, len(s.snapshots))
		for n := range s.snapshots {
			names = append(names, n)
		}
		s.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"snapshots": names})
	})
	r.GET("/debug/state/:name", func(c *gin.Context) {
		s.mu.Lock()
		fn, ok := s.snapshots[c.Param("name")]
		s.mu.Unlock()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown snapshot"})
			return
		}
		c.JSON(http.StatusOK, fn())
	})
	return r
}

// tokenGuard accepts "Authorization: Bearer <token>" or ?token=<token>.
func tokenGuard(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
