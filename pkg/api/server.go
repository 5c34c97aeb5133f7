// Package api serves the admin HTTP surface of a node: Prometheus metrics,
// a health check, role status and a read-only view of the lineage.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/quanta/quanta/pkg/engine"
	"github.com/quanta/quanta/pkg/stores"
	"github.com/quanta/quanta/pkg/telemetry"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
	writeTimeout      = 10 * time.Second
)

// HealthChecker reports whether the store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatusProvider reports supervised role states.
type StatusProvider interface {
	Status() []engine.RoleStatus
}

// Deps are the node components the admin surface reads from. Nil fields
// are omitted from responses.
type Deps struct {
	Store     stores.Store
	Health    HealthChecker
	Status    StatusProvider
	Runtime   *engine.RuntimeContext
	Aggregate engine.AggregateService
	Queue     interface{ Len() int }
	Telemetry *telemetry.Telemetry

	// AllowedOrigins enables CORS for browser dashboards. Empty disables it.
	AllowedOrigins []string
}

// Server wraps the chi router.
type Server struct {
	router *chi.Mux
	deps   Deps
	logger *telemetry.Logger
	addr   string
}

var _ engine.Role = (*Server)(nil)

// NewServer creates the admin server for addr.
func NewServer(addr string, deps Deps) *Server {
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.Nop()
	}
	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		logger: deps.Telemetry.Logger.NewComponentLogger("api"),
		addr:   addr,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loggingMiddleware)
	if len(deps.AllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: deps.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "X-Request-Id"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/status", s.handleStatus)
	s.router.Handle("/metrics", s.deps.Telemetry.Metrics.Handler())
	s.router.Get("/v1/lineage", s.handleLineage)
}

// Router returns the chi router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Name implements engine.Role.
func (s *Server) Name() string { return "api" }

// Run implements engine.Role. It serves until halt and then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, halt *engine.Halt) error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", s.addr, err)
	}
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", l.Addr().String()).Info("admin api listening")
		if err := httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-halt.Done():
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.WithFields(map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}
