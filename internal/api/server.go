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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"taskq/internal/hook"
	"taskq/internal/protocol"
	"taskq/internal/tasks"
)

const shutdownTimeout = 30 * time.Second

// DeadLetterLister is the read side of a dead letter store.
type DeadLetterLister interface {
	List(ctx context.Context, limit int) ([]hook.DeadLetter, error)
}

// Deps are the collaborators of the HTTP surface. Only Registry is required.
type Deps struct {
	Registry    *tasks.Registry
	Clock       protocol.Clock
	Healthy     func() bool
	DeadLetters DeadLetterLister
	Registerer  prometheus.Registerer
	Gatherer    prometheus.Gatherer
}

type Server struct {
	router *chi.Mux
	deps   Deps
}

func NewServer(d Deps) (*Server, error) {
	if d.Registry == nil {
		return nil, errors.New("api: task registry cannot be nil")
	}
	if d.Clock == nil {
		d.Clock = protocol.SystemClock
	}
	if d.Registerer == nil {
		d.Registerer = prometheus.DefaultRegisterer
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}

	metrics, err := newHTTPMetrics(d.Registerer)
	if err != nil {
		return nil, err
	}

	s := &Server{router: chi.NewRouter(), deps: d}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(func(r *http.Request) bool { return r.URL.Path == "/healthz" }))
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.middleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	s.router.Get("/dead-letters", s.handleDeadLetters)
	s.router.Post("/tasks/{name}", s.handleDelay)

	return s, nil
}

func (s *Server) Router() http.Handler { return s.router }

// Run serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Msgf("server serving on port %d", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return fmt.Errorf("failed to listen and serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Server is shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("Server stopped")
	return nil
}
