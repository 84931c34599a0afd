package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/quizrelay/internal/adapter/metrics"
	"github.com/pscheid92/quizrelay/internal/coordination"
	"github.com/pscheid92/quizrelay/internal/domain"
	"github.com/pscheid92/quizrelay/internal/platform/config"
)

// ConnectionRegistry is the read side of the local connection registry.
type ConnectionRegistry interface {
	Connections(userID string) []domain.Connection
	Users() []string
	Count() int
}

type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

type InstanceLister interface {
	ActiveInstances(ctx context.Context) ([]coordination.InstanceInfo, error)
}

// Deps are the collaborators the server routes to. Instances is optional;
// without it /api/instances is not mounted.
type Deps struct {
	Registry     ConnectionRegistry
	Publisher    EventPublisher
	Instances    InstanceLister
	WebSocket    http.Handler
	Metrics      *prometheus.Registry
	HTTPMetrics  *metrics.HTTPMetrics
	HealthChecks []HealthCheck
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	registry     ConnectionRegistry
	publisher    EventPublisher
	instances    InstanceLister
	websocket    http.Handler
	metricsReg   *prometheus.Registry
	httpMetrics  *metrics.HTTPMetrics
	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.IPExtractor = IPExtractor(cfg.TrustProxy)

	srv := &Server{
		echo:         e,
		config:       cfg,
		registry:     deps.Registry,
		publisher:    deps.Publisher,
		instances:    deps.Instances,
		websocket:    deps.WebSocket,
		metricsReg:   deps.Metrics,
		httpMetrics:  deps.HTTPMetrics,
		healthChecks: deps.HealthChecks,
		startTime:    time.Now(),
	}

	srv.registerRoutes()

	return srv
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start blocks until the server stops. A graceful Shutdown is not an error.
func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
