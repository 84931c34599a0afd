package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/quizrelay/internal/platform/version"
)

const (
	startupCheckTimeout   = 2 * time.Second
	readinessCheckTimeout = 5 * time.Second
)

// HealthCheck is a named dependency check. Readiness fails if any check
// returns an error.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type healthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type livenessReport struct {
	Status      string  `json:"status"`
	Uptime      float64 `json:"uptime"`
	Connections int     `json:"connections"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.handleStartup)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleStartup(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), startupCheckTimeout)
	defer cancel()

	return s.writeHealthReport(c, s.runHealthChecks(ctx))
}

// handleLiveness never touches the broker; a process with a broken broker
// is degraded, not dead.
func (s *Server) handleLiveness(c echo.Context) error {
	resp := livenessReport{
		Status:      "ok",
		Uptime:      time.Since(s.startTime).Seconds(),
		Connections: s.registry.Count(),
	}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessCheckTimeout)
	defer cancel()

	return s.writeHealthReport(c, s.runHealthChecks(ctx))
}

// runHealthChecks runs every check, not just up to the first failure, so a
// single request shows the whole picture.
func (s *Server) runHealthChecks(ctx context.Context) healthReport {
	report := healthReport{Status: "ready"}
	if len(s.healthChecks) == 0 {
		return report
	}

	report.Checks = make(map[string]string, len(s.healthChecks))
	for _, hc := range s.healthChecks {
		if err := hc.Check(ctx); err != nil {
			slog.WarnContext(ctx, "Health check failed", "check", hc.Name, "error", err)
			report.Status = "unhealthy"
			report.Checks[hc.Name] = err.Error()
			continue
		}
		report.Checks[hc.Name] = "ok"
	}
	return report
}

func (s *Server) writeHealthReport(c echo.Context, report healthReport) error {
	status := http.StatusOK
	if report.Status != "ready" {
		status = http.StatusServiceUnavailable
	}
	if err := c.JSON(status, report); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
