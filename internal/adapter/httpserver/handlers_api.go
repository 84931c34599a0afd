package httpserver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/quizrelay/internal/domain"
	apperrors "github.com/pscheid92/quizrelay/internal/platform/errors"
)

const maxEventBodyBytes = 64 << 10

type presenceResponse struct {
	UserID      string `json:"user_id"`
	Online      bool   `json:"online"`
	Connections int    `json:"connections"`
}

type usersResponse struct {
	Users       []string `json:"users"`
	Count       int      `json:"count"`
	Connections int      `json:"connections"`
}

// registerAPIRoutes mounts the internal API. Without INTERNAL_API_KEY it
// stays unmounted rather than open.
func (s *Server) registerAPIRoutes() {
	if s.config.InternalAPIKey == "" {
		slog.Warn("INTERNAL_API_KEY not set, internal API disabled")
		return
	}

	api := s.echo.Group("/api", newAPIKeyAuth(s.config.InternalAPIKey))
	api.GET("/presence/:userID", s.handlePresence)
	api.GET("/users", s.handleUsers)
	api.POST("/events", s.handlePublishEvent, newRateLimiter(s.config.APIRate, s.config.APIBurst, s.httpMetrics))
	if s.instances != nil {
		api.GET("/instances", s.handleInstances)
	}
}

func (s *Server) handlePresence(c echo.Context) error {
	userID := strings.TrimSpace(c.Param("userID"))
	if domain.IsUnsetToken(userID) {
		return apperrors.ValidationError("user ID is required").WithContext("user_id", c.Param("userID"))
	}

	n := len(s.registry.Connections(userID))
	resp := presenceResponse{UserID: userID, Online: n > 0, Connections: n}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleUsers(c echo.Context) error {
	users := s.registry.Users()
	resp := usersResponse{Users: users, Count: len(users), Connections: s.registry.Count()}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

// handlePublishEvent accepts the broker wire shape and hands the event to
// the propagator. The origin field is always overwritten.
func (s *Server) handlePublishEvent(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxEventBodyBytes+1))
	if err != nil {
		return apperrors.ValidationError("failed to read request body")
	}
	if len(body) > maxEventBodyBytes {
		return apperrors.TooLargeError("event too large").WithContext("max_bytes", maxEventBodyBytes)
	}

	event, err := domain.DecodeEvent(body)
	if err != nil {
		return apperrors.ValidationError(err.Error())
	}

	if err := s.publisher.Publish(c.Request().Context(), event); err != nil {
		switch {
		case errors.Is(err, domain.ErrMalformedEvent):
			return apperrors.ValidationError(err.Error())
		case errors.Is(err, domain.ErrPayloadTooLarge):
			return apperrors.TooLargeError(err.Error()).WithContext("target", event.Target.String())
		case errors.Is(err, domain.ErrBrokerUnavailable), errors.Is(err, domain.ErrPropagatorNotConnected):
			return apperrors.UnavailableError("event broker unavailable", err).
				WithContext("target", event.Target.String())
		default:
			return apperrors.InternalError("failed to publish event", err).
				WithContext("target", event.Target.String())
		}
	}

	if err := c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleInstances(c echo.Context) error {
	infos, err := s.instances.ActiveInstances(c.Request().Context())
	if err != nil {
		return apperrors.UnavailableError("failed to list instances", err)
	}
	if err := c.JSON(http.StatusOK, map[string]any{"instances": infos, "count": len(infos)}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
