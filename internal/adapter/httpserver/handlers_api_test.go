package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/quizrelay/internal/coordination"
	"github.com/pscheid92/quizrelay/internal/domain"
	"github.com/pscheid92/quizrelay/internal/platform/config"
	apperrors "github.com/pscheid92/quizrelay/internal/platform/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(srv *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.RemoteAddr = testRemoteAddr
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAPI_RequiresKey(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong key", "Bearer not-the-key"},
		{"wrong scheme", "Basic " + testAPIKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			publisher := &mockPublisher{}
			srv := newTestServer(t, withPublisher(publisher))

			req := httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(`{"targetSelector":"all","payload":"hi"}`))
			req.Header.Set("Content-Type", "application/json")
			if tt.header != "" {
				req.Header.Set(echo.HeaderAuthorization, tt.header)
			}
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "Bearer", rec.Header().Get(echo.HeaderWWWAuthenticate))
			var resp apperrors.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, apperrors.TypeUnauthorized, resp.Type)
			assert.Empty(t, publisher.published())
		})
	}
}

func TestAPI_NotMountedWithoutKey(t *testing.T) {
	srv := newTestServer(t, func(_ *Deps, cfg *config.Config) { cfg.InternalAPIKey = "" })

	assert.Equal(t, http.StatusNotFound, serve(srv, http.MethodGet, "/api/users", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(srv, http.MethodPost, "/api/events", `{"targetSelector":"all"}`).Code)
}

func TestHandlePresence(t *testing.T) {
	registry := &mockRegistry{conns: map[string][]domain.Connection{
		"u1": {stubConn{"c1", "u1"}, stubConn{"c2", "u1"}},
	}}
	srv := newTestServer(t, withRegistry(registry))

	rec := serve(srv, http.MethodGet, "/api/presence/u1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":"u1","online":true,"connections":2}`, rec.Body.String())

	rec = serve(srv, http.MethodGet, "/api/presence/ghost", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":"ghost","online":false,"connections":0}`, rec.Body.String())
}

func TestHandlePresence_UnsetUserID(t *testing.T) {
	srv := newTestServer(t)

	rec := serve(srv, http.MethodGet, "/api/presence/undefined", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, apperrors.TypeValidation, resp.Type)
}

func TestHandleUsers(t *testing.T) {
	registry := &mockRegistry{conns: map[string][]domain.Connection{
		"u2": {stubConn{"c3", "u2"}},
		"u1": {stubConn{"c1", "u1"}, stubConn{"c2", "u1"}},
	}}
	srv := newTestServer(t, withRegistry(registry))

	rec := serve(srv, http.MethodGet, "/api/users", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"users":["u1","u2"],"count":2,"connections":3}`, rec.Body.String())
}

func TestHandlePublishEvent(t *testing.T) {
	pub := &mockPublisher{}
	srv := newTestServer(t, withPublisher(pub))

	body := `{"targetSelector":["u1","u2"],"event":"quiz.started","scope":"q1","payload":{"id":"q1"},"origin":"spoofed"}`
	rec := serve(srv, http.MethodPost, "/api/events", body)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"status":"accepted"}`, rec.Body.String())

	events := pub.published()
	require.Len(t, events, 1)
	assert.Equal(t, []string{"u1", "u2"}, events[0].Target.Users())
	assert.Equal(t, "quiz.started", events[0].Name)
	assert.Equal(t, "q1", events[0].Scope)
	assert.JSONEq(t, `{"id":"q1"}`, string(events[0].Payload))
}

func TestHandlePublishEvent_Broadcast(t *testing.T) {
	pub := &mockPublisher{}
	srv := newTestServer(t, withPublisher(pub))

	rec := serve(srv, http.MethodPost, "/api/events", `{"targetSelector":"all","payload":"hi"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, pub.published(), 1)
	assert.True(t, pub.published()[0].Target.IsAll())
}

func TestHandlePublishEvent_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		publishErr error
		wantStatus int
		wantType   apperrors.ErrorType
	}{
		{"malformed json", `{"targetSelector":`, nil, http.StatusBadRequest, apperrors.TypeValidation},
		{"missing target", `{"payload":1}`, nil, http.StatusBadRequest, apperrors.TypeValidation},
		{"missing payload", `{"targetSelector":"u1"}`, nil, http.StatusBadRequest, apperrors.TypeValidation},
		{"too large", fmt.Sprintf(`{"targetSelector":"u1","payload":"%s"}`, strings.Repeat("x", maxEventBodyBytes)), nil, http.StatusRequestEntityTooLarge, apperrors.TypeTooLarge},
		{"broker payload limit", `{"targetSelector":"u1","payload":1}`, fmt.Errorf("publish: %w: 9000 bytes (max 7999)", domain.ErrPayloadTooLarge), http.StatusRequestEntityTooLarge, apperrors.TypeTooLarge},
		{"broker unavailable", `{"targetSelector":"u1","payload":1}`, fmt.Errorf("%w: redis down", domain.ErrBrokerUnavailable), http.StatusServiceUnavailable, apperrors.TypeUnavailable},
		{"not connected", `{"targetSelector":"u1","payload":1}`, domain.ErrPropagatorNotConnected, http.StatusServiceUnavailable, apperrors.TypeUnavailable},
		{"unexpected", `{"targetSelector":"u1","payload":1}`, errRedisDown, http.StatusInternalServerError, apperrors.TypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &mockPublisher{err: tt.publishErr}
			srv := newTestServer(t, withPublisher(pub))

			rec := serve(srv, http.MethodPost, "/api/events", tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp apperrors.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantType, resp.Type)
		})
	}
}

func TestHandlePublishEvent_RateLimited(t *testing.T) {
	srv := newTestServer(t, withAPIRate(0.01, 1))
	body := `{"targetSelector":"u1","payload":1}`

	assert.Equal(t, http.StatusAccepted, serve(srv, http.MethodPost, "/api/events", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(srv, http.MethodPost, "/api/events", body).Code)

	// Read endpoints are not limited.
	assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/api/users", "").Code)
}

func TestHandleInstances(t *testing.T) {
	instances := &mockInstances{infos: []coordination.InstanceInfo{
		{InstanceID: "a", Timestamp: 100, Version: "v1", Connections: 3},
	}}
	srv := newTestServer(t, withInstances(instances))

	rec := serve(srv, http.MethodGet, "/api/instances", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":1,"instances":[{"instance_id":"a","timestamp":100,"version":"v1","connections":3}]}`, rec.Body.String())
}

func TestHandleInstances_RedisDown(t *testing.T) {
	srv := newTestServer(t, withInstances(&mockInstances{err: errRedisDown}))

	rec := serve(srv, http.MethodGet, "/api/instances", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleInstances_NotMountedWithoutRegistry(t *testing.T) {
	srv := newTestServer(t)

	rec := serve(srv, http.MethodGet, "/api/instances", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutes_MetricsAndCorrelation(t *testing.T) {
	srv := newTestServer(t)

	rec := serve(srv, http.MethodGet, "/api/users", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, rec.Header().Get(correlationHeader), 8)

	rec = serve(srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "quizrelay_http_requests_total")
}

func TestRoutes_CorrelationIDIsPropagated(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set(correlationHeader, "abc123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "abc123", rec.Header().Get(correlationHeader))
}
