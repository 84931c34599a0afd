package httpserver

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/quizrelay/internal/adapter/metrics"
	apperrors "github.com/pscheid92/quizrelay/internal/platform/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRemoteAddr = "192.0.2.10:41000"

func callLimited(t *testing.T, handler echo.HandlerFunc, remoteAddr string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/events", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	c.SetPath("/api/events")
	return rec, handler(c)
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusAccepted, "accepted")
}

func TestRateLimiter_AllowsBurst(t *testing.T) {
	handler := newRateLimiter(10, 3, nil)(okHandler)

	for range 3 {
		rec, err := callLimited(t, handler, testRemoteAddr)
		require.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, rec.Code)
	}
}

func TestRateLimiter_DeniesWithStructuredError(t *testing.T) {
	m := metrics.NewHTTPMetrics(prometheus.NewRegistry())
	handler := newRateLimiter(0.5, 1, m)(okHandler)

	_, err := callLimited(t, handler, testRemoteAddr)
	require.NoError(t, err)

	rec, err := callLimited(t, handler, testRemoteAddr)
	require.Error(t, err)

	var appErr *apperrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.TypeRateLimited, appErr.Type)
	assert.Equal(t, http.StatusTooManyRequests, appErr.HTTPStatus())
	assert.Equal(t, "192.0.2.10", appErr.Context["client_ip"])
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.InDelta(t, 1, testutil.ToFloat64(m.RateLimited.WithLabelValues("/api/events")), 0)
}

func TestRateLimiter_ClientsAreIndependent(t *testing.T) {
	handler := newRateLimiter(0.01, 1, nil)(okHandler)

	_, err := callLimited(t, handler, testRemoteAddr)
	require.NoError(t, err)

	rec, err := callLimited(t, handler, "198.51.100.7:5678")
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	_, err = callLimited(t, handler, testRemoteAddr)
	assert.Error(t, err)
}
