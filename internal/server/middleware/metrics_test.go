package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeRequest(e *echo.Echo, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func resetRegisteredMetrics(t *testing.T, conf MetricsConfig) {
	t.Helper()
	_, err := registerHttpMetrics(conf)
	if err == nil {
		return
	}
	var are prometheus.AlreadyRegisteredError
	require.ErrorAs(t, err, &are)
	are.ExistingCollector.(*prometheus.HistogramVec).Reset()
}

func TestMetricsMiddleware(t *testing.T) {
	resetRegisteredMetrics(t, DefaultMetricsConfig)
	e := echo.New()
	e.Use(Metrics())

	e.GET("/ok", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/api/v1/conversations/:userId/messages", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	e.GET("/boom", func(c echo.Context) error {
		return errors.New("boom")
	})

	for range 3 {
		makeRequest(e, http.MethodGet, "/ok")
	}
	makeRequest(e, http.MethodGet, "/api/v1/conversations/alice/messages")
	makeRequest(e, http.MethodGet, "/api/v1/conversations/bob/messages")
	makeRequest(e, http.MethodGet, "/boom")
	makeRequest(e, http.MethodGet, "/nowhere")
	makeRequest(e, http.MethodPost, "/elsewhere")

	body := makeRequest(e, http.MethodGet, "/metrics").Body.String()
	for _, want := range []string{
		`control_api_request_duration_seconds_count{code="200",method="GET",path="/ok"} 3`,
		`control_api_request_duration_seconds_count{code="200",method="GET",path="/api/v1/conversations/:userId/messages"} 2`,
		`control_api_request_duration_seconds_count{code="500",method="GET",path="/boom"} 1`,
		`control_api_request_duration_seconds_count{code="404",method="GET",path="/not-found"} 1`,
		`control_api_request_duration_seconds_count{code="404",method="POST",path="/not-found"} 1`,
	} {
		assert.Contains(t, body, want)
	}
}
