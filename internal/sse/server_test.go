package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6io/g6collector/internal/config"
	"github.com/g6io/g6collector/internal/metrics"
)

func newTestServer(t *testing.T, mutate func(*config.Settings)) (*Server, *metrics.Registry) {
	t.Helper()
	settings := config.Defaults()
	settings.APIToken = "secret"
	if mutate != nil {
		mutate(&settings)
	}
	reg, err := metrics.NewRegistry(metrics.Options{})
	require.NoError(t, err)
	pub := NewPublisher(stubSource{cycle: 1}, 15, reg)
	health := func() any { return map[string]string{"status": "ok"} }
	return NewServer(settings, pub, reg, health), reg
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestMetricsEndpointIsOpen(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(s, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "# TYPE")
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestHealthEndpointIsOpen(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(s, httptest.NewRequest("GET", "/summary/health", nil))

	assert.Equal(t, 200, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAuthMiddleware(t *testing.T) {
	t.Run("missing token is 401", func(t *testing.T) {
		s, _ := newTestServer(t, nil)
		rec := do(s, httptest.NewRequest("GET", "/summary/resync", nil))
		assert.Equal(t, 401, rec.Code)
		assert.JSONEq(t, `{"code":"unauthorized","message":"missing or invalid token"}`, rec.Body.String())
	})
	t.Run("wrong token is 401", func(t *testing.T) {
		s, _ := newTestServer(t, nil)
		req := httptest.NewRequest("GET", "/summary/resync", nil)
		req.Header.Set("X-API-Token", "nope")
		assert.Equal(t, 401, do(s, req).Code)
	})
	t.Run("valid token passes", func(t *testing.T) {
		s, _ := newTestServer(t, nil)
		req := httptest.NewRequest("GET", "/summary/resync", nil)
		req.Header.Set("X-API-Token", "secret")
		assert.Equal(t, 200, do(s, req).Code)
	})
	t.Run("ip allowlist rejects strangers", func(t *testing.T) {
		s, _ := newTestServer(t, func(c *config.Settings) { c.IPAllowlist = []string{"10.0.0.1"} })
		req := httptest.NewRequest("GET", "/summary/resync", nil)
		req.Header.Set("X-API-Token", "secret")
		req.RemoteAddr = "192.0.2.9:55000"
		rec := do(s, req)
		assert.Equal(t, 403, rec.Code)
		assert.Contains(t, rec.Body.String(), "ip_forbidden")
	})
	t.Run("ip allowlist admits members", func(t *testing.T) {
		s, _ := newTestServer(t, func(c *config.Settings) { c.IPAllowlist = []string{"10.0.0.1"} })
		req := httptest.NewRequest("GET", "/summary/resync", nil)
		req.Header.Set("X-API-Token", "secret")
		req.RemoteAddr = "10.0.0.1:55000"
		assert.Equal(t, 200, do(s, req).Code)
	})
	t.Run("ua prefix filter", func(t *testing.T) {
		s, _ := newTestServer(t, func(c *config.Settings) { c.SSEUAAllow = []string{"g6-dashboard/"} })
		req := httptest.NewRequest("GET", "/summary/resync", nil)
		req.Header.Set("X-API-Token", "secret")
		req.Header.Set("User-Agent", "curl/8.0")
		rec := do(s, req)
		assert.Equal(t, 403, rec.Code)
		assert.Contains(t, rec.Body.String(), "ua_forbidden")

		req.Header.Set("User-Agent", "g6-dashboard/1.4")
		assert.Equal(t, 200, do(s, req).Code)
	})
}

func TestRequestIDEchoAndGeneration(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("X-Request-ID", "req-42")
	assert.Equal(t, "req-42", do(s, req).Header().Get("X-Request-ID"))

	rec := do(s, httptest.NewRequest("GET", "/metrics", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"), "absent id gets generated")
}

func TestEventsRateLimited(t *testing.T) {
	s, reg := newTestServer(t, func(c *config.Settings) { c.SSEIPConnRate = 1 })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	open := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/summary/events", nil).WithContext(ctx)
		req.Header.Set("X-API-Token", "secret")
		req.RemoteAddr = "10.0.0.1:55000"
		return do(s, req)
	}

	assert.Equal(t, 200, open().Code)
	rec := open()
	assert.Equal(t, 429, rec.Code)
	assert.Contains(t, rec.Body.String(), "rejected_rate")
	assert.Equal(t, 1.0, reg.CounterValue("g6_sse_http_connections_total", map[string]string{"result": "rejected_rate"}))
}

func TestIPWindow(t *testing.T) {
	w := newIPWindow(2, time.Minute)
	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	assert.True(t, w.allow("a", base))
	assert.True(t, w.allow("a", base.Add(time.Second)))
	assert.False(t, w.allow("a", base.Add(2*time.Second)), "third hit inside the window")
	assert.True(t, w.allow("b", base.Add(2*time.Second)), "limits are per IP")
	assert.True(t, w.allow("a", base.Add(62*time.Second)), "old hits age out")

	open := newIPWindow(0, time.Minute)
	for i := 0; i < 100; i++ {
		assert.True(t, open.allow("a", base))
	}
}
