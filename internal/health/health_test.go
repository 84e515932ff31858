package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/botfleet-go/internal/udp"
)

type fakePinger struct{ err error }

func (p fakePinger) HealthCheck(ctx context.Context) error { return p.err }

type fakePool struct{ metrics udp.PoolMetrics }

func (p fakePool) Metrics() udp.PoolMetrics { return p.metrics }

type fakeListeners struct{ count int }

func (l fakeListeners) ActiveCount() int { return l.count }

func newTestRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	h.SetupRoutes(router)
	return router
}

func doGet(t *testing.T, router *gin.Engine, path string) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestHealthAllUp(t *testing.T) {
	h := NewHandler(fakePinger{}, fakePinger{}, fakePool{}, fakeListeners{count: 3})
	code, body := doGet(t, newTestRouter(h), "/health")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(3), body["active_listeners"])
	components := body["components"].(map[string]any)
	assert.Equal(t, "up", components["database"])
	assert.Equal(t, "up", components["redis"])
}

func TestHealthDegradedOnDBFailure(t *testing.T) {
	h := NewHandler(fakePinger{err: errors.New("connection refused")}, fakePinger{}, nil, nil)
	code, body := doGet(t, newTestRouter(h), "/health")

	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
	components := body["components"].(map[string]any)
	assert.Contains(t, components["database"], "down")
}

func TestPoolMetricsEndpoint(t *testing.T) {
	pool := fakePool{metrics: udp.PoolMetrics{Received: 10, Dropped: 2, QueueLen: 1}}
	h := NewHandler(fakePinger{}, fakePinger{}, pool, nil)
	code, body := doGet(t, newTestRouter(h), "/metrics/pool")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(10), body["received"])
	assert.Equal(t, float64(2), body["dropped"])
}

func TestPoolMetricsDisabled(t *testing.T) {
	h := NewHandler(fakePinger{}, fakePinger{}, nil, nil)
	code, body := doGet(t, newTestRouter(h), "/metrics/pool")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["enabled"])
}

func TestSystemMetricsEndpoint(t *testing.T) {
	h := NewHandler(fakePinger{}, fakePinger{}, nil, nil)
	code, body := doGet(t, newTestRouter(h), "/metrics/system")

	assert.Equal(t, http.StatusOK, code)
	assert.Greater(t, body["goroutines"], float64(0))
	assert.Contains(t, body, "heap_alloc_mb")
}
