// Package health exposes the ops surface: liveness plus worker-pool and
// host metrics.
package health

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/botfleet-go/internal/udp"
)

// Pinger is a dependency with a health probe.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// PoolStats reports worker-pool counters.
type PoolStats interface {
	Metrics() udp.PoolMetrics
}

// ListenerStats reports how many UDP listeners are live.
type ListenerStats interface {
	ActiveCount() int
}

// Handler serves /health and /metrics.
type Handler struct {
	db        Pinger
	redis     Pinger
	pool      PoolStats
	listeners ListenerStats
	startedAt time.Time
}

func NewHandler(db, redis Pinger, pool PoolStats, listeners ListenerStats) *Handler {
	return &Handler{
		db:        db,
		redis:     redis,
		pool:      pool,
		listeners: listeners,
		startedAt: time.Now(),
	}
}

// SetupRoutes registers the ops endpoints on the router.
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/metrics/pool", h.PoolMetrics)
	router.GET("/metrics/system", h.SystemMetrics)
}

func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	components := gin.H{}
	healthy := true
	for name, dep := range map[string]Pinger{"database": h.db, "redis": h.redis} {
		if dep == nil {
			continue
		}
		if err := dep.HealthCheck(ctx); err != nil {
			components[name] = "down: " + err.Error()
			healthy = false
		} else {
			components[name] = "up"
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	body := gin.H{
		"status":         status,
		"components":     components,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}
	if h.listeners != nil {
		body["active_listeners"] = h.listeners.ActiveCount()
	}
	c.JSON(code, body)
}

func (h *Handler) PoolMetrics(c *gin.Context) {
	if h.pool == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, h.pool.Metrics())
}

func (h *Handler) SystemMetrics(c *gin.Context) {
	body := gin.H{"goroutines": runtime.NumGoroutine()}

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		body["cpu_percent"] = cpuPercent[0]
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		body["memory_used_percent"] = memInfo.UsedPercent
		body["memory_used_mb"] = memInfo.Used / 1024 / 1024
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	body["heap_alloc_mb"] = ms.HeapAlloc / 1024 / 1024

	c.JSON(http.StatusOK, body)
}

// Monitor logs a periodic one-line health summary.
type Monitor struct {
	handler  *Handler
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(handler *Handler, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{handler: handler, interval: interval, ctx: ctx, cancel: cancel}
}

func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.logSummary()
		}
	}
}

func (m *Monitor) logSummary() {
	fields := logrus.Fields{"goroutines": runtime.NumGoroutine()}
	if m.handler.listeners != nil {
		fields["active_listeners"] = m.handler.listeners.ActiveCount()
	}
	if m.handler.pool != nil {
		metrics := m.handler.pool.Metrics()
		fields["pool_received"] = metrics.Received
		fields["pool_dropped"] = metrics.Dropped
		fields["pool_queue_len"] = metrics.QueueLen
		fields["pool_avg_ms"] = metrics.AvgProcessingMs
	}
	logrus.WithFields(fields).Info("Health summary")
}
