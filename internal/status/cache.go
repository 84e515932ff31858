// Package status mirrors listener runtime state to the database with a
// dirty-flag cache, so per-datagram ticks never touch postgres directly.
package status

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/botfleet-go/internal/models"
)

// Execer is the write slice of pgxpool.Pool; pgxmock satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type record struct {
	status models.ListenerStatus
	dirty  bool
}

// Cache buffers listener status updates and flushes dirty records on an
// interval. The DB sees at most one write per endpoint per interval.
type Cache struct {
	db       Execer
	interval time.Duration

	mu      sync.Mutex
	records map[int64]*record

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCache(db Execer, interval time.Duration) *Cache {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		db:       db,
		interval: interval,
		records:  make(map[int64]*record),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the background flusher.
func (c *Cache) Start() {
	c.wg.Add(1)
	go c.run()
	logrus.WithField("interval", c.interval).Info("Listener status flusher started")
}

// Close flushes everything once more and stops the flusher.
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
	c.Flush(context.Background())
	logrus.Info("Listener status flusher stopped")
}

// MarkRunning records a (re)started listener. A keepalive rotation keeps
// the original started_at.
func (c *Cache) MarkRunning(serverID int64, localPort int) {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.get(serverID)
	if !rec.status.Running || rec.status.StartedAt == nil {
		started := now
		rec.status.StartedAt = &started
	}
	rec.status.Running = true
	rec.status.LocalPort = localPort
	rec.status.LastError = ""
	rec.dirty = true
}

// MarkStopped records shutdown, with the bind error when one caused it.
func (c *Cache) MarkStopped(serverID int64, lastError string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.get(serverID)
	rec.status.Running = false
	rec.status.LocalPort = 0
	rec.status.LastError = lastError
	rec.dirty = true
}

// Touch is the per-datagram fast path: cache only, no DB.
func (c *Cache) Touch(serverID int64, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.get(serverID)
	rec.status.MessagesReceived++
	if rec.status.LastMessageAt == nil || at.After(*rec.status.LastMessageAt) {
		t := at
		rec.status.LastMessageAt = &t
	}
	rec.dirty = true
}

// Snapshot returns a copy of one listener's cached status.
func (c *Cache) Snapshot(serverID int64) (models.ListenerStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[serverID]
	if !ok {
		return models.ListenerStatus{}, false
	}
	return rec.status, true
}

// Flush writes all dirty records. Failed rows stay dirty for the next
// pass.
func (c *Cache) Flush(ctx context.Context) {
	c.mu.Lock()
	dirty := make([]models.ListenerStatus, 0)
	for _, rec := range c.records {
		if rec.dirty {
			rec.status.UpdatedAt = time.Now().UTC()
			dirty = append(dirty, rec.status)
			rec.dirty = false
		}
	}
	c.mu.Unlock()

	for _, st := range dirty {
		if err := c.write(ctx, st); err != nil {
			logrus.WithError(err).WithField("server_id", st.ServerID).Warn("Failed to flush listener status")
			c.mu.Lock()
			if rec, ok := c.records[st.ServerID]; ok {
				rec.dirty = true
			}
			c.mu.Unlock()
		}
	}
}

func (c *Cache) write(ctx context.Context, st models.ListenerStatus) error {
	_, err := c.db.Exec(ctx, `
		INSERT INTO listener_statuses
			(server_id, running, local_port, messages_received, started_at, last_message_at, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (server_id) DO UPDATE SET
			running = EXCLUDED.running,
			local_port = EXCLUDED.local_port,
			messages_received = EXCLUDED.messages_received,
			started_at = EXCLUDED.started_at,
			last_message_at = EXCLUDED.last_message_at,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at`,
		st.ServerID, st.Running, st.LocalPort, st.MessagesReceived,
		st.StartedAt, st.LastMessageAt, st.LastError, st.UpdatedAt)
	return err
}

func (c *Cache) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Flush(c.ctx)
		}
	}
}

func (c *Cache) get(serverID int64) *record {
	rec, ok := c.records[serverID]
	if !ok {
		rec = &record{status: models.ListenerStatus{ServerID: serverID}}
		c.records[serverID] = rec
	}
	return rec
}
