// Package cache holds the process-wide identity caches used on the UDP
// ingest hot path.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const userCachePrefix = "botfleet:user_for_server:"

// Querier is the slice of pgxpool.Pool the cache needs; pgxmock satisfies
// it in tests.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UserCacheStats tracks cache performance.
type UserCacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// UserCache maps server_id → user_id so ingest can tag notifications
// without a DB round-trip. Entries load lazily, with an optional redis
// mirror shared across processes, and are invalidated on administrative
// server writes.
type UserCache struct {
	db    Querier
	redis *redis.Client
	ttl   time.Duration

	mu    sync.RWMutex
	users map[int64]int64
	stats UserCacheStats
}

func NewUserCache(db Querier, redisClient *redis.Client) *UserCache {
	return &UserCache{
		db:    db,
		redis: redisClient,
		ttl:   time.Hour,
		users: make(map[int64]int64),
	}
}

// Warm preloads the whole map in one query at startup.
func (c *UserCache) Warm(ctx context.Context) error {
	rows, err := c.db.Query(ctx, "SELECT id, user_id FROM servers")
	if err != nil {
		return fmt.Errorf("failed to warm user cache: %w", err)
	}
	defer rows.Close()

	loaded := make(map[int64]int64)
	for rows.Next() {
		var serverID, userID int64
		if err := rows.Scan(&serverID, &userID); err != nil {
			return fmt.Errorf("failed to scan server row: %w", err)
		}
		loaded[serverID] = userID
	}
	if err := rows.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.users = loaded
	c.mu.Unlock()

	logrus.WithField("servers", len(loaded)).Info("User cache warmed")
	return nil
}

// UserIDForServer resolves the owning user, lazily loading on miss.
func (c *UserCache) UserIDForServer(ctx context.Context, serverID int64) (int64, error) {
	c.mu.RLock()
	userID, ok := c.users[serverID]
	c.mu.RUnlock()
	if ok {
		c.bump(true)
		return userID, nil
	}
	c.bump(false)

	if c.redis != nil {
		if val, err := c.redis.Get(ctx, userCachePrefix+strconv.FormatInt(serverID, 10)).Result(); err == nil {
			if userID, err := strconv.ParseInt(val, 10, 64); err == nil {
				c.put(serverID, userID)
				return userID, nil
			}
		}
	}

	if err := c.db.QueryRow(ctx, "SELECT user_id FROM servers WHERE id = $1", serverID).Scan(&userID); err != nil {
		return 0, fmt.Errorf("failed to resolve user for server %d: %w", serverID, err)
	}
	c.put(serverID, userID)

	if c.redis != nil {
		key := userCachePrefix + strconv.FormatInt(serverID, 10)
		if err := c.redis.Set(ctx, key, strconv.FormatInt(userID, 10), c.ttl).Err(); err != nil {
			logrus.WithError(err).Debug("Failed to mirror user cache entry to redis")
		}
	}
	return userID, nil
}

// Invalidate drops one server's entry after an administrative write.
func (c *UserCache) Invalidate(ctx context.Context, serverID int64) {
	c.mu.Lock()
	delete(c.users, serverID)
	c.mu.Unlock()

	if c.redis != nil {
		key := userCachePrefix + strconv.FormatInt(serverID, 10)
		if err := c.redis.Del(ctx, key).Err(); err != nil {
			logrus.WithError(err).Debug("Failed to invalidate redis user cache entry")
		}
	}
}

// Stats returns a copy of the hit/miss counters.
func (c *UserCache) Stats() UserCacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *UserCache) put(serverID, userID int64) {
	c.mu.Lock()
	c.users[serverID] = userID
	c.mu.Unlock()
}

func (c *UserCache) bump(hit bool) {
	c.mu.Lock()
	if hit {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	c.mu.Unlock()
}
