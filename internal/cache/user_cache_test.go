package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestWarmLoadsAllServers(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT id, user_id FROM servers").
		WillReturnRows(pgxmock.NewRows([]string{"id", "user_id"}).
			AddRow(int64(1), int64(10)).
			AddRow(int64(2), int64(20)))

	c := NewUserCache(mock, nil)
	require.NoError(t, c.Warm(context.Background()))

	userID, err := c.UserIDForServer(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(20), userID)
	assert.Equal(t, int64(1), c.Stats().Hits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLazyLoadAndRedisMirror(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mr, client := newTestRedis(t)

	mock.ExpectQuery("SELECT user_id FROM servers WHERE id").
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow(int64(70)))

	c := NewUserCache(mock, client)

	userID, err := c.UserIDForServer(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(70), userID)

	// The resolution is mirrored for other processes.
	val, err := mr.Get("botfleet:user_for_server:7")
	require.NoError(t, err)
	assert.Equal(t, "70", val)

	// Second lookup is served from the local map, no further queries.
	userID, err = c.UserIDForServer(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(70), userID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisMirrorAvoidsDBHit(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mr, client := newTestRedis(t)
	mr.Set("botfleet:user_for_server:9", "90")

	c := NewUserCache(mock, client)

	userID, err := c.UserIDForServer(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, int64(90), userID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInvalidateDropsEntry(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mr, client := newTestRedis(t)
	mr.Set("botfleet:user_for_server:3", "30")

	c := NewUserCache(mock, client)
	_, err = c.UserIDForServer(context.Background(), 3)
	require.NoError(t, err)

	c.Invalidate(context.Background(), 3)
	assert.False(t, mr.Exists("botfleet:user_for_server:3"))

	// Next lookup must go back to the database.
	mock.ExpectQuery("SELECT user_id FROM servers WHERE id").
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow(int64(31)))

	userID, err := c.UserIDForServer(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(31), userID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnknownServerIsAnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT user_id FROM servers WHERE id").
		WithArgs(int64(99)).
		WillReturnError(assert.AnError)

	c := NewUserCache(mock, nil)
	_, err = c.UserIDForServer(context.Background(), 99)
	assert.Error(t, err)
}
