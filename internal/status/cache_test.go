package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewCache(mock, time.Hour), mock
}

func TestTouchAccumulatesWithoutDB(t *testing.T) {
	c, mock := newTestCache(t)

	now := time.Now()
	c.Touch(7, now)
	c.Touch(7, now.Add(time.Second))

	st, ok := c.Snapshot(7)
	require.True(t, ok)
	assert.Equal(t, int64(2), st.MessagesReceived)
	require.NotNil(t, st.LastMessageAt)
	assert.Equal(t, now.Add(time.Second), *st.LastMessageAt)

	// Nothing hits postgres until a flush runs.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlushWritesDirtyRecordsOnce(t *testing.T) {
	c, mock := newTestCache(t)

	c.MarkRunning(7, 49152)
	c.Touch(7, time.Now())

	mock.ExpectExec("INSERT INTO listener_statuses").
		WithArgs(int64(7), true, 49152, int64(1),
			pgxmock.AnyArg(), pgxmock.AnyArg(), "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	c.Flush(context.Background())
	assert.NoError(t, mock.ExpectationsWereMet())

	// A second flush with no new updates writes nothing.
	c.Flush(context.Background())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRunningKeepsStartedAtAcrossRotation(t *testing.T) {
	c, _ := newTestCache(t)

	c.MarkRunning(7, 49152)
	st, _ := c.Snapshot(7)
	require.NotNil(t, st.StartedAt)
	started := *st.StartedAt

	// Socket rotation re-announces from a new port while staying up.
	c.MarkRunning(7, 49200)
	st, _ = c.Snapshot(7)
	assert.Equal(t, 49200, st.LocalPort)
	assert.Equal(t, started, *st.StartedAt)

	// A stop/start cycle resets it.
	c.MarkStopped(7, "")
	c.MarkRunning(7, 49300)
	st, _ = c.Snapshot(7)
	assert.False(t, st.StartedAt.Before(started))
}

func TestMarkStoppedRecordsError(t *testing.T) {
	c, _ := newTestCache(t)

	c.MarkRunning(7, 49152)
	c.MarkStopped(7, "bind: address already in use")

	st, _ := c.Snapshot(7)
	assert.False(t, st.Running)
	assert.Equal(t, 0, st.LocalPort)
	assert.Equal(t, "bind: address already in use", st.LastError)

	// The next successful start clears the error.
	c.MarkRunning(7, 49152)
	st, _ = c.Snapshot(7)
	assert.Empty(t, st.LastError)
}

func TestFlushKeepsRecordDirtyOnError(t *testing.T) {
	c, mock := newTestCache(t)

	c.MarkRunning(7, 49152)

	mock.ExpectExec("INSERT INTO listener_statuses").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection refused"))
	c.Flush(context.Background())

	mock.ExpectExec("INSERT INTO listener_statuses").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	c.Flush(context.Background())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseFlushesPending(t *testing.T) {
	c, mock := newTestCache(t)
	c.Start()

	c.MarkRunning(7, 49152)
	mock.ExpectExec("INSERT INTO listener_statuses").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	c.Close()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotUnknownServer(t *testing.T) {
	c, _ := newTestCache(t)
	_, ok := c.Snapshot(99)
	assert.False(t, ok)
}
