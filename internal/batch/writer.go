// Package batch collapses the thousands of small telemetry writes coming
// off the UDP path into bulk inserts and upserts, one buffer per table.
package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

// Op tags a submitted item.
type Op int

const (
	OpInsert Op = iota + 1
	OpUpsert
)

// Buffered table names.
const (
	TableBalance      = "balance"
	TableOrder        = "order"
	TableSqlLog       = "sql_log"
	TableApiError     = "api_error"
	TableStrategyPack = "strategy_pack"
	TableChart        = "chart"
)

// DB is the transaction source; pgxpool.Pool and pgxmock satisfy it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type item struct {
	op      Op
	payload any
}

type buffer struct {
	items  []item
	oldest time.Time
}

type flushFunc func(ctx context.Context, tx pgx.Tx, items []item) error

// Metrics are cumulative writer counters.
type Metrics struct {
	Submitted    int64 `json:"submitted"`
	Flushed      int64 `json:"flushed"`
	FlushErrors  int64 `json:"flush_errors"`
	BatchFlushes int64 `json:"batch_flushes"`
}

// Writer buffers per-table items and flushes them in short transactions,
// either when a buffer reaches batchSize (synchronously, on the
// submitting goroutine) or when the background flusher finds a buffer
// older than the flush interval.
type Writer struct {
	db            DB
	batchSize     int
	flushInterval time.Duration

	mu       sync.Mutex
	buffers  map[string]*buffer
	flushers map[string]flushFunc

	submitted    atomic.Int64
	flushed      atomic.Int64
	flushErrors  atomic.Int64
	batchFlushes atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWriter(db DB, batchSize int, flushInterval time.Duration) *Writer {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		db:            db,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		buffers:       make(map[string]*buffer),
		flushers: map[string]flushFunc{
			TableBalance:      flushBalances,
			TableOrder:        flushOrders,
			TableSqlLog:       flushSqlLogs,
			TableApiError:     flushApiErrors,
			TableStrategyPack: flushStrategyPacks,
			TableChart:        flushCharts,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	return w
}

// Start launches the background flusher.
func (w *Writer) Start() {
	w.wg.Add(1)
	go w.runFlusher()
	logrus.WithFields(logrus.Fields{
		"batch_size":     w.batchSize,
		"flush_interval": w.flushInterval,
	}).Info("Batch writer started")
}

// Submit queues one item. When the table buffer reaches the batch size it
// is flushed synchronously, which backpressures the submitter.
func (w *Writer) Submit(table string, op Op, payload any) error {
	if _, ok := w.flushers[table]; !ok {
		return fmt.Errorf("batch: unknown table %q", table)
	}
	w.submitted.Add(1)

	w.mu.Lock()
	buf, ok := w.buffers[table]
	if !ok {
		buf = &buffer{}
		w.buffers[table] = buf
	}
	if len(buf.items) == 0 {
		buf.oldest = time.Now()
	}
	buf.items = append(buf.items, item{op: op, payload: payload})
	full := len(buf.items) >= w.batchSize
	w.mu.Unlock()

	if full {
		w.batchFlushes.Add(1)
		w.flushTable(table)
	}
	return nil
}

// Close flushes every buffer synchronously and stops the flusher.
func (w *Writer) Close() {
	w.cancel()
	w.wg.Wait()
	w.flushAll()
	logrus.Info("Batch writer stopped")
}

// Metrics returns a snapshot of the writer counters.
func (w *Writer) Metrics() Metrics {
	return Metrics{
		Submitted:    w.submitted.Load(),
		Flushed:      w.flushed.Load(),
		FlushErrors:  w.flushErrors.Load(),
		BatchFlushes: w.batchFlushes.Load(),
	}
}

// PendingCount reports how many items sit unbuffered across all tables.
func (w *Writer) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := 0
	for _, buf := range w.buffers {
		total += len(buf.items)
	}
	return total
}

func (w *Writer) runFlusher() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flushStale()
		}
	}
}

func (w *Writer) flushStale() {
	cutoff := time.Now().Add(-w.flushInterval)
	w.mu.Lock()
	var due []string
	for table, buf := range w.buffers {
		if len(buf.items) > 0 && !buf.oldest.After(cutoff) {
			due = append(due, table)
		}
	}
	w.mu.Unlock()

	for _, table := range due {
		w.flushTable(table)
	}
}

func (w *Writer) flushAll() {
	w.mu.Lock()
	var tables []string
	for table, buf := range w.buffers {
		if len(buf.items) > 0 {
			tables = append(tables, table)
		}
	}
	w.mu.Unlock()

	for _, table := range tables {
		w.flushTable(table)
	}
}

func (w *Writer) flushTable(table string) {
	w.mu.Lock()
	buf := w.buffers[table]
	if buf == nil || len(buf.items) == 0 {
		w.mu.Unlock()
		return
	}
	items := buf.items
	buf.items = nil
	w.mu.Unlock()

	if err := w.flushItems(table, items); err != nil {
		w.flushErrors.Add(1)
		// The batch is lost; UDP telemetry is lossy by design and the
		// next arrival upserts equivalent data.
		logrus.WithError(err).WithFields(logrus.Fields{
			"table": table,
			"items": len(items),
		}).Error("Batch flush failed, batch dropped")
		return
	}
	w.flushed.Add(int64(len(items)))
}

func (w *Writer) flushItems(table string, items []item) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := w.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin flush transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := w.flushers[table](ctx, tx, items); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit flush transaction: %w", err)
	}
	return nil
}
