// Package telemetry turns decoded bot datagrams into model rows: balance
// upserts, order statements, strategy packs, API error bursts and
// completed chart captures.
package telemetry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/botfleet-go/internal/batch"
	"github.com/irfndi/botfleet-go/internal/cache"
	"github.com/irfndi/botfleet-go/internal/models"
	"github.com/irfndi/botfleet-go/internal/notify"
	"github.com/irfndi/botfleet-go/internal/sqlparse"
)

// Submitter is the slice of batch.Writer the processors need.
type Submitter interface {
	Submit(table string, op batch.Op, payload any) error
}

// fingerprintWindow bounds how far back an orphan UPDATE may rebind to a
// stub row.
const fingerprintWindow = 120 * time.Second

// recentTTL keeps rows in the in-memory map long enough to cover the
// batch-writer flush delay plus the fingerprint window.
const recentTTL = 10 * time.Minute

type orderKey struct {
	serverID       int64
	moonbotOrderID int64
}

type recentEntry struct {
	order   *models.Order
	touched time.Time
}

// OrderProcessor folds MoonBot SQL statements into order rows. Rows
// touched recently live in an in-memory map so that follow-up statements
// see them before the batch writer has flushed; the store covers cold
// lookups.
type OrderProcessor struct {
	store   OrderStore
	writer  Submitter
	users   *cache.UserCache
	pub     notify.Publisher
	tryRate float64

	// applyMu serializes statement application. Statements for one order
	// must fold in arrival order, and fingerprint recovery can rebind a
	// statement to any recent row, so the whole fold path shares one lock.
	applyMu sync.Mutex

	mu     sync.Mutex
	recent map[orderKey]*recentEntry
	ticks  int
}

func NewOrderProcessor(store OrderStore, writer Submitter, users *cache.UserCache, pub notify.Publisher, tryRate float64) *OrderProcessor {
	if pub == nil {
		pub = notify.NopPublisher{}
	}
	return &OrderProcessor{
		store:   store,
		writer:  writer,
		users:   users,
		pub:     pub,
		tryRate: tryRate,
		recent:  make(map[orderKey]*recentEntry),
	}
}

// ProcessStatement applies one Orders SQL statement. preferredID is the
// oid from the enclosing packet and wins over the statement's WHERE id.
func (p *OrderProcessor) ProcessStatement(ctx context.Context, serverID, preferredID int64, botName, sqlText string) error {
	now := time.Now().UTC()

	stmt, err := sqlparse.Parse(sqlText)
	if err != nil {
		if errors.Is(err, sqlparse.ErrNotOrders) || errors.Is(err, sqlparse.ErrUnrecognized) {
			logrus.WithFields(logrus.Fields{
				"server_id": serverID,
				"sql":       truncate(sqlText, 120),
			}).Debug("Skipping unparseable SQL statement")
			return nil
		}
		return err
	}

	orderID := preferredID
	if orderID == 0 && stmt.WhereID != nil {
		orderID = *stmt.WhereID
	}

	p.applyMu.Lock()
	defer p.applyMu.Unlock()

	switch stmt.Op {
	case sqlparse.OpInsert:
		return p.applyInsert(ctx, serverID, orderID, botName, stmt, now)
	case sqlparse.OpUpdate:
		return p.applyUpdate(ctx, serverID, orderID, botName, stmt, now)
	case sqlparse.OpDelete:
		return p.applyDelete(ctx, serverID, orderID, now)
	}
	return nil
}

func (p *OrderProcessor) applyInsert(ctx context.Context, serverID, orderID int64, botName string, stmt *sqlparse.Statement, now time.Time) error {
	existing, err := p.lookup(ctx, serverID, orderID)
	if err != nil {
		return err
	}

	op := batch.OpInsert
	order := existing
	if order == nil {
		order = &models.Order{
			ServerID:       serverID,
			MoonbotOrderID: orderID,
			Status:         models.OrderStatusOpen,
			Symbol:         "UNKNOWN",
			CreatedAt:      now,
		}
	} else {
		// An earlier UPDATE created a stub; the INSERT fills it in.
		op = batch.OpUpsert
		order.CreatedFromUpdate = false
	}

	sqlparse.Apply(order, stmt, sqlparse.ApplyOptions{Now: now, TryUSDRate: p.tryRate})
	return p.commit(ctx, order, op, botName, now)
}

func (p *OrderProcessor) applyUpdate(ctx context.Context, serverID, orderID int64, botName string, stmt *sqlparse.Statement, now time.Time) error {
	order, err := p.lookup(ctx, serverID, orderID)
	if err != nil {
		return err
	}
	op := batch.OpUpsert
	if order == nil {
		order, err = p.recoverByFingerprint(ctx, serverID, stmt, now)
		if err != nil {
			return err
		}
		switch {
		case order != nil:
			// Rebind the matched row to the bot-side id the UPDATE
			// carries.
			p.forget(order)
			if orderID != 0 {
				order.MoonbotOrderID = orderID
			}
		case orderID != 0:
			// No INSERT seen yet: create a stub the INSERT will merge
			// into later.
			order = &models.Order{
				ServerID:          serverID,
				MoonbotOrderID:    orderID,
				Status:            models.OrderStatusOpen,
				Symbol:            "UNKNOWN",
				CreatedAt:         now,
				CreatedFromUpdate: true,
			}
			op = batch.OpInsert
		default:
			logrus.WithField("server_id", serverID).Debug("Dropping unmatched UPDATE without order id")
			return nil
		}
	}

	sqlparse.Apply(order, stmt, sqlparse.ApplyOptions{Now: now, TryUSDRate: p.tryRate})
	return p.commit(ctx, order, op, botName, now)
}

func (p *OrderProcessor) applyDelete(ctx context.Context, serverID, orderID int64, now time.Time) error {
	if orderID == 0 {
		return nil
	}
	order, err := p.lookup(ctx, serverID, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		logrus.WithFields(logrus.Fields{
			"server_id": serverID,
			"order_id":  orderID,
		}).Debug("Dropping DELETE for unknown order")
		return nil
	}
	// Soft delete: the row stays for history.
	order.Status = models.OrderStatusCancelled
	order.UpdatedAt = now
	return p.commit(ctx, order, batch.OpUpsert, "", now)
}

// recoverByFingerprint matches an orphan UPDATE against a recently
// created row by quantity (and spent when present).
func (p *OrderProcessor) recoverByFingerprint(ctx context.Context, serverID int64, stmt *sqlparse.Statement, now time.Time) (*models.Order, error) {
	quantity := statementFloat(stmt, "Quantity")
	if quantity == nil {
		return nil, nil
	}
	spent := statementFloat(stmt, "SpentBTC")
	since := now.Add(-fingerprintWindow)

	if o := p.recentFingerprint(serverID, since, *quantity, spent); o != nil {
		return o, nil
	}
	o, err := p.store.FindRecentByFingerprint(ctx, serverID, since, *quantity, spent)
	if err != nil {
		return nil, err
	}
	if o != nil {
		logrus.WithFields(logrus.Fields{
			"server_id": serverID,
			"quantity":  *quantity,
		}).Debug("Recovered order identity by fingerprint")
	}
	return o, nil
}

func (p *OrderProcessor) recentFingerprint(serverID int64, since time.Time, quantity float64, spent *float64) *models.Order {
	p.mu.Lock()
	defer p.mu.Unlock()

	var candidates []*models.Order
	for key, entry := range p.recent {
		o := entry.order
		if key.serverID != serverID || o.CreatedAt.Before(since) {
			continue
		}
		if o.Quantity == nil || abs(*o.Quantity-quantity) >= 1.0 {
			continue
		}
		candidates = append(candidates, o)
	}
	// Newest first, matching the store's ordering.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	return pickFingerprintCandidate(candidates, spent)
}

func (p *OrderProcessor) commit(ctx context.Context, order *models.Order, op batch.Op, botName string, now time.Time) error {
	if botName != "" {
		order.BotName = botName
	}
	p.remember(order, now)

	// The batch writer holds rows until flush; hand it a stable snapshot
	// so later statements can keep folding into the live struct. Apply
	// replaces pointer fields, it never writes through them, so a value
	// copy is enough.
	snapshot := *order
	if err := p.writer.Submit(batch.TableOrder, op, &snapshot); err != nil {
		return err
	}
	p.notifyUpsert(ctx, order)
	return nil
}

func (p *OrderProcessor) notifyUpsert(ctx context.Context, order *models.Order) {
	if p.users == nil {
		return
	}
	userID, err := p.users.UserIDForServer(ctx, order.ServerID)
	if err != nil {
		logrus.WithError(err).WithField("server_id", order.ServerID).Debug("Skipping order notification, unknown user")
		return
	}
	event := notify.Event{
		Kind:     notify.EventOrderUpserted,
		ServerID: order.ServerID,
		Payload: map[string]any{
			"moonbot_order_id": order.MoonbotOrderID,
			"status":           order.Status,
			"symbol":           order.Symbol,
		},
	}
	if err := p.pub.Publish(ctx, userID, event); err != nil {
		logrus.WithError(err).Debug("Failed to publish order event")
	}
}

// lookup resolves a row from the recent map, falling back to the store.
func (p *OrderProcessor) lookup(ctx context.Context, serverID, orderID int64) (*models.Order, error) {
	if orderID == 0 {
		return nil, nil
	}
	p.mu.Lock()
	entry, ok := p.recent[orderKey{serverID, orderID}]
	p.mu.Unlock()
	if ok {
		return entry.order, nil
	}
	return p.store.GetByMoonbotID(ctx, serverID, orderID)
}

func (p *OrderProcessor) remember(order *models.Order, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recent[orderKey{order.ServerID, order.MoonbotOrderID}] = &recentEntry{order: order, touched: now}

	p.ticks++
	if p.ticks%512 == 0 {
		cutoff := now.Add(-recentTTL)
		for key, entry := range p.recent {
			if entry.touched.Before(cutoff) {
				delete(p.recent, key)
			}
		}
	}
}

func (p *OrderProcessor) forget(order *models.Order) {
	p.mu.Lock()
	delete(p.recent, orderKey{order.ServerID, order.MoonbotOrderID})
	p.mu.Unlock()
}

func statementFloat(stmt *sqlparse.Statement, col string) *float64 {
	raw, ok := stmt.Get(col)
	if !ok {
		return nil
	}
	return sqlparse.Float(raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
