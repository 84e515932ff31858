package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/irfndi/botfleet-go/internal/models"
)

// OrderStore resolves order identity against persisted rows. It backs the
// in-memory recent-order map of the order processor; both Get calls return
// (nil, nil) when no row matches.
type OrderStore interface {
	GetByMoonbotID(ctx context.Context, serverID, moonbotOrderID int64) (*models.Order, error)
	// FindRecentByFingerprint returns the most recent order on the server
	// created after since whose quantity is within 1.0 of the given one.
	// When spent is non-nil, candidates within 1.0 of it are preferred.
	FindRecentByFingerprint(ctx context.Context, serverID int64, since time.Time, quantity float64, spent *float64) (*models.Order, error)
}

const orderSelectColumns = `server_id, moonbot_order_id, status, symbol, base_currency,
	buy_price, sell_price, quantity, spent_btc, gained_btc, profit_btc, profit_percent,
	strategy, sell_reason, bot_name, is_emulator, emulator,
	channel_name, comment, fname, order_type, exchange,
	leverage, stop_loss, take_profit, signal_price, pump_price,
	delta_2m, delta_10m, delta_1h, delta_24h, btc_delta,
	market_buys, market_sells, order_book_buys, order_book_sells,
	b_volume, s_volume, daily_volume, hourly_volume, spread_percent,
	price_ask, price_bid, price_1h_ago, price_24h_ago, min_price_1h, max_price_1h, avg_price_3d,
	sell_delta, buy_delta, drop_percent, grow_percent,
	strategy_id, task_id, joined_sec, detect_time,
	opened_at, closed_at, updated_at, created_at, created_from_update`

// Querier is the read slice of pgxpool.Pool; pgxmock satisfies it in
// tests.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxOrderStore reads order rows from postgres.
type PgxOrderStore struct {
	db Querier
}

func NewPgxOrderStore(db Querier) *PgxOrderStore {
	return &PgxOrderStore{db: db}
}

func (s *PgxOrderStore) GetByMoonbotID(ctx context.Context, serverID, moonbotOrderID int64) (*models.Order, error) {
	row := s.db.QueryRow(ctx,
		"SELECT "+orderSelectColumns+" FROM orders WHERE server_id = $1 AND moonbot_order_id = $2",
		serverID, moonbotOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %d/%d: %w", serverID, moonbotOrderID, err)
	}
	return o, nil
}

func (s *PgxOrderStore) FindRecentByFingerprint(ctx context.Context, serverID int64, since time.Time, quantity float64, spent *float64) (*models.Order, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+orderSelectColumns+` FROM orders
		WHERE server_id = $1 AND created_at >= $2
		  AND quantity IS NOT NULL AND abs(quantity - $3) < 1.0
		ORDER BY created_at DESC LIMIT 10`,
		serverID, since, quantity)
	if err != nil {
		return nil, fmt.Errorf("failed to search order fingerprint: %w", err)
	}
	defer rows.Close()

	var candidates []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return pickFingerprintCandidate(candidates, spent), nil
}

// pickFingerprintCandidate prefers the newest candidate whose spent_btc
// is also close; candidates arrive newest first.
func pickFingerprintCandidate(candidates []*models.Order, spent *float64) *models.Order {
	if len(candidates) == 0 {
		return nil
	}
	if spent != nil {
		for _, o := range candidates {
			if o.SpentBTC != nil && abs(*o.SpentBTC-*spent) < 1.0 {
				return o
			}
		}
	}
	return candidates[0]
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	err := row.Scan(
		&o.ServerID, &o.MoonbotOrderID, &o.Status, &o.Symbol, &o.BaseCurrency,
		&o.BuyPrice, &o.SellPrice, &o.Quantity, &o.SpentBTC, &o.GainedBTC, &o.ProfitBTC, &o.ProfitPct,
		&o.Strategy, &o.SellReason, &o.BotName, &o.IsEmulator, &o.Emulator,
		&o.ChannelName, &o.Comment, &o.FName, &o.OrderType, &o.Exchange,
		&o.Leverage, &o.StopLoss, &o.TakeProfit, &o.SignalPrice, &o.PumpPrice,
		&o.Delta2m, &o.Delta10m, &o.Delta1h, &o.Delta24h, &o.BTCDelta,
		&o.MarketBuys, &o.MarketSells, &o.OrderBookBuys, &o.OrderBookSells,
		&o.BVolume, &o.SVolume, &o.DailyVolume, &o.HourlyVolume, &o.SpreadPct,
		&o.PriceAsk, &o.PriceBid, &o.Price1hAgo, &o.Price24hAgo, &o.MinPrice1h, &o.MaxPrice1h, &o.AvgPrice3d,
		&o.SellDelta, &o.BuyDelta, &o.DropPct, &o.GrowPct,
		&o.StrategyID, &o.TaskID, &o.JoinedSec, &o.DetectTime,
		&o.OpenedAt, &o.ClosedAt, &o.UpdatedAt, &o.CreatedAt, &o.CreatedFromUpdate,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
