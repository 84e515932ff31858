package batch

import (
	"context"
	"fmt"
	"strings"

	"github.com/irfndi/botfleet-go/internal/models"
	"github.com/jackc/pgx/v5"
)

// column pairs a DB column with its value extractor. The mapping is a
// generated closed table, not reflection.
type column[T any] struct {
	name string
	val  func(row T) any
}

var orderColumns = []column[*models.Order]{
	{"server_id", func(o *models.Order) any { return o.ServerID }},
	{"moonbot_order_id", func(o *models.Order) any { return o.MoonbotOrderID }},
	{"status", func(o *models.Order) any { return o.Status }},
	{"symbol", func(o *models.Order) any { return o.Symbol }},
	{"base_currency", func(o *models.Order) any { return o.BaseCurrency }},
	{"buy_price", func(o *models.Order) any { return o.BuyPrice }},
	{"sell_price", func(o *models.Order) any { return o.SellPrice }},
	{"quantity", func(o *models.Order) any { return o.Quantity }},
	{"spent_btc", func(o *models.Order) any { return o.SpentBTC }},
	{"gained_btc", func(o *models.Order) any { return o.GainedBTC }},
	{"profit_btc", func(o *models.Order) any { return o.ProfitBTC }},
	{"profit_percent", func(o *models.Order) any { return o.ProfitPct }},
	{"strategy", func(o *models.Order) any { return o.Strategy }},
	{"sell_reason", func(o *models.Order) any { return o.SellReason }},
	{"bot_name", func(o *models.Order) any { return o.BotName }},
	{"is_emulator", func(o *models.Order) any { return o.IsEmulator }},
	{"emulator", func(o *models.Order) any { return o.Emulator }},
	{"channel_name", func(o *models.Order) any { return o.ChannelName }},
	{"comment", func(o *models.Order) any { return o.Comment }},
	{"fname", func(o *models.Order) any { return o.FName }},
	{"order_type", func(o *models.Order) any { return o.OrderType }},
	{"exchange", func(o *models.Order) any { return o.Exchange }},
	{"leverage", func(o *models.Order) any { return o.Leverage }},
	{"stop_loss", func(o *models.Order) any { return o.StopLoss }},
	{"take_profit", func(o *models.Order) any { return o.TakeProfit }},
	{"signal_price", func(o *models.Order) any { return o.SignalPrice }},
	{"pump_price", func(o *models.Order) any { return o.PumpPrice }},
	{"delta_2m", func(o *models.Order) any { return o.Delta2m }},
	{"delta_10m", func(o *models.Order) any { return o.Delta10m }},
	{"delta_1h", func(o *models.Order) any { return o.Delta1h }},
	{"delta_24h", func(o *models.Order) any { return o.Delta24h }},
	{"btc_delta", func(o *models.Order) any { return o.BTCDelta }},
	{"market_buys", func(o *models.Order) any { return o.MarketBuys }},
	{"market_sells", func(o *models.Order) any { return o.MarketSells }},
	{"order_book_buys", func(o *models.Order) any { return o.OrderBookBuys }},
	{"order_book_sells", func(o *models.Order) any { return o.OrderBookSells }},
	{"b_volume", func(o *models.Order) any { return o.BVolume }},
	{"s_volume", func(o *models.Order) any { return o.SVolume }},
	{"daily_volume", func(o *models.Order) any { return o.DailyVolume }},
	{"hourly_volume", func(o *models.Order) any { return o.HourlyVolume }},
	{"spread_percent", func(o *models.Order) any { return o.SpreadPct }},
	{"price_ask", func(o *models.Order) any { return o.PriceAsk }},
	{"price_bid", func(o *models.Order) any { return o.PriceBid }},
	{"price_1h_ago", func(o *models.Order) any { return o.Price1hAgo }},
	{"price_24h_ago", func(o *models.Order) any { return o.Price24hAgo }},
	{"min_price_1h", func(o *models.Order) any { return o.MinPrice1h }},
	{"max_price_1h", func(o *models.Order) any { return o.MaxPrice1h }},
	{"avg_price_3d", func(o *models.Order) any { return o.AvgPrice3d }},
	{"sell_delta", func(o *models.Order) any { return o.SellDelta }},
	{"buy_delta", func(o *models.Order) any { return o.BuyDelta }},
	{"drop_percent", func(o *models.Order) any { return o.DropPct }},
	{"grow_percent", func(o *models.Order) any { return o.GrowPct }},
	{"strategy_id", func(o *models.Order) any { return o.StrategyID }},
	{"task_id", func(o *models.Order) any { return o.TaskID }},
	{"joined_sec", func(o *models.Order) any { return o.JoinedSec }},
	{"detect_time", func(o *models.Order) any { return o.DetectTime }},
	{"opened_at", func(o *models.Order) any { return o.OpenedAt }},
	{"closed_at", func(o *models.Order) any { return o.ClosedAt }},
	{"updated_at", func(o *models.Order) any { return o.UpdatedAt }},
	// created_at backs fingerprint recovery; rows carry their original
	// value through updates, so writing it on both paths preserves it.
	{"created_at", func(o *models.Order) any { return o.CreatedAt }},
	{"created_from_update", func(o *models.Order) any { return o.CreatedFromUpdate }},
}

var balanceColumns = []column[*models.Balance]{
	{"server_id", func(b *models.Balance) any { return b.ServerID }},
	{"available", func(b *models.Balance) any { return b.Available }},
	{"total", func(b *models.Balance) any { return b.Total }},
	{"bot_name", func(b *models.Balance) any { return b.BotName }},
	{"is_running", func(b *models.Balance) any { return b.IsRunning }},
	{"version", func(b *models.Balance) any { return b.Version }},
	{"updated_at", func(b *models.Balance) any { return b.UpdatedAt }},
}

var strategyPackColumns = []column[*models.StrategyPack]{
	{"server_id", func(p *models.StrategyPack) any { return p.ServerID }},
	{"pack_number", func(p *models.StrategyPack) any { return p.PackNumber }},
	{"data", func(p *models.StrategyPack) any { return p.Data }},
	{"bot_name", func(p *models.StrategyPack) any { return p.BotName }},
	{"received_at", func(p *models.StrategyPack) any { return p.ReceivedAt }},
}

var chartColumns = []column[*models.Chart]{
	{"server_id", func(c *models.Chart) any { return c.ServerID }},
	{"order_db_id", func(c *models.Chart) any { return c.OrderDBID }},
	{"market_name", func(c *models.Chart) any { return c.MarketName }},
	{"market_currency", func(c *models.Chart) any { return c.MarketCurrency }},
	{"pump_channel", func(c *models.Chart) any { return c.PumpChannel }},
	{"start_time", func(c *models.Chart) any { return c.StartTime }},
	{"end_time", func(c *models.Chart) any { return c.EndTime }},
	{"session_profit", func(c *models.Chart) any { return c.SessionProfit }},
	{"body", func(c *models.Chart) any { return c.Body }},
	{"received_at", func(c *models.Chart) any { return c.ReceivedAt }},
}

// upsertTable implements the shared upsert shape: dedupe by key
// (last-write-wins within the batch), one SELECT over the union of
// primary keys, an in-memory diff, then one bulk update pass and one bulk
// insert.
type upsertTable[T any] struct {
	table   string
	pkCount int
	columns []column[T]
	key     func(row T) string
	pkArgs  func(row T) []any
}

func (u *upsertTable[T]) flush(ctx context.Context, tx pgx.Tx, rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	rows = dedupeLastWrite(rows, u.key)

	existing, err := u.selectExisting(ctx, tx, rows)
	if err != nil {
		return err
	}

	var toUpdate, toInsert []T
	for _, row := range rows {
		if existing[u.key(row)] {
			toUpdate = append(toUpdate, row)
		} else {
			toInsert = append(toInsert, row)
		}
	}

	if len(toUpdate) > 0 {
		if err := u.bulkUpdate(ctx, tx, toUpdate); err != nil {
			return fmt.Errorf("%s bulk update: %w", u.table, err)
		}
	}
	if len(toInsert) > 0 {
		if err := bulkInsert(ctx, tx, u.table, u.columns, toInsert); err != nil {
			return fmt.Errorf("%s bulk insert: %w", u.table, err)
		}
	}
	return nil
}

func (u *upsertTable[T]) selectExisting(ctx context.Context, tx pgx.Tx, rows []T) (map[string]bool, error) {
	pkCols := make([]string, u.pkCount)
	for i := 0; i < u.pkCount; i++ {
		pkCols[i] = u.columns[i].name
	}

	var args []any
	tuples := make([]string, 0, len(rows))
	for _, row := range rows {
		pk := u.pkArgs(row)
		ph := make([]string, len(pk))
		for i, v := range pk {
			args = append(args, v)
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		tuples = append(tuples, "("+strings.Join(ph, ",")+")")
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE (%s) IN (%s)",
		strings.Join(pkCols, ", "), tableName(u.table),
		strings.Join(pkCols, ", "), strings.Join(tuples, ","))

	result, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s existing-keys select: %w", u.table, err)
	}
	defer result.Close()

	existing := make(map[string]bool)
	for result.Next() {
		vals, err := result.Values()
		if err != nil {
			return nil, err
		}
		existing[pkKey(vals)] = true
	}
	return existing, result.Err()
}

func (u *upsertTable[T]) bulkUpdate(ctx context.Context, tx pgx.Tx, rows []T) error {
	setCols := u.columns[u.pkCount:]
	sets := make([]string, len(setCols))
	for i, c := range setCols {
		sets[i] = fmt.Sprintf("%s = $%d", c.name, i+1)
	}
	where := make([]string, u.pkCount)
	for i := 0; i < u.pkCount; i++ {
		where[i] = fmt.Sprintf("%s = $%d", u.columns[i].name, len(setCols)+i+1)
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		tableName(u.table), strings.Join(sets, ", "), strings.Join(where, " AND "))

	b := &pgx.Batch{}
	for _, row := range rows {
		args := make([]any, 0, len(u.columns))
		for _, c := range setCols {
			args = append(args, c.val(row))
		}
		args = append(args, u.pkArgs(row)...)
		b.Queue(query, args...)
	}
	return tx.SendBatch(ctx, b).Close()
}

func bulkInsert[T any](ctx context.Context, tx pgx.Tx, table string, cols []column[T], rows []T) error {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.name
	}

	var args []any
	tuples := make([]string, 0, len(rows))
	for _, row := range rows {
		ph := make([]string, len(cols))
		for i, c := range cols {
			args = append(args, c.val(row))
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		tuples = append(tuples, "("+strings.Join(ph, ",")+")")
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		tableName(table), strings.Join(names, ", "), strings.Join(tuples, ","))
	_, err := tx.Exec(ctx, query, args...)
	return err
}

func dedupeLastWrite[T any](rows []T, key func(T) string) []T {
	last := make(map[string]int, len(rows))
	for i, row := range rows {
		last[key(row)] = i
	}
	out := make([]T, 0, len(last))
	for i, row := range rows {
		if last[key(row)] == i {
			out = append(out, row)
		}
	}
	return out
}

func pkKey(vals []any) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, "/")
}

// tableName maps buffer names to SQL table names ("order" is reserved).
func tableName(table string) string {
	switch table {
	case TableOrder:
		return "orders"
	case TableBalance:
		return "balances"
	case TableSqlLog:
		return "sql_command_logs"
	case TableApiError:
		return "api_errors"
	case TableStrategyPack:
		return "strategy_packs"
	case TableChart:
		return "charts"
	}
	return table
}

func typedRows[T any](items []item) ([]T, error) {
	rows := make([]T, 0, len(items))
	for _, it := range items {
		row, ok := it.payload.(T)
		if !ok {
			return nil, fmt.Errorf("batch: unexpected payload type %T", it.payload)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func splitByOp[T any](items []item) (inserts, upserts []T, err error) {
	for _, it := range items {
		row, ok := it.payload.(T)
		if !ok {
			return nil, nil, fmt.Errorf("batch: unexpected payload type %T", it.payload)
		}
		if it.op == OpInsert {
			inserts = append(inserts, row)
		} else {
			upserts = append(upserts, row)
		}
	}
	return inserts, upserts, nil
}

var orderUpserter = &upsertTable[*models.Order]{
	table:   TableOrder,
	pkCount: 2,
	columns: orderColumns,
	key: func(o *models.Order) string {
		return fmt.Sprintf("%d/%d", o.ServerID, o.MoonbotOrderID)
	},
	pkArgs: func(o *models.Order) []any { return []any{o.ServerID, o.MoonbotOrderID} },
}

var balanceUpserter = &upsertTable[*models.Balance]{
	table:   TableBalance,
	pkCount: 1,
	columns: balanceColumns,
	key:     func(b *models.Balance) string { return fmt.Sprint(b.ServerID) },
	pkArgs:  func(b *models.Balance) []any { return []any{b.ServerID} },
}

var strategyPackUpserter = &upsertTable[*models.StrategyPack]{
	table:   TableStrategyPack,
	pkCount: 2,
	columns: strategyPackColumns,
	key: func(p *models.StrategyPack) string {
		return fmt.Sprintf("%d/%d", p.ServerID, p.PackNumber)
	},
	pkArgs: func(p *models.StrategyPack) []any { return []any{p.ServerID, p.PackNumber} },
}

var chartUpserter = &upsertTable[*models.Chart]{
	table:   TableChart,
	pkCount: 2,
	columns: chartColumns,
	key: func(c *models.Chart) string {
		return fmt.Sprintf("%d/%d", c.ServerID, c.OrderDBID)
	},
	pkArgs: func(c *models.Chart) []any { return []any{c.ServerID, c.OrderDBID} },
}

func flushOrders(ctx context.Context, tx pgx.Tx, items []item) error {
	inserts, upserts, err := splitByOp[*models.Order](items)
	if err != nil {
		return err
	}
	if len(inserts) > 0 {
		if err := bulkInsert(ctx, tx, TableOrder, orderColumns, inserts); err != nil {
			return fmt.Errorf("order bulk insert: %w", err)
		}
	}
	return orderUpserter.flush(ctx, tx, upserts)
}

func flushBalances(ctx context.Context, tx pgx.Tx, items []item) error {
	rows, err := typedRows[*models.Balance](items)
	if err != nil {
		return err
	}
	return balanceUpserter.flush(ctx, tx, rows)
}

func flushStrategyPacks(ctx context.Context, tx pgx.Tx, items []item) error {
	rows, err := typedRows[*models.StrategyPack](items)
	if err != nil {
		return err
	}
	return strategyPackUpserter.flush(ctx, tx, rows)
}

func flushCharts(ctx context.Context, tx pgx.Tx, items []item) error {
	rows, err := typedRows[*models.Chart](items)
	if err != nil {
		return err
	}
	return chartUpserter.flush(ctx, tx, rows)
}

func flushApiErrors(ctx context.Context, tx pgx.Tx, items []item) error {
	rows, err := typedRows[*models.ApiError](items)
	if err != nil {
		return err
	}
	cols := []column[*models.ApiError]{
		{"server_id", func(e *models.ApiError) any { return e.ServerID }},
		{"bot_name", func(e *models.ApiError) any { return e.BotName }},
		{"error_text", func(e *models.ApiError) any { return e.ErrorText }},
		{"error_time", func(e *models.ApiError) any { return e.ErrorTime }},
		{"symbol", func(e *models.ApiError) any { return e.Symbol }},
		{"error_code", func(e *models.ApiError) any { return e.ErrorCode }},
		{"received_at", func(e *models.ApiError) any { return e.ReceivedAt }},
	}
	return bulkInsert(ctx, tx, TableApiError, cols, rows)
}

func flushSqlLogs(ctx context.Context, tx pgx.Tx, items []item) error {
	rows, err := typedRows[*models.SqlCommandLog](items)
	if err != nil {
		return err
	}
	cols := []column[*models.SqlCommandLog]{
		{"command_id", func(l *models.SqlCommandLog) any { return l.CommandID }},
		{"server_id", func(l *models.SqlCommandLog) any { return l.ServerID }},
		{"sql_text", func(l *models.SqlCommandLog) any { return l.SQLText }},
		{"received_at", func(l *models.SqlCommandLog) any { return l.ReceivedAt }},
	}

	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.name
	}
	var args []any
	tuples := make([]string, 0, len(rows))
	for _, row := range rows {
		ph := make([]string, len(cols))
		for i, c := range cols {
			args = append(args, c.val(row))
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		tuples = append(tuples, "("+strings.Join(ph, ",")+")")
	}
	// Bots resend command batches after packet loss; dedupe on the
	// bot-supplied command id.
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON CONFLICT (command_id) DO NOTHING",
		tableName(TableSqlLog), strings.Join(names, ", "), strings.Join(tuples, ","))
	_, err = tx.Exec(ctx, query, args...)
	return err
}
