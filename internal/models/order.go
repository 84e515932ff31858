package models

import "time"

// Order status values.
const (
	OrderStatusOpen      = "Open"
	OrderStatusClosed    = "Closed"
	OrderStatusCancelled = "Cancelled"
)

// Order is a normalized MoonBot order row. Identity is
// (server_id, moonbot_order_id); rows are created either by an INSERT
// statement or, out of order, by an UPDATE that arrived first
// (created_from_update).
type Order struct {
	ID             int64  `json:"id" db:"id"`
	ServerID       int64  `json:"server_id" db:"server_id"`
	MoonbotOrderID int64  `json:"moonbot_order_id" db:"moonbot_order_id"`
	Status         string `json:"status" db:"status"`

	Symbol       string   `json:"symbol" db:"symbol"`
	BaseCurrency string   `json:"base_currency" db:"base_currency"`
	BuyPrice     *float64 `json:"buy_price,omitempty" db:"buy_price"`
	SellPrice    *float64 `json:"sell_price,omitempty" db:"sell_price"`
	Quantity     *float64 `json:"quantity,omitempty" db:"quantity"`
	SpentBTC     *float64 `json:"spent_btc,omitempty" db:"spent_btc"`
	GainedBTC    *float64 `json:"gained_btc,omitempty" db:"gained_btc"`
	ProfitBTC    *float64 `json:"profit_btc,omitempty" db:"profit_btc"`
	ProfitPct    *float64 `json:"profit_percent,omitempty" db:"profit_percent"`

	Strategy   string `json:"strategy" db:"strategy"`
	SellReason string `json:"sell_reason" db:"sell_reason"`
	BotName    string `json:"bot_name" db:"bot_name"`
	IsEmulator bool   `json:"is_emulator" db:"is_emulator"`
	Emulator   *int   `json:"emulator,omitempty" db:"emulator"`

	// Free-text companions of the statement the row came from.
	ChannelName string `json:"channel_name" db:"channel_name"`
	Comment     string `json:"comment" db:"comment"`
	FName       string `json:"fname" db:"fname"`

	// Market/technical snapshot copied through by column name.
	OrderType      string   `json:"order_type" db:"order_type"`
	Exchange       string   `json:"exchange" db:"exchange"`
	Leverage       *float64 `json:"leverage,omitempty" db:"leverage"`
	StopLoss       *float64 `json:"stop_loss,omitempty" db:"stop_loss"`
	TakeProfit     *float64 `json:"take_profit,omitempty" db:"take_profit"`
	SignalPrice    *float64 `json:"signal_price,omitempty" db:"signal_price"`
	PumpPrice      *float64 `json:"pump_price,omitempty" db:"pump_price"`
	Delta2m        *float64 `json:"delta_2m,omitempty" db:"delta_2m"`
	Delta10m       *float64 `json:"delta_10m,omitempty" db:"delta_10m"`
	Delta1h        *float64 `json:"delta_1h,omitempty" db:"delta_1h"`
	Delta24h       *float64 `json:"delta_24h,omitempty" db:"delta_24h"`
	BTCDelta       *float64 `json:"btc_delta,omitempty" db:"btc_delta"`
	MarketBuys     *float64 `json:"market_buys,omitempty" db:"market_buys"`
	MarketSells    *float64 `json:"market_sells,omitempty" db:"market_sells"`
	OrderBookBuys  *float64 `json:"order_book_buys,omitempty" db:"order_book_buys"`
	OrderBookSells *float64 `json:"order_book_sells,omitempty" db:"order_book_sells"`
	BVolume        *float64 `json:"b_volume,omitempty" db:"b_volume"`
	SVolume        *float64 `json:"s_volume,omitempty" db:"s_volume"`
	DailyVolume    *float64 `json:"daily_volume,omitempty" db:"daily_volume"`
	HourlyVolume   *float64 `json:"hourly_volume,omitempty" db:"hourly_volume"`
	SpreadPct      *float64 `json:"spread_percent,omitempty" db:"spread_percent"`
	PriceAsk       *float64 `json:"price_ask,omitempty" db:"price_ask"`
	PriceBid       *float64 `json:"price_bid,omitempty" db:"price_bid"`
	Price1hAgo     *float64 `json:"price_1h_ago,omitempty" db:"price_1h_ago"`
	Price24hAgo    *float64 `json:"price_24h_ago,omitempty" db:"price_24h_ago"`
	MinPrice1h     *float64 `json:"min_price_1h,omitempty" db:"min_price_1h"`
	MaxPrice1h     *float64 `json:"max_price_1h,omitempty" db:"max_price_1h"`
	AvgPrice3d     *float64 `json:"avg_price_3d,omitempty" db:"avg_price_3d"`
	SellDelta      *float64 `json:"sell_delta,omitempty" db:"sell_delta"`
	BuyDelta       *float64 `json:"buy_delta,omitempty" db:"buy_delta"`
	DropPct        *float64 `json:"drop_percent,omitempty" db:"drop_percent"`
	GrowPct        *float64 `json:"grow_percent,omitempty" db:"grow_percent"`
	StrategyID     *int64   `json:"strategy_id,omitempty" db:"strategy_id"`
	TaskID         *int64   `json:"task_id,omitempty" db:"task_id"`
	JoinedSec      *float64 `json:"joined_sec,omitempty" db:"joined_sec"`
	DetectTime     *float64 `json:"detect_time,omitempty" db:"detect_time"`

	OpenedAt  *time.Time `json:"opened_at,omitempty" db:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty" db:"closed_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`

	// True while the row is a stub created by an UPDATE that arrived
	// before its INSERT; cleared when the INSERT is merged in.
	CreatedFromUpdate bool `json:"created_from_update" db:"created_from_update"`
}

// IsClosed reports whether the order reached a terminal filled state.
func (o *Order) IsClosed() bool {
	return o.Status == OrderStatusClosed
}

// RecomputeDerived refreshes the derived money fields after any mutation.
// profit_percent follows profit/spent, buy_price is backfilled from
// spent/quantity, gained is backfilled from spent+profit.
func (o *Order) RecomputeDerived() {
	if o.SpentBTC != nil && *o.SpentBTC > 0 && o.ProfitBTC != nil {
		pct := *o.ProfitBTC / *o.SpentBTC * 100
		o.ProfitPct = &pct
	}
	if o.BuyPrice == nil && o.Quantity != nil && *o.Quantity > 0 && o.SpentBTC != nil {
		bp := *o.SpentBTC / *o.Quantity
		o.BuyPrice = &bp
	}
	if o.GainedBTC == nil && o.SpentBTC != nil && o.ProfitBTC != nil {
		g := *o.SpentBTC + *o.ProfitBTC
		o.GainedBTC = &g
	}
}
