package models

import "time"

// Chart is a parsed binary chart capture for one order. Identity is
// (server_id, order_db_id); the structural body is stored as JSON with a
// few denormalized summary columns.
type Chart struct {
	ServerID       int64      `json:"server_id" db:"server_id"`
	OrderDBID      int64      `json:"order_db_id" db:"order_db_id"`
	MarketName     string     `json:"market_name" db:"market_name"`
	MarketCurrency string     `json:"market_currency" db:"market_currency"`
	PumpChannel    string     `json:"pump_channel" db:"pump_channel"`
	StartTime      *time.Time `json:"start_time,omitempty" db:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty" db:"end_time"`
	SessionProfit  *float64   `json:"session_profit,omitempty" db:"session_profit"`
	Body           []byte     `json:"body" db:"body"`
	ReceivedAt     time.Time  `json:"received_at" db:"received_at"`
}
