package models

import "time"

// StrategyPack is one numbered text blob of a bot's strategy dump. Upserted
// on (server_id, pack_number).
type StrategyPack struct {
	ServerID   int64     `json:"server_id" db:"server_id"`
	PackNumber int       `json:"pack_number" db:"pack_number"`
	Data       string    `json:"data" db:"data"`
	BotName    string    `json:"bot_name" db:"bot_name"`
	ReceivedAt time.Time `json:"received_at" db:"received_at"`
}

// ApiError is one append-only API error line reported by a bot.
type ApiError struct {
	ID         int64      `json:"id" db:"id"`
	ServerID   int64      `json:"server_id" db:"server_id"`
	BotName    string     `json:"bot_name" db:"bot_name"`
	ErrorText  string     `json:"error_text" db:"error_text"`
	ErrorTime  *time.Time `json:"error_time,omitempty" db:"error_time"`
	Symbol     string     `json:"symbol" db:"symbol"`
	ErrorCode  *int       `json:"error_code,omitempty" db:"error_code"`
	ReceivedAt time.Time  `json:"received_at" db:"received_at"`
}

// SqlCommandLog mirrors a raw SQL statement string keyed by the
// bot-supplied command id. Append-only; duplicates by command_id are
// silently ignored on flush.
type SqlCommandLog struct {
	CommandID  int64     `json:"command_id" db:"command_id"`
	ServerID   int64     `json:"server_id" db:"server_id"`
	SQLText    string    `json:"sql_text" db:"sql_text"`
	ReceivedAt time.Time `json:"received_at" db:"received_at"`
}
