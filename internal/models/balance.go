package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is the latest reported account balance for a server, one row per
// server_id.
type Balance struct {
	ServerID  int64           `json:"server_id" db:"server_id"`
	Available decimal.Decimal `json:"available" db:"available"`
	Total     decimal.Decimal `json:"total" db:"total"`
	BotName   string          `json:"bot_name" db:"bot_name"`
	IsRunning *bool           `json:"is_running,omitempty" db:"is_running"`
	Version   string          `json:"version" db:"version"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}
