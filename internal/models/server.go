package models

import "time"

// Server is a registered bot endpoint reachable over UDP.
type Server struct {
	ID               int64     `json:"id" db:"id"`
	UserID           int64     `json:"user_id" db:"user_id"`
	Host             string    `json:"host" db:"host"`
	Port             int       `json:"port" db:"port"`
	Password         string    `json:"-" db:"password"`
	KeepaliveEnabled bool      `json:"keepalive_enabled" db:"keepalive_enabled"`
	IsActive         bool      `json:"is_active" db:"is_active"`
	IsLocalhost      bool      `json:"is_localhost" db:"is_localhost"`
	DefaultCurrency  string    `json:"default_currency" db:"default_currency"`
	GroupName        string    `json:"group_name" db:"group_name"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}
