package models

import "time"

// ListenerStatus is the persisted mirror of a listener's runtime state,
// refreshed by the status flusher at most once per flush interval.
type ListenerStatus struct {
	ServerID         int64      `json:"server_id" db:"server_id"`
	Running          bool       `json:"running" db:"running"`
	LocalPort        int        `json:"local_port" db:"local_port"`
	MessagesReceived int64      `json:"messages_received" db:"messages_received"`
	StartedAt        *time.Time `json:"started_at,omitempty" db:"started_at"`
	LastMessageAt    *time.Time `json:"last_message_at,omitempty" db:"last_message_at"`
	LastError        string     `json:"last_error" db:"last_error"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}
