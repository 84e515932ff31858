package models

import (
	"time"

	"github.com/google/uuid"
)

// Scheduled command status values.
const (
	CommandStatusPending   = "pending"
	CommandStatusExecuting = "executing"
	CommandStatusCompleted = "completed"
	CommandStatusFailed    = "failed"
	CommandStatusCancelled = "cancelled"
)

// Scheduled command target types.
const (
	TargetTypeServers = "servers"
	TargetTypeGroups  = "groups"
)

// Recurrence types.
const (
	RecurrenceOnce       = "once"
	RecurrenceDaily      = "daily"
	RecurrenceWeekly     = "weekly"
	RecurrenceMonthly    = "monthly"
	RecurrenceWeeklyDays = "weekly_days"
)

// ScheduledCommand is a stored command batch dispatched to a set of
// endpoints at scheduled_time. scheduled_time is host-local wall clock and
// is never converted; timezone and display_time are decorative UI fields.
type ScheduledCommand struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	UserID          int64      `json:"user_id" db:"user_id"`
	Name            string     `json:"name" db:"name"`
	Commands        string     `json:"commands" db:"commands"`
	ScheduledTime   time.Time  `json:"scheduled_time" db:"scheduled_time"`
	DisplayTime     string     `json:"display_time" db:"display_time"`
	Timezone        string     `json:"timezone" db:"timezone"`
	Status          string     `json:"status" db:"status"`
	TargetType      string     `json:"target_type" db:"target_type"`
	UseBotname      bool       `json:"use_botname" db:"use_botname"`
	DelayBetween    float64    `json:"delay_between_bots" db:"delay_between_bots"`
	RecurrenceType  string     `json:"recurrence_type" db:"recurrence_type"`
	Weekdays        []int      `json:"weekdays,omitempty" db:"weekdays"`
	ErrorMessage    string     `json:"error_message" db:"error_message"`
	LastExecutedAt  *time.Time `json:"last_executed_at,omitempty" db:"last_executed_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// ScheduledCommandTarget ties a command to either one server or one named
// group; exactly one of ServerID/GroupName is set per row.
type ScheduledCommandTarget struct {
	CommandID uuid.UUID `json:"command_id" db:"command_id"`
	ServerID  *int64    `json:"server_id,omitempty" db:"server_id"`
	GroupName *string   `json:"group_name,omitempty" db:"group_name"`
}

// CommandLines splits the newline-separated command text, dropping blanks.
func (c *ScheduledCommand) CommandLines() []string {
	var lines []string
	start := 0
	for i := 0; i <= len(c.Commands); i++ {
		if i == len(c.Commands) || c.Commands[i] == '\n' {
			line := c.Commands[start:i]
			if trimmed := trimCR(line); trimmed != "" {
				lines = append(lines, trimmed)
			}
			start = i + 1
		}
	}
	return lines
}

func trimCR(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	return s
}
