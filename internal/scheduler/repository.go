package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/irfndi/botfleet-go/internal/models"
)

// DB is the slice of pgxpool.Pool the repository needs; pgxmock
// satisfies it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Repository is the scheduler's persistence surface.
type Repository interface {
	NextPending(ctx context.Context) (*models.ScheduledCommand, error)
	Get(ctx context.Context, id uuid.UUID) (*models.ScheduledCommand, error)
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
	Finish(ctx context.Context, id uuid.UUID, status, errorMessage string, at time.Time) error
	Reschedule(ctx context.Context, id uuid.UUID, next time.Time) error
	Targets(ctx context.Context, id uuid.UUID) ([]models.ScheduledCommandTarget, error)
	ServerIDsInGroup(ctx context.Context, group string) ([]int64, error)
	BotName(ctx context.Context, serverID int64) (string, error)
}

const commandColumns = `id, user_id, name, commands, scheduled_time, display_time, timezone,
	status, target_type, use_botname, delay_between_bots, recurrence_type, weekdays,
	error_message, last_executed_at, created_at, updated_at`

// PgxRepository backs the scheduler with postgres.
type PgxRepository struct {
	db DB
}

func NewPgxRepository(db DB) *PgxRepository {
	return &PgxRepository{db: db}
}

// NextPending returns the earliest pending command, or nil when the
// queue is empty.
func (r *PgxRepository) NextPending(ctx context.Context) (*models.ScheduledCommand, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+commandColumns+`
		FROM scheduled_commands
		WHERE status = 'pending'
		ORDER BY scheduled_time ASC
		LIMIT 1`)
	return scanCommand(row)
}

func (r *PgxRepository) Get(ctx context.Context, id uuid.UUID) (*models.ScheduledCommand, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+commandColumns+`
		FROM scheduled_commands
		WHERE id = $1`, id)
	return scanCommand(row)
}

func (r *PgxRepository) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE scheduled_commands SET status = $2, updated_at = NOW()
		WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to set command status: %w", err)
	}
	return nil
}

// Finish records the execution outcome.
func (r *PgxRepository) Finish(ctx context.Context, id uuid.UUID, status, errorMessage string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE scheduled_commands
		SET status = $2, error_message = $3, last_executed_at = $4, updated_at = NOW()
		WHERE id = $1`, id, status, errorMessage, at)
	if err != nil {
		return fmt.Errorf("failed to finish command: %w", err)
	}
	return nil
}

// Reschedule re-arms a recurring command for its next run.
func (r *PgxRepository) Reschedule(ctx context.Context, id uuid.UUID, next time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE scheduled_commands
		SET status = 'pending', scheduled_time = $2, updated_at = NOW()
		WHERE id = $1`, id, next)
	if err != nil {
		return fmt.Errorf("failed to reschedule command: %w", err)
	}
	return nil
}

func (r *PgxRepository) Targets(ctx context.Context, id uuid.UUID) ([]models.ScheduledCommandTarget, error) {
	rows, err := r.db.Query(ctx, `
		SELECT command_id, server_id, group_name
		FROM scheduled_command_targets
		WHERE command_id = $1
		ORDER BY server_id NULLS LAST, group_name`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load command targets: %w", err)
	}
	defer rows.Close()

	var targets []models.ScheduledCommandTarget
	for rows.Next() {
		var t models.ScheduledCommandTarget
		if err := rows.Scan(&t.CommandID, &t.ServerID, &t.GroupName); err != nil {
			return nil, fmt.Errorf("failed to scan command target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (r *PgxRepository) ServerIDsInGroup(ctx context.Context, group string) ([]int64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id FROM servers
		WHERE group_name = $1 AND is_active = true
		ORDER BY id`, group)
	if err != nil {
		return nil, fmt.Errorf("failed to load group members: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan group member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// BotName returns the bot name last reported by the endpoint, empty when
// none was seen yet.
func (r *PgxRepository) BotName(ctx context.Context, serverID int64) (string, error) {
	var name *string
	err := r.db.QueryRow(ctx, `
		SELECT bot_name FROM balances WHERE server_id = $1`, serverID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load bot name: %w", err)
	}
	if name == nil {
		return "", nil
	}
	return *name, nil
}

func scanCommand(row pgx.Row) (*models.ScheduledCommand, error) {
	var cmd models.ScheduledCommand
	var weekdays []int32
	err := row.Scan(&cmd.ID, &cmd.UserID, &cmd.Name, &cmd.Commands, &cmd.ScheduledTime,
		&cmd.DisplayTime, &cmd.Timezone, &cmd.Status, &cmd.TargetType, &cmd.UseBotname,
		&cmd.DelayBetween, &cmd.RecurrenceType, &weekdays, &cmd.ErrorMessage,
		&cmd.LastExecutedAt, &cmd.CreatedAt, &cmd.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan scheduled command: %w", err)
	}
	for _, d := range weekdays {
		cmd.Weekdays = append(cmd.Weekdays, int(d))
	}
	return &cmd, nil
}
