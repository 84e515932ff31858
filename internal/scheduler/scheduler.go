// Package scheduler runs stored command batches against bot endpoints at
// their scheduled times and advances recurrence.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/botfleet-go/internal/models"
)

// Sender delivers one signed command to one endpoint.
type Sender interface {
	Send(serverID int64, command string) error
}

// LogPruner is the hourly log-retention hook.
type LogPruner interface {
	Prune()
}

const (
	waitLogInterval  = 30 * time.Second
	pauseLogInterval = 60 * time.Second
)

type Options struct {
	PollInterval     time.Duration
	LogPruneInterval time.Duration
}

// Scheduler is a single cooperative loop: one pending command at a time,
// earliest scheduled_time first.
type Scheduler struct {
	repo    Repository
	sender  Sender
	pruner  LogPruner
	poll    time.Duration
	pruneIv time.Duration

	enabled atomic.Bool

	// Loop-local bookkeeping, touched only by run().
	lastWaitLog  time.Time
	lastPauseLog time.Time
	lastPrune    time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(repo Repository, sender Sender, pruner LogPruner, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.LogPruneInterval <= 0 {
		opts.LogPruneInterval = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		repo:      repo,
		sender:    sender,
		pruner:    pruner,
		poll:      opts.PollInterval,
		pruneIv:   opts.LogPruneInterval,
		lastPrune: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.enabled.Store(true)
	return s
}

// SetEnabled pauses or resumes execution without stopping the loop.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
}

func (s *Scheduler) Enabled() bool { return s.enabled.Load() }

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	logrus.WithField("poll_interval", s.poll).Info("Scheduler started")
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	logrus.Info("Scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		sleep := s.tick(s.ctx)
		if sleep <= 0 {
			sleep = time.Millisecond
		}
		timer := time.NewTimer(sleep)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// tick does one unit of work and returns how long to sleep before the
// next one.
func (s *Scheduler) tick(ctx context.Context) time.Duration {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("panic", r).Error("Scheduler tick panicked")
		}
	}()

	if !s.enabled.Load() {
		if time.Since(s.lastPauseLog) >= pauseLogInterval {
			s.lastPauseLog = time.Now()
			logrus.Info("Scheduler is paused")
		}
		return s.poll
	}

	if s.pruner != nil && time.Since(s.lastPrune) >= s.pruneIv {
		s.lastPrune = time.Now()
		s.pruner.Prune()
	}

	cmd, err := s.repo.NextPending(ctx)
	if err != nil {
		logrus.WithError(err).Error("Failed to poll scheduled commands")
		return s.poll
	}
	if cmd == nil {
		return s.poll
	}

	if wait := time.Until(cmd.ScheduledTime); wait > 0 {
		if time.Since(s.lastWaitLog) >= waitLogInterval {
			s.lastWaitLog = time.Now()
			logrus.WithFields(logrus.Fields{
				"command": cmd.Name,
				"in":      wait.Round(time.Second),
			}).Info("Next scheduled command")
		}
		return clampSleep(wait)
	}

	s.execute(ctx, cmd.ID)
	return 0
}

// clampSleep keeps the poll responsive to cancellation while waking just
// before the due time.
func clampSleep(wait time.Duration) time.Duration {
	d := wait - 100*time.Millisecond
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	if d > time.Second {
		d = time.Second
	}
	return d
}

// execute re-reads the row, guards against concurrent state changes, runs
// the fan-out and advances recurrence.
func (s *Scheduler) execute(ctx context.Context, id uuid.UUID) {
	cmd, err := s.repo.Get(ctx, id)
	if err != nil {
		logrus.WithError(err).Error("Failed to re-read scheduled command")
		return
	}
	if cmd == nil || cmd.Status != models.CommandStatusPending {
		return
	}

	if err := s.repo.SetStatus(ctx, cmd.ID, models.CommandStatusExecuting); err != nil {
		logrus.WithError(err).WithField("command", cmd.Name).Error("Failed to mark command executing")
		return
	}

	execErr := s.fanOut(ctx, cmd)
	now := time.Now()
	status := models.CommandStatusCompleted
	errMsg := ""
	if execErr != nil {
		status = models.CommandStatusFailed
		errMsg = execErr.Error()
		logrus.WithError(execErr).WithField("command", cmd.Name).Error("Scheduled command failed")
	} else {
		logrus.WithField("command", cmd.Name).Info("Scheduled command completed")
	}
	if err := s.repo.Finish(ctx, cmd.ID, status, errMsg, now); err != nil {
		logrus.WithError(err).WithField("command", cmd.Name).Error("Failed to record command outcome")
	}

	// Recurrence advances regardless of the execution outcome.
	if next := NextRun(cmd); next != nil {
		if err := s.repo.Reschedule(ctx, cmd.ID, *next); err != nil {
			logrus.WithError(err).WithField("command", cmd.Name).Error("Failed to reschedule command")
		}
	}
}

// fanOut sends every command line to every resolved endpoint, in target
// order, pausing delay_between_bots between endpoints.
func (s *Scheduler) fanOut(ctx context.Context, cmd *models.ScheduledCommand) error {
	servers, err := s.resolveServers(ctx, cmd)
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		return fmt.Errorf("command %q has no resolvable targets", cmd.Name)
	}

	lines := cmd.CommandLines()
	delay := time.Duration(cmd.DelayBetween * float64(time.Second))

	for i, serverID := range servers {
		if i > 0 && delay > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		}
		prefix := ""
		if cmd.UseBotname {
			name, err := s.repo.BotName(ctx, serverID)
			if err != nil {
				return err
			}
			if name != "" {
				prefix = name + ":"
			}
		}
		for _, line := range lines {
			if err := s.sender.Send(serverID, prefix+line); err != nil {
				return fmt.Errorf("send to server %d: %w", serverID, err)
			}
		}
	}
	return nil
}

func (s *Scheduler) resolveServers(ctx context.Context, cmd *models.ScheduledCommand) ([]int64, error) {
	targets, err := s.repo.Targets(ctx, cmd.ID)
	if err != nil {
		return nil, err
	}

	var servers []int64
	seen := make(map[int64]bool)
	add := func(id int64) {
		if !seen[id] {
			seen[id] = true
			servers = append(servers, id)
		}
	}
	for _, t := range targets {
		switch {
		case t.ServerID != nil:
			add(*t.ServerID)
		case t.GroupName != nil:
			members, err := s.repo.ServerIDsInGroup(ctx, *t.GroupName)
			if err != nil {
				return nil, err
			}
			for _, id := range members {
				add(id)
			}
		}
	}
	return servers, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
