package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/botfleet-go/internal/models"
)

type sentCommand struct {
	serverID int64
	command  string
	at       time.Time
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentCommand
	fail bool
}

func (s *fakeSender) Send(serverID int64, command string) error {
	if s.fail {
		return errors.New("no active listener")
	}
	s.mu.Lock()
	s.sent = append(s.sent, sentCommand{serverID: serverID, command: command, at: time.Now()})
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) all() []sentCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentCommand(nil), s.sent...)
}

type fakeRepo struct {
	mu            sync.Mutex
	cmd           *models.ScheduledCommand
	targets       []models.ScheduledCommandTarget
	groups        map[string][]int64
	botNames      map[int64]string
	statuses      []string
	finishStatus  string
	finishErrMsg  string
	rescheduledTo *time.Time
}

func (r *fakeRepo) NextPending(ctx context.Context) (*models.ScheduledCommand, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd == nil || r.cmd.Status != models.CommandStatusPending {
		return nil, nil
	}
	c := *r.cmd
	return &c, nil
}

func (r *fakeRepo) Get(ctx context.Context, id uuid.UUID) (*models.ScheduledCommand, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd == nil || r.cmd.ID != id {
		return nil, nil
	}
	c := *r.cmd
	return &c, nil
}

func (r *fakeRepo) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	r.cmd.Status = status
	return nil
}

func (r *fakeRepo) Finish(ctx context.Context, id uuid.UUID, status, errorMessage string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	r.finishStatus = status
	r.finishErrMsg = errorMessage
	r.cmd.Status = status
	r.cmd.LastExecutedAt = &at
	return nil
}

func (r *fakeRepo) Reschedule(ctx context.Context, id uuid.UUID, next time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rescheduledTo = &next
	r.cmd.Status = models.CommandStatusPending
	r.cmd.ScheduledTime = next
	return nil
}

func (r *fakeRepo) Targets(ctx context.Context, id uuid.UUID) ([]models.ScheduledCommandTarget, error) {
	return r.targets, nil
}

func (r *fakeRepo) ServerIDsInGroup(ctx context.Context, group string) ([]int64, error) {
	return r.groups[group], nil
}

func (r *fakeRepo) BotName(ctx context.Context, serverID int64) (string, error) {
	return r.botNames[serverID], nil
}

func serverTargets(id uuid.UUID, servers ...int64) []models.ScheduledCommandTarget {
	var targets []models.ScheduledCommandTarget
	for _, s := range servers {
		sid := s
		targets = append(targets, models.ScheduledCommandTarget{CommandID: id, ServerID: &sid})
	}
	return targets
}

func nightReset() *models.ScheduledCommand {
	return &models.ScheduledCommand{
		ID:             uuid.New(),
		Name:           "NightReset",
		Commands:       "SellALL\nSTOP",
		ScheduledTime:  time.Now().Add(-time.Second),
		Status:         models.CommandStatusPending,
		TargetType:     models.TargetTypeServers,
		RecurrenceType: models.RecurrenceDaily,
	}
}

func newTestScheduler(repo *fakeRepo, sender Sender) *Scheduler {
	return New(repo, sender, nil, Options{PollInterval: 10 * time.Millisecond})
}

func TestExecuteFanOutOrder(t *testing.T) {
	cmd := nightReset()
	cmd.DelayBetween = 0.02
	before := cmd.ScheduledTime
	repo := &fakeRepo{cmd: cmd, targets: serverTargets(cmd.ID, 1, 2, 3)}
	sender := &fakeSender{}
	s := newTestScheduler(repo, sender)

	s.execute(context.Background(), cmd.ID)

	sent := sender.all()
	require.Len(t, sent, 6)
	want := []sentCommand{
		{serverID: 1, command: "SellALL"}, {serverID: 1, command: "STOP"},
		{serverID: 2, command: "SellALL"}, {serverID: 2, command: "STOP"},
		{serverID: 3, command: "SellALL"}, {serverID: 3, command: "STOP"},
	}
	for i, w := range want {
		assert.Equal(t, w.serverID, sent[i].serverID, "send %d", i)
		assert.Equal(t, w.command, sent[i].command, "send %d", i)
	}
	// The pause sits between endpoints, not between lines.
	assert.Less(t, sent[1].at.Sub(sent[0].at), 20*time.Millisecond)
	assert.GreaterOrEqual(t, sent[2].at.Sub(sent[1].at), 20*time.Millisecond)

	assert.Equal(t, []string{models.CommandStatusExecuting, models.CommandStatusCompleted}, repo.statuses)
	require.NotNil(t, repo.rescheduledTo)
	assert.Equal(t, before.Add(24*time.Hour), *repo.rescheduledTo)
	assert.Equal(t, models.CommandStatusPending, repo.cmd.Status)
}

func TestExecuteBotnamePrefix(t *testing.T) {
	cmd := nightReset()
	cmd.Commands = "SellALL"
	cmd.UseBotname = true
	repo := &fakeRepo{
		cmd:      cmd,
		targets:  serverTargets(cmd.ID, 1, 2),
		botNames: map[int64]string{1: "AlphaBot"},
	}
	sender := &fakeSender{}
	newTestScheduler(repo, sender).execute(context.Background(), cmd.ID)

	sent := sender.all()
	require.Len(t, sent, 2)
	assert.Equal(t, "AlphaBot:SellALL", sent[0].command)
	// No name on record yet: the command goes out bare.
	assert.Equal(t, "SellALL", sent[1].command)
}

func TestExecuteGroupTargets(t *testing.T) {
	cmd := nightReset()
	cmd.Commands = "STOP"
	cmd.TargetType = models.TargetTypeGroups
	group := "scalpers"
	repo := &fakeRepo{
		cmd:     cmd,
		targets: []models.ScheduledCommandTarget{{CommandID: cmd.ID, GroupName: &group}},
		groups:  map[string][]int64{"scalpers": {4, 5}},
	}
	sender := &fakeSender{}
	newTestScheduler(repo, sender).execute(context.Background(), cmd.ID)

	sent := sender.all()
	require.Len(t, sent, 2)
	assert.Equal(t, int64(4), sent[0].serverID)
	assert.Equal(t, int64(5), sent[1].serverID)
}

func TestExecuteDeduplicatesOverlappingTargets(t *testing.T) {
	cmd := nightReset()
	cmd.Commands = "STOP"
	group := "all"
	sid := int64(4)
	repo := &fakeRepo{
		cmd: cmd,
		targets: []models.ScheduledCommandTarget{
			{CommandID: cmd.ID, ServerID: &sid},
			{CommandID: cmd.ID, GroupName: &group},
		},
		groups: map[string][]int64{"all": {4, 5}},
	}
	sender := &fakeSender{}
	newTestScheduler(repo, sender).execute(context.Background(), cmd.ID)

	require.Len(t, sender.all(), 2) // 4 once, then 5
}

func TestExecuteFailureMarksFailedAndStillRecurs(t *testing.T) {
	cmd := nightReset()
	repo := &fakeRepo{cmd: cmd, targets: serverTargets(cmd.ID, 1)}
	sender := &fakeSender{fail: true}
	newTestScheduler(repo, sender).execute(context.Background(), cmd.ID)

	assert.Equal(t, models.CommandStatusFailed, repo.finishStatus)
	assert.Contains(t, repo.finishErrMsg, "no active listener")
	require.NotNil(t, repo.rescheduledTo)
	assert.Equal(t, models.CommandStatusPending, repo.cmd.Status)
}

func TestExecuteNoTargetsFails(t *testing.T) {
	cmd := nightReset()
	repo := &fakeRepo{cmd: cmd}
	sender := &fakeSender{}
	newTestScheduler(repo, sender).execute(context.Background(), cmd.ID)

	assert.Equal(t, models.CommandStatusFailed, repo.finishStatus)
	assert.Empty(t, sender.all())
}

func TestExecuteSkipsNonPending(t *testing.T) {
	cmd := nightReset()
	cmd.Status = models.CommandStatusCancelled
	repo := &fakeRepo{cmd: cmd, targets: serverTargets(cmd.ID, 1)}
	sender := &fakeSender{}
	newTestScheduler(repo, sender).execute(context.Background(), cmd.ID)

	assert.Empty(t, sender.all())
	assert.Empty(t, repo.statuses)
}

func TestExecuteOnceDoesNotRecur(t *testing.T) {
	cmd := nightReset()
	cmd.RecurrenceType = models.RecurrenceOnce
	repo := &fakeRepo{cmd: cmd, targets: serverTargets(cmd.ID, 1)}
	sender := &fakeSender{}
	newTestScheduler(repo, sender).execute(context.Background(), cmd.ID)

	assert.Equal(t, models.CommandStatusCompleted, repo.cmd.Status)
	assert.Nil(t, repo.rescheduledTo)
}

func TestTickWaitsForFutureCommand(t *testing.T) {
	cmd := nightReset()
	cmd.ScheduledTime = time.Now().Add(10 * time.Minute)
	repo := &fakeRepo{cmd: cmd, targets: serverTargets(cmd.ID, 1)}
	sender := &fakeSender{}
	s := newTestScheduler(repo, sender)

	sleep := s.tick(context.Background())
	assert.Equal(t, time.Second, sleep)
	assert.Empty(t, sender.all())
	assert.Empty(t, repo.statuses)
}

func TestTickIdleQueue(t *testing.T) {
	s := newTestScheduler(&fakeRepo{}, &fakeSender{})
	assert.Equal(t, s.poll, s.tick(context.Background()))
}

func TestTickPaused(t *testing.T) {
	cmd := nightReset()
	repo := &fakeRepo{cmd: cmd, targets: serverTargets(cmd.ID, 1)}
	sender := &fakeSender{}
	s := newTestScheduler(repo, sender)
	s.SetEnabled(false)

	assert.Equal(t, s.poll, s.tick(context.Background()))
	assert.Empty(t, sender.all())
	assert.False(t, s.Enabled())
}

type countingPruner struct{ calls int }

func (p *countingPruner) Prune() { p.calls++ }

func TestTickPrunesOnInterval(t *testing.T) {
	pruner := &countingPruner{}
	s := New(&fakeRepo{}, &fakeSender{}, pruner, Options{
		PollInterval:     10 * time.Millisecond,
		LogPruneInterval: time.Millisecond,
	})
	s.lastPrune = time.Now().Add(-time.Second)

	s.tick(context.Background())
	assert.Equal(t, 1, pruner.calls)

	// Interval not yet elapsed again right after a prune.
	s.lastPrune = time.Now().Add(time.Hour)
	s.tick(context.Background())
	assert.Equal(t, 1, pruner.calls)
}

func TestSchedulerLoopExecutesDueCommand(t *testing.T) {
	cmd := nightReset()
	repo := &fakeRepo{cmd: cmd, targets: serverTargets(cmd.ID, 1)}
	sender := &fakeSender{}
	s := newTestScheduler(repo, sender)

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return len(sender.all()) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestClampSleep(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, clampSleep(50*time.Millisecond))
	assert.Equal(t, 100*time.Millisecond, clampSleep(150*time.Millisecond))
	assert.Equal(t, 400*time.Millisecond, clampSleep(500*time.Millisecond))
	assert.Equal(t, time.Second, clampSleep(time.Minute))
}

func TestNextRun(t *testing.T) {
	base := time.Date(2024, 3, 10, 2, 0, 0, 0, time.Local)
	cases := []struct {
		name       string
		recurrence string
		weekdays   []int
		scheduled  time.Time
		want       *time.Time
	}{
		{name: "once", recurrence: models.RecurrenceOnce, scheduled: base, want: nil},
		{name: "daily", recurrence: models.RecurrenceDaily, scheduled: base,
			want: tptr(time.Date(2024, 3, 11, 2, 0, 0, 0, time.Local))},
		{name: "weekly", recurrence: models.RecurrenceWeekly, scheduled: base,
			want: tptr(time.Date(2024, 3, 17, 2, 0, 0, 0, time.Local))},
		{name: "monthly", recurrence: models.RecurrenceMonthly, scheduled: base,
			want: tptr(time.Date(2024, 4, 10, 2, 0, 0, 0, time.Local))},
		{name: "monthly clamps to shorter month", recurrence: models.RecurrenceMonthly,
			scheduled: time.Date(2024, 1, 31, 9, 0, 0, 0, time.Local),
			want:      tptr(time.Date(2024, 2, 29, 9, 0, 0, 0, time.Local))},
		{name: "weekly_days empty set", recurrence: models.RecurrenceWeeklyDays,
			scheduled: base, want: nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := &models.ScheduledCommand{
				RecurrenceType: tc.recurrence,
				Weekdays:       tc.weekdays,
				ScheduledTime:  tc.scheduled,
			}
			got := NextRun(cmd)
			if tc.want == nil {
				assert.Nil(t, got)
			} else {
				require.NotNil(t, got)
				assert.Equal(t, *tc.want, *got)
			}
		})
	}
}

func TestNextRunWeekdaySequence(t *testing.T) {
	// Monday 09:00 with Mon/Wed/Fri cycles Mon -> Wed -> Fri -> Mon.
	monday := time.Date(2024, 3, 11, 9, 0, 0, 0, time.Local)
	require.Equal(t, time.Monday, monday.Weekday())
	cmd := &models.ScheduledCommand{
		RecurrenceType: models.RecurrenceWeeklyDays,
		Weekdays:       []int{0, 2, 4},
		ScheduledTime:  monday,
	}

	var got []time.Time
	for i := 0; i < 3; i++ {
		next := NextRun(cmd)
		require.NotNil(t, next)
		got = append(got, *next)
		cmd.ScheduledTime = *next
	}

	assert.Equal(t, time.Wednesday, got[0].Weekday())
	assert.Equal(t, time.Friday, got[1].Weekday())
	assert.Equal(t, time.Monday, got[2].Weekday())
	for i, next := range got {
		assert.Equal(t, 9, next.Hour(), fmt.Sprintf("run %d keeps wall-clock time", i))
		assert.Equal(t, 0, next.Minute())
	}
	assert.Equal(t, monday.AddDate(0, 0, 7), got[2])
}

func tptr(t time.Time) *time.Time { return &t }
