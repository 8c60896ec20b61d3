// Package scheduler implements the Scheduler (4.G): a 60s tick that runs
// due tasks, re-reading each row first to close the pause/cancel race, and
// advances each task's next_run using the teacher's cron-and-fake-clock
// idioms generalized to cron/interval/once schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nanoclaw/supervisor/internal/domain"
	"github.com/nanoclaw/supervisor/internal/store"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// TaskStore is the subset of store.Store the scheduler needs.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (domain.ScheduledTask, error)
	DueTasks(ctx context.Context, now time.Time) ([]domain.ScheduledTask, error)
	UpdateAfterRun(ctx context.Context, taskID string, nextRun *time.Time, summary string, status domain.RunStatus) error
	LogRun(ctx context.Context, entry domain.TaskRunLog) error
}

// SnapshotWriter writes the workspace-visible task snapshot (4.H) ahead of
// each run so the worker can see its own schedule.
type SnapshotWriter interface {
	WriteTaskSnapshot(ctx context.Context, folder string, tasks []domain.ScheduledTask) error
}

// SessionMap is the workspace->session_id map the scheduler consults for
// context_mode = group tasks.
type SessionMap interface {
	Get(workspace string) (string, bool)
	Set(workspace, sessionID string) error
}

// Runner invokes the Worker Pool for one scheduled task run.
type Runner interface {
	RunTask(ctx context.Context, task domain.ScheduledTask, sessionID string) TaskResult
}

// TaskResult is what a Runner reports back for one task execution.
type TaskResult struct {
	Success      bool
	Result       string
	NewSessionID string
	Error        string
}

// Scheduler drives the 60s tick loop.
type Scheduler struct {
	store     TaskStore
	snapshots SnapshotWriter
	sessions  SessionMap
	runner    Runner
	location  *time.Location
	logger    *log.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	now           func() time.Time
	tickerFactory func(time.Duration) schedulerTicker
}

var ErrAlreadyStarted = errors.New("scheduler already started")

func New(taskStore TaskStore, snapshots SnapshotWriter, sessions SessionMap, runner Runner, location *time.Location, logger *log.Logger) *Scheduler {
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Scheduler{
		store:     taskStore,
		snapshots: snapshots,
		sessions:  sessions,
		runner:    runner,
		location:  location,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		tickerFactory: func(interval time.Duration) schedulerTicker {
			return newRealTicker(interval)
		},
	}
}

// Start launches the tick loop at the given period (4.G: 60s, configurable).
func (s *Scheduler) Start(ctx context.Context, tickInterval time.Duration) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	ticker := s.tickerFactory(tickInterval)
	s.running = true
	s.stopCh = stopCh
	s.doneCh = doneCh
	s.mu.Unlock()

	go s.run(ctx, ticker, stopCh, doneCh)
	return nil
}

// Stop halts the tick loop and waits for the in-flight tick, if any, to
// finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.running = false
	s.stopCh = nil
	s.doneCh = nil
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (s *Scheduler) run(ctx context.Context, ticker schedulerTicker, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.Chan():
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduler pass: fetch due tasks, re-verify each is still
// active, run it, then advance its schedule.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	due, err := s.store.DueTasks(ctx, now)
	if err != nil {
		s.logger.Printf("scheduler: list due tasks: %v", err)
		return
	}

	for _, task := range due {
		s.runOne(ctx, task.ID, now)
	}
}

func (s *Scheduler) runOne(ctx context.Context, taskID string, tickTime time.Time) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Printf("scheduler: re-read task %s: %v", taskID, err)
		}
		return
	}
	if task.Status != domain.TaskActive {
		// paused or cancelled between DueTasks and now: skip silently.
		return
	}

	if s.snapshots != nil {
		if err := s.snapshots.WriteTaskSnapshot(ctx, task.Folder, []domain.ScheduledTask{task}); err != nil {
			s.logger.Printf("scheduler: write task snapshot for %s: %v", task.Folder, err)
		}
	}

	var sessionID string
	if task.ContextMode == domain.ContextGroup && s.sessions != nil {
		sessionID, _ = s.sessions.Get(task.Folder)
	}

	start := s.now()
	result := s.runner.RunTask(ctx, task, sessionID)
	completedAt := s.now()
	duration := completedAt.Sub(start)

	if result.Success && result.NewSessionID != "" && s.sessions != nil {
		if err := s.sessions.Set(task.Folder, result.NewSessionID); err != nil {
			s.logger.Printf("scheduler: persist session id for %s: %v", task.Folder, err)
		}
	}

	runStatus := domain.RunSuccess
	summary := result.Result
	if !result.Success {
		runStatus = domain.RunError
		summary = result.Error
	}

	nextRun, err := computeNextRun(task, completedAt, s.location)
	if err != nil {
		s.logger.Printf("scheduler: compute next run for %s: %v", task.ID, err)
	}

	if err := s.store.LogRun(ctx, domain.TaskRunLog{
		TaskID:     task.ID,
		RunAt:      tickTime,
		DurationMS: duration.Milliseconds(),
		Status:     runStatus,
		Result:     summary,
		Error:      result.Error,
	}); err != nil {
		s.logger.Printf("scheduler: log run for %s: %v", task.ID, err)
	}

	if err := s.store.UpdateAfterRun(ctx, task.ID, nextRun, domain.TruncateResult(summary), runStatus); err != nil {
		s.logger.Printf("scheduler: update after run for %s: %v", task.ID, err)
	}
}

// computeNextRun implements 4.G step 6: cron advances to the next
// expression occurrence in the task's configured timezone, interval adds
// a fixed duration, once always yields nil (task completes). from must be
// the run's completion instant, not when it was picked up by Tick --
// spec.md requires next_run to be the first occurrence strictly after the
// run finishes, and a long-running task can take long enough for that to
// differ from its tick time.
func computeNextRun(task domain.ScheduledTask, from time.Time, loc *time.Location) (*time.Time, error) {
	switch task.ScheduleType {
	case domain.ScheduleCron:
		sched, err := cronParser.Parse(task.ScheduleValue)
		if err != nil {
			return nil, fmt.Errorf("parse cron expression %q: %w", task.ScheduleValue, err)
		}
		next := sched.Next(from.In(loc)).UTC()
		return &next, nil
	case domain.ScheduleInterval:
		ms, err := parsePositiveMillis(task.ScheduleValue)
		if err != nil {
			return nil, fmt.Errorf("parse interval %q: %w", task.ScheduleValue, err)
		}
		next := from.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil
	case domain.ScheduleOnce:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", task.ScheduleType)
	}
}

func parsePositiveMillis(raw string) (int64, error) {
	var ms int64
	if _, err := fmt.Sscanf(raw, "%d", &ms); err != nil {
		return 0, err
	}
	if ms <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %d", ms)
	}
	return ms, nil
}
