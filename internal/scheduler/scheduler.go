package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

// DefaultInterval is how often the scheduler looks for due tasks.
const DefaultInterval = 60 * time.Second

// TaskStore is the persistence surface the scheduler needs.
// Satisfied by store.Store.
type TaskStore interface {
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*schema.Task, error)
	UpdateTask(ctx context.Context, id string, update store.TaskUpdate) error
}

// Publisher emits domain events. Satisfied by bus.Bus.
type Publisher interface {
	Publish(ctx context.Context, ev *schema.Event) error
}

// Scheduler polls the store for due tasks and emits their events.
type Scheduler struct {
	store    TaskStore
	bus      Publisher
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // task IDs currently emitting (dedup)
}

// NewScheduler creates a new Scheduler. interval <= 0 selects DefaultInterval.
func NewScheduler(s TaskStore, b Publisher, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		bus:      b,
		logger:   logger,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// patternParser accepts the 5-field cron patterns of recurring tasks.
var patternParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParsePattern parses a recurring pattern. Task validation and the
// scheduler share it, so a pattern accepted on create is one that fires.
func ParsePattern(pattern string) (cron.Schedule, error) {
	return patternParser.Parse(pattern)
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick emits the event of every active task that is due.
func (s *Scheduler) tick(ctx context.Context) {
	active := true
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{Active: &active})
	if err != nil {
		s.logger.Error("failed to list tasks", slog.String("error", err.Error()))
		return
	}

	now := s.now()
	for _, task := range tasks {
		if DueAt(task).After(now) {
			continue
		}
		if !s.tryAcquire(task.ID) {
			continue
		}
		if err := s.fire(ctx, task, now); err != nil {
			s.logger.Error("failed to fire task",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
		s.releaseTask(task.ID)
	}
}

// DueAt returns when task should next fire. A task with neither a next run
// nor an execution date is overdue.
func DueAt(task *schema.Task) time.Time {
	switch {
	case task.NextRunAt != nil:
		return *task.NextRunAt
	case task.ExecutionDate != nil:
		return *task.ExecutionDate
	default:
		return time.Time{}
	}
}

// fire publishes the task's event and advances its schedule. A one-shot
// task is deactivated once its event is published; a recurring task moves to
// its next cron slot whether or not publishing succeeded.
func (s *Scheduler) fire(ctx context.Context, task *schema.Task, now time.Time) error {
	s.logger.Info("firing task",
		slog.String("task_id", task.ID),
		slog.String("event", task.EventType),
	)

	pubErr := s.bus.Publish(ctx, TaskEvent(task))
	if pubErr != nil {
		s.logger.Error("task event not published",
			slog.String("task_id", task.ID),
			slog.String("error", pubErr.Error()),
		)
	}

	update := store.TaskUpdate{}
	if task.RecurringPattern != "" {
		next, err := s.CalculateNextRun(task.RecurringPattern, now)
		if err != nil {
			return fmt.Errorf("calculate next run for task %q: %w", task.ID, err)
		}
		update.NextRunAt = &next
	} else if pubErr == nil {
		inactive := false
		update.Active = &inactive
	}
	if pubErr == nil {
		update.LastRunAt = &now
	}

	if err := s.store.UpdateTask(ctx, task.ID, update); err != nil {
		return err
	}
	return pubErr
}

// TaskEvent builds the domain event a task emits.
func TaskEvent(task *schema.Task) *schema.Event {
	meta := maps.Clone(task.EventMetadata)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["taskId"] = task.ID
	return &schema.Event{
		Type:       task.EventType,
		ObjectType: task.ObjectType,
		ObjectID:   task.ObjectID,
		Metadata:   meta,
	}
}

// tryAcquire returns true and marks the task as in-flight if it is not already firing.
func (s *Scheduler) tryAcquire(taskID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[taskID]; ok {
		return false
	}
	s.inflight[taskID] = struct{}{}
	return true
}

// releaseTask removes the task from the in-flight set.
func (s *Scheduler) releaseTask(taskID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, taskID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := ParsePattern(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Prepare fills the first NextRunAt of a task about to be created.
func (s *Scheduler) Prepare(task *schema.Task) error {
	if task.NextRunAt != nil {
		return nil
	}
	if task.RecurringPattern != "" {
		next, err := s.CalculateNextRun(task.RecurringPattern, s.now())
		if err != nil {
			return err
		}
		task.NextRunAt = &next
		return nil
	}
	if task.ExecutionDate != nil {
		at := task.ExecutionDate.UTC()
		task.NextRunAt = &at
	}
	return nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed fires, once, every task whose due time passed while the
// scheduler was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	active := true
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{Active: &active})
	if err != nil {
		return fmt.Errorf("list missed tasks: %w", err)
	}

	now := s.now()
	recovered := 0
	for _, task := range tasks {
		due := DueAt(task)
		if due.IsZero() || !due.Before(now) {
			continue
		}
		if !s.tryAcquire(task.ID) {
			continue
		}
		if err := s.fire(ctx, task, now); err != nil {
			s.logger.Error("failed to recover missed task",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
			s.releaseTask(task.ID)
			continue
		}
		s.releaseTask(task.ID)
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed tasks", slog.Int("count", recovered))
	}
	return nil
}
