package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ksev-successor/bramble/internal/events"
)

// missedExecutionWindow bounds how stale a task's scheduled run can be
// before Scheduler treats it as missed (and skips rather than
// catches-up) on startup.
const missedExecutionWindow = 24 * time.Hour

// ExecuteFunc re-evaluates the automation feeding the task's Target
// feature. It returns an error if the re-evaluation failed; the
// scheduler records the outcome as an Execution either way.
type ExecuteFunc func(ctx context.Context, target string) error

// Scheduler fires registered Tasks on their Schedule, driving
// ExecuteFunc and recording each firing as an Execution.
//
// Grounded on the teacher's internal/scheduler.Scheduler: same
// time.AfterFunc-per-task timer map guarded by a mutex, same
// start/stop lifecycle, same missed-execution catch-up on Start.
type Scheduler struct {
	logger  *slog.Logger
	store   *Store
	execute ExecuteFunc
	bus     *events.Bus

	mu      sync.Mutex
	timers  map[string]*time.Timer
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Scheduler. A nil logger defaults to slog.Default().
func New(store *Store, execute ExecuteFunc, bus *events.Bus, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:  logger,
		store:   store,
		execute: execute,
		bus:     bus,
		timers:  make(map[string]*time.Timer),
	}
}

// Start loads all enabled tasks, catches up on any missed executions,
// and arms a timer for each task's next run.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})

	tasks, err := s.store.ListTasks(true)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, t := range tasks {
		s.checkMissedExecution(t, now)
		s.scheduleTaskLocked(t)
	}
	return nil
}

// Stop cancels all pending timers and waits for in-flight executions
// to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// CreateTask persists a new task and, if enabled and the scheduler is
// running, arms its timer.
func (s *Scheduler) CreateTask(t *Task) error {
	if err := s.store.CreateTask(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && t.Enabled {
		s.scheduleTaskLocked(t)
	}
	return nil
}

// UpdateTask persists changes and re-arms the task's timer.
func (s *Scheduler) UpdateTask(t *Task) error {
	if err := s.store.UpdateTask(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelTimerLocked(t.ID)
	if s.running && t.Enabled {
		s.scheduleTaskLocked(t)
	}
	return nil
}

// DeleteTask cancels the task's timer and removes it from the store.
func (s *Scheduler) DeleteTask(id string) error {
	s.mu.Lock()
	s.cancelTimerLocked(id)
	s.mu.Unlock()
	return s.store.DeleteTask(id)
}

// TriggerTask fires a task immediately, out of band from its schedule.
func (s *Scheduler) TriggerTask(id string) error {
	t, err := s.store.GetTask(id)
	if err != nil {
		return err
	}
	s.fire(t)
	return nil
}

func (s *Scheduler) scheduleTaskLocked(t *Task) {
	next, ok := t.NextRun(time.Now())
	if !ok {
		return
	}
	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}
	taskID := t.ID
	s.timers[taskID] = time.AfterFunc(delay, func() { s.onTaskFire(taskID) })
}

func (s *Scheduler) cancelTimerLocked(id string) {
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) onTaskFire(id string) {
	t, err := s.store.GetTask(id)
	if err != nil {
		s.logger.Warn("scheduled task disappeared", "task_id", id, "error", err)
		return
	}

	s.fire(t)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || !t.Enabled {
		return
	}
	s.scheduleTaskLocked(t)
}

func (s *Scheduler) fire(t *Task) {
	s.wg.Add(1)
	defer s.wg.Done()

	s.publish(events.KindTaskFired, t)

	exec := &Execution{
		TaskID:      t.ID,
		ScheduledAt: time.Now().UTC(),
		Status:      StatusRunning,
	}
	started := time.Now().UTC()
	exec.StartedAt = &started
	if err := s.store.CreateExecution(exec); err != nil {
		s.logger.Error("failed to record execution start", "task_id", t.ID, "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := s.execute(ctx, t.Target)

	completed := time.Now().UTC()
	exec.CompletedAt = &completed
	if err != nil {
		exec.Status = StatusFailed
		exec.Result = err.Error()
		s.logger.Warn("task execution failed", "task_id", t.ID, "target", t.Target, "error", err)
	} else {
		exec.Status = StatusCompleted
		exec.Result = "ok"
	}
	if uerr := s.store.UpdateExecution(exec); uerr != nil {
		s.logger.Error("failed to record execution result", "task_id", t.ID, "error", uerr)
	}

	s.publish(events.KindTaskComplete, t)
}

// checkMissedExecution handles a one-shot ("at") task whose time has
// already passed at startup: more than missedExecutionWindow stale, it
// is recorded as skipped; otherwise it is fired once immediately to
// catch up. Such a task has no further run to schedule. Other schedule
// kinds are not checked and get no catch-up firing.
func (s *Scheduler) checkMissedExecution(t *Task, now time.Time) {
	if t.Schedule.Kind != ScheduleAt || t.Schedule.At == nil {
		return
	}
	if t.Schedule.At.After(now) {
		return
	}
	if now.Sub(*t.Schedule.At) > missedExecutionWindow {
		exec := &Execution{
			TaskID:      t.ID,
			ScheduledAt: *t.Schedule.At,
			Status:      StatusSkipped,
			Result:      "missed by more than 24h at startup",
		}
		if err := s.store.CreateExecution(exec); err != nil {
			s.logger.Error("failed to record skipped execution", "task_id", t.ID, "error", err)
		}
		return
	}
	s.fire(t)
}

func (s *Scheduler) publish(kind string, t *Task) {
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceScheduler,
		Kind:      kind,
		Data:      map[string]any{"task_id": t.ID, "task_name": t.Name, "target": t.Target},
	})
}

// Stats reports a lightweight snapshot for diagnostics/metrics.
func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"running":      s.running,
		"armed_timers": len(s.timers),
	}
}
