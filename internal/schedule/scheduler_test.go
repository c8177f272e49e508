package schedule

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ksev-successor/bramble/internal/events"
)

func newTestScheduler(t *testing.T, execute ExecuteFunc) (*Scheduler, *Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "schedule.sqlite3"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	s := New(store, execute, events.New(), nil)
	return s, store
}

func TestScheduler_FiresAtDue(t *testing.T) {
	var mu sync.Mutex
	var fired []string

	s, store := newTestScheduler(t, func(ctx context.Context, target string) error {
		mu.Lock()
		fired = append(fired, target)
		mu.Unlock()
		return nil
	})

	due := time.Now().Add(50 * time.Millisecond)
	task := &Task{Name: "one-shot", Target: "porch/light", Enabled: true, Schedule: Schedule{Kind: ScheduleAt, At: &due}}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(fired)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for task to fire")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0] != "porch/light" {
		t.Errorf("fired = %v, want [porch/light]", fired)
	}

	execs, err := store.ListExecutions(task.ID, 10)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 1 || execs[0].Status != StatusCompleted {
		t.Errorf("executions = %+v, want one completed", execs)
	}
}

func TestScheduler_RecordsFailure(t *testing.T) {
	s, store := newTestScheduler(t, func(ctx context.Context, target string) error {
		return context.DeadlineExceeded
	})

	due := time.Now().Add(20 * time.Millisecond)
	task := &Task{Name: "failing", Target: "attic/fan", Enabled: true, Schedule: Schedule{Kind: ScheduleAt, At: &due}}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for {
		execs, err := store.ListExecutions(task.ID, 10)
		if err != nil {
			t.Fatalf("ListExecutions: %v", err)
		}
		if len(execs) == 1 {
			if execs[0].Status != StatusFailed {
				t.Errorf("status = %v, want failed", execs[0].Status)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for execution record")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestScheduler_TriggerTaskOutOfBand(t *testing.T) {
	var mu sync.Mutex
	var fired int

	s, _ := newTestScheduler(t, func(ctx context.Context, target string) error {
		mu.Lock()
		fired++
		mu.Unlock()
		return nil
	})

	far := time.Now().Add(time.Hour)
	task := &Task{Name: "far-future", Target: "garage/door", Enabled: true, Schedule: Schedule{Kind: ScheduleAt, At: &far}}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if err := s.TriggerTask(task.ID); err != nil {
		t.Fatalf("TriggerTask: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Errorf("fired = %d, want 1", fired)
	}
}

func TestScheduler_MissedAtTaskSkippedWhenStale(t *testing.T) {
	s, store := newTestScheduler(t, func(ctx context.Context, target string) error {
		return nil
	})

	stale := time.Now().Add(-48 * time.Hour)
	task := &Task{Name: "stale", Target: "shed/light", Enabled: true, Schedule: Schedule{Kind: ScheduleAt, At: &stale}}
	if err := store.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	execs, err := store.ListExecutions(task.ID, 10)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 1 || execs[0].Status != StatusSkipped {
		t.Errorf("executions = %+v, want one skipped", execs)
	}
}

func TestTask_NextRun_Every(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	task := &Task{CreatedAt: created, Schedule: Schedule{Kind: ScheduleEvery, Every: &Duration{10 * time.Minute}}}

	after := created.Add(25 * time.Minute)
	next, ok := task.NextRun(after)
	if !ok {
		t.Fatal("expected NextRun to report a future run")
	}
	want := created.Add(30 * time.Minute)
	if !next.Equal(want) {
		t.Errorf("NextRun = %v, want %v", next, want)
	}
}

func TestTask_NextRun_AtPastReturnsFalse(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	task := &Task{Schedule: Schedule{Kind: ScheduleAt, At: &past}}
	if _, ok := task.NextRun(time.Now()); ok {
		t.Error("expected NextRun to report no future run for a past one-shot")
	}
}
