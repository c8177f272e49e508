package schedule

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "schedule.sqlite3"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleTask(name string) *Task {
	return &Task{
		Name:     name,
		Target:   "kitchen/lights",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleEvery, Every: &Duration{5 * time.Minute}},
	}
}

func TestNewStore_CreatesDB(t *testing.T) {
	store := newTestStore(t)
	if store.db == nil {
		t.Fatal("expected non-nil db handle")
	}
}

func TestCreateAndGetTask(t *testing.T) {
	store := newTestStore(t)
	task := sampleTask("evening-lights")

	if err := store.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.ID == "" {
		t.Fatal("expected CreateTask to mint an id")
	}

	got, err := store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Name != task.Name || got.Target != task.Target {
		t.Errorf("got task %+v, want name=%q target=%q", got, task.Name, task.Target)
	}
	if got.Schedule.Kind != ScheduleEvery || got.Schedule.Every == nil || got.Schedule.Every.Duration != 5*time.Minute {
		t.Errorf("got schedule %+v, want every=5m", got.Schedule)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetTask("nonexistent")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("GetTask() error = %v, want ErrTaskNotFound", err)
	}
}

func TestGetTaskByName_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetTaskByName("nope")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("GetTaskByName() error = %v, want ErrTaskNotFound", err)
	}
}

func TestGetTaskByName_Found(t *testing.T) {
	store := newTestStore(t)
	task := sampleTask("morning-blinds")
	if err := store.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := store.GetTaskByName("morning-blinds")
	if err != nil {
		t.Fatalf("GetTaskByName: %v", err)
	}
	if got.ID != task.ID {
		t.Errorf("got id %q, want %q", got.ID, task.ID)
	}
}

func TestGetTaskByName_DuplicateNamesReturnsError(t *testing.T) {
	store := newTestStore(t)
	a := sampleTask("duplicate")
	b := sampleTask("duplicate")
	if err := store.CreateTask(a); err != nil {
		t.Fatalf("CreateTask a: %v", err)
	}
	if err := store.CreateTask(b); err != nil {
		t.Fatalf("CreateTask b: %v", err)
	}

	_, err := store.GetTaskByName("duplicate")
	if !errors.Is(err, ErrDuplicateTaskName) {
		t.Errorf("GetTaskByName() error = %v, want ErrDuplicateTaskName", err)
	}
}

func TestListTasks_EnabledOnly(t *testing.T) {
	store := newTestStore(t)
	enabled := sampleTask("enabled-task")
	disabled := sampleTask("disabled-task")
	disabled.Enabled = false

	if err := store.CreateTask(enabled); err != nil {
		t.Fatalf("CreateTask enabled: %v", err)
	}
	if err := store.CreateTask(disabled); err != nil {
		t.Fatalf("CreateTask disabled: %v", err)
	}

	all, err := store.ListTasks(false)
	if err != nil {
		t.Fatalf("ListTasks(false): %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListTasks(false) returned %d tasks, want 2", len(all))
	}

	onlyEnabled, err := store.ListTasks(true)
	if err != nil {
		t.Fatalf("ListTasks(true): %v", err)
	}
	if len(onlyEnabled) != 1 || onlyEnabled[0].Name != "enabled-task" {
		t.Errorf("ListTasks(true) = %+v, want only enabled-task", onlyEnabled)
	}
}

func TestUpdateTask(t *testing.T) {
	store := newTestStore(t)
	task := sampleTask("to-update")
	if err := store.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	task.Target = "living_room/thermostat"
	task.Enabled = false
	if err := store.UpdateTask(task); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	got, err := store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Target != "living_room/thermostat" || got.Enabled {
		t.Errorf("got %+v, want target updated and disabled", got)
	}
}

func TestUpdateTask_NotFound(t *testing.T) {
	store := newTestStore(t)
	task := sampleTask("ghost")
	task.ID = "nonexistent"
	if err := store.UpdateTask(task); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("UpdateTask() error = %v, want ErrTaskNotFound", err)
	}
}

func TestDeleteTask(t *testing.T) {
	store := newTestStore(t)
	task := sampleTask("to-delete")
	if err := store.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := store.DeleteTask(task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := store.GetTask(task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("GetTask after delete = %v, want ErrTaskNotFound", err)
	}
}

func TestExecutionLifecycle(t *testing.T) {
	store := newTestStore(t)
	task := sampleTask("with-executions")
	if err := store.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	exec := &Execution{TaskID: task.ID, ScheduledAt: time.Now().UTC(), Status: StatusRunning}
	if err := store.CreateExecution(exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if exec.ID == "" {
		t.Fatal("expected CreateExecution to mint an id")
	}

	completed := time.Now().UTC()
	exec.CompletedAt = &completed
	exec.Status = StatusCompleted
	exec.Result = "ok"
	if err := store.UpdateExecution(exec); err != nil {
		t.Fatalf("UpdateExecution: %v", err)
	}

	list, err := store.ListExecutions(task.ID, 10)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListExecutions returned %d, want 1", len(list))
	}
	if list[0].Status != StatusCompleted || list[0].Result != "ok" {
		t.Errorf("got execution %+v, want completed/ok", list[0])
	}
}
