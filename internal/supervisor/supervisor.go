// Package supervisor implements named, replaceable background tasks
// sharing one set of runtime dependencies, plus a group that collects
// their outcomes. Grounded on original_source/backend/src/task.rs:
// Task::spawn there races a oneshot "stop" signal against the
// callback and a DashMap of running labels; a Group polls a
// FuturesUnordered of handles alongside a channel of newly spawned
// ones. Go's goroutines and context.CancelFunc give the same
// "spawning the same label again kills the old one" semantics without
// the oneshot-channel plumbing, and internal/bus gives the group a
// ready-made unbounded stream of outcomes in place of FuturesUnordered.
package supervisor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ksev-successor/bramble/internal/bus"
)

// Outcome is published to a [Group]'s outcome stream once per task
// exit, success or failure.
type Outcome struct {
	Label string
	Err   error
}

// TaskFunc is the function signature run by [Task.Spawn].
type TaskFunc[D any] func(ctx context.Context, t *Task[D]) error

// TaskArgFunc is the function signature run by [SpawnWithArgument].
type TaskArgFunc[D any, A any] func(ctx context.Context, arg A, t *Task[D]) error

// Task is handed to every running task: it carries the dependencies
// shared across the whole group (D, e.g. a catalog, a value store, an
// MQTT client) and lets a task spawn siblings into the same group.
type Task[D any] struct {
	Deps D

	logger *slog.Logger
	group  *Group[D]

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Spawn starts fn under label. If a task is already running under
// that label, it is cancelled first — spec.md's task supervisor keeps
// at most one runner per label alive at a time.
func (t *Task[D]) Spawn(ctx context.Context, label string, fn TaskFunc[D]) {
	taskCtx := t.replace(ctx, label)
	t.group.track(label, func() error {
		return fn(taskCtx, t)
	})
}

// SpawnWithArgument starts fn under label, passing arg through. It is
// a free function rather than a method because Go does not allow a
// method to introduce a new type parameter.
func SpawnWithArgument[D any, A any](t *Task[D], ctx context.Context, label string, arg A, fn TaskArgFunc[D, A]) {
	taskCtx := t.replace(ctx, label)
	t.group.track(label, func() error {
		return fn(taskCtx, arg, t)
	})
}

func (t *Task[D]) replace(ctx context.Context, label string) context.Context {
	taskCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if old, ok := t.running[label]; ok {
		old()
	}
	t.running[label] = cancel
	t.mu.Unlock()

	return taskCtx
}

// HasTask reports whether a task is currently registered under label.
func (t *Task[D]) HasTask(label string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.running[label]
	return ok
}

// Group is a collection of tasks sharing one dependency bundle D, plus
// a stream of their exit outcomes. The first task ("init") is given
// the chance to spawn the rest into the same group.
type Group[D any] struct {
	logger   *slog.Logger
	wg       sync.WaitGroup
	outcomes *bus.Topic[Outcome]
	root     *Task[D]
}

// CreateGroup builds the dependency bundle's root task and spawns fn
// as its "init" task.
func CreateGroup[D any](ctx context.Context, logger *slog.Logger, deps D, fn TaskFunc[D]) *Group[D] {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Group[D]{logger: logger, outcomes: bus.New[Outcome]()}
	t := &Task[D]{
		Deps:    deps,
		logger:  logger,
		group:   g,
		running: make(map[string]context.CancelFunc),
	}
	g.root = t

	g.track("init", func() error { return fn(ctx, t) })
	return g
}

func (g *Group[D]) track(label string, run func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		err := run()
		if err != nil {
			g.logger.Error("task failed", "task", label, "error", err)
		} else {
			g.logger.Debug("task exit", "task", label)
		}
		g.outcomes.Publish(Outcome{Label: label, Err: err})
	}()
}

// Outcomes returns a subscription to every task's exit outcome, in the
// order tasks complete. Callers interested only in failures can filter
// on Outcome.Err != nil.
func (g *Group[D]) Outcomes() *bus.Subscription[Outcome] {
	return g.outcomes.Subscribe()
}

// Wait blocks until every task spawned so far — including the init
// task and anything it (or its descendants) spawned — has returned.
// Unlike the original's Group::complete, Wait does not itself drain
// the outcome stream; subscribe with [Group.Outcomes] first if you
// need every outcome observed.
func (g *Group[D]) Wait() {
	g.wg.Wait()
}

// Root returns the group's init task, primarily so callers can check
// HasTask or spawn further tasks from outside any task callback.
func (g *Group[D]) Root() *Task[D] {
	return g.root
}
