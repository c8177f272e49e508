// Package engine wires the automation compiler/interpreter
// (internal/automation) to the value store's change stream: it
// compiles every catalog feature carrying an `automate` definition
// into a Program, tracks which value ids each Program depends on, and
// re-executes a Program whenever one of its dependencies changes,
// pushing the result back out via store.Push.
//
// No equivalent file survived retrieval in original_source — mod.rs
// (internal/automation's grounding source) compiles a Program but the
// loop driving it from the bus was in a file the retrieval filter
// dropped. This package is grounded instead on spec.md §5's
// description of the automation task ("awaits the next incoming
// change event") and on the teacher/pack's worker-over-a-subscription
// idiom (internal/store.RunVirtualLoopback in this repo; the MQTT
// adapter's runEgress).
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ksev-successor/bramble/internal/automation"
	"github.com/ksev-successor/bramble/internal/catalog"
	"github.com/ksev-successor/bramble/internal/events"
	"github.com/ksev-successor/bramble/internal/metrics"
	"github.com/ksev-successor/bramble/internal/store"
)

// Catalog is the narrow slice of *catalog.Store the engine needs. An
// interface so tests can supply automations without a real SQLite
// file.
type Catalog interface {
	ListAutomatedFeatures() ([]*catalog.Feature, error)
}

// runner is one compiled automation: its target, the program, and the
// set of value ids that should trigger re-execution.
type runner struct {
	target  store.ValueId
	program *automation.Program
	deps    map[store.ValueId]struct{}
}

// Engine holds every compiled automation and reacts to value store
// changes. The zero value is not usable; construct one with [New].
type Engine struct {
	store  *store.Store
	events *events.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	runners []*runner
	byDep   map[store.ValueId][]*runner
}

// New loads every automated feature from cat and compiles it. A
// feature whose automate payload fails to decode or compile is logged
// and skipped — one broken automation does not prevent the rest of
// the catalog from loading, the same isolate-failures policy applied
// to per-value MQTT decode errors (internal/mqttintegration).
func New(cat Catalog, st *store.Store, evBus *events.Bus, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	features, err := cat.ListAutomatedFeatures()
	if err != nil {
		return nil, fmt.Errorf("engine: list automated features: %w", err)
	}

	e := &Engine{
		store:  st,
		events: evBus,
		logger: logger,
		byDep:  make(map[store.ValueId][]*runner),
	}

	for _, f := range features {
		if err := e.compile(f); err != nil {
			logger.Error("automation compile failed", "device", f.DeviceID, "feature", f.Name, "error", err)
			metrics.ProgramsCompiledTotal.WithLabelValues("error").Inc()
			continue
		}
		metrics.ProgramsCompiledTotal.WithLabelValues("ok").Inc()
	}

	return e, nil
}

func (e *Engine) compile(f *catalog.Feature) error {
	var a automation.Automation
	if err := json.Unmarshal(f.Automate, &a); err != nil {
		return fmt.Errorf("decode automation: %w", err)
	}

	target := store.NewValueId(f.DeviceID, f.Name)
	program, deps, err := automation.Compile(a, target)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}

	r := &runner{
		target:  target,
		program: program,
		deps:    make(map[store.ValueId]struct{}, len(deps)),
	}
	for _, d := range deps {
		r.deps[d] = struct{}{}
	}

	e.mu.Lock()
	e.runners = append(e.runners, r)
	for _, d := range deps {
		e.byDep[d] = append(e.byDep[d], r)
	}
	e.mu.Unlock()

	e.publish(events.KindProgramCompiled, target, map[string]any{"dependency_count": len(deps)})
	return nil
}

// Run subscribes to the value store's incoming changes and
// re-executes every automation whose dependency set includes the
// changed value. It blocks until ctx is cancelled; run it as one
// supervised worker (internal/supervisor).
//
// All automations share one subscription and one goroutine rather
// than a supervised task per automation: supervisor.Task's
// spawn-replaces-label semantics exist for singleton workers (a
// broker connection, a restore pass), not for an arbitrarily large
// and dynamically changing set of catalog rows, so fanning those out
// as individual labels would not buy anything a plain loop doesn't
// already give.
func (e *Engine) Run(ctx context.Context) error {
	sub := e.store.Subscribe()
	defer sub.Unsubscribe()

	for {
		change, ok := sub.Recv(ctx)
		if !ok {
			return ctx.Err()
		}

		e.mu.RLock()
		affected := append([]*runner(nil), e.byDep[change.ID]...)
		e.mu.RUnlock()

		for _, r := range affected {
			e.execute(r)
		}
	}
}

// RunInitial executes every compiled automation once against the
// store's current snapshot, so automations whose dependencies were
// already set before the engine started get one pass without waiting
// for the next change.
func (e *Engine) RunInitial() {
	e.mu.RLock()
	runners := append([]*runner(nil), e.runners...)
	e.mu.RUnlock()

	for _, r := range runners {
		e.execute(r)
	}
}

func (e *Engine) execute(r *runner) {
	input := make(map[store.ValueId]store.Value, len(r.deps))
	for dep := range r.deps {
		input[dep] = e.store.Current(dep)
	}

	timer := metrics.NewTimer()
	output, err := r.program.Execute(input)
	timer.ObserveDuration(metrics.ProgramExecutionDuration)

	if err != nil {
		e.logger.Error("automation execution failed", "target", r.target.String(), "error", err)
		metrics.ProgramExecutionsTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.ProgramExecutionsTotal.WithLabelValues("ok").Inc()

	for id, v := range output {
		e.store.Push(id, v)
	}

	e.publish(events.KindProgramExecuted, r.target, map[string]any{"duration_ms": timer.Duration().Milliseconds()})
}

func (e *Engine) publish(kind string, target store.ValueId, extra map[string]any) {
	if e.events == nil {
		return
	}
	data := map[string]any{"target": target.String()}
	for k, v := range extra {
		data[k] = v
	}
	e.events.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceAutomation, Kind: kind, Data: data})
}

// Count returns the number of successfully compiled automations.
// Intended for startup logging and tests.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.runners)
}
