package hacompat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/ksev-successor/bramble/internal/adapter"
	"github.com/ksev-successor/bramble/internal/connwatch"
	"github.com/ksev-successor/bramble/internal/metrics"
	"github.com/ksev-successor/bramble/internal/store"
)

// EntityFilter selects which entity ids to process using glob
// patterns. An empty filter matches every entity.
//
// Grounded on the teacher's internal/homeassistant EntityFilter,
// unchanged in shape.
type EntityFilter struct {
	patterns []string
	logger   *slog.Logger
}

// NewEntityFilter creates a filter from path.Match-syntax globs (e.g.
// "light.*", "binary_sensor.*door*"). A nil/empty glob list matches
// everything.
func NewEntityFilter(globs []string, logger *slog.Logger) *EntityFilter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityFilter{patterns: globs, logger: logger}
}

// Match reports whether entityID matches at least one configured glob.
func (f *EntityFilter) Match(entityID string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	for _, pat := range f.patterns {
		matched, err := path.Match(pat, entityID)
		if err != nil {
			f.logger.Debug("hacompat glob match error", "pattern", pat, "entity_id", entityID, "error", err)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// EntityRateLimiter enforces a per-entity sliding-window rate limit. A
// zero limit disables rate limiting.
//
// Grounded on the teacher's internal/homeassistant EntityRateLimiter,
// unchanged in shape.
type EntityRateLimiter struct {
	limit    int
	window   time.Duration
	mu       sync.Mutex
	counters map[string][]time.Time
}

// NewEntityRateLimiter allows at most perMinute state changes per
// entity in a rolling one-minute window; zero disables limiting.
func NewEntityRateLimiter(perMinute int) *EntityRateLimiter {
	return &EntityRateLimiter{limit: perMinute, window: time.Minute, counters: make(map[string][]time.Time)}
}

// Allow reports whether a state change for entityID should proceed.
func (r *EntityRateLimiter) Allow(entityID string) bool {
	if r.limit <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)
	timestamps := r.counters[entityID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	if len(valid) >= r.limit {
		r.counters[entityID] = valid
		return false
	}
	r.counters[entityID] = append(valid, now)
	return true
}

// Cleanup drops counters for entities whose entries have all expired,
// preventing unbounded growth for dynamically-seen entities.
func (r *EntityRateLimiter) Cleanup() {
	if r.limit <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-r.window)
	for entityID, timestamps := range r.counters {
		if len(timestamps) == 0 || timestamps[len(timestamps)-1].Before(cutoff) {
			delete(r.counters, entityID)
		}
	}
}

// Watcher is hacompat's Ingress: it drives a WSClient's subscribed
// state_changed stream through an EntityFilter and EntityRateLimiter,
// then writes each surviving state into the value store as
// ValueId(entity_id, "state").
//
// Grounded on the teacher's internal/homeassistant.StateWatcher,
// adapted to push into internal/store.Store instead of invoking a
// handler callback directly.
type Watcher struct {
	client  *WSClient
	filter  *EntityFilter
	limiter *EntityRateLimiter
	store   *store.Store
	logger  *slog.Logger
}

// NewWatcher constructs a Watcher. A nil filter matches everything; a
// nil limiter disables rate limiting.
func NewWatcher(client *WSClient, filter *EntityFilter, limiter *EntityRateLimiter, st *store.Store, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if filter == nil {
		filter = NewEntityFilter(nil, logger)
	}
	if limiter == nil {
		limiter = NewEntityRateLimiter(0)
	}
	return &Watcher{client: client, filter: filter, limiter: limiter, store: st, logger: logger}
}

func (w *Watcher) Name() string { return "hacompat" }

// Run supervises the WebSocket connection with internal/connwatch's
// exponential-backoff/periodic-poll state machine: each "probe" is a
// full connect-subscribe-and-drain-events cycle that blocks until the
// socket drops, so a poll tick is really "try to reconnect now". This
// reuses connwatch exactly as built (it has no separate lightweight
// ping) rather than hand-rolling a second backoff loop next to it.
//
// Grounded on the teacher's internal/connwatch, which the teacher used
// to supervise its own Home Assistant and Ollama dependencies the same
// way.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("hacompat watcher started")
	defer w.logger.Info("hacompat watcher stopped")

	mgr := connwatch.NewManager(w.logger)
	defer mgr.Stop()

	// ProbeTimeout bounds a single probe call, but here a probe call IS
	// the live session — give it a timeout long enough that it never
	// fires in practice rather than one sized for a quick liveness
	// check. If a session somehow outlives this, connwatch just forces
	// a reconnect, which is harmless.
	backoff := connwatch.DefaultBackoffConfig()
	backoff.ProbeTimeout = 365 * 24 * time.Hour

	mgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "hacompat",
		Probe:   w.connectAndDrain,
		Backoff: backoff,
		Logger:  w.logger,
		OnReady: func() { metrics.AdapterConnected.WithLabelValues("hacompat").Set(1) },
		OnDown:  func(error) { metrics.AdapterConnected.WithLabelValues("hacompat").Set(0) },
	})

	<-ctx.Done()
	return ctx.Err()
}

// connectAndDrain is connwatch's ProbeFunc: it ignores the probe
// timeout (a live session has no fixed duration) and instead blocks
// for as long as the connection stays up, forwarding every event to
// the store. It returns once the socket drops or ctx is cancelled, at
// which point connwatch treats the return value as the probe result
// and reconnects on its own schedule.
func (w *Watcher) connectAndDrain(ctx context.Context) error {
	if err := w.client.Connect(ctx); err != nil {
		return fmt.Errorf("hacompat: connect: %w", err)
	}
	defer w.client.Close()

	if err := w.client.Subscribe(ctx, "state_changed"); err != nil {
		return fmt.Errorf("hacompat: subscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.client.Events():
			if !ok {
				return fmt.Errorf("hacompat: event stream closed")
			}
			w.handleEvent(ev)
		}
	}
}

func (w *Watcher) handleEvent(ev Event) {
	if ev.Type != "state_changed" {
		return
	}

	var data StateChangedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		w.logger.Debug("hacompat failed to unmarshal state_changed", "error", err)
		return
	}
	if data.NewState == nil {
		return // entity removed
	}
	if !w.filter.Match(data.EntityID) {
		return
	}
	if !w.limiter.Allow(data.EntityID) {
		w.logger.Debug("hacompat rate limited state change", "entity_id", data.EntityID)
		return
	}

	id := adapter.ValueID(data.EntityID, "state")
	payload, err := json.Marshal(data.NewState.State)
	if err != nil {
		w.store.SetCurrent(id, store.Error(fmt.Sprintf("hacompat: encode state: %v", err)))
		return
	}
	w.store.SetCurrent(id, store.Ok(payload))
}
