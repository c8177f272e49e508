// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (value store, automation
// engine, adapters, scheduler, config loader) to whoever subscribes;
// internal/metrics is updated directly by those components, not through
// this bus. The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceStore identifies events from the value store.
	SourceStore = "store"
	// SourceAutomation identifies events from the automation engine.
	SourceAutomation = "automation"
	// SourceAdapter identifies events from an integration adapter
	// (MQTT, Home Assistant).
	SourceAdapter = "adapter"
	// SourceScheduler identifies events from the task scheduler.
	SourceScheduler = "scheduler"
	// SourceConfig identifies events from the config loader.
	SourceConfig = "config"
)

// Kind constants describe the type of event within a source.
const (
	// KindIncoming signals a value store change. Data: value_id, ok,
	// error.
	KindIncoming = "incoming"
	// KindOutgoing signals a value store push. Data: value_id.
	KindOutgoing = "outgoing"
	// KindDeviceChanged signals a device's set of features changed.
	// Data: device_id.
	KindDeviceChanged = "device_changed"

	// KindProgramCompiled signals an automation finished compiling.
	// Data: target, dependency_count.
	KindProgramCompiled = "program_compiled"
	// KindProgramExecuted signals an automation finished one
	// execution pass. Data: target, duration_ms.
	KindProgramExecuted = "program_executed"

	// KindAdapterConnected signals an adapter established its broker
	// or upstream connection. Data: adapter.
	KindAdapterConnected = "adapter_connected"
	// KindAdapterDisconnected signals an adapter lost its connection.
	// Data: adapter, error.
	KindAdapterDisconnected = "adapter_disconnected"
	// KindAdapterError signals a non-fatal per-message decode or
	// publish failure. Data: adapter, value_id, error.
	KindAdapterError = "adapter_error"

	// KindTaskFired signals a scheduled task has begun executing.
	// Data: task_id, task_name.
	KindTaskFired = "task_fired"
	// KindTaskComplete signals a scheduled task has finished executing.
	// Data: task_id, task_name, ok, duration_ms.
	KindTaskComplete = "task_complete"

	// KindConfigReloaded signals the config file was re-read after a
	// filesystem change. Data: path.
	KindConfigReloaded = "config_reloaded"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
