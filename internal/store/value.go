// Package store holds the runtime's value store: the current value or
// error of every device feature, and the incoming/outgoing topics that
// announce changes and pushes. It is process-wide, in-memory state,
// initialized once and never torn down, matching spec.md §4.2 and the
// non-goal that live values are not strictly persisted.
package store

import (
	"encoding/json"
	"sync"

	"github.com/ksev-successor/bramble/internal/bus"
	"github.com/ksev-successor/bramble/internal/strings"
)

// ValueId names a feature's live value slot as (device, feature). Both
// fields are interned symbols, so ValueId is a cheap, comparable,
// hashable 8-byte struct usable directly as a map key.
type ValueId struct {
	Device  strings.Symbol
	Feature strings.Symbol
}

// NewValueId interns device and feature and returns the resulting id.
func NewValueId(device, feature string) ValueId {
	return ValueId{
		Device:  strings.Intern(device),
		Feature: strings.Intern(feature),
	}
}

// DeviceID resolves the interned device id back to a string.
func (v ValueId) DeviceID() string { return strings.Resolve(v.Device) }

// FeatureID resolves the interned feature id back to a string.
func (v ValueId) FeatureID() string { return strings.Resolve(v.Feature) }

func (v ValueId) String() string {
	return v.DeviceID() + "/" + v.FeatureID()
}

// Value is the Go analogue of Rust's Result<Json, String>: either a
// successfully decoded JSON value, or an error message. Exactly one of
// the two is meaningful at a time; Err == "" means success.
type Value struct {
	Data json.RawMessage
	Err  string
}

// Ok constructs a successful Value from v.
func Ok(v json.RawMessage) Value {
	return Value{Data: v}
}

// OkNull is the default value for a ValueId that has never been set.
func OkNull() Value {
	return Value{Data: json.RawMessage("null")}
}

// Error constructs a failed Value carrying msg as the error.
func Error(msg string) Value {
	return Value{Err: msg}
}

// IsError reports whether this Value represents a failure.
func (v Value) IsError() bool { return v.Err != "" }

// Equal reports structural equality: used by SetCurrent to suppress
// change events for unchanged writes (spec.md §4.2 invariant).
func (v Value) Equal(other Value) bool {
	if v.Err != other.Err {
		return false
	}
	if v.Err != "" {
		return true
	}
	return string(v.Data) == string(other.Data)
}

// Change is published on the incoming topic whenever a value changes.
type Change struct {
	ID    ValueId
	Value Value
}

// Push is published on the outgoing topic whenever a program (or any
// other writer) wants to drive a value out to the world.
type Push struct {
	ID    ValueId
	Value json.RawMessage
}

// Store is the concurrent map from ValueId to its last known value,
// plus the incoming (change) and outgoing (push) topics. The zero
// value is not usable; construct one with [New].
type Store struct {
	mu      sync.RWMutex
	values  map[ValueId]Value
	Incoming *bus.Topic[Change]
	Outgoing *bus.Topic[Push]
}

// New creates an empty value store.
func New() *Store {
	return &Store{
		values:   make(map[ValueId]Value),
		Incoming: bus.New[Change](),
		Outgoing: bus.New[Push](),
	}
}

// Current returns the current value for id, or Ok(null) if id has
// never been set. It never blocks on writers beyond a short read lock.
func (s *Store) Current(id ValueId) Value {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.values[id]; ok {
		return v
	}
	return OkNull()
}

// SetCurrent compares v against the stored value for id; if different,
// stores it and publishes a Change on Incoming. Writing the same value
// twice in a row is a no-op the second time (idempotent, spec.md §4.2
// / §8 invariant) — no change event is emitted unless the value
// actually changed.
func (s *Store) SetCurrent(id ValueId, v Value) {
	s.mu.Lock()
	existing, existed := s.values[id]
	if existed && existing.Equal(v) {
		s.mu.Unlock()
		return
	}
	s.values[id] = v
	s.mu.Unlock()

	s.Incoming.Publish(Change{ID: id, Value: v})
}

// Push publishes a write request on the Outgoing topic. Routing the
// push to a broker or back into the store via SetCurrent is the
// responsibility of adapters (internal/adapter), not the store itself
// (spec.md §4.2/§4.7).
func (s *Store) Push(id ValueId, value json.RawMessage) {
	s.Outgoing.Publish(Push{ID: id, Value: value})
}

// Subscribe returns a subscription to value changes.
func (s *Store) Subscribe() *bus.Subscription[Change] {
	return s.Incoming.Subscribe()
}

// PushSubscribe returns a subscription to push requests.
func (s *Store) PushSubscribe() *bus.Subscription[Push] {
	return s.Outgoing.Subscribe()
}
