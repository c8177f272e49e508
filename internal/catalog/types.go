// Package catalog is the SQLite-backed device/feature repository: the
// "database subsystem" collaborator spec.md treats as external to the
// core. internal/automation and internal/store never import this
// package directly — cmd/bramble reads rows out of it at startup and
// hands the core plain ValueIds/JSON, keeping the interpreter free of
// any database/sql dependency.
//
// Grounded on the teacher's internal/scheduler/store.go and
// internal/contacts/store.go for the raw database/sql + hand-written
// migration + UUIDv7 id-minting pattern.
package catalog

import "encoding/json"

// DeviceKind classifies how a device is sourced.
type DeviceKind string

const (
	DeviceIntegration DeviceKind = "integration" // owned by an external adapter (e.g. MQTT/Zigbee2MQTT)
	DeviceHardware    DeviceKind = "hardware"     // directly addressed hardware
	DeviceVirtual     DeviceKind = "virtual"      // synthetic device with no adapter-owned transport
)

// Device is a persisted device row.
type Device struct {
	ID       string
	Name     string
	Parent   *string // optional parent device id
	TaskSpec json.RawMessage
	Kind     DeviceKind
	Subtype  string // meaningful only when Kind == DeviceVirtual
}

// FeatureDirection describes which way a feature's value flows.
type FeatureDirection string

const (
	DirectionSource     FeatureDirection = "source"      // readable: store.Current is meaningful
	DirectionSink       FeatureDirection = "sink"         // writable: may carry an Automation
	DirectionSourceSink FeatureDirection = "source_sink"  // both
)

// FeatureKind is the value's JSON shape.
type FeatureKind string

const (
	KindBool   FeatureKind = "bool"
	KindNumber FeatureKind = "number"
	KindState  FeatureKind = "state"
	KindString FeatureKind = "string"
)

// Feature is a persisted feature row.
//
// Invariant (enforced in Store.CreateFeature/UpdateFeature, not by the
// schema): Automation may be non-nil only when Direction includes
// Sink; a feature's live value is meaningful only when Direction
// includes Source.
type Feature struct {
	ID        string
	DeviceID  string
	Name      string
	Direction FeatureDirection
	Kind      FeatureKind
	Meta      map[string]json.RawMessage
	Automate  json.RawMessage // compiled graph, nil if the feature has none
}

// HasSource reports whether f's value is meaningful to read.
func (f Feature) HasSource() bool {
	return f.Direction == DirectionSource || f.Direction == DirectionSourceSink
}

// HasSink reports whether f may carry an Automation.
func (f Feature) HasSink() bool {
	return f.Direction == DirectionSink || f.Direction == DirectionSourceSink
}

// ValueID mirrors the device/feature pair the core addresses a live
// value by, as "device/feature" — the string form persisted in
// internal/schedule's Task.Target and used as a map key before
// interning.
func (f Feature) ValueID() string {
	return f.DeviceID + "/" + f.Name
}
