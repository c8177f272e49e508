// Package adapter defines the minimal contract an external broker or
// device integration must satisfy to contribute and consume values,
// per spec.md §4.7. internal/mqttintegration and internal/hacompat are
// concrete implementations; the core never imports either of them —
// only this package's interfaces.
package adapter

import (
	"context"
	"encoding/json"

	"github.com/ksev-successor/bramble/internal/catalog"
	"github.com/ksev-successor/bramble/internal/store"
)

// Ingress subscribes to an external message topic, decodes payloads
// into (ValueId, Result<Json,String>), and pushes them into the value
// store via SetCurrent. Running must block until ctx is cancelled.
type Ingress interface {
	Run(ctx context.Context) error
}

// Egress subscribes to the value store's outgoing topic, filters by
// the device ids it owns, encodes values (including boolean ↔
// value_on/value_off coercion per feature metadata), and publishes to
// the external broker. Running must block until ctx is cancelled.
type Egress interface {
	Run(ctx context.Context) error
}

// Adapter is the full integration contract: most adapters supply both
// directions, but a pure-sensor bridge may implement only Ingress and
// a pure-actuator bridge only Egress — callers type-assert as needed.
type Adapter interface {
	Name() string
}

// FeatureLookup is the read-only slice of internal/catalog an adapter
// needs: metadata for boolean value_on/value_off coercion and
// direction checks before writing into the store. Adapters depend on
// this interface, not *catalog.Store, so they can be tested against a
// fake.
type FeatureLookup interface {
	GetFeature(deviceID, name string) (*catalog.Feature, error)
}

// BoolEncoding resolves a feature's configured on/off string pair,
// falling back to defaults when the metadata is absent. This is the
// "possibly mapping boolean to the feature's value_on/value_off meta
// pair" coercion spec.md §4.7 calls out, kept here so every adapter
// applies it the same way.
func BoolEncoding(f *catalog.Feature) (on, off string) {
	on, off = "true", "false"
	if f == nil {
		return on, off
	}
	if raw, ok := f.Meta["value_on"]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			on = s
		}
	}
	if raw, ok := f.Meta["value_off"]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			off = s
		}
	}
	return on, off
}

// DecodeBool maps a broker-native on/off string to a JSON bool using
// f's configured encoding, falling back to case-insensitive
// true/false/on/off/1/0 when the payload doesn't match either
// configured string.
func DecodeBool(f *catalog.Feature, payload string) (bool, bool) {
	on, off := BoolEncoding(f)
	switch payload {
	case on:
		return true, true
	case off:
		return false, true
	}
	switch payload {
	case "true", "on", "1", "ON", "True":
		return true, true
	case "false", "off", "0", "OFF", "False":
		return false, true
	}
	return false, false
}

// EncodeBool is DecodeBool's inverse, used on the egress path.
func EncodeBool(f *catalog.Feature, value bool) string {
	on, off := BoolEncoding(f)
	if value {
		return on
	}
	return off
}

// ValueID builds a store.ValueId from a device id and feature name,
// the pairing every adapter uses to address the store.
func ValueID(deviceID, feature string) store.ValueId {
	return store.NewValueId(deviceID, feature)
}
