// Package automation implements the dataflow automation compiler and
// interpreter: a user-supplied node-and-wire graph is compiled into a
// topologically ordered [Program] that reacts to changes in the
// device feature values it depends on.
//
// Grounded on original_source/backend/src/device/automation/mod.rs,
// node.rs, program.rs and automation.rs — the repository's several
// competing drafts of the same compiler converged here on the mod.rs
// pipeline (default injection, reachability filter, device dedup,
// canonicalization, dependency extraction) feeding program.rs's
// index-based Slots arena. Per the source's own design note (global
// mutable value store), this reimplementation hands node.Run a
// RunContext holding a snapshot of the input values and a map for the
// output values rather than reaching for a package-level singleton, to
// keep the interpreter unit-testable without process state.
package automation

import (
	"encoding/json"
	"fmt"

	"github.com/ksev-successor/bramble/internal/store"
)

// CompareOp is the binary comparator used by a MathCompare node.
type CompareOp string

const (
	CompareEq CompareOp = "Eq"
	CompareGt CompareOp = "Gt"
	CompareLt CompareOp = "Lt"
	CompareGe CompareOp = "Ge"
	CompareLe CompareOp = "Le"
)

// Kind discriminates a node's Properties. The wire encoding mirrors
// the source's #[serde(tag = "tag", content = "content")] enum: a
// node's JSON object carries a "tag" string and, where the variant
// holds data, a "content" field.
type Kind string

const (
	KindTarget      Kind = "Target"
	KindDevice      Kind = "Device"
	KindValue       Kind = "Value"
	KindIsNull      Kind = "IsNull"
	KindEquals      Kind = "Equals"
	KindIf          Kind = "If"
	KindAnd         Kind = "And"
	KindOr          Kind = "Or"
	KindNot         Kind = "Not"
	KindXor         Kind = "Xor"
	KindLatch       Kind = "Latch"
	KindToggle      Kind = "Toggle"
	KindMathCompare Kind = "MathCompare"
)

// EqualsContent is the payload carried by an Equals node: kind names
// the feature kind being compared (used by the editor, not the
// interpreter) and meta carries editor-only display hints.
type EqualsContent struct {
	Kind string          `json:"kind"`
	Meta json.RawMessage `json:"meta,omitempty"`
}

// IfContent is the payload carried by an If node.
type IfContent struct {
	Kind string `json:"kind"`
}

// MathCompareContent is the payload carried by a MathCompare node.
type MathCompareContent struct {
	Operator CompareOp `json:"operator"`
}

// Properties is a node's variant payload. Exactly the fields relevant
// to Tag are populated; Properties is never constructed directly by
// callers outside this package's node-builder functions.
type Properties struct {
	Tag Kind

	DeviceID string          // Device
	Value    json.RawMessage // Value
	IsNull   string          // IsNull: feature kind, informational only
	Equals   EqualsContent   // Equals
	If       IfContent       // If
	Compare  MathCompareContent
}

// Target returns a Properties for the program's sole sink node.
func Target() Properties { return Properties{Tag: KindTarget} }

// Device returns a Properties for a node that reads a device's
// current feature values.
func Device(deviceID string) Properties { return Properties{Tag: KindDevice, DeviceID: deviceID} }

// StaticValue returns a Properties for a node that emits a fixed JSON
// value on its "value" output.
func StaticValue(v json.RawMessage) Properties { return Properties{Tag: KindValue, Value: v} }

func (p Properties) MarshalJSON() ([]byte, error) {
	type wire struct {
		Tag     Kind            `json:"tag"`
		Content json.RawMessage `json:"content,omitempty"`
	}

	w := wire{Tag: p.Tag}

	var content any
	switch p.Tag {
	case KindDevice:
		content = p.DeviceID
	case KindValue:
		content = p.Value
	case KindIsNull:
		content = p.IsNull
	case KindEquals:
		content = p.Equals
	case KindIf:
		content = p.If
	case KindMathCompare:
		content = p.Compare
	}

	if content != nil {
		raw, err := json.Marshal(content)
		if err != nil {
			return nil, err
		}
		w.Content = raw
	}

	return json.Marshal(w)
}

func (p *Properties) UnmarshalJSON(data []byte) error {
	var w struct {
		Tag     Kind            `json:"tag"`
		Content json.RawMessage `json:"content,omitempty"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*p = Properties{Tag: w.Tag}

	switch w.Tag {
	case KindTarget, KindAnd, KindOr, KindNot, KindXor, KindLatch, KindToggle:
		// No content.
	case KindDevice:
		var id string
		if err := json.Unmarshal(w.Content, &id); err != nil {
			return fmt.Errorf("automation: Device content: %w", err)
		}
		p.DeviceID = id
	case KindValue:
		p.Value = append(json.RawMessage(nil), w.Content...)
	case KindIsNull:
		var kind string
		if err := json.Unmarshal(w.Content, &kind); err != nil {
			return fmt.Errorf("automation: IsNull content: %w", err)
		}
		p.IsNull = kind
	case KindEquals:
		if err := json.Unmarshal(w.Content, &p.Equals); err != nil {
			return fmt.Errorf("automation: Equals content: %w", err)
		}
	case KindIf:
		if err := json.Unmarshal(w.Content, &p.If); err != nil {
			return fmt.Errorf("automation: If content: %w", err)
		}
	case KindMathCompare:
		if err := json.Unmarshal(w.Content, &p.Compare); err != nil {
			return fmt.Errorf("automation: MathCompare content: %w", err)
		}
	default:
		return fmt.Errorf("automation: unknown node tag %q", w.Tag)
	}

	return nil
}

// NodeID identifies a node within one Automation graph.
type NodeID uint32

// Position is the editor-only canvas coordinate of a node; the
// compiler never reads it.
type Position struct {
	X int64
	Y int64
}

func (p Position) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int64{p.X, p.Y})
}

func (p *Position) UnmarshalJSON(data []byte) error {
	var pair [2]int64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	p.X, p.Y = pair[0], pair[1]
	return nil
}

// Node is one vertex of a user-supplied automation graph.
type Node struct {
	ID         NodeID     `json:"id"`
	Position   Position   `json:"position"`
	Properties Properties `json:"properties"`
}

// Slot names an input or output port: (node, slot name).
type Slot struct {
	Node NodeID
	Name string
}

func (s Slot) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{s.Node, s.Name})
}

func (s *Slot) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if err := json.Unmarshal(pair[0], &s.Node); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &s.Name)
}

// Connection wires one node's output slot to another's input slot.
type Connection struct {
	From Slot
	To   Slot
}

func (c Connection) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]Slot{c.From, c.To})
}

func (c *Connection) UnmarshalJSON(data []byte) error {
	var pair [2]Slot
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	c.From, c.To = pair[0], pair[1]
	return nil
}

// Default assigns a static value to a slot not otherwise connected.
type Default struct {
	Slot  Slot
	Value json.RawMessage
}

func (d Default) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{d.Slot, d.Value})
}

func (d *Default) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if err := json.Unmarshal(pair[0], &d.Slot); err != nil {
		return err
	}
	d.Value = append(json.RawMessage(nil), pair[1]...)
	return nil
}

// Automation is the user-authored graph stored alongside a Sink
// feature, as persisted JSON in its "automate" column.
type Automation struct {
	Counter     uint32       `json:"counter"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
	Defaults    []Default    `json:"defaults"`
}

// ValueID is an alias for store.ValueId, used throughout this
// package's exported surface (Compile, Program.Execute) so callers
// reading this package's API don't need to cross-reference
// internal/store for the identifier type.
type ValueID = store.ValueId
