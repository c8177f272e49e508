package automation

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ksev-successor/bramble/internal/store"
)

func boolJSON(b bool) json.RawMessage {
	if b {
		return json.RawMessage("true")
	}
	return json.RawMessage("false")
}

func isJSONTrue(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("true"))
}

func isJSONFalse(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("false"))
}

func isJSONNull(v json.RawMessage) bool {
	trimmed := bytes.TrimSpace(v)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	aErr := json.Unmarshal(orNull(a), &av)
	bErr := json.Unmarshal(orNull(b), &bv)
	if aErr != nil || bErr != nil {
		return bytes.Equal(bytes.TrimSpace(orNull(a)), bytes.TrimSpace(orNull(b)))
	}
	return deepEqual(av, bv)
}

func orNull(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return jsonNull
	}
	return v
}

func deepEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if bvv, ok := bv[k]; !ok || !deepEqual(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// deviceNode reads every connected output slot of a device from the
// program's input snapshot. Grounded on
// original_source/backend/src/device/automation/node.rs's Device.
type deviceNode struct {
	id string
}

func newDeviceNode(id string) *deviceNode { return &deviceNode{id: id} }

func (n *deviceNode) Run(ctx *RunContext, slots *Slots) error {
	var failure error
	slots.Outputs(func(id string, write func(json.RawMessage)) {
		if failure != nil {
			return
		}
		vid := store.NewValueId(n.id, id)
		v, ok := ctx.Input[vid]
		if !ok {
			write(jsonNull)
			return
		}
		if v.IsError() {
			failure = fmt.Errorf("%s/%s: %s", n.id, id, v.Err)
			return
		}
		write(orNull(v.Data))
	})
	return failure
}

// targetNode writes the program's single sink value into ctx.Output.
// Grounded on node.rs's Target.
type targetNode struct {
	id ValueID
}

func newTargetNode(id ValueID) *targetNode { return &targetNode{id: id} }

func (n *targetNode) Run(ctx *RunContext, slots *Slots) error {
	v := slots.InputOne(n.id.FeatureID())
	ctx.Output[n.id] = orNull(v)
	return nil
}

// staticValueNode emits a fixed JSON constant on its "value" output,
// used both for user-authored Value nodes and for synthesized default
// nodes.
type staticValueNode struct {
	value json.RawMessage
}

func (n *staticValueNode) Run(_ *RunContext, slots *Slots) error {
	slots.Output("value", orNull(n.value))
	return nil
}

type orNode struct{}

func (orNode) Run(_ *RunContext, slots *Slots) error {
	out := false
	for _, v := range slots.Input("input") {
		if isJSONTrue(v) {
			out = true
			break
		}
	}
	slots.Output("result", boolJSON(out))
	return nil
}

type andNode struct{}

func (andNode) Run(_ *RunContext, slots *Slots) error {
	out := true
	for _, v := range slots.Input("input") {
		if !isJSONTrue(v) {
			out = false
			break
		}
	}
	slots.Output("result", boolJSON(out))
	return nil
}

type xorNode struct{}

func (xorNode) Run(_ *RunContext, slots *Slots) error {
	ones := 0
	for _, v := range slots.Input("input") {
		if isJSONTrue(v) {
			ones++
		}
	}
	slots.Output("result", boolJSON(ones == 1))
	return nil
}

type notNode struct{}

func (notNode) Run(_ *RunContext, slots *Slots) error {
	v := slots.InputOne("input")
	switch {
	case isJSONTrue(v):
		slots.Output("result", boolJSON(false))
	case isJSONFalse(v):
		slots.Output("result", boolJSON(true))
	default:
		slots.Output("result", jsonNull)
	}
	return nil
}

// isNullNode emits true iff its single input is JSON null. Normative
// semantics from spec.md §4.6 (the Rust source for this node was not
// retrieved).
type isNullNode struct{}

func (isNullNode) Run(_ *RunContext, slots *Slots) error {
	v := slots.InputOne("input")
	slots.Output("result", boolJSON(isJSONNull(v)))
	return nil
}

// equalsNode compares slots "input" and "other" by structural
// equality. Normative semantics from spec.md §4.6.
type equalsNode struct{}

func (equalsNode) Run(_ *RunContext, slots *Slots) error {
	a := slots.InputOne("input")
	b := slots.InputOne("other")
	slots.Output("result", boolJSON(jsonEqual(a, b)))
	return nil
}

// latchNode remembers last step's "input": "result" is true when
// "input" is true now or was true on the previous step, so it holds
// for one step after "input" drops. A true "reset" clears the
// remembered bit before "input" is read. Normative semantics from
// spec.md §4.6.
type latchNode struct {
	high bool
}

func (n *latchNode) Run(_ *RunContext, slots *Slots) error {
	if isJSONTrue(slots.InputOne("reset")) {
		n.high = false
	}

	input := isJSONTrue(slots.InputOne("input"))
	result := input || n.high
	n.high = input

	slots.Output("result", boolJSON(result))
	return nil
}

// toggleNode flips its bit on every true pulse of "input". Normative
// semantics from spec.md §4.6.
type toggleNode struct {
	high bool
}

func (n *toggleNode) Run(_ *RunContext, slots *Slots) error {
	if isJSONTrue(slots.InputOne("input")) {
		n.high = !n.high
	}
	slots.Output("result", boolJSON(n.high))
	return nil
}

// ifNode selects between "then" and "else" by the truthiness of
// "condition". original_source calls this node's implementation "alt"
// (device/automation/mod.rs: `If { .. } => node0(node::alt)`); its
// body was not retrieved, so this follows the conventional dataflow
// if/else-selector shape the name implies.
type ifNode struct{}

func (ifNode) Run(_ *RunContext, slots *Slots) error {
	if isJSONTrue(slots.InputOne("condition")) {
		slots.Output("result", slots.InputOne("then"))
	} else {
		slots.Output("result", slots.InputOne("else"))
	}
	return nil
}

// mathCompareNode performs a binary numeric comparison between
// "input" and "other". Normative semantics from spec.md §4.6.
type mathCompareNode struct {
	op CompareOp
}

func (n *mathCompareNode) Run(_ *RunContext, slots *Slots) error {
	a, aok := asNumber(slots.InputOne("input"))
	b, bok := asNumber(slots.InputOne("other"))
	if !aok || !bok {
		slots.Output("result", jsonNull)
		return nil
	}

	var out bool
	switch n.op {
	case CompareEq:
		out = a == b
	case CompareGt:
		out = a > b
	case CompareLt:
		out = a < b
	case CompareGe:
		out = a >= b
	case CompareLe:
		out = a <= b
	default:
		return fmt.Errorf("automation: unknown compare operator %q", n.op)
	}

	slots.Output("result", boolJSON(out))
	return nil
}

func asNumber(v json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(orNull(v), &f); err != nil {
		return 0, false
	}
	return f, true
}
