package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ksev-successor/bramble/internal/store"
)

// ErrWrongTargetCount is returned by Compile when a is missing its
// Target node or carries more than one.
var ErrWrongTargetCount = errors.New("automation: programs requires exactly one Target")

// ErrNotAcyclic is returned by Compile (via NewProgram's topological
// sort) when the optimized graph still contains a cycle.
var ErrNotAcyclic = errors.New("automation: program is not acyclic")

// Compile validates, optimizes and topologically sorts a into a
// Program targeting target's value id, returning the program plus the
// set of feature values it depends on. Grounded on
// original_source/backend/src/device/automation/mod.rs's
// Automation::compile.
func Compile(a Automation, target ValueID) (*Program, []ValueID, error) {
	targetCount := 0
	for _, n := range a.Nodes {
		if n.Properties.Tag == KindTarget {
			targetCount++
		}
	}
	if targetCount != 1 {
		return nil, nil, fmt.Errorf("%w: got %d", ErrWrongTargetCount, targetCount)
	}

	nodes := append([]Node(nil), a.Nodes...)
	connections := append([]Connection(nil), a.Connections...)

	addedNodes, connections := injectDefaults(a.Counter, connections, a.Defaults)
	nodes = append(nodes, addedNodes...)

	nodes, connections = filterUnconnected(nodes, connections)
	nodes, connections = mergeDeviceNodes(nodes, connections)
	connections = uniqueConnections(connections)

	if len(a.Connections) == 0 {
		return emptyProgram()
	}

	dependencies := findDependencies(nodes, connections)
	if len(dependencies) == 0 {
		return emptyProgram()
	}

	idx := make(map[NodeID]int, len(nodes))
	for i, n := range nodes {
		idx[n.ID] = i
	}

	indexConns := make([]indexConnection, len(connections))
	for i, c := range connections {
		indexConns[i] = indexConnection{
			from: indexSlot{node: idx[c.From.Node], name: c.From.Name},
			to:   indexSlot{node: idx[c.To.Node], name: c.To.Name},
		}
	}

	steps := make([]ProgramNode, len(nodes))
	for i, n := range nodes {
		node, err := materialize(n.Properties, target)
		if err != nil {
			return nil, nil, err
		}
		steps[i] = node
	}

	program, err := NewProgram(steps, indexConns)
	if err != nil {
		return nil, nil, err
	}

	return program, dependencies, nil
}

func emptyProgram() (*Program, []ValueID, error) {
	program, err := NewProgram(nil, nil)
	if err != nil {
		return nil, nil, err
	}
	return program, nil, nil
}

func materialize(p Properties, target ValueID) (ProgramNode, error) {
	switch p.Tag {
	case KindTarget:
		return newTargetNode(target), nil
	case KindDevice:
		return newDeviceNode(p.DeviceID), nil
	case KindValue:
		return &staticValueNode{value: p.Value}, nil
	case KindIsNull:
		return isNullNode{}, nil
	case KindEquals:
		return equalsNode{}, nil
	case KindIf:
		return ifNode{}, nil
	case KindAnd:
		return andNode{}, nil
	case KindOr:
		return orNode{}, nil
	case KindNot:
		return notNode{}, nil
	case KindXor:
		return xorNode{}, nil
	case KindLatch:
		return &latchNode{}, nil
	case KindToggle:
		return &toggleNode{}, nil
	case KindMathCompare:
		return &mathCompareNode{op: p.Compare.Operator}, nil
	default:
		return nil, fmt.Errorf("automation: unknown node tag %q", p.Tag)
	}
}

// injectDefaults synthesizes a static Value node for every default
// whose slot isn't already the target of a connection.
func injectDefaults(counter uint32, connections []Connection, defaults []Default) ([]Node, []Connection) {
	incoming := make(map[Slot]struct{}, len(connections))
	for _, c := range connections {
		incoming[c.To] = struct{}{}
	}

	var added []Node
	out := append([]Connection(nil), connections...)

	for i, d := range defaults {
		if _, ok := incoming[d.Slot]; ok {
			continue
		}

		id := NodeID(counter) + NodeID(i)
		added = append(added, Node{
			ID:         id,
			Properties: StaticValue(d.Value),
		})
		out = append(out, Connection{
			From: Slot{Node: id, Name: "value"},
			To:   d.Slot,
		})
	}

	return added, out
}

// filterUnconnected keeps only nodes reachable backward from the
// Target node along incoming edges. mod.rs hardcodes this search to
// start at node id 0, relying on the convention that Target is always
// id 0; this looks the Target node up by tag instead, since nothing
// enforces that convention at the type level.
func filterUnconnected(nodes []Node, connections []Connection) ([]Node, []Connection) {
	incoming := make(map[NodeID]map[NodeID]struct{})
	for _, c := range connections {
		if incoming[c.To.Node] == nil {
			incoming[c.To.Node] = make(map[NodeID]struct{})
		}
		incoming[c.To.Node][c.From.Node] = struct{}{}
	}

	keep := make(map[NodeID]struct{})
	stack := []NodeID{findTarget(nodes)}

	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, seen := keep[n]; seen {
			continue
		}
		keep[n] = struct{}{}

		for next := range incoming[n] {
			stack = append(stack, next)
		}
	}

	var keptNodes []Node
	for _, n := range nodes {
		if _, ok := keep[n.ID]; ok {
			keptNodes = append(keptNodes, n)
		}
	}

	var keptConns []Connection
	for _, c := range connections {
		_, fok := keep[c.From.Node]
		_, tok := keep[c.To.Node]
		if fok && tok {
			keptConns = append(keptConns, c)
		}
	}

	return keptNodes, keptConns
}

func findTarget(nodes []Node) NodeID {
	for _, n := range nodes {
		if n.Properties.Tag == KindTarget {
			return n.ID
		}
	}
	return 0
}

// mergeDeviceNodes collapses duplicate Device(id) nodes into the
// first one seen, rewriting outgoing edges from the duplicates.
// Device nodes only ever have outgoing edges, so only connection
// sources need rewriting.
func mergeDeviceNodes(nodes []Node, connections []Connection) ([]Node, []Connection) {
	first := make(map[string]NodeID)
	replace := make(map[NodeID]NodeID)

	for _, n := range nodes {
		if n.Properties.Tag != KindDevice {
			continue
		}
		if existing, ok := first[n.Properties.DeviceID]; ok {
			replace[n.ID] = existing
		} else {
			first[n.Properties.DeviceID] = n.ID
		}
	}

	var keptNodes []Node
	for _, n := range nodes {
		if _, dropped := replace[n.ID]; dropped {
			continue
		}
		keptNodes = append(keptNodes, n)
	}

	outConns := make([]Connection, len(connections))
	for i, c := range connections {
		if nid, ok := replace[c.From.Node]; ok {
			outConns[i] = Connection{From: Slot{Node: nid, Name: c.From.Name}, To: c.To}
		} else {
			outConns[i] = c
		}
	}

	return keptNodes, outConns
}

func uniqueConnections(connections []Connection) []Connection {
	type key struct {
		fn, fs, tn, ts string
	}
	seen := make(map[string]struct{}, len(connections))
	keys := make([]string, 0, len(connections))
	byKey := make(map[string]Connection, len(connections))

	for _, c := range connections {
		k := fmt.Sprintf("%d/%s->%d/%s", c.From.Node, c.From.Name, c.To.Node, c.To.Name)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
		byKey[k] = c
	}

	sort.Strings(keys)

	out := make([]Connection, len(keys))
	for i, k := range keys {
		out[i] = byKey[k]
	}
	return out
}

// findDependencies collects one ValueId per (device, output-slot)
// pair that still has an outgoing connection after optimization.
func findDependencies(nodes []Node, connections []Connection) []ValueID {
	outgoing := make(map[NodeID]map[string]struct{})
	for _, c := range connections {
		if outgoing[c.From.Node] == nil {
			outgoing[c.From.Node] = make(map[string]struct{})
		}
		outgoing[c.From.Node][c.From.Name] = struct{}{}
	}

	seen := make(map[ValueID]struct{})
	var deps []ValueID

	for _, n := range nodes {
		if n.Properties.Tag != KindDevice {
			continue
		}
		slots := outgoing[n.ID]
		if len(slots) == 0 {
			continue
		}

		names := make([]string, 0, len(slots))
		for s := range slots {
			names = append(names, s)
		}
		sort.Strings(names)

		for _, s := range names {
			id := store.NewValueId(n.Properties.DeviceID, s)
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			deps = append(deps, id)
		}
	}

	return deps
}

// staticValueJSON is a small helper for tests and callers constructing
// Default/Value content without importing encoding/json directly.
func staticValueJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
