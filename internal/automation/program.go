package automation

import (
	"encoding/json"
	"fmt"

	"github.com/ksev-successor/bramble/internal/store"
)

var jsonNull = json.RawMessage("null")

// ProgramNode is the contract every compiled step implements. Run may
// carry internal state (Latch/Toggle's bit, a Value node's constant)
// across calls; only the transient slot arena is reset between
// executions.
type ProgramNode interface {
	Run(ctx *RunContext, slots *Slots) error
}

// RunContext is the external state available to a node during one
// Execute call: the snapshot of dependency values a Device node reads
// from, and the output map a Target node writes into. Kept as an
// explicit parameter rather than package-level state, per spec.md §9's
// own recommendation for a fresh implementation.
type RunContext struct {
	Input  map[ValueID]store.Value
	Output map[ValueID]json.RawMessage
}

// arena is a flat, append-only multi-value vector: one contiguous run
// of T per logical index, addressed by range. Grounded on
// original_source/backend/src/program.rs's MVec.
type arena[T any] struct {
	values []T
	ranges []int
}

func newArena[T any]() *arena[T] {
	return &arena[T]{ranges: []int{0}}
}

func (a *arena[T]) push(items []T) int {
	a.values = append(a.values, items...)
	a.ranges = append(a.ranges, len(a.values))
	return len(a.ranges) - 2
}

func (a *arena[T]) at(index int) []T {
	return a.values[a.ranges[index]:a.ranges[index+1]]
}

func (a *arena[T]) startOf(index int) int {
	return a.ranges[index]
}

func (a *arena[T]) len() int {
	return len(a.values)
}

type inputSlot struct {
	name       string
	valueIndex int
}

// Program is a compiled, topologically ordered automation graph ready
// to execute.
type Program struct {
	nodes []ProgramNode

	outputs          *arena[string]
	inputs           *arena[inputSlot]
	inputValueIndex  *arena[int]

	values []json.RawMessage
}

// NewProgram builds a Program from nodes (indexed 0..len(nodes)) and
// connections between those indices, topologically sorting first.
func NewProgram(nodes []ProgramNode, connections []indexConnection) (*Program, error) {
	nodes, connections, err := topologicalSort(nodes, connections)
	if err != nil {
		return nil, err
	}

	incoming := make(map[int]map[string][]indexSlot) // node -> input name -> producers
	outgoing := make(map[int]map[string]struct{})    // node -> output names

	for _, c := range connections {
		if incoming[c.to.node] == nil {
			incoming[c.to.node] = make(map[string][]indexSlot)
		}
		incoming[c.to.node][c.to.name] = append(incoming[c.to.node][c.to.name], c.from)

		if outgoing[c.from.node] == nil {
			outgoing[c.from.node] = make(map[string]struct{})
		}
		outgoing[c.from.node][c.from.name] = struct{}{}
	}

	outputs := newArena[string]()
	inputs := newArena[inputSlot]()
	inputValueIndex := newArena[int]()

	for i := range nodes {
		names := sortedKeys(outgoing[i])
		outputs.push(names)
	}

	for i := range nodes {
		inNames := make(map[string]struct{}, len(incoming[i]))
		for name := range incoming[i] {
			inNames[name] = struct{}{}
		}
		names := sortedKeys(inNames)
		slots := make([]inputSlot, 0, len(names))
		for _, name := range names {
			producers := incoming[i][name]
			indices := make([]int, 0, len(producers))
			for _, p := range producers {
				start := outputs.startOf(p.node)
				for pos, s := range outputs.at(p.node) {
					if s == p.name {
						indices = append(indices, start+pos)
						break
					}
				}
			}
			vi := inputValueIndex.push(indices)
			slots = append(slots, inputSlot{name: name, valueIndex: vi})
		}
		inputs.push(slots)
	}

	values := make([]json.RawMessage, outputs.len())
	for i := range values {
		values[i] = jsonNull
	}

	return &Program{
		nodes:           nodes,
		outputs:         outputs,
		inputs:          inputs,
		inputValueIndex: inputValueIndex,
		values:          values,
	}, nil
}

// Execute runs every node in topological order against input and
// returns the Target node's writes into program output space. It is
// pure over (input, each node's internal state): equal arguments and
// equal prior state yield equal outputs and equal state transitions.
func (p *Program) Execute(input map[ValueID]store.Value) (map[ValueID]json.RawMessage, error) {
	for i := range p.values {
		p.values[i] = jsonNull
	}

	ctx := &RunContext{Input: input, Output: make(map[ValueID]json.RawMessage)}

	for i, node := range p.nodes {
		slots := &Slots{
			index:           i,
			outputs:         p.outputs,
			inputs:          p.inputs,
			inputValueIndex: p.inputValueIndex,
			values:          p.values,
		}
		if err := node.Run(ctx, slots); err != nil {
			return nil, fmt.Errorf("automation: node %d: %w", i, err)
		}
	}

	return ctx.Output, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	// Insertion order from a Go map is random; the original uses a
	// BTreeSet for a stable slot order, so sort here too.
	sortStrings(out)
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

type indexSlot struct {
	node int
	name string
}

type indexConnection struct {
	from indexSlot
	to   indexSlot
}

// topologicalSort orders nodes via Kahn's algorithm and rewrites
// connections into the new index space. Grounded line-for-line on
// program.rs's topological_sort.
func topologicalSort(nodes []ProgramNode, connections []indexConnection) ([]ProgramNode, []indexConnection, error) {
	incoming := make(map[int]map[int]struct{})
	outgoing := make(map[int]map[int]struct{})

	for _, c := range connections {
		if incoming[c.to.node] == nil {
			incoming[c.to.node] = make(map[int]struct{})
		}
		incoming[c.to.node][c.from.node] = struct{}{}

		if outgoing[c.from.node] == nil {
			outgoing[c.from.node] = make(map[int]struct{})
		}
		outgoing[c.from.node][c.to.node] = struct{}{}
	}

	var start []int
	for i := range nodes {
		if _, ok := incoming[i]; !ok {
			start = append(start, i)
		}
	}
	if len(start) == 0 && len(nodes) > 0 {
		return nil, nil, ErrNotAcyclic
	}

	var order []int
	for len(start) > 0 {
		n := start[len(start)-1]
		start = start[:len(start)-1]
		order = append(order, n)

		for m := range outgoing[n] {
			inc, ok := incoming[m]
			if !ok {
				continue
			}
			delete(inc, n)
			if len(inc) == 0 {
				delete(incoming, m)
				start = append(start, m)
			}
		}
	}

	if len(incoming) != 0 {
		return nil, nil, ErrNotAcyclic
	}

	reverse := make(map[int]int, len(order))
	for i, j := range order {
		reverse[j] = i
	}

	newConnections := make([]indexConnection, len(connections))
	for i, c := range connections {
		newConnections[i] = indexConnection{
			from: indexSlot{node: reverse[c.from.node], name: c.from.name},
			to:   indexSlot{node: reverse[c.to.node], name: c.to.name},
		}
	}

	newNodes := make([]ProgramNode, len(order))
	for i, originalIndex := range order {
		newNodes[i] = nodes[originalIndex]
	}

	return newNodes, newConnections, nil
}

// Slots is the per-node view of the transient value arena handed to
// ProgramNode.Run.
type Slots struct {
	index int

	outputs         *arena[string]
	inputs          *arena[inputSlot]
	inputValueIndex *arena[int]

	values []json.RawMessage
}

// Output writes value to this node's output slot named id, if such a
// slot exists (i.e. something downstream is connected to it).
func (s *Slots) Output(id string, value json.RawMessage) {
	start := s.outputs.startOf(s.index)
	for i, name := range s.outputs.at(s.index) {
		if name == id {
			s.values[start+i] = value
			return
		}
	}
}

// Outputs iterates every output slot on this node along with a writer
// for it. Used by Device, which has one output per feature slot.
func (s *Slots) Outputs(fn func(id string, write func(json.RawMessage))) {
	start := s.outputs.startOf(s.index)
	for i, name := range s.outputs.at(s.index) {
		idx := start + i
		fn(name, func(v json.RawMessage) { s.values[idx] = v })
	}
}

// Input iterates every value currently feeding slot id, in producer
// order. Zero values if nothing is connected.
func (s *Slots) Input(id string) []json.RawMessage {
	for _, in := range s.inputs.at(s.index) {
		if in.name == id {
			indices := s.inputValueIndex.at(in.valueIndex)
			out := make([]json.RawMessage, len(indices))
			for i, vi := range indices {
				out[i] = s.values[vi]
			}
			return out
		}
	}
	return nil
}

// InputOne returns the first value feeding slot id, or null if
// nothing is connected.
func (s *Slots) InputOne(id string) json.RawMessage {
	vs := s.Input(id)
	if len(vs) == 0 {
		return jsonNull
	}
	return vs[0]
}
