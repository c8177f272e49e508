package automation

import (
	"errors"
	"testing"

	"github.com/ksev-successor/bramble/internal/store"
)

func mustCompile(t *testing.T, a Automation, target store.ValueId) (*Program, []store.ValueId) {
	t.Helper()
	p, deps, err := Compile(a, target)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return p, deps
}

func TestCompileRequiresExactlyOneTarget(t *testing.T) {
	_, _, err := Compile(Automation{
		Nodes: []Node{{ID: 0, Properties: Device("a")}},
	}, store.NewValueId("d", "f"))
	if !errors.Is(err, ErrWrongTargetCount) {
		t.Fatalf("expected ErrWrongTargetCount for zero Target nodes, got %v", err)
	}

	_, _, err = Compile(Automation{
		Nodes: []Node{
			{ID: 0, Properties: Target()},
			{ID: 1, Properties: Target()},
		},
	}, store.NewValueId("d", "f"))
	if !errors.Is(err, ErrWrongTargetCount) {
		t.Fatalf("expected ErrWrongTargetCount for two Target nodes, got %v", err)
	}
}

func TestCompileZeroConnectionsIsEmptyProgram(t *testing.T) {
	a := Automation{
		Nodes: []Node{
			{ID: 0, Properties: Target()},
			{ID: 1, Properties: Device("d1")},
		},
	}
	p, deps := mustCompile(t, a, store.NewValueId("d1", "state"))
	if len(deps) != 0 {
		t.Fatalf("expected zero dependencies, got %v", deps)
	}
	if len(p.nodes) != 0 {
		t.Fatalf("expected empty program, got %d nodes", len(p.nodes))
	}
}

func TestCompileDetectsCycle(t *testing.T) {
	a := Automation{
		Nodes: []Node{
			{ID: 0, Properties: Target()},
			{ID: 1, Properties: Device("d1")},
			{ID: 2, Properties: andNodeProps()},
			{ID: 3, Properties: andNodeProps()},
		},
		Connections: []Connection{
			{From: Slot{Node: 1, Name: "state"}, To: Slot{Node: 2, Name: "input"}},
			{From: Slot{Node: 2, Name: "result"}, To: Slot{Node: 3, Name: "input"}},
			{From: Slot{Node: 3, Name: "result"}, To: Slot{Node: 2, Name: "input"}},
			{From: Slot{Node: 2, Name: "result"}, To: Slot{Node: 0, Name: "state"}},
		},
	}
	_, _, err := Compile(a, store.NewValueId("", "state"))
	if !errors.Is(err, ErrNotAcyclic) {
		t.Fatalf("expected ErrNotAcyclic, got %v", err)
	}
}

func andNodeProps() Properties { return Properties{Tag: KindAnd} }

func TestCompileDedupsDeviceNodes(t *testing.T) {
	a := Automation{
		Nodes: []Node{
			{ID: 0, Properties: Target()},
			{ID: 1, Properties: Device("d1")},
			{ID: 2, Properties: Device("d1")},
			{ID: 3, Properties: andNodeProps()},
		},
		Connections: []Connection{
			{From: Slot{Node: 1, Name: "a"}, To: Slot{Node: 3, Name: "input"}},
			{From: Slot{Node: 2, Name: "b"}, To: Slot{Node: 3, Name: "input"}},
			{From: Slot{Node: 3, Name: "result"}, To: Slot{Node: 0, Name: "state"}},
		},
	}
	p, deps := mustCompile(t, a, store.NewValueId("", "state"))

	deviceCount := 0
	for _, n := range p.nodes {
		if _, ok := n.(*deviceNode); ok {
			deviceCount++
		}
	}
	if deviceCount != 1 {
		t.Fatalf("expected exactly one device node after merge, got %d", deviceCount)
	}
	if len(deps) != 2 {
		t.Fatalf("expected both outgoing edges preserved as 2 dependencies, got %v", deps)
	}
}

// Scenario 1 (spec.md §8): single-device passthrough.
func TestScenarioSingleDevicePassthrough(t *testing.T) {
	a := Automation{
		Nodes: []Node{
			{ID: 0, Properties: Target()},
			{ID: 1, Properties: Device("d1")},
		},
		Connections: []Connection{
			{From: Slot{Node: 1, Name: "state"}, To: Slot{Node: 0, Name: "state"}},
		},
	}
	target := store.NewValueId("d1", "state")
	p, deps := mustCompile(t, a, target)

	if len(deps) != 1 || deps[0] != store.NewValueId("d1", "state") {
		t.Fatalf("unexpected dependencies: %v", deps)
	}

	out, err := p.Execute(map[store.ValueId]store.Value{
		store.NewValueId("d1", "state"): store.Ok(staticValueJSON(true)),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(out[target]) != "true" {
		t.Fatalf("expected pushed value true, got %s", out[target])
	}
}

// Scenario 2 (spec.md §8): OR over two sources.
func TestScenarioOrOverTwoSources(t *testing.T) {
	a := Automation{
		Nodes: []Node{
			{ID: 0, Properties: Target()},
			{ID: 1, Properties: Device("a")},
			{ID: 2, Properties: Device("b")},
			{ID: 3, Properties: orNodeProps()},
		},
		Connections: []Connection{
			{From: Slot{Node: 1, Name: "x"}, To: Slot{Node: 3, Name: "input"}},
			{From: Slot{Node: 2, Name: "x"}, To: Slot{Node: 3, Name: "input"}},
			{From: Slot{Node: 3, Name: "result"}, To: Slot{Node: 0, Name: "any"}},
		},
	}
	target := store.NewValueId("virtual:1", "any")
	p, _ := mustCompile(t, a, target)

	input := map[store.ValueId]store.Value{
		store.NewValueId("a", "x"): store.Ok(staticValueJSON(false)),
		store.NewValueId("b", "x"): store.Ok(staticValueJSON(false)),
	}
	out, err := p.Execute(input)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(out[target]) != "false" {
		t.Fatalf("expected false, got %s", out[target])
	}

	input[store.NewValueId("a", "x")] = store.Ok(staticValueJSON(true))
	out, err = p.Execute(input)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(out[target]) != "true" {
		t.Fatalf("expected true, got %s", out[target])
	}
}

func orNodeProps() Properties { return Properties{Tag: KindOr} }

// Scenario 4 (spec.md §8): duplicate device merge preserves the union
// of outgoing edges.
func TestScenarioDuplicateDeviceMerge(t *testing.T) {
	a := Automation{
		Nodes: []Node{
			{ID: 0, Properties: Target()},
			{ID: 1, Properties: Device("d1")},
			{ID: 2, Properties: Device("d1")},
			{ID: 3, Properties: andNodeProps()},
		},
		Connections: []Connection{
			{From: Slot{Node: 1, Name: "a"}, To: Slot{Node: 3, Name: "input"}},
			{From: Slot{Node: 2, Name: "b"}, To: Slot{Node: 3, Name: "input"}},
			{From: Slot{Node: 3, Name: "result"}, To: Slot{Node: 0, Name: "state"}},
		},
	}
	target := store.NewValueId("", "state")
	p, deps := mustCompile(t, a, target)

	out, err := p.Execute(map[store.ValueId]store.Value{
		store.NewValueId("d1", "a"): store.Ok(staticValueJSON(true)),
		store.NewValueId("d1", "b"): store.Ok(staticValueJSON(true)),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(out[target]) != "true" {
		t.Fatalf("expected true, got %s", out[target])
	}
	if len(deps) != 2 {
		t.Fatalf("expected 2 distinct dependencies (a and b), got %v", deps)
	}
}
