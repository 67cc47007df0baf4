package plan

import (
	"errors"
	"testing"

	"github.com/mvlachos/accord/internal/capability"
	"github.com/mvlachos/accord/internal/graph"
	"github.com/mvlachos/accord/internal/registry"
)

func ag(id string, leader bool, caps ...capability.Capability) registry.Agent {
	return registry.Agent{
		ID:           id,
		Capabilities: capability.NewSet(caps...),
		Weight:       1.0,
		Leader:       leader,
		Status:       registry.StatusActive,
	}
}

func testGraph(t *testing.T) *graph.Snapshot {
	t.Helper()
	agents := []registry.Agent{
		ag("analyst", false, capability.Analysis, capability.Research),
		ag("builder", false, capability.Coding, capability.Review),
		ag("chief", true, capability.Planning, capability.Synthesis, capability.Analysis),
	}
	return graph.Build(agents, 1, graph.Config{})
}

func TestDecomposeCoversExactlyOnce(t *testing.T) {
	required := capability.NewSet(capability.Analysis, capability.Coding, capability.Planning)
	phases, err := Decompose(required, nil, 5, 0, testGraph(t))
	if err != nil {
		t.Fatal(err)
	}

	if !Union(phases).Covers(required) {
		t.Fatal("phase union must cover the requirement")
	}
	seen := capability.NewSet()
	for _, p := range phases {
		for _, c := range p.Capabilities.Sorted() {
			if seen.Has(c) {
				t.Fatalf("capability %s appears in more than one phase", c)
			}
			seen.Add(c)
		}
	}
	if !seen.Equal(required) {
		t.Fatalf("phases cover %v, want exactly %v", seen, required)
	}

	for i, p := range phases {
		if p.Index != i {
			t.Errorf("phase %d carries index %d", i, p.Index)
		}
		if p.Threshold != DefaultThreshold {
			t.Errorf("expected default threshold, got %v", p.Threshold)
		}
	}
}

func TestDecomposeIsDeterministic(t *testing.T) {
	required := capability.NewSet(capability.Analysis, capability.Coding, capability.Planning, capability.Research)
	g := testGraph(t)

	first, err := Decompose(required, nil, 5, 0.85, g)
	if err != nil {
		t.Fatal(err)
	}
	for range 5 {
		again, err := Decompose(required, nil, 5, 0.85, g)
		if err != nil {
			t.Fatal(err)
		}
		if len(again) != len(first) {
			t.Fatalf("phase count changed: %d vs %d", len(again), len(first))
		}
		for i := range first {
			if !again[i].Capabilities.Equal(first[i].Capabilities) {
				t.Fatalf("phase %d capabilities changed across runs", i)
			}
		}
	}
}

func TestDecomposeVerificationPhase(t *testing.T) {
	required := capability.NewSet(capability.Analysis, capability.Coding)
	pv := capability.NewSet(capability.Analysis)

	phases, err := Decompose(required, pv, 4, 0, testGraph(t))
	if err != nil {
		t.Fatal(err)
	}

	last := phases[len(phases)-1]
	if !last.Verification {
		t.Fatal("expected trailing verification phase")
	}
	if !last.Capabilities.Equal(pv) {
		t.Fatalf("verification phase should hold %v, got %v", pv, last.Capabilities)
	}

	// Analysis appears twice overall (base + verification), coding once.
	count := map[capability.Capability]int{}
	for _, p := range phases {
		for _, c := range p.Capabilities.Sorted() {
			count[c]++
		}
	}
	if count[capability.Analysis] != 2 {
		t.Errorf("parallel-verifiable capability should recur once, got %d occurrences", count[capability.Analysis])
	}
	if count[capability.Coding] != 1 {
		t.Errorf("plain capability must appear exactly once, got %d", count[capability.Coding])
	}
}

func TestDecomposeBudgetCollapse(t *testing.T) {
	required := capability.NewSet(capability.Analysis, capability.Coding, capability.Planning)
	phases, err := Decompose(required, nil, 1, 0, testGraph(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(phases) != 1 {
		t.Fatalf("expected collapse into a single phase, got %d", len(phases))
	}
	if !phases[0].Capabilities.Equal(required) {
		t.Fatal("collapsed phase must hold the whole requirement")
	}
}

func TestDecomposeInfeasible(t *testing.T) {
	required := capability.NewSet(capability.Analysis)

	if _, err := Decompose(required, nil, 0, 0, testGraph(t)); !errors.Is(err, ErrInfeasible) {
		t.Fatalf("expected ErrInfeasible for zero budget, got %v", err)
	}

	// One phase cannot hold both the base plan and a verification pass.
	pv := capability.NewSet(capability.Analysis)
	if _, err := Decompose(required, pv, 1, 0, testGraph(t)); !errors.Is(err, ErrInfeasible) {
		t.Fatalf("expected ErrInfeasible for verification without room, got %v", err)
	}

	if _, err := Decompose(capability.NewSet(), nil, 3, 0, testGraph(t)); !errors.Is(err, ErrInfeasible) {
		t.Fatalf("expected ErrInfeasible for empty requirement, got %v", err)
	}
}

func TestDecomposeCapabilityGap(t *testing.T) {
	required := capability.NewSet(capability.Analysis, capability.Verification)
	_, err := Decompose(required, nil, 3, 0, testGraph(t))

	var gap *CapabilityGapError
	if !errors.As(err, &gap) {
		t.Fatalf("expected CapabilityGapError, got %v", err)
	}
	if len(gap.Missing) != 1 || gap.Missing[0] != capability.Verification {
		t.Fatalf("expected missing [verification], got %v", gap.Missing)
	}
}
