package graph

import (
	"math"
	"testing"

	"github.com/mvlachos/accord/internal/capability"
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

// fivePack is the reference population: one boosted leader, four peers with
// partially overlapping skills.
func fivePack() []registry.Agent {
	return []registry.Agent{
		ag("agent-1", true, capability.Analysis, capability.Planning, capability.Retrieval, capability.Synthesis),
		ag("agent-2", false, capability.Analysis, capability.Coding, capability.Planning, capability.Retrieval),
		ag("agent-3", false, capability.Analysis, capability.Coding, capability.Planning, capability.Retrieval),
		ag("agent-4", false, capability.Coding, capability.Planning, capability.Research, capability.Retrieval),
		ag("agent-5", false, capability.Analysis, capability.Coding, capability.Review, capability.Synthesis),
	}
}

func near(t *testing.T, got, want, tol float64, what string) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: expected %v, got %v", what, want, got)
	}
}

func TestBuildWeights(t *testing.T) {
	s := Build(fivePack(), 1, Config{})

	// Jaccard(agent-1, agent-2) = 3/5, spread over 4 neighbors, leader
	// boost 1.3 on the outgoing side only.
	near(t, s.Weight("agent-1", "agent-2"), 0.195, 1e-9, "leader outgoing weight")
	near(t, s.Weight("agent-2", "agent-1"), 0.150, 1e-9, "reverse weight without boost")

	near(t, s.OutgoingSum("agent-1"), 0.606666667, 1e-8, "leader outgoing sum")
	near(t, s.OutgoingSum("agent-4"), 0.419047619, 1e-8, "agent-4 outgoing sum")

	if s.Weight("agent-1", "agent-1") != 0 {
		t.Error("self edge must be zero")
	}
	if s.Weight("agent-1", "ghost") != 0 {
		t.Error("unknown target must yield zero weight")
	}
}

func TestBuildOutgoingBudget(t *testing.T) {
	// Identical capability sets maximize overlap; the leader's boosted
	// outgoing sum would exceed 1 without clamping.
	agents := []registry.Agent{
		ag("a", true, capability.Coding),
		ag("b", false, capability.Coding),
		ag("c", false, capability.Coding),
	}
	agents[0].Weight = 2.0

	s := Build(agents, 1, Config{LeaderBoost: 4.0})
	for _, a := range s.Agents() {
		sum := s.OutgoingSum(a.ID)
		if sum > 1.0+1e-9 {
			t.Errorf("agent %s outgoing sum %v exceeds budget", a.ID, sum)
		}
		for _, b := range s.Agents() {
			w := s.Weight(a.ID, b.ID)
			if w < 0 || w > 1 {
				t.Errorf("weight %s->%s out of range: %v", a.ID, b.ID, w)
			}
		}
	}
}

func TestBuildUnreachable(t *testing.T) {
	agents := []registry.Agent{
		ag("a", false, capability.Research),
		ag("b", false, capability.Research, capability.Analysis),
		ag("loner", false, capability.Review),
	}
	s := Build(agents, 1, Config{})

	if !s.Unreachable("loner") {
		t.Error("zero-overlap agent must be flagged unreachable")
	}
	if s.Unreachable("a") {
		t.Error("connected agent flagged unreachable")
	}

	// Unreachable agents keep their zero-weight edges: graph shape is
	// stable across rebuilds.
	edges := s.Edges()
	if len(edges) != 6 {
		t.Fatalf("expected complete directed graph with 6 edges, got %d", len(edges))
	}
	if s.Weight("a", "loner") != 0 || s.Weight("loner", "a") != 0 {
		t.Error("unreachable edges must exist with zero weight")
	}
}

func TestBuildFullyConnectedPositiveWeights(t *testing.T) {
	s := Build(fivePack(), 1, Config{})
	for _, e := range s.Edges() {
		if e.Weight <= 0 {
			t.Errorf("edge %s->%s has non-positive weight %v in overlapping population", e.Source, e.Target, e.Weight)
		}
	}
}

func TestOptimizeScenarioFiveAgents(t *testing.T) {
	s := Build(fivePack(), 1, Config{})
	near(t, s.Efficiency(), 0.514157254, 1e-6, "initial efficiency")

	opt, trace := Optimize(s, Config{Rounds: 3})

	if len(trace) != 3 {
		t.Fatalf("expected 3 rounds, got %d", len(trace))
	}
	for _, r := range trace {
		if !r.Accepted {
			t.Fatalf("round %d unexpectedly rejected", r.Index)
		}
	}
	near(t, trace[0].After, 0.570804, 1e-5, "round 1 efficiency")
	near(t, trace[1].After, 0.606908, 1e-5, "round 2 efficiency")
	near(t, trace[2].After, 0.614493, 1e-5, "round 3 efficiency")

	if opt.Efficiency() < 0.60 {
		t.Errorf("optimization should raise efficiency to >= 0.60, got %v", opt.Efficiency())
	}

	// The outgoing budget survives redistribution.
	for _, a := range opt.Agents() {
		if sum := opt.OutgoingSum(a.ID); sum > 1.0+1e-9 {
			t.Errorf("agent %s outgoing sum %v exceeds budget after optimization", a.ID, sum)
		}
	}
}

func TestOptimizeTraceNonDecreasing(t *testing.T) {
	s := Build(fivePack(), 1, Config{})
	_, trace := Optimize(s, Config{Rounds: 3})

	prev := math.Inf(-1)
	for _, r := range trace {
		if !r.Accepted {
			continue
		}
		if r.After < prev {
			t.Fatalf("accepted efficiency regressed: %v -> %v", prev, r.After)
		}
		prev = r.After
	}
}

func TestOptimizeDeterministic(t *testing.T) {
	s := Build(fivePack(), 1, Config{})
	a, traceA := Optimize(s, Config{Rounds: 3})
	b, traceB := Optimize(s, Config{Rounds: 3})

	if a.Efficiency() != b.Efficiency() {
		t.Fatalf("efficiency differs across identical runs: %v vs %v", a.Efficiency(), b.Efficiency())
	}
	for i := range traceA {
		if traceA[i] != traceB[i] {
			t.Fatalf("trace diverged at round %d: %+v vs %+v", i, traceA[i], traceB[i])
		}
	}
	for _, src := range a.Agents() {
		for _, dst := range a.Agents() {
			if a.Weight(src.ID, dst.ID) != b.Weight(src.ID, dst.ID) {
				t.Fatalf("weight %s->%s differs across identical runs", src.ID, dst.ID)
			}
		}
	}
}

func TestOptimizeDivergenceHalts(t *testing.T) {
	// Sparse population where round 3 regresses: the optimizer must roll
	// back to the round-2 weights and stop.
	agents := []registry.Agent{
		ag("a1", true, capability.Synthesis, capability.Verification),
		ag("a2", false, capability.Analysis, capability.Coding),
		ag("a3", false, capability.Planning, capability.Verification),
		ag("a4", false, capability.Review),
		ag("a5", false, capability.Planning),
	}
	s := Build(agents, 1, Config{})

	opt, trace := Optimize(s, Config{Rounds: 5})
	if len(trace) != 3 {
		t.Fatalf("expected halt after first rejection (3 rounds), got %d", len(trace))
	}
	last := trace[len(trace)-1]
	if last.Accepted {
		t.Fatal("expected final round to be rejected")
	}
	if last.After >= last.Before {
		t.Fatalf("rejected round should have regressed: before %v after %v", last.Before, last.After)
	}
	// Snapshot keeps the last accepted efficiency, not the regressed one.
	near(t, opt.Efficiency(), trace[1].After, 1e-9, "efficiency after rollback")
}

func TestOptimizeTinyPopulation(t *testing.T) {
	s := Build([]registry.Agent{ag("solo", true, capability.Coding)}, 1, Config{})
	if s.Efficiency() != 0 {
		t.Errorf("singleton efficiency should be 0, got %v", s.Efficiency())
	}
	opt, trace := Optimize(s, Config{Rounds: 3})
	if opt.Efficiency() != 0 {
		t.Errorf("singleton optimization should stay at 0, got %v", opt.Efficiency())
	}
	for _, r := range trace {
		if !r.Accepted {
			t.Error("no-op rounds must not be rejected")
		}
	}
}

func TestSnapshotVersionCarries(t *testing.T) {
	s := Build(fivePack(), 42, Config{})
	opt, _ := Optimize(s, Config{})
	if s.Version() != 42 || opt.Version() != 42 {
		t.Error("registry version must carry through build and optimization")
	}
}
