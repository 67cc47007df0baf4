package consensus

import (
	"errors"
	"testing"

	"github.com/mvlachos/accord/internal/capability"
	"github.com/mvlachos/accord/internal/dispatch"
	"github.com/mvlachos/accord/internal/graph"
	"github.com/mvlachos/accord/internal/registry"
)

// uniformSnap builds a population with identical capability sets, so every
// agent carries the same incoming weight and scores reduce to confidences.
func uniformSnap(t *testing.T, leaderID string, ids ...string) *graph.Snapshot {
	t.Helper()
	agents := make([]registry.Agent, len(ids))
	for i, id := range ids {
		agents[i] = registry.Agent{
			ID:           id,
			Capabilities: capability.NewSet(capability.Analysis, capability.Synthesis),
			Weight:       1.0,
			Leader:       id == leaderID,
			Status:       registry.StatusActive,
		}
	}
	return graph.Build(agents, 1, graph.Config{})
}

func completedPhase(tasks ...dispatch.Task) dispatch.PhaseResult {
	return dispatch.PhaseResult{
		Index:  2,
		Status: dispatch.StatusComplete,
		Tasks:  tasks,
	}
}

func TestSynthesizeClearWinner(t *testing.T) {
	s := uniformSnap(t, "lead", "lead", "peer-a", "peer-b")
	res := completedPhase(
		dispatch.Task{AgentID: "peer-a", Output: "answer A", Confidence: 0.9},
		dispatch.Task{AgentID: "peer-b", Output: "answer B", Confidence: 0.6},
		dispatch.Task{AgentID: "lead", Output: "answer C", Confidence: 0.5},
	)

	winner, err := Synthesize(s, res, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if winner.AgentID != "peer-a" || winner.Output != "answer A" {
		t.Fatalf("expected peer-a to win, got %+v", winner)
	}
}

func TestSynthesizeAgreementMergesScores(t *testing.T) {
	s := uniformSnap(t, "lead", "lead", "peer-a", "peer-b")
	res := completedPhase(
		dispatch.Task{AgentID: "peer-a", Output: "shared answer", Confidence: 0.9},
		dispatch.Task{AgentID: "peer-b", Output: "shared answer", Confidence: 0.88},
	)

	winner, err := Synthesize(s, res, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if winner.Output != "shared answer" {
		t.Fatalf("expected the shared answer, got %q", winner.Output)
	}
	if winner.Score <= 0.9 {
		t.Errorf("agreeing runner-up should reinforce the score, got %v", winner.Score)
	}
}

func TestSynthesizeLeaderBreaksTie(t *testing.T) {
	s := uniformSnap(t, "lead", "lead", "peer-a", "peer-b")
	res := completedPhase(
		dispatch.Task{AgentID: "peer-a", Output: "peer answer", Confidence: 0.9},
		dispatch.Task{AgentID: "lead", Output: "leader answer", Confidence: 0.88},
	)

	winner, err := Synthesize(s, res, Config{})
	if err != nil {
		t.Fatal(err)
	}
	// Scores are within tolerance and the outputs disagree, so the leader's
	// vote settles it even from second place.
	if winner.AgentID != "lead" || winner.Output != "leader answer" {
		t.Fatalf("expected leader tie-break, got %+v", winner)
	}
}

func TestSynthesizeWeightSkewDoesNotMaskTie(t *testing.T) {
	// lead overlaps the others on a single capability, so its incoming
	// weight sits well below theirs. Equal confidences are still a tie and
	// the leader's vote settles it regardless of the score gap.
	agents := []registry.Agent{
		{ID: "heavy", Capabilities: capability.NewSet(capability.Analysis, capability.Synthesis), Weight: 1.0, Status: registry.StatusActive},
		{ID: "lead", Capabilities: capability.NewSet(capability.Analysis), Weight: 1.0, Leader: true, Status: registry.StatusActive},
		{ID: "peer", Capabilities: capability.NewSet(capability.Analysis, capability.Synthesis), Weight: 1.0, Status: registry.StatusActive},
	}
	s := graph.Build(agents, 1, graph.Config{})
	res := completedPhase(
		dispatch.Task{AgentID: "heavy", Output: "heavy answer", Confidence: 0.9},
		dispatch.Task{AgentID: "lead", Output: "leader answer", Confidence: 0.9},
	)

	winner, err := Synthesize(s, res, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if winner.AgentID != "lead" || winner.Output != "leader answer" {
		t.Fatalf("expected leader tie-break over the better-connected agent, got %+v", winner)
	}
}

func TestSynthesizeTieWithoutLeader(t *testing.T) {
	s := uniformSnap(t, "lead", "lead", "peer-a", "peer-b")
	res := completedPhase(
		dispatch.Task{AgentID: "peer-a", Output: "answer A", Confidence: 0.9},
		dispatch.Task{AgentID: "peer-b", Output: "answer B", Confidence: 0.88},
		dispatch.Task{AgentID: "lead", Output: "answer C", Confidence: 0.3},
	)

	_, err := Synthesize(s, res, Config{})
	var tie *TieError
	if !errors.As(err, &tie) {
		t.Fatalf("expected TieError, got %v", err)
	}
	if len(tie.Candidates) != 2 {
		t.Fatalf("tie must carry both candidates, got %d", len(tie.Candidates))
	}
	got := map[string]bool{tie.Candidates[0].AgentID: true, tie.Candidates[1].AgentID: true}
	if !got["peer-a"] || !got["peer-b"] {
		t.Fatalf("unexpected tied candidates: %+v", tie.Candidates)
	}
}

func TestSynthesizeToleranceSeparates(t *testing.T) {
	s := uniformSnap(t, "lead", "lead", "peer-a", "peer-b")
	res := completedPhase(
		dispatch.Task{AgentID: "peer-a", Output: "answer A", Confidence: 0.9},
		dispatch.Task{AgentID: "peer-b", Output: "answer B", Confidence: 0.88},
	)

	// A tighter tolerance turns the near-tie into a clear win.
	winner, err := Synthesize(s, res, Config{Tolerance: 0.01})
	if err != nil {
		t.Fatal(err)
	}
	if winner.AgentID != "peer-a" {
		t.Fatalf("expected peer-a with tight tolerance, got %+v", winner)
	}
}

func TestSynthesizeSkipsErroredTasks(t *testing.T) {
	s := uniformSnap(t, "lead", "lead", "peer-a")
	res := completedPhase(
		dispatch.Task{AgentID: "lead", Error: "timeout", Confidence: 0},
		dispatch.Task{AgentID: "peer-a", Output: "survivor", Confidence: 0.7},
	)

	winner, err := Synthesize(s, res, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if winner.AgentID != "peer-a" {
		t.Fatalf("errored task must not win, got %+v", winner)
	}

	allErrored := completedPhase(dispatch.Task{AgentID: "lead", Error: "timeout"})
	if _, err := Synthesize(s, allErrored, Config{}); err == nil {
		t.Fatal("expected error when every task errored")
	}
}

func TestSynthesizeRejectsIncompletePhase(t *testing.T) {
	s := uniformSnap(t, "lead", "lead", "peer-a")
	res := dispatch.PhaseResult{
		Index:  1,
		Status: dispatch.StatusFailed,
		Tasks:  []dispatch.Task{{AgentID: "peer-a", Output: "x", Confidence: 0.9}},
	}
	if _, err := Synthesize(s, res, Config{}); err == nil {
		t.Fatal("expected error for non-complete phase")
	}
}
