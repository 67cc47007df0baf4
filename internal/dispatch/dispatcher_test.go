package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mvlachos/accord/internal/capability"
	"github.com/mvlachos/accord/internal/executor"
	"github.com/mvlachos/accord/internal/graph"
	"github.com/mvlachos/accord/internal/plan"
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

func snap(t *testing.T, agents ...registry.Agent) *graph.Snapshot {
	t.Helper()
	return graph.Build(agents, 1, graph.Config{})
}

func phase(idx int, threshold float64, caps ...capability.Capability) plan.Phase {
	return plan.Phase{Index: idx, Capabilities: capability.NewSet(caps...), Threshold: threshold}
}

// recorder wraps an executor and keeps every request it saw.
type recorder struct {
	mu   sync.Mutex
	reqs []executor.Request
	fn   executor.Func
}

func (r *recorder) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	return r.fn(ctx, req)
}

func (r *recorder) calls() []executor.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]executor.Request(nil), r.reqs...)
}

func TestRunSinglePhaseCompletes(t *testing.T) {
	s := snap(t,
		ag("alpha", true, capability.Analysis, capability.Coding),
		ag("bravo", false, capability.Analysis),
		ag("charlie", false, capability.Coding),
	)
	rec := &recorder{fn: func(ctx context.Context, req executor.Request) (executor.Result, error) {
		return executor.Result{Output: "done by " + req.AgentID, Confidence: 0.95}, nil
	}}
	d := New(rec, s, Config{})

	results, err := d.Run(context.Background(), "run-1", []plan.Phase{
		phase(0, 0.9, capability.Analysis, capability.Coding),
	}, "objective input")
	if err != nil {
		t.Fatal(err)
	}

	if results[0].Status != StatusComplete {
		t.Fatalf("expected complete, got %s", results[0].Status)
	}
	if results[0].Attempts != 1 {
		t.Errorf("expected a single attempt, got %d", results[0].Attempts)
	}
	// alpha covers both capabilities alone, so the greedy cover stops there.
	if len(results[0].AgentIDs) != 1 || results[0].AgentIDs[0] != "alpha" {
		t.Errorf("expected subset [alpha], got %v", results[0].AgentIDs)
	}
	if results[0].Output != "done by alpha" {
		t.Errorf("unexpected phase output %q", results[0].Output)
	}
	if got := rec.calls(); len(got) != 1 || got[0].Input != "objective input" {
		t.Errorf("unexpected executor calls: %+v", got)
	}
}

func TestRetryWithFreshSubsetAfterTimeout(t *testing.T) {
	s := snap(t,
		ag("alpha", false, capability.Analysis, capability.Coding),
		ag("bravo", true, capability.Analysis, capability.Planning),
		ag("charlie", false, capability.Coding, capability.Planning),
	)
	rec := &recorder{fn: func(ctx context.Context, req executor.Request) (executor.Result, error) {
		if req.AgentID == "alpha" {
			<-ctx.Done()
			return executor.Result{}, ctx.Err()
		}
		return executor.Result{Output: req.AgentID + " output", Confidence: 0.95}, nil
	}}
	d := New(rec, s, Config{TaskTimeout: 25 * time.Millisecond})

	results, err := d.Run(context.Background(), "run-retry", []plan.Phase{
		phase(0, 0.9, capability.Analysis, capability.Coding),
	}, "in")
	if err != nil {
		t.Fatal(err)
	}

	res := results[0]
	if res.Status != StatusComplete {
		t.Fatalf("expected phase to complete on retry, got %s", res.Status)
	}
	if res.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.Attempts)
	}
	// The second subset must not reuse the timed-out agent.
	for _, id := range res.AgentIDs {
		if id == "alpha" {
			t.Fatal("retry subset reused the timed-out agent")
		}
	}
	if len(res.AgentIDs) != 2 {
		t.Fatalf("expected two-agent retry subset, got %v", res.AgentIDs)
	}
	if res.Confidence < 0.9 {
		t.Errorf("retry confidence %v below threshold", res.Confidence)
	}
	// First attempt is preserved in the task trail with its error.
	if res.Tasks[0].AgentID != "alpha" || res.Tasks[0].Error == "" || res.Tasks[0].Confidence != 0 {
		t.Errorf("timed-out task not degraded to zero confidence: %+v", res.Tasks[0])
	}
}

func TestCapabilityGapFailsWithoutDispatching(t *testing.T) {
	s := snap(t,
		ag("alpha", true, capability.Analysis),
		ag("bravo", false, capability.Analysis, capability.Coding),
	)
	rec := &recorder{fn: func(ctx context.Context, req executor.Request) (executor.Result, error) {
		return executor.Result{Confidence: 1}, nil
	}}
	d := New(rec, s, Config{})

	results, err := d.Run(context.Background(), "run-gap", []plan.Phase{
		phase(0, 0.9, capability.Analysis, capability.Verification),
		phase(1, 0.9, capability.Coding),
	}, "in")

	var gap *plan.CapabilityGapError
	if !errors.As(err, &gap) {
		t.Fatalf("expected CapabilityGapError, got %v", err)
	}
	if len(gap.Missing) != 1 || gap.Missing[0] != capability.Verification {
		t.Fatalf("expected missing [verification], got %v", gap.Missing)
	}
	if calls := rec.calls(); len(calls) != 0 {
		t.Fatalf("capability gap must not dispatch any task, saw %d", len(calls))
	}
	if results[0].Status != StatusFailed || results[0].Attempts != 0 {
		t.Errorf("gapped phase should fail with zero attempts: %+v", results[0])
	}
	if results[1].Status != StatusPending {
		t.Errorf("later phase should stay pending, got %s", results[1].Status)
	}
}

func TestFailedPhaseDoesNotBlockLaterPhases(t *testing.T) {
	// Only delta holds review, and delta keeps answering below threshold.
	s := snap(t,
		ag("delta", false, capability.Review, capability.Analysis),
		ag("echo", true, capability.Coding, capability.Analysis),
	)
	rec := &recorder{fn: func(ctx context.Context, req executor.Request) (executor.Result, error) {
		if req.AgentID == "delta" {
			return executor.Result{Output: "weak", Confidence: 0.2}, nil
		}
		return executor.Result{Output: "solid", Confidence: 0.95}, nil
	}}
	d := New(rec, s, Config{})

	results, err := d.Run(context.Background(), "run-partial", []plan.Phase{
		phase(0, 0.9, capability.Review),
		phase(1, 0.9, capability.Coding),
	}, "in")
	if err != nil {
		t.Fatal(err)
	}

	if results[0].Status != StatusFailed {
		t.Fatalf("expected first phase to fail, got %s", results[0].Status)
	}
	// With the only holder excluded there is no alternate subset, so the
	// phase fails after one attempt.
	if results[0].Attempts != 1 {
		t.Errorf("expected 1 attempt before running out of subsets, got %d", results[0].Attempts)
	}
	if results[1].Status != StatusComplete {
		t.Fatalf("later phase should still run and complete, got %s", results[1].Status)
	}
}

func TestCancellationFailsCurrentPhaseOnly(t *testing.T) {
	s := snap(t,
		ag("alpha", true, capability.Analysis, capability.Planning),
		ag("bravo", false, capability.Coding, capability.Planning),
		ag("charlie", false, capability.Synthesis, capability.Planning),
	)
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{fn: func(taskCtx context.Context, req executor.Request) (executor.Result, error) {
		if req.Phase == 1 {
			cancel()
			<-taskCtx.Done()
			return executor.Result{}, taskCtx.Err()
		}
		return executor.Result{Output: "phase output", Confidence: 0.95}, nil
	}}
	d := New(rec, s, Config{})

	results, err := d.Run(ctx, "run-cancel", []plan.Phase{
		phase(0, 0.9, capability.Analysis),
		phase(1, 0.9, capability.Coding),
		phase(2, 0.9, capability.Synthesis),
	}, "in")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if results[0].Status != StatusComplete || results[0].Output == "" {
		t.Errorf("completed phase must keep its result: %+v", results[0])
	}
	if results[1].Status != StatusFailed {
		t.Errorf("in-flight phase should be failed, got %s", results[1].Status)
	}
	if results[2].Status != StatusPending {
		t.Errorf("untouched phase should stay pending, got %s", results[2].Status)
	}
}

func TestPhaseContextCarriesPriorOutputs(t *testing.T) {
	s := snap(t,
		ag("alpha", true, capability.Analysis, capability.Coding),
	)
	rec := &recorder{fn: func(ctx context.Context, req executor.Request) (executor.Result, error) {
		return executor.Result{Output: "out-" + req.AgentID, Confidence: 1}, nil
	}}
	d := New(rec, s, Config{})

	_, err := d.Run(context.Background(), "run-ctx", []plan.Phase{
		phase(0, 0.9, capability.Analysis),
		phase(1, 0.9, capability.Coding),
	}, "in")
	if err != nil {
		t.Fatal(err)
	}

	calls := rec.calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(calls))
	}
	if calls[0].Context != "" {
		t.Errorf("first phase must start without prior context, got %q", calls[0].Context)
	}
	if !strings.Contains(calls[1].Context, "out-alpha") {
		t.Errorf("second phase should see first phase output, got %q", calls[1].Context)
	}
}

func TestSelectSubsetPrefersBroadestThenWeight(t *testing.T) {
	s := snap(t,
		ag("narrow-strong", true, capability.Analysis, capability.Planning, capability.Retrieval),
		ag("wide", false, capability.Analysis, capability.Coding, capability.Planning),
		ag("filler", false, capability.Planning, capability.Retrieval),
	)
	d := New(executor.Func(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		return executor.Result{}, nil
	}), s, Config{})

	subset, err := d.selectSubset(capability.NewSet(capability.Analysis, capability.Coding), nil)
	if err != nil {
		t.Fatal(err)
	}
	// wide covers both required capabilities, beating the better-connected
	// narrow-strong on coverage.
	if len(subset) != 1 || subset[0] != "wide" {
		t.Fatalf("expected [wide], got %v", subset)
	}
}

func TestAggregateDegradesErroredAgents(t *testing.T) {
	s := snap(t,
		ag("alpha", true, capability.Analysis, capability.Coding),
		ag("bravo", false, capability.Analysis, capability.Coding),
	)
	d := New(executor.Func(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		if req.AgentID == "alpha" {
			return executor.Result{}, errors.New("agent offline")
		}
		return executor.Result{Output: "ok", Confidence: 0.8}, nil
	}), s, Config{MaxRetries: -1})

	results, err := d.Run(context.Background(), "run-deg", []plan.Phase{
		{Index: 0, Capabilities: capability.NewSet(capability.Analysis, capability.Coding), Threshold: 0.5},
	}, "in")
	if err != nil {
		t.Fatal(err)
	}

	res := results[0]
	// One healthy 0.8 and one errored 0 land strictly between them.
	if res.Confidence <= 0 || res.Confidence >= 0.8 {
		t.Errorf("expected degraded aggregate in (0, 0.8), got %v", res.Confidence)
	}
	for _, task := range res.Tasks {
		if task.AgentID == "alpha" && (task.Error == "" || task.Confidence != 0) {
			t.Errorf("errored agent must carry zero confidence: %+v", task)
		}
	}
}

func TestEventsFollowPhaseLifecycle(t *testing.T) {
	s := snap(t, ag("alpha", true, capability.Analysis))
	d := New(executor.Func(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		return executor.Result{Output: "ok", Confidence: 1}, nil
	}), s, Config{})

	var mu sync.Mutex
	var events []string
	d.OnEvent(func(event string, data map[string]any) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	if _, err := d.Run(context.Background(), "run-ev", []plan.Phase{
		phase(0, 0.9, capability.Analysis),
	}, "in"); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"phase_started", "task_completed", "phase_completed"}
	if len(events) != len(want) {
		t.Fatalf("expected events %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], events[i])
		}
	}
}
