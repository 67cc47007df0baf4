// Package dispatch drives phase execution: greedy agent selection over the
// communication graph, concurrent fan-out within a phase, strict ordering
// across phases, and retry with fresh agent subsets when confidence falls
// short.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mvlachos/accord/internal/capability"
	"github.com/mvlachos/accord/internal/executor"
	"github.com/mvlachos/accord/internal/graph"
	"github.com/mvlachos/accord/internal/plan"
)

type Config struct {
	TaskTimeout time.Duration `json:"task_timeout"` // per-task deadline
	MaxRetries  int           `json:"max_retries"`  // extra attempts after the first; negative disables retries
}

const (
	DefaultTaskTimeout = 30 * time.Second
	DefaultMaxRetries  = 2
)

func (c Config) withDefaults() Config {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	} else if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Task is one agent's contribution to a phase attempt.
type Task struct {
	AgentID    string  `json:"agent_id"`
	Output     string  `json:"output,omitempty"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

// PhaseResult is the terminal record of one phase.
type PhaseResult struct {
	Index        int            `json:"index"`
	Capabilities capability.Set `json:"capabilities"`
	Verification bool           `json:"verification,omitempty"`
	Status       Status         `json:"status"`
	Attempts     int            `json:"attempts"`
	AgentIDs     []string       `json:"agent_ids,omitempty"`
	Confidence   float64        `json:"confidence"`
	Threshold    float64        `json:"threshold"`
	Output       string         `json:"output,omitempty"`
	Tasks        []Task         `json:"tasks,omitempty"`
}

// Dispatcher executes phase plans against one pinned graph snapshot.
type Dispatcher struct {
	exec    executor.Executor
	snap    *graph.Snapshot
	cfg     Config
	publish func(event string, data map[string]any)
}

func New(exec executor.Executor, snap *graph.Snapshot, cfg Config) *Dispatcher {
	return &Dispatcher{exec: exec, snap: snap, cfg: cfg.withDefaults()}
}

// OnEvent installs an optional event sink; events mirror phase lifecycle.
func (d *Dispatcher) OnEvent(fn func(event string, data map[string]any)) {
	d.publish = fn
}

func (d *Dispatcher) emit(event string, data map[string]any) {
	if d.publish != nil {
		d.publish(event, data)
	}
}

// Run processes the phases strictly in order: phase k+1 is dispatched only
// once phase k reaches complete or failed. A capability gap aborts the run
// immediately. Cancellation marks the in-flight phase failed and leaves the
// rest pending; completed phases keep their results.
func (d *Dispatcher) Run(ctx context.Context, runID string, phases []plan.Phase, input string) ([]PhaseResult, error) {
	results := make([]PhaseResult, len(phases))
	for i, p := range phases {
		results[i] = PhaseResult{
			Index:        p.Index,
			Capabilities: p.Capabilities,
			Verification: p.Verification,
			Status:       StatusPending,
			Threshold:    p.Threshold,
		}
	}

	var contextParts []string
	for i, p := range phases {
		if err := ctx.Err(); err != nil {
			results[i].Status = StatusFailed
			return results, err
		}

		results[i].Status = StatusActive
		d.emit("phase_started", map[string]any{
			"run_id":       runID,
			"phase":        p.Index,
			"capabilities": p.Capabilities.Strings(),
		})

		res, err := d.runPhase(ctx, runID, p, input, strings.Join(contextParts, "\n\n"))
		results[i] = res
		if err != nil {
			// Capability gap or cancellation: no further phases.
			d.emit("phase_failed", map[string]any{
				"run_id": runID,
				"phase":  p.Index,
				"error":  err.Error(),
			})
			return results, err
		}

		if res.Status == StatusComplete {
			contextParts = append(contextParts, res.Output)
			d.emit("phase_completed", map[string]any{
				"run_id":     runID,
				"phase":      p.Index,
				"confidence": res.Confidence,
			})
		} else {
			d.emit("phase_failed", map[string]any{
				"run_id": runID,
				"phase":  p.Index,
			})
		}
	}
	return results, nil
}

func (d *Dispatcher) runPhase(ctx context.Context, runID string, p plan.Phase, input, phaseContext string) (PhaseResult, error) {
	res := PhaseResult{
		Index:        p.Index,
		Capabilities: p.Capabilities,
		Verification: p.Verification,
		Status:       StatusActive,
		Threshold:    p.Threshold,
	}

	excluded := make(map[string]bool)
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		subset, err := d.selectSubset(p.Capabilities, excluded)
		if err != nil {
			if attempt == 0 {
				// Nobody can cover the phase at all.
				res.Status = StatusFailed
				return res, err
			}
			// No non-overlapping subset left to retry with.
			slog.Warn("no alternate subset for retry", "run", runID, "phase", p.Index, "attempt", attempt)
			break
		}

		res.Attempts = attempt + 1
		res.AgentIDs = subset
		tasks := d.fanOut(ctx, runID, p, subset, input, phaseContext)
		res.Tasks = append(res.Tasks, tasks...)

		conf := d.aggregate(subset, tasks)
		res.Confidence = conf

		if conf >= p.Threshold {
			res.Status = StatusComplete
			res.Output = d.pickOutput(tasks)
			return res, nil
		}

		slog.Info("phase confidence below threshold",
			"run", runID, "phase", p.Index, "attempt", attempt+1,
			"confidence", conf, "threshold", p.Threshold)

		if err := ctx.Err(); err != nil {
			res.Status = StatusFailed
			return res, err
		}
		for _, id := range subset {
			excluded[id] = true
		}
	}

	res.Status = StatusFailed
	return res, nil
}

// selectSubset picks the minimal covering subset by greedy set cover:
// most uncovered capabilities first, then higher incoming graph weight,
// then ascending id.
func (d *Dispatcher) selectSubset(required capability.Set, excluded map[string]bool) ([]string, error) {
	type candidate struct {
		id   string
		caps capability.Set
	}
	var candidates []candidate
	for _, a := range d.snap.Agents() {
		if excluded[a.ID] {
			continue
		}
		if len(a.Capabilities.Intersect(required)) == 0 {
			continue
		}
		candidates = append(candidates, candidate{id: a.ID, caps: a.Capabilities})
	}

	uncovered := required.Clone()
	var subset []string
	for len(uncovered) > 0 {
		bestIdx := -1
		bestGain := 0
		bestWeight := 0.0
		for idx, c := range candidates {
			gain := len(c.caps.Intersect(uncovered))
			if gain == 0 {
				continue
			}
			w := d.snap.IncomingSum(c.id)
			better := gain > bestGain ||
				(gain == bestGain && w > bestWeight) ||
				(gain == bestGain && w == bestWeight && (bestIdx < 0 || c.id < candidates[bestIdx].id))
			if better {
				bestIdx, bestGain, bestWeight = idx, gain, w
			}
		}
		if bestIdx < 0 {
			return nil, &plan.CapabilityGapError{Missing: uncovered.Sorted()}
		}
		chosen := candidates[bestIdx]
		subset = append(subset, chosen.id)
		for _, c := range chosen.caps.Sorted() {
			delete(uncovered, c)
		}
		candidates = append(candidates[:bestIdx], candidates[bestIdx+1:]...)
	}

	sort.Strings(subset)
	return subset, nil
}

// fanOut runs one task per selected agent concurrently and waits for all of
// them to return or time out. There is no partial aggregation mid-phase.
func (d *Dispatcher) fanOut(ctx context.Context, runID string, p plan.Phase, subset []string, input, phaseContext string) []Task {
	tasks := make([]Task, len(subset))
	var wg sync.WaitGroup
	for i, agentID := range subset {
		wg.Add(1)
		go func(i int, agentID string) {
			defer wg.Done()
			taskCtx, cancel := context.WithTimeout(ctx, d.cfg.TaskTimeout)
			defer cancel()

			result, err := d.exec.Execute(taskCtx, executor.Request{
				RunID:        runID,
				AgentID:      agentID,
				Phase:        p.Index,
				Capabilities: p.Capabilities.Strings(),
				Input:        input,
				Context:      phaseContext,
			})

			task := Task{AgentID: agentID}
			switch {
			case err != nil:
				// Unreachable agent: confidence 0, never fatal.
				task.Error = err.Error()
			case result.Confidence < 0 || result.Confidence > 1:
				task.Error = fmt.Sprintf("confidence %v out of range", result.Confidence)
			default:
				task.Output = result.Output
				task.Confidence = result.Confidence
			}
			tasks[i] = task

			d.emit("task_completed", map[string]any{
				"run_id":     runID,
				"phase":      p.Index,
				"agent":      agentID,
				"confidence": task.Confidence,
			})
		}(i, agentID)
	}
	wg.Wait()
	return tasks
}

// aggregate computes the phase confidence as the graph-weight-weighted
// average of the subset's confidences, falling back to a plain mean when
// the subset carries no incoming weight.
func (d *Dispatcher) aggregate(subset []string, tasks []Task) float64 {
	num, den := 0.0, 0.0
	for _, t := range tasks {
		w := d.snap.IncomingSum(t.AgentID)
		num += w * t.Confidence
		den += w
	}
	if den <= 0 {
		sum := 0.0
		for _, t := range tasks {
			sum += t.Confidence
		}
		if len(tasks) == 0 {
			return 0
		}
		return sum / float64(len(tasks))
	}
	return num / den
}

// pickOutput returns the output of the strongest contributor: highest
// weight-scaled confidence, ascending agent id on ties.
func (d *Dispatcher) pickOutput(tasks []Task) string {
	best := -1
	bestScore := -1.0
	for i, t := range tasks {
		if t.Error != "" {
			continue
		}
		w := d.snap.IncomingSum(t.AgentID)
		if w <= 0 {
			w = 1
		}
		score := w * t.Confidence
		if score > bestScore || (score == bestScore && best >= 0 && t.AgentID < tasks[best].AgentID) {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return ""
	}
	return tasks[best].Output
}
