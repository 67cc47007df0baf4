// Package orchestrator runs objectives end to end: it pins an optimized
// communication graph, decomposes the objective into phases, dispatches them
// in order and synthesizes a consensus result. Every run is identified by a
// fresh uuid and its report is immutable once terminal.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mvlachos/accord/internal/capability"
	"github.com/mvlachos/accord/internal/consensus"
	"github.com/mvlachos/accord/internal/dispatch"
	"github.com/mvlachos/accord/internal/executor"
	"github.com/mvlachos/accord/internal/graph"
	"github.com/mvlachos/accord/internal/plan"
	"github.com/mvlachos/accord/internal/registry"
)

type Status string

const (
	StatusPlanned Status = "PLANNED"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusPartial Status = "PARTIAL"
	StatusFailed  Status = "FAILED"
)

// Terminal reports true when the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusPartial || s == StatusFailed
}

var ErrUnknownRun = errors.New("unknown run")

// Objective is a unit of work submitted to the orchestrator.
type Objective struct {
	ID                  string         `json:"id"`
	Input               string         `json:"input"`
	Required            capability.Set `json:"required"`
	ParallelVerifiable  capability.Set `json:"parallel_verifiable,omitempty"`
	MaxPhases           int            `json:"max_phases,omitempty"`
	ConfidenceThreshold float64        `json:"confidence_threshold,omitempty"`
}

// Report is the full record of one run. Once Status is terminal the report
// never changes; running the same objective again produces a new run id.
type Report struct {
	RunID       string                 `json:"run_id"`
	ObjectiveID string                 `json:"objective_id"`
	Status      Status                 `json:"status"`
	Output      string                 `json:"output,omitempty"`
	Confidence  float64                `json:"confidence,omitempty"`
	Efficiency  float64                `json:"efficiency"`
	Phases      []dispatch.PhaseResult `json:"phases,omitempty"`
	Candidates  []consensus.Candidate  `json:"candidates,omitempty"`
	Trace       []graph.Round          `json:"trace,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  time.Time              `json:"finished_at,omitempty"`
}

// Plan is the dispatch-free view of an objective: the phases it would run
// and the graph it would run them on.
type Plan struct {
	ObjectiveID string        `json:"objective_id"`
	Phases      []plan.Phase  `json:"phases"`
	Efficiency  float64       `json:"efficiency"`
	Trace       []graph.Round `json:"trace,omitempty"`
}

type Config struct {
	Graph               graph.Config     `json:"graph"`
	Dispatch            dispatch.Config  `json:"dispatch"`
	Consensus           consensus.Config `json:"consensus"`
	MaxPhases           int              `json:"max_phases"`           // default objective phase budget
	ConfidenceThreshold float64          `json:"confidence_threshold"` // default phase acceptance threshold
}

const DefaultMaxPhases = 4

// Recorder persists run reports. It is called once when a run starts and
// once when it reaches a terminal status.
type Recorder interface {
	RecordRun(ctx context.Context, r Report) error
}

type Orchestrator struct {
	reg  *registry.Registry
	exec executor.Executor
	cfg  Config

	mu       sync.Mutex
	snap     *graph.Snapshot
	trace    []graph.Round
	snapVer  uint64
	active   map[string]context.CancelFunc
	recorder Recorder
	publish  func(event string, data map[string]any)
	onReport func(Report)
}

func New(reg *registry.Registry, exec executor.Executor, cfg Config) *Orchestrator {
	if cfg.MaxPhases <= 0 {
		cfg.MaxPhases = DefaultMaxPhases
	}
	return &Orchestrator{
		reg:    reg,
		exec:   exec,
		cfg:    cfg,
		active: make(map[string]context.CancelFunc),
	}
}

// UpdateConfig swaps the coordination parameters. The cached graph is
// dropped so the next snapshot reflects the new settings; in-flight runs
// keep the snapshot they started with.
func (o *Orchestrator) UpdateConfig(cfg Config) {
	if cfg.MaxPhases <= 0 {
		cfg.MaxPhases = DefaultMaxPhases
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = cfg
	o.snap = nil
}

// SetRecorder installs an optional persistence sink for run reports.
func (o *Orchestrator) SetRecorder(r Recorder) { o.recorder = r }

// OnEvent installs an optional event sink; run and phase lifecycle events
// pass through it.
func (o *Orchestrator) OnEvent(fn func(event string, data map[string]any)) { o.publish = fn }

// OnReport installs an optional callback invoked with every terminal report.
func (o *Orchestrator) OnReport(fn func(Report)) { o.onReport = fn }

func (o *Orchestrator) emit(event string, data map[string]any) {
	if o.publish != nil {
		o.publish(event, data)
	}
}

// Snapshot returns the current optimized graph, rebuilding it only when the
// registry has changed since the last build.
func (o *Orchestrator) Snapshot() (*graph.Snapshot, []graph.Round) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() (*graph.Snapshot, []graph.Round) {
	agents, version := o.reg.Snapshot()
	if o.snap != nil && o.snapVer == version {
		return o.snap, o.trace
	}
	built := graph.Build(agents, version, o.cfg.Graph)
	optimized, trace := graph.Optimize(built, o.cfg.Graph)
	o.snap, o.trace, o.snapVer = optimized, trace, version
	slog.Info("graph rebuilt",
		"version", version,
		"agents", optimized.Len(),
		"efficiency", optimized.Efficiency())
	return optimized, trace
}

// PlanObjective decomposes the objective against the current graph without
// dispatching anything.
func (o *Orchestrator) PlanObjective(obj Objective) (Plan, error) {
	snap, trace := o.Snapshot()
	phases, err := o.decompose(obj, snap)
	if err != nil {
		return Plan{}, err
	}
	return Plan{
		ObjectiveID: obj.ID,
		Phases:      phases,
		Efficiency:  snap.Efficiency(),
		Trace:       trace,
	}, nil
}

func (o *Orchestrator) decompose(obj Objective, snap *graph.Snapshot) ([]plan.Phase, error) {
	maxPhases := obj.MaxPhases
	if maxPhases <= 0 {
		maxPhases = o.cfg.MaxPhases
	}
	threshold := obj.ConfidenceThreshold
	if threshold <= 0 {
		threshold = o.cfg.ConfidenceThreshold
	}
	return plan.Decompose(obj.Required, obj.ParallelVerifiable, maxPhases, threshold, snap)
}

// Run executes the objective under a fresh run id and returns the terminal
// report. The returned error mirrors the report's Error field for callers
// that branch on failure kinds.
func (o *Orchestrator) Run(ctx context.Context, obj Objective) (Report, error) {
	return o.runWithID(ctx, uuid.NewString(), obj)
}

// Start launches the objective in the background and returns its run id
// immediately. The terminal report is delivered through the recorder and
// the OnReport callback.
func (o *Orchestrator) Start(ctx context.Context, obj Objective) string {
	runID := uuid.NewString()
	go func() {
		if _, err := o.runWithID(ctx, runID, obj); err != nil {
			slog.Warn("background run finished with error", "run", runID, "error", err)
		}
	}()
	return runID
}

func (o *Orchestrator) runWithID(ctx context.Context, runID string, obj Objective) (Report, error) {
	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	snap, trace := o.snapshotLocked()
	o.active[runID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.active, runID)
		o.mu.Unlock()
	}()

	report := Report{
		RunID:       runID,
		ObjectiveID: obj.ID,
		Status:      StatusRunning,
		Efficiency:  snap.Efficiency(),
		Trace:       trace,
		StartedAt:   time.Now().UTC(),
	}
	o.record(ctx, report)
	o.emit("run_started", map[string]any{
		"run_id":     runID,
		"objective":  obj.ID,
		"efficiency": snap.Efficiency(),
	})
	slog.Info("run started", "run", runID, "objective", obj.ID)

	phases, err := o.decompose(obj, snap)
	if err != nil {
		// Infeasible or gapped objectives fail before any dispatch.
		return o.finish(ctx, report, StatusFailed, err)
	}

	d := dispatch.New(o.exec, snap, o.cfg.Dispatch)
	d.OnEvent(o.emit)
	results, runErr := d.Run(runCtx, runID, phases, obj.Input)
	report.Phases = results
	report.Confidence = aggregateConfidence(results)

	completed := 0
	lastComplete := -1
	for i, r := range results {
		if r.Status == dispatch.StatusComplete {
			completed++
			lastComplete = i
		}
	}

	if completed == 0 {
		if runErr == nil {
			runErr = errors.New("no phase completed")
		}
		return o.finish(ctx, report, StatusFailed, runErr)
	}

	winner, synthErr := consensus.Synthesize(snap, results[lastComplete], o.cfg.Consensus)
	var tie *consensus.TieError
	switch {
	case errors.As(synthErr, &tie):
		report.Candidates = tie.Candidates
		return o.finish(ctx, report, StatusPartial, synthErr)
	case synthErr != nil:
		return o.finish(ctx, report, StatusFailed, synthErr)
	}

	report.Output = winner.Output
	if completed < len(results) || runErr != nil {
		// Cancellation or failed phases with salvageable output.
		if runErr == nil {
			runErr = fmt.Errorf("%d of %d phases completed", completed, len(results))
		}
		return o.finish(ctx, report, StatusPartial, runErr)
	}
	return o.finish(ctx, report, StatusSuccess, nil)
}

// aggregateConfidence is the mean confidence over the phases that reached a
// terminal status. Pending phases carry no signal and are excluded.
func aggregateConfidence(results []dispatch.PhaseResult) float64 {
	sum, n := 0.0, 0
	for _, r := range results {
		if r.Status == dispatch.StatusComplete || r.Status == dispatch.StatusFailed {
			sum += r.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (o *Orchestrator) finish(ctx context.Context, report Report, status Status, err error) (Report, error) {
	report.Status = status
	report.FinishedAt = time.Now().UTC()
	if err != nil {
		report.Error = err.Error()
	}

	o.record(ctx, report)
	o.emit("run_finished", map[string]any{
		"run_id":    report.RunID,
		"objective": report.ObjectiveID,
		"status":    string(status),
		"error":     report.Error,
	})
	slog.Info("run finished",
		"run", report.RunID,
		"status", status,
		"confidence", report.Confidence)

	if o.onReport != nil {
		o.onReport(report)
	}
	return report, err
}

func (o *Orchestrator) record(ctx context.Context, report Report) {
	if o.recorder == nil {
		return
	}
	// Recording runs on a detached context so terminal reports survive the
	// run's own cancellation.
	if err := o.recorder.RecordRun(context.WithoutCancel(ctx), report); err != nil {
		slog.Error("record run", "run", report.RunID, "error", err)
	}
}

// Cancel aborts a running run. The run finishes as PARTIAL or FAILED
// depending on how much had completed.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.Lock()
	cancel, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	cancel()
	return nil
}

// ActiveRuns lists the ids of runs currently in flight.
func (o *Orchestrator) ActiveRuns() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}
