// Package consensus reduces the per-agent outputs of the final completed
// phase to a single result. Scoring is deterministic over the graph snapshot;
// a genuine tie between differently-opinioned agents is surfaced to the
// caller instead of being papered over.
package consensus

import (
	"fmt"
	"sort"

	"github.com/mvlachos/accord/internal/dispatch"
	"github.com/mvlachos/accord/internal/graph"
)

// DefaultTolerance is the confidence margin under which two leading
// candidates count as tied.
const DefaultTolerance = 0.05

type Config struct {
	Tolerance float64 `json:"tolerance"`
}

func (c Config) withDefaults() Config {
	if c.Tolerance <= 0 {
		c.Tolerance = DefaultTolerance
	}
	return c
}

// Candidate is one agent's answer weighted by its standing in the graph.
type Candidate struct {
	AgentID    string  `json:"agent_id"`
	Output     string  `json:"output"`
	Confidence float64 `json:"confidence"`
	Score      float64 `json:"score"`
}

// TieError reports that the top candidates are too close to call and no
// leader vote settles it. Both candidates ride along for the caller to
// attach to a partial result.
type TieError struct {
	Candidates []Candidate
}

func (e *TieError) Error() string {
	return fmt.Sprintf("synthesis tie between %d candidates within tolerance", len(e.Candidates))
}

// Synthesize picks the winning output of a completed phase. Each error-free
// task scores confidence times the agent's incoming graph weight (weightless
// agents count with weight 1). The highest score wins outright when its
// confidence clears the runner-up's by more than the tolerance. A runner-up
// within the confidence tolerance that agrees on the output merges its score
// into the winner's; a disagreeing one is broken by the leader's vote, and
// failing that, reported as a TieError.
func Synthesize(s *graph.Snapshot, res dispatch.PhaseResult, cfg Config) (Candidate, error) {
	cfg = cfg.withDefaults()

	if res.Status != dispatch.StatusComplete {
		return Candidate{}, fmt.Errorf("cannot synthesize from %s phase %d", res.Status, res.Index)
	}

	var candidates []Candidate
	for _, task := range res.Tasks {
		if task.Error != "" {
			continue
		}
		w := s.IncomingSum(task.AgentID)
		if w <= 0 {
			w = 1
		}
		candidates = append(candidates, Candidate{
			AgentID:    task.AgentID,
			Output:     task.Output,
			Confidence: task.Confidence,
			Score:      w * task.Confidence,
		})
	}
	if len(candidates) == 0 {
		return Candidate{}, fmt.Errorf("phase %d has no usable outputs", res.Index)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].AgentID < candidates[j].AgentID
	})

	best := candidates[0]
	if len(candidates) == 1 {
		return best, nil
	}

	second := candidates[1]
	// Closeness is judged on raw confidence. The graph-weighted score ranks
	// the candidates but would let asymmetric weights inflate the spread
	// between agents that are equally sure of their answers.
	spread := best.Confidence - second.Confidence
	if spread < 0 {
		spread = -spread
	}
	if spread > cfg.Tolerance {
		return best, nil
	}
	if second.Output == best.Output {
		// Same answer from close scores reinforces it.
		best.Score += second.Score
		return best, nil
	}

	if leader, ok := s.Leader(); ok {
		for _, c := range []Candidate{best, second} {
			if c.AgentID == leader.ID {
				return c, nil
			}
		}
	}
	return Candidate{}, &TieError{Candidates: []Candidate{best, second}}
}
