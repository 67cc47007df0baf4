package graph

import "log/slog"

// Round records one optimization cycle. Every round lands in the trace,
// accepted or not.
type Round struct {
	Index    int     `json:"index"`
	Before   float64 `json:"before"`
	After    float64 `json:"after"`
	Accepted bool    `json:"accepted"`
}

// Optimize runs the bounded coordination loop on a snapshot and returns the
// optimized snapshot plus the round-by-round efficiency trace. The input
// snapshot is never mutated.
//
// Each round works from a trust vector that starts as the agents' static
// leadership weights and is rescaled by their observed contributions after
// every accepted round, so weight keeps flowing toward agents that are
// already well connected. Per agent, iterated in id-ascending order, the
// outgoing mass is redistributed proportionally to trust-scaled neighbor
// contribution; the outgoing sum is preserved exactly, keeping the ≤1
// budget intact. A round that regresses efficiency beyond epsilon is rolled
// back and halts the loop.
//
// The per-agent computation uses contributions fixed at the start of the
// round, so the result is independent of iteration order; the id-ascending
// order makes that explicit and keeps runs bit-for-bit reproducible.
func Optimize(s *Snapshot, cfg Config) (*Snapshot, []Round) {
	cfg = cfg.withDefaults()
	n := len(s.agents)

	weights := make([][]float64, n)
	for i := range s.weights {
		weights[i] = make([]float64, n)
		copy(weights[i], s.weights[i])
	}
	tau := make([]float64, n)
	copy(tau, s.trust)

	contrib := make([]float64, n)
	prev := globalEfficiency(weights, tau, contrib)

	trace := make([]Round, 0, cfg.Rounds)
	for r := 1; r <= cfg.Rounds; r++ {
		next := make([][]float64, n)
		for i := range weights {
			next[i] = make([]float64, n)
			copy(next[i], weights[i])
		}

		for i := 0; i < n; i++ {
			total := 0.0
			for j := 0; j < n; j++ {
				if j != i {
					total += tau[j] * contrib[j]
				}
			}
			if total <= 0 {
				continue
			}
			out := 0.0
			for j := 0; j < n; j++ {
				out += weights[i][j]
			}
			for j := 0; j < n; j++ {
				if j == i {
					continue
				}
				next[i][j] = out * tau[j] * contrib[j] / total
			}
		}

		nextTau := make([]float64, n)
		allZero := true
		for i := 0; i < n; i++ {
			c := contrib[i]
			if c < 0 {
				c = 0
			}
			nextTau[i] = s.trust[i] * c
			if nextTau[i] > 0 {
				allZero = false
			}
		}
		if allZero {
			copy(nextTau, tau)
		}

		nextContrib := make([]float64, n)
		after := globalEfficiency(next, nextTau, nextContrib)

		accepted := after >= prev-cfg.Epsilon
		trace = append(trace, Round{Index: r, Before: prev, After: after, Accepted: accepted})
		if !accepted {
			// Keep the last accepted weights and stop.
			slog.Warn("optimization round rejected, rolling back",
				"round", r, "before", prev, "after", after)
			break
		}
		weights = next
		tau = nextTau
		contrib = nextContrib
		prev = after
	}

	out := &Snapshot{
		agents:      s.agents,
		index:       s.index,
		weights:     weights,
		trust:       s.trust,
		unreachable: s.unreachable,
		contrib:     contrib,
		efficiency:  prev,
		version:     s.version,
	}
	return out, trace
}
