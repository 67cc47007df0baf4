package graph

import (
	"github.com/mvlachos/accord/internal/capability"
	"github.com/mvlachos/accord/internal/registry"
)

// Config controls graph construction and optimization.
type Config struct {
	LeaderBoost float64 `json:"leader_boost"` // outgoing-weight multiplier for the leader
	Rounds      int     `json:"rounds"`       // optimization round bound
	Epsilon     float64 `json:"epsilon"`      // tolerated per-round efficiency regression
}

const (
	DefaultLeaderBoost = 1.3
	DefaultRounds      = 3
)

func (c Config) withDefaults() Config {
	if c.LeaderBoost <= 0 {
		c.LeaderBoost = DefaultLeaderBoost
	}
	if c.Rounds <= 0 {
		c.Rounds = DefaultRounds
	}
	if c.Epsilon < 0 {
		c.Epsilon = 0
	}
	return c
}

// Edge is one directed communication link. Exposed for observability; the
// snapshot itself stores weights in dense form.
type Edge struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Weight float64 `json:"weight"`
}

// Snapshot is an immutable weighted communication graph over a fixed agent
// population. All readers within one objective run share one snapshot; a
// registry change produces a new snapshot instead of mutating this one.
type Snapshot struct {
	agents      []registry.Agent
	index       map[string]int
	weights     [][]float64 // weights[i][j], zero on the diagonal
	trust       []float64   // static effective trust per agent
	unreachable []bool
	contrib     []float64
	efficiency  float64
	version     uint64 // registry version the population was taken at
}

// Build derives the complete directed graph over the given agents. For every
// ordered pair the weight is the capability overlap (Jaccard) spread across
// the n-1 neighbors, multiplied by the leader boost on the leader's outgoing
// edges. An agent whose outgoing sum exceeds 1 has the whole set scaled back
// to sum exactly 1, so every outgoing set respects the ≤1 budget.
//
// Agents with zero overlap against every peer are flagged unreachable but
// keep their zero-weight edges: the graph shape stays stable across rebuilds.
func Build(agents []registry.Agent, version uint64, cfg Config) *Snapshot {
	cfg = cfg.withDefaults()
	n := len(agents)

	s := &Snapshot{
		agents:      make([]registry.Agent, n),
		index:       make(map[string]int, n),
		weights:     make([][]float64, n),
		trust:       make([]float64, n),
		unreachable: make([]bool, n),
		contrib:     make([]float64, n),
		version:     version,
	}
	copy(s.agents, agents)
	for i, a := range s.agents {
		s.index[a.ID] = i
		s.trust[i] = a.Weight
		if a.Leader {
			s.trust[i] *= cfg.LeaderBoost
		}
	}

	for i := range s.agents {
		s.weights[i] = make([]float64, n)
		if n < 2 {
			s.unreachable[i] = true
			continue
		}
		connected := false
		for j := range s.agents {
			if j == i {
				continue
			}
			jac := capability.Jaccard(s.agents[i].Capabilities, s.agents[j].Capabilities)
			if jac > 0 {
				connected = true
			}
			raw := jac / float64(n-1)
			if s.agents[i].Leader {
				raw *= cfg.LeaderBoost
			}
			s.weights[i][j] = raw
		}
		s.unreachable[i] = !connected

		sum := 0.0
		for j := range s.agents {
			sum += s.weights[i][j]
		}
		if sum > 1.0 {
			for j := range s.agents {
				s.weights[i][j] /= sum
			}
		}
	}

	s.efficiency = globalEfficiency(s.weights, s.trust, s.contrib)
	return s
}

// localContribution is the trust-weighted average of an agent's outgoing
// edge weights, rescaled by the neighbor count so a uniformly connected
// population scores its mean pairwise affinity, and capped at 1.
func localContribution(weights [][]float64, tau []float64, i int) float64 {
	num, den := 0.0, 0.0
	for j := range weights[i] {
		if j == i {
			continue
		}
		num += tau[j] * weights[i][j]
		den += tau[j]
	}
	if den <= 0 {
		return 0
	}
	v := float64(len(weights[i])-1) * num / den
	if v > 1 {
		v = 1
	}
	return v
}

// globalEfficiency fills contrib with every agent's local contribution under
// trust vector tau and returns their mean.
func globalEfficiency(weights [][]float64, tau []float64, contrib []float64) float64 {
	if len(weights) == 0 {
		return 0
	}
	sum := 0.0
	for i := range weights {
		c := localContribution(weights, tau, i)
		contrib[i] = c
		sum += c
	}
	return sum / float64(len(weights))
}

// Agents returns the population in id-ascending order.
func (s *Snapshot) Agents() []registry.Agent {
	out := make([]registry.Agent, len(s.agents))
	copy(out, s.agents)
	return out
}

func (s *Snapshot) Len() int { return len(s.agents) }

// Weight returns the directed edge weight, zero for unknown ids.
func (s *Snapshot) Weight(source, target string) float64 {
	i, ok := s.index[source]
	if !ok {
		return 0
	}
	j, ok := s.index[target]
	if !ok || i == j {
		return 0
	}
	return s.weights[i][j]
}

// OutgoingSum returns the total outgoing weight of an agent.
func (s *Snapshot) OutgoingSum(id string) float64 {
	i, ok := s.index[id]
	if !ok {
		return 0
	}
	sum := 0.0
	for j := range s.weights[i] {
		sum += s.weights[i][j]
	}
	return sum
}

// IncomingSum returns the total weight directed at an agent. The dispatcher
// ranks candidates by this prominence measure.
func (s *Snapshot) IncomingSum(id string) float64 {
	j, ok := s.index[id]
	if !ok {
		return 0
	}
	sum := 0.0
	for i := range s.weights {
		if i != j {
			sum += s.weights[i][j]
		}
	}
	return sum
}

func (s *Snapshot) Unreachable(id string) bool {
	i, ok := s.index[id]
	return ok && s.unreachable[i]
}

// Contribution returns the agent's local efficiency contribution as of the
// snapshot's efficiency computation.
func (s *Snapshot) Contribution(id string) float64 {
	i, ok := s.index[id]
	if !ok {
		return 0
	}
	return s.contrib[i]
}

func (s *Snapshot) Efficiency() float64 { return s.efficiency }

func (s *Snapshot) Version() uint64 { return s.version }

// Leader returns the designated leader within the snapshot population.
func (s *Snapshot) Leader() (registry.Agent, bool) {
	for _, a := range s.agents {
		if a.Leader {
			return a, true
		}
	}
	return registry.Agent{}, false
}

// Edges returns every directed edge including zero-weight ones, ordered by
// source then target id.
func (s *Snapshot) Edges() []Edge {
	out := make([]Edge, 0, len(s.agents)*(len(s.agents)-1))
	for i := range s.agents {
		for j := range s.agents {
			if i == j {
				continue
			}
			out = append(out, Edge{
				Source: s.agents[i].ID,
				Target: s.agents[j].ID,
				Weight: s.weights[i][j],
			})
		}
	}
	return out
}
