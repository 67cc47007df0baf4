// Package plan turns an objective's required capability set into an ordered
// phase sequence. Decomposition is a pure function of the requirement and a
// graph snapshot, so it doubles as a planning-only mode that dispatches
// nothing.
package plan

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mvlachos/accord/internal/capability"
	"github.com/mvlachos/accord/internal/graph"
)

// DefaultThreshold is the phase confidence threshold when the objective
// does not set one.
const DefaultThreshold = 0.9

var ErrInfeasible = errors.New("decomposition infeasible")

// CapabilityGapError names required capabilities no registered agent holds.
type CapabilityGapError struct {
	Missing []capability.Capability
}

func (e *CapabilityGapError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, c := range e.Missing {
		parts[i] = string(c)
	}
	return fmt.Sprintf("capability gap: no agent holds %s", strings.Join(parts, ", "))
}

// Phase is one ordered unit of an objective.
type Phase struct {
	Index        int            `json:"index"`
	Capabilities capability.Set `json:"capabilities"`
	Threshold    float64        `json:"threshold"`
	Verification bool           `json:"verification"`
}

// Decompose splits the required capability set into ordered phases against
// the given graph snapshot. Capabilities group by the agent best placed to
// serve them (incoming graph weight descending, id ascending); groups are
// ordered the same way, so stronger phases run first. Every required
// capability appears in exactly one base phase; capabilities marked
// parallel-verifiable additionally recur in one trailing verification phase.
//
// When the natural grouping needs more phases than maxPhases allows, the
// lowest-ranked groups collapse together. Decomposition fails with
// ErrInfeasible when even the collapsed plan cannot fit, and with
// CapabilityGapError when a required capability is held by nobody.
func Decompose(required, parallelVerifiable capability.Set, maxPhases int, threshold float64, g *graph.Snapshot) ([]Phase, error) {
	if len(required) == 0 {
		return nil, fmt.Errorf("%w: empty requirement", ErrInfeasible)
	}
	if maxPhases < 1 {
		return nil, fmt.Errorf("%w: max phase count %d", ErrInfeasible, maxPhases)
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	agents := g.Agents()

	// Assign every required capability to its strongest holder.
	var missing []capability.Capability
	owner := make(map[capability.Capability]string)
	for _, c := range required.Sorted() {
		best := ""
		bestWeight := -1.0
		for _, a := range agents {
			if !a.Capabilities.Has(c) {
				continue
			}
			w := g.IncomingSum(a.ID)
			if w > bestWeight {
				best, bestWeight = a.ID, w
			}
		}
		if best == "" {
			missing = append(missing, c)
			continue
		}
		owner[c] = best
	}
	if len(missing) > 0 {
		return nil, &CapabilityGapError{Missing: missing}
	}

	groups := make(map[string]capability.Set)
	for c, id := range owner {
		if groups[id] == nil {
			groups[id] = capability.NewSet()
		}
		groups[id].Add(c)
	}

	ownerIDs := make([]string, 0, len(groups))
	for id := range groups {
		ownerIDs = append(ownerIDs, id)
	}
	sort.Slice(ownerIDs, func(i, j int) bool {
		wi, wj := g.IncomingSum(ownerIDs[i]), g.IncomingSum(ownerIDs[j])
		if wi != wj {
			return wi > wj
		}
		return ownerIDs[i] < ownerIDs[j]
	})

	sets := make([]capability.Set, len(ownerIDs))
	for i, id := range ownerIDs {
		sets[i] = groups[id]
	}

	verify := parallelVerifiable.Intersect(required)
	budget := maxPhases
	if len(verify) > 0 {
		budget--
	}
	if budget < 1 {
		return nil, fmt.Errorf("%w: %d phases cannot hold the requirement and a verification pass", ErrInfeasible, maxPhases)
	}

	// Collapse the tail when the budget is tighter than the grouping.
	for len(sets) > budget {
		last := len(sets) - 1
		sets[last-1] = sets[last-1].Union(sets[last])
		sets = sets[:last]
	}

	phases := make([]Phase, 0, len(sets)+1)
	for i, set := range sets {
		phases = append(phases, Phase{
			Index:        i,
			Capabilities: set,
			Threshold:    threshold,
		})
	}
	if len(verify) > 0 {
		phases = append(phases, Phase{
			Index:        len(phases),
			Capabilities: verify,
			Threshold:    threshold,
			Verification: true,
		})
	}
	return phases, nil
}

// Union returns the combined capability set of all phases.
func Union(phases []Phase) capability.Set {
	out := capability.NewSet()
	for _, p := range phases {
		out = out.Union(p.Capabilities)
	}
	return out
}
