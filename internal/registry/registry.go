package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mvlachos/accord/internal/capability"
)

var (
	ErrDuplicateID = errors.New("agent id already registered")
	ErrNotFound    = errors.New("agent not found")
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Agent is a capability-bearing executable unit. The id is immutable after
// registration; capability set and weight change only via full replacement.
type Agent struct {
	ID           string         `json:"id"`
	Capabilities capability.Set `json:"capabilities"`
	Weight       float64        `json:"weight"`
	Leader       bool           `json:"leader"`
	Status       Status         `json:"status"`
}

func (a Agent) clone() Agent {
	a.Capabilities = a.Capabilities.Clone()
	return a
}

// Registry holds the agent population. Mutations bump a version counter so
// cached graph snapshots built against an older population can be detected
// and rebuilt.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]Agent
	version uint64
}

func New() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds a new agent. The weight defaults to 1.0 and the status to
// active when unset.
func (r *Registry) Register(a Agent) error {
	if a.ID == "" {
		return fmt.Errorf("agent id required")
	}
	if a.Weight < 0 {
		return fmt.Errorf("agent %s: negative weight", a.ID)
	}
	if a.Weight == 0 {
		a.Weight = 1.0
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	if a.Capabilities == nil {
		a.Capabilities = capability.NewSet()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.ID]; exists {
		return fmt.Errorf("register %s: %w", a.ID, ErrDuplicateID)
	}
	r.agents[a.ID] = a.clone()
	r.version++
	return nil
}

// Update replaces an agent's profile wholesale. The id must already exist.
func (r *Registry) Update(a Agent) error {
	if a.Weight <= 0 {
		a.Weight = 1.0
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	if a.Capabilities == nil {
		a.Capabilities = capability.NewSet()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.ID]; !exists {
		return fmt.Errorf("update %s: %w", a.ID, ErrNotFound)
	}
	r.agents[a.ID] = a.clone()
	r.version++
	return nil
}

func (r *Registry) Deactivate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, exists := r.agents[id]
	if !exists {
		return fmt.Errorf("deactivate %s: %w", id, ErrNotFound)
	}
	if a.Status != StatusInactive {
		a.Status = StatusInactive
		r.agents[id] = a
		r.version++
	}
	return nil
}

func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, exists := r.agents[id]
	if !exists {
		return Agent{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return a.clone(), nil
}

// Find returns the active agents holding at least one of the requested
// capabilities (all active agents when the set is empty), ranked by weight
// descending with ascending id as tie-break.
func (r *Registry) Find(caps capability.Set) []Agent {
	r.mu.RLock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if a.Status != StatusActive {
			continue
		}
		if len(caps) > 0 && len(a.Capabilities.Intersect(caps)) == 0 {
			continue
		}
		out = append(out, a.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Snapshot returns a deep copy of the active population in id-ascending
// order together with the registry version it was taken at.
func (r *Registry) Snapshot() ([]Agent, uint64) {
	r.mu.RLock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if a.Status != StatusActive {
			continue
		}
		out = append(out, a.clone())
	}
	v := r.version
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, v
}

func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Leader returns the designated leader among active agents, if any. When
// several agents carry the flag the id-ascending first wins, keeping the
// boost deterministic.
func (r *Registry) Leader() (Agent, bool) {
	agents, _ := r.Snapshot()
	for _, a := range agents {
		if a.Leader {
			return a, true
		}
	}
	return Agent{}, false
}
