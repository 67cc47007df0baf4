package capability

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Capability is a named skill an agent can contribute toward a phase
// requirement. The well-known variants below form a closed vocabulary;
// deployments may add bounded extensions with the "x-" prefix.
type Capability string

const (
	Research     Capability = "research"
	Retrieval    Capability = "retrieval"
	Analysis     Capability = "analysis"
	Planning     Capability = "planning"
	Coding       Capability = "coding"
	Review       Capability = "review"
	Synthesis    Capability = "synthesis"
	Verification Capability = "verification"
)

const (
	extPrefix = "x-"
	maxExtLen = 32
)

var known = map[Capability]bool{
	Research:     true,
	Retrieval:    true,
	Analysis:     true,
	Planning:     true,
	Coding:       true,
	Review:       true,
	Synthesis:    true,
	Verification: true,
}

// Known reports whether c is one of the closed vocabulary variants.
func Known(c Capability) bool {
	return known[c]
}

// Parse validates a capability name: either a known variant or an "x-"
// prefixed extension of bounded length.
func Parse(s string) (Capability, error) {
	c := Capability(strings.TrimSpace(strings.ToLower(s)))
	if c == "" {
		return "", fmt.Errorf("empty capability name")
	}
	if known[c] {
		return c, nil
	}
	if !strings.HasPrefix(string(c), extPrefix) {
		return "", fmt.Errorf("unknown capability %q (extensions must use the %q prefix)", s, extPrefix)
	}
	if len(c) > maxExtLen {
		return "", fmt.Errorf("extension capability %q exceeds %d characters", s, maxExtLen)
	}
	return c, nil
}

// Set is an unordered collection of capabilities.
type Set map[Capability]struct{}

func NewSet(caps ...Capability) Set {
	s := make(Set, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// ParseSet parses and validates a list of capability names.
func ParseSet(names []string) (Set, error) {
	s := make(Set, len(names))
	for _, n := range names {
		c, err := Parse(n)
		if err != nil {
			return nil, err
		}
		s[c] = struct{}{}
	}
	return s, nil
}

func (s Set) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

func (s Set) Add(c Capability) {
	s[c] = struct{}{}
}

func (s Set) Clone() Set {
	out := make(Set, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

func (s Set) Union(other Set) Set {
	out := s.Clone()
	for c := range other {
		out[c] = struct{}{}
	}
	return out
}

func (s Set) Intersect(other Set) Set {
	out := make(Set)
	for c := range s {
		if other.Has(c) {
			out[c] = struct{}{}
		}
	}
	return out
}

// Covers reports whether s contains every capability in required.
func (s Set) Covers(required Set) bool {
	for c := range required {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

func (s Set) Equal(other Set) bool {
	return len(s) == len(other) && s.Covers(other)
}

// Sorted returns the capabilities in lexical order. Every deterministic
// iteration in the coordination core goes through this.
func (s Set) Sorted() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s Set) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, c := range sorted {
		out[i] = string(c)
	}
	return out
}

func (s Set) String() string {
	return strings.Join(s.Strings(), ",")
}

// MarshalJSON renders the set as a sorted name array.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

func (s *Set) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	set, err := ParseSet(names)
	if err != nil {
		return err
	}
	*s = set
	return nil
}

// Jaccard returns |a∩b| / |a∪b|, the capability overlap measure used by
// the graph builder. Two empty sets have zero overlap.
func Jaccard(a, b Set) float64 {
	union := len(a)
	inter := 0
	for c := range b {
		if a.Has(c) {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
