package capability

import (
	"maps"
	"slices"
	"sync"

	"github.com/ruteri/aura/cryptoutils"
	"go.uber.org/atomic"
)

// RootGrant is a bootstrap authority and the permissions it starts with.
type RootGrant struct {
	Subject     Subject
	Permissions Set
}

// Delegation is an edge from delegator to delegatee for one capability.
type Delegation struct {
	Delegator   Subject
	Delegatee   Subject
	Capability  string
	Attenuation Policy
}

// ID is the content fingerprint of the delegation.
func (d Delegation) ID() cryptoutils.Hash {
	return cryptoutils.DomainSum("aura.cap.delegation",
		[]byte(d.Delegator.Key()), []byte(d.Delegatee.Key()), []byte(d.Capability), d.Attenuation.Tag())
}

// GraphState is the replicated content of an authority graph: root grants,
// delegations and revocations, each a grow-only set. Everything else is derived.
type GraphState struct {
	Roots       []RootGrant
	Delegations []Delegation
	Revoked     []string
}

// AuthorityGraph tracks who holds which capability and through which chain.
// It is a value: mutations happen on a copy owned by GraphStore.
type AuthorityGraph struct {
	roots       map[string]RootGrant
	delegations map[cryptoutils.Hash]Delegation
	revoked     map[string]bool

	subjects   map[string]Subject
	held       map[string]map[string]Policy
	incoming   map[string][]Delegation
	visibility map[string]Set
}

// NewAuthorityGraph returns an empty graph.
func NewAuthorityGraph() *AuthorityGraph {
	g := &AuthorityGraph{
		roots:       map[string]RootGrant{},
		delegations: map[cryptoutils.Hash]Delegation{},
		revoked:     map[string]bool{},
	}
	g.recompute()
	return g
}

// FromState rebuilds a graph from replicated state.
func FromState(st GraphState) *AuthorityGraph {
	g := NewAuthorityGraph()
	for _, r := range st.Roots {
		g.roots[r.Subject.Key()] = RootGrant{Subject: r.Subject, Permissions: NewSet(r.Permissions...)}
	}
	for _, d := range st.Delegations {
		g.delegations[d.ID()] = d
	}
	for _, c := range st.Revoked {
		g.revoked[c] = true
	}
	g.recompute()
	return g
}

// State exports the replicated content in canonical order.
func (g *AuthorityGraph) State() GraphState {
	st := GraphState{}
	for _, k := range slices.Sorted(maps.Keys(g.roots)) {
		st.Roots = append(st.Roots, g.roots[k])
	}
	ids := slices.SortedFunc(maps.Keys(g.delegations), func(a, b cryptoutils.Hash) int { return a.Compare(b) })
	for _, id := range ids {
		st.Delegations = append(st.Delegations, g.delegations[id])
	}
	st.Revoked = slices.Sorted(maps.Keys(g.revoked))
	return st
}

// Clone returns an independent copy.
func (g *AuthorityGraph) Clone() *AuthorityGraph {
	return FromState(g.State())
}

// AddRoot registers a bootstrap authority. Roots can only be added while the
// graph has no delegations.
func (g *AuthorityGraph) AddRoot(subject Subject, perms ...string) error {
	if len(g.delegations) > 0 {
		return ErrRootsSealed
	}
	key := subject.Key()
	existing := g.roots[key]
	g.roots[key] = RootGrant{Subject: subject, Permissions: NewSet(append(slices.Clone(existing.Permissions), perms...)...)}
	g.recompute()
	return nil
}

// Delegate grants capability to delegatee. The delegator must hold it and the
// attenuation must be at least as strict as the delegator's own policy.
func (g *AuthorityGraph) Delegate(delegator, delegatee Subject, capability string, attenuation Policy) (Delegation, error) {
	if err := attenuation.Validate(); err != nil {
		return Delegation{}, err
	}
	if g.revoked[capability] {
		return Delegation{}, ErrRevoked
	}
	current, ok := g.held[delegator.Key()][capability]
	if !ok {
		return Delegation{}, ErrNotHeld
	}
	if !attenuation.LessOrEqual(current) {
		return Delegation{}, ErrWidening
	}

	d := Delegation{Delegator: delegator, Delegatee: delegatee, Capability: capability, Attenuation: attenuation.Normalize()}
	g.delegations[d.ID()] = d
	g.recompute()
	return d, nil
}

// Revoke removes capability from every subject. It is idempotent.
func (g *AuthorityGraph) Revoke(capability string) {
	if g.revoked[capability] {
		return
	}
	g.revoked[capability] = true
	g.recompute()
}

// IsRevoked reports whether capability has been revoked.
func (g *AuthorityGraph) IsRevoked(capability string) bool {
	return g.revoked[capability]
}

// IsRoot reports whether subject is a bootstrap authority.
func (g *AuthorityGraph) IsRoot(subject Subject) bool {
	_, ok := g.roots[subject.Key()]
	return ok
}

// Merge joins another graph's replicated state into g.
func (g *AuthorityGraph) Merge(other *AuthorityGraph) {
	for k, r := range other.roots {
		mine := g.roots[k]
		g.roots[k] = RootGrant{Subject: r.Subject, Permissions: NewSet(append(slices.Clone(mine.Permissions), r.Permissions...)...)}
	}
	maps.Copy(g.delegations, other.delegations)
	maps.Copy(g.revoked, other.revoked)
	g.recompute()
}

// Holds returns the policy under which subject holds capability.
func (g *AuthorityGraph) Holds(subject Subject, capability string) (Policy, bool) {
	p, ok := g.held[subject.Key()][capability]
	return p, ok
}

// Capabilities returns the permissions subject currently holds.
func (g *AuthorityGraph) Capabilities(subject Subject) Set {
	return NewSet(slices.Collect(maps.Keys(g.held[subject.Key()]))...)
}

// Visible returns the visibility index entry for subject: what it may see,
// which is empty for untrusted subjects.
func (g *AuthorityGraph) Visible(subject Subject) Set {
	return slices.Clone(g.visibility[subject.Key()])
}

// Subjects returns every known subject in key order.
func (g *AuthorityGraph) Subjects() []Subject {
	out := make([]Subject, 0, len(g.subjects))
	for _, k := range slices.Sorted(maps.Keys(g.subjects)) {
		out = append(out, g.subjects[k])
	}
	return out
}

// HasTrustPath reports whether subject is a root or reaches one through
// unrevoked delegations.
func (g *AuthorityGraph) HasTrustPath(subject Subject) bool {
	_, ok := g.TrustPath(subject)
	return ok
}

// TrustPath returns the delegations from subject back to a root, nearest first.
// Cycles are cut with a visited set.
func (g *AuthorityGraph) TrustPath(subject Subject) ([]Delegation, bool) {
	visited := map[string]bool{}
	var walk func(key string) ([]Delegation, bool)
	walk = func(key string) ([]Delegation, bool) {
		if _, ok := g.roots[key]; ok {
			return nil, true
		}
		if visited[key] {
			return nil, false
		}
		visited[key] = true
		for _, d := range g.incoming[key] {
			if g.revoked[d.Capability] {
				continue
			}
			if rest, ok := walk(d.Delegator.Key()); ok {
				return append([]Delegation{d}, rest...), true
			}
		}
		return nil, false
	}
	return walk(subject.Key())
}

// CapabilityPath returns the chain through which subject holds capability,
// nearest first. Roots have an empty chain.
func (g *AuthorityGraph) CapabilityPath(subject Subject, capability string) ([]Delegation, bool) {
	if g.revoked[capability] {
		return nil, false
	}
	visited := map[string]bool{}
	var walk func(key string) ([]Delegation, bool)
	walk = func(key string) ([]Delegation, bool) {
		if r, ok := g.roots[key]; ok && r.Permissions.Contains(capability) {
			return nil, true
		}
		if visited[key] {
			return nil, false
		}
		visited[key] = true
		for _, d := range g.incoming[key] {
			if d.Capability != capability {
				continue
			}
			if rest, ok := walk(d.Delegator.Key()); ok {
				return append([]Delegation{d}, rest...), true
			}
		}
		return nil, false
	}
	return walk(subject.Key())
}

// recompute derives holdings, edges and visibility from the replicated sets.
// Delegations are applied to a fixpoint in fingerprint order so the result
// does not depend on arrival order.
func (g *AuthorityGraph) recompute() {
	g.subjects = map[string]Subject{}
	g.held = map[string]map[string]Policy{}
	g.incoming = map[string][]Delegation{}

	grant := func(s Subject, capability string, p Policy) bool {
		key := s.Key()
		g.subjects[key] = s
		if g.revoked[capability] {
			return false
		}
		caps, ok := g.held[key]
		if !ok {
			caps = map[string]Policy{}
			g.held[key] = caps
		}
		if existing, ok := caps[capability]; ok {
			// The loosest policy held through any live chain applies.
			if p.LessOrEqual(existing) {
				return false
			}
		}
		caps[capability] = p
		return true
	}

	for _, r := range g.roots {
		g.subjects[r.Subject.Key()] = r.Subject
		for _, c := range r.Permissions {
			grant(r.Subject, c, Any())
		}
	}

	ordered := slices.SortedFunc(maps.Values(g.delegations), func(a, b Delegation) int {
		ia, ib := a.ID(), b.ID()
		return ia.Compare(ib)
	})
	for _, d := range ordered {
		g.subjects[d.Delegator.Key()] = d.Delegator
		g.subjects[d.Delegatee.Key()] = d.Delegatee
		g.incoming[d.Delegatee.Key()] = append(g.incoming[d.Delegatee.Key()], d)
	}

	for changed := true; changed; {
		changed = false
		for _, d := range ordered {
			current, ok := g.held[d.Delegator.Key()][d.Capability]
			if !ok || !d.Attenuation.LessOrEqual(current) {
				continue
			}
			if grant(d.Delegatee, d.Capability, d.Attenuation) {
				changed = true
			}
		}
	}

	g.visibility = map[string]Set{}
	for key, s := range g.subjects {
		if !g.HasTrustPath(s) {
			continue
		}
		g.visibility[key] = NewSet(slices.Collect(maps.Keys(g.held[key]))...)
	}
}

// GraphStore publishes immutable graph snapshots. Readers evaluate against a
// snapshot without locking; writers copy, mutate and swap.
type GraphStore struct {
	mu      sync.Mutex
	current atomic.Pointer[AuthorityGraph]
}

// NewGraphStore wraps g, which must not be mutated afterwards.
func NewGraphStore(g *AuthorityGraph) *GraphStore {
	s := &GraphStore{}
	s.current.Store(g)
	return s
}

// Snapshot returns the current graph. Callers must not mutate it.
func (s *GraphStore) Snapshot() *AuthorityGraph {
	return s.current.Load()
}

// Update applies fn to a copy of the graph and publishes it if fn succeeds.
func (s *GraphStore) Update(fn func(g *AuthorityGraph) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().Clone()
	if err := fn(next); err != nil {
		return err
	}
	s.current.Store(next)
	return nil
}
