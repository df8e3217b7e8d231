package journal

import (
	"fmt"
	"sync"

	"github.com/ruteri/aura/capability"
	"github.com/ruteri/aura/interfaces"
)

// RelationalBinding is what a fact contributes to the authority graph.
// Facts unrelated to authority reduce to the zero binding.
type RelationalBinding struct {
	Roots       []capability.RootGrant
	Delegations []capability.Delegation
	Revoked     []string
}

func (b RelationalBinding) empty() bool {
	return len(b.Roots) == 0 && len(b.Delegations) == 0 && len(b.Revoked) == 0
}

// Reducer interprets an encoded fact value. A reducer error means the value
// does not decode under the type's codec.
type Reducer func(ctx interfaces.ContextID, data []byte) (RelationalBinding, error)

// Registry maps fact type ids to reducers. Unknown types are stored opaquely
// and never participate in authorization.
type Registry struct {
	mu       sync.RWMutex
	reducers map[string]Reducer
}

// NewRegistry returns a registry with the built-in fact types.
func NewRegistry() *Registry {
	r := &Registry{reducers: map[string]Reducer{}}
	registerBuiltins(r)
	return r
}

// Register adds a fact type. Registering a type twice is an error.
func (r *Registry) Register(typeID string, reducer Reducer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reducers[typeID]; ok {
		return fmt.Errorf("%w: fact type %q already registered", interfaces.ErrConflict, typeID)
	}
	r.reducers[typeID] = reducer
	return nil
}

// MustRegister is Register that panics, for package init of domain modules.
func (r *Registry) MustRegister(typeID string, reducer Reducer) {
	if err := r.Register(typeID, reducer); err != nil {
		panic(err)
	}
}

// Known reports whether typeID has a registered reducer.
func (r *Registry) Known(typeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.reducers[typeID]
	return ok
}

// Reduce interprets one fact. ok is false for unknown types.
func (r *Registry) Reduce(f Fact) (binding RelationalBinding, ok bool, err error) {
	r.mu.RLock()
	reducer, known := r.reducers[f.Key.TypeID]
	r.mu.RUnlock()
	if !known {
		return RelationalBinding{}, false, nil
	}
	binding, err = reducer(f.Key.Context, f.Value)
	if err != nil {
		return RelationalBinding{}, true, fmt.Errorf("%w: fact %s: %v", ErrSerialization, f.Key.TypeID, err)
	}
	return binding, true, nil
}

// Opaque is a reducer for types that carry data but no authority.
func Opaque[T any]() Reducer {
	return func(_ interfaces.ContextID, data []byte) (RelationalBinding, error) {
		var v T
		return RelationalBinding{}, decode(data, &v)
	}
}
