package capability

import (
	"slices"
	"strings"
)

// Well-known permissions.
const (
	PermTreePropose  = "tree:propose"
	PermTreeApprove  = "tree:approve"
	PermStorageRead  = "storage:read"
	PermStorageWrite = "storage:write"
	PermChatSend     = "chat:send"
	PermRecovery     = "recovery:approve"
	PermDerive       = "dkd:derive"
	PermSign         = "frost:sign"
	PermDelegate     = "cap:delegate"
)

// AllPermissions is granted to the bootstrap device.
var AllPermissions = []string{
	PermTreePropose, PermTreeApprove, PermStorageRead, PermStorageWrite,
	PermChatSend, PermRecovery, PermDerive, PermSign, PermDelegate,
}

// Set is a sorted, duplicate-free set of permission strings.
type Set []string

// NewSet builds a set from perms.
func NewSet(perms ...string) Set {
	s := slices.Clone(perms)
	slices.Sort(s)
	return slices.Compact(s)
}

func (s Set) Contains(perm string) bool {
	_, ok := slices.BinarySearch(s, perm)
	return ok
}

// Intersect returns the permissions present in both sets.
func (s Set) Intersect(other Set) Set {
	out := Set{}
	for _, p := range s {
		if other.Contains(p) {
			out = append(out, p)
		}
	}
	return out
}

// Without returns s minus the given permissions.
func (s Set) Without(removed func(string) bool) Set {
	out := Set{}
	for _, p := range s {
		if !removed(p) {
			out = append(out, p)
		}
	}
	return out
}

func (s Set) String() string {
	return "{" + strings.Join(s, ",") + "}"
}

// Frontier is the journal's capability frontier. An unrestricted frontier is
// the lattice top; meeting frontiers intersects permissions and takes the
// stricter policy, so capabilities only ever narrow.
type Frontier struct {
	Restricted  bool
	Policy      Policy
	Permissions Set
}

// Top returns the unrestricted frontier.
func Top() Frontier {
	return Frontier{Policy: Any()}
}

// Restrict returns the frontier limited to perms under policy.
func Restrict(policy Policy, perms ...string) Frontier {
	return Frontier{Restricted: true, Policy: policy.Normalize(), Permissions: NewSet(perms...)}
}

// Meet combines two frontiers. It is commutative, associative and idempotent.
func (f Frontier) Meet(other Frontier) Frontier {
	out := Frontier{
		Restricted: f.Restricted || other.Restricted,
		Policy:     f.Policy.Meet(other.Policy),
	}
	switch {
	case f.Restricted && other.Restricted:
		out.Permissions = f.Permissions.Intersect(other.Permissions)
	case f.Restricted:
		out.Permissions = slices.Clone(f.Permissions)
	case other.Restricted:
		out.Permissions = slices.Clone(other.Permissions)
	}
	return out
}

// Allows reports whether perm is inside the frontier.
func (f Frontier) Allows(perm string) bool {
	return !f.Restricted || f.Permissions.Contains(perm)
}

// Equal compares normalized frontiers.
func (f Frontier) Equal(other Frontier) bool {
	if f.Restricted != other.Restricted || f.Policy.Normalize() != other.Policy.Normalize() {
		return false
	}
	return !f.Restricted || slices.Equal(f.Permissions, other.Permissions)
}
