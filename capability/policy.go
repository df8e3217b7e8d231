package capability

import (
	"fmt"
)

// PolicyKind orders the policy lattice from strictest to loosest.
type PolicyKind uint8

const (
	PolicyAll PolicyKind = iota
	PolicyThreshold
	PolicyAny
)

// Policy is a signing policy: any single holder, m of n holders, or all
// holders. Policies form a meet-semilattice where stricter is smaller.
type Policy struct {
	Kind PolicyKind
	M    uint16
	N    uint16
}

// Any is the loosest policy, the lattice top.
func Any() Policy { return Policy{Kind: PolicyAny} }

// All is the strictest policy, the lattice bottom.
func All() Policy { return Policy{Kind: PolicyAll} }

// Threshold returns m-of-n, normalized: m >= n becomes All and m == 0 becomes Any.
func Threshold(m, n uint16) Policy {
	switch {
	case m == 0:
		return Any()
	case m >= n:
		return All()
	}
	return Policy{Kind: PolicyThreshold, M: m, N: n}
}

// Normalize returns the canonical form of p.
func (p Policy) Normalize() Policy {
	if p.Kind == PolicyThreshold {
		return Threshold(p.M, p.N)
	}
	return Policy{Kind: p.Kind}
}

// Meet returns the stricter of two policies. Thresholds with equal n take the
// larger m; otherwise the larger m/n proportion wins, with the larger n
// breaking ties.
func (p Policy) Meet(other Policy) Policy {
	a, b := p.Normalize(), other.Normalize()
	switch {
	case a.Kind == PolicyAll || b.Kind == PolicyAll:
		return All()
	case a.Kind == PolicyAny:
		return b
	case b.Kind == PolicyAny:
		return a
	}

	if a.N == b.N {
		return Threshold(max(a.M, b.M), a.N)
	}
	lhs, rhs := uint32(a.M)*uint32(b.N), uint32(b.M)*uint32(a.N)
	switch {
	case lhs > rhs:
		return a
	case rhs > lhs:
		return b
	case a.N > b.N:
		return a
	default:
		return b
	}
}

// LessOrEqual reports whether p is at least as strict as other.
func (p Policy) LessOrEqual(other Policy) bool {
	return p.Meet(other) == p.Normalize()
}

// Satisfied reports whether signers approvals out of total holders meet the policy.
func (p Policy) Satisfied(signers, total int) bool {
	switch p.Normalize().Kind {
	case PolicyAny:
		return signers >= 1
	case PolicyThreshold:
		return signers >= int(p.M)
	default:
		return total > 0 && signers >= total
	}
}

// Tag is the canonical byte encoding bound into tree commitments.
func (p Policy) Tag() []byte {
	n := p.Normalize()
	return []byte{byte(n.Kind), byte(n.M), byte(n.M >> 8), byte(n.N), byte(n.N >> 8)}
}

// Validate checks a policy received from a peer.
func (p Policy) Validate() error {
	switch p.Kind {
	case PolicyAny, PolicyAll:
		return nil
	case PolicyThreshold:
		if p.M == 0 || p.N == 0 || p.M > p.N {
			return fmt.Errorf("%w: threshold %d of %d", ErrInvalidPolicy, p.M, p.N)
		}
		return nil
	}
	return fmt.Errorf("%w: kind %d", ErrInvalidPolicy, p.Kind)
}

func (p Policy) String() string {
	switch p.Kind {
	case PolicyAny:
		return "any"
	case PolicyAll:
		return "all"
	default:
		return fmt.Sprintf("threshold(%d/%d)", p.M, p.N)
	}
}
