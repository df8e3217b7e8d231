package frost

import (
	"crypto/subtle"
	"slices"

	"filippo.io/edwards25519"
	"github.com/ruteri/aura/cryptoutils"
)

// DerivationContribution is a participant's share of a derived point:
// [lambda_i * s_i]H(context), where H maps the context to a point with
// unknown discrete log. Summing contributions from a signing set yields
// [s]H(context) without reconstructing s.
type DerivationContribution struct {
	Identifier Identifier
	Point      []byte
}

// DerivationCommitment is the round-one hash of a contribution.
type DerivationCommitment struct {
	Identifier Identifier
	Hash       cryptoutils.Hash
}

// DerivationBase returns the context point. The context must already include
// the account id so derivations never collide across accounts.
func DerivationBase(context []byte) []byte {
	return hashToPoint("dkd", context).Bytes()
}

// DeriveContribution computes this participant's contribution for context
// over the given participant set.
func (k *KeyPackage) DeriveContribution(context []byte, participants []Identifier) (DerivationContribution, DerivationCommitment, error) {
	if err := checkIdentifiers(participants); err != nil {
		return DerivationContribution{}, DerivationCommitment{}, err
	}
	if len(participants) < int(k.Threshold) {
		return DerivationContribution{}, DerivationCommitment{}, &InsufficientParticipantsError{Have: len(participants), Need: int(k.Threshold)}
	}
	if !slices.Contains(participants, k.Identifier) {
		return DerivationContribution{}, DerivationCommitment{}, ErrMissingSigner
	}

	share, err := k.signingShare()
	if err != nil {
		return DerivationContribution{}, DerivationCommitment{}, err
	}
	weighted := edwards25519.NewScalar().Multiply(lagrangeCoefficient(k.Identifier, participants), share)
	point := edwards25519.NewIdentityPoint().ScalarMult(weighted, hashToPoint("dkd", context)).Bytes()

	return DerivationContribution{Identifier: k.Identifier, Point: point},
		DerivationCommitment{Identifier: k.Identifier, Hash: commitContribution(k.Identifier, point)}, nil
}

func commitContribution(id Identifier, point []byte) cryptoutils.Hash {
	return cryptoutils.DomainSum("aura.dkd.commit", id.scalar().Bytes(), point)
}

// AggregateDerivation checks every reveal against its commitment and sums the
// contributions into the derived point.
func AggregateDerivation(commitments []DerivationCommitment, reveals []DerivationContribution) ([]byte, error) {
	if len(commitments) == 0 || len(reveals) != len(commitments) {
		return nil, ErrAggregationFailed
	}

	committed := make(map[Identifier]cryptoutils.Hash, len(commitments))
	for _, c := range commitments {
		if _, dup := committed[c.Identifier]; dup {
			return nil, &DuplicateIdentifierError{Identifier: c.Identifier}
		}
		committed[c.Identifier] = c.Hash
	}

	sum := edwards25519.NewIdentityPoint()
	seen := make(map[Identifier]bool, len(reveals))
	for _, r := range reveals {
		want, ok := committed[r.Identifier]
		if !ok || seen[r.Identifier] {
			return nil, ErrAggregationFailed
		}
		seen[r.Identifier] = true

		got := commitContribution(r.Identifier, r.Point)
		if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
			return nil, &CommitmentMismatchError{Participant: r.Identifier}
		}
		p, err := decodePoint(r.Point)
		if err != nil {
			return nil, ErrAggregationFailed
		}
		sum.Add(sum, p)
	}

	if sum.Equal(edwards25519.NewIdentityPoint()) == 1 {
		return nil, ErrAggregationFailed
	}
	return sum.Bytes(), nil
}
