package frost

import (
	"fmt"
	"io"
	"slices"

	"filippo.io/edwards25519"
	"github.com/ruteri/aura/cryptoutils"
)

// RefreshParticipant rotates its share with zero-sum polynomials: every
// participant deals a polynomial with constant term zero, and new shares are
// old shares plus the sum of received evaluations. The group key is unchanged
// and old shares become useless once every participant has switched.
//
// Holders left out of participants do not receive updates, so a refresh
// retried over a reduced set also removes the excluded holders.
type RefreshParticipant struct {
	key          *KeyPackage
	pub          *PublicKeyPackage
	participants []Identifier
	context      []byte
	rand         io.Reader

	poly    polynomial
	encKeys *cryptoutils.ShareKeyPair
	round1  map[Identifier]*Round1Package
}

// NewRefreshParticipant starts a refresh over participants, which must include
// this key's identifier and meet the threshold.
func NewRefreshParticipant(key *KeyPackage, pub *PublicKeyPackage, participants []Identifier, context []byte, rand io.Reader) (*RefreshParticipant, *Round1Package, error) {
	participants = slices.Clone(participants)
	slices.Sort(participants)
	if err := checkIdentifiers(participants); err != nil {
		return nil, nil, err
	}
	if len(participants) < int(pub.Threshold) {
		return nil, nil, &InsufficientParticipantsError{Have: len(participants), Need: int(pub.Threshold)}
	}
	if !slices.Contains(participants, key.Identifier) {
		return nil, nil, ErrMissingSigner
	}
	for _, id := range participants {
		if _, ok := pub.VerifyingShareOf(id); !ok {
			return nil, nil, fmt.Errorf("%w: %d is not a key holder", ErrInvalidParameters, id)
		}
	}

	poly, err := newPolynomial(edwards25519.NewScalar(), int(pub.Threshold)-1, rand)
	if err != nil {
		return nil, nil, err
	}
	encKeys, err := cryptoutils.GenerateShareKeyPair(rand)
	if err != nil {
		return nil, nil, err
	}

	r := &RefreshParticipant{
		key:          key,
		pub:          pub,
		participants: participants,
		context:      slices.Clone(context),
		rand:         rand,
		poly:         poly,
		encKeys:      encKeys,
	}
	return r, &Round1Package{
		Identifier:    key.Identifier,
		Commitments:   poly.commitments(),
		EncryptionKey: encKeys.Public,
	}, nil
}

func (r *RefreshParticipant) shareInfo() []byte {
	return slices.Concat([]byte("aura.refresh.share."), r.context)
}

// Round2 checks every participant's zero-sum commitments and seals this
// participant's evaluations for the others.
func (r *RefreshParticipant) Round2(packages []*Round1Package) ([]*Round2Package, error) {
	identity := edwards25519.NewIdentityPoint()
	byID := make(map[Identifier]*Round1Package, len(packages))
	for _, pkg := range packages {
		if !slices.Contains(r.participants, pkg.Identifier) {
			continue
		}
		if _, dup := byID[pkg.Identifier]; dup {
			return nil, &DuplicateIdentifierError{Identifier: pkg.Identifier}
		}
		commitments, err := decodeCommitments(pkg.Commitments)
		if err != nil || len(commitments) != int(r.pub.Threshold) {
			return nil, &ShareRefreshFailedError{Participant: pkg.Identifier, Err: ErrInvalidCommitment}
		}
		if commitments[0].Equal(identity) != 1 {
			return nil, &ShareRefreshFailedError{Participant: pkg.Identifier, Err: fmt.Errorf("contribution is not zero-sum")}
		}
		byID[pkg.Identifier] = pkg
	}
	for _, id := range r.participants {
		if _, ok := byID[id]; !ok {
			return nil, &ShareRefreshFailedError{Participant: id, Err: &MissingParticipantError{Identifier: id}}
		}
	}
	r.round1 = byID

	out := make([]*Round2Package, 0, len(r.participants)-1)
	for _, to := range r.participants {
		if to == r.key.Identifier {
			continue
		}
		share := r.poly.eval(to)
		sealed, err := cryptoutils.SealShare(byID[to].EncryptionKey, r.shareInfo(), shareAAD(r.key.Identifier, to), share.Bytes(), r.rand)
		if err != nil {
			return nil, fmt.Errorf("failed to seal refresh share for %d: %w", to, err)
		}
		out = append(out, &Round2Package{From: r.key.Identifier, To: to, SealedShare: sealed})
	}
	return out, nil
}

// Finalize verifies received refresh shares and returns the rotated key
// package and public package. The caller replaces the old share atomically
// and erases it.
func (r *RefreshParticipant) Finalize(shares []*Round2Package) (*KeyPackage, *PublicKeyPackage, error) {
	if r.round1 == nil {
		return nil, nil, fmt.Errorf("frost: round 2 has not run")
	}
	defer r.poly.wipe()

	received := make(map[Identifier][]byte, len(shares))
	for _, s := range shares {
		if s.To == r.key.Identifier {
			received[s.From] = s.SealedShare
		}
	}

	old, err := r.key.signingShare()
	if err != nil {
		return nil, nil, err
	}
	delta := r.poly.eval(r.key.Identifier)
	for _, from := range r.participants {
		if from == r.key.Identifier {
			continue
		}
		sealed, ok := received[from]
		if !ok {
			return nil, nil, &ShareRefreshFailedError{Participant: from, Err: &MissingParticipantError{Identifier: from}}
		}
		plain, err := r.encKeys.OpenShare(sealed, r.shareInfo(), shareAAD(from, r.key.Identifier))
		if err != nil {
			return nil, nil, &ShareRefreshFailedError{Participant: from, Err: err}
		}
		share, err := decodeScalar(plain)
		cryptoutils.Wipe(plain)
		if err != nil {
			return nil, nil, &ShareRefreshFailedError{Participant: from, Err: err}
		}
		commitments, _ := decodeCommitments(r.round1[from].Commitments)
		if basePoint(share).Equal(evalCommitments(commitments, r.key.Identifier)) != 1 {
			return nil, nil, &ShareRefreshFailedError{Participant: from, Err: &InvalidShareError{From: from}}
		}
		delta.Add(delta, share)
	}

	pub := &PublicKeyPackage{GroupKey: slices.Clone(r.pub.GroupKey), Threshold: r.pub.Threshold}
	for _, j := range r.participants {
		oldVS, _ := r.pub.VerifyingShareOf(j)
		y, err := decodePoint(oldVS)
		if err != nil {
			return nil, nil, err
		}
		for _, from := range r.participants {
			commitments, _ := decodeCommitments(r.round1[from].Commitments)
			y.Add(y, evalCommitments(commitments, j))
		}
		pub.VerifyingShares = append(pub.VerifyingShares, VerifyingShare{Identifier: j, Share: y.Bytes()})
	}

	newShare := edwards25519.NewScalar().Add(old, delta)
	vs, _ := pub.VerifyingShareOf(r.key.Identifier)
	key := &KeyPackage{
		Identifier:     r.key.Identifier,
		SigningShare:   newShare.Bytes(),
		VerifyingShare: vs,
		GroupKey:       slices.Clone(r.key.GroupKey),
		Threshold:      r.key.Threshold,
	}
	if err := key.Validate(); err != nil {
		return nil, nil, &ShareRefreshFailedError{Participant: r.key.Identifier, Err: err}
	}
	return key, pub, nil
}
