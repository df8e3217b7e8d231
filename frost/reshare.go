package frost

import (
	"fmt"
	"io"
	"slices"

	"filippo.io/edwards25519"
	"github.com/ruteri/aura/cryptoutils"
)

// RecipientAnnouncement is published by every member of the new holder set
// before dealers run.
type RecipientAnnouncement struct {
	Identifier    Identifier
	EncryptionKey []byte
}

// Dealing is one old holder's contribution to a reshare: commitments to a
// polynomial whose constant term is its Lagrange-weighted share, plus a
// sealed evaluation for every new holder.
type Dealing struct {
	From        Identifier
	Commitments [][]byte
	Shares      []Round2Package
}

// Reshare moves the group secret to a new holder set with a new threshold.
// The group key does not change. It is used for enrollment and removal, where
// the participant count changes; same-set rotation uses RefreshParticipant.
func Reshare(key *KeyPackage, oldPub *PublicKeyPackage, quorum []Identifier, newThreshold int, recipients []RecipientAnnouncement, context []byte, rand io.Reader) (*Dealing, error) {
	if newThreshold < 1 || len(recipients) < newThreshold {
		return nil, ErrInvalidParameters
	}
	if len(quorum) < int(oldPub.Threshold) {
		return nil, &InsufficientParticipantsError{Have: len(quorum), Need: int(oldPub.Threshold)}
	}
	if err := checkIdentifiers(quorum); err != nil {
		return nil, err
	}
	if !slices.Contains(quorum, key.Identifier) {
		return nil, ErrMissingSigner
	}
	ids := make([]Identifier, len(recipients))
	for i, r := range recipients {
		ids[i] = r.Identifier
	}
	if err := checkIdentifiers(ids); err != nil {
		return nil, err
	}

	share, err := key.signingShare()
	if err != nil {
		return nil, err
	}
	weighted := edwards25519.NewScalar().Multiply(lagrangeCoefficient(key.Identifier, quorum), share)
	poly, err := newPolynomial(weighted, newThreshold-1, rand)
	if err != nil {
		return nil, err
	}
	defer poly.wipe()

	dealing := &Dealing{From: key.Identifier, Commitments: poly.commitments()}
	info := reshareInfo(context)
	for _, r := range recipients {
		sealed, err := cryptoutils.SealShare(r.EncryptionKey, info, shareAAD(key.Identifier, r.Identifier), poly.eval(r.Identifier).Bytes(), rand)
		if err != nil {
			return nil, fmt.Errorf("failed to seal reshare for %d: %w", r.Identifier, err)
		}
		dealing.Shares = append(dealing.Shares, Round2Package{From: key.Identifier, To: r.Identifier, SealedShare: sealed})
	}
	return dealing, nil
}

func reshareInfo(context []byte) []byte {
	return slices.Concat([]byte("aura.reshare.share."), context)
}

// ReshareRecipient receives a share of the existing group key.
type ReshareRecipient struct {
	id           Identifier
	newThreshold int
	newIDs       []Identifier
	oldPub       *PublicKeyPackage
	quorum       []Identifier
	context      []byte
	encKeys      *cryptoutils.ShareKeyPair
}

// NewReshareRecipient prepares to receive a share. newIDs is the complete new
// holder set; quorum is the set of old holders that will deal.
func NewReshareRecipient(id Identifier, newThreshold int, newIDs []Identifier, oldPub *PublicKeyPackage, quorum []Identifier, context []byte, rand io.Reader) (*ReshareRecipient, RecipientAnnouncement, error) {
	if !slices.Contains(newIDs, id) || newThreshold < 1 || len(newIDs) < newThreshold {
		return nil, RecipientAnnouncement{}, ErrInvalidParameters
	}
	if err := checkIdentifiers(newIDs); err != nil {
		return nil, RecipientAnnouncement{}, err
	}
	encKeys, err := cryptoutils.GenerateShareKeyPair(rand)
	if err != nil {
		return nil, RecipientAnnouncement{}, err
	}

	r := &ReshareRecipient{
		id:           id,
		newThreshold: newThreshold,
		newIDs:       slices.Sorted(slices.Values(newIDs)),
		oldPub:       oldPub,
		quorum:       slices.Clone(quorum),
		context:      slices.Clone(context),
		encKeys:      encKeys,
	}
	return r, RecipientAnnouncement{Identifier: id, EncryptionKey: encKeys.Public}, nil
}

// Finalize verifies every dealing and combines the received evaluations. Each
// dealer's constant commitment must equal its Lagrange-weighted verifying
// share, and the commitments must sum to the unchanged group key.
func (r *ReshareRecipient) Finalize(dealings []*Dealing) (*KeyPackage, *PublicKeyPackage, error) {
	byID := make(map[Identifier]*Dealing, len(dealings))
	for _, d := range dealings {
		if !slices.Contains(r.quorum, d.From) {
			continue
		}
		if _, dup := byID[d.From]; dup {
			return nil, nil, &DuplicateIdentifierError{Identifier: d.From}
		}
		byID[d.From] = d
	}

	info := reshareInfo(r.context)
	share := edwards25519.NewScalar()
	groupKey := edwards25519.NewIdentityPoint()
	all := make([][]*edwards25519.Point, 0, len(r.quorum))
	for _, from := range r.quorum {
		d, ok := byID[from]
		if !ok {
			return nil, nil, &MissingParticipantError{Identifier: from}
		}
		commitments, err := decodeCommitments(d.Commitments)
		if err != nil || len(commitments) != r.newThreshold {
			return nil, nil, &InvalidShareError{From: from, Err: ErrInvalidCommitment}
		}

		oldVS, ok := r.oldPub.VerifyingShareOf(from)
		if !ok {
			return nil, nil, &InvalidShareError{From: from, Err: ErrInvalidParameters}
		}
		y, err := decodePoint(oldVS)
		if err != nil {
			return nil, nil, &InvalidShareError{From: from, Err: err}
		}
		expected := edwards25519.NewIdentityPoint().ScalarMult(lagrangeCoefficient(from, r.quorum), y)
		if commitments[0].Equal(expected) != 1 {
			return nil, nil, &InvalidShareError{From: from, Err: fmt.Errorf("dealing does not commit to the dealer's share")}
		}

		idx := slices.IndexFunc(d.Shares, func(p Round2Package) bool { return p.To == r.id })
		if idx < 0 {
			return nil, nil, &MissingParticipantError{Identifier: from}
		}
		plain, err := r.encKeys.OpenShare(d.Shares[idx].SealedShare, info, shareAAD(from, r.id))
		if err != nil {
			return nil, nil, &InvalidShareError{From: from, Err: err}
		}
		s, err := decodeScalar(plain)
		cryptoutils.Wipe(plain)
		if err != nil {
			return nil, nil, &InvalidShareError{From: from, Err: err}
		}
		if basePoint(s).Equal(evalCommitments(commitments, r.id)) != 1 {
			return nil, nil, &InvalidShareError{From: from}
		}

		share.Add(share, s)
		groupKey.Add(groupKey, commitments[0])
		all = append(all, commitments)
	}

	oldGroupKey, err := decodePoint(r.oldPub.GroupKey)
	if err != nil {
		return nil, nil, err
	}
	if groupKey.Equal(oldGroupKey) != 1 {
		return nil, nil, ErrGroupKeyMismatch
	}

	pub := &PublicKeyPackage{GroupKey: slices.Clone(r.oldPub.GroupKey), Threshold: uint16(r.newThreshold)}
	for _, j := range r.newIDs {
		y := edwards25519.NewIdentityPoint()
		for _, commitments := range all {
			y.Add(y, evalCommitments(commitments, j))
		}
		pub.VerifyingShares = append(pub.VerifyingShares, VerifyingShare{Identifier: j, Share: y.Bytes()})
	}

	vs, _ := pub.VerifyingShareOf(r.id)
	key := &KeyPackage{
		Identifier:     r.id,
		SigningShare:   share.Bytes(),
		VerifyingShare: vs,
		GroupKey:       slices.Clone(r.oldPub.GroupKey),
		Threshold:      uint16(r.newThreshold),
	}
	if err := key.Validate(); err != nil {
		return nil, nil, err
	}
	return key, pub, nil
}
