package frost

import (
	"encoding/binary"
	"fmt"
	"io"
	"slices"

	"filippo.io/edwards25519"
	"github.com/ruteri/aura/cryptoutils"
)

// Round1Package is broadcast by every DKG participant: Feldman commitments to
// its polynomial, a Schnorr proof of knowledge of the constant term, and a
// fresh HPKE key for receiving round-two shares.
type Round1Package struct {
	Identifier    Identifier
	Commitments   [][]byte
	ProofR        []byte
	ProofZ        []byte
	EncryptionKey []byte
}

// Round2Package carries one HPKE-sealed share from one participant to another.
type Round2Package struct {
	From        Identifier
	To          Identifier
	SealedShare []byte
}

// DKGParticipant holds one participant's secret state across the three rounds
// of distributed key generation. Identifiers run from 1 to maxSigners.
type DKGParticipant struct {
	id         Identifier
	threshold  int
	maxSigners int
	context    []byte
	rand       io.Reader

	poly    polynomial
	encKeys *cryptoutils.ShareKeyPair
	round1  map[Identifier]*Round1Package
}

// NewDKGParticipant starts key generation. context binds proofs and sealed
// shares to one ceremony and must be identical for every participant.
func NewDKGParticipant(id Identifier, threshold, maxSigners int, context []byte, rand io.Reader) (*DKGParticipant, *Round1Package, error) {
	if threshold < 1 || maxSigners < threshold || maxSigners > 0xffff || id == 0 || int(id) > maxSigners {
		return nil, nil, ErrInvalidParameters
	}

	secret, err := randomScalar(rand)
	if err != nil {
		return nil, nil, err
	}
	poly, err := newPolynomial(secret, threshold-1, rand)
	if err != nil {
		return nil, nil, err
	}

	encKeys, err := cryptoutils.GenerateShareKeyPair(rand)
	if err != nil {
		return nil, nil, err
	}

	commitments := poly.commitments()

	// Proof of knowledge of a_0: R = [k]G, z = k + a_0 * c
	k, err := randomScalar(rand)
	if err != nil {
		return nil, nil, err
	}
	r := basePoint(k)
	c := pokChallenge(id, context, commitments[0], r.Bytes())
	z := edwards25519.NewScalar().MultiplyAdd(poly[0], c, k)

	p := &DKGParticipant{
		id:         id,
		threshold:  threshold,
		maxSigners: maxSigners,
		context:    slices.Clone(context),
		rand:       rand,
		poly:       poly,
		encKeys:    encKeys,
	}

	return p, &Round1Package{
		Identifier:    id,
		Commitments:   commitments,
		ProofR:        r.Bytes(),
		ProofZ:        z.Bytes(),
		EncryptionKey: encKeys.Public,
	}, nil
}

// Identifier returns the participant's identifier.
func (p *DKGParticipant) Identifier() Identifier { return p.id }

func pokChallenge(id Identifier, context, c0, r []byte) *edwards25519.Scalar {
	return hashToScalar("dkg-pok", binary.LittleEndian.AppendUint16(nil, uint16(id)), context, c0, r)
}

func verifyProofOfKnowledge(pkg *Round1Package, context []byte) error {
	commitments, err := decodeCommitments(pkg.Commitments)
	if err != nil {
		return err
	}
	r, err := decodePoint(pkg.ProofR)
	if err != nil {
		return err
	}
	z, err := decodeScalar(pkg.ProofZ)
	if err != nil {
		return err
	}

	c := pokChallenge(pkg.Identifier, context, pkg.Commitments[0], pkg.ProofR)
	rhs := edwards25519.NewIdentityPoint().ScalarMult(c, commitments[0])
	rhs.Add(rhs, r)
	if basePoint(z).Equal(rhs) != 1 {
		return ErrInvalidProof
	}
	return nil
}

// Round2 verifies every round-one package and seals this participant's share
// for each other participant. All maxSigners packages, including our own,
// must be present.
func (p *DKGParticipant) Round2(packages []*Round1Package) ([]*Round2Package, error) {
	byID := make(map[Identifier]*Round1Package, len(packages))
	for _, pkg := range packages {
		if pkg.Identifier == 0 || int(pkg.Identifier) > p.maxSigners {
			return nil, ErrInvalidParameters
		}
		if _, dup := byID[pkg.Identifier]; dup {
			return nil, &DuplicateIdentifierError{Identifier: pkg.Identifier}
		}
		if len(pkg.Commitments) != p.threshold {
			return nil, &InvalidShareError{From: pkg.Identifier, Err: ErrInvalidCommitment}
		}
		if err := verifyProofOfKnowledge(pkg, p.context); err != nil {
			return nil, &InvalidShareError{From: pkg.Identifier, Err: err}
		}
		byID[pkg.Identifier] = pkg
	}
	for i := 1; i <= p.maxSigners; i++ {
		if _, ok := byID[Identifier(i)]; !ok {
			return nil, &MissingParticipantError{Identifier: Identifier(i)}
		}
	}
	p.round1 = byID

	out := make([]*Round2Package, 0, p.maxSigners-1)
	for i := 1; i <= p.maxSigners; i++ {
		to := Identifier(i)
		if to == p.id {
			continue
		}
		share := p.poly.eval(to)
		sealed, err := cryptoutils.SealShare(byID[to].EncryptionKey, p.shareInfo(), shareAAD(p.id, to), share.Bytes(), p.rand)
		if err != nil {
			return nil, fmt.Errorf("failed to seal share for %d: %w", to, err)
		}
		out = append(out, &Round2Package{From: p.id, To: to, SealedShare: sealed})
	}
	return out, nil
}

func (p *DKGParticipant) shareInfo() []byte {
	return slices.Concat([]byte("aura.dkg.share."), p.context)
}

func shareAAD(from, to Identifier) []byte {
	b := binary.LittleEndian.AppendUint16(nil, uint16(from))
	return binary.LittleEndian.AppendUint16(b, uint16(to))
}

// Finalize decrypts and verifies the shares addressed to this participant and
// derives its key package and the group's public key package. A share that
// fails to decrypt or does not match its sender's commitments fails the whole
// ceremony with InvalidShareError.
func (p *DKGParticipant) Finalize(shares []*Round2Package) (*KeyPackage, *PublicKeyPackage, error) {
	if p.round1 == nil {
		return nil, nil, fmt.Errorf("frost: round 2 has not run")
	}
	defer p.poly.wipe()

	received := make(map[Identifier][]byte, len(shares))
	for _, s := range shares {
		if s.To != p.id {
			continue
		}
		if _, dup := received[s.From]; dup {
			return nil, nil, &DuplicateIdentifierError{Identifier: s.From}
		}
		received[s.From] = s.SealedShare
	}

	signing := p.poly.eval(p.id)
	for i := 1; i <= p.maxSigners; i++ {
		from := Identifier(i)
		if from == p.id {
			continue
		}
		sealed, ok := received[from]
		if !ok {
			return nil, nil, &MissingParticipantError{Identifier: from}
		}

		plain, err := p.encKeys.OpenShare(sealed, p.shareInfo(), shareAAD(from, p.id))
		if err != nil {
			return nil, nil, &InvalidShareError{From: from, Err: err}
		}
		share, err := decodeScalar(plain)
		cryptoutils.Wipe(plain)
		if err != nil {
			return nil, nil, &InvalidShareError{From: from, Err: err}
		}

		commitments, _ := decodeCommitments(p.round1[from].Commitments)
		if basePoint(share).Equal(evalCommitments(commitments, p.id)) != 1 {
			return nil, nil, &InvalidShareError{From: from}
		}
		signing.Add(signing, share)
	}

	pub, err := p.publicPackage()
	if err != nil {
		return nil, nil, err
	}
	vs, _ := pub.VerifyingShareOf(p.id)

	key := &KeyPackage{
		Identifier:     p.id,
		SigningShare:   signing.Bytes(),
		VerifyingShare: vs,
		GroupKey:       pub.GroupKey,
		Threshold:      uint16(p.threshold),
	}
	if err := key.Validate(); err != nil {
		return nil, nil, err
	}
	return key, pub, nil
}

// publicPackage sums the commitments: Y = Σ C_i0 and Y_j = Σ_i f_i(j)G.
func (p *DKGParticipant) publicPackage() (*PublicKeyPackage, error) {
	all := make([][]*edwards25519.Point, 0, p.maxSigners)
	groupKey := edwards25519.NewIdentityPoint()
	for i := 1; i <= p.maxSigners; i++ {
		commitments, err := decodeCommitments(p.round1[Identifier(i)].Commitments)
		if err != nil {
			return nil, err
		}
		all = append(all, commitments)
		groupKey.Add(groupKey, commitments[0])
	}

	pub := &PublicKeyPackage{GroupKey: groupKey.Bytes(), Threshold: uint16(p.threshold)}
	for j := 1; j <= p.maxSigners; j++ {
		y := edwards25519.NewIdentityPoint()
		for _, commitments := range all {
			y.Add(y, evalCommitments(commitments, Identifier(j)))
		}
		pub.VerifyingShares = append(pub.VerifyingShares, VerifyingShare{Identifier: Identifier(j), Share: y.Bytes()})
	}
	return pub, nil
}
