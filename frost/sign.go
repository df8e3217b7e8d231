package frost

import (
	"cmp"
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"
	"io"
	"slices"

	"filippo.io/edwards25519"
)

// SignatureSize is the size of an aggregate signature. It is a standard
// Ed25519 signature R || z.
const SignatureSize = ed25519.SignatureSize

// Nonce holds the secret nonces of a single signing round. A Nonce must be
// used exactly once and then discarded.
type Nonce struct {
	hiding  *edwards25519.Scalar
	binding *edwards25519.Scalar
}

// Commitment is the public counterpart of a Nonce, broadcast in round one.
type Commitment struct {
	Identifier Identifier
	Hiding     []byte
	Binding    []byte
}

// SignatureShare is a participant's round-two output.
type SignatureShare struct {
	Identifier Identifier
	Share      []byte
}

// Commit generates a nonce pair and its commitment. The nonces are hedged:
// derived from fresh randomness and the signing share.
func (k *KeyPackage) Commit(rand io.Reader) (*Nonce, Commitment, error) {
	hiding, err := k.generateNonce(rand)
	if err != nil {
		return nil, Commitment{}, err
	}
	binding, err := k.generateNonce(rand)
	if err != nil {
		return nil, Commitment{}, err
	}

	return &Nonce{hiding: hiding, binding: binding}, Commitment{
		Identifier: k.Identifier,
		Hiding:     basePoint(hiding).Bytes(),
		Binding:    basePoint(binding).Bytes(),
	}, nil
}

func (k *KeyPackage) generateNonce(rand io.Reader) (*edwards25519.Scalar, error) {
	var random [32]byte
	if _, err := io.ReadFull(rand, random[:]); err != nil {
		return nil, fmt.Errorf("failed to read randomness: %w", err)
	}
	return hashToScalar("nonce", random[:], k.SigningShare), nil
}

// Sign produces this participant's signature share. commitments must contain
// the commitments of every signer in the session, including this one.
func (k *KeyPackage) Sign(nonce *Nonce, message []byte, commitments []Commitment) (SignatureShare, error) {
	if nonce == nil || nonce.hiding == nil {
		return SignatureShare{}, fmt.Errorf("frost: nonce already used")
	}

	sorted, err := sortCommitments(commitments)
	if err != nil {
		return SignatureShare{}, err
	}
	if int(k.Threshold) > len(sorted) {
		return SignatureShare{}, &InsufficientParticipantsError{Have: len(sorted), Need: int(k.Threshold)}
	}
	if !slices.ContainsFunc(sorted, func(c Commitment) bool { return c.Identifier == k.Identifier }) {
		return SignatureShare{}, ErrMissingSigner
	}

	groupKey, err := decodePoint(k.GroupKey)
	if err != nil {
		return SignatureShare{}, err
	}
	share, err := k.signingShare()
	if err != nil {
		return SignatureShare{}, err
	}

	factors := computeBindingFactors(groupKey, message, sorted)
	groupCommitment, err := computeGroupCommitment(sorted, factors)
	if err != nil {
		return SignatureShare{}, err
	}
	challenge := computeChallenge(groupCommitment, groupKey, message)
	lambda := lagrangeCoefficient(k.Identifier, identifiersOf(sorted))

	// z_i = d_i + (e_i * rho_i) + (lambda_i * s_i * c)
	z := edwards25519.NewScalar().MultiplyAdd(nonce.binding, factors[k.Identifier], nonce.hiding)
	lsc := edwards25519.NewScalar().Multiply(lambda, share)
	z.MultiplyAdd(lsc, challenge, z)

	// Nonces are single use
	nonce.hiding.Set(edwards25519.NewScalar())
	nonce.binding.Set(edwards25519.NewScalar())
	nonce.hiding, nonce.binding = nil, nil

	return SignatureShare{Identifier: k.Identifier, Share: z.Bytes()}, nil
}

// Aggregate combines signature shares into an Ed25519 signature. Every share
// is verified first so a corrupted share is attributed to its signer with
// InvalidPartialError. The result is checked against the group key.
func Aggregate(pub *PublicKeyPackage, message []byte, commitments []Commitment, shares []SignatureShare) ([]byte, error) {
	sorted, err := sortCommitments(commitments)
	if err != nil {
		return nil, err
	}
	if len(sorted) < int(pub.Threshold) {
		return nil, &InsufficientParticipantsError{Have: len(sorted), Need: int(pub.Threshold)}
	}
	if len(shares) != len(sorted) {
		return nil, &InsufficientParticipantsError{Have: len(shares), Need: len(sorted)}
	}

	groupKey, err := decodePoint(pub.GroupKey)
	if err != nil {
		return nil, err
	}

	factors := computeBindingFactors(groupKey, message, sorted)
	groupCommitment, err := computeGroupCommitment(sorted, factors)
	if err != nil {
		return nil, err
	}
	challenge := computeChallenge(groupCommitment, groupKey, message)
	ids := identifiersOf(sorted)

	byID := make(map[Identifier]SignatureShare, len(shares))
	for _, s := range shares {
		byID[s.Identifier] = s
	}

	z := edwards25519.NewScalar()
	for _, c := range sorted {
		share, ok := byID[c.Identifier]
		if !ok {
			return nil, &InvalidPartialError{Signer: c.Identifier}
		}
		vsBytes, ok := pub.VerifyingShareOf(c.Identifier)
		if !ok {
			return nil, &InvalidPartialError{Signer: c.Identifier}
		}
		if !verifyShare(share, c, vsBytes, factors[c.Identifier], challenge, lagrangeCoefficient(c.Identifier, ids)) {
			return nil, &InvalidPartialError{Signer: c.Identifier}
		}
		zi, _ := decodeScalar(share.Share)
		z.Add(z, zi)
	}

	signature := slices.Concat(groupCommitment.Bytes(), z.Bytes())
	if !Verify(pub.GroupKey, message, signature) {
		return nil, ErrInvalidSignature
	}
	return signature, nil
}

// VerifyShare checks one signature share against the signer's verifying share.
func VerifyShare(pub *PublicKeyPackage, message []byte, commitments []Commitment, share SignatureShare) bool {
	sorted, err := sortCommitments(commitments)
	if err != nil {
		return false
	}
	groupKey, err := decodePoint(pub.GroupKey)
	if err != nil {
		return false
	}
	vs, ok := pub.VerifyingShareOf(share.Identifier)
	if !ok {
		return false
	}
	idx := slices.IndexFunc(sorted, func(c Commitment) bool { return c.Identifier == share.Identifier })
	if idx < 0 {
		return false
	}

	factors := computeBindingFactors(groupKey, message, sorted)
	groupCommitment, err := computeGroupCommitment(sorted, factors)
	if err != nil {
		return false
	}
	challenge := computeChallenge(groupCommitment, groupKey, message)
	lambda := lagrangeCoefficient(share.Identifier, identifiersOf(sorted))
	return verifyShare(share, sorted[idx], vs, factors[share.Identifier], challenge, lambda)
}

// Verify checks an aggregate signature. Aggregate signatures are plain
// Ed25519 signatures under the group key.
func Verify(groupKey, message, signature []byte) bool {
	if len(groupKey) != ed25519.PublicKeySize || len(signature) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(groupKey), message, signature)
}

// verifyShare checks [z_i]G == D_i + [rho_i]E_i + [c*lambda_i]Y_i.
func verifyShare(share SignatureShare, c Commitment, verifyingShare []byte, rho, challenge, lambda *edwards25519.Scalar) bool {
	zi, err := decodeScalar(share.Share)
	if err != nil {
		return false
	}
	hiding, err := decodePoint(c.Hiding)
	if err != nil {
		return false
	}
	binding, err := decodePoint(c.Binding)
	if err != nil {
		return false
	}
	y, err := decodePoint(verifyingShare)
	if err != nil {
		return false
	}

	lhs := basePoint(zi)
	rhs := edwards25519.NewIdentityPoint().ScalarMult(rho, binding)
	rhs.Add(rhs, hiding)
	cl := edwards25519.NewScalar().Multiply(challenge, lambda)
	rhs.Add(rhs, edwards25519.NewIdentityPoint().ScalarMult(cl, y))
	return lhs.Equal(rhs) == 1
}

// computeBindingFactors derives rho_i = H1(Y || H4(msg) || H5(commitments) || i).
func computeBindingFactors(groupKey *edwards25519.Point, message []byte, sorted []Commitment) map[Identifier]*edwards25519.Scalar {
	msgHash := sha512.Sum512(slices.Concat([]byte(contextString), []byte("msg"), message))

	com := sha512.New()
	com.Write([]byte(contextString))
	com.Write([]byte("com"))
	for _, c := range sorted {
		com.Write(c.Identifier.scalar().Bytes())
		com.Write(c.Hiding)
		com.Write(c.Binding)
	}
	prefix := slices.Concat(groupKey.Bytes(), msgHash[:], com.Sum(nil))

	factors := make(map[Identifier]*edwards25519.Scalar, len(sorted))
	for _, c := range sorted {
		factors[c.Identifier] = hashToScalar("rho", prefix, c.Identifier.scalar().Bytes())
	}
	return factors
}

// computeGroupCommitment computes R = Σ(D_i + [rho_i]E_i).
func computeGroupCommitment(sorted []Commitment, factors map[Identifier]*edwards25519.Scalar) (*edwards25519.Point, error) {
	result := edwards25519.NewIdentityPoint()
	for _, c := range sorted {
		hiding, err := decodePoint(c.Hiding)
		if err != nil {
			return nil, err
		}
		binding, err := decodePoint(c.Binding)
		if err != nil {
			return nil, err
		}
		contribution := edwards25519.NewIdentityPoint().ScalarMult(factors[c.Identifier], binding)
		contribution.Add(contribution, hiding)
		result.Add(result, contribution)
	}
	return result, nil
}

// computeChallenge is the Ed25519 challenge SHA-512(R || A || M) mod l, which
// makes aggregate signatures verifiable by any Ed25519 implementation.
func computeChallenge(groupCommitment, groupKey *edwards25519.Point, message []byte) *edwards25519.Scalar {
	h := sha512.New()
	h.Write(groupCommitment.Bytes())
	h.Write(groupKey.Bytes())
	h.Write(message)
	c, _ := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	return c
}

func sortCommitments(commitments []Commitment) ([]Commitment, error) {
	sorted := slices.Clone(commitments)
	slices.SortFunc(sorted, func(a, b Commitment) int {
		return cmp.Compare(a.Identifier, b.Identifier)
	})
	if err := checkIdentifiers(identifiersOf(sorted)); err != nil {
		return nil, err
	}
	return sorted, nil
}

func identifiersOf(sorted []Commitment) []Identifier {
	ids := make([]Identifier, len(sorted))
	for i, c := range sorted {
		ids[i] = c.Identifier
	}
	return ids
}
