package frost

import (
	"crypto/ed25519"
	"fmt"
	"io"
	"slices"

	"filippo.io/edwards25519"
)

// KeyPackage is one participant's secret share together with the public data
// needed to sign. It never leaves the holding device unencrypted.
type KeyPackage struct {
	Identifier     Identifier
	SigningShare   []byte // 32-byte canonical scalar
	VerifyingShare []byte // 32-byte point, [SigningShare]G
	GroupKey       []byte // 32-byte point, also a valid Ed25519 public key
	Threshold      uint16
}

// VerifyingShare pairs an identifier with its public share.
type VerifyingShare struct {
	Identifier Identifier
	Share      []byte
}

// PublicKeyPackage is the public outcome of key generation: the group key
// and every participant's verifying share.
type PublicKeyPackage struct {
	GroupKey        []byte
	VerifyingShares []VerifyingShare
	Threshold       uint16
}

// MaxSigners returns n.
func (p *PublicKeyPackage) MaxSigners() int {
	return len(p.VerifyingShares)
}

// Identifiers lists the participants in ascending order.
func (p *PublicKeyPackage) Identifiers() []Identifier {
	ids := make([]Identifier, len(p.VerifyingShares))
	for i, vs := range p.VerifyingShares {
		ids[i] = vs.Identifier
	}
	slices.Sort(ids)
	return ids
}

// VerifyingShareOf returns the verifying share of id.
func (p *PublicKeyPackage) VerifyingShareOf(id Identifier) ([]byte, bool) {
	for _, vs := range p.VerifyingShares {
		if vs.Identifier == id {
			return vs.Share, true
		}
	}
	return nil, false
}

// PublicKey returns the group key as an Ed25519 public key.
func (p *PublicKeyPackage) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(slices.Clone(p.GroupKey))
}

func (k *KeyPackage) signingShare() (*edwards25519.Scalar, error) {
	return decodeScalar(k.SigningShare)
}

// Wipe zeroes the secret share.
func (k *KeyPackage) Wipe() {
	for i := range k.SigningShare {
		k.SigningShare[i] = 0
	}
}

// Validate checks that the verifying share matches the signing share.
func (k *KeyPackage) Validate() error {
	if k.Identifier == 0 || k.Threshold == 0 {
		return ErrInvalidParameters
	}
	s, err := k.signingShare()
	if err != nil {
		return err
	}
	if _, err := decodePoint(k.GroupKey); err != nil {
		return err
	}
	vs, err := decodePoint(k.VerifyingShare)
	if err != nil {
		return err
	}
	if basePoint(s).Equal(vs) != 1 {
		return fmt.Errorf("frost: verifying share does not match signing share")
	}
	return nil
}

// KeyGen performs trusted-dealer key generation for a threshold-of-maxSigners
// group with identifiers 1..maxSigners. It is used for single-device bootstrap
// (1-of-1) and in tests; multi-party accounts use the DKG.
func KeyGen(maxSigners, threshold int, rand io.Reader) ([]*KeyPackage, *PublicKeyPackage, error) {
	if threshold < 1 || maxSigners < threshold || maxSigners > 0xffff {
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
	defer poly.wipe()

	groupKey := basePoint(poly[0]).Bytes()
	pub := &PublicKeyPackage{GroupKey: groupKey, Threshold: uint16(threshold)}
	keys := make([]*KeyPackage, maxSigners)
	for i := range maxSigners {
		id := Identifier(i + 1)
		share := poly.eval(id)
		vs := basePoint(share).Bytes()
		keys[i] = &KeyPackage{
			Identifier:     id,
			SigningShare:   share.Bytes(),
			VerifyingShare: vs,
			GroupKey:       groupKey,
			Threshold:      uint16(threshold),
		}
		pub.VerifyingShares = append(pub.VerifyingShares, VerifyingShare{Identifier: id, Share: vs})
	}

	return keys, pub, nil
}

// Reconstruct interpolates the group secret from at least threshold key
// packages. It exists for tests and for verifying that a refresh preserved
// the secret; the protocol itself never reconstructs.
func Reconstruct(keys []*KeyPackage) ([]byte, error) {
	ids := make([]Identifier, len(keys))
	for i, k := range keys {
		ids[i] = k.Identifier
	}
	if err := checkIdentifiers(ids); err != nil {
		return nil, err
	}

	secret := edwards25519.NewScalar()
	for _, k := range keys {
		s, err := k.signingShare()
		if err != nil {
			return nil, err
		}
		secret.MultiplyAdd(lagrangeCoefficient(k.Identifier, ids), s, secret)
	}
	return secret.Bytes(), nil
}

// KeyPackageFromSecret rebuilds a 1-of-1 key from a recovered group secret.
// It fails with ErrGroupKeyMismatch if the secret does not belong to groupKey.
func KeyPackageFromSecret(secret, groupKey []byte) (*KeyPackage, *PublicKeyPackage, error) {
	s, err := decodeScalar(secret)
	if err != nil {
		return nil, nil, err
	}
	want, err := decodePoint(groupKey)
	if err != nil {
		return nil, nil, err
	}
	y := basePoint(s)
	if y.Equal(want) != 1 {
		return nil, nil, ErrGroupKeyMismatch
	}

	vs := y.Bytes()
	key := &KeyPackage{
		Identifier:     1,
		SigningShare:   s.Bytes(),
		VerifyingShare: vs,
		GroupKey:       slices.Clone(groupKey),
		Threshold:      1,
	}
	pub := &PublicKeyPackage{
		GroupKey:        slices.Clone(groupKey),
		VerifyingShares: []VerifyingShare{{Identifier: 1, Share: vs}},
		Threshold:       1,
	}
	return key, pub, nil
}
