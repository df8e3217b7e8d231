package frost

import (
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"

	"filippo.io/edwards25519"
)

// Identifier is a participant's 1-based index. Zero is never valid.
type Identifier uint16

// contextString prefixes every hash so transcripts from this suite never
// collide with other protocols.
const contextString = "FROST-ED25519-SHA512-v1"

func (id Identifier) scalar() *edwards25519.Scalar {
	var b [32]byte
	binary.LittleEndian.PutUint16(b[:], uint16(id))
	s, _ := edwards25519.NewScalar().SetCanonicalBytes(b[:])
	return s
}

// randomScalar draws a uniformly random non-zero scalar from rand.
func randomScalar(rand io.Reader) (*edwards25519.Scalar, error) {
	var buf [64]byte
	for {
		if _, err := io.ReadFull(rand, buf[:]); err != nil {
			return nil, fmt.Errorf("failed to read randomness: %w", err)
		}
		s, err := edwards25519.NewScalar().SetUniformBytes(buf[:])
		if err != nil {
			return nil, err
		}
		if s.Equal(edwards25519.NewScalar()) == 0 {
			return s, nil
		}
	}
}

// hashToScalar computes SHA-512 over the tagged inputs and reduces it mod l.
func hashToScalar(tag string, parts ...[]byte) *edwards25519.Scalar {
	h := sha512.New()
	h.Write([]byte(contextString))
	h.Write([]byte(tag))
	for _, p := range parts {
		h.Write(p)
	}
	s, _ := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	return s
}

// hashToPoint maps input to a prime-order point whose discrete log is unknown,
// by try-and-increment over SHA-512 candidates followed by cofactor clearing.
func hashToPoint(tag string, input []byte) *edwards25519.Point {
	identity := edwards25519.NewIdentityPoint()
	for counter := uint32(0); ; counter++ {
		h := sha512.New()
		h.Write([]byte(contextString))
		h.Write([]byte(tag))
		h.Write(input)
		h.Write(binary.LittleEndian.AppendUint32(nil, counter))
		candidate := h.Sum(nil)[:32]

		p, err := edwards25519.NewIdentityPoint().SetBytes(candidate)
		if err != nil {
			continue
		}
		p.MultByCofactor(p)
		if p.Equal(identity) == 1 {
			continue
		}
		return p
	}
}

func decodePoint(b []byte) (*edwards25519.Point, error) {
	p, err := edwards25519.NewIdentityPoint().SetBytes(b)
	if err != nil {
		return nil, ErrInvalidCommitment
	}
	return p, nil
}

func decodeScalar(b []byte) (*edwards25519.Scalar, error) {
	s, err := edwards25519.NewScalar().SetCanonicalBytes(b)
	if err != nil {
		return nil, fmt.Errorf("frost: invalid scalar encoding: %w", err)
	}
	return s, nil
}

func basePoint(s *edwards25519.Scalar) *edwards25519.Point {
	return edwards25519.NewIdentityPoint().ScalarBaseMult(s)
}

// polynomial is f(x) = coeffs[0] + coeffs[1]*x + ... in the scalar field.
type polynomial []*edwards25519.Scalar

// newPolynomial samples a polynomial of the given degree with a fixed constant term.
func newPolynomial(constant *edwards25519.Scalar, degree int, rand io.Reader) (polynomial, error) {
	coeffs := make(polynomial, degree+1)
	coeffs[0] = edwards25519.NewScalar().Set(constant)
	for i := 1; i <= degree; i++ {
		c, err := randomScalar(rand)
		if err != nil {
			return nil, err
		}
		coeffs[i] = c
	}
	return coeffs, nil
}

// eval evaluates the polynomial with Horner's method.
func (p polynomial) eval(x Identifier) *edwards25519.Scalar {
	xs := x.scalar()
	result := edwards25519.NewScalar().Set(p[len(p)-1])
	for i := len(p) - 2; i >= 0; i-- {
		result.Multiply(result, xs)
		result.Add(result, p[i])
	}
	return result
}

// commitments returns the Feldman commitments [a_k]G.
func (p polynomial) commitments() [][]byte {
	out := make([][]byte, len(p))
	for i, c := range p {
		out[i] = basePoint(c).Bytes()
	}
	return out
}

func (p polynomial) wipe() {
	zero := edwards25519.NewScalar()
	for _, c := range p {
		c.Set(zero)
	}
}

// evalCommitments computes Σ_k [x^k]C_k, the public image of f(x).
func evalCommitments(commitments []*edwards25519.Point, x Identifier) *edwards25519.Point {
	xs := x.scalar()
	result := edwards25519.NewIdentityPoint().Set(commitments[len(commitments)-1])
	for i := len(commitments) - 2; i >= 0; i-- {
		result.ScalarMult(xs, result)
		result.Add(result, commitments[i])
	}
	return result
}

func decodeCommitments(raw [][]byte) ([]*edwards25519.Point, error) {
	if len(raw) == 0 {
		return nil, ErrInvalidCommitment
	}
	out := make([]*edwards25519.Point, len(raw))
	for i, b := range raw {
		p, err := decodePoint(b)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

// lagrangeCoefficient computes λ_i = Π_{j≠i} j / (j - i) at x=0.
func lagrangeCoefficient(id Identifier, set []Identifier) *edwards25519.Scalar {
	is := id.scalar()
	num := Identifier(1).scalar()
	den := Identifier(1).scalar()

	for _, j := range set {
		if j == id {
			continue
		}
		js := j.scalar()
		num.Multiply(num, js)
		diff := edwards25519.NewScalar().Subtract(js, is)
		den.Multiply(den, diff)
	}

	return edwards25519.NewScalar().Multiply(num, edwards25519.NewScalar().Invert(den))
}

// LagrangeCoefficient exposes λ_id over set as a canonical scalar encoding.
func LagrangeCoefficient(id Identifier, set []Identifier) []byte {
	return lagrangeCoefficient(id, set).Bytes()
}

// checkIdentifiers validates a participant set: non-zero and unique.
func checkIdentifiers(ids []Identifier) error {
	seen := make(map[Identifier]bool, len(ids))
	for _, id := range ids {
		if id == 0 {
			return ErrInvalidParameters
		}
		if seen[id] {
			return &DuplicateIdentifierError{Identifier: id}
		}
		seen[id] = true
	}
	return nil
}
