package cryptoutils

import (
	"fmt"
	"io"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
)

var shareSuite = hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_ChaCha20Poly1305)

func shareKEM() kem.Scheme {
	return hpke.KEM_X25519_HKDF_SHA256.Scheme()
}

// ShareKeyPair is an X25519 key pair used to receive secret shares sealed with
// HPKE. A fresh pair is generated for every key generation ceremony.
type ShareKeyPair struct {
	Public  []byte
	private kem.PrivateKey
}

// GenerateShareKeyPair derives a key pair from seed material read from rand.
func GenerateShareKeyPair(rand io.Reader) (*ShareKeyPair, error) {
	seed := make([]byte, shareKEM().SeedSize())
	if _, err := io.ReadFull(rand, seed); err != nil {
		return nil, fmt.Errorf("failed to read seed: %w", err)
	}
	defer Wipe(seed)

	pk, sk := shareKEM().DeriveKeyPair(seed)
	pub, err := pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return &ShareKeyPair{Public: pub, private: sk}, nil
}

// SealShare encrypts plaintext to recipientPublic. The result is the KEM
// encapsulation followed by the ciphertext.
func SealShare(recipientPublic, info, aad, plaintext []byte, rand io.Reader) ([]byte, error) {
	pk, err := shareKEM().UnmarshalBinaryPublicKey(recipientPublic)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient key: %w", err)
	}

	sender, err := shareSuite.NewSender(pk, info)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender: %w", err)
	}

	enc, sealer, err := sender.Setup(rand)
	if err != nil {
		return nil, fmt.Errorf("failed to set up sender: %w", err)
	}

	ct, err := sealer.Seal(plaintext, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to seal: %w", err)
	}
	return append(enc, ct...), nil
}

// OpenShare decrypts a payload produced by SealShare.
func (kp *ShareKeyPair) OpenShare(sealed, info, aad []byte) ([]byte, error) {
	encSize := shareKEM().CiphertextSize()
	if len(sealed) < encSize {
		return nil, ErrDecryption
	}

	receiver, err := shareSuite.NewReceiver(kp.private, info)
	if err != nil {
		return nil, fmt.Errorf("failed to create receiver: %w", err)
	}

	opener, err := receiver.Setup(sealed[:encSize])
	if err != nil {
		return nil, ErrDecryption
	}

	pt, err := opener.Open(sealed[encSize:], aad)
	if err != nil {
		return nil, ErrDecryption
	}
	return pt, nil
}

// Wipe zeroes b.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
