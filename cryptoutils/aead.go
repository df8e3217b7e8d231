package cryptoutils

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the AEAD key size.
	KeySize = chacha20poly1305.KeySize
	// TagSize is the AEAD authentication tag size.
	TagSize = chacha20poly1305.Overhead
	// NonceSize is the nonce size of SealDetached.
	NonceSize = chacha20poly1305.NonceSize
)

// ErrDecryption is returned when authentication of a ciphertext fails.
var ErrDecryption = errors.New("decryption failed")

// SealDetached encrypts plaintext with ChaCha20-Poly1305 and returns the tag
// separately from the ciphertext.
func SealDetached(key, nonce, plaintext, ad []byte) (tag [TagSize]byte, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return tag, nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(nonce) != NonceSize {
		return tag, nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}

	sealed := aead.Seal(nil, nonce, plaintext, ad)
	ciphertext = sealed[:len(sealed)-TagSize]
	copy(tag[:], sealed[len(sealed)-TagSize:])
	return tag, ciphertext, nil
}

// OpenDetached reverses SealDetached.
func OpenDetached(key, nonce []byte, tag [TagSize]byte, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag[:]...)
	plaintext, err := aead.Open(nil, nonce, sealed, ad)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// Seal encrypts with XChaCha20-Poly1305 under a random nonce.
// Format: [nonce (24 bytes)][ciphertext||tag]
func Seal(key, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, ad), nil
}

// Open reverses Seal.
func Open(key, sealed, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrDecryption
	}

	plaintext, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], ad)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}
