// Package cryptoutils provides the symmetric and hybrid primitives used around
// the threshold core.
//
//   - Sum and DomainSum: BLAKE3-256 hashing for commitments, fingerprints and digests
//   - DeriveKey: HKDF-SHA256 key expansion
//   - SealDetached and OpenDetached: ChaCha20-Poly1305 with a detached tag, used by AMP envelopes
//   - Seal and Open: XChaCha20-Poly1305 with a random nonce, used for data at rest
//   - SealShare and OpenShare: HPKE (X25519, HKDF-SHA256, ChaCha20-Poly1305) for
//     pairwise delivery of key generation shares
//   - PassphraseKey: Argon2id wrapping keys for the file-backed secure store
package cryptoutils
