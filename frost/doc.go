// Package frost implements FROST threshold Schnorr signatures over Ed25519,
// together with the share management protocols that surround them.
//
// Aggregate signatures are ordinary Ed25519 signatures under the group key:
// the challenge is SHA-512(R || A || M), so crypto/ed25519.Verify accepts them.
// Any threshold-sized subset of holders can sign.
//
// # Protocols
//
//   - KeyGen: trusted-dealer generation, used for 1-of-1 bootstrap
//   - DKGParticipant: three-round distributed key generation with Feldman
//     commitments, proofs of knowledge, and HPKE-sealed pairwise shares
//   - KeyPackage.Commit, KeyPackage.Sign, Aggregate: two-round signing
//   - RefreshParticipant: proactive refresh with zero-sum polynomials
//   - Reshare and ReshareRecipient: move the secret to a new holder set and
//     threshold without changing the group key
//   - DeriveContribution and AggregateDerivation: commit-reveal derivation of
//     a context point [s]H(context) without reconstructing s
//
// Every type here is pure computation. Message exchange, timeouts and
// persistence belong to the ceremony runtime.
package frost
