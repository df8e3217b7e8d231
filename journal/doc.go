// Package journal is the replicated state of an account.
//
// A Journal holds append-only facts keyed by (type, context, nonce), a
// capability frontier, threshold-attested tree operations, the ratchet tree,
// and the AccountState CRDT. Journal.Merge is a join: facts resolve
// last-writer-wins per key, capability frontiers meet, the tree with the
// greater epoch wins, operations are deduplicated by fingerprint, and the
// account state merges component-wise. Merging is commutative, associative
// and idempotent.
//
// Fact types are extensible through a Registry of reducers. Reducers turn
// capability facts into bindings for the authority graph; unknown types are
// kept opaquely and replicate without participating in authorization.
//
// FlowManager charges per (context, peer) flow budgets and produces Receipts,
// which are recorded as flow.spent facts so budgets survive restart.
// Digest, CompareDigests and PlanRequest drive anti-entropy.
package journal
