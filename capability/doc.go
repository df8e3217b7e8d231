// Package capability implements the authorization model: the policy
// meet-semilattice, capability frontiers, the authority graph of delegations,
// and an evaluator that records an audit entry for every decision.
package capability
