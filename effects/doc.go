// Package effects bundles the I/O capabilities of a device into a single
// Effects value and provides the in-process implementations used by tests
// and simulations: a manual clock, a seeded RNG and a Hub that connects many
// devices through in-memory networks with controllable partitions.
//
// JournalEffect is the journal surface of the effects: it loads and persists
// an account's journal through the Storage effect and performs flow budget
// charges atomically with the facts they guard.
package effects
