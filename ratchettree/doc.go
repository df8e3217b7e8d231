// Package ratchettree holds the account membership as a left-balanced binary
// tree whose commitments bind structure, keys, branch policies and epoch.
//
// A TreeOp is always built against a specific epoch and root commitment;
// Apply rejects operations built against any other state.
package ratchettree
