// Package storage provides the persistence backends behind the Storage and
// SecureStorage effects and the content-addressed archives used for journal
// snapshots.
//
// # Storage Effect
//
// LevelDBStorage implements interfaces.Storage over goleveldb. StoreBatch is a
// single LevelDB batch, so it commits all entries or none, and
// CompareAndSwap provides the single-key transactions used for journal
// persistence. NewMemStorage runs the same code over an in-memory LevelDB
// store for tests and simulation.
//
// # Secure Storage
//
// Key shares live in a SecureStorage:
//
//   - SealedFileStore seals one file per location with a passphrase-derived key
//   - VaultSecureStore keeps each location as a Vault KV v2 secret
//   - MemSecureStore keeps everything in memory
//
// Every call presents the secure capabilities it needs; missing capabilities
// yield interfaces.ErrAccessDenied.
//
// # Archives
//
// Snapshots and transcripts are exported to archive backends identified by
// location URIs:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
//   - file:///var/lib/aura/snapshots
//   - s3://bucket-name/prefix/?region=us-west-2
//   - ipfs://ipfs.example.com:5001/?timeout=30s
//
// Content is addressed by a CIDv1 over its sha2-256 multihash, and every
// fetch is checked against its id. MultiArchive stores to every available
// backend and fetches from the first that has the content, collecting the
// failures of the others.
//
// BackendFactory builds all of the above from URIs.
package storage
