// Package interfaces defines the identifiers, effect interfaces and error
// taxonomy shared by every Aura component, separating interface definitions
// from implementations.
//
// # Identifiers
//
// AccountID, DeviceID, GuardianID, ContextID, ChannelID and AuthorityID are
// fixed-size byte arrays with hex string forms. SessionID is a UUID. PeerID is
// the transport-level address used by the Network effect.
//
// # Effects
//
// All I/O performed by the core goes through the effect interfaces:
//
//   - Storage: key/value persistence with atomic batches and prefix listing
//   - SecureStorage: capability-gated storage for key shares
//   - Network: peer-to-peer frames, broadcast, and connectivity events
//   - Time: monotonic milliseconds, wall time, and cancellable sleep
//   - Random: cryptographic randomness, also usable as an io.Reader
//
// ArchiveBackend is the content-addressed store used for journal snapshots.
//
// # Error Taxonomy
//
// Every fallible operation returns an error classified by Kind: NotFound,
// InvalidArgument, PermissionDenied, Conflict, Exhausted, Timeout, Transient,
// Fatal, or Cancelled. KindOf classifies any error, errors.Is matches the kind
// sentinels (ErrNotFound, ErrExhausted, ...), and Kind.Category groups kinds
// into the retry and presentation categories.
package interfaces
