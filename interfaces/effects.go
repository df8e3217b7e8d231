package interfaces

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// StorageStats summarizes a Storage effect's contents.
type StorageStats struct {
	Keys      int
	SizeBytes int64
	Backend   string
}

// Storage is the key/value persistence effect. Single-key writes are atomic and
// StoreBatch commits all entries or none. Retrieve returns ErrNotFound for
// missing keys.
type Storage interface {
	Store(ctx context.Context, key string, value []byte) error
	Retrieve(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) (bool, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	StoreBatch(ctx context.Context, entries map[string][]byte) error
	ClearAll(ctx context.Context) error
	Stats(ctx context.Context) (StorageStats, error)
}

// SecureCapability is an access right requested on a secure storage location.
type SecureCapability string

const (
	SecureRead  SecureCapability = "read"
	SecureWrite SecureCapability = "write"
)

// SecureLocation names a slot in secure storage, e.g. {"frost_keys", "<device>"}.
type SecureLocation struct {
	Namespace string
	Key       string
}

func (l SecureLocation) String() string {
	return l.Namespace + "/" + l.Key
}

// HasCapability reports whether want is among caps.
func HasCapability(caps []SecureCapability, want SecureCapability) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

// SecureStorage holds key material. Callers must present SecureWrite to store
// or delete and SecureRead to retrieve; otherwise ErrAccessDenied is returned.
type SecureStorage interface {
	SecureStore(ctx context.Context, loc SecureLocation, caps []SecureCapability, data []byte) error
	SecureRetrieve(ctx context.Context, loc SecureLocation, caps []SecureCapability) ([]byte, error)
	SecureDelete(ctx context.Context, loc SecureLocation, caps []SecureCapability) error
}

var (
	// ErrAccessDenied is returned when the presented secure capabilities do not
	// cover the requested operation.
	ErrAccessDenied = &Error{Kind: KindPermissionDenied, Message: "secure storage access denied"}

	// ErrHardwareUnavailable is returned when the backing keystore cannot be reached.
	ErrHardwareUnavailable = &Error{Kind: KindTransient, Message: "secure storage hardware unavailable"}

	// ErrQuotaExceeded is returned when a storage backend refuses a write for size reasons.
	ErrQuotaExceeded = &Error{Kind: KindExhausted, Message: "storage quota exceeded"}
)

// PeerEventKind distinguishes connection changes.
type PeerEventKind int

const (
	PeerConnected PeerEventKind = iota
	PeerDisconnected
)

func (k PeerEventKind) String() string {
	switch k {
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("PeerEventKind(%d)", int(k))
	}
}

// PeerEvent reports a change in peer connectivity.
type PeerEvent struct {
	Peer PeerID
	Kind PeerEventKind
}

// Network is the peer messaging effect. Receive blocks until a frame from any
// peer arrives or ctx is done; ReceiveFrom blocks for a frame from one peer.
type Network interface {
	SendToPeer(ctx context.Context, peer PeerID, data []byte) error
	Broadcast(ctx context.Context, data []byte) error
	Receive(ctx context.Context) (PeerID, []byte, error)
	ReceiveFrom(ctx context.Context, peer PeerID) ([]byte, error)
	ConnectedPeers() []PeerID
	SubscribePeerEvents(ctx context.Context) <-chan PeerEvent
}

// PhysicalTime is a wall clock reading with optional uncertainty.
type PhysicalTime struct {
	UnixMs        uint64
	UncertaintyMs uint64
}

// Time is the clock effect. NowMs is monotonic for a given implementation.
type Time interface {
	NowMs() uint64
	PhysicalTime() PhysicalTime
	Sleep(ctx context.Context, ms uint64) error
}

// Random is the randomness effect. It is also an io.Reader so it can feed
// cryptographic APIs directly.
type Random interface {
	io.Reader
	RandomBytes(n int) []byte
	RandomU64() uint64
	RandomUUID() uuid.UUID
}
