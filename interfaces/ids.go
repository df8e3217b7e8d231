package interfaces

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountID identifies a threshold-controlled account. It is 256 bits of randomness
// chosen by the bootstrapping device.
type AccountID [32]byte

// DeviceID identifies a device holding a key share.
type DeviceID [16]byte

// GuardianID identifies a social guardian.
type GuardianID [16]byte

// ContextID identifies a relational context (a conversation, an application scope).
type ContextID [16]byte

// ChannelID identifies an AMP channel inside a context.
type ChannelID [32]byte

// AuthorityID identifies any party that can hold capabilities or publish
// rendezvous descriptors.
type AuthorityID [32]byte

// SessionID identifies a ceremony session.
type SessionID = uuid.UUID

// PeerID is the transport-level address of a peer. Devices use the hex form of
// their DeviceID.
type PeerID string

// ErrInvalidIdentifier is returned when an identifier cannot be decoded.
var ErrInvalidIdentifier = errors.New("invalid identifier")

func decodeFixedHex(dst []byte, source string) error {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 2*len(dst) {
		return fmt.Errorf("%w: hex string must be %d characters", ErrInvalidIdentifier, 2*len(dst))
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}
	copy(dst, raw)
	return nil
}

// NewAccountIDFromHex parses a 64-character hex string, with or without 0x prefix.
func NewAccountIDFromHex(source string) (AccountID, error) {
	var id AccountID
	err := decodeFixedHex(id[:], source)
	return id, err
}

func (id AccountID) String() string { return hex.EncodeToString(id[:]) }
func (id AccountID) Bytes() []byte  { return id[:] }
func (id AccountID) IsZero() bool   { return id == AccountID{} }

// NewDeviceIDFromHex parses a 32-character hex string.
func NewDeviceIDFromHex(source string) (DeviceID, error) {
	var id DeviceID
	err := decodeFixedHex(id[:], source)
	return id, err
}

// DeviceIDFromUint builds a device id whose big-endian tail holds n. Used for
// well-known fixtures such as 00..01.
func DeviceIDFromUint(n uint64) DeviceID {
	var id DeviceID
	for i := 0; i < 8; i++ {
		id[15-i] = byte(n >> (8 * i))
	}
	return id
}

func (id DeviceID) String() string { return hex.EncodeToString(id[:]) }
func (id DeviceID) Bytes() []byte  { return id[:] }

// Peer returns the transport address of the device.
func (id DeviceID) Peer() PeerID { return PeerID(id.String()) }

// Authority returns the authority id of the device.
func (id DeviceID) Authority() AuthorityID {
	var a AuthorityID
	copy(a[:], "device:")
	copy(a[16:], id[:])
	return a
}

// Compare orders device ids bytewise.
func (id DeviceID) Compare(other DeviceID) int { return bytes.Compare(id[:], other[:]) }

// NewGuardianIDFromHex parses a 32-character hex string.
func NewGuardianIDFromHex(source string) (GuardianID, error) {
	var id GuardianID
	err := decodeFixedHex(id[:], source)
	return id, err
}

func (id GuardianID) String() string { return hex.EncodeToString(id[:]) }
func (id GuardianID) Bytes() []byte  { return id[:] }
func (id GuardianID) Peer() PeerID   { return PeerID("g-" + id.String()) }

// Authority returns the authority id of the guardian.
func (id GuardianID) Authority() AuthorityID {
	var a AuthorityID
	copy(a[:], "guardian:")
	copy(a[16:], id[:])
	return a
}

// NewContextIDFromHex parses a 32-character hex string.
func NewContextIDFromHex(source string) (ContextID, error) {
	var id ContextID
	err := decodeFixedHex(id[:], source)
	return id, err
}

func (id ContextID) String() string { return hex.EncodeToString(id[:]) }
func (id ContextID) Bytes() []byte  { return id[:] }

// NewChannelIDFromHex parses a 64-character hex string.
func NewChannelIDFromHex(source string) (ChannelID, error) {
	var id ChannelID
	err := decodeFixedHex(id[:], source)
	return id, err
}

func (id ChannelID) String() string { return hex.EncodeToString(id[:]) }
func (id ChannelID) Bytes() []byte  { return id[:] }

// NewAuthorityIDFromHex parses a 64-character hex string.
func NewAuthorityIDFromHex(source string) (AuthorityID, error) {
	var id AuthorityID
	err := decodeFixedHex(id[:], source)
	return id, err
}

func (id AuthorityID) String() string { return hex.EncodeToString(id[:]) }
func (id AuthorityID) Bytes() []byte  { return id[:] }
