package amp

import (
	"fmt"

	"github.com/ruteri/aura/interfaces"
)

var (
	// ErrReplay is returned for a message whose (epoch, generation) was
	// already accepted on the channel.
	ErrReplay = &interfaces.Error{Kind: interfaces.KindInvalidArgument, Message: "replayed amp message"}

	// ErrUnknownChannel is returned for a header naming a channel that was
	// never created or joined.
	ErrUnknownChannel = &interfaces.Error{Kind: interfaces.KindNotFound, Message: "unknown amp channel"}

	// ErrInvalidDescriptor is returned for an unsigned or malformed
	// rendezvous descriptor.
	ErrInvalidDescriptor = &interfaces.Error{Kind: interfaces.KindPermissionDenied, Message: "invalid rendezvous descriptor"}
)

// GenerationOutOfWindowError is returned when a ratchet generation falls
// outside [Min, Max], the window anchored at the last checkpoint.
type GenerationOutOfWindowError struct {
	Generation uint64
	Min        uint64
	Max        uint64
}

func (e *GenerationOutOfWindowError) Error() string {
	return fmt.Sprintf("generation %d outside window [%d, %d]", e.Generation, e.Min, e.Max)
}

func (e *GenerationOutOfWindowError) ErrorKind() interfaces.Kind { return interfaces.KindInvalidArgument }
func (e *GenerationOutOfWindowError) Unwrap() error              { return interfaces.ErrInvalidArgument }

// EpochMismatchError is returned for a message at an epoch that is neither
// the channel's current epoch nor its pending one.
type EpochMismatchError struct {
	Epoch      uint64
	Current    uint64
	HasPending bool
	Pending    uint64
}

func (e *EpochMismatchError) Error() string {
	if e.HasPending {
		return fmt.Sprintf("epoch %d is neither current %d nor pending %d", e.Epoch, e.Current, e.Pending)
	}
	return fmt.Sprintf("epoch %d is not current epoch %d", e.Epoch, e.Current)
}

func (e *EpochMismatchError) ErrorKind() interfaces.Kind { return interfaces.KindInvalidArgument }
func (e *EpochMismatchError) Unwrap() error              { return interfaces.ErrInvalidArgument }

// DescriptorExpiredError is returned by lookups that only find descriptors
// past their validity.
type DescriptorExpiredError struct {
	Authority  interfaces.AuthorityID
	ValidUntil uint64
}

func (e *DescriptorExpiredError) Error() string {
	return fmt.Sprintf("rendezvous descriptor of %s expired at %d", e.Authority, e.ValidUntil)
}

func (e *DescriptorExpiredError) ErrorKind() interfaces.Kind { return interfaces.KindNotFound }
func (e *DescriptorExpiredError) Unwrap() error              { return interfaces.ErrNotFound }
