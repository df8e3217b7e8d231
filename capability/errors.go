package capability

import (
	"github.com/ruteri/aura/interfaces"
)

var (
	// ErrInvalidPolicy is returned for malformed policies.
	ErrInvalidPolicy = &interfaces.Error{Kind: interfaces.KindInvalidArgument, Message: "invalid policy"}

	// ErrNotHeld is returned when a delegator does not hold the capability it delegates.
	ErrNotHeld = &interfaces.Error{Kind: interfaces.KindPermissionDenied, Message: "capability not held"}

	// ErrWidening is returned when a delegation would loosen its delegator's policy.
	ErrWidening = &interfaces.Error{Kind: interfaces.KindInvalidArgument, Message: "delegation widens capability"}

	// ErrRevoked is returned when delegating a revoked capability.
	ErrRevoked = &interfaces.Error{Kind: interfaces.KindPermissionDenied, Message: "capability revoked"}

	// ErrUnknownSubject is returned for subjects absent from the authority graph.
	ErrUnknownSubject = &interfaces.Error{Kind: interfaces.KindNotFound, Message: "unknown subject"}

	// ErrRootsSealed is returned by AddRoot once the graph has been bootstrapped.
	ErrRootsSealed = &interfaces.Error{Kind: interfaces.KindConflict, Message: "root authorities already set"}
)
