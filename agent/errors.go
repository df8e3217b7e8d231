package agent

import "github.com/ruteri/aura/interfaces"

var (
	// ErrNoKey is returned by operations that need a signing share when this
	// device holds none.
	ErrNoKey = &interfaces.Error{Kind: interfaces.KindNotFound, Message: "device holds no key share"}

	// ErrAlreadyBootstrapped is returned when Bootstrap or Genesis runs on an
	// account that already has a group key.
	ErrAlreadyBootstrapped = &interfaces.Error{Kind: interfaces.KindConflict, Message: "account already has a group key"}

	// ErrNotMember is returned when a device or guardian named in a request
	// is not part of the account.
	ErrNotMember = &interfaces.Error{Kind: interfaces.KindNotFound, Message: "not a member of the account"}

	// ErrGuardianRole is returned for operations a guardian agent cannot run.
	ErrGuardianRole = &interfaces.Error{Kind: interfaces.KindPermissionDenied, Message: "not available to guardians"}

	// ErrStaleKey is returned when a ceremony names a key epoch other than the
	// local one. The device should sync and retry.
	ErrStaleKey = &interfaces.Error{Kind: interfaces.KindConflict, Message: "key epoch mismatch"}

	// ErrNoArchive is returned by Backup and Restore without an archive backend.
	ErrNoArchive = &interfaces.Error{Kind: interfaces.KindInvalidArgument, Message: "no archive backend configured"}
)
