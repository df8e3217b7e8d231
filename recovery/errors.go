package recovery

import (
	"fmt"

	"github.com/ruteri/aura/interfaces"
)

var (
	// ErrUnknownRequest is returned for a request id with no request fact.
	ErrUnknownRequest = &interfaces.Error{Kind: interfaces.KindNotFound, Message: "unknown recovery request"}

	// ErrNotGuardian is returned when an approval or dispute comes from a
	// party that is not a live guardian of the request.
	ErrNotGuardian = &interfaces.Error{Kind: interfaces.KindPermissionDenied, Message: "not a guardian of this request"}

	// ErrNotLiveDevice is returned when a cancellation or resolution comes
	// from a device that is not enrolled.
	ErrNotLiveDevice = &interfaces.Error{Kind: interfaces.KindPermissionDenied, Message: "not a live device"}

	// ErrBadApproval is returned for an approval whose signature does not verify.
	ErrBadApproval = &interfaces.Error{Kind: interfaces.KindPermissionDenied, Message: "invalid approval signature"}
)

// NotReadyError is returned when a request cannot complete yet, or at all.
type NotReadyError struct {
	Status     Status
	Escalation EscalationLevel
	ReadyAt    uint64
}

func (e *NotReadyError) Error() string {
	if e.Escalation.Blocks() {
		return fmt.Sprintf("recovery %s: blocked by %s escalation", e.Status, e.Escalation)
	}
	if e.ReadyAt != 0 {
		return fmt.Sprintf("recovery %s: ready at %d", e.Status, e.ReadyAt)
	}
	return fmt.Sprintf("recovery %s", e.Status)
}

func (e *NotReadyError) ErrorKind() interfaces.Kind { return interfaces.KindConflict }
func (e *NotReadyError) Unwrap() error              { return interfaces.ErrConflict }
