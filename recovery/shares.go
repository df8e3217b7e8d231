package recovery

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
)

// copyTag is the trailing coordinate of a share for a 1-of-n split. Shamir
// coordinates are never zero, so it cannot collide with a real share.
const copyTag = 0

const shareInfo = "aura.recovery.share"

// GuardianShare is the recovery share held by one guardian.
type GuardianShare struct {
	Guardian  interfaces.GuardianID
	Threshold uint16
	Share     []byte
}

// Index returns the share's evaluation point.
func (s GuardianShare) Index() uint8 {
	if len(s.Share) == 0 {
		return 0
	}
	return s.Share[len(s.Share)-1]
}

// SplitSecret splits secret among guardians so that any threshold of them
// can rebuild it. Shares are returned in guardian order.
func SplitSecret(secret []byte, guardians []interfaces.GuardianID, threshold int) ([]GuardianShare, error) {
	if len(secret) == 0 {
		return nil, interfaces.NewError(interfaces.KindInvalidArgument, "recovery.split", "empty secret")
	}
	if threshold < 1 || threshold > len(guardians) {
		return nil, interfaces.Errorf(interfaces.KindInvalidArgument, "threshold %d out of range for %d guardians", threshold, len(guardians))
	}
	if len(guardians) > 255 {
		return nil, interfaces.Errorf(interfaces.KindInvalidArgument, "at most 255 guardians, got %d", len(guardians))
	}

	var raw [][]byte
	if threshold == 1 {
		for range guardians {
			raw = append(raw, append(bytes.Clone(secret), copyTag))
		}
	} else {
		var err error
		raw, err = shamir.Split(secret, len(guardians), threshold)
		if err != nil {
			return nil, fmt.Errorf("failed to split recovery secret: %w", err)
		}
	}

	out := make([]GuardianShare, len(guardians))
	for i, g := range guardians {
		out[i] = GuardianShare{Guardian: g, Threshold: uint16(threshold), Share: raw[i]}
	}
	return out, nil
}

// CombineShares rebuilds a secret from released shares.
func CombineShares(shares [][]byte) ([]byte, error) {
	if len(shares) == 0 {
		return nil, interfaces.NewError(interfaces.KindInvalidArgument, "recovery.combine", "no shares")
	}
	for _, s := range shares {
		if len(s) < 2 {
			return nil, interfaces.NewError(interfaces.KindInvalidArgument, "recovery.combine", "share too short")
		}
		if s[len(s)-1] == copyTag {
			return bytes.Clone(s[:len(s)-1]), nil
		}
	}
	if len(shares) < 2 {
		return nil, interfaces.NewError(interfaces.KindInvalidArgument, "recovery.combine", "at least two shares are required")
	}

	secret, err := shamir.Combine(shares)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindInvalidArgument, "recovery.combine", err)
	}
	return secret, nil
}

// SealShare encrypts a guardian's share to the device that requested
// recovery. The request id is bound as associated data.
func SealShare(share GuardianShare, req Request, rand interfaces.Random) ([]byte, error) {
	if len(req.NewDeviceKey) == 0 {
		return nil, interfaces.NewError(interfaces.KindInvalidArgument, "recovery.seal", "request has no device key")
	}
	return cryptoutils.SealShare(req.NewDeviceKey, []byte(shareInfo), req.RequestID[:], share.Share, rand)
}

// OpenShare decrypts a released share with the requesting device's key.
func OpenShare(kp *cryptoutils.ShareKeyPair, req Request, sealed []byte) ([]byte, error) {
	share, err := kp.OpenShare(sealed, []byte(shareInfo), req.RequestID[:])
	if err != nil {
		if errors.Is(err, cryptoutils.ErrDecryption) {
			return nil, interfaces.WrapError(interfaces.KindPermissionDenied, "recovery.open", err)
		}
		return nil, err
	}
	return share, nil
}
