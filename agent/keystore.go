package agent

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/frost"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
)

const (
	nsDeviceKeys = "device_keys"
	nsFrostKeys  = "frost_keys"
	nsShares     = "participant_shares"
)

var (
	readCaps  = []interfaces.SecureCapability{interfaces.SecureRead}
	writeCaps = []interfaces.SecureCapability{interfaces.SecureWrite}
)

// identity is the device's long-lived key material. Only the seed is stored;
// the signing and share keys are rederived from it.
type identity struct {
	signing ed25519.PrivateKey
	share   *cryptoutils.ShareKeyPair
}

func newIdentity(seed []byte) (*identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: identity seed has %d bytes", interfaces.ErrInvalidArgument, len(seed))
	}
	shareSeed, err := cryptoutils.DeriveKey(seed, nil, "aura.device.share", 32)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(shareSeed)
	kp, err := cryptoutils.GenerateShareKeyPair(bytes.NewReader(shareSeed))
	if err != nil {
		return nil, err
	}
	return &identity{signing: ed25519.NewKeyFromSeed(seed), share: kp}, nil
}

func (id *identity) signingPublic() ed25519.PublicKey {
	return id.signing.Public().(ed25519.PublicKey)
}

// Holder maps a device to its FROST identifier under the current key.
type Holder struct {
	Device     interfaces.DeviceID
	Identifier frost.Identifier
}

// keyRecord is this device's share of the account key at one key epoch,
// with the public package and the holder roster it belongs to.
type keyRecord struct {
	Epoch   uint64
	Key     frost.KeyPackage
	Public  frost.PublicKeyPackage
	Holders []Holder
}

func (r *keyRecord) holder(d interfaces.DeviceID) (Holder, bool) {
	for _, h := range r.Holders {
		if h.Device == d {
			return h, true
		}
	}
	return Holder{}, false
}

func (r *keyRecord) deviceOf(id frost.Identifier) (interfaces.DeviceID, bool) {
	for _, h := range r.Holders {
		if h.Identifier == id {
			return h.Device, true
		}
	}
	return interfaces.DeviceID{}, false
}

func (r *keyRecord) devices() []interfaces.DeviceID {
	out := make([]interfaces.DeviceID, len(r.Holders))
	for i, h := range r.Holders {
		out[i] = h.Device
	}
	return out
}

// fingerprint commits to the public side of the record, so holders can
// confirm they finished a ceremony with the same result.
func (r *keyRecord) fingerprint() (cryptoutils.Hash, error) {
	pub, err := journal.Encode(&r.Public)
	if err != nil {
		return cryptoutils.Hash{}, err
	}
	holders, err := journal.Encode(r.Holders)
	if err != nil {
		return cryptoutils.Hash{}, err
	}
	return cryptoutils.DomainSum("aura.key.record", cryptoutils.Uint64LE(r.Epoch), pub, holders), nil
}

func (r *keyRecord) wipe() {
	if r != nil {
		r.Key.Wipe()
	}
}

// keyStore keeps the identity and the current key share in secure storage.
// A share produced by a ceremony is staged under participant_shares before
// the commit and becomes current only after it.
type keyStore struct {
	secure  interfaces.SecureStorage
	random  interfaces.Random
	account interfaces.AccountID
	device  interfaces.DeviceID

	mu      sync.RWMutex
	id      *identity
	current *keyRecord
	changed chan struct{}
}

func newKeyStore(secure interfaces.SecureStorage, random interfaces.Random, account interfaces.AccountID, device interfaces.DeviceID) *keyStore {
	return &keyStore{secure: secure, random: random, account: account, device: device, changed: make(chan struct{})}
}

func (ks *keyStore) identityLocation() interfaces.SecureLocation {
	return interfaces.SecureLocation{Namespace: nsDeviceKeys, Key: ks.device.String()}
}

func (ks *keyStore) currentLocation() interfaces.SecureLocation {
	return interfaces.SecureLocation{Namespace: nsFrostKeys, Key: ks.device.String()}
}

func (ks *keyStore) stagedLocation(epoch uint64) interfaces.SecureLocation {
	return interfaces.SecureLocation{Namespace: nsShares, Key: fmt.Sprintf("%s/%d/%s", ks.account, epoch, ks.device)}
}

// load reads the identity, creating it on first start, and the current share
// if there is one.
func (ks *keyStore) load(ctx context.Context) error {
	seed, err := ks.secure.SecureRetrieve(ctx, ks.identityLocation(), readCaps)
	if errors.Is(err, interfaces.ErrNotFound) {
		seed = ks.random.RandomBytes(ed25519.SeedSize)
		err = ks.secure.SecureStore(ctx, ks.identityLocation(), writeCaps, seed)
	}
	if err != nil {
		return fmt.Errorf("failed to load device identity: %w", err)
	}
	id, err := newIdentity(seed)
	cryptoutils.Wipe(seed)
	if err != nil {
		return err
	}

	var rec *keyRecord
	raw, err := ks.secure.SecureRetrieve(ctx, ks.currentLocation(), readCaps)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
	case err != nil:
		return fmt.Errorf("failed to load key share: %w", err)
	default:
		rec = &keyRecord{}
		if err := journal.Decode(raw, rec); err != nil {
			return fmt.Errorf("failed to decode key share: %w", err)
		}
		cryptoutils.Wipe(raw)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.id, ks.current = id, rec
	return nil
}

func (ks *keyStore) identity() *identity {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.id
}

// Current returns the installed record. The returned value is shared and
// must not be modified.
func (ks *keyStore) Current() (*keyRecord, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.current, ks.current != nil
}

// await blocks until the installed record has at least epoch. Ceremonies
// started right after a commit can reach this device before it installed the
// committed share.
func (ks *keyStore) await(ctx context.Context, epoch uint64) (*keyRecord, error) {
	for {
		ks.mu.RLock()
		cur, changed := ks.current, ks.changed
		ks.mu.RUnlock()
		if cur != nil && cur.Epoch >= epoch {
			return cur, nil
		}
		select {
		case <-ctx.Done():
			if cur == nil {
				return nil, ErrNoKey
			}
			return cur, nil
		case <-changed:
		}
	}
}

func (ks *keyStore) notifyLocked() {
	close(ks.changed)
	ks.changed = make(chan struct{})
}

// stage persists rec before the ceremony that produced it commits.
func (ks *keyStore) stage(ctx context.Context, rec *keyRecord) error {
	raw, err := journal.Encode(rec)
	if err != nil {
		return err
	}
	defer cryptoutils.Wipe(raw)
	return ks.secure.SecureStore(ctx, ks.stagedLocation(rec.Epoch), writeCaps, raw)
}

// install makes rec current and erases the share it replaces.
func (ks *keyStore) install(ctx context.Context, rec *keyRecord) error {
	raw, err := journal.Encode(rec)
	if err != nil {
		return err
	}
	defer cryptoutils.Wipe(raw)
	if err := ks.secure.SecureStore(ctx, ks.currentLocation(), writeCaps, raw); err != nil {
		return err
	}
	_ = ks.secure.SecureDelete(ctx, ks.stagedLocation(rec.Epoch), writeCaps)

	ks.mu.Lock()
	old := ks.current
	ks.current = rec
	ks.notifyLocked()
	ks.mu.Unlock()

	if old != nil && old != rec {
		old.wipe()
	}
	return nil
}

// discard erases the current share, for a device removed from the account.
func (ks *keyStore) discard(ctx context.Context) error {
	ks.mu.Lock()
	old := ks.current
	ks.current = nil
	ks.notifyLocked()
	ks.mu.Unlock()
	old.wipe()

	err := ks.secure.SecureDelete(ctx, ks.currentLocation(), writeCaps)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil
	}
	return err
}

func sortedHolders(holders []Holder) []Holder {
	out := slices.Clone(holders)
	slices.SortFunc(out, func(a, b Holder) int { return int(a.Identifier) - int(b.Identifier) })
	return out
}
