package amp

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/effects"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
)

// HintKind is a transport a peer can be reached over.
type HintKind uint8

const (
	HintQuicDirect HintKind = iota
	HintTcpDirect
	HintWebSocketRelay
)

func (k HintKind) String() string {
	switch k {
	case HintQuicDirect:
		return "quic"
	case HintTcpDirect:
		return "tcp"
	case HintWebSocketRelay:
		return "ws-relay"
	default:
		return "unknown"
	}
}

// TransportHint is one way to reach a peer. Addr is set for direct hints,
// Relay for relay hints.
type TransportHint struct {
	Kind  HintKind
	Addr  string
	Relay string
}

func QuicDirect(addr string) TransportHint { return TransportHint{Kind: HintQuicDirect, Addr: addr} }
func TcpDirect(addr string) TransportHint  { return TransportHint{Kind: HintTcpDirect, Addr: addr} }

// WebSocketRelay names a relay authority, resolved to an address through
// DNS SRV records or used as a URL directly.
func WebSocketRelay(relay string) TransportHint {
	return TransportHint{Kind: HintWebSocketRelay, Relay: relay}
}

// Descriptor tells peers in a context how to reach an authority. It is
// signed by the authority's device key and published as a journal fact.
type Descriptor struct {
	Authority     interfaces.AuthorityID
	Context       interfaces.ContextID
	Hints         []TransportHint
	PSKCommitment cryptoutils.Hash
	ValidFrom     uint64
	ValidUntil    uint64
	Nonce         uint64
	PublicKey     []byte
	Signature     []byte
}

type descriptorBody struct {
	Authority     interfaces.AuthorityID
	Context       interfaces.ContextID
	Hints         []TransportHint
	PSKCommitment cryptoutils.Hash
	ValidFrom     uint64
	ValidUntil    uint64
	Nonce         uint64
	PublicKey     []byte
}

// PSKCommitment commits to a handshake pre-shared key.
func PSKCommitment(psk []byte) cryptoutils.Hash {
	return cryptoutils.DomainSum("aura.rendezvous.psk", psk)
}

func (d *Descriptor) signingMessage() ([]byte, error) {
	body, err := journal.Encode(&descriptorBody{
		Authority:     d.Authority,
		Context:       d.Context,
		Hints:         d.Hints,
		PSKCommitment: d.PSKCommitment,
		ValidFrom:     d.ValidFrom,
		ValidUntil:    d.ValidUntil,
		Nonce:         d.Nonce,
		PublicKey:     d.PublicKey,
	})
	if err != nil {
		return nil, err
	}
	return append([]byte("aura.rendezvous.descriptor"), body...), nil
}

// Sign sets PublicKey and Signature from key.
func (d *Descriptor) Sign(key ed25519.PrivateKey) error {
	d.PublicKey = key.Public().(ed25519.PublicKey)
	msg, err := d.signingMessage()
	if err != nil {
		return err
	}
	d.Signature = ed25519.Sign(key, msg)
	return nil
}

// Verify checks the signature and the validity interval.
func (d *Descriptor) Verify() error {
	if len(d.PublicKey) != ed25519.PublicKeySize || len(d.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: missing signature", ErrInvalidDescriptor)
	}
	if d.ValidUntil <= d.ValidFrom {
		return fmt.Errorf("%w: empty validity interval", ErrInvalidDescriptor)
	}
	if len(d.Hints) == 0 {
		return fmt.Errorf("%w: no transport hints", ErrInvalidDescriptor)
	}
	msg, err := d.signingMessage()
	if err != nil {
		return err
	}
	if !ed25519.Verify(d.PublicKey, msg, d.Signature) {
		return fmt.Errorf("%w: bad signature", ErrInvalidDescriptor)
	}
	return nil
}

// Expired reports whether the descriptor is past ValidUntil.
func (d *Descriptor) Expired(nowMs uint64) bool {
	return nowMs >= d.ValidUntil
}

// NeedsRefresh reports whether the publisher should replace the descriptor:
// once the last tenth of its validity has started.
func (d *Descriptor) NeedsRefresh(nowMs uint64) bool {
	window := d.ValidUntil - d.ValidFrom
	return nowMs > d.ValidUntil-window/10
}

func descriptorNonce(authority interfaces.AuthorityID, c interfaces.ContextID) uint64 {
	return journal.NonceFromHash(cryptoutils.DomainSum("aura.rendezvous", authority[:], c[:]))
}

type descriptorKey struct {
	authority interfaces.AuthorityID
	context   interfaces.ContextID
}

// Directory caches the rendezvous descriptors found in the journal.
type Directory struct {
	journal *effects.JournalEffect
	time    interfaces.Time
	log     *slog.Logger

	mu    sync.RWMutex
	cache map[descriptorKey]Descriptor
}

func NewDirectory(je *effects.JournalEffect, clock interfaces.Time, log *slog.Logger) *Directory {
	return &Directory{
		journal: je,
		time:    clock,
		log:     common.OrDiscard(log),
		cache:   map[descriptorKey]Descriptor{},
	}
}

// Publish signs d with key and records it. A newer descriptor of the same
// authority and context replaces the old one.
func (dir *Directory) Publish(ctx context.Context, d Descriptor, key ed25519.PrivateKey) (Descriptor, error) {
	if err := d.Sign(key); err != nil {
		return Descriptor{}, err
	}
	if err := d.Verify(); err != nil {
		return Descriptor{}, err
	}
	err := dir.journal.Update(ctx, func(j *journal.Journal) error {
		_, err := j.Emit(TypeRendezvous, d.Context, descriptorNonce(d.Authority, d.Context), &d, dir.journal.Author())
		return err
	})
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to publish descriptor: %w", err)
	}

	dir.mu.Lock()
	dir.cache[descriptorKey{d.Authority, d.Context}] = d
	dir.mu.Unlock()
	return d, nil
}

// Refresh reloads the cache from the journal. Descriptors that fail
// verification are skipped.
func (dir *Directory) Refresh() error {
	var found []Descriptor
	err := dir.journal.View(func(j *journal.Journal) (err error) {
		found, err = journal.DecodeFacts[Descriptor](j, TypeRendezvous)
		return err
	})
	if err != nil {
		return err
	}

	now := dir.time.NowMs()
	fresh := map[descriptorKey]Descriptor{}
	for _, d := range found {
		if err := d.Verify(); err != nil {
			dir.log.Warn("ignoring rendezvous descriptor", slog.String("authority", d.Authority.String()), "err", err)
			continue
		}
		if d.Expired(now) {
			continue
		}
		key := descriptorKey{d.Authority, d.Context}
		if cur, ok := fresh[key]; !ok || d.ValidUntil > cur.ValidUntil {
			fresh[key] = d
		}
	}

	dir.mu.Lock()
	dir.cache = fresh
	dir.mu.Unlock()
	return nil
}

// Lookup returns the descriptor of authority in context c.
func (dir *Directory) Lookup(authority interfaces.AuthorityID, c interfaces.ContextID) (Descriptor, error) {
	key := descriptorKey{authority, c}
	dir.mu.RLock()
	d, ok := dir.cache[key]
	dir.mu.RUnlock()
	if !ok {
		if err := dir.Refresh(); err != nil {
			return Descriptor{}, err
		}
		dir.mu.RLock()
		d, ok = dir.cache[key]
		dir.mu.RUnlock()
		if !ok {
			return Descriptor{}, fmt.Errorf("%w: no rendezvous descriptor for %s", interfaces.ErrNotFound, authority)
		}
	}
	if d.Expired(dir.time.NowMs()) {
		return Descriptor{}, &DescriptorExpiredError{Authority: authority, ValidUntil: d.ValidUntil}
	}
	return d, nil
}

// Purge drops expired descriptors from the cache and returns how many.
func (dir *Directory) Purge() int {
	now := dir.time.NowMs()
	dir.mu.Lock()
	defer dir.mu.Unlock()
	n := 0
	for k, d := range dir.cache {
		if d.Expired(now) {
			delete(dir.cache, k)
			n++
		}
	}
	return n
}

// Stale returns cached descriptors of authority that need refreshing.
func (dir *Directory) Stale(authority interfaces.AuthorityID) []Descriptor {
	now := dir.time.NowMs()
	dir.mu.RLock()
	defer dir.mu.RUnlock()
	var out []Descriptor
	for k, d := range dir.cache {
		if k.authority == authority && d.NeedsRefresh(now) {
			out = append(out, d)
		}
	}
	return out
}
