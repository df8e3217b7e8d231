package journal

import (
	"bytes"
	"maps"
	"slices"

	"github.com/ruteri/aura/capability"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
)

// DeviceMetadata describes an enrolled device.
type DeviceMetadata struct {
	ID         interfaces.DeviceID
	Name       string
	Identifier uint16
	PublicKey  []byte
	AddedAt    uint64
}

// GuardianMetadata describes a recovery guardian.
type GuardianMetadata struct {
	ID         interfaces.GuardianID
	Name       string
	ShareIndex uint8
	PublicKey  []byte
	AddedAt    uint64
}

// ThresholdConfig is the signing threshold, versioned by tree epoch so the
// newest configuration wins a merge.
type ThresholdConfig struct {
	M, N  uint16
	Epoch uint64
}

func (t ThresholdConfig) after(o ThresholdConfig) bool {
	if t.Epoch != o.Epoch {
		return t.Epoch > o.Epoch
	}
	if t.M != o.M {
		return t.M > o.M
	}
	return t.N > o.N
}

// EventRef pairs the last event hash with its Lamport time.
type EventRef struct {
	Lamport uint64
	Hash    cryptoutils.Hash
}

// DKDRoot records the commitment root of a derivation context.
type DKDRoot struct {
	Context interfaces.ContextID
	Root    cryptoutils.Hash
}

// AccountState is the root CRDT of an account. Every field merges with a
// join: sets by union, counters by max, maps per key.
type AccountState struct {
	Account          interfaces.AccountID
	GroupKey         []byte
	Devices          map[interfaces.DeviceID]DeviceMetadata
	RemovedDevices   map[interfaces.DeviceID]bool
	Guardians        map[interfaces.GuardianID]GuardianMetadata
	RemovedGuardians map[interfaces.GuardianID]bool
	SessionEpoch     uint64
	Lamport          uint64
	UsedNonces       map[string]bool
	DKDRoots         map[interfaces.ContextID]cryptoutils.Hash
	Authority        capability.GraphState
	Threshold        ThresholdConfig
	LastEvent        EventRef

	graph *capability.AuthorityGraph
}

// NewAccountState returns an empty account.
func NewAccountState(account interfaces.AccountID) *AccountState {
	return &AccountState{
		Account:          account,
		Devices:          map[interfaces.DeviceID]DeviceMetadata{},
		RemovedDevices:   map[interfaces.DeviceID]bool{},
		Guardians:        map[interfaces.GuardianID]GuardianMetadata{},
		RemovedGuardians: map[interfaces.GuardianID]bool{},
		UsedNonces:       map[string]bool{},
		DKDRoots:         map[interfaces.ContextID]cryptoutils.Hash{},
	}
}

// AddDevice records a device. It has no effect on a removed device.
func (s *AccountState) AddDevice(d DeviceMetadata) {
	if cur, ok := s.Devices[d.ID]; ok {
		s.Devices[d.ID] = pickDevice(cur, d)
		return
	}
	s.Devices[d.ID] = d
}

// RemoveDevice tombstones a device. Tombstones are permanent.
func (s *AccountState) RemoveDevice(id interfaces.DeviceID) {
	s.RemovedDevices[id] = true
}

// AddGuardian records a guardian.
func (s *AccountState) AddGuardian(g GuardianMetadata) {
	if cur, ok := s.Guardians[g.ID]; ok {
		s.Guardians[g.ID] = pickGuardian(cur, g)
		return
	}
	s.Guardians[g.ID] = g
}

// RemoveGuardian tombstones a guardian.
func (s *AccountState) RemoveGuardian(id interfaces.GuardianID) {
	s.RemovedGuardians[id] = true
}

// LiveDevices returns devices that are not tombstoned, ordered by id.
func (s *AccountState) LiveDevices() []DeviceMetadata {
	var out []DeviceMetadata
	for _, id := range slices.SortedFunc(maps.Keys(s.Devices), func(a, b interfaces.DeviceID) int { return a.Compare(b) }) {
		if !s.RemovedDevices[id] {
			out = append(out, s.Devices[id])
		}
	}
	return out
}

// LiveGuardians returns guardians that are not tombstoned, ordered by id.
func (s *AccountState) LiveGuardians() []GuardianMetadata {
	var out []GuardianMetadata
	ids := slices.SortedFunc(maps.Keys(s.Guardians), func(a, b interfaces.GuardianID) int { return bytes.Compare(a[:], b[:]) })
	for _, id := range ids {
		if !s.RemovedGuardians[id] {
			out = append(out, s.Guardians[id])
		}
	}
	return out
}

// IsLiveDevice reports whether id is enrolled and not removed.
func (s *AccountState) IsLiveDevice(id interfaces.DeviceID) bool {
	_, ok := s.Devices[id]
	return ok && !s.RemovedDevices[id]
}

// UseNonce records a nonce and reports whether it was fresh.
func (s *AccountState) UseNonce(nonce []byte) bool {
	key := string(nonce)
	if s.UsedNonces[key] {
		return false
	}
	s.UsedNonces[key] = true
	return true
}

// Tick advances the Lamport clock and returns the new time.
func (s *AccountState) Tick() uint64 {
	s.Lamport++
	return s.Lamport
}

// Observe folds a remote Lamport time into the clock.
func (s *AccountState) Observe(lamport uint64) {
	s.Lamport = max(s.Lamport, lamport)
}

// SetSessionEpoch raises the session epoch. It never decreases.
func (s *AccountState) SetSessionEpoch(epoch uint64) {
	s.SessionEpoch = max(s.SessionEpoch, epoch)
}

// RecordEvent updates the last event reference.
func (s *AccountState) RecordEvent(h cryptoutils.Hash) {
	ref := EventRef{Lamport: s.Tick(), Hash: h}
	s.LastEvent = laterEvent(s.LastEvent, ref)
}

// ApplyBinding merges a reduced fact into the authority state.
func (s *AccountState) ApplyBinding(b RelationalBinding) {
	if b.empty() {
		return
	}
	s.Authority.Roots = append(s.Authority.Roots, b.Roots...)
	s.Authority.Delegations = append(s.Authority.Delegations, b.Delegations...)
	s.Authority.Revoked = append(s.Authority.Revoked, b.Revoked...)
	s.normalizeAuthority()
}

// Graph returns the authority graph derived from the account's authority
// state, with its visibility index. Callers must not mutate it.
func (s *AccountState) Graph() *capability.AuthorityGraph {
	if s.graph == nil {
		s.graph = capability.FromState(s.Authority)
	}
	return s.graph
}

func (s *AccountState) normalizeAuthority() {
	g := capability.FromState(s.Authority)
	s.Authority = g.State()
	s.graph = g
}

// Merge joins other into s.
func (s *AccountState) Merge(other *AccountState) {
	if s.Account.IsZero() {
		s.Account = other.Account
	}
	if len(s.GroupKey) == 0 || (len(other.GroupKey) > 0 && bytes.Compare(other.GroupKey, s.GroupKey) > 0) {
		s.GroupKey = slices.Clone(other.GroupKey)
	}
	for _, d := range other.Devices {
		s.AddDevice(d)
	}
	maps.Copy(s.RemovedDevices, other.RemovedDevices)
	for _, g := range other.Guardians {
		s.AddGuardian(g)
	}
	maps.Copy(s.RemovedGuardians, other.RemovedGuardians)
	s.SessionEpoch = max(s.SessionEpoch, other.SessionEpoch)
	s.Lamport = max(s.Lamport, other.Lamport)
	maps.Copy(s.UsedNonces, other.UsedNonces)
	for ctx, root := range other.DKDRoots {
		if cur, ok := s.DKDRoots[ctx]; !ok || root.Compare(cur) > 0 {
			s.DKDRoots[ctx] = root
		}
	}
	if other.Threshold.after(s.Threshold) {
		s.Threshold = other.Threshold
	}
	s.LastEvent = laterEvent(s.LastEvent, other.LastEvent)

	s.Authority.Roots = append(s.Authority.Roots, other.Authority.Roots...)
	s.Authority.Delegations = append(s.Authority.Delegations, other.Authority.Delegations...)
	s.Authority.Revoked = append(s.Authority.Revoked, other.Authority.Revoked...)
	s.normalizeAuthority()
}

// Clone returns a deep copy.
func (s *AccountState) Clone() *AccountState {
	c := NewAccountState(s.Account)
	c.Merge(s)
	return c
}

func laterEvent(a, b EventRef) EventRef {
	if b.Lamport > a.Lamport || (b.Lamport == a.Lamport && b.Hash.Compare(a.Hash) > 0) {
		return b
	}
	return a
}

func pickDevice(a, b DeviceMetadata) DeviceMetadata {
	if b.AddedAt != a.AddedAt {
		if b.AddedAt > a.AddedAt {
			return b
		}
		return a
	}
	ea, _ := Encode(&a)
	eb, _ := Encode(&b)
	if bytes.Compare(eb, ea) > 0 {
		return b
	}
	return a
}

func pickGuardian(a, b GuardianMetadata) GuardianMetadata {
	if b.AddedAt != a.AddedAt {
		if b.AddedAt > a.AddedAt {
			return b
		}
		return a
	}
	ea, _ := Encode(&a)
	eb, _ := Encode(&b)
	if bytes.Compare(eb, ea) > 0 {
		return b
	}
	return a
}

// accountWire is the canonical encoding of AccountState: maps become sorted
// slices.
type accountWire struct {
	Account          interfaces.AccountID
	GroupKey         []byte
	Devices          []DeviceMetadata
	RemovedDevices   []interfaces.DeviceID
	Guardians        []GuardianMetadata
	RemovedGuardians []interfaces.GuardianID
	SessionEpoch     uint64
	Lamport          uint64
	UsedNonces       [][]byte
	DKDRoots         []DKDRoot
	Authority        capability.GraphState
	Threshold        ThresholdConfig
	LastEvent        EventRef
}

func (s *AccountState) wire() accountWire {
	w := accountWire{
		Account:      s.Account,
		GroupKey:     s.GroupKey,
		SessionEpoch: s.SessionEpoch,
		Lamport:      s.Lamport,
		Authority:    s.Authority,
		Threshold:    s.Threshold,
		LastEvent:    s.LastEvent,
	}
	for _, id := range slices.SortedFunc(maps.Keys(s.Devices), func(a, b interfaces.DeviceID) int { return a.Compare(b) }) {
		w.Devices = append(w.Devices, s.Devices[id])
	}
	w.RemovedDevices = slices.SortedFunc(maps.Keys(s.RemovedDevices), func(a, b interfaces.DeviceID) int { return a.Compare(b) })
	guardianOrder := func(a, b interfaces.GuardianID) int { return bytes.Compare(a[:], b[:]) }
	for _, id := range slices.SortedFunc(maps.Keys(s.Guardians), guardianOrder) {
		w.Guardians = append(w.Guardians, s.Guardians[id])
	}
	w.RemovedGuardians = slices.SortedFunc(maps.Keys(s.RemovedGuardians), guardianOrder)
	for _, n := range slices.Sorted(maps.Keys(s.UsedNonces)) {
		w.UsedNonces = append(w.UsedNonces, []byte(n))
	}
	for _, ctx := range slices.SortedFunc(maps.Keys(s.DKDRoots), func(a, b interfaces.ContextID) int { return bytes.Compare(a[:], b[:]) }) {
		w.DKDRoots = append(w.DKDRoots, DKDRoot{Context: ctx, Root: s.DKDRoots[ctx]})
	}
	return w
}

func accountFromWire(w accountWire) *AccountState {
	s := NewAccountState(w.Account)
	s.GroupKey = w.GroupKey
	for _, d := range w.Devices {
		s.Devices[d.ID] = d
	}
	for _, id := range w.RemovedDevices {
		s.RemovedDevices[id] = true
	}
	for _, g := range w.Guardians {
		s.Guardians[g.ID] = g
	}
	for _, id := range w.RemovedGuardians {
		s.RemovedGuardians[id] = true
	}
	s.SessionEpoch = w.SessionEpoch
	s.Lamport = w.Lamport
	for _, n := range w.UsedNonces {
		s.UsedNonces[string(n)] = true
	}
	for _, r := range w.DKDRoots {
		s.DKDRoots[r.Context] = r.Root
	}
	s.Authority = w.Authority
	s.Threshold = w.Threshold
	s.LastEvent = w.LastEvent
	s.normalizeAuthority()
	return s
}

// EncodeAccount returns the canonical encoding of s.
func EncodeAccount(s *AccountState) ([]byte, error) {
	w := s.wire()
	return Encode(&w)
}

// DecodeAccount parses an encoded account state.
func DecodeAccount(data []byte) (*AccountState, error) {
	var w accountWire
	if err := decode(data, &w); err != nil {
		return nil, err
	}
	return accountFromWire(w), nil
}
