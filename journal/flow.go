package journal

import (
	"fmt"
	"sync"

	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
)

// DefaultFlowLimit applies to (context, peer) pairs without an explicit budget.
const DefaultFlowLimit = 10_000

// FlowBudget is a monotonic spend counter for one (context, peer) pair within
// a session epoch.
type FlowBudget struct {
	Limit uint64
	Spent uint64
	Epoch uint64
}

// FlowKey identifies a budget.
type FlowKey struct {
	Context interfaces.ContextID
	Peer    interfaces.AuthorityID
}

// Receipt is the immutable record of a successful charge. Nonce is the spend
// after the charge, so receipts for one budget are totally ordered.
type Receipt struct {
	Context     interfaces.ContextID
	Peer        interfaces.AuthorityID
	Epoch       uint64
	Cost        uint64
	Nonce       uint64
	TimestampMs uint64
	Fingerprint cryptoutils.Hash
}

func receiptFingerprint(r Receipt) cryptoutils.Hash {
	return cryptoutils.DomainSum("aura.flow.receipt",
		r.Context[:], r.Peer[:], cryptoutils.Uint64LE(r.Epoch), cryptoutils.Uint64LE(r.Cost),
		cryptoutils.Uint64LE(r.Nonce), cryptoutils.Uint64LE(r.TimestampMs))
}

// Verify checks the receipt fingerprint.
func (r Receipt) Verify() bool {
	return receiptFingerprint(r) == r.Fingerprint
}

// FactKey is where the receipt is recorded as a flow.spent fact.
func (r Receipt) FactKey() FactKey {
	return FactKey{
		TypeID:  TypeFlowSpent,
		Context: r.Context,
		Nonce:   NonceFromHash(cryptoutils.DomainSum("aura.flow.spent", r.Peer[:], cryptoutils.Uint64LE(r.Epoch), cryptoutils.Uint64LE(r.Nonce))),
	}
}

// BudgetExceededError is returned when a charge would exceed the limit.
type BudgetExceededError struct {
	Limit, Spent, Cost uint64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("flow budget exceeded: limit %d, spent %d, cost %d", e.Limit, e.Spent, e.Cost)
}

func (e *BudgetExceededError) ErrorKind() interfaces.Kind { return interfaces.KindExhausted }
func (e *BudgetExceededError) Unwrap() error              { return interfaces.ErrExhausted }

type budgetEntry struct {
	mu     sync.Mutex
	budget FlowBudget
}

// FlowManager holds budgets. Each (context, peer) has its own lock held across
// check and mutate, so unrelated charges do not contend.
type FlowManager struct {
	mu      sync.Mutex
	entries map[FlowKey]*budgetEntry
	epoch   uint64
	limit   uint64
}

// NewFlowManager creates a manager with the given default limit.
func NewFlowManager(defaultLimit uint64) *FlowManager {
	if defaultLimit == 0 {
		defaultLimit = DefaultFlowLimit
	}
	return &FlowManager{entries: map[FlowKey]*budgetEntry{}, limit: defaultLimit}
}

func (m *FlowManager) entry(key FlowKey) *budgetEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &budgetEntry{budget: FlowBudget{Limit: m.limit, Epoch: m.epoch}}
		m.entries[key] = e
	}
	return e
}

// SetBudget sets the limit for a pair, keeping what was spent.
func (m *FlowManager) SetBudget(ctx interfaces.ContextID, peer interfaces.AuthorityID, limit uint64) {
	e := m.entry(FlowKey{Context: ctx, Peer: peer})
	e.mu.Lock()
	defer e.mu.Unlock()
	e.budget.Limit = limit
}

// Budget returns the current budget for a pair.
func (m *FlowManager) Budget(ctx interfaces.ContextID, peer interfaces.AuthorityID) FlowBudget {
	e := m.entry(FlowKey{Context: ctx, Peer: peer})
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.budget
}

// Charge spends cost. See ChargeWith.
func (m *FlowManager) Charge(ctx interfaces.ContextID, peer interfaces.AuthorityID, cost, nowMs uint64) (Receipt, error) {
	return m.ChargeWith(ctx, peer, cost, nowMs, nil)
}

// ChargeWith spends cost and calls commit with the receipt while the budget
// is locked. If commit fails the spend is rolled back and the error returned,
// so a charge and the facts recorded with it are visible together or not at
// all. A charge that would exceed the limit returns BudgetExceededError and
// spends nothing.
func (m *FlowManager) ChargeWith(ctx interfaces.ContextID, peer interfaces.AuthorityID, cost, nowMs uint64, commit func(Receipt) error) (Receipt, error) {
	e := m.entry(FlowKey{Context: ctx, Peer: peer})
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.budget
	if b.Spent+cost > b.Limit || b.Spent+cost < b.Spent {
		return Receipt{}, &BudgetExceededError{Limit: b.Limit, Spent: b.Spent, Cost: cost}
	}
	r := Receipt{
		Context:     ctx,
		Peer:        peer,
		Epoch:       b.Epoch,
		Cost:        cost,
		Nonce:       b.Spent + cost,
		TimestampMs: nowMs,
	}
	r.Fingerprint = receiptFingerprint(r)

	if commit != nil {
		if err := commit(r); err != nil {
			return Receipt{}, err
		}
	}
	e.budget.Spent += cost
	return r, nil
}

// RotateEpoch resets every budget's spend for a new session epoch.
func (m *FlowManager) RotateEpoch(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch <= m.epoch && len(m.entries) > 0 {
		return
	}
	m.epoch = epoch
	for _, e := range m.entries {
		e.mu.Lock()
		e.budget.Spent = 0
		e.budget.Epoch = epoch
		e.mu.Unlock()
	}
}

// Epoch is the session epoch budgets are counted in.
func (m *FlowManager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Restore rebuilds spend from the journal's flow.spent facts for the
// journal's session epoch.
func (m *FlowManager) Restore(j *Journal) error {
	receipts, err := DecodeFacts[Receipt](j, TypeFlowSpent)
	if err != nil {
		return err
	}
	m.RotateEpoch(j.Account.SessionEpoch)

	spent := map[FlowKey]uint64{}
	for _, r := range receipts {
		if r.Epoch != j.Account.SessionEpoch || !r.Verify() {
			continue
		}
		key := FlowKey{Context: r.Context, Peer: r.Peer}
		spent[key] = max(spent[key], r.Nonce)
	}
	for key, s := range spent {
		e := m.entry(key)
		e.mu.Lock()
		e.budget.Spent = max(e.budget.Spent, s)
		e.budget.Epoch = j.Account.SessionEpoch
		e.mu.Unlock()
	}
	return nil
}

// RecordReceipt stores r as a flow.spent fact.
func RecordReceipt(j *Journal, r Receipt, author interfaces.DeviceID) (Fact, error) {
	data, err := Encode(&r)
	if err != nil {
		return Fact{}, err
	}
	f := Fact{Key: r.FactKey(), Value: data, Lamport: j.Account.Tick(), Author: author}
	if _, err := j.AddFact(f); err != nil {
		return Fact{}, err
	}
	return f, nil
}
