package journal

import (
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
)

// intentContext is the context id under which intents are recorded.
var intentContext = interfaces.ContextID{}

// ProposeIntent records an intent fact.
func (j *Journal) ProposeIntent(in Intent) (Fact, error) {
	return j.Emit(TypeIntent, intentContext, NonceFromHash(in.IntentID), &in, in.Proposer)
}

// TombstoneIntent closes an intent. Committed distinguishes commit from cancel.
func (j *Journal) TombstoneIntent(in Intent, committed bool, author interfaces.DeviceID) (Fact, error) {
	return j.Emit(TypeIntentTombstone, intentContext, NonceFromHash(in.IntentID), &IntentTombstone{IntentID: in.IntentID, Committed: committed}, author)
}

// RecordCancel stores a CancelIntent fact.
func (j *Journal) RecordCancel(c CancelIntent) (Fact, error) {
	return j.Emit(TypeCancelIntent, intentContext, NonceFromHash(c.IntentID), &c, c.By)
}

// PendingIntents returns intents that have not been tombstoned.
func (j *Journal) PendingIntents() ([]Intent, error) {
	intents, err := DecodeFacts[Intent](j, TypeIntent)
	if err != nil {
		return nil, err
	}
	tombstones, err := DecodeFacts[IntentTombstone](j, TypeIntentTombstone)
	if err != nil {
		return nil, err
	}
	closed := map[cryptoutils.Hash]bool{}
	for _, t := range tombstones {
		closed[t.IntentID] = true
	}
	var out []Intent
	for _, in := range intents {
		if !closed[in.IntentID] {
			out = append(out, in)
		}
	}
	return out, nil
}

// BindGuardian records a guardian binding fact.
func (j *Journal) BindGuardian(b GuardianBinding, author interfaces.DeviceID) (Fact, error) {
	return j.Emit(TypeGuardianBinding, interfaces.ContextID(b.Guardian), uint64(b.ShareIndex), &b, author)
}
