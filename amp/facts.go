package amp

import (
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
)

// Channel fact types. The fact context is the channel's context.
const (
	TypeCheckpoint    = "amp.checkpoint"
	TypeBumpProposed  = "amp.bump.proposed"
	TypeBumpCommitted = "amp.bump.committed"
	TypePolicy        = "amp.policy"
	TypeGeneration    = "amp.generation"
	TypeRendezvous    = "rendezvous.descriptor"
)

// DefaultSkipWindow is the skip window of a channel with no policy.
const DefaultSkipWindow uint32 = 1024

// BumpReason says why a channel epoch bump was proposed.
type BumpReason uint8

const (
	BumpRoutine BumpReason = iota
	BumpKeyRefresh
	BumpRecovery
	BumpDeviceRemoval
	BumpCompromise
)

func (r BumpReason) String() string {
	switch r {
	case BumpRoutine:
		return "routine"
	case BumpKeyRefresh:
		return "key_refresh"
	case BumpRecovery:
		return "recovery"
	case BumpDeviceRemoval:
		return "device_removal"
	case BumpCompromise:
		return "compromise"
	default:
		return "unknown"
	}
}

// BypassesSpacing reports whether a bump for this reason may be selected
// before half a skip window of generations has passed since the checkpoint.
func (r BumpReason) BypassesSpacing() bool {
	switch r {
	case BumpRecovery, BumpDeviceRemoval, BumpCompromise:
		return true
	default:
		return false
	}
}

// Checkpoint anchors the generation window of a channel at BaseGen.
// SkipWindow overrides the channel policy when non-zero.
type Checkpoint struct {
	Channel    interfaces.ChannelID
	Epoch      uint64
	BaseGen    uint64
	SkipWindow uint32
	Commitment cryptoutils.Hash
}

// ProposedBump proposes moving a channel from ParentEpoch to NewEpoch.
type ProposedBump struct {
	Channel     interfaces.ChannelID
	ParentEpoch uint64
	NewEpoch    uint64
	BumpID      cryptoutils.Hash
	Reason      BumpReason
}

// CommittedBump finalizes a proposed bump.
type CommittedBump struct {
	Channel      interfaces.ChannelID
	ParentEpoch  uint64
	NewEpoch     uint64
	ChosenBumpID cryptoutils.Hash
}

// ChannelPolicy sets the skip window of a channel.
type ChannelPolicy struct {
	Channel    interfaces.ChannelID
	SkipWindow uint32
}

// GenerationAdvance records the next generation a device will send at.
type GenerationAdvance struct {
	Channel interfaces.ChannelID
	Epoch   uint64
	NextGen uint64
}

// RegisterFacts adds the channel and rendezvous fact types to registry.
func RegisterFacts(registry *journal.Registry) error {
	for typeID, reducer := range map[string]journal.Reducer{
		TypeCheckpoint:    journal.Opaque[Checkpoint](),
		TypeBumpProposed:  journal.Opaque[ProposedBump](),
		TypeBumpCommitted: journal.Opaque[CommittedBump](),
		TypePolicy:        journal.Opaque[ChannelPolicy](),
		TypeGeneration:    journal.Opaque[GenerationAdvance](),
		TypeRendezvous:    journal.Opaque[Descriptor](),
	} {
		if registry.Known(typeID) {
			continue
		}
		if err := registry.Register(typeID, reducer); err != nil {
			return err
		}
	}
	return nil
}

func checkpointCommitment(c interfaces.ContextID, ch interfaces.ChannelID, epoch, baseGen uint64) cryptoutils.Hash {
	return cryptoutils.DomainSum("aura.amp.checkpoint", c[:], ch[:], cryptoutils.Uint64LE(epoch), cryptoutils.Uint64LE(baseGen))
}

// NewCheckpoint builds a checkpoint with its commitment.
func NewCheckpoint(c interfaces.ContextID, ch interfaces.ChannelID, epoch, baseGen uint64, skipWindow uint32) Checkpoint {
	return Checkpoint{
		Channel:    ch,
		Epoch:      epoch,
		BaseGen:    baseGen,
		SkipWindow: skipWindow,
		Commitment: checkpointCommitment(c, ch, epoch, baseGen),
	}
}

// RecordCheckpoint emits a checkpoint fact.
func RecordCheckpoint(j *journal.Journal, c interfaces.ContextID, cp Checkpoint, author interfaces.DeviceID) (journal.Fact, error) {
	return j.Emit(TypeCheckpoint, c, journal.NonceFromHash(cp.Commitment), &cp, author)
}

// RecordProposedBump emits a bump proposal.
func RecordProposedBump(j *journal.Journal, c interfaces.ContextID, b ProposedBump, author interfaces.DeviceID) (journal.Fact, error) {
	return j.Emit(TypeBumpProposed, c, journal.NonceFromHash(b.BumpID), &b, author)
}

// RecordCommittedBump emits a bump commit. One commit is kept per parent epoch.
func RecordCommittedBump(j *journal.Journal, c interfaces.ContextID, b CommittedBump, author interfaces.DeviceID) (journal.Fact, error) {
	nonce := journal.NonceFromHash(cryptoutils.DomainSum("aura.amp.commit", b.Channel[:], cryptoutils.Uint64LE(b.ParentEpoch)))
	return j.Emit(TypeBumpCommitted, c, nonce, &b, author)
}

// RecordPolicy emits the channel policy, replacing any earlier one.
func RecordPolicy(j *journal.Journal, c interfaces.ContextID, p ChannelPolicy, author interfaces.DeviceID) (journal.Fact, error) {
	nonce := journal.NonceFromHash(cryptoutils.DomainSum("aura.amp.policy", p.Channel[:]))
	return j.Emit(TypePolicy, c, nonce, &p, author)
}

// RecordGeneration emits the author's next send generation.
func RecordGeneration(j *journal.Journal, c interfaces.ContextID, g GenerationAdvance, author interfaces.DeviceID) (journal.Fact, error) {
	nonce := journal.NonceFromHash(cryptoutils.DomainSum("aura.amp.generation", g.Channel[:], author[:]))
	return j.Emit(TypeGeneration, c, nonce, &g, author)
}
