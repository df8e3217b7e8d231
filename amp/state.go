package amp

import (
	"cmp"
	"slices"

	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
)

// PendingBump is the bump a channel is moving through. Both ParentEpoch and
// NewEpoch are accepted on receive until the bump commits.
type PendingBump struct {
	ParentEpoch uint64
	NewEpoch    uint64
	BumpID      cryptoutils.Hash
	Reason      BumpReason
}

// ChannelEpochState is the reduced state of one channel. CurrentGen is the
// next generation to send at.
type ChannelEpochState struct {
	Context           interfaces.ContextID
	Channel           interfaces.ChannelID
	ChanEpoch         uint64
	Pending           *PendingBump
	LastCheckpointGen uint64
	CurrentGen        uint64
	SkipWindow        uint32
}

// Window is the inclusive generation range accepted at the current checkpoint.
func (s ChannelEpochState) Window() (lo, hi uint64) {
	return s.LastCheckpointGen, s.LastCheckpointGen + 2*uint64(s.SkipWindow)
}

// InWindow reports whether gen lies in Window.
func (s ChannelEpochState) InWindow(gen uint64) bool {
	lo, hi := s.Window()
	return gen >= lo && gen <= hi
}

type channelFacts struct {
	checkpoints []Checkpoint
	proposed    []ProposedBump
	committed   []CommittedBump
	generations []GenerationAdvance
	policy      *ChannelPolicy
}

// Reduce derives the state of channel ch in context c from the journal. A
// channel without facts reduces to epoch 0, generation 0 and the default
// skip window.
func Reduce(j *journal.Journal, c interfaces.ContextID, ch interfaces.ChannelID) (ChannelEpochState, error) {
	all, err := collect(j, &c)
	if err != nil {
		return ChannelEpochState{}, err
	}
	return reduceChannel(c, ch, all[ch]), nil
}

// ReduceContext reduces every channel with facts in context c.
func ReduceContext(j *journal.Journal, c interfaces.ContextID) (map[interfaces.ChannelID]ChannelEpochState, error) {
	all, err := collect(j, &c)
	if err != nil {
		return nil, err
	}
	out := make(map[interfaces.ChannelID]ChannelEpochState, len(all))
	for ch, f := range all {
		out[ch] = reduceChannel(c, ch, f)
	}
	return out, nil
}

func collect(j *journal.Journal, c *interfaces.ContextID) (map[interfaces.ChannelID]*channelFacts, error) {
	all := map[interfaces.ChannelID]*channelFacts{}
	get := func(ch interfaces.ChannelID) *channelFacts {
		f, ok := all[ch]
		if !ok {
			f = &channelFacts{}
			all[ch] = f
		}
		return f
	}
	for _, typeID := range []string{TypeCheckpoint, TypeBumpProposed, TypeBumpCommitted, TypePolicy, TypeGeneration} {
		for _, fact := range j.FactsOfType(typeID) {
			if fact.Key.Context != *c {
				continue
			}
			switch typeID {
			case TypeCheckpoint:
				var v Checkpoint
				if err := journal.Decode(fact.Value, &v); err != nil {
					return nil, err
				}
				get(v.Channel).checkpoints = append(get(v.Channel).checkpoints, v)
			case TypeBumpProposed:
				var v ProposedBump
				if err := journal.Decode(fact.Value, &v); err != nil {
					return nil, err
				}
				get(v.Channel).proposed = append(get(v.Channel).proposed, v)
			case TypeBumpCommitted:
				var v CommittedBump
				if err := journal.Decode(fact.Value, &v); err != nil {
					return nil, err
				}
				get(v.Channel).committed = append(get(v.Channel).committed, v)
			case TypePolicy:
				var v ChannelPolicy
				if err := journal.Decode(fact.Value, &v); err != nil {
					return nil, err
				}
				get(v.Channel).policy = &v
			case TypeGeneration:
				var v GenerationAdvance
				if err := journal.Decode(fact.Value, &v); err != nil {
					return nil, err
				}
				get(v.Channel).generations = append(get(v.Channel).generations, v)
			}
		}
	}
	return all, nil
}

func reduceChannel(c interfaces.ContextID, ch interfaces.ChannelID, f *channelFacts) ChannelEpochState {
	s := ChannelEpochState{Context: c, Channel: ch, SkipWindow: DefaultSkipWindow}
	if f == nil {
		return s
	}

	s.ChanEpoch = highestCommittedEpoch(f.committed)

	var override uint32
	if cp, ok := canonicalCheckpoint(f.checkpoints, s.ChanEpoch); ok {
		s.LastCheckpointGen = cp.BaseGen
		override = cp.SkipWindow
	}
	switch {
	case override != 0:
		s.SkipWindow = override
	case f.policy != nil && f.policy.SkipWindow != 0:
		s.SkipWindow = f.policy.SkipWindow
	}

	s.CurrentGen = s.LastCheckpointGen
	for _, g := range f.generations {
		if g.Epoch <= s.ChanEpoch+1 {
			s.CurrentGen = max(s.CurrentGen, g.NextGen)
		}
	}

	s.Pending = selectPendingBump(s, f.proposed)
	return s
}

// highestCommittedEpoch follows the chain of committed e -> e+1 bumps from 0.
func highestCommittedEpoch(committed []CommittedBump) uint64 {
	sorted := slices.Clone(committed)
	slices.SortFunc(sorted, func(a, b CommittedBump) int {
		switch {
		case a.ParentEpoch != b.ParentEpoch:
			return cmp.Compare(a.ParentEpoch, b.ParentEpoch)
		case a.NewEpoch != b.NewEpoch:
			return cmp.Compare(a.NewEpoch, b.NewEpoch)
		default:
			return a.ChosenBumpID.Compare(b.ChosenBumpID)
		}
	})
	var epoch uint64
	for _, b := range sorted {
		if b.ParentEpoch == epoch && b.NewEpoch == b.ParentEpoch+1 {
			epoch = b.NewEpoch
		}
	}
	return epoch
}

// canonicalCheckpoint picks the greatest (BaseGen, Commitment) among the
// checkpoints of the newest epoch at or below epoch that has any.
func canonicalCheckpoint(checkpoints []Checkpoint, epoch uint64) (Checkpoint, bool) {
	var best Checkpoint
	found := false
	for _, cp := range checkpoints {
		if cp.Epoch > epoch {
			continue
		}
		if !found || cp.Epoch > best.Epoch ||
			(cp.Epoch == best.Epoch && (cp.BaseGen > best.BaseGen ||
				(cp.BaseGen == best.BaseGen && cp.Commitment.Compare(best.Commitment) > 0))) {
			best, found = cp, true
		}
	}
	return best, found
}

func selectPendingBump(s ChannelEpochState, proposed []ProposedBump) *PendingBump {
	spacingMet := s.CurrentGen-s.LastCheckpointGen >= uint64(s.SkipWindow/2)
	var chosen *ProposedBump
	for i := range proposed {
		b := &proposed[i]
		if b.ParentEpoch != s.ChanEpoch || b.NewEpoch != s.ChanEpoch+1 {
			continue
		}
		if !spacingMet && !b.Reason.BypassesSpacing() {
			continue
		}
		if chosen == nil || b.BumpID.Compare(chosen.BumpID) < 0 {
			chosen = b
		}
	}
	if chosen == nil {
		return nil
	}
	return &PendingBump{
		ParentEpoch: chosen.ParentEpoch,
		NewEpoch:    chosen.NewEpoch,
		BumpID:      chosen.BumpID,
		Reason:      chosen.Reason,
	}
}

// CheckpointPruningBoundary is the generation below which checkpoints may be
// discarded once a checkpoint at maxCheckpointGen exists. The newest
// checkpoint's full window plus half a default window stays covered.
func CheckpointPruningBoundary(maxCheckpointGen uint64, skipWindow uint32) uint64 {
	if skipWindow == 0 {
		skipWindow = DefaultSkipWindow
	}
	coverage := 2*uint64(skipWindow) + uint64(DefaultSkipWindow/2)
	if maxCheckpointGen < coverage {
		return 0
	}
	return maxCheckpointGen - coverage
}
