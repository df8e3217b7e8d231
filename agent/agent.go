package agent

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ruteri/aura/amp"
	"github.com/ruteri/aura/capability"
	"github.com/ruteri/aura/choreography"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/effects"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
	"github.com/ruteri/aura/recovery"
)

// Agent is one device's (or guardian's) view of a threshold account. It owns
// the device's key share and drives every ceremony the device coordinates or
// joins.
type Agent struct {
	cfg  Config
	self interfaces.DeviceID
	eff  *effects.Effects
	log  *slog.Logger

	journal   *effects.JournalEffect
	evaluator *capability.Evaluator
	chor      *choreography.Choreographer
	recovery  *recovery.Manager
	syncer    *amp.JournalSync
	scheduler *amp.SyncScheduler
	channels  *amp.Manager
	directory *amp.Directory
	keys      *keyStore
	inbox     chan Message

	chanMu sync.Mutex
	joined map[channelRef]bool

	// keyMu serializes the ceremonies this device coordinates that replace
	// the key share.
	keyMu sync.Mutex
	wg    sync.WaitGroup
}

// NewRegistry returns a fact registry with every fact type the agent and
// its components use.
func NewRegistry() (*journal.Registry, error) {
	reg := journal.NewRegistry()
	for _, register := range []func(*journal.Registry) error{
		choreography.RegisterFacts,
		recovery.RegisterFacts,
		amp.RegisterFacts,
		registerFacts,
	} {
		if err := register(reg); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// New opens the account journal and the device's key material.
func New(ctx context.Context, eff *effects.Effects, cfg Config) (*Agent, error) {
	if err := eff.Validate(); err != nil {
		return nil, err
	}
	if cfg.Account.IsZero() {
		return nil, fmt.Errorf("%w: account id is required", interfaces.ErrInvalidArgument)
	}
	cfg = cfg.withDefaults()
	log := eff.Logger().With(slog.String("device", cfg.Device.String()))

	registry, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	je, err := effects.OpenJournal(ctx, eff, cfg.Account, cfg.Device, effects.JournalOptions{
		Registry:         registry,
		DefaultFlowLimit: cfg.FlowLimit,
	})
	if err != nil {
		return nil, err
	}
	keys := newKeyStore(eff.Secure, eff.Random, cfg.Account, cfg.Device)
	if err := keys.load(ctx); err != nil {
		return nil, err
	}

	evaluator := capability.NewEvaluator(log, cfg.LocalChecks)
	a := &Agent{
		cfg:       cfg,
		self:      cfg.Device,
		eff:       eff,
		log:       log,
		journal:   je,
		evaluator: evaluator,
		chor:      choreography.New(eff, je, evaluator, choreography.Config{Timeouts: cfg.Timeouts, Observer: cfg.Observer}),
		recovery:  recovery.NewManager(je, eff.Time, eff.Random, cfg.Recovery, log),
		syncer:    amp.NewJournalSync(je, eff, cfg.Sync.BatchSize, cfg.SyncTimeout),
		channels:  amp.NewManager(je, cfg.ChannelObserver, log),
		directory: amp.NewDirectory(je, eff.Time, log),
		keys:      keys,
		inbox:     make(chan Message, inboxSize),
		joined:    map[channelRef]bool{},
	}
	a.scheduler = amp.NewSyncScheduler(a.syncer, a.syncPeers, cfg.Sync, eff.Time, cfg.SyncObserver, log)
	a.chor.Runtime().SetFallback(a.route)
	return a, nil
}

// Run serves the device until ctx is done: the ceremony runtime, incoming
// invitations and periodic anti-entropy.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.abandonInterrupted(ctx); err != nil {
		a.log.Warn("failed to resume checkpointed ceremonies", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.chor.Runtime().Run(gctx) })
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error {
		a.serveInvitations(gctx)
		return nil
	})
	err := g.Wait()
	a.wg.Wait()
	return err
}

// abandonInterrupted cancels ceremonies a previous run left in Compute or
// later. Their round secrets were never persisted, so peers are told to
// give up and the caller retries with a fresh session.
func (a *Agent) abandonInterrupted(ctx context.Context) error {
	resumed, err := a.chor.Resume(ctx)
	if err != nil {
		return err
	}
	for _, cer := range resumed {
		a.log.Info("cancelling interrupted ceremony",
			slog.String("session_id", cer.ID().String()),
			slog.String("phase", cer.Session().Phase.String()))
		_ = cer.Cancel(ctx, "participant restarted")
	}
	return nil
}

func (a *Agent) serveInvitations(ctx context.Context) {
	invites := a.chor.Runtime().Invitations()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-invites:
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.handleInvitation(ctx, env)
			}()
		}
	}
}

func (a *Agent) handleInvitation(ctx context.Context, invite *choreography.Envelope) {
	log := a.log.With(
		slog.String("session_id", invite.Session.String()),
		slog.String("kind", string(invite.Kind)),
		slog.String("coordinator", invite.From.String()))

	if a.cfg.Guardian != (invite.Kind == choreography.KindRecovery) {
		log.Warn("ignoring invitation this agent has no role in")
		return
	}
	a.catchUp(ctx, invite)

	var err error
	switch invite.Kind {
	case choreography.KindDKG:
		err = a.joinDKG(ctx, invite)
	case choreography.KindSign:
		err = a.joinSign(ctx, invite)
	case choreography.KindDerive:
		err = a.joinDerive(ctx, invite)
	case choreography.KindRefresh:
		err = a.joinRefresh(ctx, invite)
	case choreography.KindEnroll:
		err = a.joinReshare(ctx, invite)
	case choreography.KindRecovery:
		err = a.joinRecovery(ctx, invite)
	default:
		err = fmt.Errorf("%w: no handler for ceremony kind %q", interfaces.ErrInvalidArgument, invite.Kind)
	}
	if err != nil {
		log.Warn("ceremony participation failed", "err", err)
		return
	}
	log.Info("ceremony participation finished")
}

// catchUp pulls the coordinator's journal when the invitation was built
// against a tree this replica has not seen yet.
func (a *Agent) catchUp(ctx context.Context, invite *choreography.Envelope) {
	var req choreography.PrepareRequest
	if err := invite.DecodePayload(&req); err != nil {
		return
	}
	var root cryptoutils.Hash
	var hasKey bool
	_ = a.journal.View(func(j *journal.Journal) error {
		root = j.Tree.RootCommitment()
		hasKey = len(j.Account.GroupKey) > 0
		return nil
	})
	stale := req.Session.HasIntent && req.Session.Intent.SnapshotCommitment != root
	// Recovery requests are filed on the coordinator's replica first.
	if !stale && hasKey && invite.Kind != choreography.KindRecovery {
		return
	}
	coordinator := choreography.Member{ID: invite.From, Role: choreography.RoleCoordinator}
	if _, err := a.syncer.SyncWith(ctx, coordinator.Peer()); err != nil {
		a.log.Warn("failed to catch up with coordinator", slog.String("peer", string(coordinator.Peer())), "err", err)
	}
}

// route handles frames the ceremony runtime does not own.
func (a *Agent) route(ctx context.Context, peer interfaces.PeerID, data []byte) {
	switch {
	case amp.IsSyncFrame(data):
		a.syncer.Handle(ctx, peer, data)
	case len(data) > 0 && data[0] == messageFrameTag:
		a.receiveMessage(ctx, peer, data[1:])
	default:
		a.log.Debug("dropping unrecognized frame", slog.String("peer", string(peer)), slog.Int("size", len(data)))
	}
}

// syncPeers lists every member of the account other than this agent, plus
// the configured peers.
func (a *Agent) syncPeers() []interfaces.PeerID {
	peers := slices.Clone(a.cfg.Peers)
	_ = a.journal.View(func(j *journal.Journal) error {
		for _, d := range j.Account.LiveDevices() {
			peers = append(peers, d.ID.Peer())
		}
		for _, g := range j.Account.LiveGuardians() {
			peers = append(peers, g.ID.Peer())
		}
		return nil
	})
	me := a.Peer()
	peers = slices.DeleteFunc(peers, func(p interfaces.PeerID) bool { return p == me })
	slices.Sort(peers)
	return slices.Compact(peers)
}

// SyncNow runs one anti-entropy round against every peer.
func (a *Agent) SyncNow(ctx context.Context) error {
	err := a.scheduler.SyncOnce(ctx)
	a.observeEpoch(ctx)
	return err
}

// SyncWith pulls the journal of one peer.
func (a *Agent) SyncWith(ctx context.Context, peer interfaces.PeerID) error {
	_, err := a.syncer.SyncWith(ctx, peer)
	a.observeEpoch(ctx)
	return err
}

// observeEpoch resets flow budgets once the account's session epoch moves,
// and erases the key share of a device the account removed.
func (a *Agent) observeEpoch(ctx context.Context) {
	var epoch uint64
	var removed bool
	_ = a.journal.View(func(j *journal.Journal) error {
		epoch = j.Account.SessionEpoch
		removed = j.Account.RemovedDevices[a.self]
		return nil
	})
	if flow := a.journal.Flow(); epoch > flow.Epoch() {
		flow.RotateEpoch(epoch)
		a.log.Info("flow budgets reset", slog.Uint64("session_epoch", epoch))
	}
	if _, held := a.keys.Current(); held && removed {
		if err := a.keys.discard(ctx); err != nil {
			a.log.Error("failed to erase key share of removed device", "err", err)
			return
		}
		a.log.Warn("device removed from the account; key share erased")
	}
}

// Device is this agent's device id.
func (a *Agent) Device() interfaces.DeviceID { return a.self }

// Account is the account this agent belongs to.
func (a *Agent) Account() interfaces.AccountID { return a.cfg.Account }

// Peer is the transport address of this agent.
func (a *Agent) Peer() interfaces.PeerID {
	if a.cfg.Guardian {
		return interfaces.GuardianID(a.self).Peer()
	}
	return a.self.Peer()
}

// SigningKey is the device's Ed25519 identity key.
func (a *Agent) SigningKey() ed25519.PublicKey { return a.keys.identity().signingPublic() }

// ShareKey is the HPKE public key recovery shares are sealed to.
func (a *Agent) ShareKey() []byte { return a.keys.identity().share.Public }

func (a *Agent) Journal() *effects.JournalEffect           { return a.journal }
func (a *Agent) Choreographer() *choreography.Choreographer { return a.chor }
func (a *Agent) Recovery() *recovery.Manager               { return a.recovery }
func (a *Agent) Channels() *amp.Manager                    { return a.channels }
func (a *Agent) Directory() *amp.Directory                 { return a.directory }
func (a *Agent) Evaluator() *capability.Evaluator          { return a.evaluator }

// SyncStats returns the anti-entropy rounds attempted and failed.
func (a *Agent) SyncStats() (rounds, failures uint64) { return a.scheduler.Stats() }

// Status summarizes the account as this replica sees it.
type Status struct {
	Account      interfaces.AccountID
	Device       interfaces.DeviceID
	Guardian     bool
	GroupKey     []byte
	Threshold    uint16
	Holders      uint16
	KeyEpoch     uint64
	TreeEpoch    uint64
	SessionEpoch uint64
	HoldsShare   bool
	Devices      []interfaces.DeviceID
	Guardians    []interfaces.GuardianID
}

func (a *Agent) Status() Status {
	st := Status{Account: a.cfg.Account, Device: a.self, Guardian: a.cfg.Guardian}
	_ = a.journal.View(func(j *journal.Journal) error {
		st.GroupKey = slices.Clone(j.Account.GroupKey)
		st.Threshold = j.Account.Threshold.M
		st.Holders = j.Account.Threshold.N
		st.KeyEpoch = j.Account.Threshold.Epoch
		st.TreeEpoch = j.Tree.Epoch()
		st.SessionEpoch = j.Account.SessionEpoch
		for _, d := range j.Account.LiveDevices() {
			st.Devices = append(st.Devices, d.ID)
		}
		for _, g := range j.Account.LiveGuardians() {
			st.Guardians = append(st.Guardians, g.ID)
		}
		return nil
	})
	_, st.HoldsShare = a.keys.Current()
	return st
}

func (a *Agent) requireKey() (*keyRecord, error) {
	if a.cfg.Guardian {
		return nil, ErrGuardianRole
	}
	rec, ok := a.keys.Current()
	if !ok {
		return nil, ErrNoKey
	}
	return rec, nil
}

// keyFor returns the share a ceremony at epoch needs, waiting up to the
// commit timeout for one that is still being installed.
func (a *Agent) keyFor(ctx context.Context, epoch uint64) (*keyRecord, error) {
	if a.cfg.Guardian {
		return nil, ErrGuardianRole
	}
	wctx, cancel := context.WithTimeout(ctx, a.cfg.Timeouts.Commit)
	defer cancel()
	rec, err := a.keys.await(wctx, epoch)
	if err != nil {
		return nil, err
	}
	return rec, checkKeyEpoch(rec, epoch)
}

// checkKeyEpoch fails with ErrStaleKey when a ceremony was built for a key
// this device does not hold.
func checkKeyEpoch(rec *keyRecord, epoch uint64) error {
	if rec.Epoch != epoch {
		return fmt.Errorf("%w: ceremony uses key epoch %d, local key is %d", ErrStaleKey, epoch, rec.Epoch)
	}
	return nil
}

// contextFor names the relational context a ceremony's flow budgets are
// charged against.
func contextFor(label string, account interfaces.AccountID, parts ...[]byte) interfaces.ContextID {
	h := cryptoutils.DomainSum("aura.agent.context", slices.Concat([][]byte{[]byte(label), account[:]}, parts)...)
	var c interfaces.ContextID
	copy(c[:], h[:])
	return c
}

// participants builds session members from the holders of rec other than
// this device.
func participants(rec *keyRecord, self interfaces.DeviceID) []choreography.Member {
	var out []choreography.Member
	for _, h := range rec.Holders {
		if h.Device != self {
			out = append(out, choreography.Member{ID: h.Device, Role: choreography.RoleParticipant})
		}
	}
	return out
}

func isAborted(err error) bool {
	var aborted *choreography.AbortedError
	return errors.As(err, &aborted)
}
