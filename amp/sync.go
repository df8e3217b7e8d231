package amp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/effects"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
)

// SyncFrameTag prefixes anti-entropy frames on the shared network.
const SyncFrameTag byte = 0xA5

const (
	syncDigestRequest uint8 = iota + 1
	syncDigestResponse
	syncOpsRequest
	syncOpsResponse
	syncStateRequest
	syncStateResponse

	maxSyncRounds = 64
)

type syncFrame struct {
	Kind        uint8
	ID          uint64
	Digest      journal.Digest
	AccountHash cryptoutils.Hash
	From        uint64
	Count       uint64
	Ops         []journal.AttestedOp
	State       []byte
}

// IsSyncFrame reports whether data is an anti-entropy frame.
func IsSyncFrame(data []byte) bool {
	return len(data) > 0 && data[0] == SyncFrameTag
}

func encodeSyncFrame(f *syncFrame) ([]byte, error) {
	body, err := journal.Encode(f)
	if err != nil {
		return nil, err
	}
	return append([]byte{SyncFrameTag}, body...), nil
}

// accountHash summarizes the account state without its Lamport clock, which
// replicas only agree on after both sides have pulled.
func accountHash(j *journal.Journal) (cryptoutils.Hash, error) {
	acct := j.Account.Clone()
	acct.Lamport = 0
	data, err := journal.EncodeAccount(acct)
	if err != nil {
		return cryptoutils.Hash{}, err
	}
	return cryptoutils.DomainSum("aura.sync.account", data), nil
}

// SyncResult describes one pull from a peer.
type SyncResult struct {
	Status      journal.DigestStatus
	Applied     int
	StateMerged bool
}

// JournalSync pulls journal state from peers: operations in batches planned
// from digests, then facts, capabilities and account state when those still
// differ. Serving requests is done by Handle, installed as the network
// fallback of the ceremony runtime.
type JournalSync struct {
	journal *effects.JournalEffect
	network interfaces.Network
	random  interfaces.Random
	batch   uint64
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	pending map[uint64]chan *syncFrame
}

func NewJournalSync(je *effects.JournalEffect, eff *effects.Effects, batchSize uint64, timeout time.Duration) *JournalSync {
	if batchSize == 0 {
		batchSize = journal.DefaultBatchSize
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &JournalSync{
		journal: je,
		network: eff.Network,
		random:  eff.Random,
		batch:   batchSize,
		timeout: timeout,
		log:     eff.Logger(),
		pending: map[uint64]chan *syncFrame{},
	}
}

// Handle serves or completes one anti-entropy frame from peer. Frames that
// are not sync frames are ignored.
func (s *JournalSync) Handle(ctx context.Context, peer interfaces.PeerID, data []byte) {
	if !IsSyncFrame(data) {
		return
	}
	var f syncFrame
	if err := journal.Decode(data[1:], &f); err != nil {
		s.log.Warn("malformed sync frame", slog.String("peer", string(peer)), "err", err)
		return
	}

	switch f.Kind {
	case syncDigestResponse, syncOpsResponse, syncStateResponse:
		s.mu.Lock()
		ch, ok := s.pending[f.ID]
		delete(s.pending, f.ID)
		s.mu.Unlock()
		if ok {
			ch <- &f
		}
		return
	}

	resp, err := s.serve(&f)
	if err != nil {
		s.log.Warn("failed to serve sync request", slog.String("peer", string(peer)), "err", err)
		return
	}
	out, err := encodeSyncFrame(resp)
	if err != nil {
		s.log.Warn("failed to encode sync response", "err", err)
		return
	}
	if err := s.network.SendToPeer(ctx, peer, out); err != nil {
		s.log.Debug("failed to send sync response", slog.String("peer", string(peer)), "err", err)
	}
}

func (s *JournalSync) serve(req *syncFrame) (*syncFrame, error) {
	resp := &syncFrame{ID: req.ID}
	err := s.journal.View(func(j *journal.Journal) error {
		switch req.Kind {
		case syncDigestRequest:
			resp.Kind = syncDigestResponse
			resp.Digest = j.Digest()
			h, err := accountHash(j)
			resp.AccountHash = h
			return err
		case syncOpsRequest:
			resp.Kind = syncOpsResponse
			resp.Ops = j.OperationsRange(int(req.From), int(min(req.Count, s.batch)))
			return nil
		case syncStateRequest:
			resp.Kind = syncStateResponse
			state, err := journal.EncodeJournal(j)
			resp.State = state
			return err
		default:
			return fmt.Errorf("%w: sync frame kind %d", interfaces.ErrInvalidArgument, req.Kind)
		}
	})
	return resp, err
}

func (s *JournalSync) request(ctx context.Context, peer interfaces.PeerID, req *syncFrame) (*syncFrame, error) {
	req.ID = s.random.RandomU64()
	ch := make(chan *syncFrame, 1)
	s.mu.Lock()
	s.pending[req.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}()

	out, err := encodeSyncFrame(req)
	if err != nil {
		return nil, err
	}
	if err := s.network.SendToPeer(ctx, peer, out); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: sync with %s", interfaces.ErrTimeout, peer)
		}
		return nil, ctx.Err()
	}
}

func (s *JournalSync) local() (journal.Digest, cryptoutils.Hash, error) {
	var d journal.Digest
	var h cryptoutils.Hash
	err := s.journal.View(func(j *journal.Journal) (err error) {
		d = j.Digest()
		h, err = accountHash(j)
		return err
	})
	return d, h, err
}

// SyncWith pulls from peer until the local journal has everything peer has.
func (s *JournalSync) SyncWith(ctx context.Context, peer interfaces.PeerID) (SyncResult, error) {
	remote, err := s.request(ctx, peer, &syncFrame{Kind: syncDigestRequest})
	if err != nil {
		return SyncResult{}, err
	}
	local, localAcct, err := s.local()
	if err != nil {
		return SyncResult{}, err
	}
	result := SyncResult{Status: journal.CompareDigests(local, remote.Digest)}
	if result.Status == journal.DigestEqual && localAcct == remote.AccountHash {
		return result, nil
	}

	// Operations only verify once the group key is known; a fresh replica
	// takes everything from the state transfer below.
	var hasKey bool
	_ = s.journal.View(func(j *journal.Journal) error {
		hasKey = len(j.Account.GroupKey) > 0
		return nil
	})

	for round := 0; hasKey && round < maxSyncRounds; round++ {
		plan, ok := journal.PlanRequest(local, remote.Digest, s.batch)
		if !ok {
			break
		}
		resp, err := s.request(ctx, peer, &syncFrame{Kind: syncOpsRequest, From: plan.From, Count: plan.Count})
		if err != nil {
			return result, err
		}
		if len(resp.Ops) == 0 {
			break
		}
		var applied int
		err = s.journal.Update(ctx, func(j *journal.Journal) (err error) {
			applied, _, err = j.MergeOperations(resp.Ops)
			return err
		})
		if err != nil {
			return result, fmt.Errorf("failed to merge operations from %s: %w", peer, err)
		}
		result.Applied += applied
		if local, localAcct, err = s.local(); err != nil {
			return result, err
		}
		if applied == 0 {
			break
		}
	}

	if !hasKey && local.OperationCount < remote.Digest.OperationCount ||
		local.FactHash != remote.Digest.FactHash || local.CapsHash != remote.Digest.CapsHash || localAcct != remote.AccountHash {
		resp, err := s.request(ctx, peer, &syncFrame{Kind: syncStateRequest})
		if err != nil {
			return result, err
		}
		remoteJournal, err := journal.DecodeJournal(resp.State, s.journal.GetJournal().Registry())
		if err != nil {
			return result, err
		}
		if err := s.journal.MergeJournal(ctx, remoteJournal); err != nil {
			return result, fmt.Errorf("failed to merge journal from %s: %w", peer, err)
		}
		result.StateMerged = true
	}

	s.log.Debug("journal synced",
		slog.String("peer", string(peer)),
		slog.String("status", result.Status.String()),
		slog.Int("applied", result.Applied),
		slog.Bool("state_merged", result.StateMerged))
	return result, nil
}

// SyncConfig bounds the sync scheduler.
type SyncConfig struct {
	MaxConcurrentSyncs int
	AutoSyncInterval   time.Duration
	BatchSize          uint64
}

// DefaultSyncConfig syncs with at most 5 peers at a time every minute.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		MaxConcurrentSyncs: 5,
		AutoSyncInterval:   60 * time.Second,
		BatchSize:          journal.DefaultBatchSize,
	}
}

// Syncer pulls state from one peer.
type Syncer interface {
	SyncWith(ctx context.Context, peer interfaces.PeerID) (SyncResult, error)
}

// SyncObserver is told the result of every peer sync.
type SyncObserver interface {
	SyncRound(result string)
}

// SyncScheduler runs anti-entropy against all connected peers with bounded
// concurrency.
type SyncScheduler struct {
	syncer   Syncer
	peers    func() []interfaces.PeerID
	cfg      SyncConfig
	clock    interfaces.Time
	observer SyncObserver
	log      *slog.Logger

	rounds   atomic.Uint64
	failures atomic.Uint64
}

func NewSyncScheduler(syncer Syncer, peers func() []interfaces.PeerID, cfg SyncConfig, clock interfaces.Time, observer SyncObserver, log *slog.Logger) *SyncScheduler {
	if cfg.MaxConcurrentSyncs <= 0 {
		cfg.MaxConcurrentSyncs = DefaultSyncConfig().MaxConcurrentSyncs
	}
	if cfg.AutoSyncInterval <= 0 {
		cfg.AutoSyncInterval = DefaultSyncConfig().AutoSyncInterval
	}
	return &SyncScheduler{
		syncer:   syncer,
		peers:    peers,
		cfg:      cfg,
		clock:    clock,
		observer: observer,
		log:      common.OrDiscard(log),
	}
}

// SyncOnce syncs with every peer, at most MaxConcurrentSyncs at a time. It
// returns the combined errors of failed peers.
func (s *SyncScheduler) SyncOnce(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxConcurrentSyncs)
	for _, peer := range s.peers() {
		g.Go(func() error {
			res, err := s.syncer.SyncWith(ctx, peer)
			s.rounds.Inc()
			outcome := res.Status.String()
			if err != nil {
				s.failures.Inc()
				outcome = "error"
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("sync with %s: %w", peer, err))
				mu.Unlock()
			}
			if s.observer != nil {
				s.observer.SyncRound(outcome)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs.ErrorOrNil()
}

// Run syncs every AutoSyncInterval until ctx is done.
func (s *SyncScheduler) Run(ctx context.Context) error {
	for {
		if err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("anti-entropy round had failures", "err", err)
		}
		if err := s.clock.Sleep(ctx, uint64(s.cfg.AutoSyncInterval.Milliseconds())); err != nil {
			return nil
		}
	}
}

// Stats returns the number of peer syncs attempted and failed.
func (s *SyncScheduler) Stats() (rounds, failures uint64) {
	return s.rounds.Load(), s.failures.Load()
}
