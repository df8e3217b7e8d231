package effects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
)

// JournalKey is the storage key of an account's serialized journal.
func JournalKey(account interfaces.AccountID) string {
	return "journal/" + account.String()
}

// JournalEffect owns the in-memory journal of one account and keeps it
// persisted. Every mutation goes through Update, which persists the new
// journal before publishing it, so readers never observe unpersisted state.
type JournalEffect struct {
	account interfaces.AccountID
	author  interfaces.DeviceID
	storage interfaces.Storage
	time    interfaces.Time
	store   *journal.Store
	flow    *journal.FlowManager
	retry   common.RetryPolicy
	log     *slog.Logger
}

// JournalOptions configures a JournalEffect.
type JournalOptions struct {
	Registry         *journal.Registry
	DefaultFlowLimit uint64
	Retry            common.RetryPolicy
}

// OpenJournal loads the account's journal from storage, or starts an empty
// one, and restores flow budgets from its flow.spent facts.
func OpenJournal(ctx context.Context, eff *Effects, account interfaces.AccountID, author interfaces.DeviceID, opts JournalOptions) (*JournalEffect, error) {
	if opts.Registry == nil {
		opts.Registry = journal.NewRegistry()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = common.DefaultRetryPolicy()
	}

	j := journal.New(account, opts.Registry)
	data, err := eff.Storage.Retrieve(ctx, JournalKey(account))
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load journal: %w", err)
	default:
		j, err = journal.DecodeJournal(data, opts.Registry)
		if err != nil {
			return nil, fmt.Errorf("failed to decode journal: %w", err)
		}
	}

	flow := journal.NewFlowManager(opts.DefaultFlowLimit)
	if err := flow.Restore(j); err != nil {
		return nil, err
	}

	return &JournalEffect{
		account: account,
		author:  author,
		storage: eff.Storage,
		time:    eff.Time,
		store:   journal.NewStore(j),
		flow:    flow,
		retry:   opts.Retry,
		log:     eff.Logger(),
	}, nil
}

// Account is the account this journal belongs to.
func (e *JournalEffect) Account() interfaces.AccountID { return e.account }

// Author is the local device recorded on emitted facts.
func (e *JournalEffect) Author() interfaces.DeviceID { return e.author }

// Flow is the flow budget manager restored from this journal.
func (e *JournalEffect) Flow() *journal.FlowManager { return e.flow }

// GetJournal returns a private copy of the current journal.
func (e *JournalEffect) GetJournal() *journal.Journal {
	return e.store.Snapshot()
}

// View runs fn against the current journal under a read lock.
func (e *JournalEffect) View(fn func(j *journal.Journal) error) error {
	return e.store.View(fn)
}

// Update applies fn to a copy of the journal, persists the result and then
// publishes it. If fn or persistence fails nothing changes.
func (e *JournalEffect) Update(ctx context.Context, fn func(j *journal.Journal) error) error {
	return e.store.Update(func(j *journal.Journal) error {
		if err := fn(j); err != nil {
			return err
		}
		return e.persist(ctx, j)
	})
}

// PersistJournal writes the current journal to storage.
func (e *JournalEffect) PersistJournal(ctx context.Context) error {
	return e.store.View(func(j *journal.Journal) error {
		return e.persist(ctx, j)
	})
}

func (e *JournalEffect) persist(ctx context.Context, j *journal.Journal) error {
	data, err := journal.EncodeJournal(j)
	if err != nil {
		return err
	}
	return common.Retry(ctx, e.retry, e.log, "persist journal", func(ctx context.Context) error {
		err := e.storage.Store(ctx, JournalKey(e.account), data)
		if err != nil && interfaces.KindOf(err) == interfaces.KindFatal {
			// Unclassified storage failures are I/O errors.
			return fmt.Errorf("%w: %v", interfaces.ErrTransient, err)
		}
		return err
	})
}

// MergeFacts inserts delta atomically.
func (e *JournalEffect) MergeFacts(ctx context.Context, delta []journal.Fact) error {
	return e.Update(ctx, func(j *journal.Journal) error {
		return j.AddFacts(delta)
	})
}

// MergeJournal joins a remote journal into the local one.
func (e *JournalEffect) MergeJournal(ctx context.Context, remote *journal.Journal) error {
	var epoch uint64
	err := e.Update(ctx, func(j *journal.Journal) error {
		if err := j.Merge(remote); err != nil {
			return err
		}
		epoch = j.Account.SessionEpoch
		return nil
	})
	if err != nil {
		return err
	}
	if epoch > e.flow.Epoch() {
		e.flow.RotateEpoch(epoch)
	}
	return nil
}

// ChargeFlowBudget charges cost against (context, peer) and, atomically with
// the charge, records the receipt and runs emit on the journal. If emit or
// persistence fails the charge is rolled back and nothing is recorded.
func (e *JournalEffect) ChargeFlowBudget(ctx context.Context, c interfaces.ContextID, peer interfaces.AuthorityID, cost uint64, emit func(j *journal.Journal) error) (journal.Receipt, error) {
	return e.flow.ChargeWith(c, peer, cost, e.time.NowMs(), func(r journal.Receipt) error {
		return e.Update(ctx, func(j *journal.Journal) error {
			if _, err := journal.RecordReceipt(j, r, e.author); err != nil {
				return err
			}
			if emit != nil {
				return emit(j)
			}
			return nil
		})
	})
}
