package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
)

// Backup archives a snapshot of the account journal and returns its content
// id. Key shares are never part of a snapshot.
func (a *Agent) Backup(ctx context.Context) (interfaces.ContentID, error) {
	if a.cfg.Archive == nil {
		return interfaces.ContentID{}, ErrNoArchive
	}
	var data []byte
	err := a.journal.View(func(j *journal.Journal) error {
		snap, err := journal.NewSnapshot(j, a.eff.Time.NowMs())
		if err != nil {
			return err
		}
		data, err = snap.Encode()
		return err
	})
	if err != nil {
		return interfaces.ContentID{}, err
	}
	id, err := a.cfg.Archive.Store(ctx, data, interfaces.SnapshotType)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("failed to archive snapshot to %s: %w", a.cfg.Archive.Name(), err)
	}
	a.log.Info("journal snapshot archived", slog.String("cid", id.String()), slog.Int("size", len(data)))
	return id, nil
}

// RestoreSnapshot fetches an archived snapshot, checks it against its tree
// root and merges it into the local journal.
func (a *Agent) RestoreSnapshot(ctx context.Context, id interfaces.ContentID) error {
	if a.cfg.Archive == nil {
		return ErrNoArchive
	}
	data, err := a.cfg.Archive.Fetch(ctx, id, interfaces.SnapshotType)
	if err != nil {
		return fmt.Errorf("failed to fetch snapshot %s: %w", id, err)
	}
	snap, err := journal.DecodeSnapshot(data)
	if err != nil {
		return err
	}
	if snap.Account != a.cfg.Account {
		return fmt.Errorf("%w: snapshot belongs to account %s", interfaces.ErrInvalidArgument, snap.Account)
	}
	var registry *journal.Registry
	_ = a.journal.View(func(j *journal.Journal) error {
		registry = j.Registry()
		return nil
	})
	restored, err := snap.Restore(registry)
	if err != nil {
		return err
	}
	if err := a.journal.MergeJournal(ctx, restored); err != nil {
		return err
	}
	a.observeEpoch(ctx)
	a.log.Info("journal snapshot restored", slog.String("cid", id.String()), slog.Uint64("tree_epoch", snap.TreeEpoch))
	return nil
}
