package choreography

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/interfaces"
)

const checkpointPrefix = "sessions/"

// CheckpointKey is the storage key of a session checkpoint.
func CheckpointKey(id interfaces.SessionID) string {
	return checkpointPrefix + id.String()
}

// CheckpointStore persists sessions so a ceremony survives a restart.
type CheckpointStore struct {
	storage interfaces.Storage
	log     *slog.Logger
}

// NewCheckpointStore stores checkpoints in storage.
func NewCheckpointStore(storage interfaces.Storage, log *slog.Logger) *CheckpointStore {
	return &CheckpointStore{storage: storage, log: common.OrDiscard(log)}
}

func (c *CheckpointStore) Save(ctx context.Context, s *Session) error {
	data, err := s.Encode()
	if err != nil {
		return err
	}
	if err := c.storage.Store(ctx, CheckpointKey(s.ID), data); err != nil {
		return fmt.Errorf("failed to checkpoint session %s: %w", s.ID, err)
	}
	return nil
}

func (c *CheckpointStore) Load(ctx context.Context, id interfaces.SessionID) (*Session, error) {
	data, err := c.storage.Retrieve(ctx, CheckpointKey(id))
	if err != nil {
		return nil, err
	}
	return DecodeSession(data)
}

func (c *CheckpointStore) Delete(ctx context.Context, id interfaces.SessionID) error {
	_, err := c.storage.Remove(ctx, CheckpointKey(id))
	return err
}

// Recover returns every checkpointed session in Compute or later and deletes
// the rest, including undecodable checkpoints.
func (c *CheckpointStore) Recover(ctx context.Context) ([]*Session, error) {
	keys, err := c.storage.ListKeys(ctx, checkpointPrefix)
	if err != nil {
		return nil, err
	}

	var resumable []*Session
	for _, key := range keys {
		id, err := uuid.Parse(strings.TrimPrefix(key, checkpointPrefix))
		if err != nil {
			c.log.Warn("ignoring malformed checkpoint key", slog.String("key", key))
			continue
		}
		s, err := c.Load(ctx, id)
		switch {
		case errors.Is(err, interfaces.ErrNotFound):
			continue
		case err != nil && interfaces.KindOf(err) == interfaces.KindTransient:
			return nil, err
		case err == nil && s.Phase.Recoverable():
			resumable = append(resumable, s)
			continue
		}

		phase := "undecodable"
		if s != nil {
			phase = s.Phase.String()
		}
		c.log.Info("discarding ceremony checkpoint",
			slog.String("session_id", id.String()),
			slog.String("phase", phase))
		if err := c.Delete(ctx, id); err != nil {
			return nil, err
		}
	}
	return resumable, nil
}
