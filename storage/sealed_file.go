package storage

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
)

const saltFile = ".salt"

var locationPart = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// SealedFileStore implements SecureStorage with one sealed file per location.
// The wrapping key is derived from a passphrase with Argon2id and a random
// salt kept next to the files. The location is bound as associated data so
// files cannot be swapped between slots.
type SealedFileStore struct {
	dir string
	key []byte
	log *slog.Logger
}

// NewSealedFileStore opens the store rooted at dir, creating it and its salt
// on first use.
func NewSealedFileStore(dir string, passphrase []byte, log *slog.Logger) (*SealedFileStore, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: empty passphrase", interfaces.ErrInvalidArgument)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create secure store directory: %w", err)
	}

	saltPath := filepath.Join(dir, saltFile)
	salt, err := os.ReadFile(saltPath)
	if errors.Is(err, os.ErrNotExist) {
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		if err := os.WriteFile(saltPath, salt, 0600); err != nil {
			return nil, fmt.Errorf("failed to write salt: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}

	return &SealedFileStore{
		dir: dir,
		key: cryptoutils.PassphraseKey(passphrase, salt),
		log: common.OrDiscard(log),
	}, nil
}

func validPart(p string) bool {
	return locationPart.MatchString(p) && p != "." && p != ".."
}

func (s *SealedFileStore) path(loc interfaces.SecureLocation) (string, error) {
	if !validPart(loc.Namespace) || !validPart(loc.Key) {
		return "", fmt.Errorf("%w: secure location %q", interfaces.ErrInvalidArgument, loc.String())
	}
	return filepath.Join(s.dir, loc.Namespace, loc.Key+".sealed"), nil
}

// SecureStore seals data into loc. Requires SecureWrite.
func (s *SealedFileStore) SecureStore(ctx context.Context, loc interfaces.SecureLocation, caps []interfaces.SecureCapability, data []byte) error {
	if !interfaces.HasCapability(caps, interfaces.SecureWrite) {
		return interfaces.ErrAccessDenied
	}
	p, err := s.path(loc)
	if err != nil {
		return err
	}
	sealed, err := cryptoutils.Seal(s.key, data, []byte(loc.String()))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return interfaces.WrapError(interfaces.KindTransient, "secure store", err)
	}

	// Write then rename so a crash never leaves a torn share behind.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0600); err != nil {
		return interfaces.WrapError(interfaces.KindTransient, "secure store", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return interfaces.WrapError(interfaces.KindTransient, "secure store", err)
	}
	s.log.Debug("Sealed secure location", slog.String("location", loc.String()))
	return nil
}

// SecureRetrieve opens the data at loc. Requires SecureRead.
func (s *SealedFileStore) SecureRetrieve(ctx context.Context, loc interfaces.SecureLocation, caps []interfaces.SecureCapability) ([]byte, error) {
	if !interfaces.HasCapability(caps, interfaces.SecureRead) {
		return nil, interfaces.ErrAccessDenied
	}
	p, err := s.path(loc)
	if err != nil {
		return nil, err
	}
	sealed, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, loc.String())
	}
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindTransient, "secure retrieve", err)
	}
	data, err := cryptoutils.Open(s.key, sealed, []byte(loc.String()))
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindFatal, "secure retrieve", err)
	}
	return data, nil
}

// SecureDelete removes loc. Requires SecureWrite. Deleting a missing
// location is not an error.
func (s *SealedFileStore) SecureDelete(ctx context.Context, loc interfaces.SecureLocation, caps []interfaces.SecureCapability) error {
	if !interfaces.HasCapability(caps, interfaces.SecureWrite) {
		return interfaces.ErrAccessDenied
	}
	p, err := s.path(loc)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return interfaces.WrapError(interfaces.KindTransient, "secure delete", err)
	}
	return nil
}
