package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ruteri/aura/interfaces"
)

// MemSecureStore is an in-memory SecureStorage for tests and simulation.
type MemSecureStore struct {
	mu   sync.RWMutex
	data map[interfaces.SecureLocation][]byte

	// Unavailable makes every call fail with ErrHardwareUnavailable.
	Unavailable bool
}

// NewMemSecureStore returns an empty store.
func NewMemSecureStore() *MemSecureStore {
	return &MemSecureStore{data: map[interfaces.SecureLocation][]byte{}}
}

func (m *MemSecureStore) SecureStore(_ context.Context, loc interfaces.SecureLocation, caps []interfaces.SecureCapability, data []byte) error {
	if !interfaces.HasCapability(caps, interfaces.SecureWrite) {
		return interfaces.ErrAccessDenied
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return interfaces.ErrHardwareUnavailable
	}
	m.data[loc] = slices.Clone(data)
	return nil
}

func (m *MemSecureStore) SecureRetrieve(_ context.Context, loc interfaces.SecureLocation, caps []interfaces.SecureCapability) ([]byte, error) {
	if !interfaces.HasCapability(caps, interfaces.SecureRead) {
		return nil, interfaces.ErrAccessDenied
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Unavailable {
		return nil, interfaces.ErrHardwareUnavailable
	}
	data, ok := m.data[loc]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, loc.String())
	}
	return slices.Clone(data), nil
}

func (m *MemSecureStore) SecureDelete(_ context.Context, loc interfaces.SecureLocation, caps []interfaces.SecureCapability) error {
	if !interfaces.HasCapability(caps, interfaces.SecureWrite) {
		return interfaces.ErrAccessDenied
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return interfaces.ErrHardwareUnavailable
	}
	delete(m.data, loc)
	return nil
}
