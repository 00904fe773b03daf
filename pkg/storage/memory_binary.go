package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/polisai/polis-fhir/pkg/domain"
)

// MemoryBinaryStore is an in-memory implementation of domain.BinaryStore.
type MemoryBinaryStore struct {
	mu       sync.RWMutex
	binaries map[string]domain.Binary
}

// NewMemoryBinaryStore creates an empty binary store.
func NewMemoryBinaryStore() *MemoryBinaryStore {
	return &MemoryBinaryStore{
		binaries: make(map[string]domain.Binary),
	}
}

// NewBinaryID returns a fresh binary id.
func NewBinaryID() string { return uuid.NewString() }

// WriteBinary stores content under binary.ID, replacing any previous content.
func (s *MemoryBinaryStore) WriteBinary(_ context.Context, binary domain.Binary) error {
	if binary.ID == "" {
		return domain.InvalidError("Binary id is required", "id")
	}
	binary.Data = append([]byte(nil), binary.Data...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.binaries[binary.ID] = binary
	return nil
}

// ReadBinary returns a copy of the stored content.
func (s *MemoryBinaryStore) ReadBinary(_ context.Context, id string) (*domain.Binary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	binary, ok := s.binaries[id]
	if !ok {
		return nil, fmt.Errorf("binary %s: %w", id, domain.ErrNotFound)
	}
	binary.Data = append([]byte(nil), binary.Data...)
	return &binary, nil
}
