package checkpoint

import (
	"context"
	"sync"

	"github.com/clearline/retriever/common/models"
)

// MemoryStore is an in-process checkpoint store for tests and local runs
type MemoryStore struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	sequences map[string]uint64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs:     make(map[string][]byte),
		sequences: make(map[string]uint64),
	}
}

// Load returns the checkpoint for jobID
func (s *MemoryStore) Load(ctx context.Context, jobID string) (*models.JobState, error) {
	s.mu.Lock()
	blob, exists := s.blobs[jobID]
	s.mu.Unlock()

	if !exists {
		return nil, ErrCheckpointNotFound
	}
	return Decode(blob)
}

// Save persists the checkpoint, rejecting stale sequences
func (s *MemoryStore) Save(ctx context.Context, jobID string, state *models.JobState) error {
	blob, err := Encode(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, exists := s.sequences[jobID]; exists && state.Sequence <= prev {
		return ErrStaleCheckpoint
	}
	s.blobs[jobID] = blob
	s.sequences[jobID] = state.Sequence
	return nil
}

// Delete removes the checkpoint
func (s *MemoryStore) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, jobID)
	delete(s.sequences, jobID)
	return nil
}
