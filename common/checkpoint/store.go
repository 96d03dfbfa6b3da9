// Package checkpoint persists job state so an interrupted retrieval can
// resume without re-registering or re-downloading completed resources.
//
// Every store enforces the sequence invariant at write time: a state with a
// lower sequence never overwrites one with a higher sequence for the same
// job.
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/clearline/retriever/common/models"
)

// ErrCheckpointNotFound is returned by Load when no checkpoint exists for
// the job
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// ErrStaleCheckpoint is returned by Save when the stored checkpoint already
// has an equal or higher sequence
var ErrStaleCheckpoint = errors.New("stale checkpoint write rejected")

// Store is a keyed get/put collaborator for job checkpoints. Checkpoints
// are deleted only by explicit external cleanup, never autonomously.
type Store interface {
	Load(ctx context.Context, jobID string) (*models.JobState, error)
	Save(ctx context.Context, jobID string, state *models.JobState) error
	Delete(ctx context.Context, jobID string) error
}

// Encode serializes a job state to its checkpoint blob form
func Encode(state *models.JobState) ([]byte, error) {
	data, err := msgpack.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return data, nil
}

// Decode deserializes a checkpoint blob
func Decode(data []byte) (*models.JobState, error) {
	var state models.JobState
	if err := msgpack.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &state, nil
}
