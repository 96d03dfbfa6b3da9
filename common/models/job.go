package models

import (
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
)

// JobStatus represents the lifecycle status of a retrieval job
type JobStatus string

const (
	StatusOpen                JobStatus = "OPEN"
	StatusDownloadsInProgress JobStatus = "DOWNLOADS_IN_PROGRESS"
	StatusComplete            JobStatus = "COMPLETE"
	StatusFailed              JobStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions
func (s JobStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// DownloadState represents the outcome of one resource download
type DownloadState string

const (
	DownloadPending   DownloadState = "pending"
	DownloadSucceeded DownloadState = "succeeded"
	DownloadFailed    DownloadState = "failed"
	DownloadSkipped   DownloadState = "skipped"
)

// Terminal reports whether the download needs no further work
func (s DownloadState) Terminal() bool {
	return s == DownloadSucceeded || s == DownloadFailed || s == DownloadSkipped
}

// JobConfig is the immutable submission configuration of a job.
// Set once at job creation and never changed.
type JobConfig struct {
	UserID     string            `json:"user_id" msgpack:"user_id"`
	ResourceID string            `json:"resource_id" msgpack:"resource_id"`
	Context    string            `json:"context" msgpack:"context"`
	Receiver   string            `json:"receiver,omitempty" msgpack:"receiver,omitempty"`
	Properties map[string]string `json:"properties,omitempty" msgpack:"properties,omitempty"`
}

// Validate checks required submission fields
func (c *JobConfig) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user ID is required")
	}
	if c.ResourceID == "" {
		return fmt.Errorf("resource ID is required")
	}
	return nil
}

// Execution is one attempt at running a job. A resumed job accumulates
// several; all are retained for audit, never deleted.
type Execution struct {
	ID        uuid.UUID  `json:"id" msgpack:"id"`
	StartedAt time.Time  `json:"started_at" msgpack:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" msgpack:"ended_at,omitempty"`
}

// DownloadRecord tracks the outcome of one resource download
type DownloadRecord struct {
	State     DownloadState `json:"state" msgpack:"state"`
	Bytes     int64         `json:"bytes,omitempty" msgpack:"bytes,omitempty"`
	Path      string        `json:"path,omitempty" msgpack:"path,omitempty"`
	Reason    string        `json:"reason,omitempty" msgpack:"reason,omitempty"`
	UpdatedAt time.Time     `json:"updated_at" msgpack:"updated_at"`
}

// StreamError is a job-level error announced on the resource stream.
// Recorded for audit; never affects job status.
type StreamError struct {
	Text        string    `json:"text" msgpack:"text"`
	ExecutionID uuid.UUID `json:"execution_id" msgpack:"execution_id"`
	At          time.Time `json:"at" msgpack:"at"`
}

// JobState is the persisted checkpoint of one retrieval job
type JobState struct {
	JobID     uuid.UUID `json:"job_id" msgpack:"job_id"`
	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`

	Config       JobConfig           `json:"config" msgpack:"config"`
	Registration *RegistrationResult `json:"registration,omitempty" msgpack:"registration,omitempty"`

	// Keyed by leafResourceId; keys are a subset of the ids observed on
	// the stream for this job
	Downloads map[string]*DownloadRecord `json:"downloads" msgpack:"downloads"`

	// Append-only
	Executions         []Execution `json:"executions" msgpack:"executions"`
	CurrentExecutionID uuid.UUID   `json:"current_execution_id" msgpack:"current_execution_id"`

	Errors []StreamError `json:"errors,omitempty" msgpack:"errors,omitempty"`

	// Broker-assigned audit properties merged from stream messages
	AuditProperties map[string]any `json:"audit_properties,omitempty" msgpack:"audit_properties,omitempty"`

	// Strictly increasing; bumped on every persisted mutation
	Sequence uint64 `json:"sequence" msgpack:"sequence"`

	StreamComplete bool      `json:"stream_complete" msgpack:"stream_complete"`
	Status         JobStatus `json:"status" msgpack:"status"`
	FailureReason  string    `json:"failure_reason,omitempty" msgpack:"failure_reason,omitempty"`
}

// Summary aggregates download outcomes for reporting
type Summary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Skipped   int `json:"skipped"`
}

// NewJobState allocates a fresh job checkpoint with its first execution
func NewJobState(cfg JobConfig) *JobState {
	now := time.Now().UTC()
	exec := Execution{ID: uuid.New(), StartedAt: now}

	return &JobState{
		JobID:              uuid.New(),
		CreatedAt:          now,
		Config:             cfg,
		Downloads:          make(map[string]*DownloadRecord),
		Executions:         []Execution{exec},
		CurrentExecutionID: exec.ID,
		Status:             StatusOpen,
	}
}

// BeginExecution closes the current execution (if still open) and appends a
// new one, making it current. Used on resume.
func (s *JobState) BeginExecution() Execution {
	now := time.Now().UTC()

	for i := range s.Executions {
		if s.Executions[i].ID == s.CurrentExecutionID && s.Executions[i].EndedAt == nil {
			s.Executions[i].EndedAt = &now
		}
	}

	exec := Execution{ID: uuid.New(), StartedAt: now}
	s.Executions = append(s.Executions, exec)
	s.CurrentExecutionID = exec.ID
	return exec
}

// EndCurrentExecution stamps EndedAt on the current execution
func (s *JobState) EndCurrentExecution() {
	now := time.Now().UTC()
	for i := range s.Executions {
		if s.Executions[i].ID == s.CurrentExecutionID && s.Executions[i].EndedAt == nil {
			s.Executions[i].EndedAt = &now
		}
	}
}

// EnsureDownload adds a pending entry for the resource if absent.
// Returns true if the entry was created. Idempotent: observing the same
// leaf resource twice never duplicates work.
func (s *JobState) EnsureDownload(leafResourceID string) bool {
	if _, exists := s.Downloads[leafResourceID]; exists {
		return false
	}
	s.Downloads[leafResourceID] = &DownloadRecord{
		State:     DownloadPending,
		UpdatedAt: time.Now().UTC(),
	}
	return true
}

// SetDownloadOutcome records the terminal outcome of one download
func (s *JobState) SetDownloadOutcome(leafResourceID string, rec DownloadRecord) error {
	existing, exists := s.Downloads[leafResourceID]
	if !exists {
		return fmt.Errorf("no download entry for resource %q", leafResourceID)
	}
	existing.State = rec.State
	existing.Bytes = rec.Bytes
	existing.Path = rec.Path
	existing.Reason = rec.Reason
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordError appends a stream-level error to the audit list
func (s *JobState) RecordError(text string) {
	s.Errors = append(s.Errors, StreamError{
		Text:        text,
		ExecutionID: s.CurrentExecutionID,
		At:          time.Now().UTC(),
	})
}

// MergeAuditProperties folds broker-assigned properties from a stream message
// into the job's audit properties using JSON merge-patch semantics (nulls
// delete, objects merge recursively).
func (s *JobState) MergeAuditProperties(props map[string]any) error {
	if len(props) == 0 {
		return nil
	}
	if s.AuditProperties == nil {
		s.AuditProperties = make(map[string]any)
	}

	current, err := json.Marshal(s.AuditProperties)
	if err != nil {
		return fmt.Errorf("failed to marshal audit properties: %w", err)
	}
	patch, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("failed to marshal property patch: %w", err)
	}

	merged, err := jsonpatch.MergePatch(current, patch)
	if err != nil {
		return fmt.Errorf("failed to merge properties: %w", err)
	}

	result := make(map[string]any)
	if err := json.Unmarshal(merged, &result); err != nil {
		return fmt.Errorf("failed to unmarshal merged properties: %w", err)
	}
	s.AuditProperties = result
	return nil
}

// RecomputeStatus derives the job status from registration presence, stream
// completion, and aggregate download outcomes. Callers never set Status
// directly except through Fail.
func (s *JobState) RecomputeStatus() {
	if s.Status == StatusFailed {
		return
	}
	if s.Registration == nil {
		s.Status = StatusOpen
		return
	}
	if s.StreamComplete && s.allDownloadsTerminal() {
		s.Status = StatusComplete
		s.EndCurrentExecution()
		return
	}
	s.Status = StatusDownloadsInProgress
}

// Fail marks the job unrecoverably failed
func (s *JobState) Fail(reason string) {
	s.Status = StatusFailed
	s.FailureReason = reason
	s.EndCurrentExecution()
}

// Summarize aggregates download outcomes
func (s *JobState) Summarize() Summary {
	var sum Summary
	for _, rec := range s.Downloads {
		switch rec.State {
		case DownloadSucceeded:
			sum.Succeeded++
		case DownloadFailed:
			sum.Failed++
		case DownloadSkipped:
			sum.Skipped++
		default:
			sum.Pending++
		}
	}
	return sum
}

func (s *JobState) allDownloadsTerminal() bool {
	for _, rec := range s.Downloads {
		if !rec.State.Terminal() {
			return false
		}
	}
	return true
}
