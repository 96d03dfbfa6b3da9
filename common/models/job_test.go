package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobState(t *testing.T) {
	state := NewJobState(JobConfig{UserID: "alice", ResourceID: "resource_id"})

	assert.Equal(t, StatusOpen, state.Status)
	assert.Empty(t, state.Downloads)
	assert.Equal(t, uint64(0), state.Sequence)
	require.Len(t, state.Executions, 1)
	assert.Equal(t, state.Executions[0].ID, state.CurrentExecutionID)
	assert.Nil(t, state.Executions[0].EndedAt)
}

func TestBeginExecution_ClosesPreviousAndAppendsNew(t *testing.T) {
	state := NewJobState(JobConfig{UserID: "alice", ResourceID: "r"})
	first := state.CurrentExecutionID

	exec := state.BeginExecution()

	require.Len(t, state.Executions, 2)
	assert.Equal(t, exec.ID, state.CurrentExecutionID)
	assert.NotEqual(t, first, state.CurrentExecutionID)
	assert.NotNil(t, state.Executions[0].EndedAt, "previous execution must be closed")
	assert.Nil(t, state.Executions[1].EndedAt)

	// Exactly one open execution, and it is the current one
	open := 0
	for _, e := range state.Executions {
		if e.EndedAt == nil {
			open++
			assert.Equal(t, state.CurrentExecutionID, e.ID)
		}
	}
	assert.Equal(t, 1, open)
}

func TestEnsureDownload_Idempotent(t *testing.T) {
	state := NewJobState(JobConfig{UserID: "alice", ResourceID: "r"})

	assert.True(t, state.EnsureDownload("pi0.txt"))
	assert.False(t, state.EnsureDownload("pi0.txt"))
	assert.Len(t, state.Downloads, 1)
	assert.Equal(t, DownloadPending, state.Downloads["pi0.txt"].State)
}

func TestSetDownloadOutcome_UnknownResource(t *testing.T) {
	state := NewJobState(JobConfig{UserID: "alice", ResourceID: "r"})
	err := state.SetDownloadOutcome("ghost", DownloadRecord{State: DownloadSucceeded})
	assert.Error(t, err)
}

func TestRecomputeStatus(t *testing.T) {
	state := NewJobState(JobConfig{UserID: "alice", ResourceID: "r"})

	state.RecomputeStatus()
	assert.Equal(t, StatusOpen, state.Status)

	state.Registration = &RegistrationResult{Token: "tok", StreamURL: "ws://x"}
	state.RecomputeStatus()
	assert.Equal(t, StatusDownloadsInProgress, state.Status)

	state.EnsureDownload("a")
	state.EnsureDownload("b")
	state.StreamComplete = true
	state.RecomputeStatus()
	assert.Equal(t, StatusDownloadsInProgress, state.Status, "pending downloads keep the job in progress")

	require.NoError(t, state.SetDownloadOutcome("a", DownloadRecord{State: DownloadSucceeded}))
	require.NoError(t, state.SetDownloadOutcome("b", DownloadRecord{State: DownloadFailed, Reason: "boom"}))
	state.RecomputeStatus()
	assert.Equal(t, StatusComplete, state.Status)
	assert.NotNil(t, state.Executions[0].EndedAt, "terminal job closes its execution")
}

func TestFail_IsSticky(t *testing.T) {
	state := NewJobState(JobConfig{UserID: "alice", ResourceID: "r"})
	state.Fail("registration rejected")

	assert.Equal(t, StatusFailed, state.Status)
	assert.True(t, state.Status.Terminal())

	state.RecomputeStatus()
	assert.Equal(t, StatusFailed, state.Status)
}

func TestRecordError_DoesNotAffectStatus(t *testing.T) {
	state := NewJobState(JobConfig{UserID: "alice", ResourceID: "r"})
	state.Registration = &RegistrationResult{Token: "tok", StreamURL: "ws://x"}
	state.RecomputeStatus()

	state.RecordError("upstream hiccup")

	require.Len(t, state.Errors, 1)
	assert.Equal(t, "upstream hiccup", state.Errors[0].Text)
	assert.Equal(t, state.CurrentExecutionID, state.Errors[0].ExecutionID)
	assert.Equal(t, StatusDownloadsInProgress, state.Status)
}

func TestMergeAuditProperties(t *testing.T) {
	state := NewJobState(JobConfig{UserID: "alice", ResourceID: "r"})

	require.NoError(t, state.MergeAuditProperties(map[string]any{"a": "1", "b": "2"}))
	require.NoError(t, state.MergeAuditProperties(map[string]any{"b": "3", "c": "4"}))

	assert.Equal(t, "1", state.AuditProperties["a"])
	assert.Equal(t, "3", state.AuditProperties["b"])
	assert.Equal(t, "4", state.AuditProperties["c"])

	// Merge-patch null deletes
	require.NoError(t, state.MergeAuditProperties(map[string]any{"a": nil}))
	_, exists := state.AuditProperties["a"]
	assert.False(t, exists)
}

func TestSummarize(t *testing.T) {
	state := NewJobState(JobConfig{UserID: "alice", ResourceID: "r"})
	state.EnsureDownload("a")
	state.EnsureDownload("b")
	state.EnsureDownload("c")
	state.EnsureDownload("d")

	require.NoError(t, state.SetDownloadOutcome("a", DownloadRecord{State: DownloadSucceeded, Bytes: 7}))
	require.NoError(t, state.SetDownloadOutcome("b", DownloadRecord{State: DownloadFailed, Reason: "x"}))
	require.NoError(t, state.SetDownloadOutcome("c", DownloadRecord{State: DownloadSkipped}))

	sum := state.Summarize()
	assert.Equal(t, Summary{Succeeded: 1, Failed: 1, Pending: 1, Skipped: 1}, sum)
}
