// Package job owns the end-to-end lifecycle of one retrieval job: register,
// enumerate resources over the pull stream, download each one on a bounded
// worker pool, and checkpoint after every state mutation so an interrupted
// job resumes without repeating completed work.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/clearline/retriever/common/checkpoint"
	"github.com/clearline/retriever/common/models"
	"github.com/clearline/retriever/common/registry"
	"github.com/clearline/retriever/common/selector"
	"github.com/clearline/retriever/common/stream"
)

// ErrStreamStalled indicates the stream dropped and reconnect attempts were
// exhausted. The job is left non-terminal and can be resumed.
var ErrStreamStalled = errors.New("resource stream stalled; job is resumable")

// ErrJobTerminal is returned when resuming a job that already completed or
// failed
var ErrJobTerminal = errors.New("job is already terminal")

// Logger interface for job machine logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// RegistrationClient exchanges a job configuration for a token and stream URL
type RegistrationClient interface {
	Register(ctx context.Context, cfg models.JobConfig) (*models.RegistrationResult, error)
}

// StreamHandle is one open resource stream
type StreamHandle interface {
	Poll(timeout time.Duration) (stream.Item, error)
	Close() error
}

// StreamDialer opens a resource stream for a token
type StreamDialer func(ctx context.Context, token, streamURL string) (StreamHandle, error)

// Options configures a Machine
type Options struct {
	Store        checkpoint.Store
	Registration RegistrationClient
	Registry     *registry.Registry
	Sink         Sink
	Logger       Logger

	// Bounded download worker pool size; also bounds concurrent open
	// transfer connections
	Workers int

	PollTimeout    time.Duration
	ReconnectLimit int

	// Dial overrides how streams are opened; defaults to stream.Connect
	Dial StreamDialer
}

// Machine drives one job from submission (or resumption) to a terminal
// status. All JobState mutations go through a single-writer mutate path
// that bumps the sequence and persists synchronously.
type Machine struct {
	store          checkpoint.Store
	registration   RegistrationClient
	registry       *registry.Registry
	sink           Sink
	logger         Logger
	workers        int
	pollTimeout    time.Duration
	reconnectLimit int
	dial           StreamDialer

	mu       sync.Mutex
	state    *models.JobState
	inflight map[string]bool

	sel *selector.Selector
}

// New creates a job machine
func New(opts Options) (*Machine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("download sink is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("transfer registry is required")
	}

	workers := opts.Workers
	if workers < 1 {
		workers = 4
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	reconnectLimit := opts.ReconnectLimit
	if reconnectLimit < 0 {
		reconnectLimit = 0
	}

	dial := opts.Dial
	if dial == nil {
		dial = func(ctx context.Context, token, streamURL string) (StreamHandle, error) {
			return stream.Connect(ctx, token, streamURL, opts.Logger)
		}
	}

	return &Machine{
		store:          opts.Store,
		registration:   opts.Registration,
		registry:       opts.Registry,
		sink:           opts.Sink,
		logger:         opts.Logger,
		workers:        workers,
		pollTimeout:    pollTimeout,
		reconnectLimit: reconnectLimit,
		dial:           dial,
		inflight:       make(map[string]bool),
	}, nil
}

// Submit creates a fresh job, registers it with the broker, and runs it to
// completion or interruption. The returned state is the final checkpoint.
func (m *Machine) Submit(ctx context.Context, cfg models.JobConfig) (*models.JobState, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job config: %w", err)
	}

	sel, err := selector.Compile(cfg.Receiver)
	if err != nil {
		return nil, err
	}
	m.sel = sel

	m.mu.Lock()
	m.state = models.NewJobState(cfg)
	jobID := m.state.JobID.String()
	if err := m.store.Save(ctx, jobID, m.state); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to persist new job: %w", err)
	}
	m.mu.Unlock()

	m.logger.Info("job created", "job_id", jobID, "resource_id", cfg.ResourceID)

	reg, err := m.registration.Register(ctx, cfg)
	if err != nil {
		m.mutate(ctx, func(s *models.JobState) {
			s.Fail(fmt.Sprintf("registration failed: %v", err))
		})
		return m.Snapshot(), err
	}

	if err := m.mutate(ctx, func(s *models.JobState) {
		s.Registration = reg
		s.RecomputeStatus()
	}); err != nil {
		return m.Snapshot(), err
	}

	return m.run(ctx)
}

// Resume loads a persisted non-terminal job, appends a new execution, and
// continues it: the stream reopens with the already-known token, resources
// already succeeded are never re-downloaded, and failed or pending ones are
// retried.
func (m *Machine) Resume(ctx context.Context, jobID string) (*models.JobState, error) {
	state, err := m.store.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if state.Status.Terminal() {
		return state, fmt.Errorf("%w: %s", ErrJobTerminal, state.Status)
	}

	sel, err := selector.Compile(state.Config.Receiver)
	if err != nil {
		return nil, err
	}
	m.sel = sel

	m.mu.Lock()
	m.state = state
	m.mu.Unlock()

	if err := m.mutate(ctx, func(s *models.JobState) {
		s.BeginExecution()
		for _, rec := range s.Downloads {
			if rec.State == models.DownloadFailed {
				rec.State = models.DownloadPending
				rec.Reason = ""
			}
		}
	}); err != nil {
		return m.Snapshot(), err
	}

	m.logger.Info("job resumed", "job_id", jobID, "summary", state.Summarize())

	// A job interrupted before registration confirmed starts over from
	// the registration call; otherwise the known token is reused.
	if m.Snapshot().Registration == nil {
		reg, err := m.registration.Register(ctx, state.Config)
		if err != nil {
			m.mutate(ctx, func(s *models.JobState) {
				s.Fail(fmt.Sprintf("registration failed: %v", err))
			})
			return m.Snapshot(), err
		}
		if err := m.mutate(ctx, func(s *models.JobState) {
			s.Registration = reg
			s.RecomputeStatus()
		}); err != nil {
			return m.Snapshot(), err
		}
	}

	return m.run(ctx)
}

// Snapshot returns a copy of the current job state
func (m *Machine) Snapshot() *models.JobState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil
	}
	blob, err := checkpoint.Encode(m.state)
	if err != nil {
		return m.state
	}
	copied, err := checkpoint.Decode(blob)
	if err != nil {
		return m.state
	}
	return copied
}

// mutate applies fn to the job state under the single-writer lock, bumps
// the sequence, and persists synchronously before releasing.
func (m *Machine) mutate(ctx context.Context, fn func(*models.JobState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn(m.state)
	m.state.Sequence++
	if err := m.store.Save(ctx, m.state.JobID.String(), m.state); err != nil {
		m.logger.Error("checkpoint write failed",
			"job_id", m.state.JobID.String(),
			"sequence", m.state.Sequence,
			"error", err)
		return err
	}
	return nil
}

// run drives the stream and the download workers until the job settles
func (m *Machine) run(ctx context.Context) (*models.JobState, error) {
	tasks := make(chan models.ResourceDescriptor)
	var wg sync.WaitGroup

	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go m.downloadWorker(ctx, tasks, &wg)
	}

	streamErr := m.consumeStream(ctx, tasks)
	close(tasks)
	wg.Wait()

	// The last outstanding download may have been the missing piece for
	// COMPLETE; recompute once everything settled.
	if err := m.mutate(ctx, func(s *models.JobState) {
		s.RecomputeStatus()
	}); err != nil && streamErr == nil {
		streamErr = err
	}

	state := m.Snapshot()
	summary := state.Summarize()
	m.logger.Info("job run finished",
		"job_id", state.JobID.String(),
		"status", string(state.Status),
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"pending", summary.Pending,
		"skipped", summary.Skipped)

	return state, streamErr
}

// consumeStream opens the stream and pumps items until COMPLETE, retrying
// the connection a bounded number of times on interruption
func (m *Machine) consumeStream(ctx context.Context, tasks chan<- models.ResourceDescriptor) error {
	reg := m.Snapshot().Registration
	attempts := 0

	for {
		handle, err := m.dial(ctx, reg.Token, reg.StreamURL)
		if err != nil {
			attempts++
			if attempts > m.reconnectLimit {
				return fmt.Errorf("%w: connect failed after %d attempts: %v", ErrStreamStalled, attempts, err)
			}
			m.logger.Warn("stream connect failed, retrying", "attempt", attempts, "error", err)
			continue
		}

		err = m.pollLoop(ctx, handle, tasks)
		handle.Close()

		switch {
		case err == nil:
			return nil
		case errors.Is(err, stream.ErrStreamInterrupted):
			attempts++
			if attempts > m.reconnectLimit {
				return fmt.Errorf("%w: interrupted after %d reconnects: %v", ErrStreamStalled, attempts, err)
			}
			m.logger.Warn("stream interrupted, reconnecting", "attempt", attempts, "error", err)
		default:
			return err
		}
	}
}

// pollLoop consumes one stream connection until COMPLETE or failure
func (m *Machine) pollLoop(ctx context.Context, handle StreamHandle, tasks chan<- models.ResourceDescriptor) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		item, err := handle.Poll(m.pollTimeout)
		if err != nil {
			return err
		}

		switch item.Kind {
		case stream.PollTimeout:
			continue

		case stream.PollComplete:
			return m.mutate(ctx, func(s *models.JobState) {
				s.StreamComplete = true
				if err := s.MergeAuditProperties(item.Properties); err != nil {
					m.logger.Warn("failed to merge completion properties", "error", err)
				}
				s.RecomputeStatus()
			})

		case stream.PollError:
			// Broker errors are audit items; enumeration continues
			if err := m.mutate(ctx, func(s *models.JobState) {
				s.RecordError(item.ErrText)
				if mergeErr := s.MergeAuditProperties(item.Properties); mergeErr != nil {
					m.logger.Warn("failed to merge error properties", "error", mergeErr)
				}
			}); err != nil {
				return err
			}

		case stream.PollResource:
			if err := m.onResourceReceived(ctx, *item.Resource, tasks); err != nil {
				return err
			}
		}
	}
}

// onResourceReceived records the descriptor (idempotently) and dispatches a
// download when the resource still needs one
func (m *Machine) onResourceReceived(ctx context.Context, desc models.ResourceDescriptor, tasks chan<- models.ResourceDescriptor) error {
	matched, selErr := m.sel.Matches(&desc)

	dispatch := false
	if err := m.mutate(ctx, func(s *models.JobState) {
		s.EnsureDownload(desc.LeafResourceID)
		rec := s.Downloads[desc.LeafResourceID]

		switch {
		case selErr != nil:
			rec.State = models.DownloadFailed
			rec.Reason = selErr.Error()
		case !matched && rec.State == models.DownloadPending:
			rec.State = models.DownloadSkipped
		case rec.State == models.DownloadPending && !m.inflight[desc.LeafResourceID]:
			m.inflight[desc.LeafResourceID] = true
			dispatch = true
		}
	}); err != nil {
		return err
	}

	if !dispatch {
		m.logger.Debug("resource needs no download", "leaf_resource_id", desc.LeafResourceID)
		return nil
	}

	select {
	case tasks <- desc:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// downloadWorker executes fetches for dispatched descriptors and records
// each outcome
func (m *Machine) downloadWorker(ctx context.Context, tasks <-chan models.ResourceDescriptor, wg *sync.WaitGroup) {
	defer wg.Done()

	for desc := range tasks {
		outcome := m.download(ctx, desc)
		if err := m.mutate(ctx, func(s *models.JobState) {
			if err := s.SetDownloadOutcome(desc.LeafResourceID, outcome); err != nil {
				m.logger.Error("failed to record download outcome",
					"leaf_resource_id", desc.LeafResourceID,
					"error", err)
			}
			delete(m.inflight, desc.LeafResourceID)
			s.RecomputeStatus()
		}); err != nil {
			m.logger.Error("failed to persist download outcome",
				"leaf_resource_id", desc.LeafResourceID,
				"error", err)
		}
	}
}

// download fetches one resource to the sink. Failures are recorded, never
// propagated: a bad resource must not abort the job.
func (m *Machine) download(ctx context.Context, desc models.ResourceDescriptor) models.DownloadRecord {
	fetcher, err := m.registry.ForURL(desc.TransferURL)
	if err != nil {
		return models.DownloadRecord{State: models.DownloadFailed, Reason: err.Error()}
	}

	dl, err := fetcher.Fetch(ctx, desc)
	if err != nil {
		m.logger.Warn("download failed",
			"leaf_resource_id", desc.LeafResourceID,
			"error", err)
		return models.DownloadRecord{State: models.DownloadFailed, Reason: err.Error()}
	}
	defer dl.Close()

	w, path, err := m.sink.Create(desc.LeafResourceID, dl.Filename)
	if err != nil {
		return models.DownloadRecord{State: models.DownloadFailed, Reason: err.Error()}
	}

	n, copyErr := io.Copy(w, dl.Body)
	closeErr := w.Close()
	if copyErr != nil {
		return models.DownloadRecord{State: models.DownloadFailed, Reason: copyErr.Error()}
	}
	if closeErr != nil {
		return models.DownloadRecord{State: models.DownloadFailed, Reason: closeErr.Error()}
	}

	m.logger.Debug("download complete",
		"leaf_resource_id", desc.LeafResourceID,
		"bytes", n,
		"path", path)

	return models.DownloadRecord{State: models.DownloadSucceeded, Bytes: n, Path: path}
}
