/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/fleetback/fleetback/internal/errdefs"
	"github.com/fleetback/fleetback/internal/model"
)

// ProgressEvent is a throttled progress point fanned out to
// subscribers.
type ProgressEvent struct {
	JobID        uuid.UUID `json:"job_id"`
	PercentDone  float64   `json:"percent_done"`
	FilesDone    int64     `json:"files_done"`
	BytesDone    int64     `json:"bytes_done"`
	CurrentFiles []string  `json:"current_files,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type completedEntry struct {
	job       *model.BackupJob
	expiresAt time.Time
}

type throttleState struct {
	lastPercent   float64
	lastEmittedAt time.Time
	emitted       bool
}

// RegistryOptions tune the registry. Zero values pick the defaults.
type RegistryOptions struct {
	CompletedTTL      time.Duration
	ThrottleInterval  time.Duration
	ThrottleThreshold float64
}

func (o *RegistryOptions) withDefaults() RegistryOptions {
	out := *o
	if out.CompletedTTL <= 0 {
		out.CompletedTTL = time.Hour
	}
	if out.ThrottleInterval <= 0 {
		out.ThrottleInterval = 500 * time.Millisecond
	}
	if out.ThrottleThreshold <= 0 {
		out.ThrottleThreshold = 1.0
	}
	return out
}

// Registry is the single source of truth for job state, cancellation,
// and progress fan-out. It is shared by the scheduler, the HTTP layer,
// and the orchestrator; all methods are safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	active    map[uuid.UUID]*model.BackupJob
	cancels   map[uuid.UUID]context.CancelFunc
	completed map[uuid.UUID]completedEntry
	throttle  map[uuid.UUID]*throttleState

	subsMu sync.Mutex
	subs   map[int]chan ProgressEvent
	nextID int

	sink Sink
	opts RegistryOptions
	log  logr.Logger
	now  func() time.Time
}

// NewRegistry creates a registry writing through to sink.
func NewRegistry(sink Sink, opts RegistryOptions, log logr.Logger) *Registry {
	return &Registry{
		active:    make(map[uuid.UUID]*model.BackupJob),
		cancels:   make(map[uuid.UUID]context.CancelFunc),
		completed: make(map[uuid.UUID]completedEntry),
		throttle:  make(map[uuid.UUID]*throttleState),
		subs:      make(map[int]chan ProgressEvent),
		sink:      sink,
		opts:      opts.withDefaults(),
		log:       log,
		now:       time.Now,
	}
}

// Track places a job into the active set together with its cancel
// handle, writes the Running row through to the sink, and emits the
// initial 0% progress event.
func (r *Registry) Track(job *model.BackupJob, cancel context.CancelFunc) {
	r.mu.Lock()
	r.active[job.ID] = job.Clone()
	r.cancels[job.ID] = cancel
	r.throttle[job.ID] = &throttleState{}
	r.mu.Unlock()

	if err := r.sink.Record(job); err != nil {
		r.log.Error(err, "failed to record job start", "job", job.ID)
	}

	r.EmitProgress(ProgressEvent{JobID: job.ID, PercentDone: 0, Timestamp: r.now()})
}

// Untrack removes the job from the active set, releases its cancel
// handle, writes the final record through, and files terminal jobs
// into the completed ring for the TTL window.
func (r *Registry) Untrack(jobID uuid.UUID) {
	r.mu.Lock()
	job, ok := r.active[jobID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.active, jobID)
	delete(r.throttle, jobID)
	if cancel, ok := r.cancels[jobID]; ok {
		delete(r.cancels, jobID)
		cancel()
	}
	final := job.Clone()
	if job.Status.IsTerminal() {
		r.completed[jobID] = completedEntry{
			job:       job,
			expiresAt: r.now().Add(r.opts.CompletedTTL),
		}
	}
	r.mu.Unlock()

	if err := r.sink.Record(final); err != nil {
		r.log.Error(err, "failed to record job completion", "job", jobID)
	}
}

// Cancel marks an active job Cancelled and fires its cancel handle.
// Idempotent; calling it on an unknown or already finished job is a
// no-op. Returns whether a running job was cancelled.
func (r *Registry) Cancel(jobID uuid.UUID) bool {
	r.mu.Lock()
	job, ok := r.active[jobID]
	if !ok || job.Status != model.JobStatusRunning {
		r.mu.Unlock()
		return false
	}
	now := r.now()
	job.Status = model.JobStatusCancelled
	job.CompletedAt = &now
	job.ErrorMessage = errdefs.CancelledMessage
	cancel := r.cancels[jobID]
	snapshot := job.Clone()
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := r.sink.Record(snapshot); err != nil {
		r.log.Error(err, "failed to record job cancellation", "job", jobID)
	}
	r.log.Info("job cancelled", "job", jobID)
	return true
}

// Finalize applies mutate to an active job and stamps the terminal
// status, unless an external Cancel already made the job Cancelled, in
// which case only the progress counters from mutate are kept and the
// cancelled status and message survive. Returns the finalized job.
func (r *Registry) Finalize(jobID uuid.UUID, status model.JobStatus, mutate func(*model.BackupJob)) *model.BackupJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.active[jobID]
	if !ok {
		return nil
	}

	cancelled := job.Status == model.JobStatusCancelled
	cancelMsg := job.ErrorMessage
	cancelAt := job.CompletedAt

	if mutate != nil {
		mutate(job)
	}

	if cancelled {
		job.Status = model.JobStatusCancelled
		job.ErrorMessage = cancelMsg
		job.CompletedAt = cancelAt
	} else {
		job.Status = status
		if job.CompletedAt == nil {
			now := r.now()
			job.CompletedAt = &now
		}
	}
	return job.Clone()
}

// Get returns the job from the active set or the completed ring.
func (r *Registry) Get(jobID uuid.UUID) (*model.BackupJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	if job, ok := r.active[jobID]; ok {
		return job.Clone(), true
	}
	if entry, ok := r.completed[jobID]; ok {
		return entry.job.Clone(), true
	}
	return nil, false
}

// Find returns the job from the active set or the completed ring,
// falling back to the durable job history once the TTL has evicted it.
func (r *Registry) Find(jobID uuid.UUID) (*model.BackupJob, bool) {
	if job, ok := r.Get(jobID); ok {
		return job, true
	}
	job, err := r.sink.Get(jobID)
	if err != nil || job == nil {
		return nil, false
	}
	return job, true
}

// List returns all active jobs plus unexpired completed ones.
func (r *Registry) List() []*model.BackupJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	out := make([]*model.BackupJob, 0, len(r.active)+len(r.completed))
	for _, job := range r.active {
		out = append(out, job.Clone())
	}
	for _, entry := range r.completed {
		out = append(out, entry.job.Clone())
	}
	return out
}

// IsActiveTarget reports whether a running job already covers the
// given target. A device-level job covers every share of its device.
func (r *Registry) IsActiveTarget(deviceID uuid.UUID, shareID *uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range r.active {
		if job.DeviceID != deviceID {
			continue
		}
		if job.ShareID == nil {
			return true
		}
		if shareID == nil {
			return true
		}
		if *job.ShareID == *shareID {
			return true
		}
	}
	return false
}

// Update applies fn to an active job row, for fields like the redacted
// command line that become known mid-run. Status is not touched; use
// Cancel or Finalize for transitions.
func (r *Registry) Update(jobID uuid.UUID, fn func(*model.BackupJob)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.active[jobID]
	if !ok {
		return
	}
	status := job.Status
	fn(job)
	job.Status = status
}

// UpdateProgressCounters folds the latest stream counters into the
// active job row so Get reflects live state.
func (r *Registry) UpdateProgressCounters(jobID uuid.UUID, filesDone, bytesDone int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.active[jobID]; ok {
		job.FilesProcessed = filesDone
		if bytesDone >= 0 {
			job.BytesTransferred = uint64(bytesDone)
		}
	}
}

// EmitProgress throttles and fans an event out to subscribers. The
// first event per job always goes through; later ones only when the
// percent moved at least the threshold or the interval elapsed.
func (r *Registry) EmitProgress(ev ProgressEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}

	r.mu.Lock()
	ts, ok := r.throttle[ev.JobID]
	if !ok {
		ts = &throttleState{}
		r.throttle[ev.JobID] = ts
	}
	emit := !ts.emitted ||
		abs(ev.PercentDone-ts.lastPercent) >= r.opts.ThrottleThreshold ||
		ev.Timestamp.Sub(ts.lastEmittedAt) >= r.opts.ThrottleInterval
	if emit {
		ts.emitted = true
		ts.lastPercent = ev.PercentDone
		ts.lastEmittedAt = ev.Timestamp
	}
	r.mu.Unlock()

	if !emit {
		return
	}

	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than stall the stream.
		}
	}
}

// Subscribe returns a progress event channel and a cancel func that
// closes it.
func (r *Registry) Subscribe() (<-chan ProgressEvent, func()) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	id := r.nextID
	r.nextID++
	ch := make(chan ProgressEvent, 64)
	r.subs[id] = ch

	return ch, func() {
		r.subsMu.Lock()
		defer r.subsMu.Unlock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
	}
}

// sweepLocked drops expired completed entries. Callers hold mu.
func (r *Registry) sweepLocked() {
	now := r.now()
	for id, entry := range r.completed {
		if now.After(entry.expiresAt) {
			delete(r.completed, id)
		}
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
