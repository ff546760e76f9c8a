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

// Package jobs tracks backup jobs: the in-memory registry of running
// and recently finished jobs, and a durable sink that keeps the job
// history across restarts.
package jobs

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/fleetback/fleetback/internal/model"
)

const jobFileName = "jobs.ndjson"

// Sink receives every job state transition for durable history.
type Sink interface {
	// Record persists the job's current state. Writes for one job id
	// are sequenced: once a Cancelled record exists, later writes with
	// a different status are dropped.
	Record(job *model.BackupJob) error

	// List returns the newest record per job id, newest start first.
	List() ([]*model.BackupJob, error)

	// Get returns the newest record for the job id, or nil when none
	// exists.
	Get(jobID uuid.UUID) (*model.BackupJob, error)

	// LastRun returns the most recent start time recorded for the
	// given target. shareID nil matches device-level jobs only.
	LastRun(deviceID uuid.UUID, shareID *uuid.UUID) (time.Time, bool)
}

// FileSink is an append-only newline-delimited JSON job log with an
// in-memory latest-wins index.
type FileSink struct {
	mu     sync.Mutex
	path   string
	latest map[uuid.UUID]*model.BackupJob
	log    logr.Logger
}

// NewFileSink opens (or creates) the job log under stateDir and
// indexes any existing records.
func NewFileSink(stateDir string, log logr.Logger) (*FileSink, error) {
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create state dir %s: %w", stateDir, err)
	}
	s := &FileSink{
		path:   filepath.Join(stateDir, jobFileName),
		latest: make(map[uuid.UUID]*model.BackupJob),
		log:    log,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open job log %s: %w", s.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var job model.BackupJob
		if err := json.Unmarshal(line, &job); err != nil {
			s.log.V(1).Info("skipping corrupt job record", "error", err)
			continue
		}
		if prev, ok := s.latest[job.ID]; ok && prev.Status == model.JobStatusCancelled &&
			job.Status != model.JobStatusCancelled {
			continue
		}
		s.latest[job.ID] = &job
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read job log %s: %w", s.path, err)
	}
	return nil
}

func (s *FileSink) Record(job *model.BackupJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.latest[job.ID]; ok && prev.Status == model.JobStatusCancelled &&
		job.Status != model.JobStatusCancelled {
		s.log.V(1).Info("dropping job write after cancellation", "job", job.ID, "status", job.Status)
		return nil
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open job log %s: %w", s.path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append job %s: %w", job.ID, err)
	}

	s.latest[job.ID] = job.Clone()
	return nil
}

func (s *FileSink) List() ([]*model.BackupJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.BackupJob, 0, len(s.latest))
	for _, job := range s.latest {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

// Get returns the newest record for the job id, or nil when none
// exists.
func (s *FileSink) Get(jobID uuid.UUID) (*model.BackupJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.latest[jobID]
	if !ok {
		return nil, nil
	}
	return job.Clone(), nil
}

// Delete removes every record of the job id and compacts the log file
// down to the newest record per surviving job.
func (s *FileSink) Delete(jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.latest[jobID]; !ok {
		return nil
	}
	delete(s.latest, jobID)

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create compacted job log: %w", err)
	}
	for _, job := range s.latest {
		data, err := json.Marshal(job)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to write compacted job log: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close compacted job log: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *FileSink) LastRun(deviceID uuid.UUID, shareID *uuid.UUID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last time.Time
	found := false
	for _, job := range s.latest {
		if job.DeviceID != deviceID {
			continue
		}
		if (job.ShareID == nil) != (shareID == nil) {
			continue
		}
		if shareID != nil && *job.ShareID != *shareID {
			continue
		}
		if job.StartedAt.After(last) {
			last = job.StartedAt
			found = true
		}
	}
	return last, found
}
