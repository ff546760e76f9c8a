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

package model

import (
	"time"

	"github.com/google/uuid"
)

// JobType classifies how a backup job was launched.
type JobType string

const (
	JobTypeManual    JobType = "manual"
	JobTypeScheduled JobType = "scheduled"
	JobTypeRetry     JobType = "retry"
)

// JobStatus is the lifecycle state of a backup job. Once a job leaves
// Running it never re-enters it.
type JobStatus string

const (
	JobStatusRunning            JobStatus = "running"
	JobStatusCompleted          JobStatus = "completed"
	JobStatusFailed             JobStatus = "failed"
	JobStatusCancelled          JobStatus = "cancelled"
	JobStatusPartiallyCompleted JobStatus = "partially_completed"
)

// IsTerminal reports whether the status is final.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusPartiallyCompleted:
		return true
	}
	return false
}

// BackupJob is one invocation of the orchestrator, at device or share
// granularity. CompletedAt is set iff Status != Running.
type BackupJob struct {
	ID       uuid.UUID `json:"id"`
	DeviceID uuid.UUID `json:"device_id"`

	// ShareID is nil for device-level jobs covering all enabled shares.
	ShareID *uuid.UUID `json:"share_id,omitempty"`

	Type   JobType   `json:"type"`
	Status JobStatus `json:"status"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ErrorMessage may accumulate one line per failed share.
	ErrorMessage string `json:"error_message,omitempty"`

	FilesProcessed   int64  `json:"files_processed"`
	BytesTransferred uint64 `json:"bytes_transferred"`

	// BackupID is the engine-reported snapshot id. For device-level
	// jobs this is the last successful share's snapshot; consult the
	// log store or snapshot list for the full set.
	BackupID string `json:"backup_id,omitempty"`

	// CommandLine is the engine invocation with secrets redacted.
	CommandLine string `json:"command_line,omitempty"`
}

// Clone returns a copy safe to hand to other goroutines.
func (j *BackupJob) Clone() *BackupJob {
	c := *j
	if j.ShareID != nil {
		id := *j.ShareID
		c.ShareID = &id
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// BackupStatus is the outcome recorded on a snapshot.
type BackupStatus string

const (
	BackupStatusSuccess BackupStatus = "success"
	BackupStatusPartial BackupStatus = "partial"
	BackupStatusFailed  BackupStatus = "failed"
)

// Backup is an engine-produced snapshot record. It back-references the
// creating job by id only.
type Backup struct {
	ID         string    `json:"id"`
	DeviceID   uuid.UUID `json:"device_id"`
	ShareID    uuid.UUID `json:"share_id"`
	DeviceName string    `json:"device_name"`
	ShareName  string    `json:"share_name"`
	Timestamp  time.Time `json:"timestamp"`

	Status BackupStatus `json:"status"`

	// Paths maps share name to its absolute path at backup time.
	Paths map[string]string `json:"paths,omitempty"`

	FilesNew        int64 `json:"files_new"`
	FilesChanged    int64 `json:"files_changed"`
	FilesUnmodified int64 `json:"files_unmodified"`
	DirsNew         int64 `json:"dirs_new"`
	DirsChanged     int64 `json:"dirs_changed"`
	DirsUnmodified  int64 `json:"dirs_unmodified"`

	BytesAdded     uint64        `json:"bytes_added"`
	BytesProcessed uint64        `json:"bytes_processed"`
	Duration       time.Duration `json:"duration"`

	ErrorMessage   string `json:"error_message,omitempty"`
	CreatedByJobID string `json:"created_by_job_id,omitempty"`
}
