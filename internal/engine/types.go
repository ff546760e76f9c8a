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

package engine

import (
	"time"

	"github.com/fleetback/fleetback/internal/model"
)

// Snapshot is an engine snapshot record as listed by `snapshots --json`.
type Snapshot struct {
	ID       string    `json:"id"`
	ShortID  string    `json:"short_id"`
	Time     time.Time `json:"time"`
	Hostname string    `json:"hostname"`
	Username string    `json:"username"`
	Tree     string    `json:"tree"`
	Paths    []string  `json:"paths"`
	Tags     []string  `json:"tags"`
	Parent   string    `json:"parent,omitempty"`
}

// BackupRequest describes one streaming backup invocation.
type BackupRequest struct {
	RepoPath string
	Password string

	// SourcePath is the mounted share root to back up.
	SourcePath string

	// Hostname labels the snapshot; the device name is used.
	Hostname string

	Tags  []string
	Rules model.IncludeExcludeRules
}

// ProgressUpdate is a parsed `status` event from the backup stream.
type ProgressUpdate struct {
	PercentDone  float64
	TotalFiles   int64
	FilesDone    int64
	TotalBytes   uint64
	BytesDone    uint64
	CurrentFiles []string
}

// Callbacks receive events parsed from the engine's backup stream. Any
// callback may be nil.
type Callbacks struct {
	OnProgress func(ProgressUpdate)
	OnWarning  func(string)
	OnError    func(string)
}

// BackupSummary is the final `summary` event of a successful backup.
type BackupSummary struct {
	SnapshotID          string
	FilesNew            int64
	FilesChanged        int64
	FilesUnmodified     int64
	DirsNew             int64
	DirsChanged         int64
	DirsUnmodified      int64
	DataAdded           uint64
	TotalFilesProcessed int64
	TotalBytesProcessed uint64
	Duration            time.Duration
}

// FileEntry is one node as listed by `ls --json`.
type FileEntry struct {
	Name  string    `json:"name"`
	Type  string    `json:"type"`
	Path  string    `json:"path"`
	Size  uint64    `json:"size"`
	Mode  uint32    `json:"mode"`
	MTime time.Time `json:"mtime"`
}

// RestoreRequest describes a restore invocation. Target must be an
// absolute path; policy checks happen in the caller.
type RestoreRequest struct {
	SnapshotID   string
	Target       string
	IncludePaths []string
}

// ForgetRequest applies a retention policy to a repository.
type ForgetRequest struct {
	Policy  model.RetentionPolicy
	Host    string
	GroupBy string
	Prune   bool
}

// ForgetResult counts snapshots removed and kept by a forget run.
type ForgetResult struct {
	SnapshotsRemoved int
	SnapshotsKept    int
}

// RepoStats summarizes a repository.
type RepoStats struct {
	TotalSize      uint64 `json:"total_size"`
	TotalFileCount uint64 `json:"total_file_count"`
	SnapshotCount  int    `json:"snapshot_count"`
}

// CheckResult reports repository integrity.
type CheckResult struct {
	Success  bool
	Message  string
	Duration time.Duration
}

// Stream event wire formats. Every line of `backup --json` output is an
// object with a message_type discriminator.
type streamEnvelope struct {
	MessageType string `json:"message_type"`
}

type statusEvent struct {
	PercentDone  float64  `json:"percent_done"`
	TotalFiles   int64    `json:"total_files"`
	FilesDone    int64    `json:"files_done"`
	TotalBytes   uint64   `json:"total_bytes"`
	BytesDone    uint64   `json:"bytes_done"`
	CurrentFiles []string `json:"current_files"`
}

type summaryEvent struct {
	SnapshotID          string  `json:"snapshot_id"`
	FilesNew            int64   `json:"files_new"`
	FilesChanged        int64   `json:"files_changed"`
	FilesUnmodified     int64   `json:"files_unmodified"`
	DirsNew             int64   `json:"dirs_new"`
	DirsChanged         int64   `json:"dirs_changed"`
	DirsUnmodified      int64   `json:"dirs_unmodified"`
	DataAdded           uint64  `json:"data_added"`
	TotalFilesProcessed int64   `json:"total_files_processed"`
	TotalBytesProcessed uint64  `json:"total_bytes_processed"`
	TotalDuration       float64 `json:"total_duration"`
}

type diagnosticEvent struct {
	Message string `json:"message"`
	Item    string `json:"item"`
	During  string `json:"during"`
	Error   struct {
		Message string `json:"message"`
	} `json:"error"`
}

// text renders a warning or error event as one log line.
func (e *diagnosticEvent) text() string {
	msg := e.Message
	if msg == "" {
		msg = e.Error.Message
	}
	if e.Item != "" {
		return e.Item + ": " + msg
	}
	return msg
}
