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

// Package logstore captures per-backup execution logs. Active logs
// live in memory keyed by backup id (or job id until a snapshot
// exists); Persist appends them to a newline-delimited JSON file so
// they survive restarts.
package logstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

const logFileName = "backup-logs.ndjson"

// maxPersistedLineSize bounds a single persisted record. A log with
// thousands of progress entries still fits comfortably.
const maxPersistedLineSize = 16 * 1024 * 1024

// ProgressEntry is one point of the engine's progress stream as kept
// in a log.
type ProgressEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	PercentDone  float64   `json:"percent_done"`
	FilesDone    int64     `json:"files_done"`
	BytesDone    int64     `json:"bytes_done"`
	CurrentFiles []string  `json:"current_files,omitempty"`
}

// Message is a timestamped warning or error line.
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// BackupLog is the execution log of a single backup run.
type BackupLog struct {
	BackupID  string          `json:"backup_id"`
	JobID     *uuid.UUID      `json:"job_id,omitempty"`
	Progress  []ProgressEntry `json:"progress"`
	Warnings  []Message       `json:"warnings"`
	Errors    []Message       `json:"errors"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (l *BackupLog) clone() *BackupLog {
	out := *l
	out.Progress = append([]ProgressEntry(nil), l.Progress...)
	out.Warnings = append([]Message(nil), l.Warnings...)
	out.Errors = append([]Message(nil), l.Errors...)
	return &out
}

// Store is the hybrid in-memory/durable log store. All methods are
// safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	logs map[string]*BackupLog
	path string
	log  logr.Logger
	now  func() time.Time
}

// NewStore creates a store persisting under stateDir and loads any
// previously persisted records.
func NewStore(stateDir string, log logr.Logger) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create state dir %s: %w", stateDir, err)
	}
	s := &Store{
		logs: make(map[string]*BackupLog),
		path: filepath.Join(stateDir, logFileName),
		log:  log,
		now:  time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open log file %s: %w", s.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxPersistedLineSize)
	loaded := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry BackupLog
		if err := json.Unmarshal(line, &entry); err != nil {
			s.log.V(1).Info("skipping corrupt log record", "error", err)
			continue
		}
		// Later records for the same backup win.
		s.logs[entry.BackupID] = &entry
		loaded++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read log file %s: %w", s.path, err)
	}
	if loaded > 0 {
		s.log.Info("loaded persisted backup logs", "count", loaded)
	}
	return nil
}

// GetOrCreate returns the log for backupID, creating an empty one if
// none exists. jobID is recorded on creation and may be nil.
func (s *Store) GetOrCreate(backupID string, jobID *uuid.UUID) *BackupLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[backupID]; ok {
		return l.clone()
	}
	now := s.now()
	l := &BackupLog{
		BackupID:  backupID,
		JobID:     jobID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.logs[backupID] = l
	return l.clone()
}

// Get returns a copy of the log for backupID, or false when none
// exists.
func (s *Store) Get(backupID string) (*BackupLog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[backupID]
	if !ok {
		return nil, false
	}
	return l.clone(), true
}

// List returns copies of all known logs, persisted and in-memory.
func (s *Store) List() []*BackupLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*BackupLog, 0, len(s.logs))
	for _, l := range s.logs {
		out = append(out, l.clone())
	}
	return out
}

func (s *Store) mutate(backupID string, fn func(*BackupLog)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[backupID]
	if !ok {
		l = &BackupLog{BackupID: backupID, CreatedAt: s.now()}
		s.logs[backupID] = l
	}
	fn(l)
	l.UpdatedAt = s.now()
}

// AddProgressEntry appends one progress point.
func (s *Store) AddProgressEntry(backupID string, entry ProgressEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	s.mutate(backupID, func(l *BackupLog) {
		l.Progress = append(l.Progress, entry)
	})
}

// AddWarning appends a warning line.
func (s *Store) AddWarning(backupID, text string) {
	s.mutate(backupID, func(l *BackupLog) {
		l.Warnings = append(l.Warnings, Message{Timestamp: s.now(), Text: text})
	})
}

// AddError appends an error line.
func (s *Store) AddError(backupID, text string) {
	s.mutate(backupID, func(l *BackupLog) {
		l.Errors = append(l.Errors, Message{Timestamp: s.now(), Text: text})
	})
}

// Rename re-keys an in-memory log, typically from a provisional job id
// to the snapshot id once the engine has produced one. A no-op when
// the source key does not exist or both keys are equal.
func (s *Store) Rename(oldID, newID string) {
	if oldID == newID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[oldID]
	if !ok {
		return
	}
	delete(s.logs, oldID)
	l.BackupID = newID
	l.UpdatedAt = s.now()
	s.logs[newID] = l
}

// Persist appends the log for backupID to the durable file as one
// JSON record. The in-memory entry stays available for reads.
func (s *Store) Persist(backupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[backupID]
	if !ok {
		return fmt.Errorf("no log for backup %s", backupID)
	}

	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to encode log for backup %s: %w", backupID, err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", s.path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append log for backup %s: %w", backupID, err)
	}
	return nil
}

// Clear drops all in-memory entries and the durable file. Test use
// only.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = make(map[string]*BackupLog)
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
