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

package logstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	jobID := uuid.New()

	first := s.GetOrCreate("snap1", &jobID)
	if first.BackupID != "snap1" || first.JobID == nil || *first.JobID != jobID {
		t.Fatalf("unexpected log: %+v", first)
	}

	s.AddWarning("snap1", "slow share")
	second := s.GetOrCreate("snap1", nil)
	if len(second.Warnings) != 1 {
		t.Errorf("GetOrCreate replaced the existing log")
	}
}

func TestMutationsUpdateTimestamps(t *testing.T) {
	s := newTestStore(t)
	s.GetOrCreate("snap1", nil)

	before, _ := s.Get("snap1")
	s.AddProgressEntry("snap1", ProgressEntry{PercentDone: 10})
	s.AddError("snap1", "read failed")
	after, _ := s.Get("snap1")

	if len(after.Progress) != 1 || len(after.Errors) != 1 {
		t.Fatalf("mutations not recorded: %+v", after)
	}
	if after.UpdatedAt.Before(before.UpdatedAt) {
		t.Errorf("updated_at went backwards")
	}
	if after.Progress[0].Timestamp.IsZero() {
		t.Errorf("progress entry missing timestamp")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	s.GetOrCreate("snap1", nil)
	s.AddWarning("snap1", "original")

	got, _ := s.Get("snap1")
	got.Warnings[0].Text = "mutated"

	fresh, _ := s.Get("snap1")
	if fresh.Warnings[0].Text != "original" {
		t.Errorf("Get leaked internal state")
	}
}

func TestRename(t *testing.T) {
	s := newTestStore(t)
	jobID := uuid.New()
	s.GetOrCreate(jobID.String(), &jobID)
	s.AddProgressEntry(jobID.String(), ProgressEntry{PercentDone: 50})

	s.Rename(jobID.String(), "snap1")

	if _, ok := s.Get(jobID.String()); ok {
		t.Errorf("old key still resolves after rename")
	}
	got, ok := s.Get("snap1")
	if !ok {
		t.Fatalf("new key does not resolve after rename")
	}
	if got.BackupID != "snap1" || len(got.Progress) != 1 {
		t.Errorf("renamed log lost content: %+v", got)
	}

	// Renaming a missing key is a no-op.
	s.Rename("missing", "elsewhere")
	if _, ok := s.Get("elsewhere"); ok {
		t.Errorf("rename of missing key created an entry")
	}
}

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}

	s.GetOrCreate("snap1", nil)
	s.AddProgressEntry("snap1", ProgressEntry{PercentDone: 100, FilesDone: 12, BytesDone: 4096})
	s.AddWarning("snap1", "skipped socket")
	if err := s.Persist("snap1"); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	reloaded, err := NewStore(dir, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	got, ok := reloaded.Get("snap1")
	if !ok {
		t.Fatal("persisted log not loaded")
	}
	if len(got.Progress) != 1 || got.Progress[0].PercentDone != 100 {
		t.Errorf("progress not restored: %+v", got.Progress)
	}
	if len(got.Warnings) != 1 {
		t.Errorf("warnings not restored: %+v", got.Warnings)
	}
}

func TestPersistLaterRecordWins(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}

	s.GetOrCreate("snap1", nil)
	if err := s.Persist("snap1"); err != nil {
		t.Fatal(err)
	}
	s.AddError("snap1", "late failure")
	if err := s.Persist("snap1"); err != nil {
		t.Fatal(err)
	}

	reloaded, err := NewStore(dir, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	got, _ := reloaded.Get("snap1")
	if len(got.Errors) != 1 {
		t.Errorf("reload did not prefer the later record: %+v", got)
	}
}

func TestPersistUnknownBackup(t *testing.T) {
	s := newTestStore(t)
	if err := s.Persist("nope"); err == nil {
		t.Errorf("expected error persisting unknown backup")
	}
}

func TestLoadSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, logFileName)
	content := "not json at all\n" +
		`{"backup_id":"snap1","created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z"}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatal(err)
	}

	s, err := NewStore(dir, logr.Discard())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := s.Get("snap1"); !ok {
		t.Errorf("valid record not loaded alongside corrupt one")
	}
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	s.GetOrCreate("snap1", nil)
	if err := s.Persist("snap1"); err != nil {
		t.Fatal(err)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, ok := s.Get("snap1"); ok {
		t.Errorf("entry survived Clear")
	}
	if _, err := os.Stat(filepath.Join(dir, logFileName)); !os.IsNotExist(err) {
		t.Errorf("durable file survived Clear")
	}
}
