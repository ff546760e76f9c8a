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
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/fleetback/fleetback/internal/model"
)

func newJob(deviceID uuid.UUID, shareID *uuid.UUID, status model.JobStatus, startedAt time.Time) *model.BackupJob {
	return &model.BackupJob{
		ID:        uuid.New(),
		DeviceID:  deviceID,
		ShareID:   shareID,
		Type:      model.JobTypeManual,
		Status:    status,
		StartedAt: startedAt,
	}
}

func TestFileSinkLatestWins(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSink(dir, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}

	job := newJob(uuid.New(), nil, model.JobStatusRunning, time.Now())
	if err := s.Record(job); err != nil {
		t.Fatal(err)
	}
	job.Status = model.JobStatusCompleted
	job.BackupID = "snap1"
	if err := s.Record(job); err != nil {
		t.Fatal(err)
	}

	reloaded, err := NewFileSink(dir, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	list, err := reloaded.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 record, got %d", len(list))
	}
	if list[0].Status != model.JobStatusCompleted || list[0].BackupID != "snap1" {
		t.Errorf("later record did not win: %+v", list[0])
	}
}

func TestFileSinkCancelledIsSticky(t *testing.T) {
	s, err := NewFileSink(t.TempDir(), logr.Discard())
	if err != nil {
		t.Fatal(err)
	}

	job := newJob(uuid.New(), nil, model.JobStatusRunning, time.Now())
	if err := s.Record(job); err != nil {
		t.Fatal(err)
	}
	job.Status = model.JobStatusCancelled
	if err := s.Record(job); err != nil {
		t.Fatal(err)
	}

	// A racing finalizer reporting Failed must not displace Cancelled.
	job.Status = model.JobStatusFailed
	if err := s.Record(job); err != nil {
		t.Fatal(err)
	}

	list, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if list[0].Status != model.JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", list[0].Status)
	}
}

func TestFileSinkListOrdering(t *testing.T) {
	s, err := NewFileSink(t.TempDir(), logr.Discard())
	if err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	older := newJob(uuid.New(), nil, model.JobStatusCompleted, base.Add(-time.Hour))
	newer := newJob(uuid.New(), nil, model.JobStatusCompleted, base)
	if err := s.Record(older); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(newer); err != nil {
		t.Fatal(err)
	}

	list, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != newer.ID {
		t.Errorf("list not newest-first: %v", list)
	}
}

func TestFileSinkGetAndDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSink(dir, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}

	kept := newJob(uuid.New(), nil, model.JobStatusCompleted, time.Now())
	doomed := newJob(uuid.New(), nil, model.JobStatusFailed, time.Now())
	for _, job := range []*model.BackupJob{kept, doomed} {
		if err := s.Record(job); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Get(doomed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != doomed.ID {
		t.Fatalf("Get returned %v", got)
	}

	if err := s.Delete(doomed.ID); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Get(doomed.ID); got != nil {
		t.Errorf("deleted job still returned")
	}
	// Deleting again is a no-op.
	if err := s.Delete(doomed.ID); err != nil {
		t.Fatal(err)
	}

	// Compaction survives a reload.
	reloaded, err := NewFileSink(dir, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	list, err := reloaded.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != kept.ID {
		t.Errorf("compacted log = %v, want only the kept job", list)
	}
}

func TestFileSinkLastRun(t *testing.T) {
	s, err := NewFileSink(t.TempDir(), logr.Discard())
	if err != nil {
		t.Fatal(err)
	}

	deviceID := uuid.New()
	shareID := uuid.New()
	base := time.Now().Truncate(time.Second)

	// Device-level and share-level runs are distinct targets.
	if err := s.Record(newJob(deviceID, nil, model.JobStatusCompleted, base.Add(-2*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(newJob(deviceID, &shareID, model.JobStatusCompleted, base.Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(newJob(deviceID, &shareID, model.JobStatusFailed, base)); err != nil {
		t.Fatal(err)
	}

	last, ok := s.LastRun(deviceID, &shareID)
	if !ok || !last.Equal(base) {
		t.Errorf("share LastRun = %v, %v; want %v, true", last, ok, base)
	}
	last, ok = s.LastRun(deviceID, nil)
	if !ok || !last.Equal(base.Add(-2*time.Hour)) {
		t.Errorf("device LastRun = %v, %v", last, ok)
	}
	if _, ok := s.LastRun(uuid.New(), nil); ok {
		t.Errorf("LastRun found a run for an unknown device")
	}
}
