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

package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetback/fleetback/internal/errdefs"
	"github.com/fleetback/fleetback/internal/model"
)

func TestDeleteDeviceCascades(t *testing.T) {
	f := newFixture(t)
	device := f.addDevice(t, "nas1", "devicepw")
	share := f.addShare(t, device, "media", true)

	repoDir := filepath.Join(f.settings.RepositoryBasePath, device.ID.String(), share.ID.String())
	if err := os.MkdirAll(repoDir, 0o750); err != nil {
		t.Fatal(err)
	}

	running := &model.BackupJob{
		ID: uuid.New(), DeviceID: device.ID, ShareID: &share.ID,
		Status: model.JobStatusRunning, StartedAt: time.Now(),
	}
	_, cancel := context.WithCancel(context.Background())
	f.registry.Track(running, cancel)

	if err := f.orch.DeleteDevice(device.ID); err != nil {
		t.Fatalf("DeleteDevice() error = %v", err)
	}

	if _, err := f.store.GetDeviceByID(device.ID); !errors.Is(err, errdefs.ErrDeviceNotFound) {
		t.Errorf("device still resolvable: %v", err)
	}
	if shares, _ := f.store.ListShares(device.Name); len(shares) != 0 {
		t.Errorf("shares survived device deletion: %v", shares)
	}
	if _, err := os.Stat(repoDir); !os.IsNotExist(err) {
		t.Errorf("repository directory survived device deletion")
	}

	got, _ := f.registry.Get(running.ID)
	if got.Status != model.JobStatusCancelled {
		t.Errorf("running job status = %s, want cancelled", got.Status)
	}
}

func TestDeleteShareCancelsOnlyItsJob(t *testing.T) {
	f := newFixture(t)
	device := f.addDevice(t, "nas1", "devicepw")
	doomed := f.addShare(t, device, "media", true)
	other := f.addShare(t, device, "docs", true)

	start := func(shareID uuid.UUID) *model.BackupJob {
		job := &model.BackupJob{
			ID: uuid.New(), DeviceID: device.ID, ShareID: &shareID,
			Status: model.JobStatusRunning, StartedAt: time.Now(),
		}
		_, cancel := context.WithCancel(context.Background())
		f.registry.Track(job, cancel)
		return job
	}
	doomedJob := start(doomed.ID)
	otherJob := start(other.ID)

	if err := f.orch.DeleteShare(device.ID, doomed.ID); err != nil {
		t.Fatalf("DeleteShare() error = %v", err)
	}

	got, _ := f.registry.Get(doomedJob.ID)
	if got.Status != model.JobStatusCancelled {
		t.Errorf("deleted share's job = %s, want cancelled", got.Status)
	}
	got, _ = f.registry.Get(otherJob.ID)
	if got.Status != model.JobStatusRunning {
		t.Errorf("unrelated job = %s, want still running", got.Status)
	}

	if _, err := f.store.GetShareByID(device.Name, doomed.ID); !errors.Is(err, errdefs.ErrShareNotFound) {
		t.Errorf("deleted share still resolvable: %v", err)
	}
}
