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
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/fleetback/fleetback/internal/model"
)

// DeleteDevice removes a device, its shares, and its repositories.
// Running jobs against the device are cancelled first.
func (o *Orchestrator) DeleteDevice(deviceID uuid.UUID) error {
	device, err := o.store.GetDeviceByID(deviceID)
	if err != nil {
		return err
	}

	o.cancelJobsFor(deviceID, nil)

	if err := o.store.DeleteDevice(device.Name, fmt.Sprintf("delete device %s", device.Name)); err != nil {
		return err
	}

	repoDir := filepath.Join(o.settings.RepositoryBasePath, deviceID.String())
	if err := os.RemoveAll(repoDir); err != nil {
		return fmt.Errorf("failed to remove repositories of device %s: %w", device.Name, err)
	}
	o.log.Info("deleted device", "device", device.Name)
	return nil
}

// DeleteShare removes a share and its repository. A running job against
// the share is cancelled first.
func (o *Orchestrator) DeleteShare(deviceID, shareID uuid.UUID) error {
	device, share, err := o.resolveShare(deviceID, shareID)
	if err != nil {
		return err
	}

	o.cancelJobsFor(deviceID, &shareID)

	if err := o.store.DeleteShare(device.Name, share.Name, fmt.Sprintf("delete share %s/%s", device.Name, share.Name)); err != nil {
		return err
	}

	repoDir := filepath.Join(o.settings.RepositoryBasePath, deviceID.String(), shareID.String())
	if err := os.RemoveAll(repoDir); err != nil {
		return fmt.Errorf("failed to remove repository of share %s/%s: %w", device.Name, share.Name, err)
	}
	o.log.Info("deleted share", "device", device.Name, "share", share.Name)
	return nil
}

// cancelJobsFor cancels running jobs targeting the device (shareID nil)
// or one share of it.
func (o *Orchestrator) cancelJobsFor(deviceID uuid.UUID, shareID *uuid.UUID) {
	for _, job := range o.registry.List() {
		if job.Status != model.JobStatusRunning || job.DeviceID != deviceID {
			continue
		}
		if shareID != nil && (job.ShareID == nil || *job.ShareID != *shareID) {
			continue
		}
		if o.registry.Cancel(job.ID) {
			o.log.Info("cancelled job for deleted target", "job", job.ID, "device", deviceID)
		}
	}
}
