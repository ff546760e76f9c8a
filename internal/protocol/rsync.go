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

package protocol

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"

	"github.com/fleetback/fleetback/internal/errdefs"
	"github.com/fleetback/fleetback/internal/model"
)

const rsyncDefaultPort = 873

// RsyncDriver pulls a share from an rsync daemon into a local staging
// directory; the staging directory is the "mount". There is no kernel
// mount: Unmount removes the staging copy when the last user releases
// it.
type RsyncDriver struct {
	mountDir string
	mounts   *mountTable
	run      runCommand
	log      logr.Logger
}

// NewRsyncDriver creates the rsync driver.
func NewRsyncDriver(mountDir string, log logr.Logger) *RsyncDriver {
	return &RsyncDriver{
		mountDir: mountDir,
		mounts:   newMountTable(),
		run:      execRunner,
		log:      log,
	}
}

func (d *RsyncDriver) Name() string       { return string(model.ProtocolRsync) }
func (d *RsyncDriver) SupportsWOL() bool  { return false }
func (d *RsyncDriver) RequiresAuth() bool { return false }

// TestConnection probes the rsync daemon TCP port.
func (d *RsyncDriver) TestConnection(ctx context.Context, device *model.Device) error {
	return dialProbe(ctx, device.Host, portOrDefault(device.Port, rsyncDefaultPort))
}

// Mount syncs the remote share into a staging directory and returns it.
func (d *RsyncDriver) Mount(ctx context.Context, device *model.Device, share *model.Share) (string, error) {
	key := fmt.Sprintf("%s:%s", device.Host, share.Path)

	return d.mounts.acquire(key, func() (string, func(), error) {
		staging := filepath.Join(d.mountDir, device.Name, share.Name)
		if err := os.MkdirAll(staging, 0o755); err != nil {
			return "", nil, fmt.Errorf("%w: failed to create staging dir: %v", errdefs.ErrMountFailed, err)
		}

		remote := fmt.Sprintf("rsync://%s:%d/%s/", device.Host,
			portOrDefault(device.Port, rsyncDefaultPort), strings.TrimPrefix(share.Path, "/"))

		out, err := d.run(ctx, "", "rsync", "-a", "--delete", remote, staging+"/")
		if err != nil {
			os.RemoveAll(staging)
			return "", nil, fmt.Errorf("%w: rsync: %v: %s", errdefs.ErrMountFailed, err, strings.TrimSpace(string(out)))
		}

		d.log.V(1).Info("staged rsync share", "remote", remote, "staging", staging)
		return staging, nil, nil
	})
}

// Unmount releases one reference; the staging copy is removed with the
// last one.
func (d *RsyncDriver) Unmount(_ context.Context, mountPath string) error {
	return d.mounts.release(mountPath, os.RemoveAll)
}

// Wake is unsupported for rsync daemon devices.
func (d *RsyncDriver) Wake(context.Context, *model.Device) error {
	return fmt.Errorf("protocol rsync does not support wake-on-lan")
}

// UnmountAll removes every staging copy. Service stop only.
func (d *RsyncDriver) UnmountAll(context.Context) error {
	return d.mounts.releaseAll(os.RemoveAll)
}
