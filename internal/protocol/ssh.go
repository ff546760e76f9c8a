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
	"github.com/fleetback/fleetback/internal/secrets"
)

const sshDefaultPort = 22

// SSHDriver mounts remote directories via sshfs.
type SSHDriver struct {
	mountDir string
	store    *secrets.Store
	mounts   *mountTable
	run      runCommand
	log      logr.Logger
}

// NewSSHDriver creates the SSH driver.
func NewSSHDriver(mountDir string, store *secrets.Store, log logr.Logger) *SSHDriver {
	return &SSHDriver{
		mountDir: mountDir,
		store:    store,
		mounts:   newMountTable(),
		run:      execRunner,
		log:      log,
	}
}

func (d *SSHDriver) Name() string       { return string(model.ProtocolSSH) }
func (d *SSHDriver) SupportsWOL() bool  { return true }
func (d *SSHDriver) RequiresAuth() bool { return true }

// TestConnection probes the SSH TCP port.
func (d *SSHDriver) TestConnection(ctx context.Context, device *model.Device) error {
	return dialProbe(ctx, device.Host, portOrDefault(device.Port, sshDefaultPort))
}

// Mount mounts user@host:path via sshfs. The password is fed through
// stdin, never through argv.
func (d *SSHDriver) Mount(ctx context.Context, device *model.Device, share *model.Share) (string, error) {
	key := fmt.Sprintf("%s:%s", device.Host, share.Path)

	return d.mounts.acquire(key, func() (string, func(), error) {
		mountPoint := filepath.Join(d.mountDir, device.Name, share.Name)
		if err := os.MkdirAll(mountPoint, 0o755); err != nil {
			return "", nil, fmt.Errorf("%w: failed to create mount point: %v", errdefs.ErrMountFailed, err)
		}

		password, err := d.store.Decrypt(device.PasswordEnc)
		if err != nil {
			os.Remove(mountPoint)
			return "", nil, fmt.Errorf("%w: failed to decrypt credentials: %v", errdefs.ErrMountFailed, err)
		}

		remote := fmt.Sprintf("%s@%s:%s", device.Username, device.Host, share.Path)
		args := []string{
			remote, mountPoint,
			"-o", "password_stdin,ro,StrictHostKeyChecking=accept-new",
			"-p", fmt.Sprintf("%d", portOrDefault(device.Port, sshDefaultPort)),
		}

		out, err := d.run(ctx, password+"\n", "sshfs", args...)
		if err != nil {
			os.Remove(mountPoint)
			return "", nil, fmt.Errorf("%w: sshfs: %v: %s", errdefs.ErrMountFailed, err, strings.TrimSpace(string(out)))
		}

		d.log.V(1).Info("mounted SSH share", "remote", remote, "mount_point", mountPoint)
		return mountPoint, func() { os.Remove(mountPoint) }, nil
	})
}

// Unmount releases one reference; the FUSE mount goes away with the
// last one.
func (d *SSHDriver) Unmount(ctx context.Context, mountPath string) error {
	return d.mounts.release(mountPath, d.fusermount(ctx))
}

// Wake emits a magic packet for the device.
func (d *SSHDriver) Wake(_ context.Context, device *model.Device) error {
	return SendMagicPacket(device.MACAddress)
}

// UnmountAll tears down every SSH mount. Service stop only.
func (d *SSHDriver) UnmountAll(ctx context.Context) error {
	return d.mounts.releaseAll(d.fusermount(ctx))
}

func (d *SSHDriver) fusermount(ctx context.Context) func(string) error {
	return func(path string) error {
		out, err := d.run(ctx, "", "fusermount", "-u", path)
		if err != nil {
			return fmt.Errorf("fusermount -u %s: %w: %s", path, err, strings.TrimSpace(string(out)))
		}
		return nil
	}
}
