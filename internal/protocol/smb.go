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
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/fleetback/fleetback/internal/errdefs"
	"github.com/fleetback/fleetback/internal/model"
	"github.com/fleetback/fleetback/internal/secrets"
)

const (
	smbDefaultPort = 445

	connectTimeout = 10 * time.Second
)

// runCommand executes a command with optional stdin and returns its
// combined output. Swapped in tests.
type runCommand func(ctx context.Context, stdin string, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, stdin string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	return cmd.CombinedOutput()
}

// SMBDriver mounts CIFS/SMB shares via mount.cifs.
type SMBDriver struct {
	mountDir string
	store    *secrets.Store
	mounts   *mountTable
	run      runCommand
	log      logr.Logger
}

// NewSMBDriver creates the SMB driver. The mount table lives for the
// process; tear it down with UnmountAll at service stop.
func NewSMBDriver(mountDir string, store *secrets.Store, log logr.Logger) *SMBDriver {
	return &SMBDriver{
		mountDir: mountDir,
		store:    store,
		mounts:   newMountTable(),
		run:      execRunner,
		log:      log,
	}
}

func (d *SMBDriver) Name() string       { return string(model.ProtocolSMB) }
func (d *SMBDriver) SupportsWOL() bool  { return true }
func (d *SMBDriver) RequiresAuth() bool { return true }

// TestConnection probes the SMB TCP port.
func (d *SMBDriver) TestConnection(ctx context.Context, device *model.Device) error {
	return dialProbe(ctx, device.Host, portOrDefault(device.Port, smbDefaultPort))
}

// Mount mounts //host/share at a stable path under the mount dir.
func (d *SMBDriver) Mount(ctx context.Context, device *model.Device, share *model.Share) (string, error) {
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

		credsFile, err := writeCredentialsFile(mountPoint+".creds", device.Username, password)
		if err != nil {
			os.Remove(mountPoint)
			return "", nil, fmt.Errorf("%w: %v", errdefs.ErrMountFailed, err)
		}

		unc := fmt.Sprintf("//%s%s", device.Host, ensureLeadingSlash(share.Path))
		opts := fmt.Sprintf("credentials=%s,port=%d,ro", credsFile, portOrDefault(device.Port, smbDefaultPort))

		out, err := d.run(ctx, "", "mount", "-t", "cifs", unc, mountPoint, "-o", opts)
		if err != nil {
			os.Remove(credsFile)
			os.Remove(mountPoint)
			return "", nil, fmt.Errorf("%w: mount.cifs: %v: %s", errdefs.ErrMountFailed, err, strings.TrimSpace(string(out)))
		}

		d.log.V(1).Info("mounted SMB share", "unc", unc, "mount_point", mountPoint)
		cleanup := func() {
			os.Remove(credsFile)
			os.Remove(mountPoint)
		}
		return mountPoint, cleanup, nil
	})
}

// Unmount releases one reference; the kernel mount goes away with the
// last one.
func (d *SMBDriver) Unmount(ctx context.Context, mountPath string) error {
	return d.mounts.release(mountPath, func(path string) error {
		out, err := d.run(ctx, "", "umount", path)
		if err != nil {
			return fmt.Errorf("umount %s: %w: %s", path, err, strings.TrimSpace(string(out)))
		}
		return nil
	})
}

// Wake emits a magic packet for the device.
func (d *SMBDriver) Wake(_ context.Context, device *model.Device) error {
	return SendMagicPacket(device.MACAddress)
}

// UnmountAll tears down every SMB mount. Service stop only.
func (d *SMBDriver) UnmountAll(ctx context.Context) error {
	return d.mounts.releaseAll(func(path string) error {
		out, err := d.run(ctx, "", "umount", path)
		if err != nil {
			return fmt.Errorf("umount %s: %w: %s", path, err, strings.TrimSpace(string(out)))
		}
		return nil
	})
}

// mountCount is used by tests and the storage-exhausted leak check.
func (d *SMBDriver) mountCount() int { return d.mounts.size() }

func writeCredentialsFile(path, username, password string) (string, error) {
	content := fmt.Sprintf("username=%s\npassword=%s\n", username, password)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("failed to write credentials file: %w", err)
	}
	return path, nil
}

func ensureLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

func portOrDefault(port, def int) int {
	if port > 0 {
		return port
	}
	return def
}

func dialProbe(ctx context.Context, host string, port int) error {
	d := net.Dialer{Timeout: connectTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to reach %s:%d: %w", host, port, err)
	}
	return conn.Close()
}
