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

// Package configstore persists the declarative device/share
// configuration as YAML records under a single directory tree:
//
//	devices/{device_name}.yaml
//	shares/{device_name}/{share_name}.yaml
//
// Reads take a read lock, writes a write lock; every mutation is a
// single atomic commit (temp file + rename) recorded in the commit
// journal with its message.
package configstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/fleetback/fleetback/internal/errdefs"
	"github.com/fleetback/fleetback/internal/model"
)

const (
	devicesDir = "devices"
	sharesDir  = "shares"
	commitLog  = "commits.log"
)

// reservedNames are path components that must never become file names.
var reservedNames = map[string]struct{}{
	"con": {}, "prn": {}, "aux": {}, "nul": {},
	".": {}, "..": {},
}

// Store is the typed key/value store over the config directory.
type Store struct {
	root string
	mu   sync.RWMutex
	log  logr.Logger
}

// NewStore opens (creating if needed) a config store rooted at dir.
func NewStore(dir string, log logr.Logger) (*Store, error) {
	for _, sub := range []string{devicesDir, sharesDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", sub, err)
		}
	}
	return &Store{root: dir, log: log}, nil
}

// ValidateName rejects path components that could escape the store or
// collide with reserved file names.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", errdefs.ErrInvalidName)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: %q contains a path separator or NUL", errdefs.ErrInvalidName, name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q contains '..'", errdefs.ErrInvalidName, name)
	}
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return fmt.Errorf("%w: %q has a leading or trailing dot", errdefs.ErrInvalidName, name)
	}
	if _, reserved := reservedNames[strings.ToLower(name)]; reserved {
		return fmt.Errorf("%w: %q is reserved", errdefs.ErrInvalidName, name)
	}
	return nil
}

// SaveDevice writes a device record in one commit.
func (s *Store) SaveDevice(device *model.Device, message string) error {
	if err := ValidateName(device.Name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	device.UpdatedAt = time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = device.UpdatedAt
	}

	path := filepath.Join(s.root, devicesDir, device.Name+".yaml")
	if err := s.writeYAML(path, device); err != nil {
		return fmt.Errorf("failed to save device %s: %w", device.Name, err)
	}
	s.commit(message)
	return nil
}

// GetDevice loads a device by name.
func (s *Store) GetDevice(name string) (*model.Device, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readDevice(name)
}

// GetDeviceByID loads a device by id.
func (s *Store) GetDeviceByID(id uuid.UUID) (*model.Device, error) {
	devices, err := s.ListDevices()
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].ID == id {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", errdefs.ErrDeviceNotFound, id)
}

// ListDevices returns all device records, sorted by file name.
func (s *Store) ListDevices() ([]model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.root, devicesDir))
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	var devices []model.Device
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		d, err := s.readDevice(strings.TrimSuffix(e.Name(), ".yaml"))
		if err != nil {
			s.log.Error(err, "skipping unreadable device record", "file", e.Name())
			continue
		}
		devices = append(devices, *d)
	}
	return devices, nil
}

// DeleteDevice removes a device and cascades to its shares.
func (s *Store) DeleteDevice(name, message string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.root, devicesDir, name+".yaml")
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", errdefs.ErrDeviceNotFound, name)
		}
		return fmt.Errorf("failed to delete device %s: %w", name, err)
	}
	if err := os.RemoveAll(filepath.Join(s.root, sharesDir, name)); err != nil {
		return fmt.Errorf("failed to delete shares of %s: %w", name, err)
	}
	s.commit(message)
	return nil
}

// SaveShare writes a share record under its device in one commit.
func (s *Store) SaveShare(deviceName string, share *model.Share, message string) error {
	if err := ValidateName(deviceName); err != nil {
		return err
	}
	if err := ValidateName(share.Name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	share.UpdatedAt = time.Now().UTC()
	if share.CreatedAt.IsZero() {
		share.CreatedAt = share.UpdatedAt
	}

	dir := filepath.Join(s.root, sharesDir, deviceName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create share dir: %w", err)
	}
	if err := s.writeYAML(filepath.Join(dir, share.Name+".yaml"), share); err != nil {
		return fmt.Errorf("failed to save share %s/%s: %w", deviceName, share.Name, err)
	}
	s.commit(message)
	return nil
}

// GetShare loads a share by device and share name.
func (s *Store) GetShare(deviceName, shareName string) (*model.Share, error) {
	if err := ValidateName(deviceName); err != nil {
		return nil, err
	}
	if err := ValidateName(shareName); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readShare(deviceName, shareName)
}

// GetShareByID loads a share of the given device by id.
func (s *Store) GetShareByID(deviceName string, id uuid.UUID) (*model.Share, error) {
	shares, err := s.ListShares(deviceName)
	if err != nil {
		return nil, err
	}
	for i := range shares {
		if shares[i].ID == id {
			return &shares[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", errdefs.ErrShareNotFound, id)
}

// ListShares returns all shares of a device.
func (s *Store) ListShares(deviceName string) ([]model.Share, error) {
	if err := ValidateName(deviceName); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.root, sharesDir, deviceName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list shares of %s: %w", deviceName, err)
	}

	var shares []model.Share
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		sh, err := s.readShare(deviceName, strings.TrimSuffix(e.Name(), ".yaml"))
		if err != nil {
			s.log.Error(err, "skipping unreadable share record", "device", deviceName, "file", e.Name())
			continue
		}
		shares = append(shares, *sh)
	}
	return shares, nil
}

// DeleteShare removes a share record.
func (s *Store) DeleteShare(deviceName, shareName, message string) error {
	if err := ValidateName(deviceName); err != nil {
		return err
	}
	if err := ValidateName(shareName); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.root, sharesDir, deviceName, shareName+".yaml")
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s/%s", errdefs.ErrShareNotFound, deviceName, shareName)
		}
		return fmt.Errorf("failed to delete share %s/%s: %w", deviceName, shareName, err)
	}
	s.commit(message)
	return nil
}

func (s *Store) readDevice(name string) (*model.Device, error) {
	var d model.Device
	if err := s.readYAML(filepath.Join(s.root, devicesDir, name+".yaml"), &d); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errdefs.ErrDeviceNotFound, name)
		}
		return nil, err
	}
	return &d, nil
}

func (s *Store) readShare(deviceName, shareName string) (*model.Share, error) {
	var sh model.Share
	if err := s.readYAML(filepath.Join(s.root, sharesDir, deviceName, shareName+".yaml"), &sh); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", errdefs.ErrShareNotFound, deviceName, shareName)
		}
		return nil, err
	}
	return &sh, nil
}

func (s *Store) writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit %s: %w", path, err)
	}
	return nil
}

func (s *Store) readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// commit appends one journal line per mutation. Journal failures are
// logged, not propagated: the record write already succeeded.
func (s *Store) commit(message string) {
	line := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339Nano), message)
	f, err := os.OpenFile(filepath.Join(s.root, commitLog), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		s.log.Error(err, "failed to open commit journal")
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		s.log.Error(err, "failed to append commit journal")
	}
}
