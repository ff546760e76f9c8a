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

// Package protocol provides transport polymorphism over SMB, SSH and
// rsync. Drivers are registered at startup in a process-wide registry
// keyed by the protocol tag; new protocols are added by registration.
package protocol

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/fleetback/fleetback/internal/model"
	"github.com/fleetback/fleetback/internal/secrets"
)

// Driver is the capability surface every transport must implement.
type Driver interface {
	// Name returns the protocol tag.
	Name() string

	// SupportsWOL reports whether devices on this transport can be
	// woken with a magic packet.
	SupportsWOL() bool

	// RequiresAuth reports whether Mount needs device credentials.
	RequiresAuth() bool

	// TestConnection probes reachability of the device.
	TestConnection(ctx context.Context, device *model.Device) error

	// Mount makes the share readable at a stable local path. Concurrent
	// mounts of the same (host, share) are reference-counted and share
	// one kernel mount.
	Mount(ctx context.Context, device *model.Device, share *model.Share) (string, error)

	// Unmount releases one reference; the kernel mount is torn down
	// when the last user releases it.
	Unmount(ctx context.Context, mountPath string) error

	// Wake emits a Wake-on-LAN magic packet for the device.
	Wake(ctx context.Context, device *model.Device) error
}

// unmountAller is implemented by drivers that hold a mount table and
// can tear everything down at service stop.
type unmountAller interface {
	UnmountAll(ctx context.Context) error
}

// Registry maps protocol tags to drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[model.Protocol]Driver
	log     logr.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log logr.Logger) *Registry {
	return &Registry{
		drivers: make(map[model.Protocol]Driver),
		log:     log,
	}
}

// NewDefaultRegistry creates a registry with the SMB, SSH and rsync
// drivers installed. mountDir is where drivers create mount points;
// store decrypts device credentials.
func NewDefaultRegistry(mountDir string, store *secrets.Store, log logr.Logger) *Registry {
	r := NewRegistry(log)
	r.Register(model.ProtocolSMB, NewSMBDriver(mountDir, store, log))
	r.Register(model.ProtocolSSH, NewSSHDriver(mountDir, store, log))
	r.Register(model.ProtocolRsync, NewRsyncDriver(mountDir, log))
	return r
}

// Register installs a driver for a protocol tag, replacing any
// previous registration.
func (r *Registry) Register(p model.Protocol, d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[p] = d
}

// Get resolves the driver for a protocol tag.
func (r *Registry) Get(p model.Protocol) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[p]
	if !ok {
		return nil, fmt.Errorf("no driver registered for protocol %q", p)
	}
	return d, nil
}

// UnmountAll tears down every mount held by every driver. Called at
// service stop.
func (r *Registry) UnmountAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for tag, d := range r.drivers {
		if ua, ok := d.(unmountAller); ok {
			if err := ua.UnmountAll(ctx); err != nil {
				r.log.Error(err, "failed to unmount all", "protocol", tag)
			}
		}
	}
}
