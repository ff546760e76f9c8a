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

// Package model holds the domain records shared by the configuration
// store, scheduler, orchestrator and job registry. Records are joined
// by id, never by object reference.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Protocol identifies the transport used to reach a device's shares.
type Protocol string

const (
	ProtocolSMB   Protocol = "smb"
	ProtocolSSH   Protocol = "ssh"
	ProtocolRsync Protocol = "rsync"
)

// Device is a networked machine (NAS, workstation, server) owning shares.
type Device struct {
	ID       uuid.UUID `yaml:"id" json:"id"`
	Name     string    `yaml:"name" json:"name"`
	Protocol Protocol  `yaml:"protocol" json:"protocol"`
	Host     string    `yaml:"host" json:"host"`
	Port     int       `yaml:"port,omitempty" json:"port,omitempty"`
	Username string    `yaml:"username,omitempty" json:"username,omitempty"`

	// PasswordEnc is the device password encrypted with the service
	// master key. Never stored or logged in the clear.
	PasswordEnc string `yaml:"password_enc,omitempty" json:"-"`

	WakeOnLANEnabled bool   `yaml:"wake_on_lan_enabled,omitempty" json:"wake_on_lan_enabled,omitempty"`
	MACAddress       string `yaml:"mac_address,omitempty" json:"mac_address,omitempty"`

	Schedule  *Schedule            `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Retention *RetentionPolicy     `yaml:"retention,omitempty" json:"retention,omitempty"`
	Rules     *IncludeExcludeRules `yaml:"rules,omitempty" json:"rules,omitempty"`

	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
}

// Share is a named remote directory on a device, backed up as a unit.
type Share struct {
	ID       uuid.UUID `yaml:"id" json:"id"`
	DeviceID uuid.UUID `yaml:"device_id" json:"device_id"`
	Name     string    `yaml:"name" json:"name"`
	Path     string    `yaml:"path" json:"path"`
	Enabled  bool      `yaml:"enabled" json:"enabled"`

	Schedule  *Schedule            `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Retention *RetentionPolicy     `yaml:"retention,omitempty" json:"retention,omitempty"`
	Rules     *IncludeExcludeRules `yaml:"rules,omitempty" json:"rules,omitempty"`

	// RepositoryPasswordEnc, when set, is used verbatim (decrypted) as
	// the repository password. Otherwise a key is derived from the
	// device password and KeySalt.
	RepositoryPasswordEnc string `yaml:"repository_password_enc,omitempty" json:"-"`

	// KeySalt is a base64-encoded 32-byte salt for repository key
	// derivation. Created on first use and persisted with the share.
	KeySalt string `yaml:"key_salt,omitempty" json:"-"`

	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
}

// Schedule is a cron expression (with seconds field) plus an optional
// local-clock time window outside of which fires are suppressed.
type Schedule struct {
	Cron string `yaml:"cron" json:"cron"`

	// WindowStart and WindowEnd are "HH:MM" on the local clock. Both
	// empty means no window.
	WindowStart string `yaml:"window_start,omitempty" json:"window_start,omitempty"`
	WindowEnd   string `yaml:"window_end,omitempty" json:"window_end,omitempty"`
}

// RetentionPolicy defines snapshot retention rules. Applied by the
// engine's forget operation; the core only persists the tuple.
type RetentionPolicy struct {
	KeepLatest  int `yaml:"keep_latest,omitempty" json:"keep_latest,omitempty"`
	KeepDaily   int `yaml:"keep_daily,omitempty" json:"keep_daily,omitempty"`
	KeepWeekly  int `yaml:"keep_weekly,omitempty" json:"keep_weekly,omitempty"`
	KeepMonthly int `yaml:"keep_monthly,omitempty" json:"keep_monthly,omitempty"`
	KeepYearly  int `yaml:"keep_yearly,omitempty" json:"keep_yearly,omitempty"`
}

// IsZero reports whether no keep rule is set.
func (r *RetentionPolicy) IsZero() bool {
	return r == nil || (r.KeepLatest == 0 && r.KeepDaily == 0 && r.KeepWeekly == 0 &&
		r.KeepMonthly == 0 && r.KeepYearly == 0)
}

// IncludeExcludeRules are ordered filter lists forwarded to the engine.
type IncludeExcludeRules struct {
	ExcludePatterns  []string `yaml:"exclude_patterns,omitempty" json:"exclude_patterns,omitempty"`
	ExcludeRegex     []string `yaml:"exclude_regex,omitempty" json:"exclude_regex,omitempty"`
	IncludeOnlyRegex []string `yaml:"include_only_regex,omitempty" json:"include_only_regex,omitempty"`

	// ExcludeIfPresent lists filenames whose presence skips the
	// containing directory.
	ExcludeIfPresent []string `yaml:"exclude_if_present,omitempty" json:"exclude_if_present,omitempty"`
}

// EffectiveRules resolves the rules for a run: share rules win over
// device rules; absent both yields empty rules.
func EffectiveRules(share *Share, device *Device) IncludeExcludeRules {
	if share != nil && share.Rules != nil {
		return *share.Rules
	}
	if device != nil && device.Rules != nil {
		return *device.Rules
	}
	return IncludeExcludeRules{}
}

// EffectiveRetention resolves the retention policy for a run: share
// policy wins over device policy. Returns nil when neither is set.
func EffectiveRetention(share *Share, device *Device) *RetentionPolicy {
	if share != nil && !share.Retention.IsZero() {
		return share.Retention
	}
	if device != nil && !device.Retention.IsZero() {
		return device.Retention
	}
	return nil
}
