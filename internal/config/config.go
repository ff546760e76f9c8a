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

// Package config binds service settings through viper with defaults for
// every recognized option.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Settings is the full runtime configuration of the service.
type Settings struct {
	// ConfigDir is the root of the declarative device/share store.
	ConfigDir string `mapstructure:"config_dir"`

	// StateDir holds the job log and execution log files.
	StateDir string `mapstructure:"state_dir"`

	// MountDir is where protocol drivers create mount points.
	MountDir string `mapstructure:"mount_dir"`

	RepositoryBasePath string `mapstructure:"repository_base_path"`
	EngineBinaryPath   string `mapstructure:"engine_binary_path"`
	RestoreRoot        string `mapstructure:"restore_root"`

	StorageWarningPercent   float64 `mapstructure:"storage_warning_percent"`
	StorageCriticalPercent  float64 `mapstructure:"storage_critical_percent"`
	StorageExhaustedPercent float64 `mapstructure:"storage_exhausted_percent"`
	MinFreeBytes            uint64  `mapstructure:"min_free_bytes"`

	CompletedJobTTL             time.Duration `mapstructure:"completed_job_ttl"`
	ProgressBroadcastIntervalMS int           `mapstructure:"progress_broadcast_interval_ms"`
	ProgressPercentThreshold    float64       `mapstructure:"progress_percent_threshold"`

	WakeWaitSeconds  int `mapstructure:"wake_wait_seconds"`
	PBKDF2Iterations int `mapstructure:"pbkdf2_iterations"`

	// MasterKey is the base64-encoded 32-byte key used to encrypt
	// credentials at rest. Required for serve.
	MasterKey string `mapstructure:"master_key"`

	// MetricsAddr exposes a Prometheus scrape endpoint when non-empty,
	// e.g. ":9090". Empty disables the listener.
	MetricsAddr string `mapstructure:"metrics_addr"`

	Notifications NotificationSettings `mapstructure:"notifications"`
}

// NotificationSettings configures the optional notification backends.
type NotificationSettings struct {
	NtfyServerURL     string   `mapstructure:"ntfy_server_url"`
	NtfyTopic         string   `mapstructure:"ntfy_topic"`
	NtfyAuthHeader    string   `mapstructure:"ntfy_auth_header"`
	NtfyOnlyOnFailure bool     `mapstructure:"ntfy_only_on_failure"`
	NtfyPriority      int      `mapstructure:"ntfy_priority"`
	NtfyTags          []string `mapstructure:"ntfy_tags"`

	PushgatewayURL     string `mapstructure:"pushgateway_url"`
	PushgatewayJobName string `mapstructure:"pushgateway_job_name"`
}

// ProgressBroadcastInterval returns the throttle interval as a Duration.
func (s *Settings) ProgressBroadcastInterval() time.Duration {
	return time.Duration(s.ProgressBroadcastIntervalMS) * time.Millisecond
}

// WakeWait returns the post-wake sleep as a Duration.
func (s *Settings) WakeWait() time.Duration {
	return time.Duration(s.WakeWaitSeconds) * time.Second
}

// SetDefaults installs the default for every recognized option.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("config_dir", "./config")
	v.SetDefault("state_dir", "./state")
	v.SetDefault("mount_dir", "./mounts")
	v.SetDefault("repository_base_path", "./repositories")
	v.SetDefault("engine_binary_path", "restic")
	v.SetDefault("restore_root", "./restores")
	v.SetDefault("storage_warning_percent", 80.0)
	v.SetDefault("storage_critical_percent", 90.0)
	v.SetDefault("storage_exhausted_percent", 95.0)
	v.SetDefault("min_free_bytes", uint64(1<<30))
	v.SetDefault("completed_job_ttl", time.Hour)
	v.SetDefault("progress_broadcast_interval_ms", 500)
	v.SetDefault("progress_percent_threshold", 1.0)
	v.SetDefault("wake_wait_seconds", 30)
	v.SetDefault("pbkdf2_iterations", 150000)
	v.SetDefault("metrics_addr", "")
}

// Load unmarshals settings from the given viper instance and validates
// the threshold ordering.
func Load(v *viper.Viper) (*Settings, error) {
	SetDefaults(v)

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	if s.StorageWarningPercent > s.StorageCriticalPercent ||
		s.StorageCriticalPercent > s.StorageExhaustedPercent {
		return nil, fmt.Errorf("storage thresholds must be ordered: warning (%.0f) <= critical (%.0f) <= exhausted (%.0f)",
			s.StorageWarningPercent, s.StorageCriticalPercent, s.StorageExhaustedPercent)
	}
	if s.PBKDF2Iterations <= 0 {
		return nil, fmt.Errorf("pbkdf2_iterations must be positive, got %d", s.PBKDF2Iterations)
	}

	return &s, nil
}
