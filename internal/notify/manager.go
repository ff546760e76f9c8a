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

// Package notify fans backup outcomes out to the configured
// notification backends (ntfy, Prometheus Pushgateway). Notification
// failures are logged and never affect job status.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/fleetback/fleetback/internal/config"
)

// EventType classifies a notification event.
type EventType string

const (
	EventTypeSuccess EventType = "success"
	EventTypeFailure EventType = "failure"
	EventTypeWarning EventType = "warning"
)

// Event is one backup outcome to be delivered to the backends.
type Event struct {
	Type       EventType
	DeviceName string
	ShareName  string
	Message    string
	Timestamp  time.Time
	Duration   time.Duration
	SnapshotID string
	Bytes      uint64
	Files      int64
}

// target returns the human-readable backup target for titles and
// metric groupings.
func (e Event) target() string {
	if e.ShareName == "" {
		return e.DeviceName
	}
	return fmt.Sprintf("%s/%s", e.DeviceName, e.ShareName)
}

// Manager coordinates delivery to all configured backends.
type Manager struct {
	log         logr.Logger
	settings    config.NotificationSettings
	ntfy        *NtfyNotifier
	pushgateway *PushgatewayNotifier
}

// NewManager creates a manager for the given settings. Backends with
// no URL configured are skipped at delivery time.
func NewManager(settings config.NotificationSettings, log logr.Logger) *Manager {
	return &Manager{
		log:         log,
		settings:    settings,
		ntfy:        NewNtfyNotifier(log),
		pushgateway: NewPushgatewayNotifier(log),
	}
}

// Notify delivers the event to every configured backend. Errors are
// aggregated; a failing backend never blocks another.
func (m *Manager) Notify(ctx context.Context, event Event) error {
	var errs []error

	if m.settings.PushgatewayURL != "" {
		if err := m.pushgateway.Notify(ctx, m.settings, event); err != nil {
			m.log.Error(err, "failed to push metrics to pushgateway")
			errs = append(errs, fmt.Errorf("pushgateway: %w", err))
		}
	}

	if m.settings.NtfyServerURL != "" {
		if !m.settings.NtfyOnlyOnFailure || event.Type == EventTypeFailure {
			if err := m.ntfy.Notify(ctx, m.settings, event); err != nil {
				m.log.Error(err, "failed to send ntfy notification")
				errs = append(errs, fmt.Errorf("ntfy: %w", err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %v", errs)
	}
	return nil
}

// NotifyBackupSuccess reports a completed backup.
func (m *Manager) NotifyBackupSuccess(ctx context.Context, deviceName, shareName, snapshotID string, bytes uint64, files int64, duration time.Duration) error {
	return m.Notify(ctx, Event{
		Type:       EventTypeSuccess,
		DeviceName: deviceName,
		ShareName:  shareName,
		Message:    fmt.Sprintf("Backup completed successfully: %s", snapshotID),
		Timestamp:  time.Now(),
		Duration:   duration,
		SnapshotID: snapshotID,
		Bytes:      bytes,
		Files:      files,
	})
}

// NotifyBackupFailure reports a failed or partially completed backup.
func (m *Manager) NotifyBackupFailure(ctx context.Context, deviceName, shareName, errorMsg string, duration time.Duration) error {
	return m.Notify(ctx, Event{
		Type:       EventTypeFailure,
		DeviceName: deviceName,
		ShareName:  shareName,
		Message:    fmt.Sprintf("Backup failed: %s", errorMsg),
		Timestamp:  time.Now(),
		Duration:   duration,
	})
}

// NotifyRestoreSuccess reports a completed restore.
func (m *Manager) NotifyRestoreSuccess(ctx context.Context, deviceName, shareName, snapshotID string, duration time.Duration) error {
	return m.Notify(ctx, Event{
		Type:       EventTypeSuccess,
		DeviceName: deviceName,
		ShareName:  shareName,
		Message:    fmt.Sprintf("Restore completed successfully from snapshot: %s", snapshotID),
		Timestamp:  time.Now(),
		Duration:   duration,
		SnapshotID: snapshotID,
	})
}

// NotifyRestoreFailure reports a failed restore.
func (m *Manager) NotifyRestoreFailure(ctx context.Context, deviceName, shareName, errorMsg string, duration time.Duration) error {
	return m.Notify(ctx, Event{
		Type:       EventTypeFailure,
		DeviceName: deviceName,
		ShareName:  shareName,
		Message:    fmt.Sprintf("Restore failed: %s", errorMsg),
		Timestamp:  time.Now(),
		Duration:   duration,
	})
}
