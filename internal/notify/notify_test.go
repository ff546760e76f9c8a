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

package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/fleetback/fleetback/internal/config"
)

func TestManagerNotifyNoBackends(t *testing.T) {
	manager := NewManager(config.NotificationSettings{}, logr.Discard())

	err := manager.Notify(context.Background(), Event{
		Type:       EventTypeSuccess,
		DeviceName: "nas1",
		ShareName:  "media",
		Message:    "Test",
	})
	if err != nil {
		t.Errorf("expected no error with empty settings, got: %v", err)
	}
}

func TestNtfyNotifier_Notify(t *testing.T) {
	tests := []struct {
		name           string
		event          Event
		settings       config.NotificationSettings
		serverStatus   int
		expectedTitle  string
		expectedTags   []string
		expectPriority int
		expectError    bool
	}{
		{
			name: "success event with defaults",
			event: Event{
				Type:       EventTypeSuccess,
				DeviceName: "nas1",
				ShareName:  "media",
				Message:    "Backup completed",
				Timestamp:  time.Now(),
				Duration:   5 * time.Minute,
				SnapshotID: "abc123",
				Bytes:      1 << 20,
				Files:      1000,
			},
			serverStatus:   http.StatusOK,
			expectedTitle:  "nas1/media - Backup Succeeded",
			expectedTags:   []string{"white_check_mark"},
			expectPriority: 3,
		},
		{
			name: "failure event with defaults",
			event: Event{
				Type:       EventTypeFailure,
				DeviceName: "nas1",
				ShareName:  "media",
				Message:    "Backup failed: connection timeout",
				Timestamp:  time.Now(),
				Duration:   time.Minute,
			},
			serverStatus:   http.StatusOK,
			expectedTitle:  "nas1/media - Backup Failed",
			expectedTags:   []string{"x"},
			expectPriority: 5,
		},
		{
			name: "device-level event without share",
			event: Event{
				Type:       EventTypeWarning,
				DeviceName: "workstation",
				Message:    "Backup completed with warnings",
				Timestamp:  time.Now(),
			},
			serverStatus:   http.StatusOK,
			expectedTitle:  "workstation - Backup Warning",
			expectedTags:   []string{"warning"},
			expectPriority: 4,
		},
		{
			name: "custom tags and priority",
			event: Event{
				Type:       EventTypeSuccess,
				DeviceName: "nas1",
				ShareName:  "docs",
				Message:    "Backup completed",
				Timestamp:  time.Now(),
			},
			settings: config.NotificationSettings{
				NtfyTags:     []string{"floppy_disk"},
				NtfyPriority: 2,
			},
			serverStatus:   http.StatusOK,
			expectedTitle:  "nas1/docs - Backup Succeeded",
			expectedTags:   []string{"floppy_disk"},
			expectPriority: 2,
		},
		{
			name: "server error surfaces",
			event: Event{
				Type:       EventTypeSuccess,
				DeviceName: "nas1",
				ShareName:  "media",
				Message:    "Backup completed",
				Timestamp:  time.Now(),
			},
			serverStatus: http.StatusInternalServerError,
			expectError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var received ntfyMessage
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				_ = json.Unmarshal(body, &received)
				w.WriteHeader(tt.serverStatus)
			}))
			defer server.Close()

			settings := tt.settings
			settings.NtfyServerURL = server.URL
			settings.NtfyTopic = "backups"

			notifier := NewNtfyNotifier(logr.Discard())
			err := notifier.Notify(context.Background(), settings, tt.event)
			if (err != nil) != tt.expectError {
				t.Fatalf("Notify() error = %v, expectError %v", err, tt.expectError)
			}
			if tt.expectError {
				return
			}

			if received.Title != tt.expectedTitle {
				t.Errorf("title = %q, want %q", received.Title, tt.expectedTitle)
			}
			if received.Priority != tt.expectPriority {
				t.Errorf("priority = %d, want %d", received.Priority, tt.expectPriority)
			}
			if len(received.Tags) != len(tt.expectedTags) || received.Tags[0] != tt.expectedTags[0] {
				t.Errorf("tags = %v, want %v", received.Tags, tt.expectedTags)
			}
			if received.Topic != "backups" {
				t.Errorf("topic = %q", received.Topic)
			}
		})
	}
}

func TestNtfyNotifierAuthHeader(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewNtfyNotifier(logr.Discard())
	err := notifier.Notify(context.Background(), config.NotificationSettings{
		NtfyServerURL:  server.URL,
		NtfyTopic:      "backups",
		NtfyAuthHeader: "Bearer tok",
	}, Event{Type: EventTypeSuccess, DeviceName: "nas1", Message: "ok"})
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestNtfyOnlyOnFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	manager := NewManager(config.NotificationSettings{
		NtfyServerURL:     server.URL,
		NtfyTopic:         "backups",
		NtfyOnlyOnFailure: true,
	}, logr.Discard())

	if err := manager.NotifyBackupSuccess(context.Background(), "nas1", "media", "abc", 0, 0, time.Minute); err != nil {
		t.Fatalf("success notify error = %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("success event delivered despite only_on_failure")
	}

	if err := manager.NotifyBackupFailure(context.Background(), "nas1", "media", "boom", time.Minute); err != nil {
		t.Fatalf("failure notify error = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("failure event not delivered")
	}
}

func TestPushgatewayNotifier_Notify(t *testing.T) {
	var path string
	var body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewPushgatewayNotifier(logr.Discard())
	err := notifier.Notify(context.Background(), config.NotificationSettings{
		PushgatewayURL: server.URL,
	}, Event{
		Type:       EventTypeSuccess,
		DeviceName: "nas1",
		Timestamp:  time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC),
		Duration:   5 * time.Minute,
		Bytes:      2048,
		Files:      1000,
	})
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	// Default job name plus the target grouping appear in the path.
	if !strings.Contains(path, "/job/fleetback") {
		t.Errorf("path missing default job name: %s", path)
	}
	if !strings.Contains(path, "target/nas1") {
		t.Errorf("path missing target grouping: %s", path)
	}

	for _, metric := range []string{
		"backup_duration_seconds",
		"backup_start_timestamp",
		"backup_status",
		"backup_snapshot_files_total",
		"backup_snapshot_bytes_total",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("pushed body missing metric %s", metric)
		}
	}
}

func TestPushgatewayNotifierServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	notifier := NewPushgatewayNotifier(logr.Discard())
	err := notifier.Notify(context.Background(), config.NotificationSettings{
		PushgatewayURL: server.URL,
	}, Event{Type: EventTypeFailure, DeviceName: "nas1", Timestamp: time.Now()})
	if err == nil {
		t.Errorf("expected error on server failure")
	}
}
