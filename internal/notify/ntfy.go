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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/fleetback/fleetback/internal/config"
)

// NtfyNotifier sends notifications via ntfy.
type NtfyNotifier struct {
	log        logr.Logger
	httpClient *http.Client
}

// NewNtfyNotifier creates a new ntfy notifier.
func NewNtfyNotifier(log logr.Logger) *NtfyNotifier {
	return &NtfyNotifier{
		log: log,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type ntfyMessage struct {
	Topic    string   `json:"topic"`
	Message  string   `json:"message"`
	Title    string   `json:"title,omitempty"`
	Priority int      `json:"priority,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// Notify sends a notification via ntfy.
func (n *NtfyNotifier) Notify(ctx context.Context, settings config.NotificationSettings, event Event) error {
	title := fmt.Sprintf("%s - Backup", event.target())
	switch event.Type {
	case EventTypeSuccess:
		title += " Succeeded"
	case EventTypeFailure:
		title += " Failed"
	case EventTypeWarning:
		title += " Warning"
	}

	tags := settings.NtfyTags
	if len(tags) == 0 {
		switch event.Type {
		case EventTypeSuccess:
			tags = []string{"white_check_mark"}
		case EventTypeFailure:
			tags = []string{"x"}
		case EventTypeWarning:
			tags = []string{"warning"}
		}
	}

	var msgBuilder strings.Builder
	msgBuilder.WriteString(event.Message)
	if event.Duration > 0 {
		msgBuilder.WriteString(fmt.Sprintf("\nDuration: %s", event.Duration.Round(time.Second)))
	}
	if event.Bytes > 0 {
		msgBuilder.WriteString(fmt.Sprintf("\nBytes: %d", event.Bytes))
	}
	if event.Files > 0 {
		msgBuilder.WriteString(fmt.Sprintf("\nFiles: %d", event.Files))
	}

	priority := settings.NtfyPriority
	if priority == 0 {
		switch event.Type {
		case EventTypeSuccess:
			priority = 3
		case EventTypeFailure:
			priority = 5
		case EventTypeWarning:
			priority = 4
		}
	}

	msg := ntfyMessage{
		Topic:    settings.NtfyTopic,
		Title:    title,
		Message:  msgBuilder.String(),
		Priority: priority,
		Tags:     tags,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal ntfy message: %w", err)
	}

	url := strings.TrimSuffix(settings.NtfyServerURL, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create ntfy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if settings.NtfyAuthHeader != "" {
		req.Header.Set("Authorization", settings.NtfyAuthHeader)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned status code %d", resp.StatusCode)
	}

	n.log.V(1).Info("sent ntfy notification", "topic", settings.NtfyTopic, "type", event.Type)
	return nil
}
