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
	"fmt"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/fleetback/fleetback/internal/config"
)

// PushgatewayNotifier pushes per-backup outcome metrics to a
// Prometheus Pushgateway.
type PushgatewayNotifier struct {
	log logr.Logger
}

// NewPushgatewayNotifier creates a new Pushgateway notifier.
func NewPushgatewayNotifier(log logr.Logger) *PushgatewayNotifier {
	return &PushgatewayNotifier{log: log}
}

// Notify pushes the metrics for one backup outcome.
func (p *PushgatewayNotifier) Notify(ctx context.Context, settings config.NotificationSettings, event Event) error {
	jobName := settings.PushgatewayJobName
	if jobName == "" {
		jobName = "fleetback"
	}

	registry := prometheus.NewRegistry()

	durationGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "backup_duration_seconds",
		Help: "Duration of the backup operation in seconds",
	})
	durationGauge.Set(event.Duration.Seconds())
	registry.MustRegister(durationGauge)

	timestampGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "backup_start_timestamp",
		Help: "Unix timestamp when the backup started",
	})
	timestampGauge.Set(float64(event.Timestamp.Unix()))
	registry.MustRegister(timestampGauge)

	statusGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "backup_status",
		Help: "Status of the backup (1 = success, 0 = failure)",
	})
	if event.Type == EventTypeSuccess {
		statusGauge.Set(1)
	} else {
		statusGauge.Set(0)
	}
	registry.MustRegister(statusGauge)

	if event.Files > 0 {
		filesGauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backup_snapshot_files_total",
			Help: "Number of files in the backup snapshot",
		})
		filesGauge.Set(float64(event.Files))
		registry.MustRegister(filesGauge)
	}

	if event.Bytes > 0 {
		bytesGauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backup_snapshot_bytes_total",
			Help: "Number of bytes processed by the backup",
		})
		bytesGauge.Set(float64(event.Bytes))
		registry.MustRegister(bytesGauge)
	}

	pusher := push.New(settings.PushgatewayURL, jobName).
		Grouping("target", event.target()).
		Gatherer(registry)

	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to Pushgateway: %w", err)
	}

	p.log.V(1).Info("pushed metrics to pushgateway",
		"url", settings.PushgatewayURL,
		"job", jobName,
		"target", event.target(),
		"status", event.Type)
	return nil
}
