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

// Package metrics exposes process-level Prometheus metrics for job
// outcomes and throughput.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetback/fleetback/internal/model"
)

// Collector aggregates job outcome metrics.
type Collector struct {
	registry *prometheus.Registry

	jobsTotal        *prometheus.CounterVec
	runningJobs      prometheus.Gauge
	bytesTransferred prometheus.Counter
	filesProcessed   prometheus.Counter
	jobDuration      prometheus.Histogram
}

// NewCollector creates a collector with its own registry, including
// the standard Go runtime collectors.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetback_jobs_total",
			Help: "Backup jobs by launch type and terminal status",
		}, []string{"type", "status"}),
		runningJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetback_jobs_running",
			Help: "Number of currently running backup jobs",
		}),
		bytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetback_bytes_transferred_total",
			Help: "Total bytes processed by completed backup jobs",
		}),
		filesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetback_files_processed_total",
			Help: "Total files processed by completed backup jobs",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleetback_job_duration_seconds",
			Help:    "Wall-clock duration of backup jobs",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}

	registry.MustRegister(
		c.jobsTotal,
		c.runningJobs,
		c.bytesTransferred,
		c.filesProcessed,
		c.jobDuration,
	)
	return c
}

// JobStarted records a job entering the Running state.
func (c *Collector) JobStarted() {
	c.runningJobs.Inc()
}

// JobFinished records a terminal job.
func (c *Collector) JobFinished(job *model.BackupJob) {
	c.runningJobs.Dec()
	c.jobsTotal.WithLabelValues(string(job.Type), string(job.Status)).Inc()
	if job.FilesProcessed > 0 {
		c.filesProcessed.Add(float64(job.FilesProcessed))
	}
	if job.BytesTransferred > 0 {
		c.bytesTransferred.Add(float64(job.BytesTransferred))
	}
	if job.CompletedAt != nil {
		c.jobDuration.Observe(job.CompletedAt.Sub(job.StartedAt).Seconds())
	}
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test gathering.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
