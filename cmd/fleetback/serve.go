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

package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/fleetback/fleetback/internal/config"
	"github.com/fleetback/fleetback/internal/configstore"
	"github.com/fleetback/fleetback/internal/engine"
	"github.com/fleetback/fleetback/internal/jobs"
	"github.com/fleetback/fleetback/internal/logstore"
	"github.com/fleetback/fleetback/internal/metrics"
	"github.com/fleetback/fleetback/internal/notify"
	"github.com/fleetback/fleetback/internal/orchestrator"
	"github.com/fleetback/fleetback/internal/protocol"
	"github.com/fleetback/fleetback/internal/scheduler"
	"github.com/fleetback/fleetback/internal/secrets"
	"github.com/fleetback/fleetback/internal/storagemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backup service: scheduler, config watcher, and metrics endpoint",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	log, err := buildLogger()
	if err != nil {
		return err
	}

	if settings.MasterKey == "" {
		return fmt.Errorf("master_key is not set; generate one with `fleetback keygen`")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := configstore.NewStore(settings.ConfigDir, log.WithName("configstore"))
	if err != nil {
		return err
	}
	sec, err := secrets.NewStore(settings.MasterKey, settings.PBKDF2Iterations)
	if err != nil {
		return err
	}
	logs, err := logstore.NewStore(settings.StateDir, log.WithName("logstore"))
	if err != nil {
		return err
	}
	sink, err := jobs.NewFileSink(settings.StateDir, log.WithName("jobsink"))
	if err != nil {
		return err
	}

	registry := jobs.NewRegistry(sink, jobs.RegistryOptions{
		CompletedTTL:      settings.CompletedJobTTL,
		ThrottleInterval:  settings.ProgressBroadcastInterval(),
		ThrottleThreshold: settings.ProgressPercentThreshold,
	}, log.WithName("jobs"))

	protocols := protocol.NewDefaultRegistry(settings.MountDir, sec, log.WithName("protocol"))
	defer protocols.UnmountAll(context.Background())

	monitor := storagemon.NewMonitor(storagemon.Thresholds{
		WarningPercent:   settings.StorageWarningPercent,
		CriticalPercent:  settings.StorageCriticalPercent,
		ExhaustedPercent: settings.StorageExhaustedPercent,
		MinFreeBytes:     settings.MinFreeBytes,
	}, log.WithName("storage"))

	collector := metrics.NewCollector()
	notifier := notify.NewManager(settings.Notifications, log.WithName("notify"))
	eng := engine.NewClient(settings.EngineBinaryPath, log.WithName("engine"))

	orch := orchestrator.New(
		store, registry, protocols, eng, monitor, sec, logs,
		notifier, collector, settings, log.WithName("orchestrator"),
	)
	sched := scheduler.New(store, registry, sink, orch, log.WithName("scheduler"))

	if err := store.Watch(ctx, func() {
		if err := sched.Reconcile(); err != nil {
			log.Error(err, "reconcile after config change failed")
		}
	}); err != nil {
		return err
	}

	if err := sched.Start(); err != nil {
		return err
	}

	metricsSrv := startMetricsServer(settings, collector, log)

	log.Info("fleetback serving", "config_dir", settings.ConfigDir, "state_dir", settings.StateDir)
	<-ctx.Done()
	log.Info("shutting down")

	sched.Stop()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// startMetricsServer exposes the Prometheus registry when metrics_addr
// is configured. Returns nil when disabled.
func startMetricsServer(settings *config.Settings, collector *metrics.Collector, log logr.Logger) *http.Server {
	if settings.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: settings.MetricsAddr, Handler: mux}
	go func() {
		log.Info("metrics endpoint listening", "addr", settings.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "metrics endpoint failed")
		}
	}()
	return srv
}
