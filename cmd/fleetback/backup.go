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
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetback/fleetback/internal/configstore"
	"github.com/fleetback/fleetback/internal/engine"
	"github.com/fleetback/fleetback/internal/jobs"
	"github.com/fleetback/fleetback/internal/logstore"
	"github.com/fleetback/fleetback/internal/model"
	"github.com/fleetback/fleetback/internal/orchestrator"
	"github.com/fleetback/fleetback/internal/protocol"
	"github.com/fleetback/fleetback/internal/secrets"
	"github.com/fleetback/fleetback/internal/storagemon"
)

var (
	backupDevice string
	backupShare  string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run one backup now and exit",
	Long: `Runs a manual backup of a device (all enabled shares) or a single
share, blocking until it finishes. Ctrl-C cancels the running job.`,
	RunE: runBackup,
}

func init() {
	backupCmd.Flags().StringVar(&backupDevice, "device", "", "device name (required)")
	backupCmd.Flags().StringVar(&backupShare, "share", "", "share name (optional; all enabled shares when omitted)")
	_ = backupCmd.MarkFlagRequired("device")
	rootCmd.AddCommand(backupCmd)
}

func runBackup(cmd *cobra.Command, args []string) error {
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

	orch := orchestrator.New(
		store, registry, protocols,
		engine.NewClient(settings.EngineBinaryPath, log.WithName("engine")),
		monitor, sec, logs, nil, nil, settings, log.WithName("orchestrator"),
	)

	device, err := store.GetDevice(backupDevice)
	if err != nil {
		return err
	}

	var job *model.BackupJob
	if backupShare == "" {
		job, err = orch.ExecuteDeviceBackup(ctx, device.ID, model.JobTypeManual)
	} else {
		var share *model.Share
		share, err = store.GetShare(backupDevice, backupShare)
		if err != nil {
			return err
		}
		job, err = orch.ExecuteShareBackup(ctx, device.ID, share.ID, model.JobTypeManual)
	}
	if err != nil {
		return err
	}

	fmt.Printf("job %s finished: %s\n", job.ID, job.Status)
	if job.BackupID != "" {
		fmt.Printf("snapshot: %s\n", job.BackupID)
	}
	if job.ErrorMessage != "" {
		fmt.Printf("error: %s\n", job.ErrorMessage)
	}
	if job.Status != model.JobStatusCompleted {
		return fmt.Errorf("backup ended with status %s", job.Status)
	}
	return nil
}
