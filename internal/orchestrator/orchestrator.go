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

// Package orchestrator executes backup jobs end-to-end: wake, mount,
// capacity gate, repository init, engine streaming, log capture,
// unmount, and deterministic finalization through the job registry.
package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/fleetback/fleetback/internal/config"
	"github.com/fleetback/fleetback/internal/configstore"
	"github.com/fleetback/fleetback/internal/engine"
	"github.com/fleetback/fleetback/internal/errdefs"
	"github.com/fleetback/fleetback/internal/jobs"
	"github.com/fleetback/fleetback/internal/logstore"
	"github.com/fleetback/fleetback/internal/metrics"
	"github.com/fleetback/fleetback/internal/model"
	"github.com/fleetback/fleetback/internal/notify"
	"github.com/fleetback/fleetback/internal/protocol"
	"github.com/fleetback/fleetback/internal/secrets"
	"github.com/fleetback/fleetback/internal/storagemon"
)

// Engine is the slice of the engine client the orchestrator drives.
type Engine interface {
	RepositoryExists(ctx context.Context, repoPath, password string) (bool, error)
	Init(ctx context.Context, repoPath, password string) error
	Backup(ctx context.Context, req engine.BackupRequest, cb engine.Callbacks) (*engine.BackupSummary, error)
	Forget(ctx context.Context, repoPath, password string, req engine.ForgetRequest) (*engine.ForgetResult, error)
	Check(ctx context.Context, repoPath, password string) (*engine.CheckResult, error)
	Unlock(ctx context.Context, repoPath, password string) error
	RedactedCommandLine(req engine.BackupRequest) string

	Snapshots(ctx context.Context, repoPath, password string) ([]engine.Snapshot, error)
	GetSnapshot(ctx context.Context, repoPath, password, snapshotID string) (*engine.Snapshot, error)
	Stats(ctx context.Context, repoPath, password string) (*engine.RepoStats, error)
	Browse(ctx context.Context, repoPath, password, snapshotID, path string) ([]engine.FileEntry, error)
	Dump(ctx context.Context, repoPath, password, snapshotID, filePath string) (io.ReadCloser, error)
	Restore(ctx context.Context, repoPath, password string, req engine.RestoreRequest) error
}

// Orchestrator coordinates one backup job at a time per call. Calls
// block until the job reaches a terminal state.
type Orchestrator struct {
	store     *configstore.Store
	registry  *jobs.Registry
	protocols *protocol.Registry
	engine    Engine
	storage   *storagemon.Monitor
	secrets   *secrets.Store
	logs      *logstore.Store
	notifier  *notify.Manager
	collector *metrics.Collector
	settings  *config.Settings
	log       logr.Logger
}

// New wires an orchestrator. notifier and collector may be nil.
func New(
	store *configstore.Store,
	registry *jobs.Registry,
	protocols *protocol.Registry,
	eng Engine,
	storage *storagemon.Monitor,
	sec *secrets.Store,
	logs *logstore.Store,
	notifier *notify.Manager,
	collector *metrics.Collector,
	settings *config.Settings,
	log logr.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:     store,
		registry:  registry,
		protocols: protocols,
		engine:    eng,
		storage:   storage,
		secrets:   sec,
		logs:      logs,
		notifier:  notifier,
		collector: collector,
		settings:  settings,
		log:       log,
	}
}

// ExecuteDeviceBackup backs up every enabled share of a device
// sequentially under one job. Resolution failures surface before any
// job is tracked.
func (o *Orchestrator) ExecuteDeviceBackup(ctx context.Context, deviceID uuid.UUID, jobType model.JobType) (*model.BackupJob, error) {
	device, err := o.store.GetDeviceByID(deviceID)
	if err != nil {
		return nil, err
	}

	shares, err := o.store.ListShares(device.Name)
	if err != nil {
		return nil, err
	}
	enabled := shares[:0]
	for i := range shares {
		if shares[i].Enabled {
			enabled = append(enabled, shares[i])
		}
	}
	if len(enabled) == 0 {
		return nil, fmt.Errorf("%w: device %s", errdefs.ErrNoEnabledShares, device.Name)
	}

	job := o.newJob(deviceID, nil, jobType)
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.trackJob(job, cancel)

	var succeeded, failed int
	var failures []string
	var lastSnapshot string
	for i := range enabled {
		share := &enabled[i]
		snapshotID, err := o.runShare(jobCtx, job.ID, job.ID.String()+"/"+share.ID.String(), device, share)
		if jobCtx.Err() != nil {
			break
		}
		if err != nil {
			failed++
			failures = append(failures, fmt.Sprintf("Share '%s' failed: %v", share.Name, err))
			o.log.Error(err, "share backup failed", "device", device.Name, "share", share.Name, "job", job.ID)
			continue
		}
		succeeded++
		lastSnapshot = snapshotID
	}

	var status model.JobStatus
	var message string
	switch {
	case jobCtx.Err() != nil:
		status = model.JobStatusCancelled
		message = errdefs.CancelledMessage
	case failed == 0:
		status = model.JobStatusCompleted
	case succeeded > 0:
		status = model.JobStatusPartiallyCompleted
		failures = append(failures, fmt.Sprintf("Partially completed: %d/%d shares backed up", succeeded, len(enabled)))
		message = strings.Join(failures, "; ")
	default:
		status = model.JobStatusFailed
		message = strings.Join(failures, "; ")
	}

	final := o.finishJob(job.ID, status, func(j *model.BackupJob) {
		if message != "" && j.ErrorMessage == "" {
			j.ErrorMessage = message
		}
		if lastSnapshot != "" {
			j.BackupID = lastSnapshot
		}
	})
	o.notifyOutcome(device.Name, "", final)
	return final, nil
}

// ExecuteShareBackup backs up a single share under its own job.
func (o *Orchestrator) ExecuteShareBackup(ctx context.Context, deviceID, shareID uuid.UUID, jobType model.JobType) (*model.BackupJob, error) {
	device, share, err := o.resolveShare(deviceID, shareID)
	if err != nil {
		return nil, err
	}
	if !share.Enabled {
		return nil, fmt.Errorf("%w: share %s", errdefs.ErrShareDisabled, share.Name)
	}

	job := o.newJob(deviceID, &shareID, jobType)
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.trackJob(job, cancel)

	snapshotID, runErr := o.runShare(jobCtx, job.ID, job.ID.String(), device, share)

	var status model.JobStatus
	var message string
	switch {
	case jobCtx.Err() != nil || errors.Is(runErr, errdefs.ErrCancelled):
		status = model.JobStatusCancelled
		message = errdefs.CancelledMessage
	case runErr != nil:
		status = model.JobStatusFailed
		message = runErr.Error()
	default:
		status = model.JobStatusCompleted
	}

	final := o.finishJob(job.ID, status, func(j *model.BackupJob) {
		if message != "" && j.ErrorMessage == "" {
			j.ErrorMessage = message
		}
		if snapshotID != "" {
			j.BackupID = snapshotID
		}
	})
	o.notifyOutcome(device.Name, share.Name, final)
	return final, nil
}

// RetryFailedJob dispatches a new Retry job with the same target as a
// previously failed one. The prior job may come from the completed
// ring or, after TTL eviction, from the durable job history.
func (o *Orchestrator) RetryFailedJob(ctx context.Context, jobID uuid.UUID) (*model.BackupJob, error) {
	prior, ok := o.registry.Find(jobID)
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	if prior.Status != model.JobStatusFailed {
		return nil, fmt.Errorf("job %s has status %s, only failed jobs can be retried", jobID, prior.Status)
	}
	if prior.ShareID != nil {
		return o.ExecuteShareBackup(ctx, prior.DeviceID, *prior.ShareID, model.JobTypeRetry)
	}
	return o.ExecuteDeviceBackup(ctx, prior.DeviceID, model.JobTypeRetry)
}

func (o *Orchestrator) newJob(deviceID uuid.UUID, shareID *uuid.UUID, jobType model.JobType) *model.BackupJob {
	return &model.BackupJob{
		ID:        uuid.New(),
		DeviceID:  deviceID,
		ShareID:   shareID,
		Type:      jobType,
		Status:    model.JobStatusRunning,
		StartedAt: time.Now(),
	}
}

func (o *Orchestrator) trackJob(job *model.BackupJob, cancel context.CancelFunc) {
	o.registry.Track(job, cancel)
	if o.collector != nil {
		o.collector.JobStarted()
	}
	o.log.Info("job started", "job", job.ID, "device", job.DeviceID, "type", job.Type)
}

// finishJob applies the terminal transition exactly once: finalize
// (preserving an external cancellation), untrack, count.
func (o *Orchestrator) finishJob(jobID uuid.UUID, status model.JobStatus, mutate func(*model.BackupJob)) *model.BackupJob {
	final := o.registry.Finalize(jobID, status, mutate)
	o.registry.Untrack(jobID)
	if final == nil {
		return nil
	}
	if o.collector != nil {
		o.collector.JobFinished(final)
	}
	o.log.Info("job finished", "job", jobID, "status", final.Status, "snapshot", final.BackupID)
	return final
}

func (o *Orchestrator) notifyOutcome(deviceName, shareName string, job *model.BackupJob) {
	if o.notifier == nil || job == nil {
		return
	}
	// Notification delivery must never block or fail the job path.
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	duration := time.Duration(0)
	if job.CompletedAt != nil {
		duration = job.CompletedAt.Sub(job.StartedAt)
	}
	if job.Status == model.JobStatusCompleted {
		_ = o.notifier.NotifyBackupSuccess(ctx, deviceName, shareName, job.BackupID, job.BytesTransferred, job.FilesProcessed, duration)
		return
	}
	_ = o.notifier.NotifyBackupFailure(ctx, deviceName, shareName, job.ErrorMessage, duration)
}

// resolveShare resolves a (device, share) pair, distinguishing a share
// that does not exist from one that belongs to another device.
func (o *Orchestrator) resolveShare(deviceID, shareID uuid.UUID) (*model.Device, *model.Share, error) {
	device, err := o.store.GetDeviceByID(deviceID)
	if err != nil {
		return nil, nil, err
	}

	share, err := o.store.GetShareByID(device.Name, shareID)
	if err == nil {
		return device, share, nil
	}
	if !errors.Is(err, errdefs.ErrShareNotFound) {
		return nil, nil, err
	}

	devices, listErr := o.store.ListDevices()
	if listErr != nil {
		return nil, nil, listErr
	}
	for i := range devices {
		if devices[i].ID == deviceID {
			continue
		}
		if _, findErr := o.store.GetShareByID(devices[i].Name, shareID); findErr == nil {
			return nil, nil, fmt.Errorf("%w: share %s belongs to device %s", errdefs.ErrShareMismatch, shareID, devices[i].Name)
		}
	}
	return nil, nil, err
}

// runShare executes the per-share sequence and returns the snapshot id
// on success. Cancellation is checked before every step. logKey is the
// provisional log store key until a snapshot id exists; device-level
// jobs hand each share its own key so one share's buffers never leak
// into the next share's log.
func (o *Orchestrator) runShare(ctx context.Context, jobID uuid.UUID, logKey string, device *model.Device, share *model.Share) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", errdefs.ErrCancelled, err)
	}

	driver, err := o.protocols.Get(device.Protocol)
	if err != nil {
		return "", err
	}

	o.wake(ctx, driver, device)
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", errdefs.ErrCancelled, err)
	}

	mountPath, err := driver.Mount(ctx, device, share)
	if err != nil {
		return "", err
	}
	if mountPath == "" {
		return "", fmt.Errorf("%w: driver %s returned an empty mount path", errdefs.ErrMountFailed, driver.Name())
	}
	defer func() {
		if err := driver.Unmount(context.Background(), mountPath); err != nil {
			o.log.Error(err, "failed to unmount share", "device", device.Name, "share", share.Name, "path", mountPath)
		}
	}()

	rules := model.EffectiveRules(share, device)
	repoPath := filepath.Join(o.settings.RepositoryBasePath, device.ID.String(), share.ID.String())

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", errdefs.ErrCancelled, err)
	}
	status, err := o.storage.Status(repoPath)
	if err != nil {
		return "", fmt.Errorf("failed to probe storage for %s: %w", repoPath, err)
	}
	switch status.Level {
	case storagemon.LevelExhausted:
		return "", fmt.Errorf("Backup cannot proceed: volume for %s is %.1f%% full: %w",
			repoPath, status.UsedPercentage, errdefs.ErrStorageExhausted)
	case storagemon.LevelCritical:
		o.log.Info("storage critically full, proceeding", "path", repoPath, "used_percent", status.UsedPercentage)
	}

	password, err := o.repositoryPassword(device, share)
	if err != nil {
		return "", err
	}

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", errdefs.ErrCancelled, err)
	}
	exists, err := o.engine.RepositoryExists(ctx, repoPath, password)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := o.engine.Init(ctx, repoPath, password); err != nil {
			return "", err
		}
		o.log.Info("initialized repository", "device", device.Name, "share", share.Name, "path", repoPath)
	}

	req := engine.BackupRequest{
		RepoPath:   repoPath,
		Password:   password,
		SourcePath: mountPath,
		Hostname:   device.Name,
		Tags:       []string{share.Name},
		Rules:      rules,
	}
	cmdline := o.engine.RedactedCommandLine(req)
	o.registry.Update(jobID, func(j *model.BackupJob) {
		j.CommandLine = cmdline
	})

	o.logs.GetOrCreate(logKey, &jobID)

	cb := engine.Callbacks{
		OnProgress: func(p engine.ProgressUpdate) {
			o.registry.UpdateProgressCounters(jobID, p.FilesDone, int64(p.BytesDone))
			o.logs.AddProgressEntry(logKey, logstore.ProgressEntry{
				PercentDone:  p.PercentDone,
				FilesDone:    p.FilesDone,
				BytesDone:    int64(p.BytesDone),
				CurrentFiles: p.CurrentFiles,
			})
			o.registry.EmitProgress(jobs.ProgressEvent{
				JobID:        jobID,
				PercentDone:  p.PercentDone,
				FilesDone:    p.FilesDone,
				BytesDone:    int64(p.BytesDone),
				CurrentFiles: p.CurrentFiles,
			})
		},
		OnWarning: func(msg string) { o.logs.AddWarning(logKey, msg) },
		OnError:   func(msg string) { o.logs.AddError(logKey, msg) },
	}

	summary, err := o.engine.Backup(ctx, req, cb)
	if err != nil && isStaleLock(err) && ctx.Err() == nil {
		o.log.Info("repository locked, removing stale locks and retrying",
			"device", device.Name, "share", share.Name)
		if uerr := o.engine.Unlock(ctx, repoPath, password); uerr != nil {
			o.logs.AddWarning(logKey, fmt.Sprintf("unlock failed: %v", uerr))
		} else {
			summary, err = o.engine.Backup(ctx, req, cb)
		}
	}
	if err != nil {
		o.logs.AddError(logKey, err.Error())
		if perr := o.logs.Persist(logKey); perr != nil {
			o.log.Error(perr, "failed to persist backup log", "key", logKey)
		}
		return "", err
	}

	o.logs.AddProgressEntry(logKey, logstore.ProgressEntry{
		PercentDone: 100,
		FilesDone:   summary.TotalFilesProcessed,
		BytesDone:   int64(summary.TotalBytesProcessed),
	})
	o.logs.Rename(logKey, summary.SnapshotID)
	if err := o.logs.Persist(summary.SnapshotID); err != nil {
		o.log.Error(err, "failed to persist backup log", "snapshot", summary.SnapshotID)
	}

	o.registry.Update(jobID, func(j *model.BackupJob) {
		j.FilesProcessed = summary.TotalFilesProcessed
		j.BytesTransferred = summary.TotalBytesProcessed
	})
	o.registry.EmitProgress(jobs.ProgressEvent{
		JobID:       jobID,
		PercentDone: 100,
		FilesDone:   summary.TotalFilesProcessed,
		BytesDone:   int64(summary.TotalBytesProcessed),
	})

	o.applyRetention(ctx, device, share, repoPath, password)
	return summary.SnapshotID, nil
}

// isStaleLock reports whether a backup failure was caused by a lock
// left behind by a dead engine process.
func isStaleLock(err error) bool {
	return err != nil && strings.Contains(err.Error(), "repository is already locked")
}

// wake emits a magic packet and waits for the device to come up. Wake
// failures log and continue; the wait is cancellable.
func (o *Orchestrator) wake(ctx context.Context, driver protocol.Driver, device *model.Device) {
	if !device.WakeOnLANEnabled || device.MACAddress == "" || !driver.SupportsWOL() {
		return
	}
	if err := driver.Wake(ctx, device); err != nil {
		o.log.Error(err, "failed to send wake-on-lan packet", "device", device.Name)
		return
	}
	o.log.Info("sent wake-on-lan packet", "device", device.Name, "mac", device.MACAddress)

	select {
	case <-time.After(o.settings.WakeWait()):
	case <-ctx.Done():
	}
}

// applyRetention runs the engine's forget with the effective policy
// after a successful backup. Retention failures never degrade the job.
func (o *Orchestrator) applyRetention(ctx context.Context, device *model.Device, share *model.Share, repoPath, password string) {
	policy := model.EffectiveRetention(share, device)
	if policy == nil {
		return
	}
	res, err := o.engine.Forget(ctx, repoPath, password, engine.ForgetRequest{
		Policy:  *policy,
		Host:    device.Name,
		GroupBy: "host",
		Prune:   true,
	})
	if err != nil {
		o.log.Error(err, "retention run failed", "device", device.Name, "share", share.Name)
		return
	}
	o.log.Info("retention applied", "device", device.Name, "share", share.Name,
		"removed", res.SnapshotsRemoved, "kept", res.SnapshotsKept)
}

// repositoryPassword returns the repository password for a share. A
// share-level password wins; otherwise a key is derived from the
// device password and a per-share salt, then stored encrypted on the
// share so later runs reuse it.
func (o *Orchestrator) repositoryPassword(device *model.Device, share *model.Share) (string, error) {
	if share.RepositoryPasswordEnc != "" {
		pw, err := o.secrets.Decrypt(share.RepositoryPasswordEnc)
		if err != nil {
			return "", fmt.Errorf("failed to decrypt repository password for share %s: %w", share.Name, err)
		}
		return pw, nil
	}

	if device.PasswordEnc == "" {
		return "", fmt.Errorf("share %s has no repository password and device %s has no password to derive one from",
			share.Name, device.Name)
	}
	devicePassword, err := o.secrets.Decrypt(device.PasswordEnc)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt password for device %s: %w", device.Name, err)
	}

	var salt []byte
	if share.KeySalt != "" {
		salt, err = base64.StdEncoding.DecodeString(share.KeySalt)
		if err != nil {
			return "", fmt.Errorf("invalid key salt on share %s: %w", share.Name, err)
		}
	} else {
		salt, err = secrets.NewSalt()
		if err != nil {
			return "", err
		}
		share.KeySalt = base64.StdEncoding.EncodeToString(salt)
	}

	key := o.secrets.DeriveRepositoryKey(devicePassword, salt)
	enc, err := o.secrets.Encrypt(key)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt derived key for share %s: %w", share.Name, err)
	}
	share.RepositoryPasswordEnc = enc
	if err := o.store.SaveShare(device.Name, share, fmt.Sprintf("persist derived repository key for share %s", share.Name)); err != nil {
		return "", fmt.Errorf("failed to persist derived key for share %s: %w", share.Name, err)
	}
	return key, nil
}
