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

package orchestrator

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetback/fleetback/internal/engine"
	"github.com/fleetback/fleetback/internal/errdefs"
	"github.com/fleetback/fleetback/internal/model"
)

// SnapshotDetail bundles a snapshot record with the statistics of the
// repository holding it.
type SnapshotDetail struct {
	Snapshot *engine.Snapshot
	Stats    *engine.RepoStats
}

// ListSnapshots lists the snapshots of a share's repository as backup
// records, joined to their creating jobs through the log store.
func (o *Orchestrator) ListSnapshots(ctx context.Context, deviceID, shareID uuid.UUID) ([]model.Backup, error) {
	device, share, err := o.resolveShare(deviceID, shareID)
	if err != nil {
		return nil, err
	}
	repoPath := filepath.Join(o.settings.RepositoryBasePath, device.ID.String(), share.ID.String())
	password, err := o.repositoryPassword(device, share)
	if err != nil {
		return nil, err
	}

	snaps, err := o.engine.Snapshots(ctx, repoPath, password)
	if err != nil {
		return nil, err
	}

	out := make([]model.Backup, 0, len(snaps))
	for _, s := range snaps {
		b := model.Backup{
			ID:         s.ID,
			DeviceID:   device.ID,
			ShareID:    share.ID,
			DeviceName: device.Name,
			ShareName:  share.Name,
			Timestamp:  s.Time,
			Status:     model.BackupStatusSuccess,
			Paths:      map[string]string{share.Name: share.Path},
		}
		if log, ok := o.logs.Get(s.ID); ok && log.JobID != nil {
			b.CreatedByJobID = log.JobID.String()
		}
		out = append(out, b)
	}
	return out, nil
}

// GetSnapshotDetail returns one snapshot together with repository
// statistics.
func (o *Orchestrator) GetSnapshotDetail(ctx context.Context, deviceID, shareID uuid.UUID, snapshotID string) (*SnapshotDetail, error) {
	repoPath, password, err := o.repositoryAccess(deviceID, shareID)
	if err != nil {
		return nil, err
	}
	snap, err := o.engine.GetSnapshot(ctx, repoPath, password, snapshotID)
	if err != nil {
		return nil, err
	}
	stats, err := o.engine.Stats(ctx, repoPath, password)
	if err != nil {
		return nil, err
	}
	return &SnapshotDetail{Snapshot: snap, Stats: stats}, nil
}

// BrowseSnapshot lists the entries of one directory inside a snapshot.
func (o *Orchestrator) BrowseSnapshot(ctx context.Context, deviceID, shareID uuid.UUID, snapshotID, path string) ([]engine.FileEntry, error) {
	repoPath, password, err := o.repositoryAccess(deviceID, shareID)
	if err != nil {
		return nil, err
	}
	return o.engine.Browse(ctx, repoPath, password, snapshotID, path)
}

// DumpFile streams one file out of a snapshot. The caller owns the
// returned reader; the engine process lives until it is closed.
func (o *Orchestrator) DumpFile(ctx context.Context, deviceID, shareID uuid.UUID, snapshotID, filePath string) (io.ReadCloser, error) {
	repoPath, password, err := o.repositoryAccess(deviceID, shareID)
	if err != nil {
		return nil, err
	}
	return o.engine.Dump(ctx, repoPath, password, snapshotID, filePath)
}

// Restore restores a snapshot (optionally narrowed to includePaths)
// into targetPath. The target must be an absolute path inside the
// configured restore root.
func (o *Orchestrator) Restore(ctx context.Context, deviceID, shareID uuid.UUID, snapshotID, targetPath string, includePaths []string) error {
	device, share, err := o.resolveShare(deviceID, shareID)
	if err != nil {
		return err
	}

	resolved, err := o.resolveRestoreTarget(targetPath)
	if err != nil {
		return err
	}

	repoPath := filepath.Join(o.settings.RepositoryBasePath, device.ID.String(), share.ID.String())
	password, err := o.repositoryPassword(device, share)
	if err != nil {
		return err
	}

	start := time.Now()
	err = o.engine.Restore(ctx, repoPath, password, engine.RestoreRequest{
		SnapshotID:   snapshotID,
		Target:       resolved,
		IncludePaths: includePaths,
	})
	if err != nil {
		o.log.Error(err, "restore failed", "device", device.Name, "share", share.Name, "snapshot", snapshotID)
		o.notifyRestore(device.Name, share.Name, snapshotID, err, time.Since(start))
		return err
	}

	o.log.Info("restore completed", "device", device.Name, "share", share.Name,
		"snapshot", snapshotID, "target", resolved)
	o.notifyRestore(device.Name, share.Name, snapshotID, nil, time.Since(start))
	return nil
}

// resolveRestoreTarget rejects relative paths and any path that
// resolves outside the restore root.
func (o *Orchestrator) resolveRestoreTarget(targetPath string) (string, error) {
	if !filepath.IsAbs(targetPath) {
		return "", fmt.Errorf("%w: %s is not an absolute path", errdefs.ErrInvalidRestoreTarget, targetPath)
	}

	root, err := filepath.Abs(o.settings.RestoreRoot)
	if err != nil {
		return "", fmt.Errorf("failed to resolve restore root %s: %w", o.settings.RestoreRoot, err)
	}
	resolved := filepath.Clean(targetPath)
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside the restore root %s", errdefs.ErrInvalidRestoreTarget, targetPath, root)
	}
	return resolved, nil
}

// repositoryAccess resolves the repository path and password for a
// share without mutating the share record beyond salt creation.
func (o *Orchestrator) repositoryAccess(deviceID, shareID uuid.UUID) (string, string, error) {
	device, share, err := o.resolveShare(deviceID, shareID)
	if err != nil {
		return "", "", err
	}
	repoPath := filepath.Join(o.settings.RepositoryBasePath, device.ID.String(), share.ID.String())
	password, err := o.repositoryPassword(device, share)
	if err != nil {
		return "", "", err
	}
	return repoPath, password, nil
}

func (o *Orchestrator) notifyRestore(deviceName, shareName, snapshotID string, restoreErr error, duration time.Duration) {
	if o.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if restoreErr != nil {
		_ = o.notifier.NotifyRestoreFailure(ctx, deviceName, shareName, restoreErr.Error(), duration)
	} else {
		_ = o.notifier.NotifyRestoreSuccess(ctx, deviceName, shareName, snapshotID, duration)
	}
}
