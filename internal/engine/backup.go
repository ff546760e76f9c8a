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

package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/fleetback/fleetback/internal/errdefs"
)

// killGracePeriod is how long a cancelled engine process group gets to
// exit after SIGTERM before it is killed. Kept short so a cancelled
// child that ignores SIGTERM is still reaped promptly.
const killGracePeriod = 3 * time.Second

// maxStreamLineSize bounds a single JSON event line.
const maxStreamLineSize = 1 << 20

// BackupArgs returns the argument list used for a backup request,
// exposed so callers can record the redacted command line before
// launching.
func BackupArgs(req BackupRequest) *CommandBuilder {
	return NewCommand("backup").
		WithJSON().
		WithHost(req.Hostname).
		WithTags(req.Tags).
		WithRules(req.Rules).
		WithPath(req.SourcePath)
}

// RedactedCommandLine renders the invocation for job records.
func (c *Client) RedactedCommandLine(req BackupRequest) string {
	return BackupArgs(req).Redacted(c.binary, req.RepoPath)
}

// Backup runs the engine in JSON mode and streams its events through
// the callbacks. It blocks until the child exits. Cancellation through
// ctx signals the child's process group (SIGTERM, then SIGKILL after a
// grace period) and surfaces as ErrCancelled, never as a generic
// failure.
func (c *Client) Backup(ctx context.Context, req BackupRequest, cb Callbacks) (*BackupSummary, error) {
	start := time.Now()
	args := BackupArgs(req).Build()

	// The process is started detached from ctx so cancellation can be
	// graceful instead of an immediate kill. It gets its own process
	// group so cancellation signals reach helper processes the engine
	// spawns, not just the direct child.
	cmd := exec.Command(c.binary, args...)
	cmd.Env = c.buildEnv(req.RepoPath, req.Password)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open stream: %v", errdefs.ErrEngineBackupFailed, err)
	}

	c.log.V(1).Info("starting engine backup", "source", req.SourcePath, "repo", req.RepoPath)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start engine: %v", errdefs.ErrEngineBackupFailed, err)
	}

	// Reaper: on cancellation, give the process group a chance to write
	// its partial state, then kill the whole group and close our end of
	// the pipe so the stream consumer unblocks even if a straggler
	// still holds the write side.
	pgid := cmd.Process.Pid
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = syscall.Kill(-pgid, syscall.SIGTERM)
			select {
			case <-done:
			case <-time.After(killGracePeriod):
				_ = syscall.Kill(-pgid, syscall.SIGKILL)
				_ = stdout.Close()
			}
		case <-done:
		}
	}()

	summary := c.consumeStream(stdout, cb)

	waitErr := cmd.Wait()
	close(done)

	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrCancelled, ctx.Err())
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		return nil, fmt.Errorf("%w: %s", errdefs.ErrEngineBackupFailed, msg)
	}
	if summary == nil {
		return nil, fmt.Errorf("%w: stream ended without a summary event", errdefs.ErrEngineBackupFailed)
	}

	result := &BackupSummary{
		SnapshotID:          summary.SnapshotID,
		FilesNew:            summary.FilesNew,
		FilesChanged:        summary.FilesChanged,
		FilesUnmodified:     summary.FilesUnmodified,
		DirsNew:             summary.DirsNew,
		DirsChanged:         summary.DirsChanged,
		DirsUnmodified:      summary.DirsUnmodified,
		DataAdded:           summary.DataAdded,
		TotalFilesProcessed: summary.TotalFilesProcessed,
		TotalBytesProcessed: summary.TotalBytesProcessed,
		Duration:            time.Since(start),
	}
	return result, nil
}

// consumeStream parses the newline-delimited JSON event stream.
// Malformed lines are logged and skipped, never fatal.
func (c *Client) consumeStream(r io.Reader, cb Callbacks) *summaryEvent {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLineSize)

	var summary *summaryEvent
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var env streamEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.log.V(1).Info("skipping malformed stream line", "line", string(line))
			continue
		}

		switch env.MessageType {
		case "status":
			var ev statusEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				continue
			}
			if cb.OnProgress != nil {
				cb.OnProgress(ProgressUpdate{
					PercentDone:  ev.PercentDone * 100,
					TotalFiles:   ev.TotalFiles,
					FilesDone:    ev.FilesDone,
					TotalBytes:   ev.TotalBytes,
					BytesDone:    ev.BytesDone,
					CurrentFiles: ev.CurrentFiles,
				})
			}

		case "summary":
			var ev summaryEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				continue
			}
			summary = &ev

		case "warning":
			var ev diagnosticEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				continue
			}
			if cb.OnWarning != nil {
				cb.OnWarning(ev.text())
			}

		case "error":
			var ev diagnosticEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				continue
			}
			if cb.OnError != nil {
				cb.OnError(ev.text())
			}

		default:
			c.log.V(1).Info("ignoring unknown stream event", "message_type", env.MessageType)
		}
	}
	return summary
}
