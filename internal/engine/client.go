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

// Package engine wraps the deduplicating backup engine as a child
// process. The repository path and password travel through the
// environment, never through argv.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/fleetback/fleetback/internal/errdefs"
)

const (
	envRepository = "RESTIC_REPOSITORY"
	envPassword   = "RESTIC_PASSWORD"

	// exitRepoMissing is the engine's dedicated exit code for "no such
	// repository".
	exitRepoMissing = 10
)

// Client drives the backup engine binary.
type Client struct {
	binary string
	log    logr.Logger
}

// NewClient creates a client for the given engine binary path. An
// empty path selects the binary from PATH.
func NewClient(binary string, log logr.Logger) *Client {
	if binary == "" {
		binary = "restic"
	}
	return &Client{binary: binary, log: log}
}

func (c *Client) buildEnv(repoPath, password string) []string {
	return []string{
		fmt.Sprintf("%s=%s", envRepository, repoPath),
		fmt.Sprintf("%s=%s", envPassword, password),
	}
}

func (c *Client) run(ctx context.Context, repoPath, password string, args []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Env = c.buildEnv(repoPath, password)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.log.V(1).Info("executing engine command", "args", strings.Join(args, " "), "repo", repoPath)

	err := cmd.Run()
	if err != nil {
		c.log.V(1).Info("engine command failed", "args", args[0], "stderr", stderr.String())
	}

	return stdout.Bytes(), stderr.Bytes(), err
}

// classify maps engine failures onto the error taxonomy.
func classify(err error, stderr []byte) error {
	if err == nil {
		return nil
	}
	stderrStr := string(stderr)

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == exitRepoMissing {
		return fmt.Errorf("%w: %s", errdefs.ErrRepositoryMissing, strings.TrimSpace(stderrStr))
	}
	if strings.Contains(stderrStr, "unable to open config file") ||
		strings.Contains(stderrStr, "is there a repository at the following location") {
		return fmt.Errorf("%w: %s", errdefs.ErrRepositoryMissing, strings.TrimSpace(stderrStr))
	}
	return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderrStr))
}

// RepositoryExists probes whether a repository is initialized at
// repoPath.
func (c *Client) RepositoryExists(ctx context.Context, repoPath, password string) (bool, error) {
	args := NewCommand("cat").WithArg("config").Build()
	_, stderr, err := c.run(ctx, repoPath, password, args)
	if err == nil {
		return true, nil
	}
	if errors.Is(classify(err, stderr), errdefs.ErrRepositoryMissing) {
		return false, nil
	}
	return false, fmt.Errorf("failed to probe repository %s: %w", repoPath, classify(err, stderr))
}

// Init initializes a repository. Idempotent: an already-initialized,
// compatible repository is not an error.
func (c *Client) Init(ctx context.Context, repoPath, password string) error {
	args := NewCommand("init").Build()
	_, stderr, err := c.run(ctx, repoPath, password, args)
	if err != nil {
		stderrStr := string(stderr)
		if strings.Contains(stderrStr, "already exists") ||
			strings.Contains(stderrStr, "already initialized") ||
			strings.Contains(stderrStr, "config file already exists") {
			return nil
		}
		return fmt.Errorf("%w: %s", errdefs.ErrEngineInitFailed, strings.TrimSpace(stderrStr))
	}
	return nil
}

// Snapshots lists all snapshots in a repository.
func (c *Client) Snapshots(ctx context.Context, repoPath, password string) ([]Snapshot, error) {
	args := NewCommand("snapshots").WithJSON().Build()
	stdout, stderr, err := c.run(ctx, repoPath, password, args)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", classify(err, stderr))
	}

	var snapshots []Snapshot
	if err := json.Unmarshal(stdout, &snapshots); err != nil {
		if len(bytes.TrimSpace(stdout)) == 0 || string(bytes.TrimSpace(stdout)) == "null" {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse snapshots output: %w", err)
	}
	return snapshots, nil
}

// GetSnapshot resolves a single snapshot by id.
func (c *Client) GetSnapshot(ctx context.Context, repoPath, password, snapshotID string) (*Snapshot, error) {
	snapshots, err := c.Snapshots(ctx, repoPath, password)
	if err != nil {
		return nil, err
	}
	for i := range snapshots {
		if snapshots[i].ID == snapshotID || snapshots[i].ShortID == snapshotID {
			return &snapshots[i], nil
		}
	}
	return nil, fmt.Errorf("snapshot %s not found in %s", snapshotID, repoPath)
}

// Stats returns repository statistics including the snapshot count.
func (c *Client) Stats(ctx context.Context, repoPath, password string) (*RepoStats, error) {
	args := NewCommand("stats").WithJSON().Build()
	stdout, stderr, err := c.run(ctx, repoPath, password, args)
	if err != nil {
		return nil, fmt.Errorf("failed to get repository stats: %w", classify(err, stderr))
	}

	var stats RepoStats
	if err := json.Unmarshal(stdout, &stats); err != nil {
		return nil, fmt.Errorf("failed to parse stats output: %w", err)
	}

	snapshots, err := c.Snapshots(ctx, repoPath, password)
	if err != nil {
		return nil, err
	}
	stats.SnapshotCount = len(snapshots)
	return &stats, nil
}

// Check verifies repository integrity.
func (c *Client) Check(ctx context.Context, repoPath, password string) (*CheckResult, error) {
	start := time.Now()
	args := NewCommand("check").Build()
	_, stderr, err := c.run(ctx, repoPath, password, args)

	result := &CheckResult{
		Success:  err == nil,
		Message:  string(stderr),
		Duration: time.Since(start),
	}
	if err != nil {
		return result, fmt.Errorf("repository check failed: %w", classify(err, stderr))
	}
	return result, nil
}

// Unlock removes stale locks from a repository.
func (c *Client) Unlock(ctx context.Context, repoPath, password string) error {
	args := NewCommand("unlock").Build()
	_, stderr, err := c.run(ctx, repoPath, password, args)
	if err != nil {
		return fmt.Errorf("failed to unlock repository: %w", classify(err, stderr))
	}
	return nil
}

// Forget applies a retention policy and reports removed/kept counts.
func (c *Client) Forget(ctx context.Context, repoPath, password string, req ForgetRequest) (*ForgetResult, error) {
	cmd := NewCommand("forget").
		WithJSON().
		WithHost(req.Host).
		WithKeep(req.Policy).
		WithGroupBy(req.GroupBy)
	if req.Prune {
		cmd.WithPrune()
	}

	stdout, stderr, err := c.run(ctx, repoPath, password, cmd.Build())
	if err != nil {
		return nil, fmt.Errorf("forget failed: %w", classify(err, stderr))
	}

	var groups []struct {
		Remove []struct {
			ID string `json:"id"`
		} `json:"remove"`
		Keep []struct {
			ID string `json:"id"`
		} `json:"keep"`
	}
	if err := json.Unmarshal(stdout, &groups); err != nil {
		return &ForgetResult{}, nil
	}

	result := &ForgetResult{}
	for _, g := range groups {
		result.SnapshotsRemoved += len(g.Remove)
		result.SnapshotsKept += len(g.Keep)
	}
	return result, nil
}

// Restore restores a snapshot (optionally narrowed to include paths)
// into the target directory.
func (c *Client) Restore(ctx context.Context, repoPath, password string, req RestoreRequest) error {
	args := NewCommand("restore").
		WithArg(req.SnapshotID).
		WithTarget(req.Target).
		WithIncludes(req.IncludePaths).
		Build()

	_, stderr, err := c.run(ctx, repoPath, password, args)
	if err != nil {
		return fmt.Errorf("restore failed: %w", classify(err, stderr))
	}
	return nil
}

// Browse lists the entries of a directory inside a snapshot.
func (c *Client) Browse(ctx context.Context, repoPath, password, snapshotID, path string) ([]FileEntry, error) {
	args := NewCommand("ls").WithJSON().WithArg(snapshotID).WithPath(path).Build()
	stdout, stderr, err := c.run(ctx, repoPath, password, args)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s of snapshot %s: %w", path, snapshotID, classify(err, stderr))
	}

	// One JSON object per line; the first line is the snapshot header.
	var entries []FileEntry
	for _, line := range bytes.Split(stdout, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var entry FileEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			c.log.V(1).Info("skipping malformed ls line", "line", string(line))
			continue
		}
		if entry.Type != "file" && entry.Type != "dir" && entry.Type != "symlink" {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Dump streams a single file out of a snapshot. The engine process
// lives until the returned stream is closed; Close reaps it.
func (c *Client) Dump(ctx context.Context, repoPath, password, snapshotID, filePath string) (io.ReadCloser, error) {
	args := NewCommand("dump").WithArg(snapshotID).WithPath(filePath).Build()

	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Env = c.buildEnv(repoPath, password)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open dump pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start dump: %w", err)
	}

	return &dumpStream{r: stdout, cmd: cmd, stderr: &stderr}, nil
}

// dumpStream adapts the child's stdout into a ReadCloser whose Close
// reaps the process.
type dumpStream struct {
	r      io.ReadCloser
	cmd    *exec.Cmd
	stderr *bytes.Buffer
}

func (s *dumpStream) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *dumpStream) Close() error {
	s.r.Close()
	if err := s.cmd.Wait(); err != nil {
		return classify(err, s.stderr.Bytes())
	}
	return nil
}
