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

// Package storagemon maps filesystem paths to capacity status using the
// volume that contains them.
package storagemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
)

// ThresholdLevel classifies volume usage.
type ThresholdLevel string

const (
	LevelNormal    ThresholdLevel = "normal"
	LevelWarning   ThresholdLevel = "warning"
	LevelCritical  ThresholdLevel = "critical"
	LevelExhausted ThresholdLevel = "exhausted"
)

// Status describes the capacity of the volume containing a path.
type Status struct {
	Path           string         `json:"path"`
	TotalBytes     uint64         `json:"total_bytes"`
	UsedBytes      uint64         `json:"used_bytes"`
	AvailableBytes uint64         `json:"available_bytes"`
	UsedPercentage float64        `json:"used_percentage"`
	Level          ThresholdLevel `json:"threshold_level"`
	Message        string         `json:"message"`
}

// Thresholds configure the level boundaries.
type Thresholds struct {
	WarningPercent   float64
	CriticalPercent  float64
	ExhaustedPercent float64
	MinFreeBytes     uint64
}

// DefaultThresholds are Warning 80%, Critical 90%, Exhausted 95%,
// MinFreeBytes 1 GiB.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WarningPercent:   80,
		CriticalPercent:  90,
		ExhaustedPercent: 95,
		MinFreeBytes:     1 << 30,
	}
}

// Monitor reports capacity for paths.
type Monitor struct {
	thresholds Thresholds
	log        logr.Logger

	// statfs is swapped in tests.
	statfs func(path string, st *unix.Statfs_t) error
}

// NewMonitor creates a monitor with the given thresholds.
func NewMonitor(thresholds Thresholds, log logr.Logger) *Monitor {
	return &Monitor{
		thresholds: thresholds,
		log:        log,
		statfs:     unix.Statfs,
	}
}

// Status returns the capacity status for the volume containing path.
// The path itself need not exist; the nearest existing ancestor is
// probed.
func (m *Monitor) Status(path string) (*Status, error) {
	probe, err := nearestExisting(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	var st unix.Statfs_t
	if err := m.statfs(probe, &st); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", probe, err)
	}

	total := st.Blocks * uint64(st.Bsize)
	available := st.Bavail * uint64(st.Bsize)
	used := total - st.Bfree*uint64(st.Bsize)

	var usedPct float64
	if total > 0 {
		usedPct = float64(used) / float64(total) * 100
	}

	level := m.level(usedPct)
	status := &Status{
		Path:           path,
		TotalBytes:     total,
		UsedBytes:      used,
		AvailableBytes: available,
		UsedPercentage: usedPct,
		Level:          level,
		Message:        fmt.Sprintf("%.1f%% used (%s)", usedPct, level),
	}

	if level != LevelNormal {
		m.log.V(1).Info("storage pressure", "path", path, "level", level, "used_percent", usedPct)
	}
	return status, nil
}

// HasSufficientSpace reports whether the volume containing path can
// absorb an estimated write while keeping the configured headroom.
func (m *Monitor) HasSufficientSpace(path string, estimatedBytes uint64) (bool, error) {
	status, err := m.Status(path)
	if err != nil {
		return false, err
	}
	if status.Level == LevelExhausted {
		return false, nil
	}
	return status.AvailableBytes >= estimatedBytes+m.thresholds.MinFreeBytes, nil
}

func (m *Monitor) level(usedPct float64) ThresholdLevel {
	switch {
	case usedPct >= m.thresholds.ExhaustedPercent:
		return LevelExhausted
	case usedPct >= m.thresholds.CriticalPercent:
		return LevelCritical
	case usedPct >= m.thresholds.WarningPercent:
		return LevelWarning
	default:
		return LevelNormal
	}
}

func nearestExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(abs); err == nil {
			return abs, nil
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return abs, nil
		}
		abs = parent
	}
}
