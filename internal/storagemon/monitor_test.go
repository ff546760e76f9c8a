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

package storagemon

import (
	"testing"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
)

// fakeStatfs returns a monitor whose volume has the given geometry.
func fakeStatfs(totalBlocks, freeBlocks, availBlocks uint64) func(string, *unix.Statfs_t) error {
	return func(_ string, st *unix.Statfs_t) error {
		st.Bsize = 4096
		st.Blocks = totalBlocks
		st.Bfree = freeBlocks
		st.Bavail = availBlocks
		return nil
	}
}

func newFakeMonitor(usedPct float64) *Monitor {
	const total = 1000000
	free := uint64(float64(total) * (100 - usedPct) / 100)
	m := NewMonitor(DefaultThresholds(), logr.Discard())
	m.statfs = fakeStatfs(total, free, free)
	return m
}

func TestStatusThresholdLevels(t *testing.T) {
	tests := []struct {
		name     string
		usedPct  float64
		expected ThresholdLevel
	}{
		{"normal at 50%", 50, LevelNormal},
		{"normal just below warning", 79, LevelNormal},
		{"warning at 80%", 80, LevelWarning},
		{"warning below critical", 89, LevelWarning},
		{"critical at 90%", 90, LevelCritical},
		{"exhausted at 95%", 95, LevelExhausted},
		{"exhausted at 99%", 99, LevelExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newFakeMonitor(tt.usedPct)
			status, err := m.Status("/")
			if err != nil {
				t.Fatalf("Status() error = %v", err)
			}
			if status.Level != tt.expected {
				t.Errorf("level = %s, want %s (used %.1f%%)", status.Level, tt.expected, status.UsedPercentage)
			}
		})
	}
}

func TestStatusFields(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), logr.Discard())
	m.statfs = fakeStatfs(1000, 400, 380)

	status, err := m.Status("/data")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if status.Path != "/data" {
		t.Errorf("path = %s, want /data", status.Path)
	}
	if status.TotalBytes != 1000*4096 {
		t.Errorf("total = %d, want %d", status.TotalBytes, 1000*4096)
	}
	if status.UsedBytes != 600*4096 {
		t.Errorf("used = %d, want %d", status.UsedBytes, 600*4096)
	}
	if status.AvailableBytes != 380*4096 {
		t.Errorf("available = %d, want %d", status.AvailableBytes, 380*4096)
	}
	if status.Message == "" {
		t.Error("expected non-empty message")
	}
}

func TestHasSufficientSpace(t *testing.T) {
	tests := []struct {
		name       string
		thresholds Thresholds
		availBytes uint64
		estimated  uint64
		expected   bool
	}{
		{
			name:       "plenty of space",
			thresholds: Thresholds{WarningPercent: 80, CriticalPercent: 90, ExhaustedPercent: 95, MinFreeBytes: 1024},
			availBytes: 1 << 20,
			estimated:  1024,
			expected:   true,
		},
		{
			name:       "estimated plus headroom exceeds available",
			thresholds: Thresholds{WarningPercent: 80, CriticalPercent: 90, ExhaustedPercent: 95, MinFreeBytes: 1 << 20},
			availBytes: 1 << 20,
			estimated:  1,
			expected:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(tt.thresholds, logr.Discard())
			blocks := tt.availBytes / 4096
			m.statfs = fakeStatfs(blocks*2, blocks, blocks)

			ok, err := m.HasSufficientSpace("/", tt.estimated)
			if err != nil {
				t.Fatalf("HasSufficientSpace() error = %v", err)
			}
			if ok != tt.expected {
				t.Errorf("HasSufficientSpace() = %v, want %v", ok, tt.expected)
			}
		})
	}
}

func TestHasSufficientSpaceExhaustedVolume(t *testing.T) {
	// Even with room for the estimate, an exhausted volume refuses.
	m := NewMonitor(DefaultThresholds(), logr.Discard())
	m.statfs = fakeStatfs(1000000, 10000, 10000) // 99% used

	ok, err := m.HasSufficientSpace("/", 1)
	if err != nil {
		t.Fatalf("HasSufficientSpace() error = %v", err)
	}
	if ok {
		t.Error("expected false for exhausted volume")
	}
}
