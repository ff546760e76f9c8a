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

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/fleetback/fleetback/internal/configstore"
	"github.com/fleetback/fleetback/internal/jobs"
	"github.com/fleetback/fleetback/internal/model"
)

// fakeExecutor records orchestrator calls.
type fakeExecutor struct {
	mu          sync.Mutex
	deviceCalls []uuid.UUID
	shareCalls  [][2]uuid.UUID
	types       []model.JobType
	done        chan struct{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{done: make(chan struct{}, 16)}
}

func (f *fakeExecutor) ExecuteDeviceBackup(ctx context.Context, deviceID uuid.UUID, jobType model.JobType) (*model.BackupJob, error) {
	f.mu.Lock()
	f.deviceCalls = append(f.deviceCalls, deviceID)
	f.types = append(f.types, jobType)
	f.mu.Unlock()
	f.done <- struct{}{}
	return &model.BackupJob{ID: uuid.New(), DeviceID: deviceID, Type: jobType, Status: model.JobStatusCompleted}, nil
}

func (f *fakeExecutor) ExecuteShareBackup(ctx context.Context, deviceID, shareID uuid.UUID, jobType model.JobType) (*model.BackupJob, error) {
	f.mu.Lock()
	f.shareCalls = append(f.shareCalls, [2]uuid.UUID{deviceID, shareID})
	f.types = append(f.types, jobType)
	f.mu.Unlock()
	f.done <- struct{}{}
	share := shareID
	return &model.BackupJob{ID: uuid.New(), DeviceID: deviceID, ShareID: &share, Type: jobType, Status: model.JobStatusCompleted}, nil
}

func (f *fakeExecutor) shareCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.shareCalls)
}

func (f *fakeExecutor) deviceCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deviceCalls)
}

type fixture struct {
	sched    *Scheduler
	store    *configstore.Store
	registry *jobs.Registry
	sink     *jobs.FileSink
	executor *fakeExecutor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logr.Discard()
	store, err := configstore.NewStore(t.TempDir(), log)
	if err != nil {
		t.Fatal(err)
	}
	sink, err := jobs.NewFileSink(t.TempDir(), log)
	if err != nil {
		t.Fatal(err)
	}
	registry := jobs.NewRegistry(sink, jobs.RegistryOptions{}, log)
	executor := newFakeExecutor()
	return &fixture{
		sched:    New(store, registry, sink, executor, log),
		store:    store,
		registry: registry,
		sink:     sink,
		executor: executor,
	}
}

func (f *fixture) addDevice(t *testing.T, name string, schedule *model.Schedule) *model.Device {
	t.Helper()
	device := &model.Device{
		ID:       uuid.New(),
		Name:     name,
		Protocol: model.ProtocolSMB,
		Host:     name + ".local",
		Schedule: schedule,
	}
	if err := f.store.SaveDevice(device, "add device"); err != nil {
		t.Fatal(err)
	}
	return device
}

func (f *fixture) addShare(t *testing.T, device *model.Device, name string, enabled bool, schedule *model.Schedule) *model.Share {
	t.Helper()
	share := &model.Share{
		ID:       uuid.New(),
		DeviceID: device.ID,
		Name:     name,
		Path:     "/" + name,
		Enabled:  enabled,
		Schedule: schedule,
	}
	if err := f.store.SaveShare(device.Name, share, "add share"); err != nil {
		t.Fatal(err)
	}
	return share
}

func TestReconcileMirrorsConfiguration(t *testing.T) {
	f := newFixture(t)

	deviceSched := &model.Schedule{Cron: "0 0 2 * * *"}
	shareSched := &model.Schedule{Cron: "0 30 1 * * *"}

	device := f.addDevice(t, "nas1", deviceSched)
	scheduledShare := f.addShare(t, device, "media", true, shareSched)
	f.addShare(t, device, "docs", true, nil)

	if err := f.sched.Reconcile(); err != nil {
		t.Fatal(err)
	}

	// One share trigger, one device trigger for the unscheduled share.
	if got := f.sched.triggerCount(); got != 2 {
		t.Fatalf("triggers = %d, want 2", got)
	}

	// Reconcile is idempotent.
	if err := f.sched.Reconcile(); err != nil {
		t.Fatal(err)
	}
	if got := f.sched.triggerCount(); got != 2 {
		t.Errorf("triggers after second reconcile = %d, want 2", got)
	}

	// Disabling the scheduled share removes its trigger.
	scheduledShare.Enabled = false
	if err := f.store.SaveShare(device.Name, scheduledShare, "disable share"); err != nil {
		t.Fatal(err)
	}
	if err := f.sched.Reconcile(); err != nil {
		t.Fatal(err)
	}
	if got := f.sched.triggerCount(); got != 1 {
		t.Errorf("triggers after disable = %d, want 1", got)
	}

	// Removing the device removes everything.
	if err := f.store.DeleteDevice(device.Name, "remove device"); err != nil {
		t.Fatal(err)
	}
	if err := f.sched.Reconcile(); err != nil {
		t.Fatal(err)
	}
	if got := f.sched.triggerCount(); got != 0 {
		t.Errorf("triggers after device removal = %d, want 0", got)
	}
}

func TestReconcileNoDeviceTriggerWhenAllSharesScheduled(t *testing.T) {
	f := newFixture(t)

	device := f.addDevice(t, "nas1", &model.Schedule{Cron: "0 0 2 * * *"})
	f.addShare(t, device, "media", true, &model.Schedule{Cron: "0 30 1 * * *"})

	if err := f.sched.Reconcile(); err != nil {
		t.Fatal(err)
	}
	// Every enabled share has its own trigger, so the device schedule
	// covers nothing.
	if got := f.sched.triggerCount(); got != 1 {
		t.Errorf("triggers = %d, want 1", got)
	}
}

func TestReconcileReplacesChangedSchedule(t *testing.T) {
	f := newFixture(t)
	device := f.addDevice(t, "nas1", nil)
	share := f.addShare(t, device, "media", true, &model.Schedule{Cron: "0 0 2 * * *"})

	if err := f.sched.Reconcile(); err != nil {
		t.Fatal(err)
	}

	share.Schedule = &model.Schedule{Cron: "0 0 4 * * *"}
	if err := f.store.SaveShare(device.Name, share, "change schedule"); err != nil {
		t.Fatal(err)
	}
	if err := f.sched.Reconcile(); err != nil {
		t.Fatal(err)
	}

	if got := f.sched.triggerCount(); got != 1 {
		t.Errorf("triggers = %d, want 1", got)
	}
	f.sched.mu.Lock()
	installed := f.sched.triggers[share.ID].schedule.Cron
	f.sched.mu.Unlock()
	if installed != "0 0 4 * * *" {
		t.Errorf("installed cron = %q, want the new expression", installed)
	}
}

func TestFireSuppressedWhenTargetActive(t *testing.T) {
	f := newFixture(t)
	device := f.addDevice(t, "nas1", nil)
	share := f.addShare(t, device, "media", true, &model.Schedule{Cron: "* * * * * *"})

	if err := f.sched.Reconcile(); err != nil {
		t.Fatal(err)
	}

	// Simulate an already-running job for the same target.
	running := &model.BackupJob{
		ID: uuid.New(), DeviceID: device.ID, ShareID: &share.ID,
		Status: model.JobStatusRunning, StartedAt: time.Now(),
	}
	_, cancel := context.WithCancel(context.Background())
	f.registry.Track(running, cancel)

	f.sched.mu.Lock()
	trig := f.sched.triggers[share.ID]
	f.sched.mu.Unlock()
	f.sched.fire(trig)
	f.sched.wg.Wait()

	if got := f.executor.shareCallCount(); got != 0 {
		t.Errorf("fire launched despite active job, calls = %d", got)
	}

	// After the job finishes the next fire goes through.
	f.registry.Finalize(running.ID, model.JobStatusCompleted, nil)
	f.registry.Untrack(running.ID)
	f.sched.fire(trig)
	f.sched.wg.Wait()

	if got := f.executor.shareCallCount(); got != 1 {
		t.Errorf("fire after completion: calls = %d, want 1", got)
	}
}

func TestFireOutsideWindowSkipped(t *testing.T) {
	f := newFixture(t)
	device := f.addDevice(t, "nas1", nil)
	f.addShare(t, device, "media", true, &model.Schedule{
		Cron:        "* * * * * *",
		WindowStart: "01:00",
		WindowEnd:   "05:00",
	})
	if err := f.sched.Reconcile(); err != nil {
		t.Fatal(err)
	}

	// Pin the clock to noon, outside the window.
	f.sched.now = func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	}

	f.sched.mu.Lock()
	var trig *trigger
	for _, t := range f.sched.triggers {
		trig = t
	}
	f.sched.mu.Unlock()

	f.sched.fire(trig)
	f.sched.wg.Wait()
	if got := f.executor.shareCallCount(); got != 0 {
		t.Errorf("fire launched outside window, calls = %d", got)
	}

	// Inside the window it fires.
	f.sched.now = func() time.Time {
		return time.Date(2026, 3, 1, 3, 0, 0, 0, time.Local)
	}
	f.sched.fire(trig)
	f.sched.wg.Wait()
	if got := f.executor.shareCallCount(); got != 1 {
		t.Errorf("fire inside window: calls = %d, want 1", got)
	}
}

func TestWithinWindow(t *testing.T) {
	at := func(hour, minute int) time.Time {
		return time.Date(2026, 3, 1, hour, minute, 0, 0, time.Local)
	}
	tests := []struct {
		name     string
		schedule model.Schedule
		now      time.Time
		want     bool
	}{
		{"no window", model.Schedule{}, at(12, 0), true},
		{"inside", model.Schedule{WindowStart: "01:00", WindowEnd: "05:00"}, at(3, 0), true},
		{"at start", model.Schedule{WindowStart: "01:00", WindowEnd: "05:00"}, at(1, 0), true},
		{"at end", model.Schedule{WindowStart: "01:00", WindowEnd: "05:00"}, at(5, 0), true},
		{"outside", model.Schedule{WindowStart: "01:00", WindowEnd: "05:00"}, at(6, 0), false},
		{"wrapping inside late", model.Schedule{WindowStart: "22:00", WindowEnd: "04:00"}, at(23, 30), true},
		{"wrapping inside early", model.Schedule{WindowStart: "22:00", WindowEnd: "04:00"}, at(2, 0), true},
		{"wrapping outside", model.Schedule{WindowStart: "22:00", WindowEnd: "04:00"}, at(12, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := withinWindow(tt.schedule, tt.now); got != tt.want {
				t.Errorf("withinWindow() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCatchUpLaunchesMissedFire(t *testing.T) {
	f := newFixture(t)
	device := f.addDevice(t, "nas1", nil)
	share := f.addShare(t, device, "media", true, &model.Schedule{Cron: "0 0 2 * * *"})

	// The last recorded run is two days old, so at least one fire was
	// missed during downtime.
	old := &model.BackupJob{
		ID: uuid.New(), DeviceID: device.ID, ShareID: &share.ID,
		Type: model.JobTypeScheduled, Status: model.JobStatusCompleted,
		StartedAt: time.Now().Add(-48 * time.Hour),
	}
	if err := f.sink.Record(old); err != nil {
		t.Fatal(err)
	}

	if err := f.sched.Reconcile(); err != nil {
		t.Fatal(err)
	}
	f.sched.catchUp()
	f.sched.wg.Wait()

	if got := f.executor.shareCallCount(); got != 1 {
		t.Errorf("catch-up calls = %d, want exactly 1", got)
	}
}

func TestCatchUpSkipsNeverRunTargets(t *testing.T) {
	f := newFixture(t)
	device := f.addDevice(t, "nas1", nil)
	f.addShare(t, device, "media", true, &model.Schedule{Cron: "0 0 2 * * *"})

	if err := f.sched.Reconcile(); err != nil {
		t.Fatal(err)
	}
	f.sched.catchUp()
	f.sched.wg.Wait()

	if got := f.executor.shareCallCount(); got != 0 {
		t.Errorf("catch-up launched for a target with no history")
	}
}

func TestTriggerImmediateBackup(t *testing.T) {
	f := newFixture(t)
	deviceID := uuid.New()
	shareID := uuid.New()

	job, err := f.sched.TriggerImmediateBackup(context.Background(), deviceID, &shareID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Type != model.JobTypeManual {
		t.Errorf("job type = %s, want manual", job.Type)
	}
	if f.executor.shareCallCount() != 1 {
		t.Errorf("share executor not called")
	}

	if _, err := f.sched.TriggerImmediateBackup(context.Background(), deviceID, nil); err != nil {
		t.Fatal(err)
	}
	if f.executor.deviceCallCount() != 1 {
		t.Errorf("device executor not called")
	}
}

func TestReconcileCancelsJobsForRemovedTargets(t *testing.T) {
	f := newFixture(t)
	device := f.addDevice(t, "nas1", nil)
	share := f.addShare(t, device, "media", true, nil)

	running := &model.BackupJob{
		ID: uuid.New(), DeviceID: device.ID, ShareID: &share.ID,
		Status: model.JobStatusRunning, StartedAt: time.Now(),
	}
	_, cancel := context.WithCancel(context.Background())
	f.registry.Track(running, cancel)

	// With the share still present the job is untouched.
	if err := f.sched.Reconcile(); err != nil {
		t.Fatal(err)
	}
	got, _ := f.registry.Get(running.ID)
	if got.Status != model.JobStatusRunning {
		t.Fatalf("job status = %s after no-op reconcile", got.Status)
	}

	if err := f.store.DeleteShare(device.Name, share.Name, "remove share"); err != nil {
		t.Fatal(err)
	}
	if err := f.sched.Reconcile(); err != nil {
		t.Fatal(err)
	}
	got, _ = f.registry.Get(running.ID)
	if got.Status != model.JobStatusCancelled {
		t.Errorf("job status = %s, want cancelled after share removal", got.Status)
	}
}

func TestCancelJobDelegates(t *testing.T) {
	f := newFixture(t)

	job := &model.BackupJob{
		ID: uuid.New(), DeviceID: uuid.New(),
		Status: model.JobStatusRunning, StartedAt: time.Now(),
	}
	_, cancel := context.WithCancel(context.Background())
	f.registry.Track(job, cancel)

	if !f.sched.CancelJob(job.ID) {
		t.Errorf("CancelJob returned false for a running job")
	}
	if f.sched.CancelJob(uuid.New()) {
		t.Errorf("CancelJob returned true for an unknown job")
	}
}
