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

// Package scheduler turns declarative device/share schedules into
// timely orchestrator calls. Triggers are derived from configuration
// and rebuilt by Reconcile; they are never independently persisted.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/fleetback/fleetback/internal/configstore"
	"github.com/fleetback/fleetback/internal/jobs"
	"github.com/fleetback/fleetback/internal/model"
)

// Executor is the slice of the orchestrator the scheduler fires into.
type Executor interface {
	ExecuteDeviceBackup(ctx context.Context, deviceID uuid.UUID, jobType model.JobType) (*model.BackupJob, error)
	ExecuteShareBackup(ctx context.Context, deviceID, shareID uuid.UUID, jobType model.JobType) (*model.BackupJob, error)
}

// trigger is one installed cron entry. The key of the trigger set is
// the target id: the share id for share-schedules, the device id for
// device-schedules.
type trigger struct {
	entryID  cron.EntryID
	deviceID uuid.UUID
	shareID  *uuid.UUID
	schedule model.Schedule
	parsed   cron.Schedule
}

// Scheduler owns the trigger set and the cron runner.
type Scheduler struct {
	mu       sync.Mutex
	triggers map[uuid.UUID]*trigger

	cron     *cron.Cron
	parser   cron.Parser
	store    *configstore.Store
	registry *jobs.Registry
	sink     jobs.Sink
	executor Executor
	log      logr.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

// New creates a scheduler. Cron expressions carry an optional seconds
// field.
func New(store *configstore.Store, registry *jobs.Registry, sink jobs.Sink, executor Executor, log logr.Logger) *Scheduler {
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	return &Scheduler{
		triggers: make(map[uuid.UUID]*trigger),
		cron:     cron.New(cron.WithParser(parser)),
		parser:   parser,
		store:    store,
		registry: registry,
		sink:     sink,
		executor: executor,
		log:      log,
		now:      time.Now,
	}
}

// Start reconciles against configuration, launches coalesced catch-up
// runs for fires missed during downtime, and starts the cron runner.
func (s *Scheduler) Start() error {
	if err := s.Reconcile(); err != nil {
		return err
	}
	s.catchUp()
	s.cron.Start()
	s.log.Info("scheduler started", "triggers", s.triggerCount())
	return nil
}

// Stop halts the cron runner and waits for in-flight fires.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.wg.Wait()
}

func (s *Scheduler) triggerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.triggers)
}

// desired is a trigger that configuration says should exist.
type desired struct {
	deviceID uuid.UUID
	shareID  *uuid.UUID
	schedule model.Schedule
}

// Reconcile diffs the desired trigger set (computed from devices and
// shares) against the installed one and installs or removes entries so
// the set exactly mirrors enabled configuration. Idempotent.
func (s *Scheduler) Reconcile() error {
	devices, err := s.store.ListDevices()
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	want := make(map[uuid.UUID]desired)
	exists := make(map[uuid.UUID]bool)
	for i := range devices {
		device := &devices[i]
		exists[device.ID] = true
		shares, err := s.store.ListShares(device.Name)
		if err != nil {
			return fmt.Errorf("failed to list shares of %s: %w", device.Name, err)
		}

		unscheduled := 0
		for j := range shares {
			share := &shares[j]
			exists[share.ID] = true
			if !share.Enabled {
				continue
			}
			if share.Schedule != nil && share.Schedule.Cron != "" {
				id := share.ID
				want[id] = desired{deviceID: device.ID, shareID: &id, schedule: *share.Schedule}
			} else {
				unscheduled++
			}
		}

		// A device schedule covers shares without one of their own.
		if device.Schedule != nil && device.Schedule.Cron != "" && unscheduled > 0 {
			want[device.ID] = desired{deviceID: device.ID, schedule: *device.Schedule}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for target, t := range s.triggers {
		d, keep := want[target]
		if keep && d.schedule == t.schedule {
			delete(want, target)
			continue
		}
		s.cron.Remove(t.entryID)
		delete(s.triggers, target)
		s.log.V(1).Info("removed trigger", "target", target)
	}

	for target, d := range want {
		if err := s.installLocked(target, d); err != nil {
			s.log.Error(err, "failed to install trigger", "target", target, "cron", d.schedule.Cron)
		}
	}

	// Deleting a device or share cancels any job still running against
	// it.
	for _, job := range s.registry.List() {
		if job.Status != model.JobStatusRunning {
			continue
		}
		if !exists[job.DeviceID] || (job.ShareID != nil && !exists[*job.ShareID]) {
			if s.registry.Cancel(job.ID) {
				s.log.Info("cancelled job for removed target", "job", job.ID, "device", job.DeviceID)
			}
		}
	}
	return nil
}

func (s *Scheduler) installLocked(target uuid.UUID, d desired) error {
	parsed, err := s.parser.Parse(d.schedule.Cron)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", d.schedule.Cron, err)
	}

	t := &trigger{
		deviceID: d.deviceID,
		shareID:  d.shareID,
		schedule: d.schedule,
		parsed:   parsed,
	}
	t.entryID = s.cron.Schedule(parsed, cron.FuncJob(func() { s.fire(t) }))
	s.triggers[target] = t
	s.log.V(1).Info("installed trigger", "target", target, "cron", d.schedule.Cron)
	return nil
}

// ScheduleShareBackup replaces any existing trigger for the share.
func (s *Scheduler) ScheduleShareBackup(device *model.Device, share *model.Share, schedule model.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.triggers[share.ID]; ok {
		s.cron.Remove(t.entryID)
		delete(s.triggers, share.ID)
	}
	id := share.ID
	return s.installLocked(share.ID, desired{deviceID: device.ID, shareID: &id, schedule: schedule})
}

// ScheduleDeviceBackup installs a device-level trigger.
func (s *Scheduler) ScheduleDeviceBackup(device *model.Device, schedule model.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.triggers[device.ID]; ok {
		s.cron.Remove(t.entryID)
		delete(s.triggers, device.ID)
	}
	return s.installLocked(device.ID, desired{deviceID: device.ID, schedule: schedule})
}

// UnscheduleShareBackup removes the share's trigger. Idempotent.
func (s *Scheduler) UnscheduleShareBackup(shareID uuid.UUID) {
	s.unschedule(shareID)
}

// UnscheduleDeviceBackup removes the device's trigger. Idempotent.
func (s *Scheduler) UnscheduleDeviceBackup(deviceID uuid.UUID) {
	s.unschedule(deviceID)
}

func (s *Scheduler) unschedule(target uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.triggers[target]; ok {
		s.cron.Remove(t.entryID)
		delete(s.triggers, target)
	}
}

// TriggerImmediateBackup bypasses the schedule and runs a Manual job
// now, blocking until it reaches a terminal state.
func (s *Scheduler) TriggerImmediateBackup(ctx context.Context, deviceID uuid.UUID, shareID *uuid.UUID) (*model.BackupJob, error) {
	if shareID != nil {
		return s.executor.ExecuteShareBackup(ctx, deviceID, *shareID, model.JobTypeManual)
	}
	return s.executor.ExecuteDeviceBackup(ctx, deviceID, model.JobTypeManual)
}

// CancelJob delegates to the job registry.
func (s *Scheduler) CancelJob(jobID uuid.UUID) bool {
	return s.registry.Cancel(jobID)
}

// fire launches one scheduled run, suppressing fires outside the
// trigger's window and fires for targets that already have an active
// job.
func (s *Scheduler) fire(t *trigger) {
	now := s.now()
	if !withinWindow(t.schedule, now) {
		s.log.V(1).Info("fire outside schedule window, skipping",
			"device", t.deviceID, "window_start", t.schedule.WindowStart, "window_end", t.schedule.WindowEnd)
		return
	}
	if s.registry.IsActiveTarget(t.deviceID, t.shareID) {
		s.log.Info("skipping fire, backup already running", "device", t.deviceID, "reason", "AlreadyRunning")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(t, model.JobTypeScheduled)
	}()
}

func (s *Scheduler) run(t *trigger, jobType model.JobType) {
	ctx := context.Background()
	var err error
	if t.shareID != nil {
		_, err = s.executor.ExecuteShareBackup(ctx, t.deviceID, *t.shareID, jobType)
	} else {
		_, err = s.executor.ExecuteDeviceBackup(ctx, t.deviceID, jobType)
	}
	if err != nil {
		s.log.Error(err, "scheduled backup failed to launch", "device", t.deviceID)
	}
}

// catchUp launches at most one run per trigger whose intended fire
// time passed while the service was down.
func (s *Scheduler) catchUp() {
	now := s.now()

	s.mu.Lock()
	var missed []*trigger
	for target, t := range s.triggers {
		lastRun, ok := s.sink.LastRun(t.deviceID, t.shareID)
		if !ok {
			// Never ran before; wait for the next regular fire.
			continue
		}
		next := t.parsed.Next(lastRun)
		if next.Before(now) && withinWindow(t.schedule, now) {
			missed = append(missed, t)
			s.log.Info("coalesced missed fire, launching catch-up run",
				"target", target, "intended", next)
		}
	}
	s.mu.Unlock()

	for _, t := range missed {
		if s.registry.IsActiveTarget(t.deviceID, t.shareID) {
			continue
		}
		t := t
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(t, model.JobTypeScheduled)
		}()
	}
}

// withinWindow reports whether now's local clock time falls inside the
// schedule's window. An empty window always passes; a window whose
// start is after its end wraps midnight.
func withinWindow(schedule model.Schedule, now time.Time) bool {
	if schedule.WindowStart == "" && schedule.WindowEnd == "" {
		return true
	}
	start, err := parseClock(schedule.WindowStart)
	if err != nil {
		return true
	}
	end, err := parseClock(schedule.WindowEnd)
	if err != nil {
		return true
	}

	minutes := now.Hour()*60 + now.Minute()
	if start <= end {
		return minutes >= start && minutes <= end
	}
	return minutes >= start || minutes <= end
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
