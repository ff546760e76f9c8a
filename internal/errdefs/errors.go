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

// Package errdefs defines the sentinel errors shared across the service.
// Callers classify failures with errors.Is and wrap with fmt.Errorf("%w").
package errdefs

import "errors"

// Validation errors (caller fault).
var (
	ErrDeviceNotFound       = errors.New("device not found")
	ErrShareNotFound        = errors.New("share not found")
	ErrShareMismatch        = errors.New("share does not belong to device")
	ErrShareDisabled        = errors.New("share is disabled")
	ErrNoEnabledShares      = errors.New("device has no enabled shares")
	ErrInvalidName          = errors.New("invalid name")
	ErrInvalidRestoreTarget = errors.New("invalid restore target")
	ErrInvalidMAC           = errors.New("invalid MAC address")
)

// Environment errors.
var (
	ErrMountFailed       = errors.New("mount failed")
	ErrRepositoryMissing = errors.New("repository does not exist")
	ErrEngineInitFailed  = errors.New("repository initialization failed")
	ErrStorageExhausted  = errors.New("storage exhausted")
)

// Engine stream errors.
var (
	ErrEngineBackupFailed = errors.New("backup engine failed")
)

// ErrCancelled is terminal control flow: once a job is cancelled it is
// never reclassified as Failed or Completed.
var ErrCancelled = errors.New("backup cancelled by user")

// CancelledMessage is the canonical error_message recorded on a
// cancelled job.
const CancelledMessage = "Backup cancelled by user"
