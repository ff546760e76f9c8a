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

	"github.com/google/uuid"

	"github.com/fleetback/fleetback/internal/engine"
)

// CheckRepository runs an integrity check on a share's repository.
func (o *Orchestrator) CheckRepository(ctx context.Context, deviceID, shareID uuid.UUID) (*engine.CheckResult, error) {
	repoPath, password, err := o.repositoryAccess(deviceID, shareID)
	if err != nil {
		return nil, err
	}
	result, err := o.engine.Check(ctx, repoPath, password)
	if result != nil {
		o.log.Info("repository check finished", "device", deviceID, "share", shareID,
			"success", result.Success, "duration", result.Duration)
	}
	return result, err
}

// UnlockRepository removes stale locks from a share's repository, for
// recovery after a crashed engine process.
func (o *Orchestrator) UnlockRepository(ctx context.Context, deviceID, shareID uuid.UUID) error {
	repoPath, password, err := o.repositoryAccess(deviceID, shareID)
	if err != nil {
		return err
	}
	return o.engine.Unlock(ctx, repoPath, password)
}
