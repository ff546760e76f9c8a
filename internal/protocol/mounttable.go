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

package protocol

import (
	"fmt"
	"sync"
)

// mountEntry is one live kernel mount shared by refs users.
type mountEntry struct {
	key  string
	path string
	refs int

	// cleanup runs after the last unmount (credential files etc.).
	cleanup func()
}

// mountTable reference-counts mounts per (host, share) key so two
// shares addressing the same remote path share one kernel mount. One
// table exists per driver for the lifetime of the process; Mount and
// Unmount are atomic with respect to it.
type mountTable struct {
	mu     sync.Mutex
	byKey  map[string]*mountEntry
	byPath map[string]*mountEntry
}

func newMountTable() *mountTable {
	return &mountTable{
		byKey:  make(map[string]*mountEntry),
		byPath: make(map[string]*mountEntry),
	}
}

// acquire returns the existing mount for key (bumping its refcount) or
// performs a new mount via do. do returns the mount path and an
// optional cleanup to run on final release.
func (t *mountTable) acquire(key string, do func() (string, func(), error)) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.byKey[key]; ok {
		e.refs++
		return e.path, nil
	}

	path, cleanup, err := do()
	if err != nil {
		return "", err
	}

	e := &mountEntry{key: key, path: path, refs: 1, cleanup: cleanup}
	t.byKey[key] = e
	t.byPath[path] = e
	return path, nil
}

// release drops one reference for the mount at path. When the count
// reaches zero, do tears down the kernel mount and cleanup runs.
func (t *mountTable) release(path string, do func(string) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byPath[path]
	if !ok {
		return fmt.Errorf("no mount tracked at %s", path)
	}

	e.refs--
	if e.refs > 0 {
		return nil
	}

	delete(t.byKey, e.key)
	delete(t.byPath, e.path)
	err := do(path)
	if e.cleanup != nil {
		e.cleanup()
	}
	return err
}

// releaseAll tears down every mount regardless of refcounts. Service
// shutdown only.
func (t *mountTable) releaseAll(do func(string) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for _, e := range t.byKey {
		if err := do(e.path); err != nil && firstErr == nil {
			firstErr = err
		}
		if e.cleanup != nil {
			e.cleanup()
		}
	}
	t.byKey = make(map[string]*mountEntry)
	t.byPath = make(map[string]*mountEntry)
	return firstErr
}

// size returns the number of live mounts.
func (t *mountTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byKey)
}
