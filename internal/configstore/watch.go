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

package configstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow collapses bursts of file events (a commit touches a
// temp file and a rename) into one change notification.
const debounceWindow = 500 * time.Millisecond

// Watch invokes onChange after any mutation of the device or share
// records until ctx is done. Events for temp files and the commit
// journal are ignored.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	dirs := []string{filepath.Join(s.root, devicesDir), filepath.Join(s.root, sharesDir)}
	shareDirs, err := filepath.Glob(filepath.Join(s.root, sharesDir, "*"))
	if err == nil {
		dirs = append(dirs, shareDirs...)
	}
	for _, d := range dirs {
		if err := w.Add(d); err != nil {
			w.Close()
			return fmt.Errorf("failed to watch %s: %w", d, err)
		}
	}

	go func() {
		defer w.Close()

		var timer *time.Timer
		fire := make(chan struct{}, 1)

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".yaml") {
					// A new device grows a share directory; start
					// watching it.
					if ev.Op.Has(fsnotify.Create) {
						_ = w.Add(ev.Name)
					}
					continue
				}
				if timer == nil {
					timer = time.AfterFunc(debounceWindow, func() {
						select {
						case fire <- struct{}{}:
						default:
						}
					})
				} else {
					timer.Reset(debounceWindow)
				}

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Error(err, "config watcher error")

			case <-fire:
				timer = nil
				s.log.V(1).Info("configuration changed on disk")
				onChange()
			}
		}
	}()

	return nil
}
