// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchDebounce coalesces the bursts of events editors produce on save.
const WatchDebounce = 100 * time.Millisecond

// ChangeFunc receives the reloaded configuration, or the error that
// prevented loading it.
type ChangeFunc func(cfg *Config, err error)

// Watch reloads path whenever it changes and passes the result to fn
// until ctx is done. The parent directory is watched so that atomic
// replacements are seen.
func Watch(ctx context.Context, path string, fn ChangeFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		timer := time.NewTimer(WatchDebounce)
		timer.Stop()
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					timer.Reset(WatchDebounce)
				}

			case <-timer.C:
				fn(LoadFromPath(path))

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				fn(nil, err)
			}
		}
	}()
	return nil
}
