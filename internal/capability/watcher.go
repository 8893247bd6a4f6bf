// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package capability

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/dyno-dev/dyno/internal/config"
	dynoerr "github.com/dyno-dev/dyno/pkg/errors"
)

// WatchOverrides loads the permission override file into the policy, then
// watches its directory and re-applies the file whenever it changes. Editors
// tend to replace files rather than write in place, so the watch is on the
// parent directory. Blocks until ctx is done.
func WatchOverrides(ctx context.Context, path string, policy *Policy, logger *slog.Logger) error {
	applyOverrides(path, policy, logger)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return dynoerr.Wrap(err, dynoerr.CodeConfigLoadReadFailure, "creating override watcher")
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return dynoerr.Wrap(err, dynoerr.CodeConfigLoadReadFailure, "watching override directory", dynoerr.Field("dir", dir))
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			applyOverrides(path, policy, logger)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("override watcher error", "error", err)
		}
	}
}

func applyOverrides(path string, policy *Policy, logger *slog.Logger) {
	overrides, err := config.LoadPermissionOverrides(path)
	if err != nil {
		logger.Warn("ignoring malformed permission overrides", "path", path, "error", err)
	}
	policy.SetOverrides(overrides)
	if len(overrides) > 0 {
		logger.Info("applied permission overrides", "path", path, "count", len(overrides))
	}
}
