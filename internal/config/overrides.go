// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
)

// LoadPermissionOverrides reads the dashboard-owned override file mapping
// capability name to "auto" or "manual". A missing file is not an error:
// overrides are optional and the dashboard creates the file on first edit.
func LoadPermissionOverrides(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}

	overrides := map[string]string{}
	if err := json.Unmarshal(raw, &overrides); err != nil {
		// A malformed file is treated the same as a missing one so a bad
		// dashboard write never blocks the agent; the caller logs it.
		return map[string]string{}, err
	}
	return overrides, nil
}
