// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

// Package secrets stores provider API keys in the OS keyring. On macOS this
// is the Keychain, on Linux secret-service over D-Bus, and on Windows the
// Credential Manager.
package secrets

// Store provides secure secret storage operations.
type Store interface {
	// Set saves a secret value under the given name.
	Set(name, value string) error

	// Get fetches the secret for the given name. Absent names fail with
	// CodeSecretNotFound.
	Get(name string) (string, error)

	// Delete removes the secret for the given name. Absent names fail with
	// CodeSecretNotFound.
	Delete(name string) error

	// List returns all stored secret names.
	List() ([]string, error)
}
