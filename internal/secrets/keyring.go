// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package secrets

import (
	"encoding/json"
	"errors"

	"github.com/zalando/go-keyring"

	dynoerr "github.com/dyno-dev/dyno/pkg/errors"
)

// indexKey is the keyring entry holding the JSON list of stored names.
// go-keyring cannot enumerate keys, so List works off this index.
const indexKey = "::names-index"

// KeyringStore implements Store on the OS keyring under a single service
// name.
type KeyringStore struct {
	service string
}

// NewKeyringStore returns a KeyringStore scoped to the given service name.
func NewKeyringStore(service string) *KeyringStore {
	return &KeyringStore{service: service}
}

var _ Store = (*KeyringStore)(nil)

func (s *KeyringStore) Set(name, value string) error {
	if name == "" {
		return dynoerr.New(dynoerr.CodeSecretInvalidInput, "secret name must not be empty")
	}

	if err := keyring.Set(s.service, name, value); err != nil {
		return dynoerr.Wrapf(err, dynoerr.CodeSecretStoreFailure, "storing secret %s", name)
	}
	return s.addToIndex(name)
}

func (s *KeyringStore) Get(name string) (string, error) {
	if name == "" {
		return "", dynoerr.New(dynoerr.CodeSecretInvalidInput, "secret name must not be empty")
	}

	val, err := keyring.Get(s.service, name)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", dynoerr.Errorf(dynoerr.CodeSecretNotFound, "secret %s not found", name)
		}
		return "", dynoerr.Wrapf(err, dynoerr.CodeSecretStoreFailure, "retrieving secret %s", name)
	}
	return val, nil
}

func (s *KeyringStore) Delete(name string) error {
	if name == "" {
		return dynoerr.New(dynoerr.CodeSecretInvalidInput, "secret name must not be empty")
	}

	if err := keyring.Delete(s.service, name); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return dynoerr.Errorf(dynoerr.CodeSecretNotFound, "secret %s not found", name)
		}
		return dynoerr.Wrapf(err, dynoerr.CodeSecretDeleteFailure, "deleting secret %s", name)
	}
	return s.removeFromIndex(name)
}

func (s *KeyringStore) List() ([]string, error) {
	return s.loadIndex()
}

func (s *KeyringStore) loadIndex() ([]string, error) {
	raw, err := keyring.Get(s.service, indexKey)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, dynoerr.Wrapf(err, dynoerr.CodeSecretListFailure, "loading name index")
	}

	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, dynoerr.Wrapf(err, dynoerr.CodeSecretListFailure, "decoding name index")
	}
	return names, nil
}

func (s *KeyringStore) saveIndex(names []string) error {
	if len(names) == 0 {
		// Drop the index entry entirely when the last name goes away.
		_ = keyring.Delete(s.service, indexKey)
		return nil
	}

	data, err := json.Marshal(names)
	if err != nil {
		return dynoerr.Wrapf(err, dynoerr.CodeSecretListFailure, "encoding name index")
	}
	if err := keyring.Set(s.service, indexKey, string(data)); err != nil {
		return dynoerr.Wrapf(err, dynoerr.CodeSecretListFailure, "saving name index")
	}
	return nil
}

func (s *KeyringStore) addToIndex(name string) error {
	names, err := s.loadIndex()
	if err != nil {
		return err
	}
	for _, n := range names {
		if n == name {
			return nil
		}
	}
	return s.saveIndex(append(names, name))
}

func (s *KeyringStore) removeFromIndex(name string) error {
	names, err := s.loadIndex()
	if err != nil {
		return err
	}
	filtered := names[:0]
	for _, n := range names {
		if n != name {
			filtered = append(filtered, n)
		}
	}
	return s.saveIndex(filtered)
}
