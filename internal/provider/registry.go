// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package provider

import (
	"sync"

	dynoerr "github.com/dyno-dev/dyno/pkg/errors"
)

// Registry maps provider names to Clients and resolves the default client
// for chat requests. Registration happens once at wiring time; lookups are
// concurrent.
type Registry struct {
	mu          sync.RWMutex
	clients     map[string]Client
	defaultName string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds a client under its own name. The first registered client
// becomes the default.
func (r *Registry) Register(c Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.Name()
	if _, exists := r.clients[name]; exists {
		return dynoerr.New(dynoerr.CodeProviderRequestInvalid, "provider already registered", dynoerr.FieldProvider(name))
	}

	r.clients[name] = c
	if r.defaultName == "" {
		r.defaultName = name
	}
	return nil
}

// Get returns the named client.
func (r *Registry) Get(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[name]
	if !ok {
		return nil, dynoerr.New(dynoerr.CodeProviderNotFound, "provider not registered", dynoerr.FieldProvider(name))
	}
	return c, nil
}

// Default returns the default client.
func (r *Registry) Default() (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.defaultName == "" {
		return nil, dynoerr.New(dynoerr.CodeProviderNoDefault, "no providers registered")
	}
	return r.clients[r.defaultName], nil
}

// Close closes every registered client, joining errors.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, c := range r.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.clients = make(map[string]Client)
	r.defaultName = ""

	if len(errs) == 0 {
		return nil
	}
	return dynoerr.Join(errs...)
}
