// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package adapter

import (
	"sort"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// ErrAlreadyRegistered is returned on duplicate adapter registration.
var ErrAlreadyRegistered = errs.Class("adapter already registered")

// Constructor builds a named adapter from host configuration.
type Constructor func(log *zap.Logger) (Adapter, error)

// Registry maps adapter names to constructors. It is populated during host
// initialization and read-only on the hot path; tests reset it with Clear.
type Registry struct {
	mu           sync.Mutex
	constructors map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: map[string]Constructor{}}
}

// Register adds a constructor under name.
func (registry *Registry) Register(name string, constructor Constructor) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, ok := registry.constructors[name]; ok {
		return ErrAlreadyRegistered.New("%q", name)
	}
	registry.constructors[name] = constructor
	return nil
}

// New constructs the adapter registered under name.
func (registry *Registry) New(name string, log *zap.Logger) (Adapter, error) {
	registry.mu.Lock()
	constructor, ok := registry.constructors[name]
	registry.mu.Unlock()
	if !ok {
		return nil, Error.New("adapter %q is not registered", name)
	}
	return constructor(log)
}

// Names lists the registered adapter names in sorted order.
func (registry *Registry) Names() []string {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	names := make([]string, 0, len(registry.constructors))
	for name := range registry.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear removes all registrations.
func (registry *Registry) Clear() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.constructors = map[string]Constructor{}
}
