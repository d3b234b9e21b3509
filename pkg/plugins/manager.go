// Copyright 2026 The CAG Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package plugins discovers, instantiates, executes, and hot-reloads
// pluggable capability units.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Manager owns the plugin lifecycle. The live-instance map is guarded
// by a single RWMutex: Execute holds the read lock for the duration
// of the call, Reload holds the write lock across teardown and
// install, so an execute never observes a half-replaced instance and
// never runs against an instance mid-cleanup.
type Manager struct {
	mu          sync.RWMutex
	factories   map[string]Factory
	builtin     map[string]bool // factory names registered by code, survive reload
	loaders     map[Protocol]Loader
	definitions map[string]*DiscoveredPlugin
	descriptors map[string]*Descriptor
	live        map[string]Plugin

	versions *VersionIndex

	watcher     *Watcher
	watcherStop context.CancelFunc
	reloads     singleflight.Group
}

// NewManager creates an empty Manager. Loaders for out-of-process
// protocols are registered separately; builtin factories through
// RegisterFactory.
func NewManager() *Manager {
	return &Manager{
		factories:   make(map[string]Factory),
		builtin:     make(map[string]bool),
		loaders:     make(map[Protocol]Loader),
		definitions: make(map[string]*DiscoveredPlugin),
		descriptors: make(map[string]*Descriptor),
		live:        make(map[string]Plugin),
		versions:    NewVersionIndex(),
	}
}

// RegisterLoader registers a loader for a protocol.
func (m *Manager) RegisterLoader(loader Loader) error {
	if loader == nil {
		return fmt.Errorf("loader cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	protocol := loader.Protocol()
	if _, exists := m.loaders[protocol]; exists {
		return fmt.Errorf("loader for protocol '%s' already registered", protocol)
	}

	m.loaders[protocol] = loader
	return nil
}

// RegisterFactory registers a compiled-in plugin factory under a
// name. Builtin factories are permanent: a reload re-initializes the
// instance but keeps the factory.
func (m *Manager) RegisterFactory(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.factories[name]; exists {
		return fmt.Errorf("factory for plugin '%s' already registered", name)
	}

	m.factories[name] = factory
	m.builtin[name] = true
	return nil
}

// LoadPlugins enumerates plugin definitions in a directory and
// registers a factory for each. A failure for one definition is
// logged and skipped; it never aborts loading the rest.
func (m *Manager) LoadPlugins(dir string) error {
	discovered, err := DiscoverPlugins(dir)
	if err != nil {
		return NewPluginError("", "LoadPlugins", "discovery failed", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, def := range discovered {
		if err := m.registerDefinitionLocked(def); err != nil {
			slog.Warn("Skipping plugin", "plugin", def.Name, "error", err)
			continue
		}
		slog.Info("Registered plugin",
			"plugin", def.Name,
			"version", def.Manifest.Version,
			"protocol", def.Manifest.Protocol)
	}

	return nil
}

// registerDefinitionLocked records a discovered definition and
// installs its factory. Caller must hold m.mu.
func (m *Manager) registerDefinitionLocked(def *DiscoveredPlugin) error {
	if err := m.versions.Record(def.Name, def.Manifest); err != nil {
		// A re-seen version is normal on reload; anything else is a
		// bad manifest.
		if !errors.Is(err, ErrVersionAlreadyKnown) {
			return err
		}
	}

	m.definitions[def.Name] = def

	switch def.Manifest.Protocol {
	case ProtocolBuiltin:
		if _, ok := m.factories[def.Name]; !ok {
			return NewPluginError(def.Name, "LoadPlugins",
				"builtin plugin has no registered factory", ErrPluginNotFound)
		}
	case ProtocolRPC:
		loader, ok := m.loaders[ProtocolRPC]
		if !ok {
			return NewPluginError(def.Name, "LoadPlugins",
				"no loader for rpc plugins", ErrUnsupportedProtocol)
		}
		manifest := def.Manifest
		m.factories[def.Name] = func(ctx context.Context, desc *Descriptor) (Plugin, error) {
			return loader.Load(ctx, manifest, desc)
		}
	default:
		return NewPluginError(def.Name, "LoadPlugins",
			string(def.Manifest.Protocol), ErrUnsupportedProtocol)
	}

	return nil
}

// InitializePlugin constructs and initializes a plugin instance from
// a descriptor, registering it as live. Disabled descriptors are
// recorded but produce no instance.
func (m *Manager) InitializePlugin(ctx context.Context, name string, desc *Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initializeLocked(ctx, name, desc)
}

func (m *Manager) initializeLocked(ctx context.Context, name string, desc *Descriptor) error {
	if desc == nil {
		desc = &Descriptor{Name: name, Enabled: true}
	}
	m.descriptors[name] = desc

	if !desc.Enabled {
		slog.Debug("Plugin disabled, skipping initialization", "plugin", name)
		return nil
	}

	factory, ok := m.factories[name]
	if !ok {
		return NewPluginError(name, "InitializePlugin", "not found", ErrPluginNotFound)
	}

	instance, err := factory(ctx, desc)
	if err != nil {
		return NewPluginError(name, "InitializePlugin", "construction failed", err)
	}

	if err := instance.Initialize(ctx); err != nil {
		// Best effort: never leave a half-initialized instance holding
		// resources.
		if cerr := instance.Cleanup(ctx); cerr != nil {
			slog.Warn("Cleanup after failed initialization also failed", "plugin", name, "error", cerr)
		}
		return NewPluginError(name, "InitializePlugin", "initialization failed", err)
	}

	m.live[name] = instance
	slog.Info("Initialized plugin", "plugin", name, "version", desc.Version)
	return nil
}

// ExecutePlugin invokes a live plugin against a per-message context
// map and returns its result unchanged. It fails with *PluginError if
// the plugin is unknown, not initialized, or disabled.
func (m *Manager) ExecutePlugin(ctx context.Context, name string, contextMap map[string]any) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if desc, ok := m.descriptors[name]; ok && !desc.Enabled {
		return nil, NewPluginError(name, "ExecutePlugin", "disabled", ErrPluginDisabled)
	}

	instance, ok := m.live[name]
	if !ok {
		if _, known := m.factories[name]; known {
			return nil, NewPluginError(name, "ExecutePlugin", "not initialized", ErrPluginNotInitialized)
		}
		return nil, NewPluginError(name, "ExecutePlugin", "not found", ErrPluginNotFound)
	}

	result, err := instance.Execute(ctx, contextMap)
	if err != nil {
		return nil, NewPluginError(name, "ExecutePlugin", "execution failed", err)
	}
	return result, nil
}

// ProcessObserver is notified after each plugin execution inside
// Process with the plugin name, wall-clock duration, and outcome.
type ProcessObserver func(name string, duration time.Duration, err error)

// Process runs every enabled live plugin against a message and
// aggregates the outputs keyed by plugin name. No per-plugin error is
// swallowed at this layer: a single failure propagates to the caller.
// Observers see every execution, including the failing one.
func (m *Manager) Process(ctx context.Context, message string, contextMap map[string]any, observers ...ProcessObserver) (map[string]any, error) {
	m.mu.RLock()
	names := make([]string, 0, len(m.live))
	for name := range m.live {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	input := make(map[string]any, len(contextMap)+1)
	for k, v := range contextMap {
		input[k] = v
	}
	input["message"] = message

	results := make(map[string]any, len(names))
	for _, name := range names {
		start := time.Now()
		result, err := m.ExecutePlugin(ctx, name, input)
		for _, observe := range observers {
			observe(name, time.Since(start), err)
		}
		if err != nil {
			return nil, err
		}
		results[name] = result
	}

	return results, nil
}

// ReloadPlugin hot-reloads the plugin whose definition lives at path:
// the old instance is cleaned up and removed, the definition
// re-loaded, and, if a descriptor is on record, a new instance
// initialized. Concurrent reload requests for the same plugin are
// coalesced into one in-flight reload.
func (m *Manager) ReloadPlugin(ctx context.Context, path string) error {
	name := PluginNameFromPath(path)

	_, err, _ := m.reloads.Do(name, func() (any, error) {
		return nil, m.reload(ctx, name)
	})
	return err
}

func (m *Manager) reload(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.definitions[name]
	if !ok {
		return NewPluginError(name, "ReloadPlugin", "not found", ErrPluginNotFound)
	}

	// Tear down the old instance first; the new one is only installed
	// after, and both steps happen under the write lock.
	if instance, isLive := m.live[name]; isLive {
		if err := instance.Cleanup(ctx); err != nil {
			slog.Warn("Cleanup of old plugin instance failed", "plugin", name, "error", err)
		}
		delete(m.live, name)
		m.unloadLocked(ctx, def.Manifest.Protocol, instance)
	}

	if !m.builtin[name] {
		delete(m.factories, name)
	}

	fresh, err := loadManifest(def.ManifestPath)
	if err != nil {
		delete(m.definitions, name)
		return NewPluginError(name, "ReloadPlugin", "failed to reload definition", err)
	}

	if err := m.registerDefinitionLocked(fresh); err != nil {
		return NewPluginError(name, "ReloadPlugin", "failed to re-register", err)
	}

	slog.Info("Reloaded plugin definition", "plugin", name, "version", fresh.Manifest.Version)

	if desc, ok := m.descriptors[name]; ok {
		return m.initializeLocked(ctx, name, desc)
	}
	return nil
}

func (m *Manager) unloadLocked(ctx context.Context, protocol Protocol, instance Plugin) {
	loader, ok := m.loaders[protocol]
	if !ok {
		return
	}
	if err := loader.Unload(ctx, instance); err != nil {
		slog.Warn("Plugin unload failed", "protocol", protocol, "error", err)
	}
}

// StartWatching starts the filesystem watcher over a plugin directory
// and reloads plugins on change events. Safe to call once per
// lifecycle.
func (m *Manager) StartWatching(ctx context.Context, dir string) error {
	m.mu.Lock()
	if m.watcher != nil && m.watcher.IsWatching() {
		m.mu.Unlock()
		return nil
	}

	watcher, err := NewWatcher(WatcherConfig{Dir: dir})
	if err != nil {
		m.mu.Unlock()
		return NewPluginError("", "StartWatching", "failed to create watcher", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	events, err := watcher.Start(watchCtx)
	if err != nil {
		cancel()
		m.mu.Unlock()
		return NewPluginError("", "StartWatching", "failed to start watcher", err)
	}

	m.watcher = watcher
	m.watcherStop = cancel
	m.mu.Unlock()

	go m.consumeEvents(watchCtx, events)
	return nil
}

// StopWatching stops the filesystem watcher. Safe to call when no
// watcher is running.
func (m *Manager) StopWatching() error {
	m.mu.Lock()
	watcher := m.watcher
	cancel := m.watcherStop
	m.watcher = nil
	m.watcherStop = nil
	m.mu.Unlock()

	if watcher == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	return watcher.Stop()
}

func (m *Manager) consumeEvents(ctx context.Context, events <-chan ChangeEvent) {
	for event := range events {
		if event.Error != nil {
			slog.Error("Plugin watcher reported error", "error", event.Error)
			continue
		}

		name := PluginNameFromPath(event.Path)
		m.mu.RLock()
		_, known := m.definitions[name]
		m.mu.RUnlock()
		if !known {
			continue
		}

		// Reloads run off the consumer goroutine; singleflight keeps
		// at most one in flight per plugin name.
		path := event.Path
		go func() {
			if err := m.ReloadPlugin(ctx, path); err != nil {
				slog.Error("Plugin hot reload failed", "path", path, "error", err)
			}
		}()
	}
}

// CleanupPlugins calls Cleanup on every live instance. A failure for
// one plugin is logged and does not prevent cleaning up the others;
// the joined error is returned for the caller's records.
func (m *Manager) CleanupPlugins(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, instance := range m.live {
		if err := instance.Cleanup(ctx); err != nil {
			slog.Warn("Plugin cleanup failed", "plugin", name, "error", err)
			errs = append(errs, NewPluginError(name, "CleanupPlugins", "cleanup failed", err))
		}
		if def, ok := m.definitions[name]; ok {
			m.unloadLocked(ctx, def.Manifest.Protocol, instance)
		}
		delete(m.live, name)
	}

	return errors.Join(errs...)
}

// LivePlugins returns the names of initialized, enabled instances in
// sorted order.
func (m *Manager) LivePlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.live))
	for name := range m.live {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the names of all discovered plugin definitions.
func (m *Manager) Definitions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.definitions))
	for name := range m.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasDefinition reports whether a plugin definition or builtin
// factory is known under name.
func (m *Manager) HasDefinition(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.definitions[name]; ok {
		return true
	}
	return m.builtin[name]
}

// Versions exposes the version index for diagnostics.
func (m *Manager) Versions() *VersionIndex {
	return m.versions
}
