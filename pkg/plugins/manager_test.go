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

package plugins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPlugin is a controllable in-process capability unit.
type testPlugin struct {
	name         string
	initErr      error
	execErr      error
	cleanupErr   error
	cleanupDelay time.Duration

	mu          sync.Mutex
	initialized bool
	cleaned     bool
}

func (p *testPlugin) Initialize(ctx context.Context) error {
	if p.initErr != nil {
		return p.initErr
	}
	p.mu.Lock()
	p.initialized = true
	p.mu.Unlock()
	return nil
}

func (p *testPlugin) Execute(ctx context.Context, contextMap map[string]any) (map[string]any, error) {
	p.mu.Lock()
	cleaned := p.cleaned
	p.mu.Unlock()
	if cleaned {
		return nil, errors.New("execute called on cleaned-up instance")
	}
	if p.execErr != nil {
		return nil, p.execErr
	}
	return map[string]any{"echo": contextMap["message"], "plugin": p.name}, nil
}

func (p *testPlugin) Cleanup(ctx context.Context) error {
	if p.cleanupDelay > 0 {
		time.Sleep(p.cleanupDelay)
	}
	p.mu.Lock()
	p.cleaned = true
	p.mu.Unlock()
	return p.cleanupErr
}

func (p *testPlugin) Manifest() *Manifest {
	return &Manifest{Name: p.name, Version: "1.0.0", Protocol: ProtocolBuiltin}
}

func staticFactory(p *testPlugin) Factory {
	return func(ctx context.Context, desc *Descriptor) (Plugin, error) {
		return p, nil
	}
}

func writeManifest(t *testing.T, dir, name, version string) string {
	t.Helper()
	path := filepath.Join(dir, name+ManifestSuffix)
	data := fmt.Sprintf("plugin:\n  name: %s\n  version: %s\n  protocol: builtin\n", name, version)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func enabledDescriptor(name string) *Descriptor {
	return &Descriptor{Name: name, Version: "1.0.0", Enabled: true}
}

func TestManager_InitializeAndExecute(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	p := &testPlugin{name: "echo"}

	require.NoError(t, m.RegisterFactory("echo", staticFactory(p)))
	require.NoError(t, m.InitializePlugin(ctx, "echo", enabledDescriptor("echo")))

	result, err := m.ExecutePlugin(ctx, "echo", map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", result["echo"])
	assert.Equal(t, []string{"echo"}, m.LivePlugins())
}

func TestManager_ExecuteUnknownPlugin(t *testing.T) {
	m := NewManager()

	_, err := m.ExecutePlugin(context.Background(), "nonexistent", map[string]any{})
	require.Error(t, err)

	var perr *PluginError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, ErrPluginNotFound)
	assert.Contains(t, err.Error(), "not found")
}

func TestManager_ExecuteNotInitialized(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.RegisterFactory("echo", staticFactory(&testPlugin{name: "echo"})))

	_, err := m.ExecutePlugin(context.Background(), "echo", map[string]any{})
	assert.ErrorIs(t, err, ErrPluginNotInitialized)
}

func TestManager_ExecuteDisabled(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	require.NoError(t, m.RegisterFactory("echo", staticFactory(&testPlugin{name: "echo"})))
	require.NoError(t, m.InitializePlugin(ctx, "echo", &Descriptor{Name: "echo", Enabled: false}))

	// Disabled descriptors are recorded but never go live.
	assert.Empty(t, m.LivePlugins())

	_, err := m.ExecutePlugin(ctx, "echo", map[string]any{})
	assert.ErrorIs(t, err, ErrPluginDisabled)
}

func TestManager_InitializeFailureNotLive(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	p := &testPlugin{name: "broken", initErr: errors.New("no database")}
	require.NoError(t, m.RegisterFactory("broken", staticFactory(p)))

	err := m.InitializePlugin(ctx, "broken", enabledDescriptor("broken"))
	require.Error(t, err)

	var perr *PluginError
	assert.ErrorAs(t, err, &perr)
	assert.Empty(t, m.LivePlugins())
}

func TestManager_InitializeUnknownFactory(t *testing.T) {
	m := NewManager()
	err := m.InitializePlugin(context.Background(), "ghost", enabledDescriptor("ghost"))
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestManager_ProcessAggregatesResults(t *testing.T) {
	ctx := context.Background()
	m := NewManager()

	for _, name := range []string{"alpha", "beta"} {
		require.NoError(t, m.RegisterFactory(name, staticFactory(&testPlugin{name: name})))
		require.NoError(t, m.InitializePlugin(ctx, name, enabledDescriptor(name)))
	}

	results, err := m.Process(ctx, "hello", map[string]any{"user_id": "u1"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	alpha := results["alpha"].(map[string]any)
	assert.Equal(t, "hello", alpha["echo"])
	beta := results["beta"].(map[string]any)
	assert.Equal(t, "beta", beta["plugin"])
}

func TestManager_ProcessPropagatesFailure(t *testing.T) {
	ctx := context.Background()
	m := NewManager()

	require.NoError(t, m.RegisterFactory("good", staticFactory(&testPlugin{name: "good"})))
	require.NoError(t, m.RegisterFactory("bad", staticFactory(&testPlugin{name: "bad", execErr: errors.New("boom")})))
	require.NoError(t, m.InitializePlugin(ctx, "good", enabledDescriptor("good")))
	require.NoError(t, m.InitializePlugin(ctx, "bad", enabledDescriptor("bad")))

	_, err := m.Process(ctx, "hello", nil)
	require.Error(t, err)

	var perr *PluginError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "bad", perr.PluginName)
}

func TestManager_ProcessNotifiesObservers(t *testing.T) {
	ctx := context.Background()
	m := NewManager()

	require.NoError(t, m.RegisterFactory("alpha", staticFactory(&testPlugin{name: "alpha"})))
	require.NoError(t, m.RegisterFactory("bad", staticFactory(&testPlugin{name: "bad", execErr: errors.New("boom")})))
	require.NoError(t, m.InitializePlugin(ctx, "alpha", enabledDescriptor("alpha")))
	require.NoError(t, m.InitializePlugin(ctx, "bad", enabledDescriptor("bad")))

	type seen struct {
		name string
		err  error
	}
	var observed []seen
	_, err := m.Process(ctx, "hello", nil, func(name string, duration time.Duration, err error) {
		assert.GreaterOrEqual(t, duration, time.Duration(0))
		observed = append(observed, seen{name: name, err: err})
	})
	require.Error(t, err)

	// Plugins run in name order, so the observer saw alpha succeed and
	// bad fail before Process bailed out.
	require.Len(t, observed, 2)
	assert.Equal(t, "alpha", observed[0].name)
	assert.NoError(t, observed[0].err)
	assert.Equal(t, "bad", observed[1].name)
	assert.Error(t, observed[1].err)
}

func TestManager_CleanupPlugins(t *testing.T) {
	ctx := context.Background()
	m := NewManager()

	ok := &testPlugin{name: "ok"}
	failing := &testPlugin{name: "failing", cleanupErr: errors.New("stuck handle")}
	require.NoError(t, m.RegisterFactory("ok", staticFactory(ok)))
	require.NoError(t, m.RegisterFactory("failing", staticFactory(failing)))
	require.NoError(t, m.InitializePlugin(ctx, "ok", enabledDescriptor("ok")))
	require.NoError(t, m.InitializePlugin(ctx, "failing", enabledDescriptor("failing")))

	err := m.CleanupPlugins(ctx)
	assert.Error(t, err)

	// One failing cleanup must not stop the others.
	assert.True(t, ok.cleaned)
	assert.True(t, failing.cleaned)
	assert.Empty(t, m.LivePlugins())
}

func TestManager_LoadPluginsSkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "echo", "1.0.0")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken"+ManifestSuffix), []byte(":::"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644))

	m := NewManager()
	require.NoError(t, m.RegisterFactory("echo", staticFactory(&testPlugin{name: "echo"})))
	require.NoError(t, m.LoadPlugins(dir))

	assert.Equal(t, []string{"echo"}, m.Definitions())
}

func TestManager_LoadPluginsMissingDir(t *testing.T) {
	m := NewManager()
	err := m.LoadPlugins(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestManager_ReloadReinitializesFromDescriptor(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeManifest(t, dir, "echo", "1.0.0")

	var built atomic.Int32
	m := NewManager()
	require.NoError(t, m.RegisterFactory("echo", func(ctx context.Context, desc *Descriptor) (Plugin, error) {
		built.Add(1)
		return &testPlugin{name: "echo"}, nil
	}))
	require.NoError(t, m.LoadPlugins(dir))
	require.NoError(t, m.InitializePlugin(ctx, "echo", enabledDescriptor("echo")))
	require.Equal(t, int32(1), built.Load())

	writeManifest(t, dir, "echo", "1.1.0")
	require.NoError(t, m.ReloadPlugin(ctx, path))

	// A fresh instance was built and the new version recorded.
	assert.Equal(t, int32(2), built.Load())
	assert.Equal(t, []string{"echo"}, m.LivePlugins())

	latest, found := m.Versions().Latest("echo")
	require.True(t, found)
	assert.Equal(t, "1.1.0", latest.Version.String())
}

func TestManager_ReloadUnknownPlugin(t *testing.T) {
	m := NewManager()
	err := m.ReloadPlugin(context.Background(), "/tmp/ghost.plugin.yaml")
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestManager_ReloadAtomicWithExecute(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeManifest(t, dir, "echo", "1.0.0")

	m := NewManager()
	require.NoError(t, m.RegisterFactory("echo", func(ctx context.Context, desc *Descriptor) (Plugin, error) {
		// Slow cleanup widens the window in which a half-replaced
		// instance would be observable.
		return &testPlugin{name: "echo", cleanupDelay: 5 * time.Millisecond}, nil
	}))
	require.NoError(t, m.LoadPlugins(dir))
	require.NoError(t, m.InitializePlugin(ctx, "echo", enabledDescriptor("echo")))

	done := make(chan struct{})
	var execErr error
	var execMu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if _, err := m.ExecutePlugin(ctx, "echo", map[string]any{"message": "x"}); err != nil {
					execMu.Lock()
					execErr = err
					execMu.Unlock()
					return
				}
			}
		}()
	}

	for i := 0; i < 10; i++ {
		require.NoError(t, m.ReloadPlugin(ctx, path))
	}
	close(done)
	wg.Wait()

	// Either the old or the new instance served every call; never a
	// cleaned-up one, never none.
	execMu.Lock()
	defer execMu.Unlock()
	assert.NoError(t, execErr)
}

func TestManager_WatcherTriggersReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeManifest(t, dir, "echo", "1.0.0")

	var built atomic.Int32
	m := NewManager()
	require.NoError(t, m.RegisterFactory("echo", func(ctx context.Context, desc *Descriptor) (Plugin, error) {
		built.Add(1)
		return &testPlugin{name: "echo"}, nil
	}))
	require.NoError(t, m.LoadPlugins(dir))
	require.NoError(t, m.InitializePlugin(ctx, "echo", enabledDescriptor("echo")))

	require.NoError(t, m.StartWatching(ctx, dir))
	defer func() { _ = m.StopWatching() }()

	// Touching the definition must eventually produce a fresh
	// instance via the reload path.
	require.NoError(t, os.WriteFile(path,
		[]byte("plugin:\n  name: echo\n  version: 1.0.1\n  protocol: builtin\n"), 0o644))

	assert.Eventually(t, func() bool {
		return built.Load() >= 2
	}, 3*time.Second, 20*time.Millisecond)

	// Stop is idempotent-safe.
	require.NoError(t, m.StopWatching())
	require.NoError(t, m.StopWatching())
}
