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

package cag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chester930/cag/pkg/config"
	cagcontext "github.com/Chester930/cag/pkg/context"
	"github.com/Chester930/cag/pkg/llms"
	"github.com/Chester930/cag/pkg/observability"
	"github.com/Chester930/cag/pkg/plugins"
	"github.com/Chester930/cag/pkg/state"
)

// pluginCall is one recorded RecordPluginExecution invocation.
type pluginCall struct {
	name     string
	duration float64
	err      error
}

// recordingMetrics captures metric calls for assertions.
type recordingMetrics struct {
	observability.NoopMetrics

	mu          sync.Mutex
	pluginCalls []pluginCall
}

func (r *recordingMetrics) RecordPluginExecution(_ context.Context, plugin string, duration float64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pluginCalls = append(r.pluginCalls, pluginCall{name: plugin, duration: duration, err: err})
}

func (r *recordingMetrics) calls() []pluginCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pluginCall(nil), r.pluginCalls...)
}

// upperPlugin uppercases the inbound message.
type upperPlugin struct {
	manifest *plugins.Manifest
	execErr  error
}

func (p *upperPlugin) Initialize(context.Context) error { return nil }

func (p *upperPlugin) Execute(_ context.Context, contextMap map[string]any) (map[string]any, error) {
	if p.execErr != nil {
		return nil, p.execErr
	}
	msg, _ := contextMap["message"].(string)
	return map[string]any{"upper": strings.ToUpper(msg)}, nil
}

func (p *upperPlugin) Cleanup(context.Context) error { return nil }

func (p *upperPlugin) Manifest() *plugins.Manifest { return p.manifest }

// stubRetriever returns canned documents or a canned error.
type stubRetriever struct {
	docs []string
	err  error

	lastQuery string
}

func (r *stubRetriever) Retrieve(_ context.Context, query string) ([]string, error) {
	r.lastQuery = query
	if r.err != nil {
		return nil, r.err
	}
	return r.docs, nil
}

func (r *stubRetriever) AddDocument(context.Context, string) (bool, error) {
	return true, nil
}

// recordingTracker captures events for assertions.
type recordingTracker struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingTracker) Track(event string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingTracker) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func writePluginFiles(t *testing.T, dir string, names ...string) string {
	t.Helper()
	for _, name := range names {
		manifest := fmt.Sprintf("plugin:\n  name: %s\n  version: 1.0.0\n  protocol: builtin\n", name)
		path := filepath.Join(dir, name+plugins.ManifestSuffix)
		require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))
	}
	return dir
}

func testConfig(t *testing.T, pluginDir string) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Plugins.Directory = pluginDir
	return cfg
}

func newTestCoordinator(t *testing.T, opts Options) *Coordinator {
	t.Helper()
	if opts.Config == nil {
		opts.Config = testConfig(t, writePluginFiles(t, t.TempDir(), "upper"))
	}
	if opts.Provider == nil {
		provider := llms.NewMockProvider("hello there")
		provider.ReplyUsage = llms.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
		opts.Provider = provider
	}

	c, err := NewCoordinator(opts)
	require.NoError(t, err)

	require.NoError(t, c.PluginManager().RegisterFactory("upper", func(context.Context, *plugins.Descriptor) (plugins.Plugin, error) {
		return &upperPlugin{manifest: &plugins.Manifest{Name: "upper", Version: "1.0.0"}}, nil
	}))

	require.NoError(t, c.Initialize(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func TestProcessMessage_Success(t *testing.T) {
	provider := llms.NewMockProvider("the answer is 42")
	provider.ReplyUsage = llms.Usage{PromptTokens: 12, CompletionTokens: 6, TotalTokens: 18}
	retriever := &stubRetriever{docs: []string{"doc one", "doc two"}}
	tracker := &recordingTracker{}

	c := newTestCoordinator(t, Options{
		Provider:  provider,
		Retriever: retriever,
		Tracker:   tracker,
	})

	reply, err := c.ProcessMessage(context.Background(), "user-1", "what is the answer?")
	require.NoError(t, err)
	assert.Equal(t, "the answer is 42", reply)

	// Retrieval saw the raw message.
	assert.Equal(t, "what is the answer?", retriever.lastQuery)

	// Retrieved documents reached the provider.
	require.NotNil(t, provider.LastRequest)
	assert.Contains(t, provider.LastRequest.Context, "doc one")

	// Plugin output reached the provider as context.
	joined := strings.Join(provider.LastRequest.Context, "\n")
	assert.Contains(t, joined, "WHAT IS THE ANSWER?")

	// Conversation ended ACTIVE with the reply in metadata.
	current := c.StateTracker().CurrentState()
	assert.Equal(t, state.StateActive, current.State)
	assert.Equal(t, "the answer is 42", current.Metadata["response"])

	// Both turns are in the context window.
	messages := c.Contexts().Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, cagcontext.RoleUser, messages[0].Role)
	assert.Equal(t, cagcontext.RoleAssistant, messages[1].Role)

	// Full event trail.
	assert.Equal(t, []string{
		EventMessageReceived,
		EventRetrievalDone,
		EventPluginsDone,
		EventResponseGenerated,
	}, tracker.names())
}

func TestProcessMessage_RetrievalFailure(t *testing.T) {
	cause := errors.New("vector store unreachable")
	tracker := &recordingTracker{}

	c := newTestCoordinator(t, Options{
		Retriever: &stubRetriever{err: cause},
		Tracker:   tracker,
	})

	_, err := c.ProcessMessage(context.Background(), "user-1", "hello")
	require.Error(t, err)

	// The failure surfaces as a coordinator Error wrapping the cause.
	var cagErr *Error
	require.ErrorAs(t, err, &cagErr)
	assert.Equal(t, "retrieval", cagErr.Stage)
	assert.ErrorIs(t, err, cause)

	// The conversation is in ERROR with the original message and the
	// failure recorded.
	current := c.StateTracker().CurrentState()
	assert.Equal(t, state.StateError, current.State)
	assert.Equal(t, "hello", current.Metadata["message"])
	assert.Contains(t, current.Metadata["error"], "vector store unreachable")

	assert.Contains(t, tracker.names(), EventMessageFailed)
}

func TestProcessMessage_GenerationFailure(t *testing.T) {
	provider := llms.NewMockProvider("")
	provider.GenerateErr = errors.New("model overloaded")

	c := newTestCoordinator(t, Options{Provider: provider})

	_, err := c.ProcessMessage(context.Background(), "user-1", "hello")
	require.Error(t, err)

	var cagErr *Error
	require.ErrorAs(t, err, &cagErr)
	assert.Equal(t, "generation", cagErr.Stage)

	var genErr *llms.GenerationError
	assert.ErrorAs(t, err, &genErr)

	assert.Equal(t, state.StateError, c.StateTracker().CurrentState().State)
}

func TestProcessMessage_PluginFailure(t *testing.T) {
	pluginDir := writePluginFiles(t, t.TempDir(), "upper")
	cfg := testConfig(t, pluginDir)

	c, err := NewCoordinator(Options{
		Config:   cfg,
		Provider: llms.NewMockProvider("ok"),
	})
	require.NoError(t, err)

	cause := errors.New("plugin exploded")
	require.NoError(t, c.PluginManager().RegisterFactory("upper", func(context.Context, *plugins.Descriptor) (plugins.Plugin, error) {
		return &upperPlugin{
			manifest: &plugins.Manifest{Name: "upper", Version: "1.0.0"},
			execErr:  cause,
		}, nil
	}))
	require.NoError(t, c.Initialize(context.Background()))
	defer func() { _ = c.Stop(context.Background()) }()

	_, err = c.ProcessMessage(context.Background(), "user-1", "hello")
	require.Error(t, err)

	var cagErr *Error
	require.ErrorAs(t, err, &cagErr)
	assert.Equal(t, "plugin execution", cagErr.Stage)
	assert.ErrorIs(t, err, cause)
}

func TestProcessMessage_RecordsPluginMetrics(t *testing.T) {
	metrics := &recordingMetrics{}

	c := newTestCoordinator(t, Options{Metrics: metrics})

	_, err := c.ProcessMessage(context.Background(), "user-1", "hello")
	require.NoError(t, err)

	calls := metrics.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "upper", calls[0].name)
	assert.GreaterOrEqual(t, calls[0].duration, 0.0)
	assert.NoError(t, calls[0].err)
}

func TestProcessMessage_RecordsFailedPluginExecution(t *testing.T) {
	pluginDir := writePluginFiles(t, t.TempDir(), "upper")
	metrics := &recordingMetrics{}

	c, err := NewCoordinator(Options{
		Config:   testConfig(t, pluginDir),
		Provider: llms.NewMockProvider("ok"),
		Metrics:  metrics,
	})
	require.NoError(t, err)

	cause := errors.New("plugin exploded")
	require.NoError(t, c.PluginManager().RegisterFactory("upper", func(context.Context, *plugins.Descriptor) (plugins.Plugin, error) {
		return &upperPlugin{
			manifest: &plugins.Manifest{Name: "upper", Version: "1.0.0"},
			execErr:  cause,
		}, nil
	}))
	require.NoError(t, c.Initialize(context.Background()))
	defer func() { _ = c.Stop(context.Background()) }()

	_, err = c.ProcessMessage(context.Background(), "user-1", "hello")
	require.Error(t, err)

	calls := metrics.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "upper", calls[0].name)
	assert.ErrorIs(t, calls[0].err, cause)
}

func TestProcessMessage_PersistenceObservesContext(t *testing.T) {
	c := newTestCoordinator(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The stubbed stages ignore cancellation, so the persistence
	// deadline is the first place the dead context is noticed.
	_, err := c.ProcessMessage(ctx, "user-1", "hello")
	require.Error(t, err)

	var cagErr *Error
	require.ErrorAs(t, err, &cagErr)
	assert.Equal(t, "persistence", cagErr.Stage)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Nil(t, c.Conversation("user-1"))
}

func TestProcessMessage_RejectsBlankMessage(t *testing.T) {
	c := newTestCoordinator(t, Options{})

	_, err := c.ProcessMessage(context.Background(), "user-1", "   ")
	require.Error(t, err)

	var validationErr *cagcontext.ValidationError
	assert.ErrorAs(t, err, &validationErr)
	assert.Equal(t, state.StateError, c.StateTracker().CurrentState().State)
}

func TestProcessMessage_PersistsConversation(t *testing.T) {
	c := newTestCoordinator(t, Options{})

	_, err := c.ProcessMessage(context.Background(), "user-9", "remember me")
	require.NoError(t, err)

	messages := c.Conversation("user-9")
	require.Len(t, messages, 2)
	assert.Equal(t, "remember me", messages[0].Content)

	// Anonymous messages are not persisted.
	_, err = c.ProcessMessage(context.Background(), "", "no trace")
	require.NoError(t, err)
	assert.Nil(t, c.Conversation(""))
}

func TestInitialize_FailsWithoutPartialStart(t *testing.T) {
	pluginDir := writePluginFiles(t, t.TempDir(), "good", "bad")
	cfg := testConfig(t, pluginDir)

	c, err := NewCoordinator(Options{
		Config:   cfg,
		Provider: llms.NewMockProvider("ok"),
	})
	require.NoError(t, err)

	require.NoError(t, c.PluginManager().RegisterFactory("good", func(context.Context, *plugins.Descriptor) (plugins.Plugin, error) {
		return &upperPlugin{manifest: &plugins.Manifest{Name: "good", Version: "1.0.0"}}, nil
	}))
	require.NoError(t, c.PluginManager().RegisterFactory("bad", func(context.Context, *plugins.Descriptor) (plugins.Plugin, error) {
		return nil, errors.New("bad construction")
	}))

	err = c.Initialize(context.Background())
	require.Error(t, err)

	var cagErr *Error
	require.ErrorAs(t, err, &cagErr)
	assert.Equal(t, "initialization", cagErr.Stage)

	// Nothing is left live after the rollback.
	assert.Empty(t, c.PluginManager().LivePlugins())
}

func TestNewCoordinator_RequiresConfigAndProvider(t *testing.T) {
	_, err := NewCoordinator(Options{Provider: llms.NewMockProvider("x")})
	require.Error(t, err)

	_, err = NewCoordinator(Options{Config: &config.Config{}})
	require.Error(t, err)
}

func TestStartStop_Idempotent(t *testing.T) {
	c := newTestCoordinator(t, Options{})

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Start(ctx))

	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))

	assert.Equal(t, state.StateEnded, c.StateTracker().CurrentState().State)
}

func TestStart_RequiresInitialize(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	c, err := NewCoordinator(Options{
		Config:   cfg,
		Provider: llms.NewMockProvider("ok"),
	})
	require.NoError(t, err)

	err = c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not initialized")
}
