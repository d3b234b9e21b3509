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

// Package cag wires the context manager, memory pool, state tracker,
// plugin manager, and response generator into one message pipeline.
package cag

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Chester930/cag/pkg/config"
	cagcontext "github.com/Chester930/cag/pkg/context"
	"github.com/Chester930/cag/pkg/llms"
	"github.com/Chester930/cag/pkg/memory"
	"github.com/Chester930/cag/pkg/observability"
	"github.com/Chester930/cag/pkg/plugins"
	"github.com/Chester930/cag/pkg/rag"
	"github.com/Chester930/cag/pkg/state"
)

// Options carries the coordinator's dependencies. Config and Provider
// are required; the rest default to working no-op implementations.
type Options struct {
	Config    *config.Config
	Provider  llms.Provider
	Retriever rag.Retriever
	Tracker   EventTracker
	Metrics   observability.Metrics
}

// Coordinator drives the message pipeline: state transition, document
// retrieval, plugin execution, response generation, and persistence.
type Coordinator struct {
	cfg *config.Config

	contexts  *cagcontext.Manager
	pool      *memory.Pool
	tracker   *state.Tracker
	manager   *plugins.Manager
	generator *llms.Generator
	retriever rag.Retriever
	events    EventTracker
	metrics   observability.Metrics

	mu          sync.Mutex
	initialized bool
	started     bool
	sweepCancel context.CancelFunc
}

// NewCoordinator builds a coordinator from its dependencies. It does
// not touch the plugin directory; call Initialize before use.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}

	cfg := opts.Config
	cfg.SetDefaults()

	generator, err := llms.NewGenerator(opts.Provider, &cfg.Generation)
	if err != nil {
		return nil, fmt.Errorf("failed to build generator: %w", err)
	}

	retriever := opts.Retriever
	if retriever == nil {
		retriever = rag.NopRetriever{}
	}
	events := opts.Tracker
	if events == nil {
		events = NoopTracker{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}

	return &Coordinator{
		cfg:       cfg,
		contexts:  cagcontext.NewManager(&cfg.Context),
		pool:      memory.NewPool(),
		tracker:   state.NewTracker(),
		manager:   plugins.NewManager(),
		generator: generator,
		retriever: retriever,
		events:    events,
		metrics:   metrics,
	}, nil
}

// PluginManager exposes the plugin manager for loader and factory
// registration before Initialize.
func (c *Coordinator) PluginManager() *plugins.Manager {
	return c.manager
}

// StateTracker exposes the conversation state tracker.
func (c *Coordinator) StateTracker() *state.Tracker {
	return c.tracker
}

// MemoryPool exposes the memory pool.
func (c *Coordinator) MemoryPool() *memory.Pool {
	return c.pool
}

// Contexts exposes the conversation context manager.
func (c *Coordinator) Contexts() *cagcontext.Manager {
	return c.contexts
}

// Initialize discovers plugin definitions, applies the plugin
// configuration file, and initializes each enabled plugin. Any failure
// is fatal: the coordinator refuses to start partially initialized.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return nil
	}

	if _, err := os.Stat(c.cfg.Plugins.Directory); os.IsNotExist(err) {
		slog.Info("Plugin directory does not exist, running without plugins",
			"directory", c.cfg.Plugins.Directory)
	} else if err := c.manager.LoadPlugins(c.cfg.Plugins.Directory); err != nil {
		return NewError("initialization", err)
	}

	descriptors := map[string]*plugins.Descriptor{}
	if c.cfg.Plugins.ConfigFile != "" {
		var err error
		descriptors, err = config.LoadPluginDescriptors(c.cfg.Plugins.ConfigFile)
		if err != nil {
			return NewError("initialization", err)
		}
	}

	for name := range descriptors {
		if !c.manager.HasDefinition(name) {
			slog.Warn("Plugin configured but not discovered, skipping", "plugin", name)
		}
	}

	for _, name := range c.manager.Definitions() {
		if err := c.manager.InitializePlugin(ctx, name, descriptors[name]); err != nil {
			// Roll back everything already live; no partial start.
			if cleanupErr := c.manager.CleanupPlugins(ctx); cleanupErr != nil {
				slog.Warn("Cleanup after failed initialization reported errors", "error", cleanupErr)
			}
			return NewError("initialization", err)
		}
	}

	c.initialized = true
	slog.Info("Coordinator initialized",
		"plugins", len(c.manager.LivePlugins()),
		"definitions", len(c.manager.Definitions()))
	return nil
}

// Start begins background work: the memory sweeper and, when
// configured, the plugin hot-reload watcher. Idempotent.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return NewError("start", fmt.Errorf("coordinator not initialized"))
	}
	if c.started {
		return nil
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	c.sweepCancel = cancel
	c.pool.StartSweeper(sweepCtx, c.cfg.Memory.SweepInterval)

	if c.cfg.Plugins.Watch {
		if err := c.manager.StartWatching(ctx, c.cfg.Plugins.Directory); err != nil {
			cancel()
			c.sweepCancel = nil
			return NewError("start", err)
		}
	}

	c.started = true
	slog.Info("Coordinator started", "watching", c.cfg.Plugins.Watch)
	return nil
}

// Stop halts the watcher, stops the sweeper, cleans up all live
// plugins, and marks the conversation ENDED. Safe to call more than
// once.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}
	c.started = false

	var firstErr error
	if err := c.manager.StopWatching(); err != nil {
		firstErr = err
	}
	if c.sweepCancel != nil {
		c.sweepCancel()
		c.sweepCancel = nil
	}
	if err := c.manager.CleanupPlugins(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := c.tracker.SetState(state.StateEnded, nil); err != nil && firstErr == nil {
		firstErr = err
	}

	slog.Info("Coordinator stopped")
	if firstErr != nil {
		return NewError("shutdown", firstErr)
	}
	return nil
}

// ProcessMessage runs one user message through the full pipeline and
// returns the generated reply.
//
// The conversation moves to PROCESSING while the message is in
// flight and to ACTIVE once the reply is recorded. Any stage failure
// moves it to ERROR with the failure recorded in the state metadata,
// and the returned error wraps the original cause.
func (c *Coordinator) ProcessMessage(ctx context.Context, userID, message string) (string, error) {
	start := time.Now()

	reply, usage, err := c.processMessage(ctx, userID, message)
	c.metrics.RecordMessage(ctx, time.Since(start).Seconds(), usage.TotalTokens, err)
	if err != nil {
		c.events.Track(EventMessageFailed, map[string]any{
			"user_id": userID,
			"error":   err.Error(),
		})
		return "", err
	}
	return reply, nil
}

func (c *Coordinator) processMessage(ctx context.Context, userID, message string) (string, llms.Usage, error) {
	var usage llms.Usage

	if _, err := c.contexts.AddMessage(cagcontext.RoleUser, message); err != nil {
		return "", usage, c.fail(message, "validation", err)
	}

	c.events.Track(EventMessageReceived, map[string]any{"user_id": userID})

	if err := c.tracker.SetState(state.StateProcessing, map[string]any{
		"message": message,
		"user_id": userID,
	}); err != nil {
		return "", usage, c.fail(message, "state", err)
	}

	docs, err := c.retrieve(ctx, message)
	if err != nil {
		return "", usage, c.fail(message, "retrieval", err)
	}
	c.events.Track(EventRetrievalDone, map[string]any{"documents": len(docs)})

	pluginResults, err := c.runPlugins(ctx, userID, message)
	if err != nil {
		return "", usage, c.fail(message, "plugin execution", err)
	}
	c.events.Track(EventPluginsDone, map[string]any{"plugins": len(pluginResults)})

	generation, err := c.GenerateResponse(ctx, message, docs, pluginResults)
	if err != nil {
		return "", usage, c.fail(message, "generation", err)
	}
	usage = generation.Usage

	if _, err := c.contexts.AddMessage(cagcontext.RoleAssistant, generation.Text); err != nil {
		return "", usage, c.fail(message, "context update", err)
	}

	if err := c.persistConversation(ctx, userID); err != nil {
		return "", usage, c.fail(message, "persistence", err)
	}

	if err := c.tracker.SetState(state.StateActive, map[string]any{
		"response": generation.Text,
		"model":    generation.Model,
	}); err != nil {
		return "", usage, c.fail(message, "state", err)
	}

	c.events.Track(EventResponseGenerated, map[string]any{
		"model":  generation.Model,
		"tokens": generation.Usage.TotalTokens,
	})

	return generation.Text, usage, nil
}

// GenerateResponse builds the model input from the conversation
// window, retrieved documents, and plugin results, and calls the
// generator.
func (c *Coordinator) GenerateResponse(ctx context.Context, message string, docs []string, pluginResults map[string]any) (*llms.Generation, error) {
	contextDocs := make([]string, 0, len(docs)+1)
	contextDocs = append(contextDocs, docs...)

	if transcript := c.transcript(); transcript != "" {
		contextDocs = append(contextDocs, transcript)
	}
	for name, result := range pluginResults {
		contextDocs = append(contextDocs, fmt.Sprintf("[%s] %v", name, result))
	}

	genCtx, cancel := context.WithTimeout(ctx, c.cfg.Pipeline.GenerationTimeout)
	defer cancel()

	start := time.Now()
	generation, err := c.generator.Generate(genCtx, message, contextDocs, nil)
	if err != nil {
		c.metrics.RecordGeneration(ctx, "", time.Since(start).Seconds(), 0, 0, err)
		return nil, err
	}

	c.metrics.RecordGeneration(ctx, generation.Model, time.Since(start).Seconds(),
		generation.Usage.PromptTokens, generation.Usage.CompletionTokens, nil)
	return generation, nil
}

// retrieve pulls relevant documents for the message under the
// configured timeout.
func (c *Coordinator) retrieve(ctx context.Context, message string) ([]string, error) {
	retrCtx, cancel := context.WithTimeout(ctx, c.cfg.Pipeline.RetrievalTimeout)
	defer cancel()
	return c.retriever.Retrieve(retrCtx, message)
}

// runPlugins executes every live plugin against the message,
// recording per-plugin execution metrics.
func (c *Coordinator) runPlugins(ctx context.Context, userID, message string) (map[string]any, error) {
	plugCtx, cancel := context.WithTimeout(ctx, c.cfg.Pipeline.PluginTimeout)
	defer cancel()

	contextMap := map[string]any{
		"user_id": userID,
	}
	return c.manager.Process(plugCtx, message, contextMap,
		func(name string, duration time.Duration, err error) {
			c.metrics.RecordPluginExecution(ctx, name, duration.Seconds(), err)
		})
}

// persistConversation snapshots the conversation window into
// short-term memory under the user's key, bounded by the configured
// persistence timeout. Anonymous messages are not persisted.
func (c *Coordinator) persistConversation(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}

	persistCtx, cancel := context.WithTimeout(ctx, c.cfg.Pipeline.PersistenceTimeout)
	defer cancel()
	if err := persistCtx.Err(); err != nil {
		return err
	}

	messages := c.contexts.Messages()
	c.pool.Add(conversationKey(userID), messages, memory.TypeShort, c.cfg.Memory.ConversationTTL)
	return nil
}

// Conversation returns the persisted conversation window for a user,
// or nil if none exists or it has expired.
func (c *Coordinator) Conversation(userID string) []cagcontext.Message {
	value, ok := c.pool.Get(conversationKey(userID), memory.TypeShort)
	if !ok {
		return nil
	}
	messages, ok := value.([]cagcontext.Message)
	if !ok {
		return nil
	}
	return messages
}

// fail records the ERROR state with the original message and cause,
// then wraps the cause for the caller.
func (c *Coordinator) fail(message, stage string, cause error) error {
	if err := c.tracker.SetState(state.StateError, map[string]any{
		"message": message,
		"error":   cause.Error(),
		"stage":   stage,
	}); err != nil {
		slog.Error("Failed to record error state", "error", err)
	}

	slog.Error("Message processing failed", "stage", stage, "error", cause)
	return NewError(stage, cause)
}

// transcript renders the current conversation window, excluding the
// in-flight user message, as a single context document.
func (c *Coordinator) transcript() string {
	messages := c.contexts.Messages()
	if len(messages) <= 1 {
		return ""
	}

	out := ""
	for _, msg := range messages[:len(messages)-1] {
		out += fmt.Sprintf("%s: %s\n", msg.Role, msg.Content)
	}
	return out
}

func conversationKey(userID string) string {
	return "conversation:" + userID
}
