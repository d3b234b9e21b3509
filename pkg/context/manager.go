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

package context

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxContextLength is the character budget before
	// compression fires.
	DefaultMaxContextLength = 4000

	// DefaultRetainedMessages is how many of the most recent messages
	// survive a compression pass.
	DefaultRetainedMessages = 5
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// MaxContextLength is the total character budget across all
	// message contents. Zero means DefaultMaxContextLength.
	MaxContextLength int `yaml:"max_context_length" json:"max_context_length" mapstructure:"max_context_length"`

	// RetainedMessages is the window kept after compression. Zero
	// means DefaultRetainedMessages.
	RetainedMessages int `yaml:"retained_messages" json:"retained_messages" mapstructure:"retained_messages"`
}

func (c *ManagerConfig) SetDefaults() {
	if c.MaxContextLength <= 0 {
		c.MaxContextLength = DefaultMaxContextLength
	}
	if c.RetainedMessages <= 0 {
		c.RetainedMessages = DefaultRetainedMessages
	}
}

// Manager owns the active conversation Context.
//
// Compression is a hard truncation to the most recent N messages once
// the character budget is exceeded. This is deliberately simple and
// lossy: older turns are dropped, not summarized. Callers that need
// the full history must persist it elsewhere before it rolls off.
type Manager struct {
	mu      sync.RWMutex
	config  ManagerConfig
	current *Context

	nowFn func() time.Time
}

// NewManager creates a Manager. A nil config uses defaults.
func NewManager(config *ManagerConfig) *Manager {
	cfg := ManagerConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.SetDefaults()

	return &Manager{
		config: cfg,
		nowFn:  time.Now,
	}
}

// CreateContext replaces any prior context with a fresh empty one and
// returns a snapshot of it. The prior context is discarded, not
// merged.
func (m *Manager) CreateContext() *Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = newContext(m.nowFn())
	slog.Debug("Created conversation context", "context_id", m.current.ID)
	return m.snapshotLocked()
}

// AddMessage appends a message to the active context, auto-creating
// one if none exists. The timestamp is server-assigned. Returns a
// *ValidationError for an unrecognized role or blank content.
func (m *Manager) AddMessage(role Role, content string) (*Context, error) {
	if !ValidRole(role) {
		return nil, &ValidationError{Field: "role", Message: "must be one of user, assistant, system"}
	}
	if strings.TrimSpace(content) == "" {
		return nil, &ValidationError{Field: "content", Message: "cannot be empty"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	if m.current == nil {
		m.current = newContext(now)
	}

	m.current.Messages = append(m.current.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: now,
	})
	m.current.UpdatedAt = now

	m.compressLocked()

	return m.snapshotLocked(), nil
}

// Current returns a snapshot of the active context, or nil if none
// exists.
func (m *Manager) Current() *Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

// Messages returns a copy of the active context's messages.
func (m *Manager) Messages() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return nil
	}
	out := make([]Message, len(m.current.Messages))
	copy(out, m.current.Messages)
	return out
}

// SetMetadata records a metadata key on the active context,
// auto-creating one if none exists.
func (m *Manager) SetMetadata(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	if m.current == nil {
		m.current = newContext(now)
	}
	m.current.Metadata[key] = value
	m.current.UpdatedAt = now
}

// compressLocked enforces the character budget by retaining only the
// most recent N messages. Caller must hold m.mu.
func (m *Manager) compressLocked() {
	if m.current == nil {
		return
	}

	total := m.current.TotalLength()
	if total <= m.config.MaxContextLength {
		return
	}

	keep := m.config.RetainedMessages
	if len(m.current.Messages) <= keep {
		return
	}

	dropped := len(m.current.Messages) - keep
	m.current.Messages = append(m.current.Messages[:0:0], m.current.Messages[dropped:]...)

	slog.Debug("Compressed conversation context",
		"context_id", m.current.ID,
		"dropped", dropped,
		"retained", keep,
		"length_before", total)
}

// snapshotLocked returns a deep copy of the current context. Caller
// must hold m.mu (read or write).
func (m *Manager) snapshotLocked() *Context {
	if m.current == nil {
		return nil
	}

	snap := &Context{
		ID:        m.current.ID,
		Messages:  make([]Message, len(m.current.Messages)),
		Metadata:  make(map[string]any, len(m.current.Metadata)),
		CreatedAt: m.current.CreatedAt,
		UpdatedAt: m.current.UpdatedAt,
	}
	copy(snap.Messages, m.current.Messages)
	for k, v := range m.current.Metadata {
		snap.Metadata[k] = v
	}
	return snap
}
