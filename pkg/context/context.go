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

// Package context holds the rolling conversation window for one
// active conversation.
//
// The Context here is an IN-MEMORY working buffer: it is not a cache,
// not a persistent store, and not a source of truth. The MemoryPool
// owns whatever survives a conversation; this package owns only what
// the next generation call needs to see.
package context

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ValidRole reports whether r is one of the recognized roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is a single conversation entry.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Context is the rolling conversation window. It is owned exclusively
// by the Manager: replaced wholesale on CreateContext, mutated in
// place on AddMessage.
type Context struct {
	ID        string         `json:"id"`
	Messages  []Message      `json:"messages"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TotalLength returns the summed character length of all message
// contents. This is the quantity the compression budget is measured
// against.
func (c *Context) TotalLength() int {
	total := 0
	for _, m := range c.Messages {
		total += len([]rune(m.Content))
	}
	return total
}

func newContext(now time.Time) *Context {
	return &Context{
		ID:        uuid.NewString(),
		Messages:  make([]Message, 0),
		Metadata:  make(map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ValidationError reports a rejected AddMessage input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("context validation failed: %s: %s", e.Field, e.Message)
}

// Error is the context-subsystem error type.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("context: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
