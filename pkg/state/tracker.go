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

// Package state tracks dialogue state for observability and recovery.
//
// The tracker is descriptive telemetry, not a gate: any state may
// transition to any other. The coordinator's usage pattern is
// INIT -> (PROCESSING <-> ACTIVE) -> ERROR on failure, ENDED on
// shutdown, but nothing here enforces that.
package state

import (
	"fmt"
	"sync"
	"time"
)

// State is a dialogue lifecycle state.
type State string

const (
	StateInit       State = "INIT"
	StateActive     State = "ACTIVE"
	StateWaiting    State = "WAITING"
	StateProcessing State = "PROCESSING"
	StateEnded      State = "ENDED"
	StateError      State = "ERROR"
)

// Valid reports whether s is a recognized state.
func (s State) Valid() bool {
	switch s {
	case StateInit, StateActive, StateWaiting, StateProcessing, StateEnded, StateError:
		return true
	}
	return false
}

// Record is one point in the state timeline. Metadata is deep-copied
// on construction so the caller's map can never mutate stored
// history.
type Record struct {
	State     State
	Metadata  map[string]any
	Timestamp time.Time
}

// Error is the state-subsystem error type.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("state: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Tracker holds the current state record plus an append-only history
// of every record it replaced.
type Tracker struct {
	mu      sync.RWMutex
	current Record
	history []Record

	nowFn func() time.Time
}

// NewTracker creates a Tracker starting at INIT with empty metadata.
func NewTracker() *Tracker {
	t := &Tracker{nowFn: time.Now}
	t.current = Record{
		State:     StateInit,
		Metadata:  map[string]any{},
		Timestamp: t.nowFn(),
	}
	return t
}

// SetState replaces the current record, pushing the previous one onto
// history first. An unrecognized state is rejected.
func (t *Tracker) SetState(s State, metadata map[string]any) error {
	if !s.Valid() {
		return &Error{Op: "set_state", Err: fmt.Errorf("unknown state %q", s)}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.history = append(t.history, t.current)
	t.current = Record{
		State:     s,
		Metadata:  deepCopyMap(metadata),
		Timestamp: t.nowFn(),
	}
	return nil
}

// CurrentState returns a deep copy of the current record.
func (t *Tracker) CurrentState() Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return copyRecord(t.current)
}

// History returns deep copies of all superseded records in
// chronological order. The current record is not included.
func (t *Tracker) History() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Record, len(t.history))
	for i, r := range t.history {
		out[i] = copyRecord(r)
	}
	return out
}

func copyRecord(r Record) Record {
	return Record{
		State:     r.State,
		Metadata:  deepCopyMap(r.Metadata),
		Timestamp: r.Timestamp,
	}
}

// deepCopyMap copies a metadata map, recursing into nested maps and
// slices. Other values are copied by assignment.
func deepCopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
