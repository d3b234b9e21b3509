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

import "log/slog"

// EventTracker receives pipeline lifecycle events. Implementations
// must be non-blocking; the coordinator fires events inline and never
// waits on the tracker.
type EventTracker interface {
	// Track records a named event with key-value details. Errors are
	// the tracker's own problem; the pipeline never fails on tracking.
	Track(event string, details map[string]any)
}

// Event names emitted by the coordinator.
const (
	EventMessageReceived   = "message_received"
	EventRetrievalDone     = "retrieval_done"
	EventPluginsDone       = "plugins_done"
	EventResponseGenerated = "response_generated"
	EventMessageFailed     = "message_failed"
)

// NoopTracker discards all events.
type NoopTracker struct{}

func (NoopTracker) Track(string, map[string]any) {}

// LogTracker writes events to the structured log at debug level.
type LogTracker struct{}

func (LogTracker) Track(event string, details map[string]any) {
	args := make([]any, 0, len(details)*2)
	for k, v := range details {
		args = append(args, k, v)
	}
	slog.Debug("Pipeline event: "+event, args...)
}
