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
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent is one file-change notification from the watcher.
type ChangeEvent struct {
	Path  string
	Error error
}

// Watcher watches a plugin directory for changes using fsnotify.
// Events are coalesced with a debounce delay so editors that write a
// file several times per save produce a single event.
type Watcher struct {
	watcher       *fsnotify.Watcher
	dir           string
	eventChan     chan ChangeEvent
	ctx           context.Context
	cancel        context.CancelFunc
	done          chan struct{}
	mu            sync.RWMutex
	isWatching    bool
	debounceDelay time.Duration
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Dir           string
	DebounceDelay time.Duration // default 100ms
}

// NewWatcher creates a watcher over a plugin directory.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	debounce := cfg.DebounceDelay
	if debounce == 0 {
		debounce = 100 * time.Millisecond
	}

	return &Watcher{
		watcher:       watcher,
		dir:           cfg.Dir,
		eventChan:     make(chan ChangeEvent, 100),
		debounceDelay: debounce,
	}, nil
}

// Start begins watching and returns the event channel.
func (w *Watcher) Start(ctx context.Context) (<-chan ChangeEvent, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isWatching {
		return w.eventChan, nil
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.isWatching = true

	if err := w.watcher.Add(w.dir); err != nil {
		w.isWatching = false
		w.cancel()
		return nil, err
	}

	w.done = make(chan struct{})
	go w.watchEvents()

	slog.Info("Started plugin watcher", "dir", w.dir)

	return w.eventChan, nil
}

// Stop stops watching and waits for the event goroutine to drain and
// exit. The event channel is closed by that goroutine, never here, so
// a change that lands mid-shutdown is flushed rather than racing the
// close.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.isWatching {
		w.mu.Unlock()
		return nil
	}
	w.isWatching = false
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	err := w.watcher.Close()
	<-done

	slog.Info("Stopped plugin watcher", "dir", w.dir)

	return err
}

// IsWatching returns whether the watcher is active.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.isWatching
}

// watchEvents coalesces raw fsnotify events and forwards them. It is
// the only goroutine that sends on or closes eventChan: the debounce
// flush runs inline off the timer channel rather than on a separate
// timer goroutine, so no send can race the close on exit.
func (w *Watcher) watchEvents() {
	defer close(w.done)
	defer close(w.eventChan)

	pendingEvents := make(map[string]fsnotify.Event)
	var debounceTimer *time.Timer
	var debounceC <-chan time.Time
	errorsC := w.watcher.Errors

	flush := func() {
		for _, event := range pendingEvents {
			w.emit(event)
		}
		pendingEvents = make(map[string]fsnotify.Event)
		debounceC = nil
	}

	for {
		select {
		case <-w.ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			flush()
			return

		case <-debounceC:
			flush()

		case event, ok := <-w.watcher.Events:
			if !ok {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				flush()
				return
			}

			// Chmod-only events carry no content change.
			if event.Op == fsnotify.Chmod {
				continue
			}

			pendingEvents[event.Name] = event

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounceDelay)
			debounceC = debounceTimer.C

		case err, ok := <-errorsC:
			if !ok {
				errorsC = nil
				continue
			}
			slog.Error("Plugin watcher error", "dir", w.dir, "error", err)
			select {
			case w.eventChan <- ChangeEvent{Error: err}:
			default:
				slog.Warn("Plugin event channel full, dropping error event")
			}
		}
	}
}

func (w *Watcher) emit(event fsnotify.Event) {
	select {
	case w.eventChan <- ChangeEvent{Path: event.Name}:
	default:
		slog.Warn("Plugin event channel full, dropping event", "path", event.Name)
	}
}
