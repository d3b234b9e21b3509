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

// Package memory provides the key/value memory pool backing the
// coordinator's short-term and long-term recall.
//
// Short-term entries may carry a TTL, converted to an absolute expiry
// at write time. Correctness of freshness does not depend on the
// sweeper: reads evict lazily, so an expired entry is never returned
// even if ClearExpired never runs.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Type partitions the pool into its two namespaces.
type Type string

const (
	// TypeShort entries are TTL-eligible.
	TypeShort Type = "short"

	// TypeLong entries never expire.
	TypeLong Type = "long"
)

// Entry is a single stored value. ExpiresAt is the zero time for
// entries without a TTL.
type Entry struct {
	Key       string
	Value     any
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Error is the memory-subsystem error type.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("memory: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Pool is the in-process memory store. Entries are independent keys;
// no transaction discipline beyond per-pool locking is required.
type Pool struct {
	mu        sync.RWMutex
	shortTerm map[string]Entry
	longTerm  map[string]Entry

	nowFn func() time.Time
}

// NewPool creates an empty Pool.
func NewPool() *Pool {
	return &Pool{
		shortTerm: make(map[string]Entry),
		longTerm:  make(map[string]Entry),
		nowFn:     time.Now,
	}
}

// Add stores a value, overwriting any prior entry under the same key
// (no merge). A non-zero ttl only applies to the short-term
// namespace; long-term entries never expire.
func (p *Pool) Add(key string, value any, memType Type, ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowFn()
	entry := Entry{
		Key:       key,
		Value:     value,
		CreatedAt: now,
	}

	switch memType {
	case TypeLong:
		p.longTerm[key] = entry
	default:
		if ttl > 0 {
			entry.ExpiresAt = now.Add(ttl)
		}
		p.shortTerm[key] = entry
	}
}

// Get returns the value under key, or (nil, false) if absent. An
// entry whose expiry has passed is evicted on the spot and reported
// as absent, independent of sweep cadence.
func (p *Pool) Get(key string, memType Type) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	store := p.storeFor(memType)
	entry, ok := store[key]
	if !ok {
		return nil, false
	}

	if entry.expired(p.nowFn()) {
		delete(store, key)
		return nil, false
	}

	return entry.Value, true
}

// Delete removes an entry. Missing keys are not an error.
func (p *Pool) Delete(key string, memType Type) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.storeFor(memType), key)
}

// Len reports the number of entries in a namespace, including any
// not-yet-swept expired entries.
func (p *Pool) Len(memType Type) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.storeFor(memType))
}

// ClearExpired sweeps the short-term namespace and evicts every entry
// whose expiry has passed. This is periodic hygiene, not a
// correctness requirement. Returns the number of evicted entries.
func (p *Pool) ClearExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowFn()
	evicted := 0
	for key, entry := range p.shortTerm {
		if entry.expired(now) {
			delete(p.shortTerm, key)
			evicted++
		}
	}
	return evicted
}

// StartSweeper runs ClearExpired on a fixed interval until ctx is
// cancelled.
func (p *Pool) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := p.ClearExpired(); n > 0 {
					slog.Debug("Swept expired memory entries", "evicted", n)
				}
			}
		}
	}()
}

func (p *Pool) storeFor(memType Type) map[string]Entry {
	if memType == TypeLong {
		return p.longTerm
	}
	return p.shortTerm
}
