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

// Package provider defines the config source abstraction.
package provider

import (
	"context"
)

// Type identifies the config source type.
type Type string

const (
	TypeFile Type = "file"
)

// Provider loads raw configuration bytes and optionally watches for
// changes.
type Provider interface {
	// Type returns the source type.
	Type() Type

	// Load reads the raw configuration.
	Load(ctx context.Context) ([]byte, error)

	// Watch returns a channel that receives a value when the source
	// changes, or nil if the source does not support watching.
	Watch(ctx context.Context) (<-chan struct{}, error)

	// Close releases watcher resources.
	Close() error
}
