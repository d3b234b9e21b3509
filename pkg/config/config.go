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

// Package config defines the runtime configuration surface.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	cagcontext "github.com/Chester930/cag/pkg/context"
	"github.com/Chester930/cag/pkg/llms"
	"github.com/Chester930/cag/pkg/observability"
	"github.com/Chester930/cag/pkg/plugins"
)

// Config is the full runtime configuration.
type Config struct {
	Logging    LoggingConfig            `yaml:"logging" json:"logging" mapstructure:"logging"`
	Context    cagcontext.ManagerConfig `yaml:"context" json:"context" mapstructure:"context"`
	Memory     MemoryConfig             `yaml:"memory" json:"memory" mapstructure:"memory"`
	Plugins    PluginsConfig            `yaml:"plugins" json:"plugins" mapstructure:"plugins"`
	Generation llms.GenerationConfig    `yaml:"generation" json:"generation" mapstructure:"generation"`
	Pipeline   PipelineConfig           `yaml:"pipeline" json:"pipeline" mapstructure:"pipeline"`
	Metrics    observability.Config     `yaml:"metrics" json:"metrics" mapstructure:"metrics"`
}

// LoggingConfig configures the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" mapstructure:"level"`
	Format string `yaml:"format" json:"format" mapstructure:"format"`
}

// MemoryConfig configures the memory pool's TTL behavior.
type MemoryConfig struct {
	// ConversationTTL is the lifetime of per-user conversation
	// snapshots in short-term memory.
	ConversationTTL time.Duration `yaml:"conversation_ttl" json:"conversation_ttl" mapstructure:"conversation_ttl"`

	// SweepInterval is the cadence of the background expiry sweep.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval" mapstructure:"sweep_interval"`
}

// PluginsConfig configures plugin discovery and hot reload.
type PluginsConfig struct {
	// Directory holds plugin definitions, one per file.
	Directory string `yaml:"directory" json:"directory" mapstructure:"directory"`

	// ConfigFile is the JSON plugin configuration file.
	ConfigFile string `yaml:"config_file" json:"config_file" mapstructure:"config_file"`

	// Watch enables the filesystem hot-reload watcher.
	Watch bool `yaml:"watch" json:"watch" mapstructure:"watch"`
}

// PipelineConfig bounds the per-message pipeline stages.
type PipelineConfig struct {
	RetrievalTimeout   time.Duration `yaml:"retrieval_timeout" json:"retrieval_timeout" mapstructure:"retrieval_timeout"`
	PluginTimeout      time.Duration `yaml:"plugin_timeout" json:"plugin_timeout" mapstructure:"plugin_timeout"`
	GenerationTimeout  time.Duration `yaml:"generation_timeout" json:"generation_timeout" mapstructure:"generation_timeout"`
	PersistenceTimeout time.Duration `yaml:"persistence_timeout" json:"persistence_timeout" mapstructure:"persistence_timeout"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	c.Context.SetDefaults()
	if c.Memory.ConversationTTL <= 0 {
		c.Memory.ConversationTTL = time.Hour
	}
	if c.Memory.SweepInterval <= 0 {
		c.Memory.SweepInterval = time.Minute
	}
	if c.Plugins.Directory == "" {
		c.Plugins.Directory = "./plugins"
	}
	c.Generation.SetDefaults()
	if c.Pipeline.RetrievalTimeout <= 0 {
		c.Pipeline.RetrievalTimeout = 30 * time.Second
	}
	if c.Pipeline.PluginTimeout <= 0 {
		c.Pipeline.PluginTimeout = 30 * time.Second
	}
	if c.Pipeline.GenerationTimeout <= 0 {
		c.Pipeline.GenerationTimeout = 30 * time.Second
	}
	if c.Pipeline.PersistenceTimeout <= 0 {
		c.Pipeline.PersistenceTimeout = 30 * time.Second
	}
	if c.Metrics.Enabled && c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
}

// Validate rejects configs the runtime cannot start with.
func (c *Config) Validate() error {
	if c.Context.MaxContextLength < 0 {
		return fmt.Errorf("context.max_context_length cannot be negative")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port %d out of range", c.Metrics.Port)
	}
	return nil
}

// ============================================================================
// PLUGIN CONFIGURATION FILE
// ============================================================================

// pluginsFile mirrors the external plugin configuration file: a JSON
// object with a top-level "plugins" map keyed by plugin name.
type pluginsFile struct {
	Plugins map[string]struct {
		Enabled  bool           `json:"enabled"`
		Version  string         `json:"version"`
		Settings map[string]any `json:"settings"`
	} `json:"plugins"`
}

// LoadPluginDescriptors reads the JSON plugin configuration file and
// returns one descriptor per configured plugin.
func LoadPluginDescriptors(path string) (map[string]*plugins.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin config %s: %w", path, err)
	}

	var file pluginsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse plugin config %s: %w", path, err)
	}

	descriptors := make(map[string]*plugins.Descriptor, len(file.Plugins))
	for name, entry := range file.Plugins {
		settings := entry.Settings
		if settings == nil {
			settings = map[string]any{}
		}
		descriptors[name] = &plugins.Descriptor{
			Name:     name,
			Version:  entry.Version,
			Enabled:  entry.Enabled,
			Settings: settings,
		}
	}
	return descriptors, nil
}
