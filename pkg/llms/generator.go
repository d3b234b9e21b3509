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

// Package llms wraps model providers behind the response generator.
package llms

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token counts for a text.
type TokenCounter func(text string) int

// Generator turns a prompt plus retrieved context into a Generation,
// merging default sampling parameters with per-call overrides and
// normalizing provider errors to *GenerationError.
type Generator struct {
	provider Provider
	defaults GenerationConfig
	counter  TokenCounter

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithTokenCounter overrides the token estimator used when the
// provider reports no usage.
func WithTokenCounter(counter TokenCounter) GeneratorOption {
	return func(g *Generator) {
		g.counter = counter
	}
}

// NewGenerator creates a Generator over a provider. A nil defaults
// config uses package defaults.
func NewGenerator(provider Provider, defaults *GenerationConfig, opts ...GeneratorOption) (*Generator, error) {
	if provider == nil {
		return nil, fmt.Errorf("model provider cannot be nil")
	}

	cfg := GenerationConfig{}
	if defaults != nil {
		cfg = *defaults
	}
	cfg.SetDefaults()

	g := &Generator{
		provider: provider,
		defaults: cfg,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate runs one generation. Overrides may be nil; nil fields
// inherit the generator's defaults. All provider errors surface as
// *GenerationError.
func (g *Generator) Generate(ctx context.Context, prompt string, contextDocs []string, overrides *Overrides) (*Generation, error) {
	config := g.effectiveConfig(overrides)

	result, err := g.provider.Generate(ctx, &Request{
		Prompt:  prompt,
		Context: contextDocs,
		Config:  config,
	})
	if err != nil {
		return nil, &GenerationError{Model: g.provider.ModelName(), Err: err}
	}

	usage := result.Usage
	if usage.TotalTokens == 0 {
		usage = g.estimateUsage(prompt, contextDocs, result.Text)
	}

	return &Generation{
		Text:      result.Text,
		Model:     g.provider.ModelName(),
		Config:    config,
		Usage:     usage,
		CreatedAt: time.Now(),
	}, nil
}

// GenerateStream runs a streaming generation with the same config
// merging and error normalization as Generate.
func (g *Generator) GenerateStream(ctx context.Context, prompt string, contextDocs []string, overrides *Overrides) (<-chan StreamChunk, error) {
	stream, err := g.provider.GenerateStream(ctx, &Request{
		Prompt:  prompt,
		Context: contextDocs,
		Config:  g.effectiveConfig(overrides),
	})
	if err != nil {
		return nil, &GenerationError{Model: g.provider.ModelName(), Err: err}
	}
	return stream, nil
}

// Validate checks the underlying provider.
func (g *Generator) Validate(ctx context.Context) error {
	if err := g.provider.Validate(ctx); err != nil {
		return &GenerationError{Model: g.provider.ModelName(), Err: err}
	}
	return nil
}

// Defaults returns the generator's default config.
func (g *Generator) Defaults() GenerationConfig {
	return g.defaults
}

func (g *Generator) effectiveConfig(overrides *Overrides) GenerationConfig {
	config := g.defaults
	if overrides == nil {
		return config
	}
	if overrides.MaxTokens != nil {
		config.MaxTokens = *overrides.MaxTokens
	}
	if overrides.Temperature != nil {
		config.Temperature = *overrides.Temperature
	}
	if overrides.TopP != nil {
		config.TopP = *overrides.TopP
	}
	if overrides.PresencePenalty != nil {
		config.PresencePenalty = *overrides.PresencePenalty
	}
	if overrides.FrequencyPenalty != nil {
		config.FrequencyPenalty = *overrides.FrequencyPenalty
	}
	return config
}

// estimateUsage fills in token accounting when the provider reports
// none: provider count first, then tiktoken, then a bytes/4
// heuristic.
func (g *Generator) estimateUsage(prompt string, contextDocs []string, reply string) Usage {
	promptText := prompt
	for _, doc := range contextDocs {
		promptText += "\n" + doc
	}

	promptTokens := g.countTokens(promptText)
	completionTokens := g.countTokens(reply)

	return Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}

func (g *Generator) countTokens(text string) int {
	if g.counter != nil {
		return g.counter(text)
	}
	if n := g.provider.CountTokens(text); n > 0 {
		return n
	}

	g.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Debug("Token encoder unavailable, using heuristic", "error", err)
			return
		}
		g.enc = enc
	})
	if g.enc != nil {
		return len(g.enc.Encode(text, nil, nil))
	}

	// Rough heuristic: ~4 bytes per token.
	return (len(text) + 3) / 4
}
