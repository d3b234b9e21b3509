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

package llms

import (
	"context"
	"fmt"
	"strings"
)

// EchoProvider is a local provider that echoes the prompt back. It
// exists for development and smoke testing: the full pipeline runs
// without any remote model.
type EchoProvider struct {
	// Prefix is prepended to every reply. Defaults to "Echo: ".
	Prefix string
}

// NewEchoProvider creates an echo provider with the default prefix.
func NewEchoProvider() *EchoProvider {
	return &EchoProvider{Prefix: "Echo: "}
}

func (e *EchoProvider) Generate(ctx context.Context, req *Request) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	text := fmt.Sprintf("%s%s", e.Prefix, req.Prompt)
	if n := len(req.Context); n > 0 {
		text += fmt.Sprintf(" (with %d context documents)", n)
	}

	return &Result{
		Text: text,
		Usage: Usage{
			PromptTokens:     e.CountTokens(req.Prompt),
			CompletionTokens: e.CountTokens(text),
			TotalTokens:      e.CountTokens(req.Prompt) + e.CountTokens(text),
		},
	}, nil
}

func (e *EchoProvider) GenerateStream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	result, err := e.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk, len(result.Text)+1)
	for _, word := range strings.Fields(result.Text) {
		ch <- StreamChunk{Text: word + " "}
	}
	ch <- StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

func (e *EchoProvider) CountTokens(text string) int {
	return len(strings.Fields(text))
}

func (e *EchoProvider) Validate(context.Context) error { return nil }

func (e *EchoProvider) ModelName() string { return "echo" }
