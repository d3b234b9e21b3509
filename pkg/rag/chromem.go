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

package rag

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"github.com/google/uuid"
)

// ChromemRetriever is an embedded vector-store Retriever built on
// chromem-go. Pure Go, in-process, memory-bound: fine for a single
// coordinator process, not a distributed search tier.
type ChromemRetriever struct {
	mu         sync.RWMutex
	collection *chromem.Collection
	topK       int
}

// ChromemConfig configures a ChromemRetriever.
type ChromemConfig struct {
	// Collection names the document collection. Default "cag_documents".
	Collection string `yaml:"collection" json:"collection" mapstructure:"collection"`

	// TopK is the number of documents returned per query. Default 3.
	TopK int `yaml:"top_k" json:"top_k" mapstructure:"top_k"`

	// Embedding computes document/query embeddings. Nil uses the
	// chromem default (OpenAI, via OPENAI_API_KEY).
	Embedding chromem.EmbeddingFunc `yaml:"-" json:"-" mapstructure:"-"`
}

// NewChromemRetriever creates an in-memory retriever.
func NewChromemRetriever(cfg ChromemConfig) (*ChromemRetriever, error) {
	name := cfg.Collection
	if name == "" {
		name = "cag_documents"
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 3
	}

	embedding := cfg.Embedding
	if embedding == nil {
		embedding = chromem.NewEmbeddingFuncDefault()
	}

	collection, err := chromem.NewDB().GetOrCreateCollection(name, nil, embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector collection: %w", err)
	}

	return &ChromemRetriever{
		collection: collection,
		topK:       topK,
	}, nil
}

// Retrieve returns up to TopK documents most similar to the query.
// An empty store yields no documents and no error.
func (r *ChromemRetriever) Retrieve(ctx context.Context, query string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := r.collection.Count()
	if count == 0 {
		return nil, nil
	}

	topK := r.topK
	if topK > count {
		topK = count
	}

	results, err := r.collection.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("retrieval query failed: %w", err)
	}

	docs := make([]string, 0, len(results))
	for _, result := range results {
		docs = append(docs, result.Content)
	}
	return docs, nil
}

// AddDocument stores a document for later retrieval.
func (r *ChromemRetriever) AddDocument(ctx context.Context, text string) (bool, error) {
	if text == "" {
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	doc := chromem.Document{
		ID:      uuid.NewString(),
		Content: text,
	}
	if err := r.collection.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return false, fmt.Errorf("failed to add document: %w", err)
	}

	slog.Debug("Indexed document", "id", doc.ID, "length", len(text))
	return true, nil
}

var _ Retriever = (*ChromemRetriever)(nil)
