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

// Package rag defines the retrieval collaborator contract and an
// embedded vector-store implementation of it.
package rag

import (
	"context"
)

// Retriever is the retrieval collaborator the coordinator consumes.
// Remote search backends implement the same contract elsewhere.
type Retriever interface {
	// Retrieve returns the documents most relevant to a query.
	Retrieve(ctx context.Context, query string) ([]string, error)

	// AddDocument stores a document for later retrieval.
	AddDocument(ctx context.Context, text string) (bool, error)
}

// NopRetriever retrieves nothing and stores nothing. Used when no
// retrieval backend is configured.
type NopRetriever struct{}

func (NopRetriever) Retrieve(ctx context.Context, query string) ([]string, error) {
	return nil, nil
}

func (NopRetriever) AddDocument(ctx context.Context, text string) (bool, error) {
	return false, nil
}

var _ Retriever = NopRetriever{}
