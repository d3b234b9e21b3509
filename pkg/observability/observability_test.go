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

package observability

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMetrics_Disabled(t *testing.T) {
	m, err := InitMetrics(Config{Enabled: false})
	require.NoError(t, err)

	_, ok := m.(NoopMetrics)
	assert.True(t, ok, "disabled config should yield NoopMetrics")

	// Recording on the noop implementation must not panic.
	ctx := context.Background()
	m.RecordMessage(ctx, 0.5, 42, nil)
	m.RecordPluginExecution(ctx, "summarizer", 0.1, errors.New("boom"))
	m.RecordGeneration(ctx, "mock-model", 0.2, 10, 20, nil)
}

func TestInitMetrics_Enabled(t *testing.T) {
	m, err := InitMetrics(Config{Enabled: true, Port: 9090})
	require.NoError(t, err)
	require.IsType(t, &PrometheusMetrics{}, m)

	ctx := context.Background()
	m.RecordMessage(ctx, 1.5, 100, nil)
	m.RecordMessage(ctx, 0.5, 0, errors.New("pipeline failure"))
	m.RecordPluginExecution(ctx, "summarizer", 0.01, nil)
	m.RecordGeneration(ctx, "mock-model", 0.3, 50, 25, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "cag_messages_total")
	assert.Contains(t, body, "cag_message_errors_total")
	assert.Contains(t, body, "cag_plugin_calls_total")
	assert.Contains(t, body, "cag_generation_tokens_input_total")
}

func TestNoopMetrics_Handler(t *testing.T) {
	rec := httptest.NewRecorder()
	NoopMetrics{}.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 503, rec.Code)
}
