package llms

import (
	"context"
)

// MockProvider is a minimal in-memory Provider for tests.
type MockProvider struct {
	Model        string
	Reply        string
	ReplyUsage   Usage
	GenerateErr  error
	ValidateErr  error
	TokensPerDoc int

	// LastRequest records the most recent Generate request for
	// assertions.
	LastRequest *Request
	Calls       int
}

// NewMockProvider creates a mock provider that echoes a fixed reply.
func NewMockProvider(reply string) *MockProvider {
	return &MockProvider{
		Model: "mock-model",
		Reply: reply,
	}
}

func (m *MockProvider) Generate(ctx context.Context, req *Request) (*Result, error) {
	m.Calls++
	m.LastRequest = req
	if m.GenerateErr != nil {
		return nil, m.GenerateErr
	}
	return &Result{Text: m.Reply, Usage: m.ReplyUsage}, nil
}

func (m *MockProvider) GenerateStream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	m.LastRequest = req
	if m.GenerateErr != nil {
		return nil, m.GenerateErr
	}

	ch := make(chan StreamChunk, 2)
	ch <- StreamChunk{Text: m.Reply}
	ch <- StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

func (m *MockProvider) CountTokens(text string) int {
	return m.TokensPerDoc
}

func (m *MockProvider) Validate(ctx context.Context) error {
	return m.ValidateErr
}

func (m *MockProvider) ModelName() string {
	return m.Model
}
