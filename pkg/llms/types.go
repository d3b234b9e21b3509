package llms

import (
	"context"
	"fmt"
	"time"
)

// ============================================================================
// MODEL PROVIDER CONTRACT
// ============================================================================

// Request is one generation request against a model provider.
type Request struct {
	Prompt  string
	Context []string // retrieved documents, plugin outputs, prior turns
	Config  GenerationConfig
}

// Usage reports token accounting for one generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is a provider's raw generation output.
type Result struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// StreamChunk is one piece of a streaming generation.
type StreamChunk struct {
	Text  string
	Done  bool
	Error error
}

// Provider is the model-client capability consumed by the response
// generator. Concrete adapters (Gemini, GPT, Claude, local models)
// implement this elsewhere; the runtime only sees this contract.
type Provider interface {
	Generate(ctx context.Context, req *Request) (*Result, error)

	GenerateStream(ctx context.Context, req *Request) (<-chan StreamChunk, error)

	// CountTokens returns the provider's token count for a text, or 0
	// if the provider cannot count.
	CountTokens(text string) int

	// Validate checks the provider is usable (credentials, reachability).
	Validate(ctx context.Context) error

	ModelName() string
}

// ============================================================================
// GENERATION CONFIG
// ============================================================================

// GenerationConfig holds the effective sampling parameters for one
// generation.
type GenerationConfig struct {
	MaxTokens        int     `yaml:"max_tokens" json:"max_tokens" mapstructure:"max_tokens"`
	Temperature      float64 `yaml:"temperature" json:"temperature" mapstructure:"temperature"`
	TopP             float64 `yaml:"top_p" json:"top_p" mapstructure:"top_p"`
	PresencePenalty  float64 `yaml:"presence_penalty" json:"presence_penalty" mapstructure:"presence_penalty"`
	FrequencyPenalty float64 `yaml:"frequency_penalty" json:"frequency_penalty" mapstructure:"frequency_penalty"`
}

func (c *GenerationConfig) SetDefaults() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.TopP == 0 {
		c.TopP = 0.95
	}
}

// Overrides carries caller-supplied parameter overrides; nil fields
// inherit the generator's defaults.
type Overrides struct {
	MaxTokens        *int
	Temperature      *float64
	TopP             *float64
	PresencePenalty  *float64
	FrequencyPenalty *float64
}

// ============================================================================
// GENERATION METADATA
// ============================================================================

// Generation is the generator's wrapped output: the reply text plus
// the metadata the coordinator records alongside it.
type Generation struct {
	Text      string           `json:"text"`
	Model     string           `json:"model"`
	Config    GenerationConfig `json:"config"`
	Usage     Usage            `json:"usage"`
	CreatedAt time.Time        `json:"created_at"`
}

// ============================================================================
// ERRORS
// ============================================================================

// GenerationError wraps a model-call failure. It is the single
// normalization point for provider-specific errors: callers above the
// generator never see a provider's own error types.
type GenerationError struct {
	Model string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (model=%s): %v", e.Model, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
