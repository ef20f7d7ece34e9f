package llms

import (
	"context"

	"github.com/cortexchat/cortex/pkg/protocol"
)

// ReasoningEffort is a coarse dial for models that expose a chain-of-thought
// budget. Each runtime maps it to its native parameter; EffortOff means the
// reasoning parameter is omitted entirely.
type ReasoningEffort string

const (
	EffortOff     ReasoningEffort = "off"
	EffortMinimal ReasoningEffort = "minimal"
	EffortLow     ReasoningEffort = "low"
	EffortMedium  ReasoningEffort = "medium"
	EffortHigh    ReasoningEffort = "high"
)

// ParseReasoningEffort normalizes a stored effort string. Unknown values
// disable reasoning rather than failing the request.
func ParseReasoningEffort(s string) ReasoningEffort {
	switch ReasoningEffort(s) {
	case EffortMinimal, EffortLow, EffortMedium, EffortHigh:
		return ReasoningEffort(s)
	default:
		return EffortOff
	}
}

// ToolDefinition describes a callable the model may invoke. Parameters is a
// JSON schema for the arguments object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Chunk discriminators for StreamChunk.
const (
	ChunkBlock = "block"
	ChunkDone  = "done"
	ChunkError = "error"
)

// StreamChunk is one element of a provider's streaming output. Block is set
// for ChunkBlock, Tokens for ChunkDone, Err for ChunkError. A stream ends
// with exactly one done or error chunk; the channel is closed afterwards.
type StreamChunk struct {
	Type   string
	Block  protocol.ContentBlock
	Tokens int
	Err    error
}

// Operator is a named upstream provider configuration.
type Operator struct {
	Name      string
	Runtime   string
	Endpoint  string
	APIKey    string
	OrgID     string
	ProjectID string
}

// Options tunes the shared HTTP behavior of an adapter.
type Options struct {
	TimeoutSeconds    int
	MaxRetries        int
	RetryDelaySeconds int
	MaxTokens         int
	Temperature       float64
}

// DefaultOptions matches the timeouts the rest of the system assumes.
func DefaultOptions() Options {
	return Options{
		TimeoutSeconds:    120,
		MaxRetries:        3,
		RetryDelaySeconds: 2,
		MaxTokens:         8192,
		Temperature:       0.7,
	}
}

// Provider is the uniform capability each runtime adapter implements.
// Generate materializes the terminal assistant turn; Stream yields blocks
// as the provider emits them. Tool calls are always emitted whole, never
// as partial argument fragments.
type Provider interface {
	Generate(ctx context.Context, messages []protocol.Message, tools []ToolDefinition, effort ReasoningEffort) ([]protocol.ContentBlock, error)

	Stream(ctx context.Context, messages []protocol.Message, tools []ToolDefinition, effort ReasoningEffort) (<-chan StreamChunk, error)

	Runtime() string

	ModelName() string

	// ListModels queries the upstream model catalog.
	ListModels(ctx context.Context) ([]string, error)

	Close() error
}
