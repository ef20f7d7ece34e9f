package llms

import (
	"fmt"

	"github.com/cortexchat/cortex/pkg/registry"
)

// Runtime identifiers. Each names a wire-protocol family, not a vendor: an
// operator row picks the runtime its endpoint speaks.
const (
	RuntimeOpenAIResponse   = "openai_response"
	RuntimeOpenAICompletion = "openai_completion"
	RuntimeAnthropic        = "anthropic"
	RuntimeGemini           = "gemini"
	RuntimeXAI              = "xai"
	RuntimeOpenRouter       = "openrouter"
)

// NewProvider constructs the adapter for the operator's runtime.
func NewProvider(op Operator, model string, opts Options) (Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("model name cannot be empty")
	}

	switch op.Runtime {
	case RuntimeOpenAIResponse:
		return NewOpenAIResponsesProvider(op, model, opts)
	case RuntimeOpenAICompletion:
		return NewOpenAICompletionProvider(op, model, opts)
	case RuntimeAnthropic:
		return NewAnthropicProvider(op, model, opts)
	case RuntimeGemini:
		return NewGeminiProvider(op, model, opts)
	case RuntimeXAI:
		return NewXAIProvider(op, model, opts)
	case RuntimeOpenRouter:
		return NewOpenRouterProvider(op, model, opts)
	default:
		return nil, fmt.Errorf("unsupported runtime: %s (supported: %s, %s, %s, %s, %s, %s)",
			op.Runtime, RuntimeOpenAIResponse, RuntimeOpenAICompletion, RuntimeAnthropic,
			RuntimeGemini, RuntimeXAI, RuntimeOpenRouter)
	}
}

// ProviderRegistry keeps long-lived providers, keyed by operator and model,
// so concurrent requests share HTTP clients.
type ProviderRegistry struct {
	*registry.BaseRegistry[Provider]
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		BaseRegistry: registry.NewBaseRegistry[Provider](),
	}
}

func (r *ProviderRegistry) RegisterProvider(name string, provider Provider) error {
	if name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if provider == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	return r.Register(name, provider)
}

func (r *ProviderRegistry) GetProvider(name string) (Provider, error) {
	provider, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("provider '%s' not found", name)
	}
	return provider, nil
}
