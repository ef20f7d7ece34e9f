package llms

import (
	"testing"

	"github.com/cortexchat/cortex/pkg/protocol"
)

func TestNewProvider_Dispatch(t *testing.T) {
	cases := []struct {
		runtime string
	}{
		{RuntimeOpenAIResponse},
		{RuntimeOpenAICompletion},
		{RuntimeAnthropic},
		{RuntimeGemini},
		{RuntimeXAI},
		{RuntimeOpenRouter},
	}

	for _, tc := range cases {
		provider, err := NewProvider(testOperator(tc.runtime, ""), "some-model", Options{})
		if err != nil {
			t.Errorf("NewProvider(%s) error = %v", tc.runtime, err)
			continue
		}
		if provider.Runtime() != tc.runtime {
			t.Errorf("NewProvider(%s).Runtime() = %s", tc.runtime, provider.Runtime())
		}
		if provider.ModelName() != "some-model" {
			t.Errorf("NewProvider(%s).ModelName() = %s", tc.runtime, provider.ModelName())
		}
	}
}

func TestNewProvider_UnknownRuntime(t *testing.T) {
	_, err := NewProvider(testOperator("ollama", ""), "llama3", Options{})
	if err == nil {
		t.Fatal("expected error for unknown runtime")
	}
}

func TestNewProvider_EmptyModel(t *testing.T) {
	_, err := NewProvider(testOperator(RuntimeAnthropic, ""), "", Options{})
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestProviderRegistry(t *testing.T) {
	reg := NewProviderRegistry()

	provider, err := NewProvider(testOperator(RuntimeOpenAICompletion, ""), "gpt-4o", Options{})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	if err := reg.RegisterProvider("openai", provider); err != nil {
		t.Fatalf("RegisterProvider() error = %v", err)
	}
	if err := reg.RegisterProvider("", provider); err == nil {
		t.Error("expected error for empty name")
	}
	if err := reg.RegisterProvider("nil", nil); err == nil {
		t.Error("expected error for nil provider")
	}

	got, err := reg.GetProvider("openai")
	if err != nil {
		t.Fatalf("GetProvider() error = %v", err)
	}
	if got.ModelName() != "gpt-4o" {
		t.Errorf("GetProvider().ModelName() = %s", got.ModelName())
	}

	if _, err := reg.GetProvider("missing"); err == nil {
		t.Error("expected error for missing provider")
	}
}

func TestXAIProvider_BuildRequest_EffortCollapse(t *testing.T) {
	provider, _ := NewXAIProvider(testOperator(RuntimeXAI, ""), "grok-3-mini", Options{})
	msgs := []protocol.Message{protocol.UserMessage("hi")}

	if req := provider.buildRequest(msgs, false, nil, EffortMinimal); req.ReasoningEffort != "low" {
		t.Errorf("minimal maps to %q, want low", req.ReasoningEffort)
	}
	if req := provider.buildRequest(msgs, false, nil, EffortMedium); req.ReasoningEffort != "high" {
		t.Errorf("medium maps to %q, want high", req.ReasoningEffort)
	}
	if req := provider.buildRequest(msgs, false, nil, EffortOff); req.ReasoningEffort != "" {
		t.Errorf("off maps to %q, want empty", req.ReasoningEffort)
	}
}

func TestOpenRouterProvider_BuildRequest_NestedReasoning(t *testing.T) {
	provider, _ := NewOpenRouterProvider(testOperator(RuntimeOpenRouter, ""), "anthropic/claude-sonnet-4", Options{})
	msgs := []protocol.Message{protocol.UserMessage("hi")}

	req := provider.buildRequest(msgs, true, nil, EffortHigh)
	if req.Reasoning == nil || req.Reasoning.Effort != "high" {
		t.Errorf("reasoning = %+v", req.Reasoning)
	}
	if req.ReasoningEffort != "" {
		t.Error("openrouter must use the nested reasoning parameter")
	}

	req = provider.buildRequest(msgs, true, nil, EffortOff)
	if req.Reasoning != nil {
		t.Error("reasoning must be omitted when off")
	}
}

func TestParseReasoningEffort(t *testing.T) {
	if got := ParseReasoningEffort("medium"); got != EffortMedium {
		t.Errorf("ParseReasoningEffort(medium) = %v", got)
	}
	if got := ParseReasoningEffort("bogus"); got != EffortOff {
		t.Errorf("ParseReasoningEffort(bogus) = %v, want off", got)
	}
	if got := ParseReasoningEffort(""); got != EffortOff {
		t.Errorf("ParseReasoningEffort(empty) = %v, want off", got)
	}
}
