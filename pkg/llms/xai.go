package llms

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/cortexchat/cortex/pkg/httpclient"
	"github.com/cortexchat/cortex/pkg/protocol"
)

// XAIProvider speaks the xAI Grok API, a Chat Completions clone. Grok mini
// models surface reasoning under reasoning_content; larger models reason
// internally without exposing it.
type XAIProvider struct {
	op         Operator
	model      string
	opts       Options
	httpClient *httpclient.Client
}

func NewXAIProvider(op Operator, model string, opts Options) (*XAIProvider, error) {
	if op.APIKey == "" {
		return nil, fmt.Errorf("API key is required for runtime %s", RuntimeXAI)
	}
	if op.Endpoint == "" {
		op.Endpoint = "https://api.x.ai/v1"
	}

	opts = normalizeOptions(opts)
	return &XAIProvider{
		op:         op,
		model:      model,
		opts:       opts,
		httpClient: newHTTPClient(opts, httpclient.ParseOpenAIHeaders),
	}, nil
}

func (p *XAIProvider) Runtime() string   { return RuntimeXAI }
func (p *XAIProvider) ModelName() string { return p.model }
func (p *XAIProvider) Close() error      { return nil }

func (p *XAIProvider) Generate(ctx context.Context, messages []protocol.Message, tools []ToolDefinition, effort ReasoningEffort) ([]protocol.ContentBlock, error) {
	ctx, span := startLLMSpan(ctx, p.Runtime(), p.model, false)
	defer span.End()

	request := p.buildRequest(messages, false, tools, effort)

	response, err := makeChatRequest(ctx, p.httpClient, p.op, chatCompletionsURL(p.op.Endpoint), request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	blocks, err := chatResponseToBlocks(response)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("llm.tokens", response.Usage.TotalTokens))
	span.SetStatus(codes.Ok, "success")
	return blocks, nil
}

func (p *XAIProvider) Stream(ctx context.Context, messages []protocol.Message, tools []ToolDefinition, effort ReasoningEffort) (<-chan StreamChunk, error) {
	request := p.buildRequest(messages, true, tools, effort)

	outputCh := make(chan StreamChunk, 100)
	go func() {
		defer close(outputCh)
		if err := makeChatStreamingRequest(ctx, p.httpClient, p.op, chatCompletionsURL(p.op.Endpoint), request, outputCh); err != nil {
			outputCh <- StreamChunk{Type: ChunkError, Err: err}
		}
	}()
	return outputCh, nil
}

func (p *XAIProvider) ListModels(ctx context.Context) ([]string, error) {
	return listChatModels(ctx, p.httpClient, p.op)
}

func (p *XAIProvider) buildRequest(messages []protocol.Message, stream bool, tools []ToolDefinition, effort ReasoningEffort) ChatRequest {
	maxTokens := p.opts.MaxTokens
	temperature := p.opts.Temperature

	request := ChatRequest{
		Model:       p.model,
		Messages:    buildChatMessages(messages),
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
		Stream:      stream,
	}

	// Grok only accepts low/high; collapse the finer levels.
	switch effort {
	case EffortMinimal, EffortLow:
		request.ReasoningEffort = "low"
	case EffortMedium, EffortHigh:
		request.ReasoningEffort = "high"
	}

	if len(tools) > 0 {
		request.Tools = convertChatTools(tools)
		request.ToolChoice = "auto"
	}
	return request
}
