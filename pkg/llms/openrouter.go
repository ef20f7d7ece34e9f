package llms

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/cortexchat/cortex/pkg/httpclient"
	"github.com/cortexchat/cortex/pkg/protocol"
)

// OpenRouterProvider routes through OpenRouter's Chat Completions surface.
// Reasoning is requested with the nested reasoning parameter and streamed
// back under delta.reasoning regardless of the underlying vendor.
type OpenRouterProvider struct {
	op         Operator
	model      string
	opts       Options
	httpClient *httpclient.Client
}

func NewOpenRouterProvider(op Operator, model string, opts Options) (*OpenRouterProvider, error) {
	if op.APIKey == "" {
		return nil, fmt.Errorf("API key is required for runtime %s", RuntimeOpenRouter)
	}
	if op.Endpoint == "" {
		op.Endpoint = "https://openrouter.ai/api/v1"
	}

	opts = normalizeOptions(opts)
	return &OpenRouterProvider{
		op:         op,
		model:      model,
		opts:       opts,
		httpClient: newHTTPClient(opts, httpclient.ParseOpenAIHeaders),
	}, nil
}

func (p *OpenRouterProvider) Runtime() string   { return RuntimeOpenRouter }
func (p *OpenRouterProvider) ModelName() string { return p.model }
func (p *OpenRouterProvider) Close() error      { return nil }

func (p *OpenRouterProvider) Generate(ctx context.Context, messages []protocol.Message, tools []ToolDefinition, effort ReasoningEffort) ([]protocol.ContentBlock, error) {
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

func (p *OpenRouterProvider) Stream(ctx context.Context, messages []protocol.Message, tools []ToolDefinition, effort ReasoningEffort) (<-chan StreamChunk, error) {
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

func (p *OpenRouterProvider) ListModels(ctx context.Context) ([]string, error) {
	return listChatModels(ctx, p.httpClient, p.op)
}

func (p *OpenRouterProvider) buildRequest(messages []protocol.Message, stream bool, tools []ToolDefinition, effort ReasoningEffort) ChatRequest {
	maxTokens := p.opts.MaxTokens
	temperature := p.opts.Temperature

	request := ChatRequest{
		Model:       p.model,
		Messages:    buildChatMessages(messages),
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
		Stream:      stream,
	}

	if effort != EffortOff && effort != "" {
		request.Reasoning = &RouterReasoning{Effort: string(effort)}
	}

	if len(tools) > 0 {
		request.Tools = convertChatTools(tools)
		request.ToolChoice = "auto"
	}
	return request
}
