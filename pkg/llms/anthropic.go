package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/cortexchat/cortex/pkg/httpclient"
	"github.com/cortexchat/cortex/pkg/protocol"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider speaks the Anthropic Messages API. Extended thinking
// blocks carry a signature that must be replayed verbatim on the next turn;
// it travels in the reasoning block's extras under "signature".
type AnthropicProvider struct {
	op         Operator
	model      string
	opts       Options
	httpClient *httpclient.Client
}

type AnthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []AnthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Tools       []AnthropicTool    `json:"tools,omitempty"`
	Thinking    *AnthropicThinking `json:"thinking,omitempty"`
}

type AnthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type AnthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type AnthropicMessage struct {
	Role    string             `json:"role"`
	Content []AnthropicContent `json:"content"`
}

type AnthropicContent struct {
	Type      string                `json:"type"`
	Text      string                `json:"text,omitempty"`
	Thinking  string                `json:"thinking,omitempty"`
	Signature string                `json:"signature,omitempty"`
	ID        string                `json:"id,omitempty"`
	Name      string                `json:"name,omitempty"`
	Input     *map[string]any       `json:"input,omitempty"`
	ToolUseID string                `json:"tool_use_id,omitempty"`
	Content   string                `json:"content,omitempty"`
	Source    *AnthropicImageSource `json:"source,omitempty"`
}

type AnthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type AnthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []AnthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      AnthropicUsage     `json:"usage"`
	Error      *AnthropicError    `json:"error,omitempty"`
}

type AnthropicStreamResponse struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	Delta        *AnthropicDelta    `json:"delta,omitempty"`
	ContentBlock *AnthropicContent  `json:"content_block,omitempty"`
	Message      *AnthropicResponse `json:"message,omitempty"`
	Usage        *AnthropicUsage    `json:"usage,omitempty"`
	Error        *AnthropicError    `json:"error,omitempty"`
}

type AnthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type AnthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type AnthropicModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func NewAnthropicProvider(op Operator, model string, opts Options) (*AnthropicProvider, error) {
	if op.APIKey == "" {
		return nil, fmt.Errorf("API key is required for runtime %s", RuntimeAnthropic)
	}
	if op.Endpoint == "" {
		op.Endpoint = "https://api.anthropic.com"
	}

	opts = normalizeOptions(opts)
	return &AnthropicProvider{
		op:         op,
		model:      model,
		opts:       opts,
		httpClient: newHTTPClient(opts, httpclient.ParseAnthropicHeaders),
	}, nil
}

func (p *AnthropicProvider) Runtime() string   { return RuntimeAnthropic }
func (p *AnthropicProvider) ModelName() string { return p.model }
func (p *AnthropicProvider) Close() error      { return nil }

func (p *AnthropicProvider) Generate(ctx context.Context, messages []protocol.Message, tools []ToolDefinition, effort ReasoningEffort) ([]protocol.ContentBlock, error) {
	ctx, span := startLLMSpan(ctx, p.Runtime(), p.model, false)
	defer span.End()

	request := p.buildRequest(messages, false, tools, effort)

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if response.Error != nil {
		apiErr := rejectedErr("API error: %s", response.Error.Message)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, response.Error.Message)
		return nil, apiErr
	}

	var blocks []protocol.ContentBlock
	for _, content := range response.Content {
		switch content.Type {
		case "thinking":
			var extras map[string]string
			if content.Signature != "" {
				extras = map[string]string{"signature": content.Signature}
			}
			blocks = append(blocks, protocol.ReasoningBlock(content.Thinking, extras))
		case "text":
			blocks = append(blocks, protocol.TextBlock(content.Text))
		case "tool_use":
			args := make(map[string]any)
			if content.Input != nil {
				args = *content.Input
			}
			blocks = append(blocks, protocol.ToolCallBlock(content.ID, content.Name, args))
		}
	}

	span.SetAttributes(attribute.Int("llm.tokens", response.Usage.InputTokens+response.Usage.OutputTokens))
	span.SetStatus(codes.Ok, "success")
	return blocks, nil
}

func (p *AnthropicProvider) Stream(ctx context.Context, messages []protocol.Message, tools []ToolDefinition, effort ReasoningEffort) (<-chan StreamChunk, error) {
	request := p.buildRequest(messages, true, tools, effort)

	outputCh := make(chan StreamChunk, 100)
	go func() {
		defer close(outputCh)
		if err := p.makeStreamingRequest(ctx, request, outputCh); err != nil {
			outputCh <- StreamChunk{Type: ChunkError, Err: err}
		}
	}()
	return outputCh, nil
}

func (p *AnthropicProvider) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", p.op.Endpoint+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, classifyHTTPStatus(resp.StatusCode, string(body))
		}
	}
	if err != nil {
		return nil, unavailableErr("request failed: %v", err)
	}

	var list AnthropicModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, malformedErr("failed to decode model list: %v", err)
	}

	models := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

// thinkingBudget maps the effort dial to budget_tokens. The API floor is
// 1024; the default mirrors an 8192 cap at 80%.
func thinkingBudget(effort ReasoningEffort) int {
	switch effort {
	case EffortMinimal:
		return 1024
	case EffortLow:
		return 2048
	case EffortMedium:
		return 6553
	case EffortHigh:
		return 16384
	default:
		return 0
	}
}

func (p *AnthropicProvider) buildRequest(messages []protocol.Message, stream bool, tools []ToolDefinition, effort ReasoningEffort) AnthropicRequest {
	var systemParts []string
	anthropicMessages := make([]AnthropicMessage, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case protocol.RoleSystem:
			if text := msg.Text(); text != "" {
				systemParts = append(systemParts, text)
			}

		case protocol.RoleTool:
			for _, b := range msg.Blocks {
				if b.Type != protocol.BlockTypeToolOutput {
					continue
				}
				anthropicMessages = append(anthropicMessages, AnthropicMessage{
					Role: "user",
					Content: []AnthropicContent{{
						Type:      "tool_result",
						ToolUseID: b.CallID,
						Content:   b.Content,
					}},
				})
			}

		case protocol.RoleUser:
			var contents []AnthropicContent
			for _, b := range msg.Blocks {
				switch b.Type {
				case protocol.BlockTypeText:
					if b.Text != "" {
						contents = append(contents, AnthropicContent{Type: "text", Text: b.Text})
					}
				case protocol.BlockTypeImage:
					mediaType := b.MimeType
					if mediaType == "" {
						mediaType = detectImageMediaType(b.Data)
					}
					contents = append(contents, AnthropicContent{
						Type: "image",
						Source: &AnthropicImageSource{
							Type:      "base64",
							MediaType: mediaType,
							Data:      base64.StdEncoding.EncodeToString(b.Data),
						},
					})
				}
			}
			if len(contents) > 0 {
				anthropicMessages = append(anthropicMessages, AnthropicMessage{Role: "user", Content: contents})
			}

		case protocol.RoleAssistant:
			var contents []AnthropicContent
			for _, b := range msg.Blocks {
				switch b.Type {
				case protocol.BlockTypeReasoning:
					// Thinking replays only with its signature; the API
					// rejects unsigned thinking blocks.
					sig := b.Extras["signature"]
					if sig == "" {
						continue
					}
					contents = append(contents, AnthropicContent{
						Type:      "thinking",
						Thinking:  b.Reasoning,
						Signature: sig,
					})
				case protocol.BlockTypeText:
					if b.Text != "" {
						contents = append(contents, AnthropicContent{Type: "text", Text: b.Text})
					}
				case protocol.BlockTypeToolCall:
					input := b.Args
					if input == nil {
						input = make(map[string]any)
					}
					contents = append(contents, AnthropicContent{
						Type:  "tool_use",
						ID:    b.ID,
						Name:  b.Name,
						Input: &input,
					})
				}
			}
			if len(contents) > 0 {
				anthropicMessages = append(anthropicMessages, AnthropicMessage{Role: "assistant", Content: contents})
			}
		}
	}

	request := AnthropicRequest{
		Model:     p.model,
		Messages:  anthropicMessages,
		MaxTokens: p.opts.MaxTokens,
		Stream:    stream,
		System:    strings.Join(systemParts, "\n\n"),
	}

	if budget := thinkingBudget(effort); budget > 0 {
		// Thinking requires temperature unset and max_tokens above the
		// budget.
		request.Thinking = &AnthropicThinking{Type: "enabled", BudgetTokens: budget}
		if request.MaxTokens <= budget {
			request.MaxTokens = budget + p.opts.MaxTokens
		}
	} else {
		temperature := p.opts.Temperature
		request.Temperature = &temperature
	}

	if len(tools) > 0 {
		anthropicTools := make([]AnthropicTool, len(tools))
		for i, tool := range tools {
			anthropicTools[i] = AnthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.Parameters,
			}
		}
		request.Tools = anthropicTools
	}
	return request
}

func (p *AnthropicProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.op.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
}

func (p *AnthropicProvider) makeRequest(ctx context.Context, request AnthropicRequest) (*AnthropicResponse, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.op.Endpoint+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, classifyHTTPStatus(resp.StatusCode, string(body))
		}
	}
	if err != nil {
		return nil, unavailableErr("request failed: %v", err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unavailableErr("failed to read response: %v", err)
	}

	var response AnthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, malformedErr("failed to decode response: %v", err)
	}
	return &response, nil
}

func (p *AnthropicProvider) makeStreamingRequest(ctx context.Context, request AnthropicRequest, outputCh chan<- StreamChunk) error {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.op.Endpoint+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return classifyHTTPStatus(resp.StatusCode, string(body))
		}
	}
	if err != nil {
		return unavailableErr("request failed: %v", err)
	}

	toolCalls := make(map[int]protocol.ContentBlock)
	toolJSONBuffers := make(map[int]string)
	thinkingSignatures := make(map[int]string)
	blockTypes := make(map[int]string)
	var totalTokens int

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var streamResp AnthropicStreamResponse
		if err := json.Unmarshal([]byte(data), &streamResp); err != nil {
			return malformedErr("failed to decode streaming response: %v", err)
		}

		switch streamResp.Type {
		case "error":
			if streamResp.Error != nil {
				return rejectedErr("API error: %s", streamResp.Error.Message)
			}

		case "content_block_start":
			if streamResp.ContentBlock == nil {
				continue
			}
			blockTypes[streamResp.Index] = streamResp.ContentBlock.Type
			if streamResp.ContentBlock.Type == "tool_use" {
				toolCalls[streamResp.Index] = protocol.ToolCallBlock(
					streamResp.ContentBlock.ID, streamResp.ContentBlock.Name, make(map[string]any))
				toolJSONBuffers[streamResp.Index] = ""
			}

		case "content_block_delta":
			if streamResp.Delta == nil {
				continue
			}
			switch streamResp.Delta.Type {
			case "text_delta":
				if streamResp.Delta.Text != "" {
					outputCh <- StreamChunk{Type: ChunkBlock, Block: protocol.TextBlock(streamResp.Delta.Text)}
				}
			case "thinking_delta":
				if streamResp.Delta.Thinking != "" {
					outputCh <- StreamChunk{Type: ChunkBlock, Block: protocol.ReasoningBlock(streamResp.Delta.Thinking, nil)}
				}
			case "signature_delta":
				thinkingSignatures[streamResp.Index] += streamResp.Delta.Signature
			case "input_json_delta":
				toolJSONBuffers[streamResp.Index] += streamResp.Delta.PartialJSON
			}

		case "content_block_stop":
			switch blockTypes[streamResp.Index] {
			case "tool_use":
				tc := toolCalls[streamResp.Index]
				if jsonStr := toolJSONBuffers[streamResp.Index]; jsonStr != "" {
					var args map[string]any
					if err := json.Unmarshal([]byte(jsonStr), &args); err == nil {
						tc.Args = args
					}
				}
				outputCh <- StreamChunk{Type: ChunkBlock, Block: tc}
			case "thinking":
				// Emit the signature so the caller can attach it to the
				// accumulated reasoning for replay.
				if sig := thinkingSignatures[streamResp.Index]; sig != "" {
					outputCh <- StreamChunk{Type: ChunkBlock, Block: protocol.ReasoningBlock("", map[string]string{"signature": sig})}
				}
			}

		case "message_delta":
			if streamResp.Usage != nil {
				totalTokens = streamResp.Usage.OutputTokens
			}

		case "message_stop":
			outputCh <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return unavailableErr("failed to read streaming response: %v", err)
	}

	outputCh <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
	return nil
}
