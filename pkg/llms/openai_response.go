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

// OpenAIResponsesProvider speaks the OpenAI Responses API. Unlike Chat
// Completions, output arrives as typed items; streaming tool calls are
// delivered whole in output_item.done events, so no argument accumulation
// is needed here.
type OpenAIResponsesProvider struct {
	op         Operator
	model      string
	opts       Options
	httpClient *httpclient.Client
}

type ResponsesRequest struct {
	Model           string              `json:"model"`
	Input           []ResponsesItem     `json:"input"`
	Tools           []ResponsesTool     `json:"tools,omitempty"`
	Stream          bool                `json:"stream"`
	MaxOutputTokens *int                `json:"max_output_tokens,omitempty"`
	Temperature     *float64            `json:"temperature,omitempty"`
	Reasoning       *ResponsesReasoning `json:"reasoning,omitempty"`
}

type ResponsesReasoning struct {
	Effort  string `json:"effort"`
	Summary string `json:"summary,omitempty"`
}

// ResponsesItem is one input list entry: a message (role + content), a
// function_call or a function_call_output.
type ResponsesItem struct {
	Type      string                 `json:"type,omitempty"`
	Role      string                 `json:"role,omitempty"`
	Content   []ResponsesContentPart `json:"content,omitempty"`
	CallID    string                 `json:"call_id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Arguments string                 `json:"arguments,omitempty"`
	Output    string                 `json:"output,omitempty"`
	Summary   []ResponsesSummaryPart `json:"summary,omitempty"`
}

type ResponsesContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type ResponsesSummaryPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ResponsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ResponsesResponse struct {
	Output []ResponsesItem `json:"output"`
	Usage  *ResponsesUsage `json:"usage,omitempty"`
	Error  *ResponsesError `json:"error,omitempty"`
}

type ResponsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type ResponsesError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponsesStreamEvent is the envelope for SSE data payloads. Type mirrors
// the event name, so the event: lines can be ignored.
type ResponsesStreamEvent struct {
	Type     string             `json:"type"`
	Delta    string             `json:"delta,omitempty"`
	Item     *ResponsesItem     `json:"item,omitempty"`
	Response *ResponsesResponse `json:"response,omitempty"`
	Message  string             `json:"message,omitempty"`
}

func NewOpenAIResponsesProvider(op Operator, model string, opts Options) (*OpenAIResponsesProvider, error) {
	if op.APIKey == "" {
		return nil, fmt.Errorf("API key is required for runtime %s", RuntimeOpenAIResponse)
	}
	if op.Endpoint == "" {
		op.Endpoint = "https://api.openai.com/v1"
	}

	opts = normalizeOptions(opts)
	return &OpenAIResponsesProvider{
		op:         op,
		model:      model,
		opts:       opts,
		httpClient: newHTTPClient(opts, httpclient.ParseOpenAIHeaders),
	}, nil
}

func (p *OpenAIResponsesProvider) Runtime() string   { return RuntimeOpenAIResponse }
func (p *OpenAIResponsesProvider) ModelName() string { return p.model }
func (p *OpenAIResponsesProvider) Close() error      { return nil }

func (p *OpenAIResponsesProvider) Generate(ctx context.Context, messages []protocol.Message, tools []ToolDefinition, effort ReasoningEffort) ([]protocol.ContentBlock, error) {
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
	for _, item := range response.Output {
		switch item.Type {
		case "reasoning":
			var sb strings.Builder
			for _, s := range item.Summary {
				sb.WriteString(s.Text)
			}
			if sb.Len() > 0 {
				blocks = append(blocks, protocol.ReasoningBlock(sb.String(), nil))
			}
		case "message":
			for _, part := range item.Content {
				if part.Type == "output_text" && part.Text != "" {
					blocks = append(blocks, protocol.TextBlock(part.Text))
				}
			}
		case "function_call":
			b, err := responsesFunctionCallToBlock(item)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			blocks = append(blocks, b)
		}
	}

	if response.Usage != nil {
		span.SetAttributes(attribute.Int("llm.tokens", response.Usage.TotalTokens))
	}
	span.SetStatus(codes.Ok, "success")
	return blocks, nil
}

func (p *OpenAIResponsesProvider) Stream(ctx context.Context, messages []protocol.Message, tools []ToolDefinition, effort ReasoningEffort) (<-chan StreamChunk, error) {
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

func (p *OpenAIResponsesProvider) ListModels(ctx context.Context) ([]string, error) {
	return listChatModels(ctx, p.httpClient, p.op)
}

func (p *OpenAIResponsesProvider) buildRequest(messages []protocol.Message, stream bool, tools []ToolDefinition, effort ReasoningEffort) ResponsesRequest {
	var input []ResponsesItem

	for _, msg := range messages {
		switch msg.Role {
		case protocol.RoleTool:
			for _, b := range msg.Blocks {
				if b.Type != protocol.BlockTypeToolOutput {
					continue
				}
				input = append(input, ResponsesItem{
					Type:   "function_call_output",
					CallID: b.CallID,
					Output: b.Content,
				})
			}

		case protocol.RoleAssistant:
			var parts []ResponsesContentPart
			for _, b := range msg.Blocks {
				switch b.Type {
				case protocol.BlockTypeText:
					if b.Text != "" {
						parts = append(parts, ResponsesContentPart{Type: "output_text", Text: b.Text})
					}
				case protocol.BlockTypeToolCall:
					argsJSON, _ := json.Marshal(b.Args)
					input = append(input, ResponsesItem{
						Type:      "function_call",
						CallID:    b.ID,
						Name:      b.Name,
						Arguments: string(argsJSON),
					})
				}
				// Reasoning summaries have no replayable state and are
				// dropped outbound.
			}
			if len(parts) > 0 {
				input = append(input, ResponsesItem{Role: "assistant", Content: parts})
			}

		default:
			role := "user"
			if msg.Role == protocol.RoleSystem {
				role = "system"
			}
			var parts []ResponsesContentPart
			for _, b := range msg.Blocks {
				switch b.Type {
				case protocol.BlockTypeText:
					if b.Text != "" {
						parts = append(parts, ResponsesContentPart{Type: "input_text", Text: b.Text})
					}
				case protocol.BlockTypeImage:
					mediaType := b.MimeType
					if mediaType == "" {
						mediaType = detectImageMediaType(b.Data)
					}
					url := fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(b.Data))
					parts = append(parts, ResponsesContentPart{Type: "input_image", ImageURL: url})
				}
			}
			if len(parts) > 0 {
				input = append(input, ResponsesItem{Role: role, Content: parts})
			}
		}
	}

	request := ResponsesRequest{
		Model:  p.model,
		Input:  input,
		Stream: stream,
	}

	if effort != EffortOff && effort != "" {
		request.Reasoning = &ResponsesReasoning{Effort: string(effort), Summary: "auto"}
	} else {
		maxTokens := p.opts.MaxTokens
		temperature := p.opts.Temperature
		request.MaxOutputTokens = &maxTokens
		request.Temperature = &temperature
	}

	if len(tools) > 0 {
		request.Tools = make([]ResponsesTool, len(tools))
		for i, tool := range tools {
			request.Tools[i] = ResponsesTool{
				Type:        "function",
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			}
		}
	}
	return request
}

func responsesFunctionCallToBlock(item ResponsesItem) (protocol.ContentBlock, error) {
	args := make(map[string]any)
	if item.Arguments != "" {
		if err := json.Unmarshal([]byte(item.Arguments), &args); err != nil {
			return protocol.ContentBlock{}, malformedErr("invalid tool call arguments for %s: %v", item.Name, err)
		}
	}
	return protocol.ToolCallBlock(item.CallID, item.Name, args), nil
}

func (p *OpenAIResponsesProvider) newRequest(ctx context.Context, request ResponsesRequest) (*http.Request, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", strings.TrimSuffix(p.op.Endpoint, "/")+"/responses", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	setChatHeaders(req, p.op)
	return req, nil
}

func (p *OpenAIResponsesProvider) makeRequest(ctx context.Context, request ResponsesRequest) (*ResponsesResponse, error) {
	req, err := p.newRequest(ctx, request)
	if err != nil {
		return nil, err
	}

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

	var response ResponsesResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, malformedErr("failed to decode response: %v", err)
	}
	return &response, nil
}

func (p *OpenAIResponsesProvider) makeStreamingRequest(ctx context.Context, request ResponsesRequest, outputCh chan<- StreamChunk) error {
	req, err := p.newRequest(ctx, request)
	if err != nil {
		return err
	}

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

	totalTokens := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var event ResponsesStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "response.output_text.delta":
			if event.Delta != "" {
				outputCh <- StreamChunk{Type: ChunkBlock, Block: protocol.TextBlock(event.Delta)}
			}

		case "response.reasoning_summary_text.delta":
			if event.Delta != "" {
				outputCh <- StreamChunk{Type: ChunkBlock, Block: protocol.ReasoningBlock(event.Delta, nil)}
			}

		case "response.output_item.done":
			if event.Item != nil && event.Item.Type == "function_call" {
				b, err := responsesFunctionCallToBlock(*event.Item)
				if err != nil {
					return err
				}
				outputCh <- StreamChunk{Type: ChunkBlock, Block: b}
			}

		case "response.completed":
			if event.Response != nil && event.Response.Usage != nil {
				totalTokens = event.Response.Usage.TotalTokens
			}
			outputCh <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
			return nil

		case "response.failed", "error":
			msg := event.Message
			if msg == "" && event.Response != nil && event.Response.Error != nil {
				msg = event.Response.Error.Message
			}
			return rejectedErr("API error: %s", msg)
		}
	}
	if err := scanner.Err(); err != nil {
		return unavailableErr("failed to read stream: %v", err)
	}

	outputCh <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
	return nil
}
