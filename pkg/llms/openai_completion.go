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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cortexchat/cortex/pkg/httpclient"
	"github.com/cortexchat/cortex/pkg/protocol"
)

// OpenAICompletionProvider speaks the OpenAI Chat Completions protocol.
// The xAI and OpenRouter adapters reuse its wire types; only request
// decoration and reasoning handling differ between the three.
type OpenAICompletionProvider struct {
	op         Operator
	model      string
	opts       Options
	httpClient *httpclient.Client
}

type ChatRequest struct {
	Model           string           `json:"model"`
	Messages        []ChatMessage    `json:"messages"`
	MaxTokens       *int             `json:"max_tokens,omitempty"`
	Temperature     *float64         `json:"temperature,omitempty"`
	Stream          bool             `json:"stream"`
	Tools           []ChatTool       `json:"tools,omitempty"`
	ToolChoice      string           `json:"tool_choice,omitempty"`
	ReasoningEffort string           `json:"reasoning_effort,omitempty"`
	Reasoning       *RouterReasoning `json:"reasoning,omitempty"`
}

// RouterReasoning is the OpenRouter-style nested reasoning parameter.
type RouterReasoning struct {
	Effort string `json:"effort"`
}

type ChatMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"` // string or []ChatContentPart
	ToolCalls  []ChatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type ChatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ChatImageURL `json:"image_url,omitempty"`
}

type ChatImageURL struct {
	URL string `json:"url"`
}

type ChatTool struct {
	Type     string           `json:"type"`
	Function ChatToolFunction `json:"function"`
}

type ChatToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ChatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ChatFunctionCall `json:"function"`
}

type ChatFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ChatResponse struct {
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`
	Error   *ChatError   `json:"error,omitempty"`
}

type ChatChoice struct {
	Message      ChatRespMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type ChatRespMessage struct {
	Content          string         `json:"content"`
	Reasoning        string         `json:"reasoning"`
	ReasoningContent string         `json:"reasoning_content"`
	ToolCalls        []ChatToolCall `json:"tool_calls,omitempty"`
}

type ChatStreamResponse struct {
	Choices []ChatStreamChoice `json:"choices"`
	Usage   *ChatUsage         `json:"usage,omitempty"`
	Error   *ChatError         `json:"error,omitempty"`
}

type ChatStreamChoice struct {
	Delta        ChatDelta `json:"delta"`
	FinishReason string    `json:"finish_reason"`
}

// ChatDelta carries incremental assistant output. Reasoning arrives under
// either "reasoning" or "reasoning_content" depending on the upstream.
type ChatDelta struct {
	Content          string         `json:"content,omitempty"`
	Reasoning        string         `json:"reasoning,omitempty"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
	ToolCalls        []ChatToolCall `json:"tool_calls,omitempty"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

type ChatModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func NewOpenAICompletionProvider(op Operator, model string, opts Options) (*OpenAICompletionProvider, error) {
	if op.APIKey == "" {
		return nil, fmt.Errorf("API key is required for runtime %s", RuntimeOpenAICompletion)
	}
	if op.Endpoint == "" {
		op.Endpoint = "https://api.openai.com/v1"
	}

	opts = normalizeOptions(opts)
	return &OpenAICompletionProvider{
		op:         op,
		model:      model,
		opts:       opts,
		httpClient: newHTTPClient(opts, httpclient.ParseOpenAIHeaders),
	}, nil
}

func (p *OpenAICompletionProvider) Runtime() string   { return RuntimeOpenAICompletion }
func (p *OpenAICompletionProvider) ModelName() string { return p.model }
func (p *OpenAICompletionProvider) Close() error      { return nil }

func (p *OpenAICompletionProvider) Generate(ctx context.Context, messages []protocol.Message, tools []ToolDefinition, effort ReasoningEffort) ([]protocol.ContentBlock, error) {
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

func (p *OpenAICompletionProvider) Stream(ctx context.Context, messages []protocol.Message, tools []ToolDefinition, effort ReasoningEffort) (<-chan StreamChunk, error) {
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

func (p *OpenAICompletionProvider) ListModels(ctx context.Context) ([]string, error) {
	return listChatModels(ctx, p.httpClient, p.op)
}

func (p *OpenAICompletionProvider) buildRequest(messages []protocol.Message, stream bool, tools []ToolDefinition, effort ReasoningEffort) ChatRequest {
	request := ChatRequest{
		Model:    p.model,
		Messages: buildChatMessages(messages),
		Stream:   stream,
	}

	if effort != EffortOff && effort != "" {
		// Reasoning models pin temperature to 1.0 and take
		// max_completion_tokens; omitting both keeps upstream defaults.
		request.ReasoningEffort = string(effort)
	} else {
		maxTokens := p.opts.MaxTokens
		temperature := p.opts.Temperature
		request.MaxTokens = &maxTokens
		request.Temperature = &temperature
	}

	if len(tools) > 0 {
		request.Tools = convertChatTools(tools)
		request.ToolChoice = "auto"
	}
	return request
}

// ----------------------------------------------------------------------------
// Shared Chat Completions plumbing
// ----------------------------------------------------------------------------

func chatCompletionsURL(endpoint string) string {
	return strings.TrimSuffix(endpoint, "/") + "/chat/completions"
}

func roleToChat(role protocol.Role) string {
	switch role {
	case protocol.RoleUser:
		return "user"
	case protocol.RoleAssistant:
		return "assistant"
	case protocol.RoleTool:
		return "tool"
	default:
		return "system"
	}
}

// buildChatMessages translates canonical messages to Chat Completions wire
// form. Reasoning blocks are dropped on replay; this protocol carries no
// signature to resume from.
func buildChatMessages(messages []protocol.Message) []ChatMessage {
	chatMessages := make([]ChatMessage, 0, len(messages))

	for _, msg := range messages {
		if msg.Role == protocol.RoleTool {
			for _, b := range msg.Blocks {
				if b.Type != protocol.BlockTypeToolOutput {
					continue
				}
				chatMessages = append(chatMessages, ChatMessage{
					Role:       "tool",
					Content:    b.Content,
					ToolCallID: b.CallID,
				})
			}
			continue
		}

		var parts []ChatContentPart
		var toolCalls []ChatToolCall

		for _, b := range msg.Blocks {
			switch b.Type {
			case protocol.BlockTypeText:
				if b.Text != "" {
					parts = append(parts, ChatContentPart{Type: "text", Text: b.Text})
				}
			case protocol.BlockTypeImage:
				mediaType := b.MimeType
				if mediaType == "" {
					mediaType = detectImageMediaType(b.Data)
				}
				url := fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(b.Data))
				parts = append(parts, ChatContentPart{Type: "image_url", ImageURL: &ChatImageURL{URL: url}})
			case protocol.BlockTypeToolCall:
				argsJSON, _ := json.Marshal(b.Args)
				toolCalls = append(toolCalls, ChatToolCall{
					ID:   b.ID,
					Type: "function",
					Function: ChatFunctionCall{
						Name:      b.Name,
						Arguments: string(argsJSON),
					},
				})
			}
		}

		if len(parts) == 0 && len(toolCalls) == 0 {
			continue
		}

		chatMsg := ChatMessage{
			Role:      roleToChat(msg.Role),
			ToolCalls: toolCalls,
		}

		// System and assistant messages take a plain string; user messages
		// use the parts form so images survive.
		if msg.Role == protocol.RoleUser {
			chatMsg.Content = parts
		} else {
			var sb strings.Builder
			for _, part := range parts {
				sb.WriteString(part.Text)
			}
			chatMsg.Content = sb.String()
		}

		chatMessages = append(chatMessages, chatMsg)
	}

	return chatMessages
}

func convertChatTools(tools []ToolDefinition) []ChatTool {
	result := make([]ChatTool, len(tools))
	for i, tool := range tools {
		result[i] = ChatTool{
			Type:     "function",
			Function: ChatToolFunction(tool),
		}
	}
	return result
}

func parseChatToolCalls(calls []ChatToolCall) ([]protocol.ContentBlock, error) {
	blocks := make([]protocol.ContentBlock, 0, len(calls))
	for _, tc := range calls {
		args := make(map[string]any)
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, malformedErr("invalid tool call arguments for %s: %v", tc.Function.Name, err)
			}
		}
		blocks = append(blocks, protocol.ToolCallBlock(tc.ID, tc.Function.Name, args))
	}
	return blocks, nil
}

func chatResponseToBlocks(response *ChatResponse) ([]protocol.ContentBlock, error) {
	if response.Error != nil {
		return nil, rejectedErr("API error: %s", response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return nil, malformedErr("no response choices returned")
	}

	choice := response.Choices[0]
	var blocks []protocol.ContentBlock

	reasoning := choice.Message.Reasoning
	if reasoning == "" {
		reasoning = choice.Message.ReasoningContent
	}
	if reasoning != "" {
		blocks = append(blocks, protocol.ReasoningBlock(reasoning, nil))
	}
	if choice.Message.Content != "" {
		blocks = append(blocks, protocol.TextBlock(choice.Message.Content))
	}
	if len(choice.Message.ToolCalls) > 0 {
		toolBlocks, err := parseChatToolCalls(choice.Message.ToolCalls)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, toolBlocks...)
	}
	return blocks, nil
}

func setChatHeaders(req *http.Request, op Operator) {
	req.Header.Set("Content-Type", "application/json")
	if op.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+op.APIKey)
	}
	if op.OrgID != "" {
		req.Header.Set("OpenAI-Organization", op.OrgID)
	}
	if op.ProjectID != "" {
		req.Header.Set("OpenAI-Project", op.ProjectID)
	}
}

func makeChatRequest(ctx context.Context, client *httpclient.Client, op Operator, url string, request ChatRequest) (*ChatResponse, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	setChatHeaders(req, op)

	resp, err := client.Do(req)
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

	var response ChatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, malformedErr("failed to decode response: %v", err)
	}
	return &response, nil
}

// makeChatStreamingRequest reads the SSE stream and forwards blocks. Tool
// call arguments arrive as JSON fragments spread across deltas; they are
// accumulated per index and emitted whole once the choice finishes.
func makeChatStreamingRequest(ctx context.Context, client *httpclient.Client, op Operator, url string, request ChatRequest, outputCh chan<- StreamChunk) error {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	setChatHeaders(req, op)

	resp, err := client.Do(req)
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

	toolCallsMap := make(map[int]*ChatToolCall)
	totalTokens := 0
	finished := false

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
		if data == "[DONE]" {
			break
		}

		var streamResp ChatStreamResponse
		if err := json.Unmarshal([]byte(data), &streamResp); err != nil {
			continue
		}
		if streamResp.Error != nil {
			return rejectedErr("API error: %s", streamResp.Error.Message)
		}
		if streamResp.Usage != nil {
			totalTokens = streamResp.Usage.TotalTokens
		}
		if len(streamResp.Choices) == 0 {
			continue
		}

		choice := streamResp.Choices[0]

		reasoning := choice.Delta.Reasoning
		if reasoning == "" {
			reasoning = choice.Delta.ReasoningContent
		}
		if reasoning != "" {
			outputCh <- StreamChunk{Type: ChunkBlock, Block: protocol.ReasoningBlock(reasoning, nil)}
		}

		if choice.Delta.Content != "" {
			outputCh <- StreamChunk{Type: ChunkBlock, Block: protocol.TextBlock(choice.Delta.Content)}
		}

		for _, deltaCall := range choice.Delta.ToolCalls {
			if deltaCall.ID != "" {
				tc := deltaCall
				toolCallsMap[len(toolCallsMap)] = &tc
			} else if len(toolCallsMap) > 0 {
				toolCallsMap[len(toolCallsMap)-1].Function.Arguments += deltaCall.Function.Arguments
			}
		}

		if choice.FinishReason == "stop" || choice.FinishReason == "tool_calls" {
			if err := flushChatToolCalls(toolCallsMap, outputCh); err != nil {
				return err
			}
			finished = true
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return unavailableErr("failed to read stream: %v", err)
	}

	if !finished {
		if err := flushChatToolCalls(toolCallsMap, outputCh); err != nil {
			return err
		}
	}

	outputCh <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
	return nil
}

func flushChatToolCalls(toolCallsMap map[int]*ChatToolCall, outputCh chan<- StreamChunk) error {
	accumulated := make([]ChatToolCall, 0, len(toolCallsMap))
	for i := 0; i < len(toolCallsMap); i++ {
		if tc, exists := toolCallsMap[i]; exists {
			accumulated = append(accumulated, *tc)
		}
	}
	if len(accumulated) == 0 {
		return nil
	}

	blocks, err := parseChatToolCalls(accumulated)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		outputCh <- StreamChunk{Type: ChunkBlock, Block: b}
	}
	return nil
}

func listChatModels(ctx context.Context, client *httpclient.Client, op Operator) ([]string, error) {
	url := strings.TrimSuffix(op.Endpoint, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	setChatHeaders(req, op)

	resp, err := client.Do(req)
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

	var list ChatModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, malformedErr("failed to decode model list: %v", err)
	}

	models := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

func startLLMSpan(ctx context.Context, runtime, model string, streaming bool) (context.Context, trace.Span) {
	tracer := otel.Tracer("cortex.llms")
	return tracer.Start(ctx, "llm.request",
		trace.WithAttributes(
			attribute.String("llm.model", model),
			attribute.String("llm.runtime", runtime),
			attribute.Bool("llm.streaming", streaming),
		),
	)
}
