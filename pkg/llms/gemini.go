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

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/cortexchat/cortex/pkg/httpclient"
	"github.com/cortexchat/cortex/pkg/protocol"
)

// GeminiProvider speaks the Google Gemini generateContent API. Thought
// parts carry a thoughtSignature that must be replayed for the model to
// resume its cached reasoning; it travels in extras under
// "thought_signature".
type GeminiProvider struct {
	op         Operator
	model      string
	opts       Options
	httpClient *httpclient.Client
}

type GeminiRequest struct {
	Contents         []GeminiContent         `json:"contents"`
	GenerationConfig *GeminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools            []GeminiToolSet         `json:"tools,omitempty"`
}

type GeminiGenerationConfig struct {
	Temperature     *float64              `json:"temperature,omitempty"`
	MaxOutputTokens int                   `json:"maxOutputTokens,omitempty"`
	ThinkingConfig  *GeminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type GeminiThinkingConfig struct {
	ThinkingLevel   string `json:"thinkingLevel"`
	IncludeThoughts bool   `json:"includeThoughts"`
}

type GeminiContent struct {
	Role  string       `json:"role"`
	Parts []GeminiPart `json:"parts"`
}

type GeminiPart struct {
	Text             string                  `json:"text,omitempty"`
	Thought          bool                    `json:"thought,omitempty"`
	ThoughtSignature string                  `json:"thoughtSignature,omitempty"`
	FunctionCall     *GeminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *GeminiFunctionResponse `json:"functionResponse,omitempty"`
	InlineData       *GeminiInlineData       `json:"inlineData,omitempty"`
}

type GeminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type GeminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type GeminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type GeminiToolSet struct {
	FunctionDeclarations []GeminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type GeminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type GeminiResponse struct {
	Candidates    []GeminiCandidate    `json:"candidates"`
	UsageMetadata *GeminiUsageMetadata `json:"usageMetadata,omitempty"`
	Error         *GeminiError         `json:"error,omitempty"`
}

type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type GeminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type GeminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type GeminiModelList struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func NewGeminiProvider(op Operator, model string, opts Options) (*GeminiProvider, error) {
	if op.APIKey == "" {
		return nil, fmt.Errorf("API key is required for runtime %s", RuntimeGemini)
	}
	if op.Endpoint == "" {
		op.Endpoint = "https://generativelanguage.googleapis.com"
	}

	opts = normalizeOptions(opts)
	return &GeminiProvider{
		op:         op,
		model:      model,
		opts:       opts,
		httpClient: newHTTPClient(opts, httpclient.ParseGeminiHeaders),
	}, nil
}

func (p *GeminiProvider) Runtime() string   { return RuntimeGemini }
func (p *GeminiProvider) ModelName() string { return p.model }
func (p *GeminiProvider) Close() error      { return nil }

func (p *GeminiProvider) Generate(ctx context.Context, messages []protocol.Message, tools []ToolDefinition, effort ReasoningEffort) ([]protocol.ContentBlock, error) {
	ctx, span := startLLMSpan(ctx, p.Runtime(), p.model, false)
	defer span.End()

	request := p.buildRequest(messages, tools, effort)
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.op.Endpoint, p.model)

	response, err := p.makeRequest(ctx, url, request)
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
	if len(response.Candidates) == 0 {
		noCandErr := malformedErr("no candidates in response")
		span.RecordError(noCandErr)
		span.SetStatus(codes.Error, "no candidates")
		return nil, noCandErr
	}

	var blocks []protocol.ContentBlock
	for _, part := range response.Candidates[0].Content.Parts {
		if b, ok := p.partToBlock(part); ok {
			blocks = append(blocks, b)
		}
	}

	if response.UsageMetadata != nil {
		span.SetAttributes(attribute.Int("llm.tokens", response.UsageMetadata.TotalTokenCount))
	}
	span.SetStatus(codes.Ok, "success")
	return blocks, nil
}

func (p *GeminiProvider) Stream(ctx context.Context, messages []protocol.Message, tools []ToolDefinition, effort ReasoningEffort) (<-chan StreamChunk, error) {
	request := p.buildRequest(messages, tools, effort)
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", p.op.Endpoint, p.model)

	outputCh := make(chan StreamChunk, 100)
	go func() {
		defer close(outputCh)
		if err := p.makeStreamingRequest(ctx, url, request, outputCh); err != nil {
			outputCh <- StreamChunk{Type: ChunkError, Err: err}
		}
	}()
	return outputCh, nil
}

func (p *GeminiProvider) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", p.op.Endpoint+"/v1beta/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("x-goog-api-key", p.op.APIKey)

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

	var list GeminiModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, malformedErr("failed to decode model list: %v", err)
	}

	models := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		models = append(models, strings.TrimPrefix(m.Name, "models/"))
	}
	return models, nil
}

func (p *GeminiProvider) buildRequest(messages []protocol.Message, tools []ToolDefinition, effort ReasoningEffort) *GeminiRequest {
	// Function responses need the original function name; collect it from
	// the assistant tool calls seen earlier in the conversation.
	callNames := make(map[string]string)
	for _, msg := range messages {
		for _, b := range msg.Blocks {
			if b.Type == protocol.BlockTypeToolCall {
				callNames[b.ID] = b.Name
			}
		}
	}

	var contents []GeminiContent
	for _, msg := range messages {
		var parts []GeminiPart

		switch msg.Role {
		case protocol.RoleSystem:
			// Gemini has no system role here; instructions ride as model
			// turns at the head of the conversation.
			if text := msg.Text(); text != "" {
				contents = append(contents, GeminiContent{
					Role:  "model",
					Parts: []GeminiPart{{Text: text}},
				})
			}
			continue

		case protocol.RoleTool:
			for _, b := range msg.Blocks {
				if b.Type != protocol.BlockTypeToolOutput {
					continue
				}
				parts = append(parts, GeminiPart{
					FunctionResponse: &GeminiFunctionResponse{
						Name:     callNames[b.CallID],
						Response: map[string]any{"content": b.Content},
					},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, GeminiContent{Role: "user", Parts: parts})
			}
			continue

		case protocol.RoleUser:
			for _, b := range msg.Blocks {
				switch b.Type {
				case protocol.BlockTypeText:
					if b.Text != "" {
						parts = append(parts, GeminiPart{Text: b.Text})
					}
				case protocol.BlockTypeImage:
					mediaType := b.MimeType
					if mediaType == "" {
						mediaType = detectImageMediaType(b.Data)
					}
					parts = append(parts, GeminiPart{
						InlineData: &GeminiInlineData{
							MimeType: mediaType,
							Data:     base64.StdEncoding.EncodeToString(b.Data),
						},
					})
				}
			}
			if len(parts) > 0 {
				contents = append(contents, GeminiContent{Role: "user", Parts: parts})
			}
			continue

		case protocol.RoleAssistant:
			for _, b := range msg.Blocks {
				switch b.Type {
				case protocol.BlockTypeReasoning:
					sig := b.Extras["thought_signature"]
					if sig == "" {
						// Unsigned thoughts cannot be replayed.
						continue
					}
					parts = append(parts, GeminiPart{
						Text:             b.Reasoning,
						Thought:          true,
						ThoughtSignature: sig,
					})
				case protocol.BlockTypeText:
					if b.Text != "" {
						parts = append(parts, GeminiPart{Text: b.Text})
					}
				case protocol.BlockTypeToolCall:
					args := b.Args
					if args == nil {
						args = make(map[string]any)
					}
					parts = append(parts, GeminiPart{
						FunctionCall: &GeminiFunctionCall{Name: b.Name, Args: args},
					})
				}
			}
			if len(parts) > 0 {
				contents = append(contents, GeminiContent{Role: "model", Parts: parts})
			}
		}
	}

	temperature := p.opts.Temperature
	genConfig := &GeminiGenerationConfig{
		Temperature:     &temperature,
		MaxOutputTokens: p.opts.MaxTokens,
	}

	switch effort {
	case EffortMinimal, EffortLow:
		genConfig.ThinkingConfig = &GeminiThinkingConfig{ThinkingLevel: "low", IncludeThoughts: true}
	case EffortMedium, EffortHigh:
		genConfig.ThinkingConfig = &GeminiThinkingConfig{ThinkingLevel: "high", IncludeThoughts: true}
	}

	request := &GeminiRequest{
		Contents:         contents,
		GenerationConfig: genConfig,
	}
	if len(tools) > 0 {
		funcs := make([]GeminiFunctionDeclaration, len(tools))
		for i, tool := range tools {
			funcs[i] = GeminiFunctionDeclaration(tool)
		}
		request.Tools = []GeminiToolSet{{FunctionDeclarations: funcs}}
	}
	return request
}

// partToBlock translates a response part. Gemini assigns no call IDs, so
// tool calls get synthetic ones, unique across all turns of a chat.
func (p *GeminiProvider) partToBlock(part GeminiPart) (protocol.ContentBlock, bool) {
	if part.FunctionCall != nil {
		id := "call_" + uuid.NewString()
		args := part.FunctionCall.Args
		if args == nil {
			args = make(map[string]any)
		}
		return protocol.ToolCallBlock(id, part.FunctionCall.Name, args), true
	}
	if part.Thought {
		var extras map[string]string
		if part.ThoughtSignature != "" {
			extras = map[string]string{"thought_signature": part.ThoughtSignature}
		}
		return protocol.ReasoningBlock(part.Text, extras), true
	}
	if part.Text != "" {
		return protocol.TextBlock(part.Text), true
	}
	return protocol.ContentBlock{}, false
}

func (p *GeminiProvider) makeRequest(ctx context.Context, url string, request *GeminiRequest) (*GeminiResponse, error) {
	reqBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(reqBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", p.op.APIKey)

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

	var response GeminiResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, malformedErr("failed to decode response: %v", err)
	}
	return &response, nil
}

func (p *GeminiProvider) makeStreamingRequest(ctx context.Context, url string, request *GeminiRequest, outputCh chan<- StreamChunk) error {
	reqBody, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(reqBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", p.op.APIKey)

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

		var chunk GeminiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return rejectedErr("API error: %s", chunk.Error.Message)
		}

		if len(chunk.Candidates) > 0 {
			for _, part := range chunk.Candidates[0].Content.Parts {
				if b, ok := p.partToBlock(part); ok {
					outputCh <- StreamChunk{Type: ChunkBlock, Block: b}
				}
			}
		}
		if chunk.UsageMetadata != nil {
			totalTokens = chunk.UsageMetadata.TotalTokenCount
		}
	}
	if err := scanner.Err(); err != nil {
		return unavailableErr("failed to read stream: %v", err)
	}

	outputCh <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
	return nil
}
