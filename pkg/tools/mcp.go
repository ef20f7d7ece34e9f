package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cortexchat/cortex/pkg/httpclient"
)

const mcpProtocolVersion = "2024-11-05"

// MCPToolSource speaks JSON-RPC 2.0 to a single MCP server over HTTP and
// exposes its tools through the Source interface.
type MCPToolSource struct {
	name       string
	url        string
	headers    map[string]string
	httpClient *httpclient.Client
	tools      map[string]Tool
	mu         sync.RWMutex
}

type mcpRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type mcpResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *mcpError       `json:"error,omitempty"`
}

type mcpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type mcpToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type mcpCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type mcpCallResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func NewMCPToolSource(name, url string, headers map[string]string) *MCPToolSource {
	if name == "" {
		name = "mcp"
	}
	return &MCPToolSource{
		name:    name,
		url:     url,
		headers: headers,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(2*time.Second),
		),
		tools: make(map[string]Tool),
	}
}

func (s *MCPToolSource) GetName() string { return s.name }
func (s *MCPToolSource) GetType() string { return "mcp" }

// DiscoverTools initializes the session and fetches the server's tool list.
func (s *MCPToolSource) DiscoverTools(ctx context.Context) error {
	if s.url == "" {
		return fmt.Errorf("MCP source '%s' has no URL", s.name)
	}

	if _, err := s.makeRequest(ctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "cortex", "version": "1.0"},
	}); err != nil {
		return fmt.Errorf("MCP initialize failed: %w", err)
	}

	resp, err := s.makeRequest(ctx, "tools/list", map[string]any{})
	if err != nil {
		return fmt.Errorf("MCP tools/list failed: %w", err)
	}

	var result struct {
		Tools []mcpToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("failed to parse tools/list result: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tools = make(map[string]Tool)
	for _, desc := range result.Tools {
		if desc.Name == "" {
			continue
		}
		s.tools[desc.Name] = &MCPTool{
			info: ToolInfo{
				Name:        desc.Name,
				Description: desc.Description,
				Schema:      desc.InputSchema,
			},
			source: s,
		}
	}
	return nil
}

func (s *MCPToolSource) ListTools() []ToolInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]ToolInfo, 0, len(s.tools))
	for _, tool := range s.tools {
		infos = append(infos, tool.GetInfo())
	}
	return infos
}

func (s *MCPToolSource) GetTool(name string) (Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tool, ok := s.tools[name]
	return tool, ok
}

// makeRequest posts one JSON-RPC call and decodes the response. Servers
// may answer with plain JSON or with a single SSE data frame.
func (s *MCPToolSource) makeRequest(ctx context.Context, method string, params any) (*mcpResponse, error) {
	payload, err := json.Marshal(mcpRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	httpResp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error %d: %s", httpResp.StatusCode, httpResp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	resp, err := parseMCPResponse(body)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("MCP error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp, nil
}

func parseMCPResponse(body []byte) (*mcpResponse, error) {
	var resp mcpResponse
	if err := json.Unmarshal(body, &resp); err == nil {
		return &resp, nil
	}

	for _, line := range strings.Split(string(body), "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			if err := json.Unmarshal([]byte(data), &resp); err == nil {
				return &resp, nil
			}
		}
	}
	return nil, fmt.Errorf("failed to parse response as JSON or SSE")
}

// MCPTool is one tool served by an MCPToolSource.
type MCPTool struct {
	info   ToolInfo
	source *MCPToolSource
}

func (t *MCPTool) GetInfo() ToolInfo      { return t.info }
func (t *MCPTool) GetName() string        { return t.info.Name }
func (t *MCPTool) GetDescription() string { return t.info.Description }

func (t *MCPTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	resp, err := t.source.makeRequest(ctx, "tools/call", mcpCallParams{
		Name:      t.info.Name,
		Arguments: args,
	})
	if err != nil {
		return "", err
	}

	var result mcpCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("failed to parse tools/call result: %w", err)
	}

	var sb strings.Builder
	for _, item := range result.Content {
		if item.Type == "text" && item.Text != "" {
			sb.WriteString(item.Text)
			sb.WriteString("\n")
		}
	}
	content := strings.TrimSpace(sb.String())

	if result.IsError {
		if content == "" {
			content = "tool reported an error"
		}
		return "", fmt.Errorf("%s", content)
	}
	return content, nil
}
