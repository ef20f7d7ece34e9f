package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cortexchat/cortex/pkg/httpclient"
)

// RemoteToolSpec is a tool endpoint row from the tool registry table.
type RemoteToolSpec struct {
	Name        string
	Description string
	URL         string
	Headers     map[string]string
	Schema      map[string]any
	Async       bool
}

// HTTPToolSource exposes plain HTTP tool endpoints. Each invocation POSTs
// the arguments as JSON and returns the response body.
type HTTPToolSource struct {
	name       string
	specs      []RemoteToolSpec
	httpClient *httpclient.Client
	tools      map[string]Tool
	mu         sync.RWMutex
}

func NewHTTPToolSource(name string, specs []RemoteToolSpec) *HTTPToolSource {
	if name == "" {
		name = "http"
	}
	return &HTTPToolSource{
		name:  name,
		specs: specs,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 60 * time.Second}),
			httpclient.WithMaxRetries(2),
		),
		tools: make(map[string]Tool),
	}
}

func (s *HTTPToolSource) GetName() string { return s.name }
func (s *HTTPToolSource) GetType() string { return "http" }

// DiscoverTools materializes a Tool per configured endpoint. There is no
// remote discovery step; the specs come from the registry table.
func (s *HTTPToolSource) DiscoverTools(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tools = make(map[string]Tool)
	for _, spec := range s.specs {
		if spec.Name == "" || spec.URL == "" {
			return fmt.Errorf("remote tool spec requires a name and url")
		}
		s.tools[spec.Name] = &HTTPTool{spec: spec, source: s}
	}
	return nil
}

func (s *HTTPToolSource) ListTools() []ToolInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]ToolInfo, 0, len(s.tools))
	for _, tool := range s.tools {
		infos = append(infos, tool.GetInfo())
	}
	return infos
}

func (s *HTTPToolSource) GetTool(name string) (Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tool, ok := s.tools[name]
	return tool, ok
}

// HTTPTool is one remote endpoint from an HTTPToolSource.
type HTTPTool struct {
	spec   RemoteToolSpec
	source *HTTPToolSource
}

func (t *HTTPTool) GetInfo() ToolInfo {
	schema := t.spec.Schema
	if schema == nil {
		schema = emptySchema()
	}
	return ToolInfo{
		Name:        t.spec.Name,
		Description: t.spec.Description,
		Schema:      schema,
		Async:       t.spec.Async,
	}
}

func (t *HTTPTool) GetName() string        { return t.spec.Name }
func (t *HTTPTool) GetDescription() string { return t.spec.Description }

func (t *HTTPTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode arguments: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.spec.URL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.source.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("remote tool request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("remote tool returned HTTP %d: %s", resp.StatusCode, string(body))
	}
	return string(body), nil
}
