package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cortexchat/cortex/pkg/httpclient"
)

const defaultTavilyEndpoint = "https://api.tavily.com/search"

// WebSearchTool runs a web search through the Tavily API and returns a
// compact digest of the top results.
type WebSearchTool struct {
	apiKey     string
	endpoint   string
	maxResults int
	httpClient *httpclient.Client
}

type webSearchArgs struct {
	Query string `json:"query" jsonschema:"description=The search query."`
}

type tavilyRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
}

type tavilyResponse struct {
	Answer  string         `json:"answer"`
	Results []tavilyResult `json:"results"`
}

type tavilyResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

func NewWebSearchTool(apiKey string, maxResults int) *WebSearchTool {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &WebSearchTool{
		apiKey:     apiKey,
		endpoint:   defaultTavilyEndpoint,
		maxResults: maxResults,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(2),
		),
	}
}

func (t *WebSearchTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "web_search_tool",
		Description: "Searches the web and returns titles, links and snippets for the top results. Use for current events or facts beyond your knowledge.",
		Schema:      argsSchema(&webSearchArgs{}),
	}
}

func (t *WebSearchTool) GetName() string        { return t.GetInfo().Name }
func (t *WebSearchTool) GetDescription() string { return t.GetInfo().Description }

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("query cannot be empty")
	}

	payload, err := json.Marshal(tavilyRequest{
		APIKey:        t.apiKey,
		Query:         query,
		MaxResults:    t.maxResults,
		IncludeAnswer: true,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search API returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	var result tavilyResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse search response: %w", err)
	}

	return formatSearchResults(query, result), nil
}

func formatSearchResults(query string, result tavilyResponse) string {
	var sb strings.Builder
	if result.Answer != "" {
		sb.WriteString(result.Answer)
		sb.WriteString("\n\n")
	}
	if len(result.Results) == 0 && result.Answer == "" {
		return fmt.Sprintf("No results found for '%s'.", query)
	}
	for i, r := range result.Results {
		fmt.Fprintf(&sb, "%d. %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Content)
	}
	return strings.TrimSpace(sb.String())
}
