package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/cortexchat/cortex/pkg/httpclient"
)

const defaultWikipediaEndpoint = "https://en.wikipedia.org/w/api.php"

var htmlTagPattern = regexp.MustCompile(`<[^>]+>`)

// WikipediaSearchTool queries the MediaWiki search API and returns article
// titles with plain-text snippets.
type WikipediaSearchTool struct {
	endpoint   string
	limit      int
	httpClient *httpclient.Client
}

type wikipediaSearchArgs struct {
	Query string `json:"query" jsonschema:"description=The topic or phrase to look up on Wikipedia."`
}

type wikipediaSearchResponse struct {
	Query struct {
		Search []struct {
			Title   string `json:"title"`
			Snippet string `json:"snippet"`
		} `json:"search"`
	} `json:"query"`
}

func NewWikipediaSearchTool(limit int) *WikipediaSearchTool {
	if limit <= 0 {
		limit = 5
	}
	return &WikipediaSearchTool{
		endpoint: defaultWikipediaEndpoint,
		limit:    limit,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 20 * time.Second}),
			httpclient.WithMaxRetries(2),
		),
	}
}

func (t *WikipediaSearchTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "wikipedia_search_tool",
		Description: "Searches Wikipedia and returns matching article titles with short summaries. Use for encyclopedic facts, people, places and concepts.",
		Schema:      argsSchema(&wikipediaSearchArgs{}),
	}
}

func (t *WikipediaSearchTool) GetName() string        { return t.GetInfo().Name }
func (t *WikipediaSearchTool) GetDescription() string { return t.GetInfo().Description }

func (t *WikipediaSearchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("query cannot be empty")
	}

	params := url.Values{}
	params.Set("action", "query")
	params.Set("list", "search")
	params.Set("srsearch", query)
	params.Set("srlimit", fmt.Sprintf("%d", t.limit))
	params.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return "", err
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("wikipedia request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("wikipedia API returned HTTP %d", resp.StatusCode)
	}

	var result wikipediaSearchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse wikipedia response: %w", err)
	}
	if len(result.Query.Search) == 0 {
		return fmt.Sprintf("No Wikipedia articles found for '%s'.", query), nil
	}

	var sb strings.Builder
	for i, hit := range result.Query.Search {
		snippet := htmlTagPattern.ReplaceAllString(hit.Snippet, "")
		fmt.Fprintf(&sb, "%d. %s\n%s\n\n", i+1, hit.Title, snippet)
	}
	return strings.TrimSpace(sb.String()), nil
}
