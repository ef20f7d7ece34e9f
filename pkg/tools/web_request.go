package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cortexchat/cortex/pkg/httpclient"
)

// WebRequestTool performs an HTTP request against an arbitrary URL. Method
// and domain restrictions are enforced before any network traffic happens.
type WebRequestTool struct {
	config     *WebRequestConfig
	httpClient *httpclient.Client
}

type WebRequestConfig struct {
	Timeout         time.Duration
	MaxRetries      int
	MaxResponseSize int64
	AllowedMethods  []string
	DeniedDomains   []string
	UserAgent       string
}

type webRequestArgs struct {
	URL    string `json:"url" jsonschema:"description=The absolute URL to request."`
	Method string `json:"method,omitempty" jsonschema:"description=HTTP method to use. Defaults to GET."`
	Body   string `json:"body,omitempty" jsonschema:"description=Request body for POST or PUT requests."`
}

func DefaultWebRequestConfig() *WebRequestConfig {
	return &WebRequestConfig{
		Timeout:         30 * time.Second,
		MaxRetries:      2,
		MaxResponseSize: 64 * 1024,
		AllowedMethods:  []string{http.MethodGet, http.MethodPost},
		UserAgent:       "cortex/1.0",
	}
}

func NewWebRequestTool(cfg *WebRequestConfig) *WebRequestTool {
	if cfg == nil {
		cfg = DefaultWebRequestConfig()
	}
	return &WebRequestTool{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
	}
}

func (t *WebRequestTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "web_request_tool",
		Description: "Fetches a URL over HTTP and returns the response body. Use to read a specific page or call a public API directly.",
		Schema:      argsSchema(&webRequestArgs{}),
	}
}

func (t *WebRequestTool) GetName() string        { return t.GetInfo().Name }
func (t *WebRequestTool) GetDescription() string { return t.GetInfo().Description }

func (t *WebRequestTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	rawURL, _ := args["url"].(string)
	method, _ := args["method"].(string)
	body, _ := args["body"].(string)

	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	if err := t.validateRequest(rawURL, method); err != nil {
		return "", err
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return "", err
	}
	if t.config.UserAgent != "" {
		req.Header.Set("User-Agent", t.config.UserAgent)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, t.config.MaxResponseSize)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	return fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, string(respBody)), nil
}

func (t *WebRequestTool) validateRequest(rawURL, method string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid URL '%s'", rawURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported scheme '%s'", parsed.Scheme)
	}

	allowed := false
	for _, m := range t.config.AllowedMethods {
		if strings.EqualFold(m, method) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("method '%s' is not allowed", method)
	}

	host := strings.ToLower(parsed.Hostname())
	for _, denied := range t.config.DeniedDomains {
		denied = strings.ToLower(denied)
		if host == denied || strings.HasSuffix(host, "."+denied) {
			return fmt.Errorf("domain '%s' is denied", host)
		}
	}
	return nil
}
