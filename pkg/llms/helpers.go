package llms

import (
	"net/http"
	"time"

	"github.com/cortexchat/cortex/pkg/httpclient"
)

func newHTTPClient(opts Options, parser httpclient.RateLimitHeaderParser) *httpclient.Client {
	return httpclient.New(
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(opts.TimeoutSeconds) * time.Second,
		}),
		httpclient.WithMaxRetries(opts.MaxRetries),
		httpclient.WithBaseDelay(time.Duration(opts.RetryDelaySeconds)*time.Second),
		httpclient.WithHeaderParser(parser),
	)
}

func normalizeOptions(opts Options) Options {
	def := DefaultOptions()
	if opts.TimeoutSeconds <= 0 {
		opts.TimeoutSeconds = def.TimeoutSeconds
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.RetryDelaySeconds <= 0 {
		opts.RetryDelaySeconds = def.RetryDelaySeconds
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = def.MaxTokens
	}
	if opts.Temperature <= 0 {
		opts.Temperature = def.Temperature
	}
	return opts
}
