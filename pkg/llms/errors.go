package llms

import (
	"errors"
	"fmt"
)

// Error taxonomy for adapter failures. Callers classify with errors.Is; the
// engine surfaces these as terminal frames rather than retrying.
var (
	// ErrProviderUnavailable covers transport failures: connection refused,
	// timeouts, exhausted retries on 5xx.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrProviderRejected covers authentication, quota and request body
	// rejections. Retrying without change will not help.
	ErrProviderRejected = errors.New("provider rejected request")

	// ErrMalformedResponse means the provider violated its own schema.
	ErrMalformedResponse = errors.New("malformed provider response")
)

func unavailableErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProviderUnavailable, fmt.Sprintf(format, args...))
}

func rejectedErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProviderRejected, fmt.Sprintf(format, args...))
}

func malformedErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}

// classifyHTTPStatus maps a non-2xx upstream status to the error taxonomy.
func classifyHTTPStatus(status int, body string) error {
	if status >= 500 || status == 408 || status == 429 {
		return unavailableErr("HTTP %d: %s", status, body)
	}
	return rejectedErr("HTTP %d: %s", status, body)
}
