package generator

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"

	"github.com/storywell/storywell-api/internal/models"
)

// classifyProviderError maps an error from the downstream Gemini client to
// the Permanent/Retryable taxonomy per spec §4.3's classification rules:
// timeouts, 429, 5xx, and network errors are Retryable; everything else
// (validation, auth, not-found, other 4xx) is Permanent.
func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewRetryableError("generation timed out", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return models.NewRetryableError("network error contacting generation provider", err)
	}

	if code, ok := httpStatusCode(err); ok {
		if code == 429 || code >= 500 {
			return models.NewRetryableError("generation provider returned a transient error", err)
		}
		return models.NewPermanentError("generation provider rejected the request", err)
	}

	return models.NewPermanentError(err.Error(), err)
}

// httpStatusCode extracts an HTTP-like status code from an error message
// when the client library surfaces it only as text (e.g. "429 Too Many
// Requests" or "googleapi: Error 503").
func httpStatusCode(err error) (int, bool) {
	msg := err.Error()
	for _, tok := range strings.Fields(msg) {
		tok = strings.Trim(tok, ":,")
		if len(tok) == 3 {
			if n, convErr := strconv.Atoi(tok); convErr == nil && n >= 100 && n < 600 {
				return n, true
			}
		}
	}
	return 0, false
}
