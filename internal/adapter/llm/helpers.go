package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"relaybot/internal/domain"
)

// maxErrorBody is how much of a non-2xx response body is kept for the error.
const maxErrorBody = 64 << 10

// doStreamRequest performs a JSON POST request for SSE streaming.
// It returns the open *http.Response (caller must close Body).
// Returns a domain error for non-2xx responses.
func doStreamRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return nil, mapHTTPError(httpResp.StatusCode, respBody, parseRetryAfter(httpResp.Header.Get("Retry-After")))
	}

	return httpResp, nil
}

// mapHTTPError maps a backend status code and body to a domain error. Every
// result wraps ErrUpstreamRejected; 429 additionally carries the retry hint
// and 401/403 wrap ErrAuthInvalid.
func mapHTTPError(statusCode int, body []byte, retryAfter time.Duration) error {
	detail := fmt.Sprintf("HTTP %d: %s", statusCode, bytes.TrimSpace(body))

	switch statusCode {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", domain.ErrUpstreamRejected, &domain.RateLimitError{RetryAfter: retryAfter, Detail: detail})
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w: %s", domain.ErrUpstreamRejected, domain.ErrAuthInvalid, detail)
	default:
		return fmt.Errorf("%w: %s", domain.ErrUpstreamRejected, detail)
	}
}

// parseRetryAfter reads a delay-seconds Retry-After header. HTTP dates are
// not used by the backends we talk to and yield 0.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
