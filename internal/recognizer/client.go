// Package recognizer wraps the external speech recognition service with
// timeouts, retries with exponential backoff and rate-limit handling.
package recognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Static errors for recognizer client operations.
var (
	// ErrBaseURLRequired is returned when the recognizer base URL is not provided.
	ErrBaseURLRequired = errors.New("recognizer: base URL is required")
	// ErrServerError is returned when the recognizer returns a 5xx status code.
	ErrServerError = errors.New("recognizer: server error")
	// ErrRateLimited is returned when the recognizer returns a 429 status code.
	ErrRateLimited = errors.New("recognizer: rate limited")
	// ErrRequestFailed is returned when the request fails with a non-2xx status code.
	ErrRequestFailed = errors.New("recognizer: request failed")
	// ErrRetriesExhausted is returned when every retry attempt failed.
	ErrRetriesExhausted = errors.New("recognizer: retries exhausted")
	// ErrRecognitionFailed is returned when the recognizer reports an
	// application-level failure for the segment.
	ErrRecognitionFailed = errors.New("recognizer: recognition failed")
)

// Client defines the interface for the external speech recognizer.
type Client interface {
	// Recognize transcribes the audio behind req.AudioURL.
	Recognize(ctx context.Context, req Request) (Result, error)
}

// HTTPClient is the HTTP implementation of the recognizer Client interface.
type HTTPClient struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	maxAttempts int
	baseBackoff time.Duration
}

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithAPIKey sets the bearer token sent on every request.
func WithAPIKey(key string) ClientOption {
	return func(hc *HTTPClient) {
		hc.apiKey = key
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) {
		hc.httpClient = c
	}
}

// WithTimeout bounds each individual HTTP call to the recognizer.
func WithTimeout(d time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		if d > 0 {
			hc.httpClient.Timeout = d
		}
	}
}

// WithMaxAttempts sets the total number of tries for a transient failure,
// counting the first one.
func WithMaxAttempts(n int) ClientOption {
	return func(hc *HTTPClient) {
		hc.maxAttempts = n
	}
}

// WithBaseBackoff sets the initial backoff duration for retries.
func WithBaseBackoff(d time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		hc.baseBackoff = d
	}
}

// NewClient creates a new recognizer HTTP client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}

	c := &HTTPClient{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		maxAttempts: 3,
		baseBackoff: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}

	return c, nil
}

// Recognize transcribes one audio segment, retrying transient failures with
// exponential backoff. The caller's context bounds the whole call including
// backoff sleeps.
func (c *HTTPClient) Recognize(ctx context.Context, req Request) (Result, error) {
	bodyBytes, err := json.Marshal(recognizeRequest{
		AudioURL: req.AudioURL,
		Language: req.Language,
	})
	if err != nil {
		return Result{}, fmt.Errorf("recognizer: marshal request: %w", err)
	}

	url := c.baseURL + "/v1/recognize"

	var resp recognizeResponse
	if err := c.doRequestWithRetry(ctx, url, bodyBytes, &resp); err != nil {
		return Result{}, err
	}

	if resp.Error != "" {
		return Result{}, fmt.Errorf("%w: %s", ErrRecognitionFailed, resp.Error)
	}

	res := Result{
		Text:       resp.Text,
		Language:   resp.Language,
		Confidence: resp.Confidence,
	}
	for _, s := range resp.Segments {
		res.Words = append(res.Words, TimedText{
			StartSec: s.StartSec,
			EndSec:   s.EndSec,
			Text:     s.Text,
		})
	}
	return res, nil
}

// doRequestWithRetry performs an HTTP request with exponential backoff,
// making at most maxAttempts tries in total.
func (c *HTTPClient) doRequestWithRetry(ctx context.Context, url string, body []byte, result interface{}) error {
	var lastErr error
	backoff := c.baseBackoff

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("recognizer: context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2 // Exponential backoff
			}
		}

		err := c.doRequest(ctx, url, body, result)
		if err == nil {
			return nil
		}

		// Check if error is retryable
		if !isRetryable(err) {
			return err
		}

		lastErr = err
	}

	return fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

// doRequest performs a single HTTP request.
func (c *HTTPClient) doRequest(ctx context.Context, url string, body []byte, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("recognizer: create request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &retryableError{err: fmt.Errorf("recognizer: request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &retryableError{err: fmt.Errorf("recognizer: read response: %w", err)}
	}

	// Handle non-2xx status codes
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// 5xx errors are retryable
		if resp.StatusCode >= 500 {
			return &retryableError{err: fmt.Errorf("%w %d: %s", ErrServerError, resp.StatusCode, string(respBody))}
		}
		// 429 (rate limit) is retryable
		if resp.StatusCode == http.StatusTooManyRequests {
			return &retryableError{err: fmt.Errorf("%w: %s", ErrRateLimited, string(respBody))}
		}
		// Other errors are not retryable
		return fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("recognizer: unmarshal response: %w", err)
		}
	}

	return nil
}

// retryableError wraps errors that should be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// isRetryable returns true if the error should be retried.
func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// Verify interface implementation at compile time.
var _ Client = (*HTTPClient)(nil)
