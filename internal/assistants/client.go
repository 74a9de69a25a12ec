// Package assistants is a client for the OpenAI Assistants API: assistants,
// threads, messages, runs, files and vector stores.
package assistants

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL  = "https://api.openai.com/v1"
	defaultTimeout  = 30 * time.Second
	streamTimeout   = 300 * time.Second
	initialBackoff  = 500 * time.Millisecond
	maxBackoff      = 8 * time.Second
	maxErrorBodyLen = 4 << 10
)

// Config is injected at construction; there is no package-level client.
type Config struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client communicates with the Assistants API.
type Client struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) *Client {
	c := &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
		sleep:      sleepCtx,
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.httpClient == nil {
		// Per-request deadlines come from contexts so streams can outlive Timeout.
		c.httpClient = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// request describes one API call. body is fully buffered so it can be
// replayed on retry.
type request struct {
	method      string
	path        string
	body        []byte
	contentType string
	stream      bool
}

func jsonRequest(method, path string, payload any) (request, error) {
	r := request{method: method, path: path}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return request{}, fmt.Errorf("marshaling %s %s: %w", method, path, err)
		}
		r.body = b
		r.contentType = "application/json"
	}
	return r, nil
}

// call performs a JSON request and decodes the response into out.
func (c *Client) call(ctx context.Context, method, path string, payload, out any) error {
	req, err := jsonRequest(method, path, payload)
	if err != nil {
		return err
	}
	body, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	defer body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, body)
		return nil
	}
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

// send runs req with retries on rate limits, server errors and transport
// failures. The caller closes the returned body.
func (c *Client) send(ctx context.Context, req request) (io.ReadCloser, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		rc, err := c.sendOnce(ctx, req)
		if err == nil {
			return rc, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.retryable() {
			return nil, err
		}
		lastErr = err
		if attempt == c.maxRetries {
			break
		}
		wait := backoff(attempt, apiErr.retryAfter)
		c.logger.WarnContext(ctx, "assistants request failed, retrying",
			"method", req.method, "path", req.path, "attempt", attempt+1,
			"status", apiErr.StatusCode, "wait", wait)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) sendOnce(ctx context.Context, req request) (io.ReadCloser, error) {
	timeout := c.timeout
	if req.stream {
		timeout = streamTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, req.method, c.baseURL+req.path, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq, req.contentType)
	if req.stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, &APIError{Kind: KindTransport, Message: err.Error(), err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		defer cancel()
		defer resp.Body.Close()
		return nil, parseAPIError(resp)
	}

	// The timeout context is released when the caller closes the body.
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

func (c *Client) setHeaders(req *http.Request, contentType string) {
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return min(retryAfter, maxBackoff)
	}
	d := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
	return min(d, maxBackoff)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
