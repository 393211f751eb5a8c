// Package agoraclient is the Consumer Client Library (C9): the HTTP client
// every out-of-process agent links against to reach the seven agora.*
// operations and subscribe to its event stream, without depending on any
// internal package of this module. It owns no marketplace state; every
// method is a thin, retrying wrapper around one HTTP call.
package agoraclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a Client. BaseURL and AgentName/ProjectDirectory are
// required; every other field has a working default.
type Config struct {
	BaseURL          string
	AgentName        string
	ProjectDirectory string

	// HTTPClient is used verbatim if set, otherwise a client with Timeout
	// is constructed.
	HTTPClient *http.Client
	Timeout    time.Duration

	// RateLimit bounds the steady-state call rate this client issues
	// against the server, independent of server-side throttling; Burst
	// sets the token bucket's burst size. Both default to effectively
	// unlimited when zero.
	RateLimit rate.Limit
	Burst     int

	// MaxAttempts, RetryBaseDelay, and RetryMaxDelay configure the
	// exponential-backoff-with-jitter retry loop wrapping every call that
	// fails with a retryable error (per the Retryable flag the server
	// reports alongside every error kind).
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

const (
	defaultTimeout        = 30 * time.Second
	defaultMaxAttempts    = 5
	defaultRetryBaseDelay = 200 * time.Millisecond
	defaultRetryMaxDelay  = 5 * time.Second
)

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	if c.RateLimit <= 0 {
		c.RateLimit = rate.Inf
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
}

// Client dispatches agora.* operations over HTTP. Safe for concurrent use.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New constructs a Client from config.
func New(config Config) *Client {
	config.applyDefaults()
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	return &Client{
		config:     config,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(config.RateLimit, config.Burst),
	}
}

// Error is the client-visible shape of a failed call: the server's error
// taxonomy kind, its message, and whether the client's retry loop already
// exhausted its attempts trying it.
type Error struct {
	StatusCode int
	Kind       string
	Message    string
	Retryable  bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("agoraclient: %s (%s): %s", e.Kind, httpStatusText(e.StatusCode), e.Message)
}

func httpStatusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return fmt.Sprintf("status %d", code)
}

type wireErrorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// do issues one JSON request to path and decodes a successful response into
// result (if non-nil), applying the local rate limiter and the
// exponential-backoff-with-jitter retry policy around any call the server
// marks Retryable.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var lastErr error
	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return err
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		err := c.attempt(ctx, method, path, body, result)
		if err == nil {
			return nil
		}
		lastErr = err
		var apiErr *Error
		if !isRetryable(err, &apiErr) {
			return err
		}
	}
	return lastErr
}

func isRetryable(err error, out **Error) bool {
	apiErr, ok := err.(*Error)
	if !ok {
		return false
	}
	*out = apiErr
	return apiErr.Retryable
}

func (c *Client) attempt(ctx context.Context, method, path string, body, result any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("agoraclient: encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("agoraclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Agora-Agent-Name", c.config.AgentName)
	req.Header.Set("X-Agora-Project-Directory", c.config.ProjectDirectory)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: "Unavailable", Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if result == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("agoraclient: decode response body: %w", err)
		}
		return nil
	}

	var wire wireErrorBody
	_ = json.NewDecoder(resp.Body).Decode(&wire)
	return &Error{StatusCode: resp.StatusCode, Kind: wire.Kind, Message: wire.Message, Retryable: wire.Retryable}
}

// sleepBackoff waits an exponentially growing, jittered delay before retry
// attempt (1-indexed: the first retry, after the original attempt). Full
// jitter (a uniform draw between zero and the capped exponential delay)
// avoids every client in a fleet retrying in lockstep.
func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	ceiling := c.config.RetryBaseDelay << uint(attempt-1)
	if ceiling <= 0 || ceiling > c.config.RetryMaxDelay {
		ceiling = c.config.RetryMaxDelay
	}
	delay := time.Duration(rand.Int64N(int64(ceiling) + 1))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
