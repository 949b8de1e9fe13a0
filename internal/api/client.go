// Package api is the HTTP client for the remote CRM service: the command
// pull channel and the outbound delivery endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/darbyhtml/proficrm-sub003/internal/types"
)

// Error taxonomy for outbound requests. RateLimited and SchemaRejected get
// dedicated handling upstream; everything else retryable is wrapped as a
// transport error.
var (
	ErrRateLimited    = errors.New("rate limited")
	ErrSchemaRejected = errors.New("payload schema rejected")
	ErrUnauthorized   = errors.New("unauthorized")
)

// TransportError covers connection failures and 5xx responses; the delivery
// queue retries these up to its cap.
type TransportError struct {
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport failure: %v", e.Err)
	}
	return fmt.Sprintf("transport failure: status %d", e.Status)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client talks to the remote CRM API
type Client struct {
	baseURL    string
	deviceID   string
	tokens     *TokenSource
	httpClient *http.Client
	pollClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a client for the given base URL. The poll client carries
// a long timeout because the pull endpoint holds the request open for tens
// of seconds.
func NewClient(baseURL, deviceID string, tokens *TokenSource, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		deviceID: deviceID,
		tokens:   tokens,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		pollClient: &http.Client{
			Timeout: 90 * time.Second,
		},
		logger: logger,
	}
}

// PullCommand issues a long-wait pull against the command channel. A nil
// command with a nil error is the normal empty result after the server-side
// wait elapses.
func (c *Client) PullCommand(ctx context.Context, waitSeconds int) (*types.Command, error) {
	url := fmt.Sprintf("%s/v2/commands/pull?deviceId=%s&wait=%d", c.baseURL, c.deviceID, waitSeconds)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build pull request: %w", err)
	}
	c.authorize(req)

	resp, err := c.pollClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode == http.StatusOK:
		var cmd types.Command
		if err := json.NewDecoder(resp.Body).Decode(&cmd); err != nil {
			return nil, fmt.Errorf("decode command: %w", err)
		}
		if cmd.RequestID == "" || cmd.PhoneNumber == "" {
			return nil, fmt.Errorf("command missing requestId or phoneNumber")
		}
		return &cmd, nil
	default:
		return nil, statusError(resp.StatusCode)
	}
}

// Send posts a payload to the given endpoint and maps the response onto the
// error taxonomy. A nil return is a confirmed successful send.
func (c *Client) Send(ctx context.Context, method, endpoint string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request for %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return statusError(resp.StatusCode)
}

func (c *Client) authorize(req *http.Request) {
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Device-ID", c.deviceID)
}

func statusError(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code == http.StatusUnprocessableEntity:
		return ErrSchemaRejected
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrUnauthorized
	case code >= 500:
		return &TransportError{Status: code}
	default:
		return fmt.Errorf("unexpected status %d", code)
	}
}

// IsRetryable reports whether an error should be retried by the delivery
// queue.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
