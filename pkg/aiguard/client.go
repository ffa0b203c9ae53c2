package aiguard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/run-bigpig/aiguard-anthropic/pkg/logging"
)

const (
	// DefaultDomain is the cloud domain used when none is configured
	DefaultDomain = "aws.us.pangea.cloud"

	guardPath     = "/v1/guard"
	statusSuccess = "Success"
)

// BaseURLForDomain returns the service URL for a cloud domain
func BaseURLForDomain(domain string) string {
	if domain == "" {
		domain = DefaultDomain
	}
	return "https://ai-guard." + domain
}

// Client calls the AI Guard service
type Client struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
	logger     logging.Logger
}

// Option represents an option for configuring the AI Guard client
type Option func(*Client)

// WithBaseURL sets the base URL of the service
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.BaseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient sets the HTTP client
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.HTTPClient = httpClient
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new AI Guard client
func NewClient(token string, options ...Option) *Client {
	client := &Client{
		Token:      token,
		BaseURL:    BaseURLForDomain(DefaultDomain),
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logging.NewNop(),
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// Guard submits messages for inspection and returns the verdict. Failures are
// returned as-is; there is no retry.
func (c *Client) Guard(ctx context.Context, req GuardRequest) (*GuardResult, error) {
	if req.Input.Messages == nil {
		req.Input.Messages = []Message{}
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal guard request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+guardPath, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create guard request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.Token)

	c.logger.Debug(ctx, "Sending AI Guard request", map[string]interface{}{
		"recipe":   req.Recipe,
		"messages": len(req.Input.Messages),
	})

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send guard request: %w", err)
	}
	defer func() {
		if closeErr := httpResp.Body.Close(); closeErr != nil {
			c.logger.Warn(ctx, "Failed to close response body", map[string]interface{}{
				"error": closeErr.Error(),
			})
		}
	}()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read guard response: %w", err)
	}

	var envelope response
	decodeErr := json.Unmarshal(respBody, &envelope)

	if httpResp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: httpResp.StatusCode}
		if decodeErr == nil {
			apiErr.Status = envelope.Status
			apiErr.Summary = envelope.Summary
			apiErr.RequestID = envelope.RequestID
		} else {
			apiErr.Summary = strings.TrimSpace(string(respBody))
		}
		c.logger.Error(ctx, "Error from AI Guard", map[string]interface{}{
			"status_code": httpResp.StatusCode,
			"status":      apiErr.Status,
			"request_id":  apiErr.RequestID,
		})
		return nil, apiErr
	}

	if decodeErr != nil {
		return nil, fmt.Errorf("failed to unmarshal guard response: %w", decodeErr)
	}

	if envelope.Status != statusSuccess {
		return nil, &APIError{
			StatusCode: httpResp.StatusCode,
			Status:     envelope.Status,
			Summary:    envelope.Summary,
			RequestID:  envelope.RequestID,
		}
	}

	if envelope.Result == nil {
		return nil, ErrMalformedResponse
	}

	c.logger.Debug(ctx, "Received AI Guard verdict", map[string]interface{}{
		"request_id":  envelope.RequestID,
		"blocked":     envelope.Result.Blocked,
		"transformed": envelope.Result.Transformed,
	})

	return envelope.Result, nil
}
