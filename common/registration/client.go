// Package registration calls the external collaborator that exchanges a
// resource-id/context pair for a token and stream URL.
package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/clearline/retriever/common/models"
)

// Logger interface for registration client logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// RegistrationFailedError indicates the broker rejected the registration.
// Fatal for the job; this client never retries it.
type RegistrationFailedError struct {
	StatusCode int
	Body       string
}

func (e *RegistrationFailedError) Error() string {
	return fmt.Sprintf("registration rejected (status %d): %s", e.StatusCode, e.Body)
}

// Client registers retrieval requests with the broker
type Client struct {
	url    string
	http   *http.Client
	logger Logger
}

// NewClient creates a new registration client
func NewClient(registrationURL string, logger Logger) *Client {
	return &Client{
		url: registrationURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

type registrationRequest struct {
	UserID     string `json:"userId"`
	ResourceID string `json:"resourceId"`
	Context    string `json:"context"`
}

// Register submits the job configuration and returns the token and stream
// URL on acceptance
func (c *Client) Register(ctx context.Context, cfg models.JobConfig) (*models.RegistrationResult, error) {
	payload, err := json.Marshal(registrationRequest{
		UserID:     cfg.UserID,
		ResourceID: cfg.ResourceID,
		Context:    cfg.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Info("registering retrieval request",
		"user_id", cfg.UserID,
		"resource_id", cfg.ResourceID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registration request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &RegistrationFailedError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	var result models.RegistrationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode registration response: %w", err)
	}

	c.logger.Info("registration accepted", "token", result.Token)
	return &result, nil
}
