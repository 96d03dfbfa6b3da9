// Package transfer fetches the raw bytes of individual leaf resources over
// the broker's chunked-transfer endpoint.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/clearline/retriever/common/bytestream"
	"github.com/clearline/retriever/common/models"
)

// Logger interface for transfer client logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// filenamePattern matches the attachment filename in a Content-Disposition
// style header: attachment; filename="X"
var filenamePattern = regexp.MustCompile(`attachment;\s*filename="(.*?)"`)

// Download is the result of fetching one resource's bytes. Its Body is
// single-consumption; callers must fully consume or Close it, otherwise the
// underlying transport connection is leaked.
type Download struct {
	// Parsed from the Content-Disposition header; empty if absent
	Filename string

	Body *bytestream.Adapter
}

// Close releases the download's byte stream and its connection
func (d *Download) Close() error {
	return d.Body.Close()
}

// Client performs chunked-transfer fetches of leaf resources
type Client struct {
	http   *http.Client
	logger Logger
}

// NewClient creates a new transfer client
func NewClient(timeout time.Duration, logger Logger) *Client {
	return &Client{
		http: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// NewClientWithHTTP creates a transfer client around an existing http.Client
func NewClientWithHTTP(httpClient *http.Client, logger Logger) *Client {
	return &Client{http: httpClient, logger: logger}
}

// transferRequest is the conceptual JSON body of a transfer request
type transferRequest struct {
	Token          string `json:"token"`
	LeafResourceID string `json:"leafResourceId"`
}

// Fetch retrieves the bytes of one resource. On success the response body is
// wrapped in a bytestream adapter; the connection stays open until the
// returned Download is fully consumed or closed.
func (c *Client) Fetch(ctx context.Context, desc models.ResourceDescriptor) (*Download, error) {
	payload, err := json.Marshal(transferRequest{
		Token:          desc.Token,
		LeafResourceID: desc.LeafResourceID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, desc.TransferURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("fetching resource",
		"leaf_resource_id", desc.LeafResourceID,
		"url", desc.TransferURL)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transfer request failed: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		filename := parseFilename(resp.Header.Get("Content-Disposition"))
		c.logger.Debug("transfer response ok",
			"leaf_resource_id", desc.LeafResourceID,
			"filename", filename)
		return &Download{
			Filename: filename,
			Body:     bytestream.FromReader(resp.Body),
		}, nil

	case resp.StatusCode == http.StatusNotFound:
		drain(resp.Body)
		return nil, &ResourceNotFoundError{LeafResourceID: desc.LeafResourceID}

	default:
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &TransferFailedError{
			URL:        desc.TransferURL,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}
}

func parseFilename(disposition string) string {
	if m := filenamePattern.FindStringSubmatch(disposition); m != nil {
		return m[1]
	}
	return ""
}

func drain(body io.ReadCloser) {
	io.Copy(io.Discard, body)
	body.Close()
}
