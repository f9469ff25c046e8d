// Package extension runs the Lambda extension lifecycle: registration, the
// event loop and shipping of buffered logs.
package extension

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
)

const (
	extensionNameHeader = "Lambda-Extension-Name"
	extensionIDHeader   = "Lambda-Extension-Identifier"
	extensionAPIVersion = "2020-01-01"
)

// Client is a Lambda Extensions API client
type Client struct {
	baseURL       string
	httpClient    *http.Client
	extensionID   string
	extensionName string
}

// NewClient creates an Extensions API client for the given runtime API
// host:port. extensionName must match the executable name under /opt/extensions.
func NewClient(runtimeAPI, extensionName string) *Client {
	return &Client{
		baseURL:       fmt.Sprintf("http://%s/%s/extension", runtimeAPI, extensionAPIVersion),
		httpClient:    &http.Client{},
		extensionName: extensionName,
	}
}

// Register registers the extension for INVOKE and SHUTDOWN events and stores
// the returned extension identifier
func (c *Client) Register(ctx context.Context) (*RegisterResponse, error) {
	body, err := json.Marshal(map[string][]EventType{
		"events": {Invoke, Shutdown},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal register body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/register", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create register request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(extensionNameHeader, c.extensionName)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to register extension: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("register failed with status %d: %s", resp.StatusCode, string(msg))
	}

	c.extensionID = resp.Header.Get(extensionIDHeader)
	if c.extensionID == "" {
		return nil, fmt.Errorf("no extension ID in register response")
	}

	var result RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode register response: %w", err)
	}

	log.WithFields(log.Fields{
		"function_name": result.FunctionName,
		"extension_id":  c.extensionID,
	}).Info("Registered extension")

	return &result, nil
}

// NextEvent blocks waiting for the next Lambda event
func (c *Client) NextEvent(ctx context.Context) (*NextEventResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event/next", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create next event request: %w", err)
	}

	req.Header.Set(extensionIDHeader, c.extensionID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get next event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("next event failed with status: %d", resp.StatusCode)
	}

	var event NextEventResponse
	if err := json.NewDecoder(resp.Body).Decode(&event); err != nil {
		return nil, fmt.Errorf("failed to decode next event: %w", err)
	}

	return &event, nil
}

// ExtensionID returns the identifier assigned at registration
func (c *Client) ExtensionID() string {
	return c.extensionID
}
