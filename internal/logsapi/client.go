package logsapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
)

const (
	extensionIDHeader = "Lambda-Extension-Identifier"
	logsAPIVersion    = "2020-08-15"
)

// Client is a Lambda Logs API client
type Client struct {
	baseURL     string
	httpClient  *http.Client
	extensionID string
	listenerURI string
}

// NewClient creates a Logs API client for the control endpoint at
// runtimeAPI (host:port). extensionID is sent unchanged on every call.
func NewClient(runtimeAPI, extensionID, listenerURI string) *Client {
	return &Client{
		baseURL:     fmt.Sprintf("http://%s/%s/logs", runtimeAPI, logsAPIVersion),
		httpClient:  &http.Client{},
		extensionID: extensionID,
		listenerURI: listenerURI,
	}
}

// Subscribe registers the listener with the Logs API. It issues exactly one
// PUT and does not retry; any failure is a *SubscriptionError.
func (c *Client) Subscribe(ctx context.Context) error {
	body, err := NewSubscribeRequest(c.listenerURI).Encode()
	if err != nil {
		return &SubscriptionError{Err: fmt.Errorf("failed to encode subscribe request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return &SubscriptionError{Err: fmt.Errorf("failed to create subscribe request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(extensionIDHeader, c.extensionID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &SubscriptionError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxExcerpt))
		return &SubscriptionError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	log.WithField("listener", c.listenerURI).Info("Subscribed to Logs API")
	return nil
}
