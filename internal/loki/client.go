// Package loki ships drained log records to a Grafana Loki push endpoint.
package loki

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"

	"github.com/mumzworld-tech/lambda-log-shipper/internal/config"
)

const (
	requestIDHeader = "X-Request-Id"
	tenantHeader    = "X-Scope-OrgID"
	baseBackoff     = 100 * time.Millisecond
	maxErrorBody    = 1024
)

// PushError is a failed push attempt. StatusCode is 0 when no response arrived.
type PushError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *PushError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("loki push request failed: %v", e.Err)
	}
	return fmt.Sprintf("loki push failed with status %d: %s", e.StatusCode, e.Body)
}

func (e *PushError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the attempt may succeed when repeated: transport
// failures, 429 and 5xx
func (e *PushError) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func isRetryable(err error) bool {
	var pe *PushError
	return errors.As(err, &pe) && pe.Temporary()
}

// Client is a Loki HTTP client
type Client struct {
	endpoint             string
	httpClient           *http.Client
	header               http.Header
	enableGzip           bool
	compressionThreshold int
	maxRetries           int
	criticalRetries      int
	backoff              time.Duration
}

// NewClient creates a Loki client. Auth and tenant headers are resolved once.
func NewClient(cfg *config.Config) *Client {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	switch {
	case cfg.LokiAPIKey != "":
		header.Set("Authorization", "Bearer "+cfg.LokiAPIKey)
	case cfg.LokiUsername != "" && cfg.LokiPassword != "":
		creds := base64.StdEncoding.EncodeToString([]byte(cfg.LokiUsername + ":" + cfg.LokiPassword))
		header.Set("Authorization", "Basic "+creds)
	}
	if cfg.LokiTenantID != "" {
		header.Set(tenantHeader, cfg.LokiTenantID)
	}

	return &Client{
		endpoint:             cfg.LokiEndpoint,
		httpClient:           &http.Client{Timeout: 10 * time.Second},
		header:               header,
		enableGzip:           cfg.EnableGzip,
		compressionThreshold: cfg.CompressionThreshold,
		maxRetries:           cfg.MaxRetries,
		criticalRetries:      cfg.CriticalFlushRetries,
		backoff:              baseBackoff,
	}
}

// Push sends a push request with the regular retry budget
func (c *Client) Push(ctx context.Context, req *PushRequest) error {
	return c.push(ctx, req, c.maxRetries)
}

// PushCritical sends a push request with the critical retry budget, used
// for runtimeDone and shutdown flushes
func (c *Client) PushCritical(ctx context.Context, req *PushRequest) error {
	return c.push(ctx, req, c.criticalRetries)
}

func (c *Client) push(ctx context.Context, req *PushRequest, retries int) error {
	if req.Len() == 0 {
		return nil
	}

	body, encoding, err := c.encode(req)
	if err != nil {
		return err
	}

	// Every attempt carries the same id so duplicates can be spotted downstream
	pushID := uuid.NewString()
	entry := log.WithFields(log.Fields{"push_id": pushID, "lines": req.Len()})

	for attempt := 0; ; attempt++ {
		err = c.send(ctx, body, encoding, pushID)
		if err == nil {
			entry.WithField("attempt", attempt+1).Debug("Loki push successful")
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		if attempt == retries {
			return fmt.Errorf("push failed after %d retries: %w", retries, err)
		}

		wait := c.backoff << attempt
		entry.WithError(err).WithFields(log.Fields{"attempt": attempt + 1, "wait": wait.String()}).Warn("Loki push attempt failed")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// encode marshals the request, gzipping it when enabled and above the threshold
func (c *Client) encode(req *PushRequest) ([]byte, string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal push request: %w", err)
	}
	if !c.enableGzip || len(body) <= c.compressionThreshold {
		return body, "", nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, "", fmt.Errorf("failed to gzip push request: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to gzip push request: %w", err)
	}
	return buf.Bytes(), "gzip", nil
}

func (c *Client) send(ctx context.Context, body []byte, encoding, pushID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create push request: %w", err)
	}

	req.Header = c.header.Clone()
	req.Header.Set(requestIDHeader, pushID)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &PushError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &PushError{StatusCode: resp.StatusCode, Body: string(msg)}
}
