// Package rtdb is a document store backed by a realtime database REST API:
// every node is addressable as {base}/{path}.json and change notifications
// arrive as a server-sent event stream.
package rtdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/precise-goals/finvoice/internal/infra/docpath"
	"github.com/precise-goals/finvoice/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("rtdb")

const service = "rtdb"

// Client implements port.DocumentStore over HTTP.
type Client struct {
	httpClient   *http.Client
	streamClient *http.Client
	baseURL      string
	authToken    string
	cb           *gobreaker.CircuitBreaker
	cfg          resilience.Config
	bulkhead     *resilience.Bulkhead
	logger       *zap.Logger
}

// NewClient creates a client for the database at baseURL. authToken is sent
// as the auth query parameter when set. streamClient carries the long-lived
// subscription requests and must not have a timeout; nil uses a copy of
// httpClient without one.
func NewClient(httpClient, streamClient *http.Client, baseURL, authToken string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	if streamClient == nil {
		c := *httpClient
		c.Timeout = 0
		streamClient = &c
	}
	return &Client{
		httpClient:   httpClient,
		streamClient: streamClient,
		baseURL:      strings.TrimRight(baseURL, "/"),
		authToken:    authToken,
		cb:           cb,
		cfg:          cfg,
		bulkhead:     resilience.NewBulkhead(cfg.MaxConcurrency),
		logger:       logger,
	}
}

func (c *Client) nodeURL(path string) string {
	u := fmt.Sprintf("%s/%s.json", c.baseURL, docpath.Join(path))
	if c.authToken != "" {
		u += "?auth=" + url.QueryEscape(c.authToken)
	}
	return u
}

// statusError is a non-2xx response.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("rtdb returned status %d: %s", e.status, e.body)
}

// doRequest executes one authenticated request. 4xx responses are permanent
// and never retried.
func (c *Client) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, resilience.Permanent(fmt.Errorf("encoding payload: %w", err))
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.nodeURL(path), body)
	if err != nil {
		c.logger.Error("rtdb: failed to create request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, resilience.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := c.bulkhead.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.bulkhead.Release()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("rtdb: request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("rtdb: non-2xx response",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(respBody)),
		)
		sErr := &statusError{status: resp.StatusCode, body: string(respBody)}
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, resilience.Permanent(sErr)
		}
		return nil, sErr
	}

	c.logger.Debug("rtdb: request OK",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)
	return respBody, nil
}

func (c *Client) call(ctx context.Context, span string, method, path string, payload any) ([]byte, error) {
	if err := docpath.Validate(path); err != nil {
		return nil, err
	}
	ctx, s := tracer.Start(ctx, span)
	defer s.End()
	s.SetAttributes(attribute.String("rtdb.path", path))

	var out []byte
	err := resilience.Call(ctx, c.cb, c.cfg, service, func() error {
		body, err := c.doRequest(ctx, method, path, payload)
		if err != nil {
			return err
		}
		out = body
		return nil
	})
	return out, err
}

// Get returns the value at path, or nil when the node is absent.
func (c *Client) Get(ctx context.Context, path string) (any, error) {
	body, err := c.call(ctx, "RTDB.Get", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeNode(body)
}

// Set replaces the value at path.
func (c *Client) Set(ctx context.Context, path string, value any) error {
	if value == nil {
		return c.Delete(ctx, path)
	}
	_, err := c.call(ctx, "RTDB.Set", http.MethodPut, path, value)
	return err
}

// Update writes every field below path in a single multi-path PATCH.
func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	for k := range fields {
		if err := docpath.Validate(k); err != nil {
			return err
		}
	}
	_, err := c.call(ctx, "RTDB.Update", http.MethodPatch, path, fields)
	return err
}

// Delete removes path and its children.
func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.call(ctx, "RTDB.Delete", http.MethodDelete, path, nil)
	return err
}

// Ping reads the shallow root, which succeeds on any reachable database.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.nodeURL("")+shallowQuery(c.authToken), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return &statusError{status: resp.StatusCode}
	}
	return nil
}

func shallowQuery(authToken string) string {
	if authToken != "" {
		return "&shallow=true"
	}
	return "?shallow=true"
}

func decodeNode(body []byte) (any, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("decoding node: %w", err)
	}
	return v, nil
}
