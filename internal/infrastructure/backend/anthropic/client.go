// Package anthropic adapts the Anthropic messages API to the canonical
// chat-completion shapes.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/infrastructure/backend"
)

func init() {
	backend.RegisterFactory("anthropic", func(cfg backend.Config, logger *zap.Logger) backend.Backend {
		return New(cfg, logger)
	})
}

const defaultBaseURL = "https://api.anthropic.com"

type Client struct {
	name    string
	baseURL string
	headers map[string]string
	client  *http.Client
	logger  *zap.Logger
}

var _ backend.Backend = (*Client)(nil)

func New(cfg backend.Config, logger *zap.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		name:    cfg.Name,
		baseURL: baseURL,
		headers: cfg.ExtraHeaders,
		client:  backend.NewHTTPClient(cfg.Timeout),
		logger:  logger.With(zap.String("backend", cfg.Name), zap.String("type", "anthropic")),
	}
}

func (c *Client) Name() string { return c.name }

func (c *Client) Complete(ctx context.Context, req backend.Request) (*backend.Response, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, backend.StatusError(c.name, req.Model, resp, body)
	}

	var native nativeResponse
	if err := json.Unmarshal(body, &native); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	converted, err := fromNative(&native)
	if err != nil {
		return nil, fmt.Errorf("convert response: %w", err)
	}
	return &backend.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: converted}, nil
}

func (c *Client) OpenStream(ctx context.Context, req backend.Request) (*backend.Stream, error) {
	resp, err := c.post(ctx, req, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, backend.StatusError(c.name, req.Model, resp, body)
	}
	return translateEvents(ctx, resp, c.logger), nil
}

func (c *Client) Models(ctx context.Context, apiKey string) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq, apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read models: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backend.StatusError(c.name, "", resp, body)
	}

	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("parse models: %w", err)
	}
	ids := make([]string, 0, len(listing.Data))
	for _, m := range listing.Data {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *Client) post(ctx context.Context, req backend.Request, stream bool) (*http.Response, error) {
	native, err := toNative(req.Chat, req.Model, stream, req.ThinkingBudget, req.ReasoningEffort)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(native)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq, req.APIKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", apiVersion)
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
}
