// Package openai implements the OpenAI-compatible backend adapter. It also
// serves aggregators that speak the same wire format (OpenRouter and
// friends), differing only in base URL and extra headers.
package openai

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
	backend.RegisterFactory("openai", func(cfg backend.Config, logger *zap.Logger) backend.Backend {
		return New(cfg, logger)
	})
}

const defaultBaseURL = "https://api.openai.com/v1"

// Client speaks the chat-completions wire format. Request and response
// bodies pass through unconverted; this adapter's upstream shape is the
// canonical one.
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
		logger:  logger.With(zap.String("backend", cfg.Name), zap.String("type", "openai")),
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
	return &backend.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
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
	return ScanSSE(ctx, resp, c.logger), nil
}

func (c *Client) Models(ctx context.Context, apiKey string) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
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
	chat := req.Chat.Clone()
	chat.Model = req.Model
	chat.Stream = stream
	if stream {
		if chat.Extra == nil {
			chat.Extra = make(map[string]json.RawMessage)
		}
		chat.Extra["stream_options"] = json.RawMessage(`{"include_usage":true}`)
	}
	if req.ReasoningEffort != "" {
		if chat.Extra == nil {
			chat.Extra = make(map[string]json.RawMessage)
		}
		encoded, err := json.Marshal(req.ReasoningEffort)
		if err == nil {
			chat.Extra["reasoning_effort"] = encoded
		}
	}
	if len(req.RawReasoning) > 0 {
		if chat.Extra == nil {
			chat.Extra = make(map[string]json.RawMessage)
		}
		encoded, err := json.Marshal(req.RawReasoning)
		if err == nil {
			chat.Extra["reasoning"] = encoded
		}
	}

	body, err := json.Marshal(chat)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	baseURL := c.baseURL
	if req.BaseURLOverride != "" {
		baseURL = strings.TrimRight(req.BaseURLOverride, "/")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
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
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
}
