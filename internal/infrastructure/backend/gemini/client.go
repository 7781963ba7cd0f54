// Package gemini implements the Google Gemini backend adapter, translating
// between the canonical chat-completions shape and the generateContent API.
package gemini

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
	backend.RegisterFactory("gemini", func(cfg backend.Config, logger *zap.Logger) backend.Backend {
		return New(cfg, logger)
	})
}

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Token budgets substituted when only a reasoning effort level is set.
var effortBudgets = map[string]int{
	"low":     1024,
	"medium":  4096,
	"high":    16384,
	"maximum": 32768,
}

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
		logger:  logger.With(zap.String("backend", cfg.Name), zap.String("type", "gemini")),
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
	converted, err := fromNative(&native, req.Model)
	if err != nil {
		return nil, err
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
	return translateEvents(ctx, resp, req.Model, c.logger), nil
}

func (c *Client) Models(ctx context.Context, apiKey string) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1beta/models", nil)
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
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("parse models: %w", err)
	}
	ids := make([]string, 0, len(listing.Models))
	for _, m := range listing.Models {
		ids = append(ids, strings.TrimPrefix(m.Name, "models/"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *Client) post(ctx context.Context, req backend.Request, stream bool) (*http.Response, error) {
	budget := req.ThinkingBudget
	if budget == 0 && req.ReasoningEffort != "" {
		budget = effortBudgets[req.ReasoningEffort]
	}
	native, err := toNative(req.Chat, budget, req.GeminiGenerationConfig)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(native)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	method := "generateContent"
	if stream {
		method = "streamGenerateContent?alt=sse"
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:%s", c.baseURL, req.Model, method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
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

// setHeaders puts the key in x-goog-api-key rather than the URL so captures
// and logs never see it.
func (c *Client) setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("x-goog-api-key", apiKey)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
}
