package backend

import (
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/promptwire/promptwire/internal/domain/service"
)

const defaultUpstreamTimeout = 300 * time.Second

// NewHTTPClient builds the shared upstream transport. The timeout bounds
// the wait for response headers; streaming bodies are bounded by the
// request context and the per-read watchdog instead.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   15 * time.Second,
			ResponseHeaderTimeout: timeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          32,
			MaxIdleConnsPerHost:   8,
			TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
}

// StatusError turns a non-2xx upstream reply into the typed error the
// failover coordinator classifies. Retry-After is honored from the header
// or, failing that, from an error body field some providers use.
func StatusError(backendName, model string, resp *http.Response, body []byte) *service.UpstreamStatusError {
	return &service.UpstreamStatusError{
		Backend:    backendName,
		Model:      model,
		Status:     resp.StatusCode,
		RetryAfter: ParseRetryAfter(resp.Header, body),
		Body:       string(body),
	}
}

// ParseRetryAfter extracts a retry delay from the Retry-After header
// (seconds or HTTP date) or from a retry_after field in a JSON error body.
func ParseRetryAfter(header http.Header, body []byte) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
		}
	}
	if len(body) == 0 {
		return 0
	}
	var probe struct {
		RetryAfter float64 `json:"retry_after"`
		Error      struct {
			RetryAfter float64 `json:"retry_after"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return 0
	}
	secs := probe.RetryAfter
	if secs == 0 {
		secs = probe.Error.RetryAfter
	}
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
