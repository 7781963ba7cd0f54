package backend

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/promptwire/promptwire/internal/domain/service"
)

func TestParseRetryAfterHeaderSeconds(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "30")
	if got := ParseRetryAfter(h, nil); got != 30*time.Second {
		t.Fatalf("got %v, want 30s", got)
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", time.Now().Add(45*time.Second).UTC().Format(http.TimeFormat))
	got := ParseRetryAfter(h, nil)
	if got < 40*time.Second || got > 46*time.Second {
		t.Fatalf("got %v, want roughly 45s", got)
	}
}

func TestParseRetryAfterJSONBody(t *testing.T) {
	cases := []struct {
		name string
		body string
		want time.Duration
	}{
		{"top level", `{"retry_after": 12}`, 12 * time.Second},
		{"nested in error", `{"error": {"retry_after": 2.5}}`, 2500 * time.Millisecond},
		{"absent", `{"error": {"message": "overloaded"}}`, 0},
		{"not json", `rate limited, slow down`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ParseRetryAfter(http.Header{}, []byte(tc.body)); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParseRetryAfterHeaderWinsOverBody(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")
	got := ParseRetryAfter(h, []byte(`{"retry_after": 99}`))
	if got != 7*time.Second {
		t.Fatalf("got %v, want 7s", got)
	}
}

func TestStatusError(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "3")
	resp := &http.Response{StatusCode: 429, Header: h}
	err := StatusError("openai", "gpt-4", resp, []byte(`{"error":{"message":"rate limited"}}`))

	var statusErr *service.UpstreamStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *service.UpstreamStatusError, got %T", err)
	}
	if statusErr.Status != 429 || statusErr.Backend != "openai" || statusErr.Model != "gpt-4" {
		t.Fatalf("unexpected fields: %+v", statusErr)
	}
	if statusErr.RetryAfter != 3*time.Second {
		t.Fatalf("retry after %v, want 3s", statusErr.RetryAfter)
	}
}
