package failover

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/domain/service"
	"github.com/promptwire/promptwire/internal/infrastructure/backend"
	"github.com/promptwire/promptwire/internal/infrastructure/ratelimit"
)

func testAttempts(n int) []Attempt {
	attempts := make([]Attempt, 0, n)
	for i := 0; i < n; i++ {
		attempts = append(attempts, Attempt{
			Backend: "openrouter",
			Model:   "a",
			Key:     backend.Key{Name: fmt.Sprintf("K%d", i+1), Value: fmt.Sprintf("secret-%d", i+1)},
		})
	}
	return attempts
}

func newTestCoordinator(limiter ratelimit.Limiter, breakers *BreakerSet) *Coordinator {
	return NewCoordinator(limiter, breakers, zap.NewNop())
}

func TestCoordinatorFirstSuccess(t *testing.T) {
	c := newTestCoordinator(ratelimit.NewMemoryLimiter(0, time.Minute), nil)

	var tried []string
	won, err := c.Do(context.Background(), testAttempts(3), func(_ context.Context, a Attempt) error {
		tried = append(tried, a.Key.Name)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if won.Key.Name != "K1" || len(tried) != 1 {
		t.Fatalf("won %q after %v", won.Key.Name, tried)
	}
}

func TestCoordinatorFailsOverOn429(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0, time.Minute)
	c := newTestCoordinator(limiter, nil)
	attempts := testAttempts(3)

	var tried []string
	won, err := c.Do(context.Background(), attempts, func(_ context.Context, a Attempt) error {
		tried = append(tried, a.Key.Name)
		if len(tried) < 3 {
			return &service.UpstreamStatusError{
				Backend:    a.Backend,
				Model:      a.Model,
				Status:     429,
				RetryAfter: 30 * time.Second,
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if won.Key.Name != "K3" {
		t.Fatalf("won %q, want K3", won.Key.Name)
	}
	if len(tried) != 3 {
		t.Fatalf("tried %v", tried)
	}

	// The 429 retry-after was recorded: the failed keys are now penalized.
	for _, a := range attempts[:2] {
		info, _ := limiter.CheckLimit(context.Background(), a.ID())
		if !info.IsLimited {
			t.Fatalf("attempt %s should be penalized after 429", a.ID())
		}
	}
}

func TestCoordinatorStopsOnNonRetryable(t *testing.T) {
	c := newTestCoordinator(ratelimit.NewMemoryLimiter(0, time.Minute), nil)

	var tried int
	_, err := c.Do(context.Background(), testAttempts(3), func(_ context.Context, a Attempt) error {
		tried++
		return &service.UpstreamStatusError{Backend: a.Backend, Status: 400, Body: "bad request"}
	})
	var statusErr *service.UpstreamStatusError
	if !errors.As(err, &statusErr) || statusErr.Status != 400 {
		t.Fatalf("error %v", err)
	}
	if tried != 1 {
		t.Fatalf("tried %d attempts, want 1 (400 must not fail over)", tried)
	}
}

func TestCoordinatorSurfacesLastError(t *testing.T) {
	c := newTestCoordinator(ratelimit.NewMemoryLimiter(0, time.Minute), nil)

	_, err := c.Do(context.Background(), testAttempts(2), func(_ context.Context, a Attempt) error {
		return &service.UpstreamStatusError{Backend: a.Backend, Status: 503, Body: a.Key.Name}
	})
	var statusErr *service.UpstreamStatusError
	if !errors.As(err, &statusErr) || statusErr.Body != "K2" {
		t.Fatalf("error %v, want the last attempt's failure", err)
	}
}

func TestCoordinatorAllRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0, time.Minute)
	attempts := testAttempts(2)
	reset1 := time.Now().Add(40 * time.Second)
	reset2 := time.Now().Add(20 * time.Second)
	limiter.Penalize(context.Background(), attempts[0].ID(), reset1)
	limiter.Penalize(context.Background(), attempts[1].ID(), reset2)

	c := newTestCoordinator(limiter, nil)
	_, err := c.Do(context.Background(), attempts, func(context.Context, Attempt) error {
		t.Fatal("no attempt should be dispatched")
		return nil
	})

	var rlErr *service.RateLimitedError
	if !errors.As(err, &rlErr) {
		t.Fatalf("error %v, want RateLimitedError", err)
	}
	// Earliest reset wins.
	if rlErr.RetryAfter > 21*time.Second || rlErr.RetryAfter < 18*time.Second {
		t.Fatalf("retry after %v, want about 20s", rlErr.RetryAfter)
	}
}

func TestCoordinatorMixedSkipAndFailure(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0, time.Minute)
	attempts := testAttempts(2)
	limiter.Penalize(context.Background(), attempts[0].ID(), time.Now().Add(time.Minute))

	c := newTestCoordinator(limiter, nil)
	_, err := c.Do(context.Background(), attempts, func(_ context.Context, a Attempt) error {
		return &service.UpstreamStatusError{Backend: a.Backend, Status: 502}
	})

	// A real failure beats the rate-limit summary.
	var statusErr *service.UpstreamStatusError
	if !errors.As(err, &statusErr) || statusErr.Status != 502 {
		t.Fatalf("error %v", err)
	}
}

func TestCoordinatorEmptyPlan(t *testing.T) {
	c := newTestCoordinator(ratelimit.NewMemoryLimiter(0, time.Minute), nil)
	_, err := c.Do(context.Background(), nil, func(context.Context, Attempt) error { return nil })
	var backendErr *service.BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("error %v", err)
	}
}

func TestCoordinatorCancelledContext(t *testing.T) {
	c := newTestCoordinator(ratelimit.NewMemoryLimiter(0, time.Minute), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Do(ctx, testAttempts(2), func(context.Context, Attempt) error {
		t.Fatal("cancelled context must not dispatch")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error %v", err)
	}
}

func TestCoordinatorBreakerSkipsOpenCircuit(t *testing.T) {
	breakers := NewBreakerSet(BreakerConfig{Enabled: true, FailureThreshold: 1, RecoveryTimeout: time.Hour})
	breakers.RecordFailure("openrouter")

	c := newTestCoordinator(ratelimit.NewMemoryLimiter(0, time.Minute), breakers)
	attempts := []Attempt{
		{Backend: "openrouter", Model: "a", Key: backend.Key{Name: "K1", Value: "s1"}},
		{Backend: "gemini", Model: "b", Key: backend.Key{Name: "G1", Value: "s2"}},
	}

	var tried []string
	won, err := c.Do(context.Background(), attempts, func(_ context.Context, a Attempt) error {
		tried = append(tried, a.Backend)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if won.Backend != "gemini" || len(tried) != 1 {
		t.Fatalf("won %q after %v, want gemini only", won.Backend, tried)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"status 400", &service.UpstreamStatusError{Status: 400}, false},
		{"status 401", &service.UpstreamStatusError{Status: 401}, true},
		{"status 403", &service.UpstreamStatusError{Status: 403}, true},
		{"status 404", &service.UpstreamStatusError{Status: 404}, false},
		{"status 429", &service.UpstreamStatusError{Status: 429}, true},
		{"status 500", &service.UpstreamStatusError{Status: 500}, true},
		{"status 503", &service.UpstreamStatusError{Status: 503}, true},
		{"network", errors.New("dial tcp: connection refused"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Retryable(tc.err); got != tc.want {
				t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestBreakerLifecycle(t *testing.T) {
	set := NewBreakerSet(BreakerConfig{Enabled: true, FailureThreshold: 2, RecoveryTimeout: time.Minute})
	now := time.Now()
	set.now = func() time.Time { return now }

	if !set.Allow("openai") {
		t.Fatal("fresh circuit must allow")
	}
	set.RecordFailure("openai")
	if !set.Allow("openai") {
		t.Fatal("below threshold must allow")
	}
	set.RecordFailure("openai")
	if set.Allow("openai") {
		t.Fatal("circuit should be open")
	}

	// After the recovery timeout one probe goes through.
	now = now.Add(61 * time.Second)
	if !set.Allow("openai") {
		t.Fatal("probe should be allowed after recovery timeout")
	}
	if set.State("openai") != BreakerHalfOpen {
		t.Fatalf("state %v", set.State("openai"))
	}

	// Probe failure re-opens immediately.
	set.RecordFailure("openai")
	if set.Allow("openai") {
		t.Fatal("failed probe must re-open the circuit")
	}

	// Probe success closes.
	now = now.Add(61 * time.Second)
	if !set.Allow("openai") {
		t.Fatal("second probe")
	}
	set.RecordSuccess("openai")
	if set.State("openai") != BreakerClosed {
		t.Fatalf("state %v after success", set.State("openai"))
	}
}

func TestBreakerDisabledReturnsNil(t *testing.T) {
	if set := NewBreakerSet(BreakerConfig{}); set != nil {
		t.Fatal("disabled breaker config must yield a nil set")
	}
}
