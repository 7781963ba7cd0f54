package failover

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/domain/service"
	"github.com/promptwire/promptwire/internal/domain/valueobject"
	"github.com/promptwire/promptwire/internal/infrastructure/ratelimit"
)

// Target is the resolved destination of one request. A non-empty Backend
// pins the attempt to that backend (oneoff, request-qualified model, or a
// session backend override) and bypasses route lookup; otherwise a route
// named exactly like Model decides, falling back to the default backend.
type Target struct {
	Backend        string
	Model          string
	DefaultBackend string
	Routes         map[string]valueobject.FailoverRoute
}

// BuildPlan expands the target into the ordered attempt list.
func BuildPlan(target Target, keys KeySource) []Attempt {
	if target.Backend != "" {
		if attempt, ok := SingleAttempt(target.Backend, target.Model, keys); ok {
			return []Attempt{attempt}
		}
		return nil
	}
	if route, ok := target.Routes[target.Model]; ok {
		// A route that expands to nothing is a configuration problem the
		// coordinator reports; it does not silently fall back.
		return ExpandRoute(route, keys)
	}
	if attempt, ok := SingleAttempt(target.DefaultBackend, target.Model, keys); ok {
		return []Attempt{attempt}
	}
	return nil
}

// AttemptFunc performs one upstream call. A nil return ends the loop; the
// callback stores its own result. Per-attempt timeouts belong to the
// callback, which knows whether the call streams.
type AttemptFunc func(ctx context.Context, attempt Attempt) error

// Coordinator drives an attempt plan: rate-limit gate before each attempt,
// retry-after propagation after upstream 429s, first success wins.
type Coordinator struct {
	limiter  ratelimit.Limiter
	breakers *BreakerSet
	logger   *zap.Logger
}

func NewCoordinator(limiter ratelimit.Limiter, breakers *BreakerSet, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		limiter:  limiter,
		breakers: breakers,
		logger:   logger.With(zap.String("component", "failover")),
	}
}

// Do runs attempts in order and returns the one that succeeded. When every
// attempt was skipped by the rate limiter, the error is a
// *service.RateLimitedError carrying the earliest reset; otherwise the last
// real failure surfaces.
func (c *Coordinator) Do(ctx context.Context, attempts []Attempt, try AttemptFunc) (Attempt, error) {
	if len(attempts) == 0 {
		return Attempt{}, &service.BackendError{Message: "no viable failover attempts"}
	}

	var (
		lastErr       error
		earliestReset time.Time
	)
	for i, attempt := range attempts {
		if err := ctx.Err(); err != nil {
			return Attempt{}, err
		}

		info, err := c.limiter.CheckLimit(ctx, attempt.ID())
		if err != nil {
			c.logger.Warn("rate limit check failed, allowing attempt",
				zap.String("attempt", attempt.ID()), zap.Error(err))
		} else if info.IsLimited {
			if earliestReset.IsZero() || info.ResetAt.Before(earliestReset) {
				earliestReset = info.ResetAt
			}
			c.logger.Debug("attempt rate limited, skipping",
				zap.String("attempt", attempt.ID()), zap.Time("reset_at", info.ResetAt))
			continue
		}

		if c.breakers != nil && !c.breakers.Allow(attempt.Backend) {
			lastErr = &service.BackendError{
				Backend: attempt.Backend,
				Model:   attempt.Model,
				Message: "circuit open",
			}
			c.logger.Warn("circuit open, skipping backend", zap.String("backend", attempt.Backend))
			continue
		}

		err = try(ctx, attempt)
		// Dispatched calls count against the window whether they succeed
		// or not.
		if rerr := c.limiter.RecordUsage(ctx, attempt.ID(), 1); rerr != nil {
			c.logger.Warn("rate limit record failed", zap.Error(rerr))
		}

		if err == nil {
			if c.breakers != nil {
				c.breakers.RecordSuccess(attempt.Backend)
			}
			if i > 0 {
				c.logger.Info("failover succeeded",
					zap.String("attempt", attempt.ID()),
					zap.Int("attempt_number", i+1))
			}
			return attempt, nil
		}

		lastErr = err
		if c.breakers != nil {
			c.breakers.RecordFailure(attempt.Backend)
		}

		var statusErr *service.UpstreamStatusError
		if errors.As(err, &statusErr) &&
			statusErr.Status == http.StatusTooManyRequests &&
			statusErr.RetryAfter > 0 {
			until := time.Now().Add(statusErr.RetryAfter)
			if perr := c.limiter.Penalize(ctx, attempt.ID(), until); perr != nil {
				c.logger.Warn("rate limit penalize failed", zap.Error(perr))
			}
		}

		if !Retryable(err) {
			c.logger.Warn("non-retryable error, stopping failover",
				zap.String("attempt", attempt.ID()), zap.Error(err))
			return Attempt{}, err
		}
		c.logger.Warn("attempt failed, trying next",
			zap.String("attempt", attempt.ID()),
			zap.Int("attempt_number", i+1),
			zap.Error(err))
	}

	if lastErr == nil {
		retryAfter := time.Until(earliestReset)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Attempt{}, &service.RateLimitedError{RetryAfter: retryAfter}
	}
	return Attempt{}, lastErr
}

// Retryable reports whether an attempt failure should trigger the next
// attempt. Auth failures are retryable because the next attempt may carry a
// different key; client-side request errors are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *service.UpstreamStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Status == http.StatusUnauthorized,
			statusErr.Status == http.StatusForbidden,
			statusErr.Status == http.StatusTooManyRequests,
			statusErr.Status == http.StatusRequestTimeout:
			return true
		case statusErr.Status >= 500:
			return true
		default:
			return false
		}
	}
	// Network-level failures (dial, TLS, header timeout) arrive untyped.
	return true
}
