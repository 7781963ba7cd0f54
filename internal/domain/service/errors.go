package service

import (
	"errors"
	"fmt"
	"time"
)

// LoopDetectionError aborts a response when repeated output exceeds the
// configured pattern threshold. It maps to HTTP 400 with type
// "loop_detection_error".
type LoopDetectionError struct {
	Pattern string
	Repeats int
}

func (e *LoopDetectionError) Error() string {
	preview := e.Pattern
	if len(preview) > 64 {
		preview = preview[:64] + "…"
	}
	return fmt.Sprintf("response loop detected: pattern %q repeated %d times", preview, e.Repeats)
}

// ToolLoopError aborts a response when a structurally identical tool call
// repeats beyond the session threshold.
type ToolLoopError struct {
	ToolName string
	Count    int
}

func (e *ToolLoopError) Error() string {
	return fmt.Sprintf("tool call loop detected: %s invoked %d times with identical arguments", e.ToolName, e.Count)
}

// EmptyResponseRetryError is an internal control signal raised by the
// response pipeline when a completed reply has no content. The orchestrator
// consumes it for exactly one retry; it never reaches a client.
type EmptyResponseRetryError struct {
	RecoveryPrompt string
}

func (e *EmptyResponseRetryError) Error() string {
	return "empty response, retry requested"
}

// ValidationError is a request-shape failure, mapped to HTTP 400 with type
// "invalid_request_error".
type ValidationError struct {
	Param   string
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("invalid request: %s (param %s)", e.Message, e.Param)
	}
	return "invalid request: " + e.Message
}

// RateLimitedError is surfaced when every failover attempt was skipped by
// the rate limiter. RetryAfter is the earliest time any key frees up.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("all attempts rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}

// BackendError is an upstream adapter failure after failover exhaustion,
// mapped to HTTP 502.
type BackendError struct {
	Backend string
	Model   string
	Status  int
	Message string
	Cause   error
}

func (e *BackendError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("backend %s (%s): %s: %v", e.Backend, e.Model, e.Message, e.Cause)
	}
	return fmt.Sprintf("backend %s (%s): %s", e.Backend, e.Model, e.Message)
}

func (e *BackendError) Unwrap() error { return e.Cause }

// UpstreamStatusError marks a non-2xx upstream reply inside the failover
// loop so the coordinator can read status and retry-after without string
// matching.
type UpstreamStatusError struct {
	Backend    string
	Model      string
	Status     int
	RetryAfter time.Duration
	Body       string
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.Backend, e.Status)
}

// IsLoopDetection reports whether err is a loop or tool-loop abort.
func IsLoopDetection(err error) bool {
	var le *LoopDetectionError
	var te *ToolLoopError
	return errors.As(err, &le) || errors.As(err, &te)
}

// AsEmptyResponseRetry extracts the retry control signal if present.
func AsEmptyResponseRetry(err error) (*EmptyResponseRetryError, bool) {
	var re *EmptyResponseRetryError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
