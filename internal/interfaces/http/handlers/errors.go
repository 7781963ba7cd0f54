package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/domain/service"
)

// MapError translates a pipeline error into an HTTP status and an
// OpenAI-shaped error body. Upstream bodies and key material never leak:
// backend failures surface only backend name, model and status.
func MapError(err error) (int, gin.H) {
	var ve *service.ValidationError
	var rle *service.RateLimitedError
	var use *service.UpstreamStatusError
	var be *service.BackendError

	switch {
	case errors.As(err, &ve):
		body := gin.H{
			"message": ve.Message,
			"type":    "invalid_request_error",
		}
		if ve.Param != "" {
			body["param"] = ve.Param
		}
		if ve.Code != "" {
			body["code"] = ve.Code
		}
		return http.StatusBadRequest, gin.H{"error": body}

	case service.IsLoopDetection(err):
		return http.StatusBadRequest, gin.H{"error": gin.H{
			"message": err.Error(),
			"type":    "loop_detection_error",
		}}

	case errors.As(err, &rle):
		return http.StatusTooManyRequests, gin.H{"error": gin.H{
			"message":     err.Error(),
			"type":        "rate_limit_error",
			"retry_after": int(rle.RetryAfter.Seconds()),
		}}

	case errors.As(err, &use):
		return http.StatusBadGateway, gin.H{"error": gin.H{
			"message": fmt.Sprintf("upstream %s (%s) returned status %d", use.Backend, use.Model, use.Status),
			"type":    "backend_error",
		}}

	case errors.As(err, &be):
		return http.StatusBadGateway, gin.H{"error": gin.H{
			"message": be.Error(),
			"type":    "backend_error",
		}}

	default:
		return http.StatusInternalServerError, gin.H{"error": gin.H{
			"message": "internal server error",
			"type":    "internal_error",
		}}
	}
}

// WriteError renders err as a JSON error response. Client cancellations
// produce no body; the connection is already gone.
func WriteError(c *gin.Context, logger *zap.Logger, err error) {
	if errors.Is(err, context.Canceled) {
		c.Abort()
		return
	}

	status, body := MapError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	} else {
		logger.Debug("request rejected", zap.Int("status", status), zap.Error(err))
	}

	var rle *service.RateLimitedError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(rle.RetryAfter.Seconds())))
	}
	c.JSON(status, body)
}
