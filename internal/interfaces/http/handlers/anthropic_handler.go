package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/application/usecase"
	"github.com/promptwire/promptwire/internal/domain/service"
)

// AnthropicHandler serves the Anthropic Messages surface on top of the
// chat-completion pipeline: requests are converted in, replies converted
// back out, streaming included.
type AnthropicHandler struct {
	svc    ChatService
	logger *zap.Logger
}

func NewAnthropicHandler(svc ChatService, logger *zap.Logger) *AnthropicHandler {
	return &AnthropicHandler{
		svc:    svc,
		logger: logger.With(zap.String("component", "anthropic_handler")),
	}
}

// Messages handles POST /anthropic/v1/messages.
func (h *AnthropicHandler) Messages(c *gin.Context) {
	var req AnthropicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, &service.ValidationError{
			Code:    "invalid_json",
			Message: "request body is not a valid messages request",
		})
		return
	}

	chatReq, err := ToChatRequest(req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	meta := usecase.RequestMeta{
		ClientIP:        c.ClientIP(),
		HeaderSessionID: c.GetHeader(service.SessionIDHeader),
	}
	if cookie, err := c.Cookie(service.SessionIDCookie); err == nil {
		meta.CookieSessionID = cookie
	}

	res, err := h.svc.Execute(c.Request.Context(), meta, chatReq)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if res.Stream != nil {
		h.writeStream(c, req.Model, res)
		return
	}
	c.JSON(http.StatusOK, FromChatCompletion(res.Envelope.Body, req.Model))
}

func (h *AnthropicHandler) writeStream(c *gin.Context, model string, res *usecase.Result) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	translator := NewAnthropicStreamTranslator(model)
	for item := range res.Stream.Chunks {
		for _, evt := range translator.Translate(item) {
			h.writeEvent(c, evt)
		}
	}

	if res.Err != nil {
		if err := res.Err(); err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Warn("messages stream aborted", zap.Error(err))
			h.writeEvent(c, h.errorEvent(err))
			return
		}
	}

	for _, evt := range translator.Finish() {
		h.writeEvent(c, evt)
	}
}

func (h *AnthropicHandler) writeEvent(c *gin.Context, evt StreamEvent) {
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", evt.Event, evt.Data)
	c.Writer.Flush()
}

func (h *AnthropicHandler) errorEvent(err error) StreamEvent {
	_, body := MapError(err)
	inner, _ := body["error"].(gin.H)
	message, _ := inner["message"].(string)
	errType, _ := inner["type"].(string)
	return anthropicErrorEvent(message, errType)
}

// writeError renders err in the Anthropic error envelope, keeping the
// status mapping shared with the OpenAI surface.
func (h *AnthropicHandler) writeError(c *gin.Context, err error) {
	if errors.Is(err, context.Canceled) {
		c.Abort()
		return
	}
	status, body := MapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("messages request failed", zap.Int("status", status), zap.Error(err))
	}
	inner, _ := body["error"].(gin.H)
	message, _ := inner["message"].(string)
	errType, _ := inner["type"].(string)
	c.JSON(status, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    anthropicErrorType(errType),
			"message": message,
		},
	})
}

func anthropicErrorType(openaiType string) string {
	switch openaiType {
	case "rate_limit_error":
		return "rate_limit_error"
	case "backend_error":
		return "api_error"
	case "internal_error":
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

func anthropicErrorEvent(message, errType string) StreamEvent {
	data := fmt.Sprintf(`{"type":"error","error":{"type":%q,"message":%q}}`,
		anthropicErrorType(errType), message)
	return StreamEvent{Event: "error", Data: []byte(data)}
}
