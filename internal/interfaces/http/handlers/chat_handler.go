package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/application/usecase"
	"github.com/promptwire/promptwire/internal/domain/service"
)

// ChatService runs one chat request through the proxy pipeline.
type ChatService interface {
	Execute(ctx context.Context, meta usecase.RequestMeta, req service.ChatRequest) (*usecase.Result, error)
}

// ChatHandler serves the OpenAI-compatible chat completions endpoint.
type ChatHandler struct {
	svc    ChatService
	logger *zap.Logger
}

func NewChatHandler(svc ChatService, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		svc:    svc,
		logger: logger.With(zap.String("component", "chat_handler")),
	}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *ChatHandler) ChatCompletions(c *gin.Context) {
	var req service.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		WriteError(c, h.logger, &service.ValidationError{
			Code:    "invalid_json",
			Message: "request body is not a valid chat completion request",
		})
		return
	}

	meta := usecase.RequestMeta{
		ClientIP:        c.ClientIP(),
		HeaderSessionID: c.GetHeader(service.SessionIDHeader),
	}
	if cookie, err := c.Cookie(service.SessionIDCookie); err == nil {
		meta.CookieSessionID = cookie
	}

	res, err := h.svc.Execute(c.Request.Context(), meta, req)
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}

	if meta.CookieSessionID == "" && res.SessionID != "" {
		c.SetCookie(service.SessionIDCookie, res.SessionID, 0, "/", "", false, true)
	}

	if res.Stream != nil {
		h.writeStream(c, res)
		return
	}
	h.writeEnvelope(c, res.Envelope)
}

func (h *ChatHandler) writeEnvelope(c *gin.Context, env *service.ResponseEnvelope) {
	for k, v := range env.Headers {
		c.Header(k, v)
	}
	c.JSON(env.Status, env.Body)
}

// writeStream frames pipeline items as SSE. A mid-stream abort emits one
// error event before the [DONE] sentinel so clients can tell truncation
// from completion.
func (h *ChatHandler) writeStream(c *gin.Context, res *usecase.Result) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for item := range res.Stream.Chunks {
		if len(item.Raw) == 0 {
			continue
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", item.Raw)
		c.Writer.Flush()
	}

	if res.Err != nil {
		if err := res.Err(); err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Warn("stream aborted", zap.Error(err))
			h.writeStreamError(c.Writer, err)
		}
	}

	io.WriteString(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

func (h *ChatHandler) writeStreamError(w gin.ResponseWriter, err error) {
	_, body := MapError(err)
	frame, marshalErr := json.Marshal(body)
	if marshalErr != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", frame)
	w.Flush()
}
