package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/llmrelay/relay/internal/application"
	"github.com/llmrelay/relay/internal/domain/entity"
	"github.com/llmrelay/relay/internal/infrastructure/connector"
	"github.com/llmrelay/relay/internal/infrastructure/translation"
	apperrors "github.com/llmrelay/relay/pkg/errors"
)

// ProxyHandler serves every ingress dialect over the shared pipeline.
type ProxyHandler struct {
	pipeline *application.Pipeline
	backends *connector.Registry
	logger   *zap.Logger
}

// NewProxyHandler wires the pipeline into the HTTP layer.
func NewProxyHandler(pipeline *application.Pipeline, backends *connector.Registry, logger *zap.Logger) *ProxyHandler {
	return &ProxyHandler{
		pipeline: pipeline,
		backends: backends,
		logger:   logger.With(zap.String("component", "proxy-handler")),
	}
}

// resolveSessionID applies the precedence: body, X-Session-Id header,
// session_id cookie, generated.
func resolveSessionID(c *gin.Context, bodyID string) string {
	if bodyID != "" {
		return bodyID
	}
	if id := c.GetHeader("X-Session-Id"); id != "" {
		return id
	}
	if id, err := c.Cookie("session_id"); err == nil && id != "" {
		return id
	}
	return uuid.NewString()
}

// writeError maps a domain error onto the OpenAI error envelope.
func (h *ProxyHandler) writeError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		h.logger.Error("Unclassified error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"message": "internal error", "type": "server_error"},
		})
		return
	}
	body := gin.H{
		"message": appErr.Message,
		"type":    strings.ToLower(string(appErr.Code)),
	}
	if appErr.Param != "" {
		body["param"] = appErr.Param
	}
	c.JSON(appErr.HTTPStatus(), gin.H{"error": body})
}

// --- OpenAI chat completions ---

// ChatCompletions handles POST /v1/chat/completions.
func (h *ProxyHandler) ChatCompletions(c *gin.Context) {
	var wire translation.OpenAIWireRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&wire); err != nil {
		h.writeError(c, apperrors.NewInvalidRequestError("malformed JSON body: "+err.Error(), ""))
		return
	}
	req, err := translation.FromOpenAIRequest(&wire)
	if err != nil {
		h.writeError(c, err)
		return
	}

	sessionID := resolveSessionID(c, wire.SessionID)
	outcome, err := h.pipeline.Handle(c.Request.Context(), sessionID, req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if outcome.IsStreaming() {
		h.streamRaw(c, outcome)
		return
	}
	c.JSON(http.StatusOK, outcome.Response)
}

// streamRaw copies canonical SSE frames to the client verbatim.
func (h *ProxyHandler) streamRaw(c *gin.Context, outcome *application.Outcome) {
	setSSEHeaders(c)
	if outcome.Cancel != nil {
		defer outcome.Cancel()
	}
	for chunk := range outcome.Stream {
		if _, err := c.Writer.Write(chunk); err != nil {
			return
		}
		c.Writer.Flush()
	}
}

func setSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
}

// --- Anthropic messages ---

// AnthropicMessages handles POST /v1/messages.
func (h *ProxyHandler) AnthropicMessages(c *gin.Context) {
	var wire translation.AnthropicWireRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&wire); err != nil {
		h.writeError(c, apperrors.NewInvalidRequestError("malformed JSON body: "+err.Error(), ""))
		return
	}
	req, err := translation.FromAnthropicRequest(&wire)
	if err != nil {
		h.writeError(c, err)
		return
	}

	sessionID := resolveSessionID(c, "")
	outcome, err := h.pipeline.Handle(c.Request.Context(), sessionID, req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if outcome.IsStreaming() {
		h.streamAnthropic(c, outcome, req.Model)
		return
	}
	c.JSON(http.StatusOK, translation.ToAnthropicResponse(outcome.Response))
}

// streamAnthropic re-encodes canonical chunks as Anthropic SSE events:
// message_start, content_block_delta per text delta, message_stop.
func (h *ProxyHandler) streamAnthropic(c *gin.Context, outcome *application.Outcome, model string) {
	setSSEHeaders(c)
	if outcome.Cancel != nil {
		defer outcome.Cancel()
	}

	writeEvent := func(event string, payload interface{}) bool {
		data, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		if _, err := c.Writer.WriteString("event: " + event + "\ndata: " + string(data) + "\n\n"); err != nil {
			return false
		}
		c.Writer.Flush()
		return true
	}

	writeEvent("message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":    "msg_" + uuid.NewString(),
			"type":  "message",
			"role":  "assistant",
			"model": model,
		},
	})
	writeEvent("content_block_start", map[string]interface{}{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]interface{}{"type": "text", "text": ""},
	})

	decoder := &translation.SSEDecoder{}
	for raw := range outcome.Stream {
		for _, payload := range decoder.Feed(raw) {
			if payload == "[DONE]" {
				continue
			}
			var chunk entity.StreamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != nil && *choice.Delta.Content != "" {
					writeEvent("content_block_delta", map[string]interface{}{
						"type":  "content_block_delta",
						"index": 0,
						"delta": map[string]interface{}{"type": "text_delta", "text": *choice.Delta.Content},
					})
				}
			}
		}
	}

	writeEvent("content_block_stop", map[string]interface{}{"type": "content_block_stop", "index": 0})
	writeEvent("message_stop", map[string]interface{}{"type": "message_stop"})
}

// --- Gemini generateContent ---

// GeminiGenerate handles POST /v1beta/models/{model}:{verb}.
func (h *ProxyHandler) GeminiGenerate(c *gin.Context) {
	modelAction := c.Param("modelAction")
	model, verb, found := strings.Cut(modelAction, ":")
	if !found {
		h.writeError(c, apperrors.NewInvalidRequestError("expected models/{model}:{generateContent|streamGenerateContent}", "model"))
		return
	}
	stream := strings.HasPrefix(verb, "streamGenerateContent")
	if !stream && verb != "generateContent" {
		h.writeError(c, apperrors.NewInvalidRequestError("unknown verb: "+verb, "model"))
		return
	}

	var wire translation.GeminiWireRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&wire); err != nil {
		h.writeError(c, apperrors.NewInvalidRequestError("malformed JSON body: "+err.Error(), ""))
		return
	}
	req, err := translation.FromGeminiRequest(&wire, model, stream)
	if err != nil {
		h.writeError(c, err)
		return
	}

	sessionID := resolveSessionID(c, "")
	outcome, err := h.pipeline.Handle(c.Request.Context(), sessionID, req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if outcome.IsStreaming() {
		h.streamGemini(c, outcome)
		return
	}
	c.JSON(http.StatusOK, translation.ToGeminiResponse(outcome.Response))
}

// streamGemini re-encodes canonical chunks as Gemini SSE events.
func (h *ProxyHandler) streamGemini(c *gin.Context, outcome *application.Outcome) {
	setSSEHeaders(c)
	if outcome.Cancel != nil {
		defer outcome.Cancel()
	}

	decoder := &translation.SSEDecoder{}
	for raw := range outcome.Stream {
		for _, payload := range decoder.Feed(raw) {
			if payload == "[DONE]" {
				continue
			}
			var chunk entity.StreamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			event := geminiEventFor(&chunk)
			if event == nil {
				continue
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := c.Writer.Write(translation.EncodeSSE(data)); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

// geminiEventFor converts one canonical chunk to a streamGenerateContent
// event, or nil when the chunk carries nothing renderable.
func geminiEventFor(chunk *entity.StreamChunk) map[string]interface{} {
	for _, choice := range chunk.Choices {
		var parts []map[string]interface{}
		if choice.Delta.Content != nil && *choice.Delta.Content != "" {
			parts = append(parts, map[string]interface{}{"text": *choice.Delta.Content})
		}
		for _, call := range choice.Delta.ToolCalls {
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				args = map[string]interface{}{}
			}
			parts = append(parts, map[string]interface{}{
				"functionCall": map[string]interface{}{
					"name": call.Function.Name,
					"args": args,
				},
			})
		}
		if len(parts) == 0 && choice.FinishReason == nil {
			continue
		}
		candidate := map[string]interface{}{
			"content": map[string]interface{}{"role": "model", "parts": parts},
			"index":   choice.Index,
		}
		if choice.FinishReason != nil {
			candidate["finishReason"] = "STOP"
		}
		return map[string]interface{}{"candidates": []interface{}{candidate}}
	}
	return nil
}

// --- OpenAI responses ---

// Responses handles POST /v1/responses.
func (h *ProxyHandler) Responses(c *gin.Context) {
	var wire translation.ResponsesWireRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&wire); err != nil {
		h.writeError(c, apperrors.NewInvalidRequestError("malformed JSON body: "+err.Error(), ""))
		return
	}
	req, err := translation.FromResponsesRequest(&wire)
	if err != nil {
		h.writeError(c, err)
		return
	}

	sessionID := resolveSessionID(c, wire.SessionID)
	outcome, err := h.pipeline.Handle(c.Request.Context(), sessionID, req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if outcome.IsStreaming() {
		h.streamRaw(c, outcome)
		return
	}
	c.JSON(http.StatusOK, translation.ToResponsesResponse(outcome.Response))
}

// --- Model listing ---

type modelEntry struct {
	ID            string `json:"id"`
	Object        string `json:"object"`
	Created       int64  `json:"created"`
	OwnedBy       string `json:"owned_by"`
	ContextWindow int    `json:"context_window,omitempty"`
}

// ListModels handles GET /v1/models, aggregating every registered
// backend's cached model list under "backend:model" ids.
func (h *ProxyHandler) ListModels(c *gin.Context) {
	created := time.Now().Unix()
	var data []modelEntry
	for _, name := range h.backends.RegisteredBackends() {
		conn, ok := h.backends.Get(name)
		if !ok {
			continue
		}
		for _, model := range conn.AvailableModels(c.Request.Context()) {
			entry := modelEntry{
				ID:      name + ":" + model,
				Object:  "model",
				Created: created,
				OwnedBy: name,
			}
			if caps, ok := connector.CapabilitiesFor(model); ok {
				entry.ContextWindow = caps.ContextWindow
			}
			data = append(data, entry)
		}
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}
