package translation

import (
	"encoding/json"

	"github.com/llmrelay/relay/internal/domain/entity"
	apperrors "github.com/llmrelay/relay/pkg/errors"
)

// --- OpenAI responses wire format ---
// A thin adapter: the responses dialect reduces onto the canonical chat
// request, and canonical responses render back as a single output item.

// ResponsesWireRequest mirrors the POST /v1/responses body.
type ResponsesWireRequest struct {
	Model           string                  `json:"model"`
	Input           json.RawMessage         `json:"input"`
	Instructions    string                  `json:"instructions,omitempty"`
	Temperature     *float64                `json:"temperature,omitempty"`
	TopP            *float64                `json:"top_p,omitempty"`
	MaxOutputTokens int                     `json:"max_output_tokens,omitempty"`
	Stream          bool                    `json:"stream,omitempty"`
	Tools           []entity.ToolDefinition `json:"tools,omitempty"`
	SessionID       string                  `json:"session_id,omitempty"`
}

type responsesInputItem struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type responsesContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// FromResponsesRequest converts an inbound responses request to the
// canonical chat request. Instructions become a leading system message;
// the polymorphic input field accepts a bare string or an item array.
func FromResponsesRequest(wire *ResponsesWireRequest) (*entity.ChatRequest, error) {
	req := &entity.ChatRequest{
		Model:       wire.Model,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		MaxTokens:   wire.MaxOutputTokens,
		Stream:      wire.Stream,
		Tools:       wire.Tools,
	}

	if wire.Instructions != "" {
		req.Messages = append(req.Messages, entity.ChatMessage{
			Role:    entity.RoleSystem,
			Content: wire.Instructions,
		})
	}

	if len(wire.Input) == 0 {
		return nil, apperrors.NewInvalidRequestError("input must not be empty", "input")
	}

	var text string
	if err := json.Unmarshal(wire.Input, &text); err == nil {
		req.Messages = append(req.Messages, entity.ChatMessage{Role: entity.RoleUser, Content: text})
		return req, nil
	}

	var items []responsesInputItem
	if err := json.Unmarshal(wire.Input, &items); err != nil {
		return nil, apperrors.NewInvalidRequestError("malformed input", "input")
	}
	for _, item := range items {
		role := item.Role
		if role == "" {
			role = entity.RoleUser
		}
		req.Messages = append(req.Messages, entity.ChatMessage{
			Role:    role,
			Content: decodeResponsesContent(item.Content),
		})
	}
	if len(req.Messages) == 0 {
		return nil, apperrors.NewInvalidRequestError("input must not be empty", "input")
	}
	return req, nil
}

func decodeResponsesContent(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []responsesContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var out string
	for _, p := range parts {
		if p.Type == "input_text" || p.Type == "output_text" || p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// ToResponsesResponse renders a canonical response in responses wire
// shape.
func ToResponsesResponse(resp *entity.ChatResponse) map[string]interface{} {
	var output []map[string]interface{}
	if msg := resp.FirstMessage(); msg != nil {
		var content []map[string]interface{}
		if text := msg.TextContent(); text != "" {
			content = append(content, map[string]interface{}{
				"type": "output_text",
				"text": text,
			})
		}
		output = append(output, map[string]interface{}{
			"type":    "message",
			"role":    entity.RoleAssistant,
			"content": content,
		})
		for _, tc := range msg.ToolCalls {
			output = append(output, map[string]interface{}{
				"type":      "function_call",
				"call_id":   tc.ID,
				"name":      tc.Function.Name,
				"arguments": tc.Function.Arguments,
			})
		}
	}

	out := map[string]interface{}{
		"id":         resp.ID,
		"object":     "response",
		"created_at": resp.Created,
		"model":      resp.Model,
		"status":     "completed",
		"output":     output,
	}
	if resp.Usage != nil {
		out["usage"] = map[string]interface{}{
			"input_tokens":  resp.Usage.PromptTokens,
			"output_tokens": resp.Usage.CompletionTokens,
			"total_tokens":  resp.Usage.TotalTokens,
		}
	}
	return out
}
