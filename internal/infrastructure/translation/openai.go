package translation

import (
	"encoding/json"
	"strings"

	"github.com/llmrelay/relay/internal/domain/entity"
	apperrors "github.com/llmrelay/relay/pkg/errors"
)

// --- OpenAI chat completions wire format ---
// The canonical model is OpenAI-shaped, so this direction is an identity
// transform modulo extra_body merging and the string-or-parts content
// polymorphism at the edge.

// OpenAIWireMessage accepts OpenAI's polymorphic content field.
type OpenAIWireMessage struct {
	Role       string            `json:"role"`
	Content    json.RawMessage   `json:"content,omitempty"`
	Name       string            `json:"name,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolCalls  []entity.ToolCall `json:"tool_calls,omitempty"`
}

// OpenAIWireRequest mirrors the POST /v1/chat/completions body.
type OpenAIWireRequest struct {
	Model           string                  `json:"model"`
	Messages        []OpenAIWireMessage     `json:"messages"`
	Temperature     *float64                `json:"temperature,omitempty"`
	TopP            *float64                `json:"top_p,omitempty"`
	TopK            *int                    `json:"top_k,omitempty"`
	MaxTokens       int                     `json:"max_tokens,omitempty"`
	Seed            *int                    `json:"seed,omitempty"`
	Stream          bool                    `json:"stream,omitempty"`
	Stop            json.RawMessage         `json:"stop,omitempty"`
	ReasoningEffort string                  `json:"reasoning_effort,omitempty"`
	ThinkingBudget  int                     `json:"thinking_budget,omitempty"`
	Tools           []entity.ToolDefinition `json:"tools,omitempty"`
	ToolChoice      interface{}             `json:"tool_choice,omitempty"`
	SessionID       string                  `json:"session_id,omitempty"`
	User            string                  `json:"user,omitempty"`
	ExtraBody       map[string]interface{}  `json:"extra_body,omitempty"`
}

// openaiWirePart is one element of a multi-part content array.
type openaiWirePart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
	InputAudio *struct {
		Data   string `json:"data"`
		Format string `json:"format"`
	} `json:"input_audio,omitempty"`
}

// FromOpenAIRequest converts an inbound OpenAI request to the canonical
// chat request.
func FromOpenAIRequest(wire *OpenAIWireRequest) (*entity.ChatRequest, error) {
	if len(wire.Messages) == 0 {
		return nil, apperrors.NewInvalidRequestError("messages array must not be empty", "messages")
	}

	req := &entity.ChatRequest{
		Model:           wire.Model,
		Temperature:     wire.Temperature,
		TopP:            wire.TopP,
		TopK:            wire.TopK,
		MaxTokens:       wire.MaxTokens,
		Seed:            wire.Seed,
		Stream:          wire.Stream,
		Stop:            decodeStop(wire.Stop),
		ReasoningEffort: wire.ReasoningEffort,
		ThinkingBudget:  wire.ThinkingBudget,
		Tools:           wire.Tools,
		ToolChoice:      wire.ToolChoice,
		ExtraBody:       wire.ExtraBody,
	}

	for _, wm := range wire.Messages {
		msg := entity.ChatMessage{
			Role:       wm.Role,
			Name:       wm.Name,
			ToolCallID: wm.ToolCallID,
			ToolCalls:  wm.ToolCalls,
		}
		if len(wm.Content) > 0 {
			content, parts, err := decodeContent(wm.Content)
			if err != nil {
				return nil, apperrors.NewInvalidRequestError("malformed message content", "messages")
			}
			msg.Content = content
			msg.Parts = parts
		}
		req.Messages = append(req.Messages, msg)
	}
	return req, nil
}

// decodeContent handles OpenAI's string-or-array content polymorphism.
func decodeContent(raw json.RawMessage) (string, []entity.ContentPart, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil, nil
	}

	var wireParts []openaiWirePart
	if err := json.Unmarshal(raw, &wireParts); err != nil {
		return "", nil, err
	}
	parts := make([]entity.ContentPart, 0, len(wireParts))
	for _, wp := range wireParts {
		switch wp.Type {
		case "text":
			parts = append(parts, entity.ContentPart{Type: entity.PartText, Text: wp.Text})
		case "image_url":
			if wp.ImageURL != nil {
				parts = append(parts, entity.ContentPart{
					Type:     entity.PartImage,
					MediaURL: wp.ImageURL.URL,
					MimeType: mimeFromDataURL(wp.ImageURL.URL),
				})
			}
		case "input_audio":
			if wp.InputAudio != nil {
				parts = append(parts, entity.ContentPart{
					Type:     entity.PartAudio,
					Data:     wp.InputAudio.Data,
					MimeType: "audio/" + wp.InputAudio.Format,
				})
			}
		default:
			// Unknown part types pass through as text so nothing is lost.
			parts = append(parts, entity.ContentPart{Type: entity.PartText, Text: wp.Text})
		}
	}
	return "", parts, nil
}

func decodeStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

// ToOpenAIPayload builds the upstream JSON body for an OpenAI-compatible
// backend. ExtraBody entries are merged last; reserved "_"-prefixed keys
// carry internal state and never leave the proxy.
func ToOpenAIPayload(req *entity.ChatRequest, effectiveModel string) map[string]interface{} {
	payload := map[string]interface{}{
		"model":    effectiveModel,
		"messages": encodeOpenAIMessages(req.Messages),
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Seed != nil {
		payload["seed"] = *req.Seed
	}
	if len(req.Stop) > 0 {
		payload["stop"] = req.Stop
	}
	if req.ReasoningEffort != "" {
		payload["reasoning_effort"] = req.ReasoningEffort
	}
	if len(req.Tools) > 0 {
		payload["tools"] = req.Tools
	}
	if req.ToolChoice != nil {
		payload["tool_choice"] = req.ToolChoice
	}
	if req.Stream {
		payload["stream"] = true
	}
	for k, v := range req.ExtraBody {
		if strings.HasPrefix(k, "_") {
			continue
		}
		payload[k] = v
	}
	return payload
}

// encodeOpenAIMessages renders canonical messages in OpenAI wire shape.
func encodeOpenAIMessages(messages []entity.ChatMessage) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(messages))
	for _, m := range messages {
		wm := map[string]interface{}{"role": m.Role}
		if len(m.Parts) > 0 {
			parts := make([]map[string]interface{}, 0, len(m.Parts))
			for _, p := range m.Parts {
				switch p.Type {
				case entity.PartText:
					parts = append(parts, map[string]interface{}{"type": "text", "text": p.Text})
				case entity.PartImage:
					parts = append(parts, map[string]interface{}{
						"type":      "image_url",
						"image_url": map[string]interface{}{"url": p.MediaURL},
					})
				default:
					parts = append(parts, map[string]interface{}{"type": "text", "text": p.Text})
				}
			}
			wm["content"] = parts
		} else {
			wm["content"] = m.Content
		}
		if m.Name != "" {
			wm["name"] = m.Name
		}
		if m.ToolCallID != "" {
			wm["tool_call_id"] = m.ToolCallID
		}
		if len(m.ToolCalls) > 0 {
			wm["tool_calls"] = m.ToolCalls
		}
		out = append(out, wm)
	}
	return out
}

// ParseOpenAIResponse decodes an upstream OpenAI response body into the
// canonical response.
func ParseOpenAIResponse(body []byte) (*entity.ChatResponse, error) {
	var resp entity.ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.NewBackendError("unparseable upstream response", 0)
	}
	return &resp, nil
}

func mimeFromDataURL(url string) string {
	if !strings.HasPrefix(url, "data:") {
		return ""
	}
	rest := url[len("data:"):]
	if idx := strings.IndexAny(rest, ";,"); idx >= 0 {
		return rest[:idx]
	}
	return ""
}
