package translation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/llmrelay/relay/internal/domain/entity"
	apperrors "github.com/llmrelay/relay/pkg/errors"
)

// --- Anthropic messages wire format ---

// AnthropicWireRequest mirrors the POST /v1/messages body.
type AnthropicWireRequest struct {
	Model         string                 `json:"model"`
	System        json.RawMessage        `json:"system,omitempty"`
	Messages      []anthropicWireMessage `json:"messages"`
	MaxTokens     int                    `json:"max_tokens,omitempty"`
	Temperature   *float64               `json:"temperature,omitempty"`
	TopP          *float64               `json:"top_p,omitempty"`
	TopK          *int                   `json:"top_k,omitempty"`
	Stream        bool                   `json:"stream,omitempty"`
	StopSequences []string               `json:"stop_sequences,omitempty"`
	Tools         []anthropicTool        `json:"tools,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

type anthropicWireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

type anthropicBlock struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   json.RawMessage        `json:"content,omitempty"`
	Source    *anthropicImageSource  `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// FromAnthropicRequest converts an inbound Anthropic request to the
// canonical chat request. The top-level system field becomes a leading
// system message; tool_use and tool_result blocks map onto tool calls
// and tool messages.
func FromAnthropicRequest(wire *AnthropicWireRequest) (*entity.ChatRequest, error) {
	if len(wire.Messages) == 0 {
		return nil, apperrors.NewInvalidRequestError("messages array must not be empty", "messages")
	}

	req := &entity.ChatRequest{
		Model:       wire.Model,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		TopK:        wire.TopK,
		MaxTokens:   wire.MaxTokens,
		Stream:      wire.Stream,
		Stop:        wire.StopSequences,
	}

	if sys := decodeAnthropicSystem(wire.System); sys != "" {
		req.Messages = append(req.Messages, entity.ChatMessage{Role: entity.RoleSystem, Content: sys})
	}

	for _, tool := range wire.Tools {
		req.Tools = append(req.Tools, entity.ToolDefinition{
			Type: "function",
			Function: entity.ToolFunctionSpec{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	for _, wm := range wire.Messages {
		msgs, err := decodeAnthropicMessage(wm)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msgs...)
	}
	return req, nil
}

// decodeAnthropicSystem accepts both the string form and the block-array
// form of the system field.
func decodeAnthropicSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropicBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// decodeAnthropicMessage flattens one wire message into canonical
// messages. A user message holding tool_result blocks expands into one
// tool message per result.
func decodeAnthropicMessage(wm anthropicWireMessage) ([]entity.ChatMessage, error) {
	var s string
	if err := json.Unmarshal(wm.Content, &s); err == nil {
		return []entity.ChatMessage{{Role: wm.Role, Content: s}}, nil
	}

	var blocks []anthropicBlock
	if err := json.Unmarshal(wm.Content, &blocks); err != nil {
		return nil, apperrors.NewInvalidRequestError("malformed message content", "messages")
	}

	var out []entity.ChatMessage
	current := entity.ChatMessage{Role: wm.Role}
	var textParts []entity.ContentPart
	hasContent := false

	flush := func() {
		if !hasContent {
			return
		}
		if len(textParts) == 1 && textParts[0].Type == entity.PartText {
			current.Content = textParts[0].Text
		} else if len(textParts) > 0 {
			current.Parts = textParts
		}
		out = append(out, current)
		current = entity.ChatMessage{Role: wm.Role}
		textParts = nil
		hasContent = false
	}

	for _, b := range blocks {
		switch b.Type {
		case "text":
			textParts = append(textParts, entity.ContentPart{Type: entity.PartText, Text: b.Text})
			hasContent = true
		case "image":
			part := entity.ContentPart{Type: entity.PartImage}
			if b.Source != nil {
				switch b.Source.Type {
				case "base64":
					part.Data = b.Source.Data
					part.MimeType = b.Source.MediaType
				case "url":
					part.MediaURL = b.Source.URL
				}
			}
			textParts = append(textParts, part)
			hasContent = true
		case "tool_use":
			args, err := json.Marshal(b.Input)
			if err != nil {
				args = []byte("{}")
			}
			current.ToolCalls = append(current.ToolCalls, entity.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: entity.ToolCallFunction{
					Name:      b.Name,
					Arguments: string(args),
				},
			})
			hasContent = true
		case "tool_result":
			flush()
			out = append(out, entity.ChatMessage{
				Role:       entity.RoleTool,
				ToolCallID: b.ToolUseID,
				Content:    decodeToolResultContent(b.Content),
			})
		}
	}
	flush()
	return out, nil
}

func decodeToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropicBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return string(raw)
}

// ToAnthropicPayload builds the upstream JSON body for an Anthropic
// backend. System messages move into the top-level system field;
// canonical tool calls become tool_use blocks and tool messages become
// tool_result blocks. top_k and top_p ride in extra_body per the
// Anthropic beta conventions this proxy targets.
func ToAnthropicPayload(req *entity.ChatRequest, effectiveModel string) map[string]interface{} {
	var systemTexts []string
	var messages []map[string]interface{}

	for _, m := range req.Messages {
		switch m.Role {
		case entity.RoleSystem:
			systemTexts = append(systemTexts, m.TextContent())
		case entity.RoleTool:
			messages = append(messages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Content,
				}},
			})
		case entity.RoleAssistant:
			if len(m.ToolCalls) > 0 {
				var blocks []map[string]interface{}
				if text := m.TextContent(); text != "" {
					blocks = append(blocks, map[string]interface{}{"type": "text", "text": text})
				}
				for _, tc := range m.ToolCalls {
					var input map[string]interface{}
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
						input = map[string]interface{}{}
					}
					blocks = append(blocks, map[string]interface{}{
						"type":  "tool_use",
						"id":    tc.ID,
						"name":  tc.Function.Name,
						"input": input,
					})
				}
				messages = append(messages, map[string]interface{}{"role": "assistant", "content": blocks})
				continue
			}
			messages = append(messages, map[string]interface{}{"role": "assistant", "content": encodeAnthropicContent(m)})
		default:
			messages = append(messages, map[string]interface{}{"role": "user", "content": encodeAnthropicContent(m)})
		}
	}

	payload := map[string]interface{}{
		"model":    effectiveModel,
		"messages": messages,
	}
	if len(systemTexts) > 0 {
		payload["system"] = strings.Join(systemTexts, "\n")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	payload["max_tokens"] = maxTokens
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if len(req.Stop) > 0 {
		payload["stop_sequences"] = req.Stop
	}
	if req.Stream {
		payload["stream"] = true
	}
	if len(req.Tools) > 0 {
		var tools []map[string]interface{}
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": t.Function.Parameters,
			})
		}
		payload["tools"] = tools
	}
	// Sampling extras Anthropic does not accept at the top level for all
	// model families travel through extra_body alongside caller extras.
	extra := map[string]interface{}{}
	if req.TopP != nil {
		extra["top_p"] = *req.TopP
	}
	if req.TopK != nil {
		extra["top_k"] = *req.TopK
	}
	for k, v := range req.ExtraBody {
		if strings.HasPrefix(k, "_") {
			continue
		}
		extra[k] = v
	}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}

const defaultAnthropicMaxTokens = 4096

// anthropicWireResponse mirrors the Anthropic messages response body.
type anthropicWireResponse struct {
	ID         string           `json:"id"`
	Model      string           `json:"model"`
	Role       string           `json:"role"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ParseAnthropicResponse decodes an upstream Anthropic response into the
// canonical response. Text blocks collapse into one content string and
// tool_use blocks become tool calls.
func ParseAnthropicResponse(body []byte, created int64) (*entity.ChatResponse, error) {
	var wire anthropicWireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, apperrors.NewBackendError("unparseable upstream response", 0)
	}

	msg := entity.ChatMessage{Role: entity.RoleAssistant}
	var texts []string
	for _, b := range wire.Content {
		switch b.Type {
		case "text":
			texts = append(texts, b.Text)
		case "tool_use":
			args, err := json.Marshal(b.Input)
			if err != nil {
				args = []byte("{}")
			}
			msg.ToolCalls = append(msg.ToolCalls, entity.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: entity.ToolCallFunction{
					Name:      b.Name,
					Arguments: string(args),
				},
			})
		}
	}
	msg.Content = strings.Join(texts, "")

	resp := &entity.ChatResponse{
		ID:      wire.ID,
		Object:  "chat.completion",
		Created: created,
		Model:   wire.Model,
		Choices: []entity.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: anthropicStopToFinish(wire.StopReason, len(msg.ToolCalls) > 0),
		}},
	}
	if wire.Usage != nil {
		resp.Usage = &entity.Usage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		}
	}
	return resp, nil
}

func anthropicStopToFinish(stop string, hasToolCalls bool) string {
	switch stop {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	case "end_turn", "stop_sequence", "":
		if hasToolCalls {
			return "tool_calls"
		}
		return "stop"
	default:
		return "stop"
	}
}

// ToAnthropicResponse renders a canonical response in Anthropic wire
// shape for callers that spoke the messages dialect inbound.
func ToAnthropicResponse(resp *entity.ChatResponse) map[string]interface{} {
	msg := resp.FirstMessage()

	var blocks []map[string]interface{}
	if msg != nil {
		if text := msg.TextContent(); text != "" {
			blocks = append(blocks, map[string]interface{}{"type": "text", "text": text})
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				input = map[string]interface{}{}
			}
			blocks = append(blocks, map[string]interface{}{
				"type":  "tool_use",
				"id":    tc.ID,
				"name":  tc.Function.Name,
				"input": input,
			})
		}
	}
	if blocks == nil {
		blocks = []map[string]interface{}{}
	}

	stopReason := "end_turn"
	if len(resp.Choices) > 0 {
		switch resp.Choices[0].FinishReason {
		case "tool_calls":
			stopReason = "tool_use"
		case "length":
			stopReason = "max_tokens"
		}
	}

	out := map[string]interface{}{
		"id":          resp.ID,
		"type":        "message",
		"role":        "assistant",
		"model":       resp.Model,
		"content":     blocks,
		"stop_reason": stopReason,
	}
	if resp.Usage != nil {
		out["usage"] = map[string]interface{}{
			"input_tokens":  resp.Usage.PromptTokens,
			"output_tokens": resp.Usage.CompletionTokens,
		}
	}
	return out
}

// SynthesizeToolCallID produces deterministic ids for providers that do
// not assign them natively.
func SynthesizeToolCallID(index int) string {
	return fmt.Sprintf("call_%d", index)
}
