package entity

import "strings"

// Message roles accepted by the canonical chat model.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleFunction  = "function"
)

// Content part variants. Translation dispatches on Type.
const (
	PartText  = "text"
	PartImage = "image"
	PartAudio = "audio"
	PartVideo = "video"
	PartFile  = "file"
)

// ContentPart is one element of a multi-part message body.
// Exactly one of Text / MediaURL / Data is meaningful per variant.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MediaURL string `json:"media_url,omitempty"` // remote URL or data: URL
	Data     string `json:"data,omitempty"`      // raw base64 payload
	MimeType string `json:"mime_type,omitempty"`
}

// ToolCallFunction carries the function name and its JSON-text arguments.
// Arguments stay a string by contract; they are repaired lazily before
// dispatch and never mutated in place.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a structured request produced by a model to invoke a tool.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"` // always "function"
	Function ToolCallFunction `json:"function"`
}

// ToolFunctionSpec describes a callable function exposed to the model.
type ToolFunctionSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolDefinition is an entry of the request tools list.
type ToolDefinition struct {
	Type     string           `json:"type"` // always "function"
	Function ToolFunctionSpec `json:"function"`
}

// ChatMessage is the single canonical message type. Inbound adapters
// convert provider formats at the edge; everything downstream sees this.
type ChatMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"` // set when content is multi-part
	Name       string        `json:"name,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
}

// TextContent flattens the message body to plain text.
// Multi-part messages contribute their text parts in order.
func (m *ChatMessage) TextContent() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ChatRequest is the canonical chat-completion request. Pointer fields
// distinguish "absent" from zero values so translation can omit them.
type ChatRequest struct {
	Model           string                 `json:"model"`
	Messages        []ChatMessage          `json:"messages"`
	Temperature     *float64               `json:"temperature,omitempty"` // [0,2]
	TopP            *float64               `json:"top_p,omitempty"`       // [0,1]
	TopK            *int                   `json:"top_k,omitempty"`
	MaxTokens       int                    `json:"max_tokens,omitempty"`
	Seed            *int                   `json:"seed,omitempty"`
	Stream          bool                   `json:"stream,omitempty"`
	Stop            []string               `json:"stop,omitempty"`
	ReasoningEffort string                 `json:"reasoning_effort,omitempty"`
	ThinkingBudget  int                    `json:"thinking_budget,omitempty"`
	Tools           []ToolDefinition       `json:"tools,omitempty"`
	ToolChoice      interface{}            `json:"tool_choice,omitempty"`
	ExtraBody       map[string]interface{} `json:"extra_body,omitempty"`
}

// SplitModel splits a "backend:model" or "backend/model" identifier.
// Returns empty backend when the model carries no prefix.
func SplitModel(model string) (backend, name string) {
	if idx := strings.Index(model, ":"); idx >= 0 {
		return model[:idx], model[idx+1:]
	}
	if idx := strings.Index(model, "/"); idx >= 0 {
		return model[:idx], model[idx+1:]
	}
	return "", model
}

// Clone returns a deep copy safe for middleware mutation.
func (r *ChatRequest) Clone() *ChatRequest {
	out := *r
	out.Messages = make([]ChatMessage, len(r.Messages))
	for i, m := range r.Messages {
		cm := m
		if m.Parts != nil {
			cm.Parts = append([]ContentPart(nil), m.Parts...)
		}
		if m.ToolCalls != nil {
			cm.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
		}
		out.Messages[i] = cm
	}
	if r.Stop != nil {
		out.Stop = append([]string(nil), r.Stop...)
	}
	if r.Tools != nil {
		out.Tools = append([]ToolDefinition(nil), r.Tools...)
	}
	if r.ExtraBody != nil {
		out.ExtraBody = make(map[string]interface{}, len(r.ExtraBody))
		for k, v := range r.ExtraBody {
			out.ExtraBody[k] = v
		}
	}
	return &out
}

// SetExtra records a key in ExtraBody, allocating the map on first use.
func (r *ChatRequest) SetExtra(key string, value interface{}) {
	if r.ExtraBody == nil {
		r.ExtraBody = make(map[string]interface{})
	}
	r.ExtraBody[key] = value
}

// LastUserText returns the text of the most recent user message.
func (r *ChatRequest) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].TextContent()
		}
	}
	return ""
}

// Usage reports token consumption for a completed request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion alternative in a canonical response.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatResponse is the canonical (OpenAI-shaped) chat-completion response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"` // "chat.completion"
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// FirstMessage returns the first choice's message, or nil.
func (r *ChatResponse) FirstMessage() *ChatMessage {
	if len(r.Choices) == 0 {
		return nil
	}
	return &r.Choices[0].Message
}

// HasToolCalls reports whether any choice carries tool calls.
func (r *ChatResponse) HasToolCalls() bool {
	for i := range r.Choices {
		if len(r.Choices[i].Message.ToolCalls) > 0 {
			return true
		}
	}
	return false
}

// --- Streaming chunk shapes (OpenAI chat.completion.chunk) ---

// StreamToolCall is a tool-call fragment inside a streaming delta.
type StreamToolCall struct {
	Index    int              `json:"index"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function ToolCallFunction `json:"function"`
}

// StreamDelta is the incremental payload of a streaming choice.
// Content is a pointer so a tool-call-only delta serializes "content":null.
type StreamDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   *string          `json:"content"`
	ToolCalls []StreamToolCall `json:"tool_calls,omitempty"`
}

// StreamChoice is one choice of a streaming chunk.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason,omitempty"`
}

// StreamChunk is a canonical streaming response chunk.
type StreamChunk struct {
	ID      string         `json:"id,omitempty"`
	Object  string         `json:"object"` // "chat.completion.chunk"
	Created int64          `json:"created,omitempty"`
	Model   string         `json:"model,omitempty"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}
