package translation

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/llmrelay/relay/internal/domain/entity"
	apperrors "github.com/llmrelay/relay/pkg/errors"
)

// --- Gemini generateContent wire format ---

// GeminiPart is one part of a Gemini content entry.
type GeminiPart struct {
	Text             string                  `json:"text,omitempty"`
	InlineData       *GeminiBlob             `json:"inlineData,omitempty"`
	FileData         *GeminiFileData         `json:"fileData,omitempty"`
	FunctionCall     *GeminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *GeminiFunctionResponse `json:"functionResponse,omitempty"`
}

type GeminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type GeminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type GeminiFunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

type GeminiFunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

// GeminiContent is one turn of a Gemini conversation.
type GeminiContent struct {
	Role  string       `json:"role,omitempty"` // "user" or "model"
	Parts []GeminiPart `json:"parts"`
}

// GeminiWireRequest mirrors the :generateContent body.
type GeminiWireRequest struct {
	Contents          []GeminiContent        `json:"contents"`
	SystemInstruction *GeminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  map[string]interface{} `json:"generationConfig,omitempty"`
	Tools             []geminiWireTool       `json:"tools,omitempty"`
}

type geminiWireTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations,omitempty"`
}

type geminiFunctionDecl struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// NormalizeGeminiModel strips routing prefixes so the upstream path
// segment carries a bare model id. "gemini:gemini-2.0-flash",
// "models/gemini-2.0-flash" and "gemini/gemini-2.0-flash" all normalize
// to "gemini-2.0-flash". Any slash left after prefix stripping keeps
// the trailing segment only, so "tunedModels/my-model" becomes
// "my-model".
func NormalizeGeminiModel(model string) string {
	for _, prefix := range []string{"gemini:", "models/", "gemini/"} {
		if strings.HasPrefix(model, prefix) {
			model = model[len(prefix):]
		}
	}
	if i := strings.LastIndexByte(model, '/'); i >= 0 {
		model = model[i+1:]
	}
	return model
}

// FromGeminiRequest converts an inbound :generateContent request to the
// canonical chat request.
func FromGeminiRequest(wire *GeminiWireRequest, model string, stream bool) (*entity.ChatRequest, error) {
	if len(wire.Contents) == 0 {
		return nil, apperrors.NewInvalidRequestError("contents array must not be empty", "contents")
	}

	req := &entity.ChatRequest{
		Model:  model,
		Stream: stream,
	}

	if wire.SystemInstruction != nil {
		var texts []string
		for _, p := range wire.SystemInstruction.Parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		if len(texts) > 0 {
			req.Messages = append(req.Messages, entity.ChatMessage{
				Role:    entity.RoleSystem,
				Content: strings.Join(texts, "\n"),
			})
		}
	}

	for _, content := range wire.Contents {
		req.Messages = append(req.Messages, decodeGeminiContent(content)...)
	}

	if gc := wire.GenerationConfig; gc != nil {
		if v, ok := floatValue(gc["temperature"]); ok {
			req.Temperature = &v
		}
		if v, ok := floatValue(gc["topP"]); ok {
			req.TopP = &v
		}
		if v, ok := floatValue(gc["maxOutputTokens"]); ok {
			req.MaxTokens = int(v)
		}
	}

	for _, tool := range wire.Tools {
		for _, decl := range tool.FunctionDeclarations {
			req.Tools = append(req.Tools, entity.ToolDefinition{
				Type: "function",
				Function: entity.ToolFunctionSpec{
					Name:        decl.Name,
					Description: decl.Description,
					Parameters:  decl.Parameters,
				},
			})
		}
	}
	return req, nil
}

func decodeGeminiContent(content GeminiContent) []entity.ChatMessage {
	role := entity.RoleUser
	if content.Role == "model" {
		role = entity.RoleAssistant
	}

	var out []entity.ChatMessage
	msg := entity.ChatMessage{Role: role}
	var parts []entity.ContentPart
	callIndex := 0

	for _, p := range content.Parts {
		switch {
		case p.FunctionResponse != nil:
			body, err := json.Marshal(p.FunctionResponse.Response)
			if err != nil {
				body = []byte("{}")
			}
			out = append(out, entity.ChatMessage{
				Role:       entity.RoleTool,
				Name:       p.FunctionResponse.Name,
				ToolCallID: SynthesizeToolCallID(len(out)),
				Content:    string(body),
			})
		case p.FunctionCall != nil:
			args, err := json.Marshal(p.FunctionCall.Args)
			if err != nil {
				args = []byte("{}")
			}
			msg.ToolCalls = append(msg.ToolCalls, entity.ToolCall{
				ID:   SynthesizeToolCallID(callIndex),
				Type: "function",
				Function: entity.ToolCallFunction{
					Name:      p.FunctionCall.Name,
					Arguments: string(args),
				},
			})
			callIndex++
		case p.InlineData != nil:
			parts = append(parts, entity.ContentPart{
				Type:     partTypeForMime(p.InlineData.MimeType),
				Data:     p.InlineData.Data,
				MimeType: p.InlineData.MimeType,
			})
		case p.FileData != nil:
			parts = append(parts, entity.ContentPart{
				Type:     partTypeForMime(p.FileData.MimeType),
				MediaURL: p.FileData.FileURI,
				MimeType: p.FileData.MimeType,
			})
		default:
			parts = append(parts, entity.ContentPart{Type: entity.PartText, Text: p.Text})
		}
	}

	if len(parts) == 1 && parts[0].Type == entity.PartText {
		msg.Content = parts[0].Text
	} else if len(parts) > 0 {
		msg.Parts = parts
	}
	if msg.Content != "" || len(msg.Parts) > 0 || len(msg.ToolCalls) > 0 {
		out = append(out, msg)
	}
	return out
}

func partTypeForMime(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return entity.PartImage
	case strings.HasPrefix(mime, "audio/"):
		return entity.PartAudio
	case strings.HasPrefix(mime, "video/"):
		return entity.PartVideo
	default:
		return entity.PartFile
	}
}

// ToGeminiPayload builds the upstream :generateContent body. System
// messages are dropped with a warning since the targeted endpoints do
// not honor them consistently. Temperature is clamped to Gemini's [0,1]
// range. A generationConfig override in extra_body merges key-by-key
// over the derived config.
func ToGeminiPayload(req *entity.ChatRequest, logger *zap.Logger) map[string]interface{} {
	var contents []map[string]interface{}

	for _, m := range req.Messages {
		switch m.Role {
		case entity.RoleSystem:
			logger.Warn("Dropping system message for Gemini backend",
				zap.Int("length", len(m.TextContent())),
			)
		case entity.RoleTool, entity.RoleFunction:
			contents = append(contents, map[string]interface{}{
				"role": "user",
				"parts": []map[string]interface{}{{
					"functionResponse": map[string]interface{}{
						"name":     m.Name,
						"response": decodeJSONObject(m.Content),
					},
				}},
			})
		case entity.RoleAssistant:
			parts := encodeGeminiParts(m)
			for _, tc := range m.ToolCalls {
				parts = append(parts, map[string]interface{}{
					"functionCall": map[string]interface{}{
						"name": tc.Function.Name,
						"args": decodeJSONObject(tc.Function.Arguments),
					},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, map[string]interface{}{"role": "model", "parts": parts})
			}
		default:
			parts := encodeGeminiParts(m)
			if len(parts) > 0 {
				contents = append(contents, map[string]interface{}{"role": "user", "parts": parts})
			}
		}
	}

	payload := map[string]interface{}{"contents": contents}

	generation := map[string]interface{}{}
	if req.Temperature != nil {
		t := *req.Temperature
		if t > 1 {
			logger.Warn("Clamping temperature for Gemini backend",
				zap.Float64("requested", t),
			)
			t = 1
		}
		if t < 0 {
			t = 0
		}
		generation["temperature"] = t
	}
	if req.TopP != nil {
		generation["topP"] = *req.TopP
	}
	if req.TopK != nil {
		generation["topK"] = *req.TopK
	}
	if req.MaxTokens > 0 {
		generation["maxOutputTokens"] = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		generation["stopSequences"] = req.Stop
	}
	if override, ok := req.ExtraBody["generationConfig"].(map[string]interface{}); ok {
		for k, v := range override {
			generation[k] = v
		}
	}
	if len(generation) > 0 {
		payload["generationConfig"] = generation
	}

	if len(req.Tools) > 0 {
		var decls []map[string]interface{}
		for _, t := range req.Tools {
			decls = append(decls, map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  t.Function.Parameters,
			})
		}
		payload["tools"] = []map[string]interface{}{{"functionDeclarations": decls}}
	}
	return payload
}

func encodeGeminiParts(m entity.ChatMessage) []map[string]interface{} {
	var parts []map[string]interface{}
	if len(m.Parts) == 0 {
		if m.Content != "" {
			parts = append(parts, map[string]interface{}{"text": m.Content})
		}
		return parts
	}
	for _, p := range m.Parts {
		switch p.Type {
		case entity.PartText:
			parts = append(parts, map[string]interface{}{"text": p.Text})
		case entity.PartImage, entity.PartAudio, entity.PartVideo, entity.PartFile:
			if p.Data != "" {
				parts = append(parts, map[string]interface{}{
					"inlineData": map[string]interface{}{
						"mimeType": p.MimeType,
						"data":     p.Data,
					},
				})
			} else if strings.HasPrefix(p.MediaURL, "data:") {
				mime, data := splitDataURL(p.MediaURL)
				parts = append(parts, map[string]interface{}{
					"inlineData": map[string]interface{}{
						"mimeType": mime,
						"data":     data,
					},
				})
			} else if p.MediaURL != "" {
				parts = append(parts, map[string]interface{}{
					"fileData": map[string]interface{}{
						"mimeType": p.MimeType,
						"fileUri":  p.MediaURL,
					},
				})
			}
		}
	}
	return parts
}

func splitDataURL(url string) (mime, data string) {
	rest := strings.TrimPrefix(url, "data:")
	comma := strings.Index(rest, ",")
	if comma < 0 {
		return "", rest
	}
	meta := rest[:comma]
	data = rest[comma+1:]
	mime = strings.TrimSuffix(meta, ";base64")
	return mime, data
}

func decodeJSONObject(s string) map[string]interface{} {
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil || m == nil {
		return map[string]interface{}{"content": s}
	}
	return m
}

func floatValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// --- Gemini responses ---

// geminiWireResponse mirrors the :generateContent response body.
type geminiWireResponse struct {
	Candidates []struct {
		Content      GeminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
		Index        int           `json:"index"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

// ParseGeminiResponse decodes an upstream Gemini response into the
// canonical response. Function calls receive synthesized call_N ids.
func ParseGeminiResponse(body []byte, model, id string, created int64) (*entity.ChatResponse, error) {
	var wire geminiWireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, apperrors.NewBackendError("unparseable upstream response", 0)
	}

	resp := &entity.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
	}
	for i, cand := range wire.Candidates {
		msg := entity.ChatMessage{Role: entity.RoleAssistant}
		var texts []string
		callIndex := 0
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				args, err := json.Marshal(p.FunctionCall.Args)
				if err != nil {
					args = []byte("{}")
				}
				msg.ToolCalls = append(msg.ToolCalls, entity.ToolCall{
					ID:   SynthesizeToolCallID(callIndex),
					Type: "function",
					Function: entity.ToolCallFunction{
						Name:      p.FunctionCall.Name,
						Arguments: string(args),
					},
				})
				callIndex++
			case p.Text != "":
				texts = append(texts, p.Text)
			}
		}
		msg.Content = strings.Join(texts, "")
		resp.Choices = append(resp.Choices, entity.Choice{
			Index:        i,
			Message:      msg,
			FinishReason: geminiFinishToOpenAI(cand.FinishReason, len(msg.ToolCalls) > 0),
		})
	}
	if wire.UsageMetadata != nil {
		resp.Usage = &entity.Usage{
			PromptTokens:     wire.UsageMetadata.PromptTokenCount,
			CompletionTokens: wire.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      wire.UsageMetadata.TotalTokenCount,
		}
	}
	return resp, nil
}

func geminiFinishToOpenAI(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}

// ToGeminiResponse renders a canonical response in Gemini wire shape for
// callers that spoke :generateContent inbound.
func ToGeminiResponse(resp *entity.ChatResponse) map[string]interface{} {
	var candidates []map[string]interface{}
	for _, choice := range resp.Choices {
		var parts []map[string]interface{}
		if text := choice.Message.TextContent(); text != "" {
			parts = append(parts, map[string]interface{}{"text": text})
		}
		for _, tc := range choice.Message.ToolCalls {
			parts = append(parts, map[string]interface{}{
				"functionCall": map[string]interface{}{
					"name": tc.Function.Name,
					"args": decodeJSONObject(tc.Function.Arguments),
				},
			})
		}
		candidates = append(candidates, map[string]interface{}{
			"content":      map[string]interface{}{"role": "model", "parts": parts},
			"finishReason": openAIFinishToGemini(choice.FinishReason),
			"index":        choice.Index,
		})
	}

	out := map[string]interface{}{
		"candidates":   candidates,
		"modelVersion": resp.Model,
	}
	if resp.Usage != nil {
		out["usageMetadata"] = map[string]interface{}{
			"promptTokenCount":     resp.Usage.PromptTokens,
			"candidatesTokenCount": resp.Usage.CompletionTokens,
			"totalTokenCount":      resp.Usage.TotalTokens,
		}
	}
	return out
}

func openAIFinishToGemini(reason string) string {
	switch reason {
	case "length":
		return "MAX_TOKENS"
	case "content_filter":
		return "SAFETY"
	default:
		return "STOP"
	}
}
