package translation

import (
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/llmrelay/relay/internal/domain/entity"
)

func floatPtr(v float64) *float64 { return &v }

// --- OpenAI ---

func TestFromOpenAIRequest_StringAndParts(t *testing.T) {
	body := []byte(`{
		"model": "openai:gpt-4",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": [
				{"type": "text", "text": "what is this?"},
				{"type": "image_url", "image_url": {"url": "data:image/png;base64,AAAA"}}
			]}
		]
	}`)
	var wire OpenAIWireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatal(err)
	}
	req, err := FromOpenAIRequest(&wire)
	if err != nil {
		t.Fatal(err)
	}
	if req.Messages[0].Content != "be brief" {
		t.Fatalf("system content mangled: %q", req.Messages[0].Content)
	}
	parts := req.Messages[1].Parts
	if len(parts) != 2 || parts[0].Type != entity.PartText || parts[1].Type != entity.PartImage {
		t.Fatalf("unexpected parts: %+v", parts)
	}
	if parts[1].MimeType != "image/png" {
		t.Fatalf("mime not extracted from data URL: %q", parts[1].MimeType)
	}
}

func TestFromOpenAIRequest_EmptyMessages(t *testing.T) {
	if _, err := FromOpenAIRequest(&OpenAIWireRequest{Model: "m"}); err == nil {
		t.Fatal("expected validation error")
	}
}

// Reserved "_"-prefixed extra_body keys are internal and must never
// reach an upstream payload; everything else merges in last.
func TestToOpenAIPayload_ExtraBodyMerge(t *testing.T) {
	req := &entity.ChatRequest{
		Model:    "openai:gpt-4",
		Messages: []entity.ChatMessage{{Role: entity.RoleUser, Content: "hi"}},
		ExtraBody: map[string]interface{}{
			"repetition_penalty":   1.1,
			"_edit_precision_meta": map[string]interface{}{"hits": 1},
		},
	}
	payload := ToOpenAIPayload(req, "gpt-4")
	if payload["model"] != "gpt-4" {
		t.Fatalf("effective model not applied: %v", payload["model"])
	}
	if payload["repetition_penalty"] != 1.1 {
		t.Fatal("extra_body key not merged")
	}
	if _, leaked := payload["_edit_precision_meta"]; leaked {
		t.Fatal("internal key leaked upstream")
	}
	if _, present := payload["extra_body"]; present {
		t.Fatal("extra_body container must not appear in payload")
	}
}

func TestDecodeStop_Forms(t *testing.T) {
	if got := decodeStop(json.RawMessage(`"END"`)); len(got) != 1 || got[0] != "END" {
		t.Fatalf("string stop: %v", got)
	}
	if got := decodeStop(json.RawMessage(`["a","b"]`)); len(got) != 2 {
		t.Fatalf("array stop: %v", got)
	}
}

// --- Anthropic ---

func TestFromAnthropicRequest_SystemAndBlocks(t *testing.T) {
	body := []byte(`{
		"model": "anthropic:claude-3",
		"system": "you are terse",
		"max_tokens": 100,
		"messages": [
			{"role": "user", "content": "run the tests"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "running"},
				{"type": "tool_use", "id": "toolu_1", "name": "run_tests", "input": {"path": "./..."}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "3 passed"}
			]}
		]
	}`)
	var wire AnthropicWireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatal(err)
	}
	req, err := FromAnthropicRequest(&wire)
	if err != nil {
		t.Fatal(err)
	}

	if req.Messages[0].Role != entity.RoleSystem || req.Messages[0].Content != "you are terse" {
		t.Fatalf("system not split into leading message: %+v", req.Messages[0])
	}
	assistant := req.Messages[2]
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != "toolu_1" {
		t.Fatalf("tool_use not mapped: %+v", assistant.ToolCalls)
	}
	if !strings.Contains(assistant.ToolCalls[0].Function.Arguments, `"path"`) {
		t.Fatalf("tool input lost: %q", assistant.ToolCalls[0].Function.Arguments)
	}
	toolMsg := req.Messages[3]
	if toolMsg.Role != entity.RoleTool || toolMsg.ToolCallID != "toolu_1" || toolMsg.Content != "3 passed" {
		t.Fatalf("tool_result not mapped: %+v", toolMsg)
	}
}

func TestToAnthropicPayload_RoundTrip(t *testing.T) {
	req := &entity.ChatRequest{
		Model: "anthropic:claude-3",
		Messages: []entity.ChatMessage{
			{Role: entity.RoleSystem, Content: "be careful"},
			{Role: entity.RoleUser, Content: "list files"},
			{Role: entity.RoleAssistant, ToolCalls: []entity.ToolCall{{
				ID:   "call_1",
				Type: "function",
				Function: entity.ToolCallFunction{
					Name:      "ls",
					Arguments: `{"path":"."}`,
				},
			}}},
			{Role: entity.RoleTool, ToolCallID: "call_1", Content: "a.go b.go"},
		},
		TopK: func() *int { v := 40; return &v }(),
	}
	payload := ToAnthropicPayload(req, "claude-3")

	if payload["system"] != "be careful" {
		t.Fatalf("system field: %v", payload["system"])
	}
	if payload["top_k"] != 40 {
		t.Fatalf("top_k not carried: %v", payload["top_k"])
	}
	messages := payload["messages"].([]map[string]interface{})
	if len(messages) != 3 {
		t.Fatalf("expected 3 wire messages, got %d", len(messages))
	}
	blocks := messages[1]["content"].([]map[string]interface{})
	if blocks[0]["type"] != "tool_use" || blocks[0]["name"] != "ls" {
		t.Fatalf("tool_use block: %+v", blocks[0])
	}
	result := messages[2]["content"].([]map[string]interface{})
	if result[0]["type"] != "tool_result" || result[0]["tool_use_id"] != "call_1" {
		t.Fatalf("tool_result block: %+v", result[0])
	}
}

func TestParseAnthropicResponse_ToolUse(t *testing.T) {
	body := []byte(`{
		"id": "msg_1",
		"model": "claude-3",
		"role": "assistant",
		"content": [
			{"type": "text", "text": "checking"},
			{"type": "tool_use", "id": "toolu_9", "name": "read_file", "input": {"path": "go.mod"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`)
	resp, err := ParseAnthropicResponse(body, 1700000000)
	if err != nil {
		t.Fatal(err)
	}
	msg := resp.FirstMessage()
	if msg.Content != "checking" {
		t.Fatalf("text not collapsed: %q", msg.Content)
	}
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Function.Name != "read_file" {
		t.Fatalf("tool call: %+v", msg.ToolCalls)
	}
	if resp.Choices[0].FinishReason != "tool_calls" {
		t.Fatalf("finish reason: %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Fatalf("usage: %+v", resp.Usage)
	}
}

// --- Gemini ---

func TestNormalizeGeminiModel(t *testing.T) {
	cases := map[string]string{
		"gemini:gemini-2.0-flash":     "gemini-2.0-flash",
		"models/gemini-2.0-flash":     "gemini-2.0-flash",
		"gemini/gemini-2.0-flash":     "gemini-2.0-flash",
		"gemini-2.0-flash":            "gemini-2.0-flash",
		"tunedModels/my-tuned-model":  "my-tuned-model",
		"gemini:tuned/custom-flash":   "custom-flash",
		"models/publishers/x/gemma-2": "gemma-2",
	}
	for in, want := range cases {
		if got := NormalizeGeminiModel(in); got != want {
			t.Errorf("NormalizeGeminiModel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestToGeminiPayload_ClampAndDrop(t *testing.T) {
	req := &entity.ChatRequest{
		Model: "gemini:gemini-2.0-flash",
		Messages: []entity.ChatMessage{
			{Role: entity.RoleSystem, Content: "ignored upstream"},
			{Role: entity.RoleUser, Content: "hello"},
		},
		Temperature: floatPtr(1.7),
		ExtraBody: map[string]interface{}{
			"generationConfig": map[string]interface{}{"topK": 5},
		},
	}
	payload := ToGeminiPayload(req, zap.NewNop())

	contents := payload["contents"].([]map[string]interface{})
	if len(contents) != 1 {
		t.Fatalf("system message should be dropped, got %d contents", len(contents))
	}
	gen := payload["generationConfig"].(map[string]interface{})
	if gen["temperature"] != 1.0 {
		t.Fatalf("temperature not clamped: %v", gen["temperature"])
	}
	if gen["topK"] != 5 {
		t.Fatalf("generationConfig override not merged: %v", gen["topK"])
	}
}

func TestToGeminiPayload_ToolFlow(t *testing.T) {
	req := &entity.ChatRequest{
		Model: "gemini:gemini-2.0-flash",
		Messages: []entity.ChatMessage{
			{Role: entity.RoleUser, Content: "weather?"},
			{Role: entity.RoleAssistant, ToolCalls: []entity.ToolCall{{
				ID:   "call_0",
				Type: "function",
				Function: entity.ToolCallFunction{
					Name:      "get_weather",
					Arguments: `{"city":"Oslo"}`,
				},
			}}},
			{Role: entity.RoleTool, Name: "get_weather", Content: `{"temp":4}`},
		},
	}
	payload := ToGeminiPayload(req, zap.NewNop())
	contents := payload["contents"].([]map[string]interface{})
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	modelParts := contents[1]["parts"].([]map[string]interface{})
	fc := modelParts[0]["functionCall"].(map[string]interface{})
	if fc["name"] != "get_weather" {
		t.Fatalf("functionCall: %+v", fc)
	}
	respParts := contents[2]["parts"].([]map[string]interface{})
	fr := respParts[0]["functionResponse"].(map[string]interface{})
	if fr["name"] != "get_weather" {
		t.Fatalf("functionResponse: %+v", fr)
	}
}

func TestParseGeminiResponse_SynthesizedIDs(t *testing.T) {
	body := []byte(`{
		"candidates": [{
			"content": {"role": "model", "parts": [
				{"functionCall": {"name": "run", "args": {"cmd": "ls"}}}
			]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 3, "totalTokenCount": 10}
	}`)
	resp, err := ParseGeminiResponse(body, "gemini:gemini-2.0-flash", "chatcmpl-x", 1700000000)
	if err != nil {
		t.Fatal(err)
	}
	msg := resp.FirstMessage()
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].ID != "call_0" {
		t.Fatalf("synthesized id: %+v", msg.ToolCalls)
	}
	if resp.Choices[0].FinishReason != "tool_calls" {
		t.Fatalf("finish reason: %q", resp.Choices[0].FinishReason)
	}
}

func TestFromGeminiRequest_SystemInstruction(t *testing.T) {
	wire := &GeminiWireRequest{
		SystemInstruction: &GeminiContent{Parts: []GeminiPart{{Text: "be kind"}}},
		Contents: []GeminiContent{
			{Role: "user", Parts: []GeminiPart{{Text: "hi"}}},
		},
		GenerationConfig: map[string]interface{}{"temperature": 0.5},
	}
	req, err := FromGeminiRequest(wire, "gemini:gemini-2.0-flash", false)
	if err != nil {
		t.Fatal(err)
	}
	if req.Messages[0].Role != entity.RoleSystem || req.Messages[0].Content != "be kind" {
		t.Fatalf("systemInstruction: %+v", req.Messages[0])
	}
	if req.Temperature == nil || *req.Temperature != 0.5 {
		t.Fatalf("temperature: %v", req.Temperature)
	}
}

// --- Responses ---

func TestFromResponsesRequest_Forms(t *testing.T) {
	wire := &ResponsesWireRequest{
		Model:        "openai:gpt-4",
		Instructions: "answer briefly",
		Input:        json.RawMessage(`"what time is it"`),
	}
	req, err := FromResponsesRequest(wire)
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != entity.RoleSystem {
		t.Fatalf("messages: %+v", req.Messages)
	}

	wire.Input = json.RawMessage(`[{"role":"user","content":[{"type":"input_text","text":"hello"}]}]`)
	req, err = FromResponsesRequest(wire)
	if err != nil {
		t.Fatal(err)
	}
	if req.Messages[1].Content != "hello" {
		t.Fatalf("item content: %q", req.Messages[1].Content)
	}
}

// --- Streaming ---

// Data payloads must survive arbitrary chunk boundaries.
func TestSSEDecoder_SplitEvents(t *testing.T) {
	var d SSEDecoder
	var events []string
	for _, chunk := range []string{"data: {\"a\"", ":1}\n\ndata: [DO", "NE]\n\n"} {
		events = append(events, d.Feed([]byte(chunk))...)
	}
	if len(events) != 2 || events[0] != `{"a":1}` || events[1] != "[DONE]" {
		t.Fatalf("events: %v", events)
	}
}

func TestGeminiStreamConverter_ToolCallChunk(t *testing.T) {
	conv := NewGeminiStreamConverter("gemini:gemini-2.0-flash", "chatcmpl-s", 1700000000, zap.NewNop())

	frames := conv.Feed([]byte(`data: {"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"get_weather","args":{"city":"Oslo"}}}]},"finishReason":"STOP"}]}` + "\n\n"))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}

	payload := strings.TrimSuffix(strings.TrimPrefix(string(frames[0]), "data: "), "\n\n")
	var chunk map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	if chunk["object"] != "chat.completion.chunk" {
		t.Fatalf("object: %v", chunk["object"])
	}
	choice := chunk["choices"].([]interface{})[0].(map[string]interface{})
	if choice["finish_reason"] != "tool_calls" {
		t.Fatalf("finish_reason: %v", choice["finish_reason"])
	}
	delta := choice["delta"].(map[string]interface{})
	if content, present := delta["content"]; !present || content != nil {
		t.Fatalf("tool-call delta must serialize content as explicit null: %v", delta)
	}
	calls := delta["tool_calls"].([]interface{})
	call := calls[0].(map[string]interface{})
	if call["id"] != "call_0" {
		t.Fatalf("synthesized id: %v", call["id"])
	}
	fn := call["function"].(map[string]interface{})
	if fn["name"] != "get_weather" || !strings.Contains(fn["arguments"].(string), "Oslo") {
		t.Fatalf("function payload: %+v", fn)
	}

	if string(conv.Finish()) != "data: [DONE]\n\n" {
		t.Fatalf("done frame: %q", conv.Finish())
	}
}

func TestGeminiStreamConverter_TextChunks(t *testing.T) {
	conv := NewGeminiStreamConverter("gemini:gemini-2.0-flash", "chatcmpl-s", 1700000000, zap.NewNop())

	frames := conv.Feed([]byte(`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"hel"}]}}]}` + "\n\n"))
	frames = append(frames, conv.Feed([]byte(`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}]}`+"\n\n"))...)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}

	var first entity.StreamChunk
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(string(frames[0])), "data: ")), &first); err != nil {
		t.Fatal(err)
	}
	if first.Choices[0].Delta.Role != entity.RoleAssistant {
		t.Fatal("first chunk must carry the assistant role")
	}
	if first.Choices[0].Delta.Content == nil || *first.Choices[0].Delta.Content != "hel" {
		t.Fatalf("first delta: %+v", first.Choices[0].Delta)
	}

	var second entity.StreamChunk
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(string(frames[1])), "data: ")), &second); err != nil {
		t.Fatal(err)
	}
	if second.Choices[0].Delta.Role != "" {
		t.Fatal("role must only appear on the first chunk")
	}
	if second.Choices[0].FinishReason == nil || *second.Choices[0].FinishReason != "stop" {
		t.Fatalf("final finish reason: %v", second.Choices[0].FinishReason)
	}
}
