package translation

import (
	"bytes"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/llmrelay/relay/internal/domain/entity"
)

// --- Server-sent event plumbing ---

// SSEDecoder reassembles "data:" payloads from a stream of arbitrarily
// split byte chunks. Upstream providers flush on their own schedule, so
// a single event may arrive across several reads.
type SSEDecoder struct {
	buf bytes.Buffer
}

// Feed appends a chunk and returns the complete data payloads it
// unlocked, "[DONE]" sentinels included.
func (d *SSEDecoder) Feed(chunk []byte) []string {
	d.buf.Write(chunk)
	var events []string
	for {
		raw := d.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			return events
		}
		line := strings.TrimRight(string(raw[:idx]), "\r")
		d.buf.Next(idx + 1)
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			events = append(events, strings.TrimSpace(data))
		}
	}
}

// EncodeSSE renders a payload as one SSE frame.
func EncodeSSE(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, '\n', '\n')
	return frame
}

// DoneFrame is the stream-terminating sentinel.
var DoneFrame = []byte("data: [DONE]\n\n")

// MarshalChunk renders a canonical streaming chunk as an SSE frame.
func MarshalChunk(chunk *entity.StreamChunk) []byte {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return nil
	}
	return EncodeSSE(payload)
}

// --- Gemini streaming conversion ---

// GeminiStreamConverter rewrites a Gemini streamGenerateContent SSE
// stream into OpenAI chat.completion.chunk frames. Function calls get
// synthesized call_N ids numbered across the whole stream; the converter
// appends the [DONE] sentinel itself.
type GeminiStreamConverter struct {
	decoder   SSEDecoder
	model     string
	id        string
	created   int64
	callIndex int
	sentRole  bool
	logger    *zap.Logger
}

// NewGeminiStreamConverter prepares a converter for one response stream.
func NewGeminiStreamConverter(model, id string, created int64, logger *zap.Logger) *GeminiStreamConverter {
	return &GeminiStreamConverter{
		model:   model,
		id:      id,
		created: created,
		logger:  logger,
	}
}

// Feed consumes one upstream chunk and returns zero or more OpenAI SSE
// frames ready to forward.
func (c *GeminiStreamConverter) Feed(chunk []byte) [][]byte {
	var frames [][]byte
	for _, event := range c.decoder.Feed(chunk) {
		if event == "" || event == "[DONE]" {
			continue
		}
		var wire geminiWireResponse
		if err := json.Unmarshal([]byte(event), &wire); err != nil {
			c.logger.Warn("Skipping unparseable stream event",
				zap.Int("length", len(event)),
			)
			continue
		}
		for _, frame := range c.convertEvent(&wire) {
			frames = append(frames, frame)
		}
	}
	return frames
}

// Finish emits the terminating sentinel.
func (c *GeminiStreamConverter) Finish() []byte {
	return DoneFrame
}

func (c *GeminiStreamConverter) convertEvent(wire *geminiWireResponse) [][]byte {
	var frames [][]byte
	for _, cand := range wire.Candidates {
		var toolCalls []entity.StreamToolCall
		var texts []string
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				args, err := json.Marshal(p.FunctionCall.Args)
				if err != nil {
					args = []byte("{}")
				}
				toolCalls = append(toolCalls, entity.StreamToolCall{
					Index: c.callIndex,
					ID:    SynthesizeToolCallID(c.callIndex),
					Type:  "function",
					Function: entity.ToolCallFunction{
						Name:      p.FunctionCall.Name,
						Arguments: string(args),
					},
				})
				c.callIndex++
			case p.Text != "":
				texts = append(texts, p.Text)
			}
		}

		if len(texts) > 0 {
			text := strings.Join(texts, "")
			delta := entity.StreamDelta{Content: &text}
			if !c.sentRole {
				delta.Role = entity.RoleAssistant
				c.sentRole = true
			}
			var finish *string
			if len(toolCalls) == 0 {
				finish = finishFor(cand.FinishReason, false)
			}
			frames = append(frames, c.frame(delta, finish))
		}
		if len(toolCalls) > 0 {
			delta := entity.StreamDelta{ToolCalls: toolCalls}
			if !c.sentRole {
				delta.Role = entity.RoleAssistant
				c.sentRole = true
			}
			frames = append(frames, c.frame(delta, finishFor(cand.FinishReason, true)))
		}
		if len(texts) == 0 && len(toolCalls) == 0 && cand.FinishReason != "" {
			frames = append(frames, c.frame(entity.StreamDelta{}, finishFor(cand.FinishReason, false)))
		}
	}
	return frames
}

func (c *GeminiStreamConverter) frame(delta entity.StreamDelta, finish *string) []byte {
	chunk := entity.StreamChunk{
		ID:      c.id,
		Object:  "chat.completion.chunk",
		Created: c.created,
		Model:   c.model,
		Choices: []entity.StreamChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finish,
		}},
	}
	return MarshalChunk(&chunk)
}

func finishFor(reason string, hasToolCalls bool) *string {
	if reason == "" {
		return nil
	}
	mapped := geminiFinishToOpenAI(reason, hasToolCalls)
	return &mapped
}
