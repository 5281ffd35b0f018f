package service

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/llmrelay/relay/internal/domain/entity"
	"github.com/llmrelay/relay/internal/domain/session"
	"github.com/llmrelay/relay/internal/infrastructure/streaming"
)

// StreamRepairMiddleware threads streamed delta text through the JSON
// repair processor when the session enables it. Buffered responses pass
// through untouched; malformed JSON there is the reactor's concern.
type StreamRepairMiddleware struct {
	cfg    streaming.RepairConfig
	logger *zap.Logger
}

func NewStreamRepairMiddleware(cfg streaming.RepairConfig, logger *zap.Logger) *StreamRepairMiddleware {
	return &StreamRepairMiddleware{
		cfg:    cfg,
		logger: logger.With(zap.String("middleware", "stream-repair")),
	}
}

func (m *StreamRepairMiddleware) Name() string  { return "stream-repair" }
func (m *StreamRepairMiddleware) Priority() int { return 30 }

func (m *StreamRepairMiddleware) Process(_ context.Context, resp *entity.ChatResponse, _ *session.Session) (*entity.ChatResponse, error) {
	return resp, nil
}

// WrapStream rewrites content deltas through a per-stream repair
// processor. Frames without content text (tool calls, finish markers)
// pass through unchanged; withheld text flushes before [DONE].
func (m *StreamRepairMiddleware) WrapStream(ctx context.Context, sess *session.Session, in <-chan []byte) <-chan []byte {
	if !sess.State.StreamJSONRepairEnabled {
		return in
	}

	out := make(chan []byte, 4)
	go func() {
		defer close(out)
		proc := streaming.NewRepairProcessor(m.cfg, m.logger)
		rw := &frameRewriter{proc: proc}
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-in:
				if !ok {
					for _, f := range rw.finish() {
						select {
						case out <- f:
						case <-ctx.Done():
							return
						}
					}
					return
				}
				for _, f := range rw.feed(frame) {
					select {
					case out <- f:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}

// frameRewriter reassembles SSE lines and rewrites the content field of
// chat.completion.chunk frames.
type frameRewriter struct {
	proc *streaming.RepairProcessor
	buf  []byte
	// last chunk shape seen, reused for flushed text
	template entity.StreamChunk
}

func (rw *frameRewriter) feed(frame []byte) [][]byte {
	rw.buf = append(rw.buf, frame...)
	var out [][]byte
	for {
		idx := bytes.IndexByte(rw.buf, '\n')
		if idx < 0 {
			return out
		}
		line := strings.TrimRight(string(rw.buf[:idx]), "\r")
		rw.buf = rw.buf[idx+1:]
		if line == "" {
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			out = append(out, []byte(line+"\n\n"))
			continue
		}
		if data == "[DONE]" {
			out = append(out, rw.flushPending()...)
			out = append(out, []byte("data: [DONE]\n\n"))
			continue
		}
		out = append(out, rw.rewrite(data)...)
	}
}

func (rw *frameRewriter) finish() [][]byte {
	return rw.flushPending()
}

// rewrite feeds one chunk's content delta through the processor. A
// single inbound chunk may fan out to several outbound chunks when the
// processor releases buffered text.
func (rw *frameRewriter) rewrite(data string) [][]byte {
	var chunk entity.StreamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return [][]byte{[]byte("data: " + data + "\n\n")}
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == nil || *chunk.Choices[0].Delta.Content == "" {
		return [][]byte{[]byte("data: " + data + "\n\n")}
	}

	rw.template = chunk
	segments := rw.proc.Feed(*chunk.Choices[0].Delta.Content)

	if len(segments) == 0 {
		// Everything is buffered inside a JSON candidate; emit nothing
		// and let a later chunk (or finish) release it.
		if chunk.Choices[0].FinishReason == nil && len(chunk.Choices[0].Delta.ToolCalls) == 0 {
			return nil
		}
		empty := ""
		chunk.Choices[0].Delta.Content = &empty
		return [][]byte{marshalFrame(&chunk)}
	}

	var out [][]byte
	for i, seg := range segments {
		c := chunk
		c.Choices = append([]entity.StreamChoice(nil), chunk.Choices...)
		text := seg
		c.Choices[0].Delta.Content = &text
		if i < len(segments)-1 {
			c.Choices[0].FinishReason = nil
		}
		out = append(out, marshalFrame(&c))
	}
	return out
}

func (rw *frameRewriter) flushPending() [][]byte {
	segments := rw.proc.Finish()
	if len(segments) == 0 {
		return nil
	}
	var out [][]byte
	for _, seg := range segments {
		c := rw.template
		c.Choices = []entity.StreamChoice{{Index: 0}}
		text := seg
		c.Choices[0].Delta.Content = &text
		out = append(out, marshalFrame(&c))
	}
	return out
}

func marshalFrame(chunk *entity.StreamChunk) []byte {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return nil
	}
	frame := append([]byte("data: "), payload...)
	return append(frame, '\n', '\n')
}
