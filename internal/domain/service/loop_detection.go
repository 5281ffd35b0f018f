package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"

	"github.com/llmrelay/relay/internal/domain/entity"
	"github.com/llmrelay/relay/internal/domain/session"
)

// loopBreakText terminates a conversation stuck on a repeating tool call.
const loopBreakText = "[Proxy loop detector] The same tool call has been issued repeatedly " +
	"without progress. The request loop was terminated. Review the previous tool results " +
	"and take a different approach."

// loopChanceText is injected on the first threshold hit in
// chance_then_break mode.
const loopChanceText = "[Proxy loop detector] You appear to be repeating the same tool call. " +
	"If the previous result was not what you expected, change the arguments or try another tool. " +
	"Repeating it again will terminate the request."

// toolCallSignature hashes a tool call's identity: the function name
// plus its arguments in canonical key order. Unparseable arguments hash
// as raw text.
func toolCallSignature(name, arguments string) string {
	canonical := arguments
	repaired, err := jsonrepair.JSONRepair(arguments)
	if err == nil {
		var parsed interface{}
		if json.Unmarshal([]byte(repaired), &parsed) == nil {
			if normalized, err := json.Marshal(parsed); err == nil {
				canonical = string(normalized)
			}
		}
	}
	sum := sha256.Sum256([]byte(name + "\x00" + canonical))
	return hex.EncodeToString(sum[:])
}

// LoopDetector tracks repeated tool-call signatures per session and
// breaks the conversation when a signature repeats beyond the session's
// configured threshold inside the TTL window.
type LoopDetector struct {
	mu       sync.Mutex
	sessions map[string]*loopHistory
	now      func() time.Time
	logger   *zap.Logger
}

type loopHistory struct {
	hits        map[string][]time.Time
	chanceGiven map[string]bool
}

func NewLoopDetector(logger *zap.Logger) *LoopDetector {
	return &LoopDetector{
		sessions: make(map[string]*loopHistory),
		now:      time.Now,
		logger:   logger.With(zap.String("middleware", "loop-detector")),
	}
}

func (d *LoopDetector) Name() string { return "loop-detector" }

// Priority is the lowest in the chain: loop breaking is terminal and
// must observe what every other middleware left in the response.
func (d *LoopDetector) Priority() int { return 10 }

// verdict classifies one observation of a signature.
type loopVerdict int

const (
	loopOK loopVerdict = iota
	loopWarn
	loopBreak
)

// observe records a signature hit and classifies it against the
// session's loop configuration.
func (d *LoopDetector) observe(sess *session.Session, signature string) loopVerdict {
	cfg := sess.State.Loop
	if !cfg.ToolLoopDetectionEnabled {
		return loopOK
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	hist, ok := d.sessions[sess.ID]
	if !ok {
		hist = &loopHistory{
			hits:        make(map[string][]time.Time),
			chanceGiven: make(map[string]bool),
		}
		d.sessions[sess.ID] = hist
	}

	now := d.now()
	ttl := time.Duration(cfg.ToolLoopTTLSeconds) * time.Second
	recent := hist.hits[signature][:0]
	for _, t := range hist.hits[signature] {
		if now.Sub(t) <= ttl {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	hist.hits[signature] = recent

	if len(recent) <= cfg.ToolLoopMaxRepeats {
		return loopOK
	}
	if cfg.ToolLoopMode == session.LoopModeChanceThenBreak && !hist.chanceGiven[signature] {
		hist.chanceGiven[signature] = true
		return loopWarn
	}
	return loopBreak
}

// Forget drops a session's loop history. Called on session eviction.
func (d *LoopDetector) Forget(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}

func (d *LoopDetector) Process(_ context.Context, resp *entity.ChatResponse, sess *session.Session) (*entity.ChatResponse, error) {
	if !resp.HasToolCalls() {
		return resp, nil
	}

	for ci := range resp.Choices {
		msg := &resp.Choices[ci].Message
		for _, tc := range msg.ToolCalls {
			sig := toolCallSignature(tc.Function.Name, tc.Function.Arguments)
			switch d.observe(sess, sig) {
			case loopWarn:
				d.logger.Warn("Tool-call loop warning injected",
					zap.String("session_id", sess.ID),
					zap.String("tool", tc.Function.Name),
				)
				if msg.Content != "" {
					msg.Content += "\n\n"
				}
				msg.Content += loopChanceText
			case loopBreak:
				d.logger.Warn("Tool-call loop broken",
					zap.String("session_id", sess.ID),
					zap.String("tool", tc.Function.Name),
				)
				msg.ToolCalls = nil
				msg.Content = loopBreakText
				resp.Choices[ci].FinishReason = "stop"
			}
			if len(msg.ToolCalls) == 0 {
				break
			}
		}
	}
	return resp, nil
}

// WrapStream watches streamed tool-call fragments and terminates the
// stream when the assembled call repeats beyond the threshold. The
// replacement is a steering chunk followed by the [DONE] sentinel.
func (d *LoopDetector) WrapStream(ctx context.Context, sess *session.Session, in <-chan []byte) <-chan []byte {
	if !sess.State.Loop.ToolLoopDetectionEnabled {
		return in
	}

	out := make(chan []byte, 4)
	go func() {
		defer close(out)
		asm := newStreamCallAssembler()
		broken := false
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-in:
				if !ok {
					return
				}
				if broken {
					continue // drain upstream after the break
				}
				for _, call := range asm.feed(frame) {
					sig := toolCallSignature(call.name, call.arguments)
					if d.observe(sess, sig) == loopBreak {
						broken = true
						d.logger.Warn("Tool-call loop broken mid-stream",
							zap.String("session_id", sess.ID),
							zap.String("tool", call.name),
						)
						for _, f := range loopBreakFrames() {
							select {
							case out <- f:
							case <-ctx.Done():
								return
							}
						}
						break
					}
				}
				if broken {
					continue
				}
				select {
				case out <- frame:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func loopBreakFrames() [][]byte {
	text := loopBreakText
	stop := "stop"
	chunk := entity.StreamChunk{
		Object: "chat.completion.chunk",
		Choices: []entity.StreamChoice{{
			Delta:        entity.StreamDelta{Content: &text},
			FinishReason: &stop,
		}},
	}
	payload, err := json.Marshal(&chunk)
	if err != nil {
		return [][]byte{[]byte("data: [DONE]\n\n")}
	}
	frame := append([]byte("data: "), payload...)
	frame = append(frame, '\n', '\n')
	return [][]byte{frame, []byte("data: [DONE]\n\n")}
}

// streamCallAssembler reassembles tool calls from chat.completion.chunk
// SSE frames. A call completes when a frame carries finish_reason or a
// new call index starts.
type streamCallAssembler struct {
	buf     []byte
	pending map[int]*assembledCall
}

type assembledCall struct {
	name      string
	arguments string
}

func newStreamCallAssembler() *streamCallAssembler {
	return &streamCallAssembler{pending: make(map[int]*assembledCall)}
}

// feed consumes one frame and returns the tool calls it completed.
func (a *streamCallAssembler) feed(frame []byte) []assembledCall {
	a.buf = append(a.buf, frame...)
	var done []assembledCall
	for {
		idx := bytes.IndexByte(a.buf, '\n')
		if idx < 0 {
			return done
		}
		line := strings.TrimRight(string(a.buf[:idx]), "\r")
		a.buf = a.buf[idx+1:]
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			done = append(done, a.flush()...)
			continue
		}
		var chunk entity.StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		for _, choice := range chunk.Choices {
			for _, tc := range choice.Delta.ToolCalls {
				call, ok := a.pending[tc.Index]
				if !ok {
					call = &assembledCall{}
					a.pending[tc.Index] = call
				}
				if tc.Function.Name != "" {
					call.name = tc.Function.Name
				}
				call.arguments += tc.Function.Arguments
			}
			if choice.FinishReason != nil {
				done = append(done, a.flush()...)
			}
		}
	}
}

func (a *streamCallAssembler) flush() []assembledCall {
	if len(a.pending) == 0 {
		return nil
	}
	out := make([]assembledCall, 0, len(a.pending))
	for _, call := range a.pending {
		if call.name != "" {
			out = append(out, *call)
		}
	}
	a.pending = make(map[int]*assembledCall)
	return out
}
