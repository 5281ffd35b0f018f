package application

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/llmrelay/relay/internal/domain/command"
	"github.com/llmrelay/relay/internal/domain/entity"
	"github.com/llmrelay/relay/internal/domain/service"
	"github.com/llmrelay/relay/internal/domain/session"
	"github.com/llmrelay/relay/internal/infrastructure/accounting"
	"github.com/llmrelay/relay/internal/infrastructure/connector"
	"github.com/llmrelay/relay/internal/infrastructure/translation"
	apperrors "github.com/llmrelay/relay/pkg/errors"
)

// Outcome is the result of one proxied turn. Exactly one of Response or
// Stream is set.
type Outcome struct {
	Response *entity.ChatResponse
	Stream   <-chan []byte
	Cancel   func()
}

// IsStreaming reports whether the outcome carries a live stream.
func (o *Outcome) IsStreaming() bool { return o.Stream != nil }

// fileWriteTools are the tool names counted against the planning-phase
// file-write budget.
var fileWriteTools = map[string]bool{
	"write_file":    true,
	"write_to_file": true,
	"create_file":   true,
	"edit_file":     true,
	"apply_diff":    true,
}

// Pipeline orchestrates one turn: command processing, session state,
// request middleware, failover dispatch, response middleware.
type Pipeline struct {
	sessions  *session.Service
	commands  *command.Processor
	reqChain  *service.RequestChain
	respChain *service.ResponseChain
	backends  *connector.Registry
	usage     *accounting.Store
	identity  *connector.Identity

	defaultBackend string
	defaultModel   string

	logger *zap.Logger
}

// PipelineConfig carries the startup wiring for the pipeline.
type PipelineConfig struct {
	DefaultBackend string
	DefaultModel   string
	Identity       *connector.Identity
}

// NewPipeline assembles the request path.
func NewPipeline(
	cfg PipelineConfig,
	sessions *session.Service,
	commands *command.Processor,
	reqChain *service.RequestChain,
	respChain *service.ResponseChain,
	backends *connector.Registry,
	usage *accounting.Store,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		sessions:       sessions,
		commands:       commands,
		reqChain:       reqChain,
		respChain:      respChain,
		backends:       backends,
		usage:          usage,
		identity:       cfg.Identity,
		defaultBackend: cfg.DefaultBackend,
		defaultModel:   cfg.DefaultModel,
		logger:         logger.With(zap.String("component", "pipeline")),
	}
}

// Handle runs one chat turn for the given session.
func (p *Pipeline) Handle(ctx context.Context, sessionID string, req *entity.ChatRequest) (*Outcome, error) {
	if len(req.Messages) == 0 {
		return nil, apperrors.NewInvalidRequestError("messages must not be empty", "messages")
	}
	sess := p.sessions.GetOrCreateSession(sessionID)

	cmdOut := p.commands.Process(req.Messages, sess)
	p.sessions.UpdateSession(sess)
	req.Messages = cmdOut.Messages

	var echo string
	if cmdOut.Executed {
		echo = cmdOut.Result.Message
	}

	// A turn that was only a command is answered by the proxy itself.
	if cmdOut.Executed && !hasForwardableText(req.Messages) {
		return p.proxyReply(sess, req, echo), nil
	}

	p.applySessionState(req, sess)

	processed, err := p.reqChain.Process(ctx, req, sess)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	env, backendName, modelName, err := p.dispatch(ctx, processed, sess)
	if err != nil {
		return nil, err
	}

	if env.IsStreaming() {
		out := p.respChain.WrapStream(ctx, sess, env.Stream)
		if echo != "" {
			out = p.prependEchoStream(out, processed, echo)
		}
		out = p.observeStream(ctx, out, sess, processed, backendName, modelName, start)
		return &Outcome{Stream: out, Cancel: env.Cancel}, nil
	}

	resp := p.respChain.Process(ctx, env.Response, sess)
	p.recordTurn(ctx, sess, processed, backendName, modelName, resp.Usage, time.Since(start))
	p.advancePlanning(sess, countFileWrites(resp))

	if echo != "" {
		prependEcho(resp, echo)
	}
	return &Outcome{Response: resp}, nil
}

// applySessionState folds committed session configuration into the
// outgoing request: model selection and sampling overrides.
func (p *Pipeline) applySessionState(req *entity.ChatRequest, sess *session.Session) {
	st := sess.State

	if st.Backend.BackendType != "" && st.Backend.Model != "" {
		req.Model = st.Backend.BackendType + ":" + st.Backend.Model
	} else if st.Backend.Model != "" {
		req.Model = st.Backend.Model
	}
	if req.Model == "" {
		req.Model = p.defaultBackend + ":" + p.defaultModel
	}

	if st.Reasoning.Temperature != nil {
		req.Temperature = st.Reasoning.Temperature
	}
	if st.Reasoning.TopP != nil {
		req.TopP = st.Reasoning.TopP
	}
	if st.Reasoning.ReasoningEffort != "" {
		req.ReasoningEffort = st.Reasoning.ReasoningEffort
	}
	if st.Reasoning.ThinkingBudget > 0 {
		req.ThinkingBudget = st.Reasoning.ThinkingBudget
	}
	if st.Backend.OpenAIURL != "" {
		if conn, ok := p.backends.Get(backendOf(req.Model, p.defaultBackend)); ok {
			if oc, ok := conn.(*connector.OpenAICompatible); ok {
				oc.SetBaseURL(st.Backend.OpenAIURL)
			}
		}
	}
}

// dispatch tries each target in order until one succeeds. Retryable
// failures move to the next element; anything else surfaces immediately.
func (p *Pipeline) dispatch(ctx context.Context, req *entity.ChatRequest, sess *session.Session) (*connector.Envelope, string, string, error) {
	targets := service.DispatchTargets(req)
	if len(targets) == 0 {
		targets = []string{req.Model}
	}

	var lastErr error
	for i, target := range targets {
		backendName, modelName := entity.SplitModel(target)
		if backendName == "" {
			backendName = p.defaultBackend
		}
		conn, ok := p.backends.Get(backendName)
		if !ok {
			lastErr = apperrors.NewInvalidRequestError("unknown backend: "+backendName, "model")
			continue
		}

		env, err := conn.ChatCompletions(ctx, req, modelName, p.identity)
		if err == nil {
			return env, backendName, modelName, nil
		}
		lastErr = err
		if !apperrors.IsRetryable(err) {
			break
		}
		p.logger.Warn("Dispatch attempt failed, trying next element",
			zap.String("session_id", sess.ID),
			zap.String("target", target),
			zap.Int("attempt", i+1),
			zap.Error(err),
		)
	}
	return nil, "", "", lastErr
}

// proxyReply answers a command-only turn without touching any backend.
func (p *Pipeline) proxyReply(sess *session.Session, req *entity.ChatRequest, text string) *Outcome {
	sess.AddInteraction(session.Interaction{
		Prompt:   req.LastUserText(),
		Handler:  session.HandlerProxy,
		Response: text,
	})
	p.sessions.UpdateSession(sess)

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	if req.Stream {
		frames := make(chan []byte, 3)
		role := "assistant"
		frames <- translation.MarshalChunk(&entity.StreamChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: req.Model,
			Choices: []entity.StreamChoice{{Delta: entity.StreamDelta{Role: role, Content: &text}}},
		})
		finish := "stop"
		frames <- translation.MarshalChunk(&entity.StreamChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: req.Model,
			Choices: []entity.StreamChoice{{Delta: entity.StreamDelta{Content: new(string)}, FinishReason: &finish}},
		})
		frames <- translation.DoneFrame
		close(frames)
		return &Outcome{Stream: frames}
	}

	return &Outcome{Response: &entity.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   req.Model,
		Choices: []entity.Choice{{
			Message:      entity.ChatMessage{Role: entity.RoleAssistant, Content: text},
			FinishReason: "stop",
		}},
	}}
}

// prependEchoStream injects the command-result line as the first content
// delta ahead of the backend stream.
func (p *Pipeline) prependEchoStream(in <-chan []byte, req *entity.ChatRequest, echo string) <-chan []byte {
	out := make(chan []byte, 1)
	go func() {
		defer close(out)
		line := echo + "\n\n"
		out <- translation.MarshalChunk(&entity.StreamChunk{
			Object: "chat.completion.chunk",
			Model:  req.Model,
			Choices: []entity.StreamChoice{{
				Delta: entity.StreamDelta{Role: "assistant", Content: &line},
			}},
		})
		for chunk := range in {
			out <- chunk
		}
	}()
	return out
}

// prependEcho injects the command-result line ahead of the model reply.
func prependEcho(resp *entity.ChatResponse, echo string) {
	msg := resp.FirstMessage()
	if msg == nil {
		resp.Choices = append(resp.Choices, entity.Choice{
			Message:      entity.ChatMessage{Role: entity.RoleAssistant, Content: echo},
			FinishReason: "stop",
		})
		return
	}
	if msg.Content == "" {
		msg.Content = echo
		return
	}
	msg.Content = echo + "\n\n" + msg.Content
}

// recordTurn commits the interaction history and the accounting row.
func (p *Pipeline) recordTurn(ctx context.Context, sess *session.Session, req *entity.ChatRequest, backend, model string, usage *entity.Usage, latency time.Duration) {
	sess.AddInteraction(session.Interaction{
		Prompt:  req.LastUserText(),
		Handler: session.HandlerBackend,
		Backend: backend,
		Model:   model,
		Usage:   usage,
	})
	p.sessions.UpdateSession(sess)
	p.usage.Record(ctx, sess.ID, backend, model, usage, latency)
}

// observeStream forwards the client-bound stream and settles the turn
// when it completes: usage and latency from the drained frames feed the
// accounting row, and the planning counters advance the same way they
// do for buffered replies.
func (p *Pipeline) observeStream(ctx context.Context, in <-chan []byte, sess *session.Session, req *entity.ChatRequest, backend, model string, start time.Time) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		var usage *entity.Usage
		writes := 0
		decoder := &translation.SSEDecoder{}
		for chunk := range in {
			for _, payload := range decoder.Feed(chunk) {
				if payload == "[DONE]" {
					continue
				}
				var frame entity.StreamChunk
				if err := json.Unmarshal([]byte(payload), &frame); err != nil {
					continue
				}
				if frame.Usage != nil {
					usage = frame.Usage
				}
				for _, choice := range frame.Choices {
					for _, call := range choice.Delta.ToolCalls {
						if fileWriteTools[call.Function.Name] {
							writes++
						}
					}
				}
			}
			out <- chunk
		}
		p.recordTurn(ctx, sess, req, backend, model, usage, time.Since(start))
		p.advancePlanning(sess, writes)
	}()
	return out
}

// advancePlanning moves the planning-phase counters after a completed
// turn: one turn always, one file write per write-flavored tool call.
func (p *Pipeline) advancePlanning(sess *session.Session, fileWrites int) {
	if !sess.State.PlanningPhase.Enabled {
		return
	}
	p.sessions.Mutate(sess.ID, func(s *session.Session) {
		s.State = s.State.WithPlanningCounts(
			s.State.PlanningTurnCount+1,
			s.State.PlanningFileWriteCount+fileWrites,
		)
	})
}

func countFileWrites(resp *entity.ChatResponse) int {
	writes := 0
	for _, choice := range resp.Choices {
		for _, call := range choice.Message.ToolCalls {
			if fileWriteTools[call.Function.Name] {
				writes++
			}
		}
	}
	return writes
}

// hasForwardableText reports whether any user message still carries
// non-whitespace text after command stripping.
func hasForwardableText(messages []entity.ChatMessage) bool {
	for i := range messages {
		if messages[i].Role != entity.RoleUser {
			continue
		}
		if strings.TrimSpace(messages[i].TextContent()) != "" {
			return true
		}
	}
	return false
}

func backendOf(model, fallback string) string {
	backend, _ := entity.SplitModel(model)
	if backend == "" {
		return fallback
	}
	return backend
}
