// Package reactor dispatches tool calls found in model responses to
// registered handlers, which may observe, rewrite or swallow them.
package reactor

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/llmrelay/relay/internal/domain/entity"
	apperrors "github.com/llmrelay/relay/pkg/errors"
)

// Context describes one tool call in flight.
type Context struct {
	SessionID     string
	BackendName   string
	ModelName     string
	FullResponse  *entity.ChatResponse
	ToolName      string
	ToolArguments map[string]interface{}
	// RawArguments preserves the original string when repair+parse failed.
	RawArguments string
	CallingAgent string
	Timestamp    time.Time
}

// Result is a handler's verdict on one tool call.
type Result struct {
	// ShouldSwallow stops dispatch for this call and substitutes
	// Replacement (or the untouched response when nil).
	ShouldSwallow bool
	Replacement   *entity.ChatResponse
	Metadata      map[string]interface{}
}

// RateLimit bounds handler invocations per (session, handler) pair.
// Zero values mean unlimited.
type RateLimit struct {
	CallsPerWindow int
	WindowSeconds  int
}

// Handler reacts to tool calls. CanHandle must be cheap; Handle may do
// work.
type Handler interface {
	Name() string
	Priority() int
	RateLimit() RateLimit
	CanHandle(ctx *Context) bool
	Handle(ctx *Context) (Result, error)
}

// HistoryEntry is one recorded tool call.
type HistoryEntry struct {
	ToolName  string
	Arguments string
	Backend   string
	Model     string
	Timestamp time.Time
}

const historyRetention = 1000

// Reactor holds handler registration and per-session dispatch state.
type Reactor struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	ordered  []Handler

	histMu   sync.Mutex
	history  map[string][]HistoryEntry
	limiters map[string]*rate.Limiter // keyed session\x00handler

	logger *zap.Logger
}

// New builds an empty reactor.
func New(logger *zap.Logger) *Reactor {
	return &Reactor{
		handlers: make(map[string]Handler),
		history:  make(map[string][]HistoryEntry),
		limiters: make(map[string]*rate.Limiter),
		logger:   logger.With(zap.String("component", "tool-reactor")),
	}
}

// Register adds a handler. Names are unique; a duplicate is a
// programmer error and fails registration.
func (r *Reactor) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[h.Name()]; exists {
		return apperrors.NewReactorError(fmt.Sprintf("handler %q already registered", h.Name()))
	}
	r.handlers[h.Name()] = h
	r.ordered = append(r.ordered, h)
	sort.SliceStable(r.ordered, func(i, j int) bool {
		return r.ordered[i].Priority() > r.ordered[j].Priority()
	})
	return nil
}

// Unregister removes a handler by name.
func (r *Reactor) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; !exists {
		return false
	}
	delete(r.handlers, name)
	for i, h := range r.ordered {
		if h.Name() == name {
			r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
			break
		}
	}
	return true
}

// Handlers returns the registered handlers in dispatch order.
func (r *Reactor) Handlers() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Handler(nil), r.ordered...)
}

// DetectToolCalls extracts tool calls from a response. Arguments run
// through JSON repair; an unparseable string survives as RawArguments.
func DetectToolCalls(resp *entity.ChatResponse) []entity.ToolCall {
	var calls []entity.ToolCall
	for i := range resp.Choices {
		calls = append(calls, resp.Choices[i].Message.ToolCalls...)
	}
	return calls
}

// React processes every tool call in the response left-to-right. The
// first swallowing handler per call wins; its replacement (or the
// original response when nil) becomes the outcome. Handler errors are
// logged and the chain continues.
func (r *Reactor) React(sessionID, backend, model, agent string, resp *entity.ChatResponse) *entity.ChatResponse {
	calls := DetectToolCalls(resp)
	if len(calls) == 0 {
		return resp
	}

	current := resp
	for _, call := range calls {
		ctx := r.buildContext(sessionID, backend, model, agent, current, call)
		r.record(sessionID, ctx, call)

		for _, h := range r.Handlers() {
			if !r.allow(sessionID, h) {
				continue
			}
			if !canHandleSafely(h, ctx, r.logger) {
				continue
			}
			result, err := h.Handle(ctx)
			if err != nil {
				r.logger.Error("Tool-call handler failed",
					zap.String("handler", h.Name()),
					zap.String("tool", call.Function.Name),
					zap.Error(err),
				)
				continue
			}
			if result.ShouldSwallow {
				r.logger.Info("Tool call swallowed",
					zap.String("handler", h.Name()),
					zap.String("tool", call.Function.Name),
					zap.String("session_id", sessionID),
				)
				if result.Replacement != nil {
					current = result.Replacement
				}
				break
			}
		}
	}
	return current
}

func (r *Reactor) buildContext(sessionID, backend, model, agent string, resp *entity.ChatResponse, call entity.ToolCall) *Context {
	ctx := &Context{
		SessionID:    sessionID,
		BackendName:  backend,
		ModelName:    model,
		FullResponse: resp,
		ToolName:     call.Function.Name,
		CallingAgent: agent,
		Timestamp:    time.Now(),
	}
	repaired, err := jsonrepair.JSONRepair(call.Function.Arguments)
	if err != nil {
		repaired = call.Function.Arguments
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
		ctx.RawArguments = call.Function.Arguments
	} else {
		ctx.ToolArguments = parsed
	}
	return ctx
}

// record appends to the session's bounded history ring.
func (r *Reactor) record(sessionID string, ctx *Context, call entity.ToolCall) {
	r.histMu.Lock()
	defer r.histMu.Unlock()

	entries := append(r.history[sessionID], HistoryEntry{
		ToolName:  call.Function.Name,
		Arguments: call.Function.Arguments,
		Backend:   ctx.BackendName,
		Model:     ctx.ModelName,
		Timestamp: ctx.Timestamp,
	})
	if len(entries) > historyRetention {
		entries = entries[len(entries)-historyRetention:]
	}
	r.history[sessionID] = entries
}

// History returns a copy of a session's recorded tool calls.
func (r *Reactor) History(sessionID string) []HistoryEntry {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	return append([]HistoryEntry(nil), r.history[sessionID]...)
}

// Forget drops a session's history and limiters.
func (r *Reactor) Forget(sessionID string) {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	delete(r.history, sessionID)
	prefix := sessionID + "\x00"
	for k := range r.limiters {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(r.limiters, k)
		}
	}
}

// allow applies the handler's declared rate limit for this session.
func (r *Reactor) allow(sessionID string, h Handler) bool {
	limit := h.RateLimit()
	if limit.CallsPerWindow <= 0 || limit.WindowSeconds <= 0 {
		return true
	}

	r.histMu.Lock()
	defer r.histMu.Unlock()

	key := sessionID + "\x00" + h.Name()
	limiter, ok := r.limiters[key]
	if !ok {
		window := time.Duration(limit.WindowSeconds) * time.Second
		limiter = rate.NewLimiter(rate.Every(window/time.Duration(limit.CallsPerWindow)), limit.CallsPerWindow)
		r.limiters[key] = limiter
	}
	if !limiter.Allow() {
		r.logger.Warn("Tool-call handler rate limited",
			zap.String("handler", h.Name()),
			zap.String("session_id", sessionID),
		)
		return false
	}
	return true
}

// canHandleSafely shields the chain from a panicking predicate.
func canHandleSafely(h Handler, ctx *Context, logger *zap.Logger) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Tool-call handler panicked in CanHandle",
				zap.String("handler", h.Name()),
				zap.Any("panic", rec),
			)
			ok = false
		}
	}()
	return h.CanHandle(ctx)
}
