package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/llmrelay/relay/internal/domain/entity"
	"github.com/llmrelay/relay/internal/domain/reactor"
	"github.com/llmrelay/relay/internal/domain/session"
)

// ReactorMiddleware bridges the tool-call reactor into the response
// chain. It runs first so swallowed calls never reach the guards below.
type ReactorMiddleware struct {
	reactor *reactor.Reactor
	logger  *zap.Logger
}

func NewReactorMiddleware(r *reactor.Reactor, logger *zap.Logger) *ReactorMiddleware {
	return &ReactorMiddleware{
		reactor: r,
		logger:  logger.With(zap.String("middleware", "tool-reactor")),
	}
}

func (m *ReactorMiddleware) Name() string  { return "tool-reactor" }
func (m *ReactorMiddleware) Priority() int { return 90 }

func (m *ReactorMiddleware) Process(_ context.Context, resp *entity.ChatResponse, sess *session.Session) (*entity.ChatResponse, error) {
	backend, model := entity.SplitModel(resp.Model)
	return m.reactor.React(sess.ID, backend, model, sess.Agent, resp), nil
}
