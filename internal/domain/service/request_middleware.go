package service

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/llmrelay/relay/internal/domain/entity"
	"github.com/llmrelay/relay/internal/domain/session"
)

// RequestMiddleware transforms the canonical request before dispatch.
// Implementations may update sess.State; the pipeline commits the
// session after the chain runs.
type RequestMiddleware interface {
	Name() string
	// Priority orders the chain; higher runs first.
	Priority() int
	Process(ctx context.Context, req *entity.ChatRequest, sess *session.Session) (*entity.ChatRequest, error)
}

// RequestChain runs request middlewares in priority order.
type RequestChain struct {
	middlewares []RequestMiddleware
	logger      *zap.Logger
}

// NewRequestChain sorts the given middlewares by descending priority.
func NewRequestChain(logger *zap.Logger, middlewares ...RequestMiddleware) *RequestChain {
	sorted := append([]RequestMiddleware(nil), middlewares...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})
	return &RequestChain{
		middlewares: sorted,
		logger:      logger.With(zap.String("component", "request-chain")),
	}
}

// Process runs the chain. A middleware error aborts the request.
func (c *RequestChain) Process(ctx context.Context, req *entity.ChatRequest, sess *session.Session) (*entity.ChatRequest, error) {
	for _, mw := range c.middlewares {
		next, err := mw.Process(ctx, req, sess)
		if err != nil {
			c.logger.Error("Request middleware failed",
				zap.String("middleware", mw.Name()),
				zap.Error(err),
			)
			return nil, err
		}
		if next != nil {
			req = next
		}
	}
	return req, nil
}
