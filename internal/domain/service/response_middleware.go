package service

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/llmrelay/relay/internal/domain/entity"
	"github.com/llmrelay/relay/internal/domain/session"
)

// ResponseMiddleware transforms the canonical response after dispatch.
// Higher priorities run first; terminal steps declare the lowest.
type ResponseMiddleware interface {
	Name() string
	Priority() int
	Process(ctx context.Context, resp *entity.ChatResponse, sess *session.Session) (*entity.ChatResponse, error)
}

// StreamMiddleware is implemented by response middlewares that also
// transform streaming bodies. The wrapper must drain the input channel
// and honor ctx cancellation; the pipeline closes the upstream on exit.
type StreamMiddleware interface {
	ResponseMiddleware
	WrapStream(ctx context.Context, sess *session.Session, in <-chan []byte) <-chan []byte
}

// ResponseChain runs response middlewares in priority order.
type ResponseChain struct {
	middlewares []ResponseMiddleware
	logger      *zap.Logger
}

// NewResponseChain sorts the given middlewares by descending priority.
func NewResponseChain(logger *zap.Logger, middlewares ...ResponseMiddleware) *ResponseChain {
	sorted := append([]ResponseMiddleware(nil), middlewares...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})
	return &ResponseChain{
		middlewares: sorted,
		logger:      logger.With(zap.String("component", "response-chain")),
	}
}

// Process runs the chain over a buffered response. A middleware error is
// logged and skipped; response processing must never lose the upstream
// answer to a post-processing defect.
func (c *ResponseChain) Process(ctx context.Context, resp *entity.ChatResponse, sess *session.Session) *entity.ChatResponse {
	for _, mw := range c.middlewares {
		next, err := mw.Process(ctx, resp, sess)
		if err != nil {
			c.logger.Error("Response middleware failed",
				zap.String("middleware", mw.Name()),
				zap.Error(err),
			)
			continue
		}
		if next != nil {
			resp = next
		}
	}
	return resp
}

// WrapStream threads a streaming body through every stream-capable
// middleware, in the same priority order as Process.
func (c *ResponseChain) WrapStream(ctx context.Context, sess *session.Session, in <-chan []byte) <-chan []byte {
	out := in
	for _, mw := range c.middlewares {
		if sw, ok := mw.(StreamMiddleware); ok {
			out = sw.WrapStream(ctx, sess, out)
		}
	}
	return out
}
