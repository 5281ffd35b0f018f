package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/llmrelay/relay/internal/domain/entity"
	"github.com/llmrelay/relay/internal/domain/session"
)

// RoutePrefix marks a request model that names a failover route.
const RoutePrefix = "route:"

// dispatchTargetsKey carries the expanded failover targets to the
// dispatcher; stripped before any upstream payload is built.
const dispatchTargetsKey = "_dispatch_targets"

// OneoffConsumer applies an armed one-shot backend/model override to the
// next request and disarms it in the same turn.
type OneoffConsumer struct {
	logger *zap.Logger
}

func NewOneoffConsumer(logger *zap.Logger) *OneoffConsumer {
	return &OneoffConsumer{logger: logger.With(zap.String("middleware", "oneoff"))}
}

func (o *OneoffConsumer) Name() string  { return "oneoff" }
func (o *OneoffConsumer) Priority() int { return 80 }

func (o *OneoffConsumer) Process(_ context.Context, req *entity.ChatRequest, sess *session.Session) (*entity.ChatRequest, error) {
	if !sess.State.HasOneoff() {
		return req, nil
	}
	backend := sess.State.Backend.OneoffBackend
	model := sess.State.Backend.OneoffModel

	out := req.Clone()
	out.Model = backend + ":" + model
	sess.State = sess.State.ClearOneoff()

	o.logger.Info("Oneoff override consumed",
		zap.String("session_id", sess.ID),
		zap.String("backend", backend),
		zap.String("model", model),
	)
	return out, nil
}

// FailoverExpander replaces a "route:<name>" model with the route's
// ordered elements. The first element becomes the request model; the
// full list rides in extra_body for the dispatcher to iterate.
type FailoverExpander struct {
	logger *zap.Logger
}

func NewFailoverExpander(logger *zap.Logger) *FailoverExpander {
	return &FailoverExpander{logger: logger.With(zap.String("middleware", "failover-expand"))}
}

func (f *FailoverExpander) Name() string  { return "failover-expand" }
func (f *FailoverExpander) Priority() int { return 70 }

func (f *FailoverExpander) Process(_ context.Context, req *entity.ChatRequest, sess *session.Session) (*entity.ChatRequest, error) {
	if !strings.HasPrefix(req.Model, RoutePrefix) {
		return req, nil
	}
	name := strings.TrimPrefix(req.Model, RoutePrefix)
	route, ok := sess.State.Route(name)
	if !ok || len(route.Elements) == 0 {
		f.logger.Warn("Unknown or empty failover route requested",
			zap.String("session_id", sess.ID),
			zap.String("route", name),
		)
		return req, nil
	}

	out := req.Clone()
	out.Model = route.Elements[0]
	out.SetExtra(dispatchTargetsKey, append([]string(nil), route.Elements...))

	f.logger.Info("Failover route expanded",
		zap.String("session_id", sess.ID),
		zap.String("route", name),
		zap.Int("elements", len(route.Elements)),
	)
	return out, nil
}

// DispatchTargets extracts the expanded failover targets, if any.
func DispatchTargets(req *entity.ChatRequest) []string {
	if req.ExtraBody == nil {
		return nil
	}
	switch v := req.ExtraBody[dispatchTargetsKey].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// PlanningRouter rewrites early-session requests to a stronger model
// while the planning budget lasts. Counters advance when the pipeline
// reports turn completion, not here.
type PlanningRouter struct {
	logger *zap.Logger
}

func NewPlanningRouter(logger *zap.Logger) *PlanningRouter {
	return &PlanningRouter{logger: logger.With(zap.String("middleware", "planning-router"))}
}

func (p *PlanningRouter) Name() string  { return "planning-router" }
func (p *PlanningRouter) Priority() int { return 60 }

func (p *PlanningRouter) Process(_ context.Context, req *entity.ChatRequest, sess *session.Session) (*entity.ChatRequest, error) {
	cfg := sess.State.PlanningPhase
	if !cfg.Enabled || cfg.StrongModel == "" {
		return req, nil
	}
	if sess.State.PlanningTurnCount >= cfg.MaxTurns {
		return req, nil
	}
	if sess.State.PlanningFileWriteCount >= cfg.MaxFileWrites {
		return req, nil
	}

	out := req.Clone()
	out.Model = cfg.StrongModel
	p.logger.Info("Planning phase routing engaged",
		zap.String("session_id", sess.ID),
		zap.String("model", cfg.StrongModel),
		zap.Int("turn", sess.State.PlanningTurnCount),
	)
	return out, nil
}
