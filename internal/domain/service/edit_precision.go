package service

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/llmrelay/relay/internal/domain/entity"
	"github.com/llmrelay/relay/internal/domain/session"
)

// Extra-body keys used to mark a precision-tuned request. Reserved keys
// start with "_" and are stripped before any upstream payload is built.
const (
	editPrecisionMetaKey = "_edit_precision_meta"
	editPrecisionModeKey = "_edit_precision_mode"
)

// defaultEditFailurePatterns match upstream tool output that indicates a
// failed file edit. Matching any of them lowers sampling parameters for
// the retry turn.
var defaultEditFailurePatterns = []string{
	`(?i)SEARCH/REPLACE block.*(?:not found|did not match)`,
	`(?i)search pattern not found in file`,
	`(?i)multiple matches found for search`,
	`(?i)failed to apply (?:the )?(?:diff|patch|hunk)`,
	`(?i)hunk #\d+ FAILED`,
	`(?i)edit could not be applied`,
	`(?i)old_str(?:ing)? (?:was )?not found`,
}

// EditPrecisionConfig tunes the retry-precision middleware.
type EditPrecisionConfig struct {
	// Patterns override the default failure indicators.
	Patterns []string
	// TargetTemperature per model prefix; "" keys the default.
	TargetTemperature map[string]float64
	// TopPFloor is the lowest top_p the tuner will force.
	TopPFloor float64
}

// EditPrecisionTuner lowers temperature and top_p for one turn when the
// conversation shows a failed code edit. One-shot, never sticky; the
// original values are recorded in extra_body metadata.
type EditPrecisionTuner struct {
	patterns []*regexp.Regexp
	targets  map[string]float64
	topP     float64
	logger   *zap.Logger
}

const (
	defaultPrecisionTemperature = 0.1
	defaultTopPFloor            = 0.3
)

// NewEditPrecisionTuner compiles the pattern table. Invalid patterns are
// skipped with a warning rather than failing startup.
func NewEditPrecisionTuner(cfg EditPrecisionConfig, logger *zap.Logger) *EditPrecisionTuner {
	raw := cfg.Patterns
	if len(raw) == 0 {
		raw = defaultEditFailurePatterns
	}
	t := &EditPrecisionTuner{
		targets: cfg.TargetTemperature,
		topP:    cfg.TopPFloor,
		logger:  logger.With(zap.String("middleware", "edit-precision")),
	}
	if t.topP <= 0 {
		t.topP = defaultTopPFloor
	}
	for _, p := range raw {
		re, err := regexp.Compile(p)
		if err != nil {
			t.logger.Warn("Skipping invalid edit-failure pattern",
				zap.String("pattern", p),
				zap.Error(err),
			)
			continue
		}
		t.patterns = append(t.patterns, re)
	}
	return t
}

func (t *EditPrecisionTuner) Name() string  { return "edit-precision" }
func (t *EditPrecisionTuner) Priority() int { return 90 }

func (t *EditPrecisionTuner) Process(_ context.Context, req *entity.ChatRequest, _ *session.Session) (*entity.ChatRequest, error) {
	if !t.matches(req) {
		return req, nil
	}

	target := t.targetFor(req.Model)
	out := req.Clone()

	meta := map[string]interface{}{}
	if req.Temperature != nil {
		meta["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		meta["top_p"] = *req.TopP
	}

	// A hard temperature of 0 on the failing turn means the retry would
	// reproduce the same output; raise it to the target instead.
	temp := target
	if req.Temperature != nil && *req.Temperature > 0 && *req.Temperature < target {
		temp = *req.Temperature
	}
	out.Temperature = &temp

	if req.TopP == nil || *req.TopP > t.topP {
		topP := t.topP
		out.TopP = &topP
	}

	out.SetExtra(editPrecisionMetaKey, meta)
	out.SetExtra(editPrecisionModeKey, true)

	t.logger.Info("Edit-precision mode engaged",
		zap.String("model", req.Model),
		zap.Float64("temperature", temp),
	)
	return out, nil
}

// matches scans the last user text first, then the rest of the turn.
func (t *EditPrecisionTuner) matches(req *entity.ChatRequest) bool {
	if last := req.LastUserText(); last != "" && t.matchText(last) {
		return true
	}
	for _, m := range req.Messages {
		if t.matchText(m.TextContent()) {
			return true
		}
	}
	return false
}

func (t *EditPrecisionTuner) matchText(text string) bool {
	if text == "" {
		return false
	}
	for _, re := range t.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func (t *EditPrecisionTuner) targetFor(model string) float64 {
	if t.targets != nil {
		_, name := entity.SplitModel(model)
		for prefix, target := range t.targets {
			if prefix == "" {
				continue
			}
			if strings.HasPrefix(name, prefix) || strings.HasPrefix(model, prefix) {
				return target
			}
		}
		if target, ok := t.targets[""]; ok {
			return target
		}
	}
	return defaultPrecisionTemperature
}
