// Package streaming repairs malformed JSON embedded in streamed model
// output without disturbing the surrounding prose.
package streaming

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"
)

// RepairConfig tunes one processor instance.
type RepairConfig struct {
	// SoftCap is the buffer size that triggers a warning. Buffering
	// continues past it; an object is never truncated mid-stream.
	SoftCap int
	// Schema optionally lists required top-level keys. When set, a
	// repaired object missing any of them is emitted unrepaired.
	Schema map[string]interface{}
}

const defaultSoftCap = 64 * 1024

// RepairProcessor transforms a text stream chunk-by-chunk. Non-JSON
// prefix text passes through untouched; once a { or [ opens, the
// processor buffers until the bracket closes, repairs the buffered
// candidate and emits its valid form. Stateful; one instance per stream.
type RepairProcessor struct {
	cfg    RepairConfig
	logger *zap.Logger

	buffering bool
	buf       strings.Builder
	depth     int
	inString  bool
	escaped   bool
	warned    bool
}

// NewRepairProcessor builds a processor for one response stream.
func NewRepairProcessor(cfg RepairConfig, logger *zap.Logger) *RepairProcessor {
	if cfg.SoftCap <= 0 {
		cfg.SoftCap = defaultSoftCap
	}
	return &RepairProcessor{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "json-repair-stream")),
	}
}

// Feed consumes one chunk and returns the text ready to emit. Output
// order is preserved; buffered JSON is withheld until it closes.
func (p *RepairProcessor) Feed(chunk string) []string {
	var out []string
	var passthrough strings.Builder

	for _, r := range chunk {
		if !p.buffering {
			if r == '{' || r == '[' {
				if passthrough.Len() > 0 {
					out = append(out, passthrough.String())
					passthrough.Reset()
				}
				p.buffering = true
				p.depth = 0
				p.inString = false
				p.escaped = false
				p.warned = false
				p.buf.Reset()
			} else {
				passthrough.WriteRune(r)
				continue
			}
		}

		p.buf.WriteRune(r)
		p.track(r)

		if !p.warned && p.buf.Len() > p.cfg.SoftCap {
			p.warned = true
			p.logger.Warn("JSON repair buffer exceeded soft cap",
				zap.Int("size", p.buf.Len()),
				zap.Int("soft_cap", p.cfg.SoftCap),
			)
		}

		if p.depth == 0 && !p.inString {
			out = append(out, p.repair(p.buf.String()))
			p.buffering = false
			p.buf.Reset()
		}
	}

	if passthrough.Len() > 0 {
		out = append(out, passthrough.String())
	}
	return out
}

// Finish flushes a pending buffer at end of stream. A dangling ":" gets
// " null" appended before the single repair attempt.
func (p *RepairProcessor) Finish() []string {
	if !p.buffering || p.buf.Len() == 0 {
		return nil
	}
	raw := p.buf.String()
	candidate := raw
	if strings.HasSuffix(strings.TrimRight(candidate, " \t\r\n"), ":") {
		candidate += " null"
	}
	p.buffering = false
	p.buf.Reset()

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil || !p.validate(repaired) {
		return []string{raw}
	}
	return []string{repaired}
}

// track updates bracket depth and string state for one rune.
func (p *RepairProcessor) track(r rune) {
	if p.inString {
		switch {
		case p.escaped:
			p.escaped = false
		case r == '\\':
			p.escaped = true
		case r == '"':
			p.inString = false
		}
		return
	}
	switch r {
	case '"':
		p.inString = true
	case '{', '[':
		p.depth++
	case '}', ']':
		p.depth--
	}
}

// repair runs the primitive over a closed candidate. Failure emits the
// raw text verbatim.
func (p *RepairProcessor) repair(raw string) string {
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		p.logger.Debug("JSON repair failed, emitting raw buffer",
			zap.Int("size", len(raw)),
		)
		return raw
	}
	if !p.validate(repaired) {
		return raw
	}
	return repaired
}

// validate applies the optional schema's required-key check.
func (p *RepairProcessor) validate(repaired string) bool {
	if p.cfg.Schema == nil {
		return true
	}
	required, ok := p.cfg.Schema["required"].([]interface{})
	if !ok {
		return true
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(repaired), &obj); err != nil {
		return false
	}
	for _, key := range required {
		name, ok := key.(string)
		if !ok {
			continue
		}
		if _, present := obj[name]; !present {
			return false
		}
	}
	return true
}
