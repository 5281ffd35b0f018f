package command

import (
	"go.uber.org/zap"

	"github.com/llmrelay/relay/internal/domain/entity"
	"github.com/llmrelay/relay/internal/domain/session"
)

// Outcome is the result of scanning one turn's messages for commands.
type Outcome struct {
	Executed bool
	Command  Command
	Result   Result
	// Messages carries the turn's messages with the executed command's
	// textual span removed. Untouched when no command was found.
	Messages []entity.ChatMessage
}

// Processor finds and executes at most one in-band command per turn.
type Processor struct {
	parser   *Parser
	registry *Registry
	logger   *zap.Logger
}

// NewProcessor wires a parser and registry into a turn processor.
func NewProcessor(parser *Parser, registry *Registry, logger *zap.Logger) *Processor {
	return &Processor{
		parser:   parser,
		registry: registry,
		logger:   logger.With(zap.String("component", "command-processor")),
	}
}

// Process scans user messages last-to-first; the first message containing
// a command is the only one processed this turn. Within that message,
// parts are examined in order; once a command executes, the rest pass
// through unchanged. State transitions are applied to sess.State; the
// caller is responsible for committing the session.
func (p *Processor) Process(messages []entity.ChatMessage, sess *session.Session) Outcome {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != entity.RoleUser {
			continue
		}
		outcome, found := p.processMessage(messages, i, sess)
		if found {
			return outcome
		}
	}
	return Outcome{Messages: messages}
}

func (p *Processor) processMessage(messages []entity.ChatMessage, idx int, sess *session.Session) (Outcome, bool) {
	msg := messages[idx]

	if len(msg.Parts) == 0 {
		match, found := p.parser.FindFirst(msg.Content)
		if !found {
			return Outcome{}, false
		}
		result := p.execute(match.Command, sess)
		out := cloneMessages(messages)
		out[idx].Content = RemoveSpan(msg.Content, match)
		return Outcome{Executed: true, Command: match.Command, Result: result, Messages: out}, true
	}

	for pi, part := range msg.Parts {
		if part.Type != entity.PartText {
			continue
		}
		match, found := p.parser.FindFirst(part.Text)
		if !found {
			continue
		}
		result := p.execute(match.Command, sess)
		out := cloneMessages(messages)
		out[idx].Parts = append([]entity.ContentPart(nil), msg.Parts...)
		out[idx].Parts[pi].Text = RemoveSpan(part.Text, match)
		return Outcome{Executed: true, Command: match.Command, Result: result, Messages: out}, true
	}
	return Outcome{}, false
}

func (p *Processor) execute(cmd Command, sess *session.Session) Result {
	result := p.registry.Execute(cmd, sess)
	if result.NewState != nil {
		sess.State = *result.NewState
	}
	if result.Success {
		p.logger.Info("Command executed",
			zap.String("command", cmd.Name),
			zap.String("session_id", sess.ID),
		)
	} else {
		p.logger.Warn("Command failed",
			zap.String("command", cmd.Name),
			zap.String("reason", result.Message),
			zap.String("session_id", sess.ID),
		)
	}
	return result
}

func cloneMessages(in []entity.ChatMessage) []entity.ChatMessage {
	out := make([]entity.ChatMessage, len(in))
	copy(out, in)
	return out
}
