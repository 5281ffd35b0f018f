package service

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"

	"github.com/llmrelay/relay/internal/domain/entity"
	"github.com/llmrelay/relay/internal/domain/session"
)

// defaultShellToolNames are the tool names whose arguments carry a shell
// command to inspect.
var defaultShellToolNames = map[string]bool{
	"execute_command":   true,
	"run_command":       true,
	"run_shell_command": true,
	"run_terminal_cmd":  true,
	"bash":              true,
	"shell":             true,
}

// extractShellCommand pulls the command string out of tool-call
// arguments. Arguments are repaired before parsing since models emit
// truncated or single-quoted JSON; accepted fields are command, cmd,
// input.command and a joined args array.
func extractShellCommand(arguments string) (string, bool) {
	repaired, err := jsonrepair.JSONRepair(arguments)
	if err != nil {
		repaired = arguments
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
		return "", false
	}
	if cmd, ok := parsed["command"].(string); ok && cmd != "" {
		return cmd, true
	}
	if cmd, ok := parsed["cmd"].(string); ok && cmd != "" {
		return cmd, true
	}
	if input, ok := parsed["input"].(map[string]interface{}); ok {
		if cmd, ok := input["command"].(string); ok && cmd != "" {
			return cmd, true
		}
	}
	if args, ok := parsed["args"].([]interface{}); ok && len(args) > 0 {
		parts := make([]string, 0, len(args))
		for _, a := range args {
			if s, ok := a.(string); ok {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " "), true
		}
	}
	return "", false
}

// defaultDangerousPatterns block destructive shell commands outright.
var defaultDangerousPatterns = []string{
	`git\s+reset\s+--hard`,
	`git\s+checkout\s+\.`,
	`git\s+clean\s+-[a-z]*f`,
	`git\s+push\s+.*--force(?:-with-lease)?`,
	`rm\s+(-[a-z]*\s+)*-[a-z]*r[a-z]*f|rm\s+(-[a-z]*\s+)*-[a-z]*f[a-z]*r`,
	`rm\s+-rf?\s+[~/.]`,
	`mkfs\.`,
	`dd\s+if=.*of=/dev/`,
	`:\s*\(\)\s*\{.*\};\s*:`,
	`chmod\s+-R\s+777\s+/`,
}

// dangerousSteeringText replaces a blocked tool call. It addresses the
// model directly so the next turn does not retry the same command.
const dangerousSteeringText = "[Proxy security enforcement module] The command you attempted to run " +
	"was blocked because it matches a destructive-command rule. Do not retry this command. " +
	"Explain the situation to the user and propose a safer alternative."

// ShellGuardConfig tunes the dangerous-command middleware.
type ShellGuardConfig struct {
	ToolNames []string
	Patterns  []string
}

// ShellGuard drops tool calls whose shell command matches a
// dangerous-command rule and steers the model away from retrying.
type ShellGuard struct {
	tools    map[string]bool
	patterns []*regexp.Regexp
	logger   *zap.Logger
}

// NewShellGuard compiles the rule set. Invalid rules are skipped with a
// warning.
func NewShellGuard(cfg ShellGuardConfig, logger *zap.Logger) *ShellGuard {
	g := &ShellGuard{
		tools:  defaultShellToolNames,
		logger: logger.With(zap.String("middleware", "shell-guard")),
	}
	if len(cfg.ToolNames) > 0 {
		g.tools = make(map[string]bool, len(cfg.ToolNames))
		for _, name := range cfg.ToolNames {
			g.tools[name] = true
		}
	}
	raw := cfg.Patterns
	if len(raw) == 0 {
		raw = defaultDangerousPatterns
	}
	for _, p := range raw {
		re, err := regexp.Compile(p)
		if err != nil {
			g.logger.Warn("Skipping invalid dangerous-command rule",
				zap.String("pattern", p),
				zap.Error(err),
			)
			continue
		}
		g.patterns = append(g.patterns, re)
	}
	return g
}

func (g *ShellGuard) Name() string  { return "shell-guard" }
func (g *ShellGuard) Priority() int { return 80 }

func (g *ShellGuard) Process(_ context.Context, resp *entity.ChatResponse, sess *session.Session) (*entity.ChatResponse, error) {
	if !resp.HasToolCalls() {
		return resp, nil
	}

	for ci := range resp.Choices {
		msg := &resp.Choices[ci].Message
		var kept []entity.ToolCall
		blocked := false
		for _, tc := range msg.ToolCalls {
			if cmd, matched := g.inspect(tc); matched {
				blocked = true
				g.logger.Warn("Dangerous command blocked",
					zap.String("session_id", sess.ID),
					zap.String("tool", tc.Function.Name),
					zap.String("command", cmd),
				)
				continue
			}
			kept = append(kept, tc)
		}
		if !blocked {
			continue
		}
		msg.ToolCalls = kept
		msg.Content = dangerousSteeringText
		if len(kept) == 0 {
			resp.Choices[ci].FinishReason = "stop"
		}
	}
	return resp, nil
}

// inspect reports whether one tool call carries a blocked command.
func (g *ShellGuard) inspect(tc entity.ToolCall) (string, bool) {
	if !g.tools[tc.Function.Name] {
		return "", false
	}
	cmd, ok := extractShellCommand(tc.Function.Arguments)
	if !ok {
		return "", false
	}
	for _, re := range g.patterns {
		if re.MatchString(cmd) {
			return cmd, true
		}
	}
	return "", false
}

// --- pytest handling ---

var pytestInvocation = regexp.MustCompile(`(?:^|\s|;|&&|\|\|)(?:python(?:3)?\s+-m\s+)?(?:pytest|py\.test)(?:\s|$)`)

// isPytestCommand reports whether a shell command invokes pytest.
func isPytestCommand(cmd string) bool {
	return pytestInvocation.MatchString(cmd)
}

// isFullSuitePytest reports whether a pytest invocation selects the whole
// suite: no file, directory, or node-id argument follows the command.
func isFullSuitePytest(cmd string) bool {
	if !isPytestCommand(cmd) {
		return false
	}
	fields := strings.Fields(cmd)
	seen := false
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if !seen {
			if f == "pytest" || f == "py.test" {
				seen = true
			}
			continue
		}
		if strings.HasPrefix(f, "-") {
			// Option with a separate value argument.
			switch f {
			case "-k", "-m", "-p", "--maxfail", "-n", "--co", "--tb":
				i++
			}
			continue
		}
		// A positional selector: path, module or node id.
		if strings.Contains(f, "::") || strings.Contains(f, "/") ||
			strings.HasSuffix(f, ".py") || f == "." {
			return false
		}
		return false
	}
	return seen
}

// PytestCompressionDetector arms one-shot tool-reply compression when
// the model runs pytest, so the next tool result can be trimmed before
// it bloats the context. The call itself passes through.
type PytestCompressionDetector struct {
	logger *zap.Logger
}

func NewPytestCompressionDetector(logger *zap.Logger) *PytestCompressionDetector {
	return &PytestCompressionDetector{logger: logger.With(zap.String("middleware", "pytest-compress"))}
}

func (d *PytestCompressionDetector) Name() string  { return "pytest-compress" }
func (d *PytestCompressionDetector) Priority() int { return 70 }

func (d *PytestCompressionDetector) Process(_ context.Context, resp *entity.ChatResponse, sess *session.Session) (*entity.ChatResponse, error) {
	if sess.State.CompressNextToolCallReply || !resp.HasToolCalls() {
		return resp, nil
	}
	for _, choice := range resp.Choices {
		for _, tc := range choice.Message.ToolCalls {
			if !defaultShellToolNames[tc.Function.Name] {
				continue
			}
			cmd, ok := extractShellCommand(tc.Function.Arguments)
			if ok && isPytestCommand(cmd) {
				sess.State = sess.State.WithCompressNextToolCallReply(true)
				d.logger.Info("Pytest run detected, next tool reply will be compressed",
					zap.String("session_id", sess.ID),
				)
				return resp, nil
			}
		}
	}
	return resp, nil
}

// fullSuiteSteeringText is returned instead of the first full-suite run.
const fullSuiteSteeringText = "[Proxy test-run advisor] Running the entire test suite is expensive. " +
	"Run only the tests related to your change first (pass a file or node id to pytest). " +
	"If you still want the full suite, issue the exact same command again."

// FullSuiteGuard swallows the first full-suite pytest invocation per
// session and steers toward a targeted run. Re-issuing the identical
// command within the TTL passes through.
type FullSuiteGuard struct {
	mu     sync.Mutex
	warned map[string]fullSuiteWarning // keyed by session id
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

type fullSuiteWarning struct {
	command string
	at      time.Time
}

const defaultFullSuiteTTL = 5 * time.Minute

func NewFullSuiteGuard(ttl time.Duration, logger *zap.Logger) *FullSuiteGuard {
	if ttl <= 0 {
		ttl = defaultFullSuiteTTL
	}
	return &FullSuiteGuard{
		warned: make(map[string]fullSuiteWarning),
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With(zap.String("middleware", "full-suite-guard")),
	}
}

func (g *FullSuiteGuard) Name() string  { return "full-suite-guard" }
func (g *FullSuiteGuard) Priority() int { return 60 }

func (g *FullSuiteGuard) Process(_ context.Context, resp *entity.ChatResponse, sess *session.Session) (*entity.ChatResponse, error) {
	if !resp.HasToolCalls() {
		return resp, nil
	}
	for ci := range resp.Choices {
		msg := &resp.Choices[ci].Message
		for ti, tc := range msg.ToolCalls {
			if !defaultShellToolNames[tc.Function.Name] {
				continue
			}
			cmd, ok := extractShellCommand(tc.Function.Arguments)
			if !ok || !isFullSuitePytest(cmd) {
				continue
			}
			if g.allow(sess.ID, cmd) {
				continue
			}
			msg.ToolCalls = append(msg.ToolCalls[:ti], msg.ToolCalls[ti+1:]...)
			msg.Content = fullSuiteSteeringText
			if len(msg.ToolCalls) == 0 {
				resp.Choices[ci].FinishReason = "stop"
			}
			g.logger.Info("Full-suite pytest run swallowed",
				zap.String("session_id", sess.ID),
				zap.String("command", cmd),
			)
			return resp, nil
		}
	}
	return resp, nil
}

// allow reports whether this invocation may pass: true when the same
// command was already warned about within the TTL.
func (g *FullSuiteGuard) allow(sessionID, cmd string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	prev, ok := g.warned[sessionID]
	if ok && prev.command == cmd && now.Sub(prev.at) <= g.ttl {
		delete(g.warned, sessionID)
		return true
	}
	g.warned[sessionID] = fullSuiteWarning{command: cmd, at: now}
	return false
}
