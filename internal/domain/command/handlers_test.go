package command

import (
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/llmrelay/relay/internal/domain/entity"
	"github.com/llmrelay/relay/internal/domain/session"
)

// fakeDirectory is an ad-hoc BackendDirectory for tests.
type fakeDirectory struct {
	registered []string
	functional map[string]bool
}

func (f *fakeDirectory) RegisteredBackends() []string { return f.registered }
func (f *fakeDirectory) IsFunctional(name string) bool {
	return f.functional[name]
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := &fakeDirectory{
		registered: []string{"openai", "openrouter", "anthropic", "gemini", "qwen-oauth"},
		functional: map[string]bool{"openai": true, "openrouter": true, "anthropic": true, "gemini": true},
	}
	r := NewRegistry()
	if err := RegisterBuiltins(r, dir); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	return r
}

func run(t *testing.T, r *Registry, sess *session.Session, text string) Result {
	t.Helper()
	p := NewParser("")
	m, found := p.FindFirst(text)
	if !found {
		t.Fatalf("no command in %q", text)
	}
	res := r.Execute(m.Command, sess)
	if res.NewState != nil {
		sess.State = *res.NewState
	}
	return res
}

func TestModelHandler_PrefixedName(t *testing.T) {
	r := newTestRegistry(t)
	sess := session.NewSession("s")

	res := run(t, r, sess, "!/model(openrouter:gpt-4)")
	if !res.Success {
		t.Fatalf("expected success: %s", res.Message)
	}
	if sess.State.Backend.BackendType != "openrouter" || sess.State.Backend.Model != "gpt-4" {
		t.Fatalf("unexpected state: %+v", sess.State.Backend)
	}
	if !strings.Contains(res.Message, "Model changed to gpt-4") {
		t.Fatalf("unexpected message: %s", res.Message)
	}
}

func TestModelHandler_UnregisteredBackend(t *testing.T) {
	r := newTestRegistry(t)
	sess := session.NewSession("s")

	res := run(t, r, sess, "!/model(nosuch:gpt-4)")
	if res.Success {
		t.Fatal("unregistered backend should fail")
	}
	if sess.State.Backend.Model != "" {
		t.Fatal("state must not change on failure")
	}
}

func TestModelHandler_EmptyClears(t *testing.T) {
	r := newTestRegistry(t)
	sess := session.NewSession("s")
	sess.State = sess.State.WithModel("gpt-4")

	res := run(t, r, sess, "!/model()")
	if !res.Success {
		t.Fatalf("expected success: %s", res.Message)
	}
	if sess.State.Backend.Model != "" {
		t.Fatal("empty name should clear the model")
	}
}

func TestBackendHandler_NonFunctionalClearsWithWarning(t *testing.T) {
	r := newTestRegistry(t)
	sess := session.NewSession("s")
	sess.State = sess.State.WithBackend("openai")

	res := run(t, r, sess, "!/backend(qwen-oauth)")
	if !res.Success {
		t.Fatal("non-functional backend still counts as handled")
	}
	if !strings.Contains(res.Message, "not functional") {
		t.Fatalf("expected a warning, got %s", res.Message)
	}
	if sess.State.Backend.BackendType != "" {
		t.Fatal("backend selection should be cleared")
	}
}

func TestTemperatureHandler_Bounds(t *testing.T) {
	r := newTestRegistry(t)
	sess := session.NewSession("s")

	if res := run(t, r, sess, "!/temperature(0.4)"); !res.Success {
		t.Fatalf("expected success: %s", res.Message)
	}
	if sess.State.Reasoning.Temperature == nil || *sess.State.Reasoning.Temperature != 0.4 {
		t.Fatal("temperature not applied")
	}

	if res := run(t, r, sess, "!/temperature(1.5)"); res.Success {
		t.Fatal("temperature > 1 must fail")
	}
	if res := run(t, r, sess, "!/temperature(warm)"); res.Success {
		t.Fatal("non-numeric temperature must fail")
	}
}

func TestOpenAIURLHandler_Validation(t *testing.T) {
	r := newTestRegistry(t)
	sess := session.NewSession("s")

	if res := run(t, r, sess, "!/openai-url(https://example.com/v1)"); !res.Success {
		t.Fatalf("expected success: %s", res.Message)
	}
	if res := run(t, r, sess, "!/openai-url(ftp://example.com)"); res.Success {
		t.Fatal("non-http URL must fail")
	}
}

func TestOneoffHandler(t *testing.T) {
	r := newTestRegistry(t)
	sess := session.NewSession("s")

	res := run(t, r, sess, "!/oneoff(anthropic/claude-3-opus)")
	if !res.Success {
		t.Fatalf("expected success: %s", res.Message)
	}
	if sess.State.Backend.OneoffBackend != "anthropic" || sess.State.Backend.OneoffModel != "claude-3-opus" {
		t.Fatalf("oneoff not armed: %+v", sess.State.Backend)
	}

	if res := run(t, r, sess, "!/oneoff(claude-3-opus)"); res.Success {
		t.Fatal("oneoff without a backend must fail")
	}
}

func TestSetHandler_MultiKey(t *testing.T) {
	r := newTestRegistry(t)
	sess := session.NewSession("s")

	res := run(t, r, sess, "!/set(model=openai:gpt-4, temperature=0.2)")
	if !res.Success {
		t.Fatalf("expected success: %s", res.Message)
	}
	if sess.State.Backend.Model != "gpt-4" {
		t.Fatal("model not set")
	}
	if sess.State.Reasoning.Temperature == nil || *sess.State.Reasoning.Temperature != 0.2 {
		t.Fatal("temperature not set")
	}
}

func TestSetHandler_PartialFailureContinues(t *testing.T) {
	r := newTestRegistry(t)
	sess := session.NewSession("s")

	res := run(t, r, sess, "!/set(temperature=nope, model=gpt-4)")
	if res.Success {
		t.Fatal("bad key should mark the result failed")
	}
	// The valid key must still be applied.
	if sess.State.Backend.Model != "gpt-4" {
		t.Fatal("valid keys should apply despite a failing sibling")
	}
}

// set(k=v) followed by unset(k) must be identity on state for every
// handled key.
func TestSetUnset_Identity(t *testing.T) {
	r := newTestRegistry(t)
	pairs := map[string]string{
		"model":       "gpt-4",
		"backend":     "openai",
		"temperature": "0.5",
		"openai-url":  "https://example.com/v1",
		"top-p":       "0.9",
		"project":     "demo",
	}
	for key, value := range pairs {
		sess := session.NewSession("s")
		before := sess.State
		run(t, r, sess, "!/set("+key+"="+value+")")
		run(t, r, sess, "!/unset("+key+")")
		after := sess.State
		if before.Backend.Model != after.Backend.Model ||
			before.Backend.BackendType != after.Backend.BackendType ||
			before.Backend.OpenAIURL != after.Backend.OpenAIURL ||
			before.Project != after.Project ||
			(before.Reasoning.Temperature == nil) != (after.Reasoning.Temperature == nil) ||
			(before.Reasoning.TopP == nil) != (after.Reasoning.TopP == nil) {
			t.Fatalf("set/unset of %s not identity: %+v vs %+v", key, before, after)
		}
	}
}

func TestUnset_UnknownKeysIgnored(t *testing.T) {
	r := newTestRegistry(t)
	sess := session.NewSession("s")
	if res := run(t, r, sess, "!/unset(model, bogus-key)"); !res.Success {
		t.Fatalf("unknown keys must be ignored silently: %s", res.Message)
	}
}

func TestPwdHandler(t *testing.T) {
	r := newTestRegistry(t)
	sess := session.NewSession("s")

	res := run(t, r, sess, "!/pwd")
	if res.Message != "Project directory not set." {
		t.Fatalf("unexpected message: %q", res.Message)
	}

	sess.State.ProjectDir = "/work/demo"
	res = run(t, r, sess, "!/pwd")
	if res.Message != "/work/demo" {
		t.Fatalf("unexpected message: %q", res.Message)
	}
}

func TestLoopDetectionHandler_Booleanization(t *testing.T) {
	r := newTestRegistry(t)
	sess := session.NewSession("s")

	for _, truthy := range []string{"true", "True", "yes", "1", "on"} {
		if res := run(t, r, sess, "!/loop-detection(enabled="+truthy+")"); !res.Success {
			t.Fatalf("truthy %q rejected: %s", truthy, res.Message)
		}
		if !sess.State.Loop.LoopDetectionEnabled {
			t.Fatalf("truthy %q did not enable", truthy)
		}
	}
	for _, falsey := range []string{"false", "False", "no", "0", "off"} {
		if res := run(t, r, sess, "!/loop-detection(enabled="+falsey+")"); !res.Success {
			t.Fatalf("falsey %q rejected: %s", falsey, res.Message)
		}
		if sess.State.Loop.LoopDetectionEnabled {
			t.Fatalf("falsey %q did not disable", falsey)
		}
	}

	// Missing argument defaults to enable.
	sess.State = sess.State.WithLoopDetection(false)
	run(t, r, sess, "!/loop-detection")
	if !sess.State.Loop.LoopDetectionEnabled {
		t.Fatal("missing arg should default to enable")
	}
}

func TestToolLoopHandlers_Validation(t *testing.T) {
	r := newTestRegistry(t)
	sess := session.NewSession("s")

	if res := run(t, r, sess, "!/tool-loop-max-repeats(max_repeats=1)"); res.Success {
		t.Fatal("max_repeats < 2 must fail")
	}
	if res := run(t, r, sess, "!/tool-loop-max-repeats(max_repeats=4)"); !res.Success {
		t.Fatalf("expected success: %s", res.Message)
	}
	if sess.State.Loop.ToolLoopMaxRepeats != 4 {
		t.Fatal("max repeats not applied")
	}

	if res := run(t, r, sess, "!/tool-loop-ttl(ttl_seconds=0)"); res.Success {
		t.Fatal("ttl < 1 must fail")
	}
	if res := run(t, r, sess, "!/tool-loop-mode(chance_then_break)"); !res.Success {
		t.Fatalf("expected success: %s", res.Message)
	}
	if sess.State.Loop.ToolLoopMode != session.LoopModeChanceThenBreak {
		t.Fatal("mode not applied")
	}
	if res := run(t, r, sess, "!/tool-loop-mode(sometimes)"); res.Success {
		t.Fatal("invalid mode must fail")
	}
}

func TestFailoverRouteCommands(t *testing.T) {
	r := newTestRegistry(t)
	sess := session.NewSession("s")

	if res := run(t, r, sess, "!/create-failover-route(name=r1, policy=x)"); res.Success {
		t.Fatal("bad policy must fail")
	}
	if res := run(t, r, sess, "!/create-failover-route(name=r1, policy=k)"); !res.Success {
		t.Fatalf("expected success: %s", res.Message)
	}
	if res := run(t, r, sess, "!/route-append(name=r1, element=openai:gpt-4)"); !res.Success {
		t.Fatalf("expected success: %s", res.Message)
	}
	if res := run(t, r, sess, "!/route-append(name=r1, element=notamodel)"); res.Success {
		t.Fatal("malformed element must fail")
	}
	run(t, r, sess, "!/route-prepend(name=r1, element=anthropic:claude-3-opus)")

	route, _ := sess.State.Route("r1")
	if len(route.Elements) != 2 || route.Elements[0] != "anthropic:claude-3-opus" {
		t.Fatalf("unexpected elements: %v", route.Elements)
	}

	res := run(t, r, sess, "!/route-list(name=r1)")
	if !strings.Contains(res.Message, "anthropic:claude-3-opus") {
		t.Fatalf("route-list missing element: %s", res.Message)
	}

	res = run(t, r, sess, "!/list-failover-routes")
	if !strings.Contains(res.Message, "r1:k") {
		t.Fatalf("unexpected listing: %s", res.Message)
	}

	run(t, r, sess, "!/route-clear(name=r1)")
	route, _ = sess.State.Route("r1")
	if len(route.Elements) != 0 {
		t.Fatal("route-clear should empty elements")
	}

	// Deleting a missing route is silent.
	if res := run(t, r, sess, "!/delete-failover-route(name=ghost)"); !res.Success {
		t.Fatal("delete of missing route should not fail")
	}
	run(t, r, sess, "!/delete-failover-route(name=r1)")
	if _, found := sess.State.Route("r1"); found {
		t.Fatal("route not deleted")
	}
}

func TestHelpHandler(t *testing.T) {
	r := newTestRegistry(t)
	sess := session.NewSession("s")

	res := run(t, r, sess, "!/help")
	if !res.Success || !strings.Contains(res.Message, "model") {
		t.Fatalf("general help should list commands: %s", res.Message)
	}

	res = run(t, r, sess, "!/help(oneoff)")
	if !strings.Contains(res.Message, "Usage:") {
		t.Fatalf("command help should show usage: %s", res.Message)
	}

	if res := run(t, r, sess, "!/help(nonexistent)"); res.Success {
		t.Fatal("help for unknown command must fail")
	}
}

func TestRegistry_CaseInsensitiveAndAliases(t *testing.T) {
	r := newTestRegistry(t)
	if _, found := r.Lookup("MODEL"); !found {
		t.Fatal("lookup should be case-insensitive")
	}
	if _, found := r.Lookup("one-off"); !found {
		t.Fatal("alias lookup failed")
	}
	if err := r.Register(&HelloHandler{}); err == nil {
		t.Fatal("duplicate registration must fail")
	}
}

// === Processor ===

func TestProcessor_LastMessageScannedFirst(t *testing.T) {
	r := newTestRegistry(t)
	proc := NewProcessor(NewParser(""), r, zap.NewNop())
	sess := session.NewSession("s")

	messages := []entity.ChatMessage{
		{Role: entity.RoleUser, Content: "!/model(openai:gpt-3.5-turbo) first"},
		{Role: entity.RoleAssistant, Content: "ok"},
		{Role: entity.RoleUser, Content: "!/model(openai:gpt-4) second"},
	}
	out := proc.Process(messages, sess)
	if !out.Executed {
		t.Fatal("expected a command execution")
	}
	if sess.State.Backend.Model != "gpt-4" {
		t.Fatalf("last message should win, got %s", sess.State.Backend.Model)
	}
	// Only the processed message changes.
	if out.Messages[2].Content != " second" {
		t.Fatalf("span not removed: %q", out.Messages[2].Content)
	}
	if out.Messages[0].Content != "!/model(openai:gpt-3.5-turbo) first" {
		t.Fatal("earlier message must pass through unchanged")
	}
}

func TestProcessor_CommandInParts(t *testing.T) {
	r := newTestRegistry(t)
	proc := NewProcessor(NewParser(""), r, zap.NewNop())
	sess := session.NewSession("s")

	messages := []entity.ChatMessage{
		{Role: entity.RoleUser, Parts: []entity.ContentPart{
			{Type: entity.PartImage, MediaURL: "https://example.com/x.png"},
			{Type: entity.PartText, Text: "!/hello look at this"},
		}},
	}
	out := proc.Process(messages, sess)
	if !out.Executed {
		t.Fatal("expected a command execution")
	}
	if out.Messages[0].Parts[1].Text != " look at this" {
		t.Fatalf("span not removed from part: %q", out.Messages[0].Parts[1].Text)
	}
	if !sess.State.HelloRequested {
		t.Fatal("hello state not applied")
	}
}

func TestProcessor_FailureDoesNotAbort(t *testing.T) {
	r := newTestRegistry(t)
	proc := NewProcessor(NewParser(""), r, zap.NewNop())
	sess := session.NewSession("s")

	messages := []entity.ChatMessage{
		{Role: entity.RoleUser, Content: "!/temperature(way-too-hot) please answer"},
	}
	out := proc.Process(messages, sess)
	if !out.Executed {
		t.Fatal("failed command still counts as processed")
	}
	if out.Result.Success {
		t.Fatal("expected failure result")
	}
	if out.Messages[0].Content != " please answer" {
		t.Fatalf("span should be removed even on failure: %q", out.Messages[0].Content)
	}
}

func TestProcessor_NoCommand(t *testing.T) {
	r := newTestRegistry(t)
	proc := NewProcessor(NewParser(""), r, zap.NewNop())
	sess := session.NewSession("s")

	messages := []entity.ChatMessage{{Role: entity.RoleUser, Content: "plain question"}}
	out := proc.Process(messages, sess)
	if out.Executed {
		t.Fatal("no command expected")
	}
	if out.Messages[0].Content != "plain question" {
		t.Fatal("content must be unchanged")
	}
}
