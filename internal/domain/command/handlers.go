package command

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/llmrelay/relay/internal/domain/entity"
	"github.com/llmrelay/relay/internal/domain/session"
)

var (
	urlPattern     = regexp.MustCompile(`^https?://`)
	elementPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+[:/].+$`)
)

// parseBoolArg maps the accepted truthy/falsey spellings.
func parseBoolArg(s string) (value bool, ok bool) {
	switch s {
	case "true", "True", "yes", "1", "on":
		return true, true
	case "false", "False", "no", "0", "off":
		return false, true
	}
	return false, false
}

// namedOrBare resolves an argument given either as key=value or as a
// single bare positional, e.g. tool-loop-mode(mode=break) vs
// tool-loop-mode(break).
func namedOrBare(args Args, key string) string {
	if v, ok := args.Get(key); ok && v != "" {
		return v
	}
	for _, k := range args.Order {
		if args.Values[k] == "" && k != key {
			return k
		}
	}
	return ""
}

// RegisterBuiltins installs every built-in handler into the registry.
func RegisterBuiltins(r *Registry, backends BackendDirectory) error {
	handlers := []Handler{
		&SetHandler{backends: backends},
		&UnsetHandler{},
		&ModelHandler{backends: backends},
		&BackendHandler{backends: backends},
		&OpenAIURLHandler{},
		&TemperatureHandler{},
		&OneoffHandler{backends: backends},
		&HelloHandler{},
		&PwdHandler{},
		&LoopDetectionHandler{},
		&ToolLoopDetectionHandler{},
		&ToolLoopMaxRepeatsHandler{},
		&ToolLoopTTLHandler{},
		&ToolLoopModeHandler{},
		&CreateFailoverRouteHandler{},
		&DeleteFailoverRouteHandler{},
		&ListFailoverRoutesHandler{},
		&RouteAppendHandler{},
		&RoutePrependHandler{},
		&RouteClearHandler{},
		&RouteListHandler{},
	}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	// Help needs the registry itself for listings.
	return r.Register(&HelpHandler{registry: r})
}

// --- model / backend setters shared by set() and the dedicated commands ---

// applyModel implements the model(name) semantics: a "backend:model" or
// "backend/model" identifier sets both fields when the backend is
// registered; a bare name sets only the model; empty clears it.
func applyModel(st session.State, name string, backends BackendDirectory) (session.State, string, bool) {
	if name == "" {
		st = st.WithModel("")
		return st, "Model unset", true
	}
	backend, model := entity.SplitModel(name)
	if backend == "" {
		return st.WithModel(model), fmt.Sprintf("Model changed to %s", model), true
	}
	if !isRegistered(backends, backend) {
		return st, fmt.Sprintf("backend %s is not registered", backend), false
	}
	st = st.WithBackend(backend).WithModel(model)
	return st, fmt.Sprintf("Model changed to %s", model), true
}

func applyBackend(st session.State, name string, backends BackendDirectory) (session.State, string, bool) {
	if name == "" {
		return st.WithBackend(""), "Backend unset", true
	}
	if !backends.IsFunctional(name) {
		// A non-functional backend clears the selection with a warning;
		// the command still counts as handled.
		st = st.WithBackend("")
		return st, fmt.Sprintf("Warning: backend %s is not functional; backend selection cleared", name), true
	}
	return st.WithBackend(name), fmt.Sprintf("Backend changed to %s", name), true
}

func applyTemperature(st session.State, value string) (session.State, string, bool) {
	t, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return st, fmt.Sprintf("temperature must be numeric, got %q", value), false
	}
	if t < 0 || t > 1 {
		return st, fmt.Sprintf("temperature must be in [0,1], got %v", t), false
	}
	return st.WithTemperature(t), fmt.Sprintf("Temperature set to %v", t), true
}

func applyOpenAIURL(st session.State, value string) (session.State, string, bool) {
	if !urlPattern.MatchString(value) {
		return st, fmt.Sprintf("invalid URL %q: must start with http:// or https://", value), false
	}
	return st.WithOpenAIURL(value), fmt.Sprintf("OpenAI URL set to %s", value), true
}

func isRegistered(backends BackendDirectory, name string) bool {
	for _, b := range backends.RegisteredBackends() {
		if b == name {
			return true
		}
	}
	return false
}

// --- set / unset ---

// SetHandler is the multi-key setter; each key dispatches to its
// sub-setter and failures do not stop the remaining keys.
type SetHandler struct {
	backends BackendDirectory
}

func (h *SetHandler) Name() string        { return "set" }
func (h *SetHandler) Aliases() []string   { return nil }
func (h *SetHandler) Description() string { return "Set one or more session parameters" }
func (h *SetHandler) Usage() string       { return "!/set(key=value, ...)" }

func (h *SetHandler) Execute(args Args, sess *session.Session) Result {
	if args.Len() == 0 {
		return fail("set requires at least one key=value pair")
	}
	st := sess.State
	var messages []string
	success := true
	for _, key := range args.Keys() {
		value := args.Values[key]
		var msg string
		var okKey bool
		switch key {
		case "model":
			st, msg, okKey = applyModel(st, value, h.backends)
		case "backend":
			st, msg, okKey = applyBackend(st, value, h.backends)
		case "temperature":
			st, msg, okKey = applyTemperature(st, value)
		case "openai-url", "openai_url":
			st, msg, okKey = applyOpenAIURL(st, value)
		case "top-p", "top_p":
			p, err := strconv.ParseFloat(value, 64)
			if err != nil || p < 0 || p > 1 {
				msg, okKey = fmt.Sprintf("top_p must be a number in [0,1], got %q", value), false
			} else {
				st, msg, okKey = st.WithTopP(p), fmt.Sprintf("top_p set to %v", p), true
			}
		case "reasoning-effort", "reasoning_effort":
			st, msg, okKey = st.WithReasoningEffort(value), fmt.Sprintf("Reasoning effort set to %s", value), true
		case "project":
			st.Project = value
			msg, okKey = fmt.Sprintf("Project set to %s", value), true
		case "project-dir", "project_dir":
			st.ProjectDir = value
			msg, okKey = fmt.Sprintf("Project directory set to %s", value), true
		case "interactive", "interactive-mode":
			v, okb := parseBoolArg(value)
			if !okb {
				msg, okKey = fmt.Sprintf("interactive expects a boolean, got %q", value), false
			} else {
				if v && !st.Backend.InteractiveMode {
					st.InteractiveJustEnabled = true
				}
				st.Backend.InteractiveMode = v
				msg, okKey = fmt.Sprintf("Interactive mode set to %v", v), true
			}
		case "json-repair", "json_repair":
			v, okb := parseBoolArg(value)
			if !okb {
				msg, okKey = fmt.Sprintf("json-repair expects a boolean, got %q", value), false
			} else {
				st, msg, okKey = st.WithStreamJSONRepair(v), fmt.Sprintf("Streaming JSON repair set to %v", v), true
			}
		default:
			msg, okKey = fmt.Sprintf("unknown set key: %s", key), false
		}
		messages = append(messages, msg)
		if !okKey {
			success = false
		}
	}
	return Result{Success: success, Message: strings.Join(messages, "; "), NewState: &st}
}

// UnsetHandler clears keys positionally; unknown keys are silently ignored.
type UnsetHandler struct{}

func (h *UnsetHandler) Name() string        { return "unset" }
func (h *UnsetHandler) Aliases() []string   { return nil }
func (h *UnsetHandler) Description() string { return "Clear one or more session parameters" }
func (h *UnsetHandler) Usage() string       { return "!/unset(key1, key2, ...)" }

func (h *UnsetHandler) Execute(args Args, sess *session.Session) Result {
	if args.Len() == 0 {
		return fail("unset requires at least one key")
	}
	st := sess.State
	var cleared []string
	for _, key := range args.Keys() {
		switch key {
		case "model":
			st = st.WithModel("")
		case "backend":
			st = st.WithBackend("")
		case "temperature":
			st = st.WithoutTemperature()
		case "openai-url", "openai_url":
			st = st.WithOpenAIURL("")
		case "top-p", "top_p":
			st.Reasoning.TopP = nil
		case "reasoning-effort", "reasoning_effort":
			st = st.WithReasoningEffort("")
		case "project":
			st.Project = ""
		case "project-dir", "project_dir":
			st.ProjectDir = ""
		case "interactive", "interactive-mode":
			st.Backend.InteractiveMode = false
		case "json-repair", "json_repair":
			st = st.WithStreamJSONRepair(false)
		case "oneoff":
			st = st.ClearOneoff()
		default:
			continue // unknown keys are ignored
		}
		cleared = append(cleared, key)
	}
	if len(cleared) == 0 {
		return okState("Nothing to unset", st)
	}
	return okState(fmt.Sprintf("Unset: %s", strings.Join(cleared, ", ")), st)
}

// --- dedicated setters ---

type ModelHandler struct {
	backends BackendDirectory
}

func (h *ModelHandler) Name() string        { return "model" }
func (h *ModelHandler) Aliases() []string   { return nil }
func (h *ModelHandler) Description() string { return "Select the model, optionally as backend:model" }
func (h *ModelHandler) Usage() string       { return "!/model(name) or !/model(backend:model)" }

func (h *ModelHandler) Execute(args Args, sess *session.Session) Result {
	name := namedOrBare(args, "name")
	st, msg, okRes := applyModel(sess.State, name, h.backends)
	if !okRes {
		return fail("%s", msg)
	}
	return okState(msg, st)
}

type BackendHandler struct {
	backends BackendDirectory
}

func (h *BackendHandler) Name() string        { return "backend" }
func (h *BackendHandler) Aliases() []string   { return nil }
func (h *BackendHandler) Description() string { return "Select the upstream backend" }
func (h *BackendHandler) Usage() string       { return "!/backend(name)" }

func (h *BackendHandler) Execute(args Args, sess *session.Session) Result {
	name := namedOrBare(args, "name")
	st, msg, okRes := applyBackend(sess.State, name, h.backends)
	if !okRes {
		return fail("%s", msg)
	}
	return okState(msg, st)
}

type OpenAIURLHandler struct{}

func (h *OpenAIURLHandler) Name() string        { return "openai-url" }
func (h *OpenAIURLHandler) Aliases() []string   { return []string{"openai_url"} }
func (h *OpenAIURLHandler) Description() string { return "Override the OpenAI-compatible base URL" }
func (h *OpenAIURLHandler) Usage() string       { return "!/openai-url(https://host/v1)" }

func (h *OpenAIURLHandler) Execute(args Args, sess *session.Session) Result {
	url := namedOrBare(args, "url")
	st, msg, okRes := applyOpenAIURL(sess.State, url)
	if !okRes {
		return fail("%s", msg)
	}
	return okState(msg, st)
}

type TemperatureHandler struct{}

func (h *TemperatureHandler) Name() string        { return "temperature" }
func (h *TemperatureHandler) Aliases() []string   { return nil }
func (h *TemperatureHandler) Description() string { return "Set the sampling temperature (0..1)" }
func (h *TemperatureHandler) Usage() string       { return "!/temperature(0.7)" }

func (h *TemperatureHandler) Execute(args Args, sess *session.Session) Result {
	value := namedOrBare(args, "value")
	st, msg, okRes := applyTemperature(sess.State, value)
	if !okRes {
		return fail("%s", msg)
	}
	return okState(msg, st)
}

// OneoffHandler arms a single-use backend/model override consumed by the
// next request.
type OneoffHandler struct {
	backends BackendDirectory
}

func (h *OneoffHandler) Name() string        { return "oneoff" }
func (h *OneoffHandler) Aliases() []string   { return []string{"one-off"} }
func (h *OneoffHandler) Description() string { return "Use a backend/model for the next request only" }
func (h *OneoffHandler) Usage() string       { return "!/oneoff(backend/model)" }

func (h *OneoffHandler) Execute(args Args, sess *session.Session) Result {
	target := namedOrBare(args, "target")
	backend, model := entity.SplitModel(target)
	if backend == "" || model == "" {
		return fail("oneoff expects backend/model or backend:model, got %q", target)
	}
	if !isRegistered(h.backends, backend) {
		return fail("backend %s is not registered", backend)
	}
	st := sess.State.WithOneoff(backend, model)
	return okState(fmt.Sprintf("One-off override armed: %s/%s", backend, model), st)
}

// --- simple informational commands ---

type HelloHandler struct{}

func (h *HelloHandler) Name() string        { return "hello" }
func (h *HelloHandler) Aliases() []string   { return nil }
func (h *HelloHandler) Description() string { return "Greet the proxy and confirm it is listening" }
func (h *HelloHandler) Usage() string       { return "!/hello" }

func (h *HelloHandler) Execute(_ Args, sess *session.Session) Result {
	st := sess.State.WithHelloRequested(true)
	return okState("Hello! The proxy is listening; commands are processed in-band.", st)
}

type PwdHandler struct{}

func (h *PwdHandler) Name() string        { return "pwd" }
func (h *PwdHandler) Aliases() []string   { return nil }
func (h *PwdHandler) Description() string { return "Show the session's project directory" }
func (h *PwdHandler) Usage() string       { return "!/pwd" }

func (h *PwdHandler) Execute(_ Args, sess *session.Session) Result {
	if sess.State.ProjectDir == "" {
		return ok("Project directory not set.")
	}
	return ok(sess.State.ProjectDir)
}

// --- loop detection configuration ---

type LoopDetectionHandler struct{}

func (h *LoopDetectionHandler) Name() string      { return "loop-detection" }
func (h *LoopDetectionHandler) Aliases() []string { return []string{"loop_detection"} }
func (h *LoopDetectionHandler) Description() string {
	return "Enable or disable response loop detection"
}
func (h *LoopDetectionHandler) Usage() string { return "!/loop-detection(enabled=true)" }

func (h *LoopDetectionHandler) Execute(args Args, sess *session.Session) Result {
	enabled, res := boolToggle(args, "enabled")
	if res != nil {
		return *res
	}
	st := sess.State.WithLoopDetection(enabled)
	return okState(fmt.Sprintf("Loop detection %s", onOff(enabled)), st)
}

type ToolLoopDetectionHandler struct{}

func (h *ToolLoopDetectionHandler) Name() string      { return "tool-loop-detection" }
func (h *ToolLoopDetectionHandler) Aliases() []string { return []string{"tool_loop_detection"} }
func (h *ToolLoopDetectionHandler) Description() string {
	return "Enable or disable tool-call loop detection"
}
func (h *ToolLoopDetectionHandler) Usage() string { return "!/tool-loop-detection(enabled=true)" }

func (h *ToolLoopDetectionHandler) Execute(args Args, sess *session.Session) Result {
	enabled, res := boolToggle(args, "enabled")
	if res != nil {
		return *res
	}
	st := sess.State.WithToolLoopDetection(enabled)
	return okState(fmt.Sprintf("Tool loop detection %s", onOff(enabled)), st)
}

// boolToggle reads an optional boolean argument; a missing argument
// defaults to enable.
func boolToggle(args Args, key string) (bool, *Result) {
	raw := namedOrBare(args, key)
	if raw == "" {
		if v, okNamed := args.Get(key); okNamed && v == "" {
			// key present with no value counts as a flag set
			return true, nil
		}
		if args.Len() == 0 {
			return true, nil
		}
	}
	v, okb := parseBoolArg(raw)
	if !okb {
		r := fail("expected a boolean (true/false/yes/no/1/0/on/off), got %q", raw)
		return false, &r
	}
	return v, nil
}

func onOff(v bool) string {
	if v {
		return "enabled"
	}
	return "disabled"
}

type ToolLoopMaxRepeatsHandler struct{}

func (h *ToolLoopMaxRepeatsHandler) Name() string      { return "tool-loop-max-repeats" }
func (h *ToolLoopMaxRepeatsHandler) Aliases() []string { return []string{"tool_loop_max_repeats"} }
func (h *ToolLoopMaxRepeatsHandler) Description() string {
	return "Set the repeated tool-call threshold"
}
func (h *ToolLoopMaxRepeatsHandler) Usage() string { return "!/tool-loop-max-repeats(max_repeats=4)" }

func (h *ToolLoopMaxRepeatsHandler) Execute(args Args, sess *session.Session) Result {
	raw, _ := args.Get("max_repeats")
	if raw == "" {
		raw = namedOrBare(args, "max_repeats")
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 2 {
		return fail("max_repeats must be an integer >= 2, got %q", raw)
	}
	st := sess.State.WithToolLoopMaxRepeats(n)
	return okState(fmt.Sprintf("Tool loop max repeats set to %d", n), st)
}

type ToolLoopTTLHandler struct{}

func (h *ToolLoopTTLHandler) Name() string        { return "tool-loop-ttl" }
func (h *ToolLoopTTLHandler) Aliases() []string   { return []string{"tool_loop_ttl"} }
func (h *ToolLoopTTLHandler) Description() string { return "Set the tool-loop detection window" }
func (h *ToolLoopTTLHandler) Usage() string       { return "!/tool-loop-ttl(ttl_seconds=120)" }

func (h *ToolLoopTTLHandler) Execute(args Args, sess *session.Session) Result {
	raw, _ := args.Get("ttl_seconds")
	if raw == "" {
		raw = namedOrBare(args, "ttl_seconds")
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fail("ttl_seconds must be an integer >= 1, got %q", raw)
	}
	st := sess.State.WithToolLoopTTL(n)
	return okState(fmt.Sprintf("Tool loop TTL set to %ds", n), st)
}

type ToolLoopModeHandler struct{}

func (h *ToolLoopModeHandler) Name() string        { return "tool-loop-mode" }
func (h *ToolLoopModeHandler) Aliases() []string   { return []string{"tool_loop_mode"} }
func (h *ToolLoopModeHandler) Description() string { return "Set the loop reaction mode" }
func (h *ToolLoopModeHandler) Usage() string       { return "!/tool-loop-mode(break|chance_then_break)" }

func (h *ToolLoopModeHandler) Execute(args Args, sess *session.Session) Result {
	mode := session.LoopMode(namedOrBare(args, "mode"))
	if mode != session.LoopModeBreak && mode != session.LoopModeChanceThenBreak {
		return fail("mode must be break or chance_then_break, got %q", string(mode))
	}
	st := sess.State.WithToolLoopMode(mode)
	return okState(fmt.Sprintf("Tool loop mode set to %s", mode), st)
}

// --- failover route management ---

type CreateFailoverRouteHandler struct{}

func (h *CreateFailoverRouteHandler) Name() string      { return "create-failover-route" }
func (h *CreateFailoverRouteHandler) Aliases() []string { return nil }
func (h *CreateFailoverRouteHandler) Description() string {
	return "Create a named failover route (policy k or m)"
}
func (h *CreateFailoverRouteHandler) Usage() string {
	return "!/create-failover-route(name=myroute, policy=k)"
}

func (h *CreateFailoverRouteHandler) Execute(args Args, sess *session.Session) Result {
	name, _ := args.Get("name")
	policy, _ := args.Get("policy")
	if name == "" {
		return fail("route name is required")
	}
	p := session.FailoverPolicy(policy)
	if p != session.PolicyKeyPreserving && p != session.PolicyModelOnly {
		return fail("policy must be k or m, got %q", policy)
	}
	st := sess.State.WithRoute(session.FailoverRoute{Name: name, Policy: p})
	return okState(fmt.Sprintf("Failover route %s created with policy %s", name, policy), st)
}

type DeleteFailoverRouteHandler struct{}

func (h *DeleteFailoverRouteHandler) Name() string        { return "delete-failover-route" }
func (h *DeleteFailoverRouteHandler) Aliases() []string   { return nil }
func (h *DeleteFailoverRouteHandler) Description() string { return "Delete a failover route" }
func (h *DeleteFailoverRouteHandler) Usage() string       { return "!/delete-failover-route(name=myroute)" }

func (h *DeleteFailoverRouteHandler) Execute(args Args, sess *session.Session) Result {
	name := routeName(args)
	// Deleting a missing route is silently fine.
	st := sess.State.WithoutRoute(name)
	return okState(fmt.Sprintf("Failover route %s deleted", name), st)
}

type ListFailoverRoutesHandler struct{}

func (h *ListFailoverRoutesHandler) Name() string        { return "list-failover-routes" }
func (h *ListFailoverRoutesHandler) Aliases() []string   { return nil }
func (h *ListFailoverRoutesHandler) Description() string { return "List failover routes" }
func (h *ListFailoverRoutesHandler) Usage() string       { return "!/list-failover-routes" }

func (h *ListFailoverRoutesHandler) Execute(_ Args, sess *session.Session) Result {
	routes := sess.State.Backend.FailoverRoutes
	if len(routes) == 0 {
		return ok("No failover routes defined")
	}
	names := make([]string, 0, len(routes))
	for name := range routes {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("%s:%s", name, routes[name].Policy))
	}
	return ok(strings.Join(lines, "\n"))
}

func routeName(args Args) string {
	if v, okArg := args.Get("name"); okArg && v != "" {
		return v
	}
	return namedOrBare(args, "name")
}

// editRoute applies fn to a named route, failing when it does not exist.
func editRoute(args Args, sess *session.Session, fn func(session.FailoverRoute) (session.FailoverRoute, Result)) Result {
	name := routeName(args)
	route, found := sess.State.Route(name)
	if !found {
		return fail("failover route %s does not exist", name)
	}
	updated, res := fn(route)
	if !res.Success {
		return res
	}
	st := sess.State.WithRoute(updated)
	res.NewState = &st
	return res
}

type RouteAppendHandler struct{}

func (h *RouteAppendHandler) Name() string        { return "route-append" }
func (h *RouteAppendHandler) Aliases() []string   { return nil }
func (h *RouteAppendHandler) Description() string { return "Append a backend:model element to a route" }
func (h *RouteAppendHandler) Usage() string {
	return "!/route-append(name=myroute, element=openai:gpt-4)"
}

func (h *RouteAppendHandler) Execute(args Args, sess *session.Session) Result {
	element, _ := args.Get("element")
	if !elementPattern.MatchString(element) {
		return fail("element must look like backend:model, got %q", element)
	}
	return editRoute(args, sess, func(r session.FailoverRoute) (session.FailoverRoute, Result) {
		r.Elements = append(append([]string(nil), r.Elements...), element)
		return r, ok(fmt.Sprintf("Appended %s to route %s", element, r.Name))
	})
}

type RoutePrependHandler struct{}

func (h *RoutePrependHandler) Name() string      { return "route-prepend" }
func (h *RoutePrependHandler) Aliases() []string { return nil }
func (h *RoutePrependHandler) Description() string {
	return "Prepend a backend:model element to a route"
}
func (h *RoutePrependHandler) Usage() string {
	return "!/route-prepend(name=myroute, element=openai:gpt-4)"
}

func (h *RoutePrependHandler) Execute(args Args, sess *session.Session) Result {
	element, _ := args.Get("element")
	if !elementPattern.MatchString(element) {
		return fail("element must look like backend:model, got %q", element)
	}
	return editRoute(args, sess, func(r session.FailoverRoute) (session.FailoverRoute, Result) {
		r.Elements = append([]string{element}, r.Elements...)
		return r, ok(fmt.Sprintf("Prepended %s to route %s", element, r.Name))
	})
}

type RouteClearHandler struct{}

func (h *RouteClearHandler) Name() string        { return "route-clear" }
func (h *RouteClearHandler) Aliases() []string   { return nil }
func (h *RouteClearHandler) Description() string { return "Remove all elements from a route" }
func (h *RouteClearHandler) Usage() string       { return "!/route-clear(name=myroute)" }

func (h *RouteClearHandler) Execute(args Args, sess *session.Session) Result {
	return editRoute(args, sess, func(r session.FailoverRoute) (session.FailoverRoute, Result) {
		r.Elements = nil
		return r, ok(fmt.Sprintf("Route %s cleared", r.Name))
	})
}

type RouteListHandler struct{}

func (h *RouteListHandler) Name() string        { return "route-list" }
func (h *RouteListHandler) Aliases() []string   { return nil }
func (h *RouteListHandler) Description() string { return "List a route's elements in order" }
func (h *RouteListHandler) Usage() string       { return "!/route-list(name=myroute)" }

func (h *RouteListHandler) Execute(args Args, sess *session.Session) Result {
	name := routeName(args)
	route, found := sess.State.Route(name)
	if !found {
		return fail("failover route %s does not exist", name)
	}
	if len(route.Elements) == 0 {
		return ok(fmt.Sprintf("Route %s is empty", name))
	}
	return ok(strings.Join(route.Elements, "\n"))
}

// --- help ---

type HelpHandler struct {
	registry *Registry
}

func (h *HelpHandler) Name() string        { return "help" }
func (h *HelpHandler) Aliases() []string   { return nil }
func (h *HelpHandler) Description() string { return "Show available commands or one command's usage" }
func (h *HelpHandler) Usage() string       { return "!/help or !/help(command)" }

func (h *HelpHandler) Execute(args Args, _ *session.Session) Result {
	target := namedOrBare(args, "command")
	if target == "" {
		names := h.registry.Names()
		return ok("Available commands: " + strings.Join(names, ", "))
	}
	handler, found := h.registry.Lookup(target)
	if !found {
		return fail("unknown command: %s", target)
	}
	return ok(fmt.Sprintf("%s: %s\nUsage: %s", handler.Name(), handler.Description(), handler.Usage()))
}
