package command

import (
	"fmt"
	"strings"

	"github.com/llmrelay/relay/internal/domain/session"
)

// Result is the outcome of one handler invocation. Failures never
// propagate as errors; they travel inline so a bad directive cannot
// abort the turn.
type Result struct {
	Success  bool
	Message  string
	NewState *session.State // nil when the command left state untouched
	Data     map[string]interface{}
}

func ok(message string) Result {
	return Result{Success: true, Message: message}
}

func okState(message string, st session.State) Result {
	return Result{Success: true, Message: message, NewState: &st}
}

func fail(format string, args ...interface{}) Result {
	return Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

// BackendDirectory answers backend-registration questions for handlers.
// The connector registry implements it; tests use ad-hoc fakes.
type BackendDirectory interface {
	// RegisteredBackends lists every known backend name.
	RegisteredBackends() []string
	// IsFunctional reports whether a backend is usable (credentials valid).
	IsFunctional(name string) bool
}

// Handler applies one directive to session state. Handlers are pure:
// no I/O except via explicit collaborators passed at construction.
type Handler interface {
	Name() string
	Aliases() []string
	Description() string
	Usage() string
	Execute(args Args, sess *session.Session) Result
}

// Registry maps command name → handler with case-insensitive lookup.
type Registry struct {
	handlers map[string]Handler // canonical name → handler
	index    map[string]Handler // lowercased name and aliases → handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		index:    make(map[string]Handler),
	}
}

// Register adds a handler under its name and aliases.
// Duplicate registration is a programmer error.
func (r *Registry) Register(h Handler) error {
	name := strings.ToLower(h.Name())
	if _, exists := r.index[name]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	r.handlers[name] = h
	r.index[name] = h
	for _, alias := range h.Aliases() {
		alias = strings.ToLower(alias)
		if _, exists := r.index[alias]; exists {
			return fmt.Errorf("command alias %q already registered", alias)
		}
		r.index[alias] = h
	}
	return nil
}

// Lookup resolves a command name or alias, case-insensitively.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.index[strings.ToLower(name)]
	return h, ok
}

// Names returns the canonical registered names, sorted.
func (r *Registry) Names() []string {
	return SortedKeys(r.handlers)
}

// Execute dispatches a parsed command. Unknown names fail inline.
func (r *Registry) Execute(cmd Command, sess *session.Session) Result {
	h, found := r.Lookup(cmd.Name)
	if !found {
		return fail("unknown command: %s", cmd.Name)
	}
	return h.Execute(cmd.Args, sess)
}
