package session

// FailoverPolicy selects how a route element's credentials are resolved.
type FailoverPolicy string

const (
	// PolicyKeyPreserving keeps the caller's API key across elements.
	PolicyKeyPreserving FailoverPolicy = "k"
	// PolicyModelOnly rewrites only the model, using each backend's own key.
	PolicyModelOnly FailoverPolicy = "m"
)

// FailoverRoute is a named, ordered list of "backend:model" targets
// attempted in order until one succeeds.
type FailoverRoute struct {
	Name     string         `json:"name"`
	Policy   FailoverPolicy `json:"policy"`
	Elements []string       `json:"elements"`
}

// BackendConfig holds the session's backend selection.
type BackendConfig struct {
	BackendType     string
	Model           string
	OpenAIURL       string
	InteractiveMode bool
	OneoffBackend   string
	OneoffModel     string
	FailoverRoutes  map[string]FailoverRoute
}

// ReasoningConfig holds sampling overrides applied to outgoing requests.
type ReasoningConfig struct {
	Temperature      *float64
	TopP             *float64
	ReasoningEffort  string
	ThinkingBudget   int
	GenerationConfig map[string]interface{}
}

// LoopMode selects the loop-detection reaction.
type LoopMode string

const (
	LoopModeBreak           LoopMode = "break"
	LoopModeChanceThenBreak LoopMode = "chance_then_break"
)

// LoopConfig controls text and tool-call loop detection.
type LoopConfig struct {
	LoopDetectionEnabled     bool
	ToolLoopDetectionEnabled bool
	ToolLoopMaxRepeats       int
	ToolLoopTTLSeconds       int
	ToolLoopMode             LoopMode
}

// PlanningPhaseConfig routes the first turns of a session to a stronger model.
type PlanningPhaseConfig struct {
	Enabled       bool
	StrongModel   string
	MaxTurns      int
	MaxFileWrites int
}

// State is the immutable per-session configuration. Every mutation goes
// through a With* helper that returns a structurally shared copy; callers
// must never modify a State they did not build.
type State struct {
	Backend       BackendConfig
	Reasoning     ReasoningConfig
	Loop          LoopConfig
	PlanningPhase PlanningPhaseConfig

	PlanningTurnCount      int
	PlanningFileWriteCount int

	Project    string
	ProjectDir string

	HelloRequested            bool
	InteractiveJustEnabled    bool
	IsClineAgent              bool
	CompressNextToolCallReply bool
	StreamJSONRepairEnabled   bool
}

// DefaultState returns the initial state for a fresh session.
func DefaultState() State {
	return State{
		Loop: LoopConfig{
			LoopDetectionEnabled:     true,
			ToolLoopDetectionEnabled: true,
			ToolLoopMaxRepeats:       3,
			ToolLoopTTLSeconds:       120,
			ToolLoopMode:             LoopModeBreak,
		},
	}
}

// cloneRoutes copies the failover route map for copy-on-write updates.
func cloneRoutes(in map[string]FailoverRoute) map[string]FailoverRoute {
	out := make(map[string]FailoverRoute, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// WithModel sets the session model.
func (s State) WithModel(model string) State {
	s.Backend.Model = model
	return s
}

// WithBackend sets the backend type.
func (s State) WithBackend(backend string) State {
	s.Backend.BackendType = backend
	return s
}

// WithOpenAIURL overrides the OpenAI-compatible base URL.
func (s State) WithOpenAIURL(url string) State {
	s.Backend.OpenAIURL = url
	return s
}

// WithOneoff arms a one-shot backend/model override for the next request.
func (s State) WithOneoff(backend, model string) State {
	s.Backend.OneoffBackend = backend
	s.Backend.OneoffModel = model
	return s
}

// ClearOneoff disarms the one-shot override. Called exactly once when the
// override is consumed.
func (s State) ClearOneoff() State {
	s.Backend.OneoffBackend = ""
	s.Backend.OneoffModel = ""
	return s
}

// HasOneoff reports whether a one-shot override is armed.
func (s State) HasOneoff() bool {
	return s.Backend.OneoffBackend != "" && s.Backend.OneoffModel != ""
}

// WithTemperature sets the session temperature override.
func (s State) WithTemperature(t float64) State {
	s.Reasoning.Temperature = &t
	return s
}

// WithoutTemperature clears the temperature override.
func (s State) WithoutTemperature() State {
	s.Reasoning.Temperature = nil
	return s
}

// WithTopP sets the session top_p override.
func (s State) WithTopP(p float64) State {
	s.Reasoning.TopP = &p
	return s
}

// WithReasoningEffort sets the reasoning effort hint.
func (s State) WithReasoningEffort(effort string) State {
	s.Reasoning.ReasoningEffort = effort
	return s
}

// WithLoopDetection toggles plain-text loop detection.
func (s State) WithLoopDetection(enabled bool) State {
	s.Loop.LoopDetectionEnabled = enabled
	return s
}

// WithToolLoopDetection toggles tool-call loop detection.
func (s State) WithToolLoopDetection(enabled bool) State {
	s.Loop.ToolLoopDetectionEnabled = enabled
	return s
}

// WithToolLoopMaxRepeats sets the repeat threshold (>= 2, validated by the
// command handler).
func (s State) WithToolLoopMaxRepeats(n int) State {
	s.Loop.ToolLoopMaxRepeats = n
	return s
}

// WithToolLoopTTL sets the loop-detection window in seconds.
func (s State) WithToolLoopTTL(seconds int) State {
	s.Loop.ToolLoopTTLSeconds = seconds
	return s
}

// WithToolLoopMode sets the loop reaction mode.
func (s State) WithToolLoopMode(mode LoopMode) State {
	s.Loop.ToolLoopMode = mode
	return s
}

// WithRoute adds or replaces a failover route.
func (s State) WithRoute(route FailoverRoute) State {
	routes := cloneRoutes(s.Backend.FailoverRoutes)
	routes[route.Name] = route
	s.Backend.FailoverRoutes = routes
	return s
}

// WithoutRoute removes a failover route. No-op when absent.
func (s State) WithoutRoute(name string) State {
	if _, ok := s.Backend.FailoverRoutes[name]; !ok {
		return s
	}
	routes := cloneRoutes(s.Backend.FailoverRoutes)
	delete(routes, name)
	s.Backend.FailoverRoutes = routes
	return s
}

// Route looks up a failover route by name.
func (s State) Route(name string) (FailoverRoute, bool) {
	r, ok := s.Backend.FailoverRoutes[name]
	return r, ok
}

// WithHelloRequested marks that the session greeted the proxy.
func (s State) WithHelloRequested(v bool) State {
	s.HelloRequested = v
	return s
}

// WithStreamJSONRepair toggles streaming JSON repair for this session.
func (s State) WithStreamJSONRepair(enabled bool) State {
	s.StreamJSONRepairEnabled = enabled
	return s
}

// WithCompressNextToolCallReply arms one-shot tool-reply compression.
func (s State) WithCompressNextToolCallReply(v bool) State {
	s.CompressNextToolCallReply = v
	return s
}

// WithPlanningCounts updates the planning-phase counters. Config is never
// touched here; only the counters move.
func (s State) WithPlanningCounts(turns, fileWrites int) State {
	s.PlanningTurnCount = turns
	s.PlanningFileWriteCount = fileWrites
	return s
}
