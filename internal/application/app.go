package application

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/llmrelay/relay/internal/domain/command"
	"github.com/llmrelay/relay/internal/domain/reactor"
	"github.com/llmrelay/relay/internal/domain/service"
	"github.com/llmrelay/relay/internal/domain/session"
	"github.com/llmrelay/relay/internal/infrastructure/accounting"
	"github.com/llmrelay/relay/internal/infrastructure/config"
	"github.com/llmrelay/relay/internal/infrastructure/connector"
	"github.com/llmrelay/relay/internal/infrastructure/streaming"
	"github.com/llmrelay/relay/pkg/safego"
)

// sessionTTL bounds idle session lifetime; eviction runs on a fraction
// of it.
const (
	sessionTTL     = 24 * time.Hour
	evictionPeriod = 10 * time.Minute
	commandPrefix  = "!/"
	repairSoftCap  = 64 * 1024
)

// App owns the assembled proxy: registries, services, pipeline, and
// their lifecycles.
type App struct {
	cfg      *config.Config
	backends *connector.Registry
	sessions *session.Service
	pipeline *Pipeline
	usage    *accounting.Store
	reactor  *reactor.Reactor
	logger   *zap.Logger
}

// CredentialError marks a startup failure caused by unusable backend
// credentials, so the CLI can exit with a distinct code.
type CredentialError struct {
	Backend string
	Err     error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("backend %s credentials: %v", e.Backend, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// NewApp wires every component from configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	backends, err := buildBackends(cfg, logger)
	if err != nil {
		return nil, err
	}

	usage, err := accounting.NewStore(accounting.Config{
		Type: cfg.Database.Type,
		DSN:  cfg.Database.DSN,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("accounting store: %w", err)
	}

	sessions := session.NewService(sessionTTL, logger)
	sessions.SetDefaultState(defaultSessionState(cfg))

	cmdRegistry := command.NewRegistry()
	if err := command.RegisterBuiltins(cmdRegistry, backends); err != nil {
		return nil, fmt.Errorf("command registry: %w", err)
	}
	commands := command.NewProcessor(command.NewParser(commandPrefix), cmdRegistry, logger)

	reqChain := service.NewRequestChain(logger,
		service.NewEditPrecisionTuner(service.EditPrecisionConfig{
			TargetTemperature: cfg.Precision.TargetTemperature,
			TopPFloor:         cfg.Precision.TopPFloor,
		}, logger),
		service.NewOneoffConsumer(logger),
		service.NewFailoverExpander(logger),
		service.NewPlanningRouter(logger),
	)

	toolReactor := reactor.New(logger)
	respChain := service.NewResponseChain(logger,
		service.NewReactorMiddleware(toolReactor, logger),
		service.NewShellGuard(service.ShellGuardConfig{}, logger),
		service.NewPytestCompressionDetector(logger),
		service.NewFullSuiteGuard(0, logger),
		service.NewStreamRepairMiddleware(streaming.RepairConfig{SoftCap: repairSoftCap}, logger),
		service.NewLoopDetector(logger),
	)

	identity := &connector.Identity{
		Referer: cfg.Identity.Referer,
		Title:   cfg.Identity.Title,
	}
	if identity.Referer == "" && identity.Title == "" {
		identity = nil
	}

	pipeline := NewPipeline(
		PipelineConfig{
			DefaultBackend: cfg.DefaultBackend(),
			DefaultModel:   cfg.Defaults.Model,
			Identity:       identity,
		},
		sessions, commands, reqChain, respChain, backends, usage, logger,
	)

	return &App{
		cfg:      cfg,
		backends: backends,
		sessions: sessions,
		pipeline: pipeline,
		usage:    usage,
		reactor:  toolReactor,
		logger:   logger,
	}, nil
}

// buildBackends instantiates and registers every configured connector.
func buildBackends(cfg *config.Config, logger *zap.Logger) (*connector.Registry, error) {
	registry := connector.NewRegistry(logger)
	for _, bc := range cfg.Backends {
		conn, err := connector.CreateConnector(bc.Type, bc.Name, logger)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", bc.Name, err)
		}
		err = conn.Initialize(connector.Params{
			BaseURL: bc.BaseURL,
			APIKey:  bc.APIKey,
			Models:  bc.Models,
			Timeout: bc.Timeout,
			Extra:   bc.Extra,
		})
		if err != nil {
			return nil, &CredentialError{Backend: bc.Name, Err: err}
		}
		if err := registry.Register(conn); err != nil {
			return nil, err
		}
		if !conn.IsFunctional() {
			logger.Warn("Backend registered but not functional",
				zap.String("backend", bc.Name),
			)
		}
	}
	return registry, nil
}

// defaultSessionState folds global configuration into the state new
// sessions start from.
func defaultSessionState(cfg *config.Config) session.State {
	st := session.DefaultState()

	if cfg.Loop.MaxRepeats > 0 {
		st.Loop.ToolLoopMaxRepeats = cfg.Loop.MaxRepeats
	}
	if cfg.Loop.Window > 0 {
		st.Loop.ToolLoopTTLSeconds = int(cfg.Loop.Window.Seconds())
	}
	if cfg.Loop.Policy == string(session.LoopModeChanceThenBreak) {
		st.Loop.ToolLoopMode = session.LoopModeChanceThenBreak
	}
	st.Loop.ToolLoopDetectionEnabled = cfg.Loop.Enabled

	if cfg.Planning.Enabled {
		st.PlanningPhase = session.PlanningPhaseConfig{
			Enabled:       true,
			StrongModel:   cfg.Planning.StrongModel,
			MaxTurns:      cfg.Planning.MaxTurns,
			MaxFileWrites: cfg.Planning.MaxFileWrites,
		}
	}
	return st
}

// Pipeline exposes the request pipeline to ingress adapters.
func (a *App) Pipeline() *Pipeline { return a.pipeline }

// Backends exposes the connector registry.
func (a *App) Backends() *connector.Registry { return a.backends }

// Reactor exposes the tool-call reactor for handler registration.
func (a *App) Reactor() *reactor.Reactor { return a.reactor }

// Logger exposes the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Start launches background workers: session eviction and model
// discovery for functional backends.
func (a *App) Start(ctx context.Context) error {
	safego.Go(a.logger, "session-eviction", func() {
		a.sessions.StartEviction(evictionPeriod)
	})

	safego.Go(a.logger, "model-discovery", func() {
		refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		for _, name := range a.backends.RegisteredBackends() {
			conn, ok := a.backends.Get(name)
			if !ok || !conn.IsFunctional() {
				continue
			}
			if probe, ok := conn.(interface{ HealthCheck(context.Context) error }); ok {
				if err := probe.HealthCheck(refreshCtx); err != nil {
					a.logger.Warn("Backend health check failed",
						zap.String("backend", name),
						zap.Error(err),
					)
					continue
				}
			}
			if _, err := conn.RefreshModels(refreshCtx); err != nil {
				a.logger.Warn("Model discovery failed",
					zap.String("backend", name),
					zap.Error(err),
				)
			}
		}
	})
	return nil
}

// Stop tears the application down.
func (a *App) Stop(ctx context.Context) error {
	a.sessions.StopEviction()
	for _, name := range a.backends.RegisteredBackends() {
		if conn, ok := a.backends.Get(name); ok {
			if closer, ok := conn.(interface{ Close() }); ok {
				closer.Close()
			}
		}
	}
	return nil
}
