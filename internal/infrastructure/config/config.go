package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the application configuration.
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Backends  []BackendConfig     `mapstructure:"backends"`
	Routes    map[string][]string `mapstructure:"routes"`
	Database  DatabaseConfig      `mapstructure:"database"`
	Log       LogConfig           `mapstructure:"log"`
	Auth      AuthConfig          `mapstructure:"auth"`
	Identity  IdentityConfig      `mapstructure:"identity"`
	Loop      LoopConfig          `mapstructure:"loop"`
	Planning  PlanningConfig      `mapstructure:"planning"`
	Precision PrecisionConfig     `mapstructure:"precision"`
	Defaults  DefaultsConfig      `mapstructure:"defaults"`
}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // local, production
}

// BackendConfig describes one upstream connector instance.
type BackendConfig struct {
	Name    string            `mapstructure:"name"`
	Type    string            `mapstructure:"type"` // openai, openrouter, zhipu, gemini, gemini-oauth, qwen-oauth
	BaseURL string            `mapstructure:"base_url"`
	APIKey  string            `mapstructure:"api_key"`
	Models  []string          `mapstructure:"models"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Extra   map[string]string `mapstructure:"extra"` // project_id, credentials_path, ...
}

// DatabaseConfig selects the accounting store backend.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuthConfig guards the ingress API.
type AuthConfig struct {
	APIKey string `mapstructure:"api_key"` // empty + DISABLE_AUTH unset = reject all
}

// IdentityConfig sets the attribution headers forwarded to backends
// that honor them (OpenRouter).
type IdentityConfig struct {
	Referer string `mapstructure:"referer"`
	Title   string `mapstructure:"title"`
}

// LoopConfig tunes repeated-tool-call detection.
type LoopConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	MaxRepeats int           `mapstructure:"max_repeats"`
	Window     time.Duration `mapstructure:"window"`
	Policy     string        `mapstructure:"policy"` // break, chance_then_break
}

// PlanningConfig tunes the planning-phase model router.
type PlanningConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	StrongModel   string `mapstructure:"strong_model"`
	MaxTurns      int    `mapstructure:"max_turns"`
	MaxFileWrites int    `mapstructure:"max_file_writes"`
}

// PrecisionConfig tunes the edit-failure sampling clamp.
type PrecisionConfig struct {
	Enabled           bool               `mapstructure:"enabled"`
	TargetTemperature map[string]float64 `mapstructure:"target_temperature"` // "" key = default
	TopPFloor         float64            `mapstructure:"top_p_floor"`
}

// DefaultsConfig names fallbacks applied when a request leaves them out.
type DefaultsConfig struct {
	Backend string `mapstructure:"backend"` // overridden by LLM_BACKEND
	Model   string `mapstructure:"model"`
}

// DefaultBackend resolves the startup backend, honoring LLM_BACKEND.
func (c *Config) DefaultBackend() string {
	if env := os.Getenv("LLM_BACKEND"); env != "" {
		return env
	}
	return c.Defaults.Backend
}

// AuthDisabled reports whether ingress auth is switched off.
func AuthDisabled() bool {
	return os.Getenv("DISABLE_AUTH") != ""
}

// HomeDir returns the user's relay configuration home: ~/.relay
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".relay")
}

// Load reads the layered configuration.
// Priority (low to high): defaults, ~/.relay/config.yaml, project-local
// config.yaml, RELAY_* environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Layer 1: global config ~/.relay/config.yaml
	v.AddConfigPath(HomeDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read global config: %w", err)
		}
	}

	// Layer 2: project-local config, first hit wins
	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break
		}
	}

	// Layer 3: environment overrides, RELAY_SERVER_PORT etc.
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyProviderKeyEnv(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.mode", "local")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "relay_usage.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("loop.enabled", true)
	v.SetDefault("loop.max_repeats", 3)
	v.SetDefault("loop.window", "5m")
	v.SetDefault("loop.policy", "break")

	v.SetDefault("planning.enabled", false)
	v.SetDefault("planning.max_turns", 10)
	v.SetDefault("planning.max_file_writes", 1)

	v.SetDefault("precision.enabled", true)
	v.SetDefault("precision.top_p_floor", 0.3)
}

// applyProviderKeyEnv fills empty backend api_key fields from the
// provider-conventional env names, e.g. OPENAI_API_KEY for an "openai"
// typed backend.
func applyProviderKeyEnv(cfg *Config) {
	envFor := map[string]string{
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
		"zhipu":      "ZHIPU_API_KEY",
		"gemini":     "GEMINI_API_KEY",
	}
	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		if b.APIKey != "" {
			continue
		}
		if envName, ok := envFor[b.Type]; ok {
			b.APIKey = os.Getenv(envName)
		}
	}
}
