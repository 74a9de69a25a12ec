package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig
	OpenAI    OpenAIConfig
	Storage   StorageConfig
	Engine    EngineConfig
	Knowledge KnowledgeConfig
	Quota     QuotaConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

type ServerConfig struct {
	Port         int
	RouteTimeout time.Duration
	// APIToken guards the management routes when non-empty.
	APIToken string
	MCPStdio bool
}

type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Timeout      time.Duration
	MaxRetries   int
	DefaultModel string
}

type StorageConfig struct {
	DataDir string
}

type EngineConfig struct {
	PollInterval time.Duration
	PollBudget   time.Duration
	StreamRuns   bool
}

type KnowledgeConfig struct {
	ChunkSize    int
	ChunkOverlap int
}

type QuotaConfig struct {
	// PlansFile points at a YAML plan catalog. Empty uses the built-in one.
	PlansFile string
	CacheTTL  time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type TelemetryConfig struct {
	Enabled bool
	// Exporter is "stdout" or "otlp".
	Exporter string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         4100,
			RouteTimeout: 300 * time.Second,
		},
		OpenAI: OpenAIConfig{
			BaseURL:      "https://api.openai.com/v1",
			Timeout:      30 * time.Second,
			MaxRetries:   2,
			DefaultModel: "gpt-4o",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Engine: EngineConfig{
			PollInterval: time.Second,
			PollBudget:   60 * time.Second,
		},
		Knowledge: KnowledgeConfig{
			ChunkSize:    2000,
			ChunkOverlap: 300,
		},
		Quota: QuotaConfig{
			CacheTTL: time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Exporter: "stdout",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/agentrelay/config.json and applies AGENTRELAY_*
// environment overrides on top. Secrets are read from the environment only.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

// LoadClient reads the same layers as Load without validating them, for
// commands that only talk to a running server.
func LoadClient() (Config, error) {
	return layered(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg, err := layered(b)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func layered(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func (c Config) validate() error {
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("missing required config: OpenAI API key. " +
			"Set it via environment variable AGENTRELAY_OPENAI_API_KEY")
	}
	if c.Knowledge.ChunkSize <= 0 {
		return fmt.Errorf("knowledge.chunk_size must be positive, got %d", c.Knowledge.ChunkSize)
	}
	if c.Knowledge.ChunkOverlap < 0 || c.Knowledge.ChunkOverlap >= c.Knowledge.ChunkSize {
		return fmt.Errorf("knowledge.chunk_overlap must be in [0, %d), got %d",
			c.Knowledge.ChunkSize, c.Knowledge.ChunkOverlap)
	}
	if c.Engine.PollInterval <= 0 || c.Engine.PollBudget <= 0 {
		return fmt.Errorf("engine poll interval and budget must be positive")
	}
	if e := c.Telemetry.Exporter; e != "stdout" && e != "otlp" {
		return fmt.Errorf("telemetry.exporter must be stdout or otlp, got %q", e)
	}
	return nil
}
