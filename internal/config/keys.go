package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "AGENTRELAY_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.route_timeout", typ: kDuration, env: "AGENTRELAY_SERVER_ROUTE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Server.RouteTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Server.RouteTimeout },
	},
	{
		key: "server.api_token", typ: kString, env: "AGENTRELAY_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "server.mcp_stdio", typ: kBool, env: "AGENTRELAY_SERVER_MCP_STDIO",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPStdio = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPStdio },
	},
	{
		key: "openai.api_key", typ: kString, env: "AGENTRELAY_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.base_url", typ: kString, env: "AGENTRELAY_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.timeout", typ: kDuration, env: "AGENTRELAY_OPENAI_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.OpenAI.Timeout },
	},
	{
		key: "openai.max_retries", typ: kInt, env: "AGENTRELAY_OPENAI_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.OpenAI.MaxRetries },
	},
	{
		key: "openai.default_model", typ: kString, env: "AGENTRELAY_OPENAI_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.DefaultModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "AGENTRELAY_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "engine.poll_interval", typ: kDuration, env: "AGENTRELAY_ENGINE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Engine.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Engine.PollInterval },
	},
	{
		key: "engine.poll_budget", typ: kDuration, env: "AGENTRELAY_ENGINE_POLL_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Engine.PollBudget = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Engine.PollBudget },
	},
	{
		key: "engine.stream_runs", typ: kBool, env: "AGENTRELAY_ENGINE_STREAM_RUNS",
		apply:   func(cfg *Config, v any) { cfg.Engine.StreamRuns = v.(bool) },
		extract: func(cfg Config) any { return cfg.Engine.StreamRuns },
	},
	{
		key: "knowledge.chunk_size", typ: kInt, env: "AGENTRELAY_KNOWLEDGE_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Knowledge.ChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Knowledge.ChunkSize },
	},
	{
		key: "knowledge.chunk_overlap", typ: kInt, env: "AGENTRELAY_KNOWLEDGE_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Knowledge.ChunkOverlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Knowledge.ChunkOverlap },
	},
	{
		key: "quota.plans_file", typ: kString, env: "AGENTRELAY_QUOTA_PLANS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Quota.PlansFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Quota.PlansFile },
	},
	{
		key: "quota.cache_ttl", typ: kDuration, env: "AGENTRELAY_QUOTA_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Quota.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Quota.CacheTTL },
	},
	{
		key: "log.level", typ: kString, env: "AGENTRELAY_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "AGENTRELAY_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "telemetry.enabled", typ: kBool, env: "AGENTRELAY_TELEMETRY_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Telemetry.Enabled },
	},
	{
		key: "telemetry.exporter", typ: kString, env: "AGENTRELAY_TELEMETRY_EXPORTER",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Exporter = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.Exporter },
	},
}

// parse converts a raw string into the Go value for typ.
func parse(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (s.typ != kString && raw == "") {
			continue
		}
		v, err := parse(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parse(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
