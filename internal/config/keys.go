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
	kFloat
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
		key: "server.port", typ: kInt, env: "FERRET_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "FERRET_API_TOKEN", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "server.mcp", typ: kBool, env: "FERRET_SERVER_MCP",
		apply:   func(cfg *Config, v any) { cfg.Server.MCP = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCP },
	},
	{
		key: "llm.provider", typ: kString, env: "FERRET_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.base_url", typ: kString, env: "FERRET_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "FERRET_LLM_API_KEY", secret: true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.model", typ: kString, env: "FERRET_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.embed_model", typ: kString, env: "FERRET_LLM_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.EmbedModel },
	},
	{
		key: "llm.gemini_project", typ: kString, env: "FERRET_GEMINI_PROJECT",
		apply:   func(cfg *Config, v any) { cfg.LLM.GeminiProject = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.GeminiProject },
	},
	{
		key: "llm.gemini_location", typ: kString, env: "FERRET_GEMINI_LOCATION",
		apply:   func(cfg *Config, v any) { cfg.LLM.GeminiLocation = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.GeminiLocation },
	},
	{
		key: "llm.timeout", typ: kDuration, env: "FERRET_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FERRET_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "cache.enabled", typ: kBool, env: "FERRET_CACHE_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Cache.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Cache.Enabled },
	},
	{
		key: "cache.ttl", typ: kDuration, env: "FERRET_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "cache.semantic_threshold", typ: kFloat, env: "FERRET_CACHE_SEMANTIC_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Cache.SemanticThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Cache.SemanticThreshold },
	},
	{
		key: "memory.enabled", typ: kBool, env: "FERRET_MEMORY_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Memory.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Memory.Enabled },
	},
	{
		key: "memory.max_age", typ: kDuration, env: "FERRET_MEMORY_MAX_AGE",
		apply:   func(cfg *Config, v any) { cfg.Memory.MaxAge = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Memory.MaxAge },
	},
	{
		key: "memory.max_per_session", typ: kInt, env: "FERRET_MEMORY_MAX_PER_SESSION",
		apply:   func(cfg *Config, v any) { cfg.Memory.MaxPerSession = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.MaxPerSession },
	},
	{
		key: "quota.enabled", typ: kBool, env: "FERRET_QUOTA_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Quota.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Quota.Enabled },
	},
	{
		key: "quota.requests_per_window", typ: kInt, env: "FERRET_QUOTA_REQUESTS_PER_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Quota.RequestsPerHour = v.(int) },
		extract: func(cfg Config) any { return cfg.Quota.RequestsPerHour },
	},
	{
		key: "quota.daily_tokens", typ: kInt, env: "FERRET_QUOTA_DAILY_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Quota.DailyTokens = int64(v.(int)) },
		extract: func(cfg Config) any { return cfg.Quota.DailyTokens },
	},
	{
		key: "quota.monthly_tokens", typ: kInt, env: "FERRET_QUOTA_MONTHLY_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Quota.MonthlyTokens = int64(v.(int)) },
		extract: func(cfg Config) any { return cfg.Quota.MonthlyTokens },
	},
	{
		key: "evidence.fuzzy_threshold", typ: kFloat, env: "FERRET_EVIDENCE_FUZZY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Evidence.FuzzyThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Evidence.FuzzyThreshold },
	},
	{
		key: "log.level", typ: kString, env: "FERRET_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "FERRET_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

// Entry is a single flattened configuration value.
type Entry struct {
	Key    string
	Env    string
	Value  string
	Secret bool
}

// Entries flattens the overridable keys of cfg for display. Secret values are
// masked.
func Entries(cfg Config) []Entry {
	out := make([]Entry, 0, len(specs))
	for _, s := range specs {
		v := fmt.Sprint(s.extract(cfg))
		if s.secret && v != "" {
			v = "********"
		}
		out = append(out, Entry{Key: s.key, Env: s.env, Value: v, Secret: s.secret})
	}
	return out
}
