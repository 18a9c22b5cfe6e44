package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	LLM      LLMConfig      `yaml:"llm"`
	Storage  StorageConfig  `yaml:"storage"`
	Cache    CacheConfig    `yaml:"cache"`
	Memory   MemoryConfig   `yaml:"memory"`
	Quota    QuotaConfig    `yaml:"quota"`
	Evidence EvidenceConfig `yaml:"evidence"`
	Source   SourceConfig   `yaml:"source"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	APIToken string `yaml:"api_token"`
	MCP      bool   `yaml:"mcp"`
}

// LLMConfig selects the generation and embedding backend.
// Provider is "openai" (any OpenAI-compatible endpoint), "ollama" or "gemini".
type LLMConfig struct {
	Provider       string        `yaml:"provider"`
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	EmbedModel     string        `yaml:"embed_model"`
	GeminiProject  string        `yaml:"gemini_project"`
	GeminiLocation string        `yaml:"gemini_location"`
	MaxTokens      int           `yaml:"max_tokens"`
	Temperature    float64       `yaml:"temperature"`
	Timeout        time.Duration `yaml:"timeout"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type CacheConfig struct {
	Enabled           bool          `yaml:"enabled"`
	TTL               time.Duration `yaml:"ttl"`
	SemanticThreshold float64       `yaml:"semantic_threshold"`
	Timeout           time.Duration `yaml:"timeout"`
}

// MemoryConfig controls memory retrieval and the retention policy.
// A zero MaxAge or MaxPerSession disables that rule.
type MemoryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ContextItems  int           `yaml:"context_items"`
	HistoryTurns  int           `yaml:"history_turns"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxAge        time.Duration `yaml:"max_age"`
	MaxPerSession int           `yaml:"max_per_session"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

type QuotaConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RequestsPerHour int           `yaml:"requests_per_window"`
	Window          time.Duration `yaml:"window"`
	DailyTokens     int64         `yaml:"daily_tokens"`
	MonthlyTokens   int64         `yaml:"monthly_tokens"`
}

type EvidenceConfig struct {
	FuzzyThreshold  float64 `yaml:"fuzzy_threshold"`
	SentencesBefore int     `yaml:"sentences_before"`
	SentencesAfter  int     `yaml:"sentences_after"`
}

type SourceConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	MaxBytes int64         `yaml:"max_bytes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config populated with the built-in defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
			MCP:  false,
		},
		LLM: LLMConfig{
			Provider:       "openai",
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			EmbedModel:     "text-embedding-3-small",
			GeminiLocation: "us-central1",
			MaxTokens:      1000,
			Temperature:    0.7,
			Timeout:        60 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Cache: CacheConfig{
			Enabled:           true,
			TTL:               time.Hour,
			SemanticThreshold: 0.35,
			Timeout:           2 * time.Second,
		},
		Memory: MemoryConfig{
			Enabled:       true,
			ContextItems:  3,
			HistoryTurns:  6,
			Timeout:       5 * time.Second,
			MaxAge:        90 * 24 * time.Hour,
			MaxPerSession: 500,
			PruneInterval: time.Hour,
		},
		Quota: QuotaConfig{
			Enabled:         true,
			RequestsPerHour: 100,
			Window:          time.Hour,
			DailyTokens:     100_000,
			MonthlyTokens:   2_000_000,
		},
		Evidence: EvidenceConfig{
			FuzzyThreshold:  0.5,
			SentencesBefore: 2,
			SentencesAfter:  2,
		},
		Source: SourceConfig{
			Timeout:  15 * time.Second,
			MaxBytes: 5 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// FERRET_* environment variables, in that order of precedence.
//
// When path is empty, $XDG_CONFIG_HOME/ferret/config.yaml is used if it
// exists. Environment references such as ${OPENAI_API_KEY} inside the file
// are expanded before parsing.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		if p := defaultConfigPath(); fileExists(p) {
			path = p
		}
	}
	if path != "" {
		if err := loadFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	switch c.LLM.Provider {
	case "openai":
		if c.LLM.APIKey == "" {
			errs = append(errs, errors.New("llm.api_key is required for the openai provider (set FERRET_LLM_API_KEY)"))
		}
	case "ollama":
	case "gemini":
		if c.LLM.GeminiProject == "" {
			errs = append(errs, errors.New("llm.gemini_project is required for the gemini provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not one of openai, ollama, gemini", c.LLM.Provider))
	}
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model must not be empty"))
	}
	if c.LLM.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens must be > 0, got %d", c.LLM.MaxTokens))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Cache.SemanticThreshold <= 0 || c.Cache.SemanticThreshold > 1 {
		errs = append(errs, fmt.Errorf("cache.semantic_threshold must be in (0,1], got %v", c.Cache.SemanticThreshold))
	}
	if c.Evidence.FuzzyThreshold <= 0 || c.Evidence.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("evidence.fuzzy_threshold must be in (0,1], got %v", c.Evidence.FuzzyThreshold))
	}
	if c.Quota.RequestsPerHour <= 0 || c.Quota.DailyTokens <= 0 || c.Quota.MonthlyTokens <= 0 {
		errs = append(errs, errors.New("quota limits must be > 0"))
	}
	for name, d := range map[string]time.Duration{
		"cache.ttl":      c.Cache.TTL,
		"cache.timeout":  c.Cache.Timeout,
		"memory.timeout": c.Memory.Timeout,
		"llm.timeout":    c.LLM.Timeout,
		"quota.window":   c.Quota.Window,
		"source.timeout": c.Source.Timeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %s", name, d))
		}
	}
	if c.Evidence.SentencesBefore < 0 || c.Evidence.SentencesAfter < 0 {
		errs = append(errs, errors.New("evidence sentence counts must be >= 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Redacted returns a copy with secrets masked, suitable for printing.
func (c Config) Redacted() Config {
	out := c
	if out.LLM.APIKey != "" {
		out.LLM.APIKey = "********"
	}
	if out.Server.APIToken != "" {
		out.Server.APIToken = "********"
	}
	return out
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "ferret")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ferret"
	}
	return filepath.Join(home, ".local", "share", "ferret")
}

func defaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "ferret", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "ferret", "config.yaml")
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
