package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kalambet/ferret/internal/agent"
	"github.com/kalambet/ferret/internal/analysis"
	"github.com/kalambet/ferret/internal/api"
	"github.com/kalambet/ferret/internal/cache"
	"github.com/kalambet/ferret/internal/card"
	"github.com/kalambet/ferret/internal/config"
	"github.com/kalambet/ferret/internal/engine"
	"github.com/kalambet/ferret/internal/evidence"
	"github.com/kalambet/ferret/internal/kv"
	"github.com/kalambet/ferret/internal/logging"
	"github.com/kalambet/ferret/internal/memory"
	"github.com/kalambet/ferret/internal/quota"
	"github.com/kalambet/ferret/internal/retrieval"
	"github.com/kalambet/ferret/internal/semantic"
	"github.com/kalambet/ferret/internal/source"
	"github.com/kalambet/ferret/internal/storage"
	"github.com/kalambet/ferret/internal/writeback"
)

// localStore is the storage layer shared by the server and the offline
// maintenance commands. It needs no LLM backend.
type localStore struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *storage.Store
	kv        *kv.SQLite
	vectors   *retrieval.SQLiteStore
	exact     *cache.Exact
	gate      *quota.Gate
	retention *memory.Retention
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	format := cfg.Log.Format
	if noColor && format == "console" {
		format = "text"
	}
	logger := logging.New(cfg.Log.Level, format, os.Stderr)
	return cfg, logger, nil
}

func openLocal(cfg config.Config, logger *slog.Logger) (*localStore, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	kvs := kv.NewSQLite(store.DB())
	vectors := retrieval.NewSQLiteStore(store.DB())
	return &localStore{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		kv:      kvs,
		vectors: vectors,
		exact:   cache.NewExact(kvs, cfg.Cache.TTL, logger),
		gate: quota.New(kvs, store, quota.Limits{
			Enabled:       cfg.Quota.Enabled,
			Requests:      int64(cfg.Quota.RequestsPerHour),
			Window:        cfg.Quota.Window,
			DailyTokens:   cfg.Quota.DailyTokens,
			MonthlyTokens: cfg.Quota.MonthlyTokens,
		}, logger),
		retention: memory.NewRetention(vectors, kvs, memory.Policy{
			MaxAge:        cfg.Memory.MaxAge,
			MaxPerSession: cfg.Memory.MaxPerSession,
		}, logger),
	}, nil
}

func (l *localStore) Close() error {
	return l.store.Close()
}

// services is the full request-serving stack.
type services struct {
	*localStore
	engine   engine.Engine
	index    *retrieval.Index
	memory   *memory.Store
	agent    *agent.Agent
	writer   *writeback.Writer
	worker   *writeback.Worker
	locator  *evidence.Locator
	cards    *card.Formatter
	analyzer *analysis.Analyzer
	fetcher  *source.Fetcher
}

func newEngine(ctx context.Context, cfg config.Config) (engine.Engine, error) {
	return engine.Detect(ctx, engine.DetectConfig{
		Provider:       cfg.LLM.Provider,
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		GeminiProject:  cfg.LLM.GeminiProject,
		GeminiLocation: cfg.LLM.GeminiLocation,
	})
}

// buildServices wires every service explicitly; nothing is a package global.
func buildServices(l *localStore, eng engine.Engine) (*services, error) {
	cfg := l.cfg
	index := retrieval.NewIndex(l.vectors, retrieval.NewEmbedder(eng, cfg.LLM.EmbedModel))
	mem := memory.NewStore(index)
	sem := semantic.New(index, cfg.Cache.SemanticThreshold)

	writer := &writeback.Writer{
		Exact:     l.exact,
		Responses: sem,
		Memory:    mem,
		Turns:     l.store,
		Jobs:      l.store,
		Logger:    l.logger,
	}

	deps := agent.Deps{
		History: l.store,
		Gate:    l.gate,
		LLM:     eng,
		Writer:  writer,
		Stats:   l.store,
		Logger:  l.logger,
		Settings: agent.Settings{
			MaxTokens:     cfg.LLM.MaxTokens,
			Temperature:   cfg.LLM.Temperature,
			ContextItems:  cfg.Memory.ContextItems,
			HistoryTurns:  cfg.Memory.HistoryTurns,
			CacheTimeout:  cfg.Cache.Timeout,
			MemoryTimeout: cfg.Memory.Timeout,
			LLMTimeout:    cfg.LLM.Timeout,
		},
	}
	if cfg.Cache.Enabled {
		deps.Exact = l.exact
		deps.Semantic = sem
	} else {
		writer.Exact, writer.Responses = nil, nil
	}
	if cfg.Memory.Enabled {
		deps.Memory = mem
	}
	ag, err := agent.New(deps)
	if err != nil {
		return nil, err
	}

	return &services{
		localStore: l,
		engine:     eng,
		index:      index,
		memory:     mem,
		agent:      ag,
		writer:     writer,
		worker:     writeback.NewWorker(l.store, writer, 0, l.logger),
		locator: evidence.New(eng, l.gate, evidence.Settings{
			FuzzyThreshold:  cfg.Evidence.FuzzyThreshold,
			SentencesBefore: cfg.Evidence.SentencesBefore,
			SentencesAfter:  cfg.Evidence.SentencesAfter,
			Timeout:         cfg.LLM.Timeout,
		}, l.logger),
		cards:    card.NewFormatter(eng, l.gate, l.logger),
		analyzer: analysis.New(eng, l.gate, "", l.logger),
		fetcher:  source.NewFetcher(cfg.Source.Timeout, cfg.Source.MaxBytes),
	}, nil
}

func (s *services) apiDeps() api.Deps {
	return api.Deps{
		Agent:       s.agent,
		Evidence:    s.locator,
		Cards:       s.cards,
		CardCutter:  s.cards,
		Analyzer:    s.analyzer,
		History:     s.store,
		Fetcher:     s.fetcher,
		Memory:      s.memory,
		Quota:       s.gate,
		Cache:       s.exact,
		Collections: s.index,
		Stats:       s.store,
		Token:       s.cfg.Server.APIToken,
		Logger:      s.logger,
	}
}
