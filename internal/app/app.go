// Package app assembles the research service from configuration. Both the
// HTTP server and the CLI build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
	redisv9 "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/deep-research/internal/admission"
	"github.com/Kocoro-lab/deep-research/internal/circuitbreaker"
	"github.com/Kocoro-lab/deep-research/internal/config"
	"github.com/Kocoro-lab/deep-research/internal/db"
	"github.com/Kocoro-lab/deep-research/internal/llm"
	"github.com/Kocoro-lab/deep-research/internal/pipeline"
	"github.com/Kocoro-lab/deep-research/internal/policy"
	"github.com/Kocoro-lab/deep-research/internal/ratecontrol"
	"github.com/Kocoro-lab/deep-research/internal/research"
	"github.com/Kocoro-lab/deep-research/internal/search"
	"github.com/Kocoro-lab/deep-research/internal/searchcache"
	"github.com/Kocoro-lab/deep-research/internal/streaming"
	"github.com/Kocoro-lab/deep-research/internal/templates"
)

// App holds the wired components. Optional ones are nil when not
// configured or unavailable.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	DB        *circuitbreaker.DatabaseWrapper
	Store     *db.Store
	Redis     *circuitbreaker.RedisWrapper
	Searcher  *searchcache.CachedSearcher
	Admission *admission.Controller
	Events    *streaming.Manager
	Pipeline  *pipeline.Service
	Policy    *policy.OPAEngine

	streamRedis *redisv9.Client
	closers     []func() error
}

// New builds every component the server needs. Persistence is best-effort:
// a database that cannot be opened is logged and sessions run unsaved.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	store, wrapper, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Warn("Persistence unavailable, sessions will not be saved", zap.Error(err))
	} else {
		a.DB, a.Store = wrapper, store
		a.closers = append(a.closers, wrapper.Close)
	}

	cache, rw, err := NewSearchCache(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if rw != nil {
		a.Redis = rw
		a.closers = append(a.closers, rw.Close)
	}

	llmLimiter := ratecontrol.NewLimiter("openai", ratecontrol.LimitForProvider("openai", cfg.RateLimits))
	completer, err := llm.NewClient(llm.Config{
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		BaseURL:     cfg.LLM.BaseURL,
		Temperature: cfg.LLM.Temperature,
	}, llmLimiter, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	searchLimiter := ratecontrol.NewLimiter("tavily", ratecontrol.LimitForProvider("tavily", cfg.RateLimits))
	tavily := search.NewTavilyClient(search.Config{
		APIKey:      cfg.Search.APIKey,
		Endpoint:    cfg.Search.Endpoint,
		SearchDepth: cfg.Search.SearchDepth,
		Timeout:     cfg.Search.Timeout,
	}, searchLimiter, logger)
	a.Searcher = searchcache.NewCachedSearcher(tavily, cache, cfg.Cache.Backend)

	prompts, err := loadPrompts(cfg.Prompts.Path)
	if err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("Prompt templates loaded", zap.String("version", prompts.Version()), zap.String("path", cfg.Prompts.Path))

	steps := research.NewSteps(completer, a.Searcher, prompts, cfg.Search.MaxResults, logger)
	machine := research.NewMachine(steps, logger)

	var opts []streaming.Option
	if cfg.Events.RedisMirror {
		opt, err := redisv9.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.streamRedis = redisv9.NewClient(opt)
		a.closers = append(a.closers, a.streamRedis.Close)
		opts = append(opts, streaming.WithRedisMirror(streaming.NewRedisMirror(a.streamRedis, cfg.Events.MirrorLen, cfg.Events.MirrorTTL)))
	}
	a.Events = streaming.NewManager(cfg.Events.History, logger, opts...)

	a.Admission = admission.NewController(cfg.Admission.Capacity, cfg.Admission.MaxQueue, logger)

	var saver pipeline.Saver
	if a.Store != nil {
		saver = a.Store
	}
	a.Pipeline = pipeline.NewService(a.Admission, machine, a.Events, saver, logger)

	if cfg.Policy.Enabled {
		engine, err := policy.NewOPAEngine(&policy.Config{
			Enabled:     true,
			Mode:        policy.ParseMode(cfg.Policy.Mode),
			Path:        cfg.Policy.Path,
			FailClosed:  cfg.Policy.FailClosed,
			Environment: Environment(),
		}, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("policy engine: %w", err)
		}
		a.Policy = engine
	}
	return a, nil
}

// PolicyEngine returns the request policy engine, or nil when disabled.
func (a *App) PolicyEngine() policy.Engine {
	if a.Policy == nil {
		return nil
	}
	return a.Policy
}

// OpenStore opens the configured database and migrates the sessions table.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*db.Store, *circuitbreaker.DatabaseWrapper, error) {
	wrapper, err := db.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}
	store := db.NewStore(wrapper, logger)
	if err := store.Migrate(ctx); err != nil {
		wrapper.Close()
		return nil, nil, err
	}
	return store, wrapper, nil
}

// NewSearchCache returns the configured cache backend. The Redis wrapper is
// nil for the local backend.
func NewSearchCache(cfg *config.Config, logger *zap.Logger) (searchcache.Cache, *circuitbreaker.RedisWrapper, error) {
	if cfg.Cache.Backend != "redis" {
		return searchcache.NewLocalCache(), nil, nil
	}
	opt, err := redisv8.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	rw := circuitbreaker.NewRedisWrapper(redisv8.NewClient(opt), "search-cache", logger)
	return searchcache.NewRedisCache(rw, cfg.Cache.Prefix, logger), rw, nil
}

// Environment names the deployment for policies and logs.
func Environment() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "dev"
}

func loadPrompts(path string) (*templates.Renderer, error) {
	if path == "" {
		return templates.DefaultRenderer()
	}
	ps, err := templates.LoadPromptSetFromFile(path)
	if err != nil {
		return nil, err
	}
	return templates.NewRenderer(ps)
}

// drainTimeout bounds how long Close waits for running sessions to finish.
const drainTimeout = 10 * time.Second

// Close waits for running sessions to reach their terminal event, then
// releases connections in reverse order of creation.
func (a *App) Close() error {
	if a.Pipeline != nil {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		if err := a.Pipeline.Drain(ctx); err != nil {
			a.Logger.Warn("Research sessions still running at shutdown", zap.Error(err))
		}
		cancel()
	}
	if a.Events != nil {
		a.Events.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
