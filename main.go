package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/tahoe-os/server/internal/core"
	errx "github.com/tahoe-os/server/internal/core/error"
	"github.com/tahoe-os/server/internal/desktop/graph"
	"github.com/tahoe-os/server/internal/desktop/model"
	"github.com/tahoe-os/server/internal/desktop/synth"
	"github.com/tahoe-os/server/internal/desktop/viewcache"
	logx "github.com/tahoe-os/server/pkg/logger"
	pkgredis "github.com/tahoe-os/server/pkg/redis"
)

// AppConfig defines all configurable parameters of the desktop server,
// sourced from environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	// Infrastructure
	Redis pkgredis.Config

	// LLM provider. Checked when the view source is built so `apps` runs without it.
	APIKey  string `envconfig:"GEMINI_API_KEY"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`

	View    model.ViewModelConfig
	Desktop model.DesktopConfig
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the env file, binds AppConfig and initialises logging.
func loadConfig(envFile string) (AppConfig, error) {
	if err := godotenv.Load(envFile); err != nil {
		// logging is not configured yet; the default console logger is fine here
		logx.Warn().Err(err).Str("file", envFile).Msg("Could not load env file")
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, errx.Configuration(fmt.Errorf("process environment config: %w", err))
	}
	logx.Init(logx.LoggerOpts{Environment: core.ParseEnvironment(cfg.Environment)})

	if err := cfg.Desktop.Validate(); err != nil {
		return AppConfig{}, errx.Configuration(err)
	}
	return cfg, nil
}

// desktop is a fully wired orchestrator plus whatever must be released with it.
type desktop struct {
	orch    *synth.Orchestrator
	closers []func() error
}

func (d *desktop) Close() {
	for _, c := range d.closers {
		if err := c(); err != nil {
			logx.Warn().Err(err).Msg("Error releasing resource")
		}
	}
}

func buildDesktop(ctx context.Context, cfg AppConfig) (*desktop, error) {
	source, err := graph.BuildViewSource(ctx, graph.Config{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.View,
		Catalog: model.DefaultCatalog,
	})
	if err != nil {
		return nil, err
	}

	d := &desktop{}
	cache, err := buildCache(cfg, d)
	if err != nil {
		d.Close()
		return nil, err
	}

	orch, err := synth.New(source, cache, synth.ConfigFromDesktop(cfg.Desktop))
	if err != nil {
		d.Close()
		return nil, err
	}
	d.orch = orch

	logx.Info().
		Str("model", cfg.View.Model).
		Str("cache", string(cfg.Desktop.CacheBackend)).
		Int("max_history", cfg.Desktop.MaxHistory).
		Bool("stateful", cfg.Desktop.Stateful).
		Msg("Desktop ready")
	return d, nil
}

func buildCache(cfg AppConfig, d *desktop) (viewcache.Store, error) {
	switch cfg.Desktop.CacheBackend {
	case model.CacheRedis:
		rdb, err := cfg.Redis.New()
		if err != nil {
			logx.Error().Err(err).Msg("Failed to initialise Redis client")
			return nil, errx.Configuration(fmt.Errorf("redis view cache: %w", err))
		}
		d.closers = append(d.closers, rdb.Close)
		logx.Debug().Str("namespace", cfg.Desktop.CacheNS).Msg("Connected to Redis successfully")
		return viewcache.NewRedisStore(rdb, cfg.Desktop.CacheNS), nil
	default:
		return viewcache.NewMemoryStore(), nil
	}
}
