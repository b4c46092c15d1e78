// Package setup bootstraps the application dependencies in order: config,
// logging, Redis, ledger, caches, the platform client and the history
// recorder.
package setup

import (
	"context"
	"fmt"
	"time"

	"github.com/tendrilbot/tendril/internal/cache"
	"github.com/tendrilbot/tendril/internal/history"
	"github.com/tendrilbot/tendril/internal/ledger"
	"github.com/tendrilbot/tendril/internal/platform/instagram"
	"github.com/tendrilbot/tendril/internal/redis"
	"github.com/tendrilbot/tendril/internal/setup/config"
	"go.uber.org/zap"
)

// App bundles the core dependencies of the daemon.
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	RedisManager *redis.Manager
	Ledger       *ledger.Ledger
	Cache        *cache.Profiles
	Platform     *instagram.Client
	History      *history.Recorder
}

// InitializeApp creates every dependency and validates the platform session.
// On error everything already opened is released.
func InitializeApp(ctx context.Context) (*App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := GetLogger(cfg.Paths.LogDir, cfg.Debug.LogLevel, cfg.Debug.MaxLogsToKeep)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	redisManager := redis.NewManager(&cfg.Redis, logger)

	cacheClient, err := redisManager.GetClient(redis.CacheDBIndex)
	if err != nil {
		redisManager.Close()
		return nil, fmt.Errorf("failed to connect cache Redis: %w", err)
	}

	httpCacheClient, err := redisManager.GetClient(redis.HTTPCacheDBIndex)
	if err != nil {
		redisManager.Close()
		return nil, fmt.Errorf("failed to connect HTTP cache Redis: %w", err)
	}

	l, err := ledger.New(cfg.Paths.StateDir, logger)
	if err != nil {
		redisManager.Close()
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	profiles := cache.NewProfiles(
		cacheClient,
		time.Duration(cfg.Cache.ProfileTTLDays)*24*time.Hour,
		logger,
	)

	platformClient := instagram.NewClient(instagram.Options{
		SessionID:      cfg.Credentials.SessionID,
		RequestTimeout: time.Duration(cfg.HTTP.RequestTimeout) * time.Millisecond,
		RetryMax:       uint64(cfg.HTTP.RetryMax),
		RetryDelay:     time.Duration(cfg.HTTP.RetryDelay) * time.Millisecond,
		RetryMaxDelay:  time.Duration(cfg.HTTP.RetryMaxDelay) * time.Millisecond,
		BreakerMax:     uint32(cfg.HTTP.BreakerMaxRequests),
		BreakerWindow:  time.Duration(cfg.HTTP.BreakerInterval) * time.Millisecond,
		BreakerCooloff: time.Duration(cfg.HTTP.BreakerTimeout) * time.Millisecond,
		CacheExpiry:    time.Duration(cfg.HTTP.ResponseCacheMinutes) * time.Minute,
	}, httpCacheClient, logger)

	if err := platformClient.Login(ctx); err != nil {
		redisManager.Close()
		return nil, fmt.Errorf("failed to validate platform session: %w", err)
	}

	recorder, err := history.Open(cfg.Paths.HistoryDB, logger)
	if err != nil {
		redisManager.Close()
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	logger.Info("Application initialized",
		zap.String("username", cfg.Credentials.Username),
		zap.String("stateDir", cfg.Paths.StateDir))

	return &App{
		Config:       cfg,
		Logger:       logger,
		RedisManager: redisManager,
		Ledger:       l,
		Cache:        profiles,
		Platform:     platformClient,
		History:      recorder,
	}, nil
}

// Cleanup releases resources in reverse initialization order.
func (a *App) Cleanup() {
	if err := a.History.Close(); err != nil {
		a.Logger.Warn("Failed to close history database", zap.Error(err))
	}

	a.RedisManager.Close()

	_ = a.Logger.Sync()
}
