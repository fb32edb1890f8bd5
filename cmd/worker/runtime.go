package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-feedback-service/internal/config"
	"github.com/noah-isme/gema-feedback-service/internal/contextcache"
	"github.com/noah-isme/gema-feedback-service/internal/database"
	"github.com/noah-isme/gema-feedback-service/internal/repository"
	"github.com/noah-isme/gema-feedback-service/internal/vectorindex"
	"github.com/noah-isme/gema-feedback-service/pkg/lms"
)

// workerRuntime bundles the stores shared by every command.
type workerRuntime struct {
	cfg      config.Config
	logger   zerolog.Logger
	db       *gorm.DB
	redis    *redis.Client
	requests repository.FeedbackRequestRepository
	contexts repository.AssignmentContextRepository
	vectors  *vectorindex.Store
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(parsed).With().Timestamp().Str("service", "gema-feedback").Logger()
}

func openRuntime(ctx context.Context) (*workerRuntime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logger := newLogger(cfg.LogLevel)

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	redisClient, err := database.ConnectRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return &workerRuntime{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		redis:    redisClient,
		requests: repository.NewFeedbackRequestRepository(db),
		contexts: repository.NewAssignmentContextRepository(db),
		vectors: vectorindex.NewStore(
			vectorindex.New(cfg.EmbeddingDimensions),
			repository.NewEmbeddingRepository(db),
			logger,
		),
	}, nil
}

func (r *workerRuntime) contextCache() (*contextcache.Cache, error) {
	client, err := lms.NewClient(lms.Config{
		BaseURL:         r.cfg.LMSBaseURL,
		ContextEndpoint: r.cfg.LMSContextEndpoint,
		APIKey:          r.cfg.LMSAPIKey,
		APISecret:       r.cfg.LMSAPISecret,
		Timeout:         r.cfg.HTTPTimeout,
		Logger:          r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build lms client: %w", err)
	}

	return contextcache.New(r.contexts, client, r.redis, contextcache.Config{
		TTL:            r.cfg.ContextCacheTTL,
		FetchAttempts:  r.cfg.ContextFetchAttempts,
		FetchBaseDelay: r.cfg.ContextFetchBaseDelay,
	}, r.logger), nil
}

func (r *workerRuntime) Close() {
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to close redis client")
		}
	}
	if sqlDB, err := r.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to close database")
		}
	}
}
