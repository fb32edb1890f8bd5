// Package contextcache serves assignment contexts from redis, the record store
// or the LMS API, in that order, and never serves an expired entry.
package contextcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-feedback-service/internal/apperror"
	"github.com/noah-isme/gema-feedback-service/internal/models"
	"github.com/noah-isme/gema-feedback-service/internal/observability"
	"github.com/noah-isme/gema-feedback-service/internal/repository"
	"github.com/noah-isme/gema-feedback-service/pkg/lms"
	"github.com/noah-isme/gema-feedback-service/pkg/retry"
)

const dependencyName = "lms"

// ErrContextNotFound is returned when invalidating an assignment that was never cached.
var ErrContextNotFound = errors.New("assignment context not found")

// Fetcher loads a fresh assignment context from the source of truth.
type Fetcher interface {
	FetchAssignmentContext(ctx context.Context, assignmentID string) (lms.AssignmentContext, error)
}

// Config tunes expiry and the fetch retry schedule.
type Config struct {
	TTL            time.Duration
	FetchAttempts  int
	FetchBaseDelay time.Duration
	KeyPrefix      string
}

// Cache implements the three level lookup.
type Cache struct {
	store   repository.AssignmentContextRepository
	fetcher Fetcher
	redis   *redis.Client
	cfg     Config
	logger  zerolog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// New builds a cache. A nil redis client disables the hot layer.
func New(store repository.AssignmentContextRepository, fetcher Fetcher, redisClient *redis.Client, cfg Config, logger zerolog.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.FetchAttempts <= 0 {
		cfg.FetchAttempts = 3
	}
	if cfg.FetchBaseDelay <= 0 {
		cfg.FetchBaseDelay = time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "assignment_context:"
	}

	return &Cache{
		store:   store,
		fetcher: fetcher,
		redis:   redisClient,
		cfg:     cfg,
		logger:  logger.With().Str("component", "context_cache").Logger(),
		tracer:  otel.Tracer("github.com/noah-isme/gema-feedback-service/internal/contextcache"),
		now:     time.Now,
	}
}

// Get returns a live context for the assignment, refreshing it from the LMS when
// neither redis nor the record store holds an unexpired entry.
func (c *Cache) Get(ctx context.Context, assignmentID string) (models.AssignmentContext, error) {
	ctx, span := c.tracer.Start(ctx, "context_cache.get", trace.WithAttributes(
		attribute.String("assignment_id", assignmentID),
	))
	defer span.End()

	now := c.now()
	if entry, ok := c.readHot(ctx, assignmentID, now); ok {
		observability.ContextLookups().WithLabelValues("redis_hit").Inc()
		span.SetAttributes(attribute.String("cache.result", "redis_hit"))
		return entry, nil
	}

	entry, err := c.store.GetByAssignmentID(ctx, assignmentID)
	switch {
	case err == nil && entry.IsLive(now):
		observability.ContextLookups().WithLabelValues("store_hit").Inc()
		span.SetAttributes(attribute.String("cache.result", "store_hit"))
		c.writeHot(ctx, entry, now)
		return entry, nil
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.AssignmentContext{}, fmt.Errorf("load assignment context: %w", err)
	}

	observability.ContextLookups().WithLabelValues("miss").Inc()
	span.SetAttributes(attribute.String("cache.result", "miss"))

	refreshed, err := c.refresh(ctx, assignmentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.AssignmentContext{}, err
	}
	return refreshed, nil
}

// Refresh fetches the assignment from the LMS regardless of the cached state.
func (c *Cache) Refresh(ctx context.Context, assignmentID string) (models.AssignmentContext, error) {
	return c.refresh(ctx, assignmentID)
}

// Invalidate expires the stored entry and drops the hot copy.
func (c *Cache) Invalidate(ctx context.Context, assignmentID string) error {
	if err := c.store.Expire(ctx, assignmentID, c.now().Add(-time.Second)); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.dropHot(ctx, assignmentID)
			return ErrContextNotFound
		}
		return fmt.Errorf("expire assignment context: %w", err)
	}

	c.dropHot(ctx, assignmentID)
	c.logger.Info().Str("assignment_id", assignmentID).Msg("assignment context invalidated")
	return nil
}

func (c *Cache) refresh(ctx context.Context, assignmentID string) (models.AssignmentContext, error) {
	fetched, err := retry.DoWithResult(ctx, c.retryConfig(assignmentID), func(int) (lms.AssignmentContext, error) {
		result, err := c.fetcher.FetchAssignmentContext(ctx, assignmentID)
		if err != nil && isPermanent(err) {
			return result, retry.Permanent(err)
		}
		return result, err
	})
	if err != nil {
		observability.ContextRefreshes().WithLabelValues("failed").Inc()
		c.logger.Error().Err(err).Str("assignment_id", assignmentID).Msg("assignment context refresh failed")
		if isPermanent(err) {
			return models.AssignmentContext{}, apperror.Hard(dependencyName, err)
		}
		return models.AssignmentContext{}, apperror.Transient(dependencyName, err)
	}

	now := c.now()
	validUntil := now.Add(c.cfg.TTL)
	previous, err := c.store.GetByAssignmentID(ctx, assignmentID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return models.AssignmentContext{}, fmt.Errorf("load assignment context: %w", err)
	}
	if err == nil {
		floor := previous.ValidUntil.Add(time.Second)
		if !validUntil.After(floor) {
			validUntil = floor
		}
	}

	entry, err := toModel(assignmentID, fetched)
	if err != nil {
		return models.AssignmentContext{}, err
	}
	entry.ValidUntil = validUntil.UTC()
	entry.LastSyncedAt = now.UTC()
	entry.SyncStatus = models.ContextSyncStatusSynced

	stored, err := c.store.Upsert(ctx, entry)
	if err != nil {
		observability.ContextRefreshes().WithLabelValues("failed").Inc()
		return models.AssignmentContext{}, fmt.Errorf("store assignment context: %w", err)
	}

	observability.ContextRefreshes().WithLabelValues("succeeded").Inc()
	c.writeHot(ctx, stored, now)
	c.logger.Info().
		Str("assignment_id", assignmentID).
		Int("version", stored.Version).
		Time("valid_until", stored.ValidUntil).
		Msg("assignment context refreshed")
	return stored, nil
}

func (c *Cache) retryConfig(assignmentID string) retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = c.cfg.FetchAttempts
	cfg.InitialDelay = c.cfg.FetchBaseDelay
	cfg.Logger = c.logger.With().Str("assignment_id", assignmentID).Logger()
	return cfg
}

func (c *Cache) readHot(ctx context.Context, assignmentID string, now time.Time) (models.AssignmentContext, bool) {
	if c.redis == nil {
		return models.AssignmentContext{}, false
	}

	payload, err := c.redis.Get(ctx, c.key(assignmentID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Msg("failed to read context cache")
		}
		return models.AssignmentContext{}, false
	}

	var entry models.AssignmentContext
	if err := json.Unmarshal(payload, &entry); err != nil {
		c.logger.Warn().Err(err).Msg("discarding undecodable context cache entry")
		return models.AssignmentContext{}, false
	}
	if !entry.IsLive(now) {
		return models.AssignmentContext{}, false
	}
	return entry, true
}

func (c *Cache) writeHot(ctx context.Context, entry models.AssignmentContext, now time.Time) {
	if c.redis == nil {
		return
	}

	remaining := entry.ValidUntil.Sub(now)
	if remaining <= 0 {
		return
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, c.key(entry.AssignmentID), payload, remaining).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to store context cache")
	}
}

func (c *Cache) dropHot(ctx context.Context, assignmentID string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, c.key(assignmentID)).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to drop context cache entry")
	}
}

func (c *Cache) key(assignmentID string) string {
	return c.cfg.KeyPrefix + assignmentID
}

func isPermanent(err error) bool {
	if errors.Is(err, lms.ErrMalformedResponse) {
		return true
	}
	var statusErr *lms.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Permanent()
	}
	return false
}

func toModel(assignmentID string, fetched lms.AssignmentContext) (models.AssignmentContext, error) {
	objectives := make([]models.LearningObjective, 0, len(fetched.LearningObjectives))
	for _, objective := range fetched.LearningObjectives {
		objectives = append(objectives, models.LearningObjective{ID: objective.Objective, Text: objective.Description})
	}
	encoded, err := json.Marshal(objectives)
	if err != nil {
		return models.AssignmentContext{}, fmt.Errorf("encode learning objectives: %w", err)
	}

	return models.AssignmentContext{
		AssignmentID:       assignmentID,
		Name:               fetched.Assignment.Name,
		Type:               fetched.Assignment.Type,
		Subject:            fetched.Assignment.Subject,
		Description:        fetched.Assignment.Description,
		LearningObjectives: datatypes.JSON(encoded),
		MaxScore:           fetched.Assignment.MaxScoreValue(),
		ReferenceImage:     fetched.Assignment.ReferenceImage,
	}, nil
}
