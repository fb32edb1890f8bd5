// Package dispatch publishes generated feedback to the downstream results stream.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-feedback-service/internal/dto"
	"github.com/noah-isme/gema-feedback-service/internal/models"
	"github.com/noah-isme/gema-feedback-service/internal/observability"
)

// ErrDispatchFailed is returned when a result could not be published after reconnecting.
var ErrDispatchFailed = errors.New("feedback dispatch failed")

// Publisher sends a payload to a subject. msgID lets the broker drop duplicates.
type Publisher interface {
	Publish(ctx context.Context, subject, msgID string, data []byte) error
}

// Reconnector opens a fresh publisher after the current one failed.
type Reconnector func(ctx context.Context) (Publisher, error)

// closer is implemented by publishers that own a connection.
type closer interface {
	Close()
}

// Dispatcher publishes FeedbackResult messages.
type Dispatcher struct {
	mu        sync.Mutex
	publisher Publisher
	redialed  bool
	reconnect Reconnector
	subject   string
	logger    zerolog.Logger
	now       func() time.Time
}

// New builds a dispatcher. reconnect may be nil, in which case failures are not retried.
func New(publisher Publisher, reconnect Reconnector, subject string, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		publisher: publisher,
		reconnect: reconnect,
		subject:   subject,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		now:       time.Now,
	}
}

// Publish stamps the result with sent_at and the service tag and publishes it.
// On failure it reconnects once and retries once.
func (d *Dispatcher) Publish(ctx context.Context, result dto.FeedbackResult) error {
	result.SentAt = d.now().UTC()
	result.Service = dto.ResultService
	if result.SimilarSources == nil {
		result.SimilarSources = []models.SimilarSource{}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode feedback result: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	msgID := result.SubmissionID
	err = d.publisher.Publish(ctx, d.subject, msgID, payload)
	if err == nil {
		return nil
	}

	logger := d.logger.With().Str("submission_id", result.SubmissionID).Logger()
	logger.Warn().Err(err).Msg("publish failed, reconnecting")
	if d.reconnect == nil {
		observability.DispatchFailures().Inc()
		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	fresh, reconnectErr := d.reconnect(ctx)
	if reconnectErr != nil {
		observability.DispatchFailures().Inc()
		logger.Error().Err(reconnectErr).Msg("reconnect failed")
		return fmt.Errorf("%w: %v", ErrDispatchFailed, errors.Join(err, reconnectErr))
	}
	d.closeRedialed()
	d.publisher = fresh
	d.redialed = true

	if err := d.publisher.Publish(ctx, d.subject, msgID, payload); err != nil {
		observability.DispatchFailures().Inc()
		logger.Error().Err(err).Msg("publish failed after reconnect")
		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	logger.Info().Msg("published after reconnect")
	return nil
}

// Close releases a publisher opened by a reconnect. The publisher passed to
// New is owned by the caller and is left open.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeRedialed()
	d.redialed = false
}

func (d *Dispatcher) closeRedialed() {
	if !d.redialed {
		return
	}
	if c, ok := d.publisher.(closer); ok {
		c.Close()
	}
}
