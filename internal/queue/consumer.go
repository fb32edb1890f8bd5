package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-feedback-service/internal/apperror"
	"github.com/noah-isme/gema-feedback-service/internal/dto"
	"github.com/noah-isme/gema-feedback-service/internal/observability"
	"github.com/noah-isme/gema-feedback-service/internal/service"
)

// ErrNoMessage is returned by a Source when the fetch window passed without a message.
var ErrNoMessage = errors.New("no message available")

// Delivery is one broker message awaiting a settle decision.
type Delivery interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
	NumDelivered() uint64
}

// Source yields deliveries one at a time.
type Source interface {
	Next(ctx context.Context) (Delivery, error)
}

// Processor runs the feedback pipeline for one message.
type Processor interface {
	Process(ctx context.Context, msg dto.InboundMessage) (service.Outcome, error)
}

const (
	decisionAck  = "ack"
	decisionNak  = "nak"
	decisionTerm = "term"
)

// Consumer settles each delivery after processing it synchronously.
type Consumer struct {
	source     Source
	processor  Processor
	validator  *validator.Validate
	logger     zerolog.Logger
	errBackoff time.Duration
}

// NewConsumer builds a consumer loop.
func NewConsumer(source Source, processor Processor, validate *validator.Validate, logger zerolog.Logger) *Consumer {
	return &Consumer{
		source:     source,
		processor:  processor,
		validator:  validate,
		logger:     logger.With().Str("component", "queue_consumer").Logger(),
		errBackoff: time.Second,
	}
}

// Run pulls and handles messages until ctx is cancelled or a fatal
// configuration error surfaces.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Msg("consumer started")
	defer c.logger.Info().Msg("consumer stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		delivery, err := c.source.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrNoMessage) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Err(err).Msg("fetch failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.errBackoff):
			}
			continue
		}

		if err := c.Handle(ctx, delivery); err != nil {
			return err
		}
	}
}

// Handle decodes, processes and settles one delivery. Only a fatal
// configuration error is returned.
func (c *Consumer) Handle(ctx context.Context, delivery Delivery) error {
	logger := c.logger.With().
		Str("correlation_id", uuid.NewString()).
		Uint64("delivered", delivery.NumDelivered()).
		Logger()

	msg, err := dto.DecodeInboundMessage(delivery.Data(), c.validator)
	if err != nil {
		logger.Warn().Err(err).Msg("rejecting malformed message")
		c.settle(logger, decisionTerm, delivery.Term)
		return nil
	}
	logger = logger.With().Str("submission_id", msg.SubmissionID).Logger()

	outcome, err := c.process(logger.WithContext(ctx), msg)
	if err != nil {
		logger.Error().Err(err).Msg("processing failed, requeueing")
		c.settle(logger, decisionNak, delivery.Nak)
		if errors.Is(err, apperror.ErrFatalConfig) {
			return err
		}
		return nil
	}

	logger.Debug().Str("outcome", string(outcome)).Msg("message processed")
	c.settle(logger, decisionAck, delivery.Ack)
	return nil
}

// process turns a panic escaping the processor into an error so the delivery
// is requeued instead of taking the worker down.
func (c *Consumer) process(ctx context.Context, msg dto.InboundMessage) (outcome service.Outcome, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("processor panicked: %v", recovered)
		}
	}()
	return c.processor.Process(ctx, msg)
}

func (c *Consumer) settle(logger zerolog.Logger, decision string, fn func() error) {
	observability.Deliveries().WithLabelValues(decision).Inc()
	if err := fn(); err != nil {
		logger.Warn().Err(err).Str("decision", decision).Msg("failed to settle message")
	}
}
