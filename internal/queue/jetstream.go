// Package queue connects the feedback pipeline to NATS JetStream.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-feedback-service/internal/dispatch"
)

// BrokerConfig describes the streams and consumer used by the service.
type BrokerConfig struct {
	URL             string
	Stream          string
	InboundSubject  string
	ResultsStream   string
	ResultsSubject  string
	Durable         string
	AckWait         time.Duration
	MaxDeliver      int
	FetchWait       time.Duration
	DuplicateWindow time.Duration
}

// Broker owns one NATS connection and its JetStream context.
type Broker struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	cfg    BrokerConfig
	logger zerolog.Logger
}

// ConnectBroker dials NATS and opens a JetStream context.
func ConnectBroker(ctx context.Context, cfg BrokerConfig, logger zerolog.Logger) (*Broker, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = 5 * time.Second
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = 2 * time.Minute
	}

	logger = logger.With().Str("component", "broker").Logger()
	conn, err := nats.Connect(cfg.URL,
		nats.Name("gema-feedback-service"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open jetstream: %w", err)
	}

	return &Broker{conn: conn, js: js, cfg: cfg, logger: logger}, nil
}

// EnsureStreams creates or updates the inbound and results streams. Both keep
// a duplicate window so publishes carrying the same message id are dropped.
func (b *Broker) EnsureStreams(ctx context.Context) error {
	streams := []jetstream.StreamConfig{{
		Name:       b.cfg.Stream,
		Subjects:   []string{b.cfg.InboundSubject},
		Duplicates: b.cfg.DuplicateWindow,
	}}
	if b.cfg.ResultsStream != "" && b.cfg.ResultsStream != b.cfg.Stream {
		streams = append(streams, jetstream.StreamConfig{
			Name:       b.cfg.ResultsStream,
			Subjects:   []string{b.cfg.ResultsSubject},
			Duplicates: b.cfg.DuplicateWindow,
		})
	} else if b.cfg.ResultsSubject != "" {
		streams[0].Subjects = append(streams[0].Subjects, b.cfg.ResultsSubject)
	}

	for _, stream := range streams {
		if _, err := b.js.CreateOrUpdateStream(ctx, stream); err != nil {
			return fmt.Errorf("ensure stream %s: %w", stream.Name, err)
		}
		b.logger.Info().Str("stream", stream.Name).Strs("subjects", stream.Subjects).Msg("stream ready")
	}
	return nil
}

// Source creates or updates the durable pull consumer on the inbound subject.
// At most one message is in flight per consumer.
func (b *Broker) Source(ctx context.Context) (*JetStreamSource, error) {
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       b.cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		MaxDeliver:    b.cfg.MaxDeliver,
		MaxAckPending: 1,
		FilterSubject: b.cfg.InboundSubject,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s: %w", b.cfg.Durable, err)
	}
	return &JetStreamSource{consumer: consumer, wait: b.cfg.FetchWait}, nil
}

// Publish sends data to subject with msgID as the de-duplication key.
func (b *Broker) Publish(ctx context.Context, subject, msgID string, data []byte) error {
	opts := []jetstream.PublishOpt{}
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	ack, err := b.js.Publish(ctx, subject, data, opts...)
	if err != nil {
		return err
	}
	if ack.Duplicate {
		b.logger.Debug().Str("subject", subject).Str("msg_id", msgID).Msg("duplicate publish dropped by broker")
	}
	return nil
}

// Redial opens a fresh connection to the same server. It backs the dispatcher's reconnect.
func (b *Broker) Redial(ctx context.Context) (dispatch.Publisher, error) {
	return ConnectBroker(ctx, b.cfg, b.logger)
}

// Healthy reports whether the connection is up.
func (b *Broker) Healthy() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Close drains the connection.
func (b *Broker) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn().Err(err).Msg("failed to drain nats connection")
	}
}

// JetStreamSource pulls messages one at a time from a durable consumer.
type JetStreamSource struct {
	consumer jetstream.Consumer
	wait     time.Duration
}

// Next waits up to the fetch window for one message and returns ErrNoMessage
// when none arrived.
func (s *JetStreamSource) Next(ctx context.Context) (Delivery, error) {
	batch, err := s.consumer.Fetch(1, jetstream.FetchMaxWait(s.wait))
	if err != nil {
		return nil, err
	}
	for msg := range batch.Messages() {
		return jetStreamDelivery{msg: msg}, nil
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, ErrNoMessage
}

type jetStreamDelivery struct {
	msg jetstream.Msg
}

func (d jetStreamDelivery) Data() []byte { return d.msg.Data() }
func (d jetStreamDelivery) Ack() error   { return d.msg.Ack() }
func (d jetStreamDelivery) Nak() error   { return d.msg.Nak() }
func (d jetStreamDelivery) Term() error  { return d.msg.Term() }

func (d jetStreamDelivery) NumDelivered() uint64 {
	meta, err := d.msg.Metadata()
	if err != nil {
		return 0
	}
	return meta.NumDelivered
}
