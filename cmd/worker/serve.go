package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/gema-feedback-service/internal/apperror"
	"github.com/noah-isme/gema-feedback-service/internal/dispatch"
	"github.com/noah-isme/gema-feedback-service/internal/dto"
	"github.com/noah-isme/gema-feedback-service/internal/handler"
	"github.com/noah-isme/gema-feedback-service/internal/middleware"
	"github.com/noah-isme/gema-feedback-service/internal/queue"
	"github.com/noah-isme/gema-feedback-service/internal/router"
	"github.com/noah-isme/gema-feedback-service/internal/service"
	"github.com/noah-isme/gema-feedback-service/pkg/ai"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume plagiarism results and serve the status/admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg := rt.cfg
	logger := rt.logger
	if missing := cfg.Missing(); len(missing) > 0 {
		return fmt.Errorf("%w: missing settings %s", apperror.ErrFatalConfig, strings.Join(missing, ", "))
	}

	broker, err := queue.ConnectBroker(ctx, queue.BrokerConfig{
		URL:             cfg.NATSURL,
		Stream:          cfg.NATSStream,
		InboundSubject:  cfg.NATSInboundSubject,
		ResultsStream:   cfg.NATSResultsStream,
		ResultsSubject:  cfg.NATSResultsSubject,
		Durable:         cfg.NATSDurable,
		AckWait:         cfg.NATSAckWait,
		MaxDeliver:      cfg.NATSMaxDeliver,
		FetchWait:       cfg.NATSFetchWait,
		DuplicateWindow: cfg.NATSDuplicateWindow,
	}, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	if err := broker.EnsureStreams(ctx); err != nil {
		return err
	}
	source, err := broker.Source(ctx)
	if err != nil {
		return err
	}

	contexts, err := rt.contextCache()
	if err != nil {
		return err
	}

	embedder, err := ai.NewOpenAIEmbedder(ai.EmbedderConfig{
		APIKey:     cfg.OpenAIAPIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		Model:      cfg.EmbeddingModel,
		Dimensions: cfg.EmbeddingDimensions,
		Timeout:    cfg.HTTPTimeout,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if embedder.Dimensions() != rt.vectors.Dimensions() {
		return fmt.Errorf("%w: embedder produces %d dimensions, index expects %d",
			apperror.ErrFatalConfig, embedder.Dimensions(), rt.vectors.Dimensions())
	}

	generator, err := ai.NewOpenAIFeedbackGenerator(ai.OpenAIConfig{
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.OpenAIBaseURL,
		Model:       cfg.AIModel,
		MaxTokens:   cfg.AIMaxTokens,
		Temperature: cfg.AITemperature,
		Timeout:     cfg.AITimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	stats, err := rt.vectors.Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("rebuild similarity index: %w", err)
	}
	logger.Info().Int("loaded", stats.Loaded).Int("skipped", stats.Skipped).Dur("duration", stats.Duration).Msg("similarity index ready")

	dispatcher := dispatch.New(broker, broker.Redial, cfg.NATSResultsSubject, logger)
	defer dispatcher.Close()

	validate := dto.NewValidator()
	orchestrator := service.NewFeedbackOrchestrator(service.OrchestratorDependencies{
		Requests:   rt.requests,
		Contexts:   contexts,
		Embedder:   embedder,
		Similarity: rt.vectors,
		Generator:  generator,
		Dispatcher: dispatcher,
	}, service.OrchestratorConfig{
		MaxAttempts:         cfg.PipelineMaxAttempts,
		SimilarK:            cfg.PipelineSimilarK,
		GracefulDegradation: cfg.AIGracefulDegradation,
		IndexFeedback:       cfg.PipelineIndexFeedback,
	}, logger)
	consumer := queue.NewConsumer(source, orchestrator, validate, logger)

	intake := service.NewSubmissionIntakeService(rt.requests, broker, cfg.NATSInboundSubject, cfg.PipelineMaxAttempts, validate, logger)
	app := fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		ServerHeader:          cfg.AppName,
		DisableStartupMessage: true,
	})
	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		FeedbackHandler:   handler.NewFeedbackHandler(service.NewFeedbackStatusService(rt.requests, logger), intake, logger),
		SubmissionHandler: handler.NewSubmissionHandler(intake, logger),
		AdminHandler:      handler.NewAdminFeedbackHandler(service.NewMaintenanceService(rt.requests, contexts, logger), logger),
		HealthChecks: map[string]handler.HealthCheckFunc{
			"database": func(ctx context.Context) error {
				sqlDB, err := rt.db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"nats": func(context.Context) error {
				if !broker.Healthy() {
					return errors.New("not connected")
				}
				return nil
			},
		},
		JWTMiddleware: middleware.JWTProtected(cfg.JWTSecret),
		IntakeLimiter: middleware.RateLimit("intake", cfg.IntakeRateLimit, cfg.IntakeRateWindow),
	})

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return consumer.Run(gctx)
	})
	group.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddress()).Msg("http server listening")
		return app.Listen(cfg.HTTPAddress())
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("worker stopped")
	return nil
}
