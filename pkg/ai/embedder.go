package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EmbedderConfig configures the OpenAI embedder.
type EmbedderConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	Timeout    time.Duration
	Logger     zerolog.Logger
}

// OpenAIEmbedder implements Embedder with the embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
	cfg    EmbedderConfig
	tracer trace.Tracer
}

// NewOpenAIEmbedder builds an embedder returning vectors of cfg.Dimensions.
func NewOpenAIEmbedder(cfg EmbedderConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 384
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &OpenAIEmbedder{
		client: newOpenAIClient(cfg.APIKey, cfg.BaseURL),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-feedback-service/pkg/ai/embedder"),
	}, nil
}

// Dimensions reports the vector width requested from the API.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.cfg.Dimensions
}

// Embed returns the embedding of text.
func (e *OpenAIEmbedder) Embed(parent context.Context, text string) ([]float32, error) {
	ctx, span := e.tracer.Start(parent, "openai.embed", trace.WithAttributes(
		attribute.String("model", e.cfg.Model),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(e.cfg.Model),
		Dimensions: e.cfg.Dimensions,
	})
	aiDuration.WithLabelValues(e.cfg.Model, "embed").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, e.fail(span, fmt.Errorf("openai embed: %w", err))
	}
	if len(resp.Data) == 0 {
		return nil, e.fail(span, fmt.Errorf("no embeddings returned from openai"))
	}

	return resp.Data[0].Embedding, nil
}

func (e *OpenAIEmbedder) fail(span trace.Span, err error) error {
	aiFailures.WithLabelValues(e.cfg.Model, "embed").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
