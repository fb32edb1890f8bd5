package ai

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "request_duration_seconds",
		Help:      "Duration of model requests",
	}, []string{"model", "operation"})

	aiFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "request_failures_total",
		Help:      "Number of failed model requests",
	}, []string{"model", "operation"})
)

// OpenAIConfig defines configuration options for the OpenAI feedback generator.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
	Logger      zerolog.Logger
}

// OpenAIFeedbackGenerator implements FeedbackGenerator against the chat completion API.
type OpenAIFeedbackGenerator struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIFeedbackGenerator builds a generator using the provided configuration.
func NewOpenAIFeedbackGenerator(cfg OpenAIConfig) (*OpenAIFeedbackGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &OpenAIFeedbackGenerator{
		client: newOpenAIClient(cfg.APIKey, cfg.BaseURL),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-feedback-service/pkg/ai/openai"),
		logger: logger.With().Str("component", "feedback_generator").Logger(),
	}, nil
}

func newOpenAIClient(apiKey, baseURL string) *openai.Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(config)
}

// Model reports the model name used for generation.
func (g *OpenAIFeedbackGenerator) Model() string {
	return g.cfg.Model
}

// Generate asks the model for a review and validates the structured answer.
func (g *OpenAIFeedbackGenerator) Generate(parent context.Context, input FeedbackInput) (Feedback, error) {
	ctx, span := g.tracer.Start(parent, "openai.generate_feedback", trace.WithAttributes(
		attribute.String("model", g.cfg.Model),
		attribute.String("submission_id", input.SubmissionID),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	start := time.Now()
	request := openai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: feedbackSystemPrompt(),
			},
			buildUserMessage(input),
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	resp, err := g.client.CreateChatCompletion(ctx, request)
	aiDuration.WithLabelValues(g.cfg.Model, "feedback").Observe(time.Since(start).Seconds())
	if err != nil {
		return Feedback{}, g.fail(span, fmt.Errorf("openai generate feedback: %w", err))
	}

	if len(resp.Choices) == 0 {
		return Feedback{}, g.fail(span, fmt.Errorf("no choices returned from openai"))
	}

	feedback, err := ParseFeedback(resp.Choices[0].Message.Content)
	if err != nil {
		g.logger.Warn().Err(err).Str("submission_id", input.SubmissionID).Msg("model answer rejected")
		return Feedback{}, g.fail(span, err)
	}

	span.SetAttributes(attribute.Int("usage.total_tokens", resp.Usage.TotalTokens))
	return feedback, nil
}

func (g *OpenAIFeedbackGenerator) fail(span trace.Span, err error) error {
	aiFailures.WithLabelValues(g.cfg.Model, "feedback").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func feedbackSystemPrompt() string {
	return "You are a supportive teacher reviewing student work. Respond with a JSON object containing overall_feedback (string), " +
		"strengths (array of strings), areas_for_improvement (array of strings), learning_objectives_feedback (array of strings, " +
		"one per objective), grade_recommendation (string or number) and encouragement (string). Keep the tone encouraging and specific."
}

func buildUserMessage(input FeedbackInput) openai.ChatCompletionMessage {
	prompt := buildUserPrompt(input)
	if !IsImageReference(input.ContentRef) {
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: prompt + "\n\n## Submission\n" + input.ContentRef,
		}
	}

	return openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: prompt},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    input.ContentRef,
					Detail: openai.ImageURLDetailHigh,
				},
			},
		},
	}
}

func buildUserPrompt(input FeedbackInput) string {
	builder := strings.Builder{}
	builder.WriteString("# Assignment\n")
	builder.WriteString(input.AssignmentName)
	if input.AssignmentType != "" {
		builder.WriteString(" (")
		builder.WriteString(input.AssignmentType)
		builder.WriteString(")")
	}
	if input.Subject != "" {
		builder.WriteString("\n\n## Subject\n")
		builder.WriteString(input.Subject)
	}
	builder.WriteString("\n\n## Description\n")
	builder.WriteString(input.Description)
	builder.WriteString("\n\n## Learning Objectives\n")
	for _, objective := range input.LearningObjectives {
		builder.WriteString("- ")
		builder.WriteString(objective.Text)
		builder.WriteString("\n")
	}
	if input.MaxScore > 0 {
		builder.WriteString("\n## Max Score\n")
		builder.WriteString(strconv.FormatFloat(input.MaxScore, 'f', -1, 64))
		builder.WriteString("\n")
	}
	if input.PlagiarismScore > 0 {
		builder.WriteString("\n## Plagiarism Score\n")
		builder.WriteString(strconv.FormatFloat(input.PlagiarismScore, 'f', 2, 64))
		builder.WriteString("\n")
	}
	if len(input.SimilarReferences) > 0 {
		builder.WriteString("\n## Similar Prior Submissions\n")
		builder.WriteString(strings.Join(input.SimilarReferences, ", "))
		builder.WriteString("\n")
	}
	builder.WriteString("\nReturn JSON.")
	return builder.String()
}

// IsImageReference reports whether the content reference points at an image.
func IsImageReference(ref string) bool {
	lower := strings.ToLower(strings.TrimSpace(ref))
	switch {
	case strings.HasPrefix(lower, "img://"), strings.HasPrefix(lower, "data:image/"):
		return true
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		path, _, _ := strings.Cut(lower, "?")
		for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp"} {
			if strings.HasSuffix(path, ext) {
				return true
			}
		}
		return strings.Contains(path, "/image/upload/")
	default:
		return false
	}
}
