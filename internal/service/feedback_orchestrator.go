package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-feedback-service/internal/apperror"
	"github.com/noah-isme/gema-feedback-service/internal/dto"
	"github.com/noah-isme/gema-feedback-service/internal/models"
	"github.com/noah-isme/gema-feedback-service/internal/observability"
	"github.com/noah-isme/gema-feedback-service/internal/repository"
	"github.com/noah-isme/gema-feedback-service/internal/vectorindex"
	"github.com/noah-isme/gema-feedback-service/pkg/ai"
)

// Outcome summarises what Process did with a message.
type Outcome string

const (
	// OutcomeCompleted means feedback was generated, dispatched and recorded.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means the attempt ran and ended in failure.
	OutcomeFailed Outcome = "failed"
	// OutcomeSkipped means the submission was already completed.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeExhausted means the submission has no attempts left.
	OutcomeExhausted Outcome = "exhausted"
)

// feedbackEmbeddingPrefix keeps feedback vectors apart from submission ids in search hits.
const feedbackEmbeddingPrefix = "feedback:"

// ContextProvider returns a live assignment context.
type ContextProvider interface {
	Get(ctx context.Context, assignmentID string) (models.AssignmentContext, error)
}

// SimilarityStore searches and extends the similarity index.
type SimilarityStore interface {
	Search(ctx context.Context, vector []float32, k int) ([]vectorindex.Match, error)
	Index(ctx context.Context, referenceID, contentType, content string, vector []float32) (models.EmbeddingRecord, error)
}

// ResultDispatcher publishes generated feedback downstream.
type ResultDispatcher interface {
	Publish(ctx context.Context, result dto.FeedbackResult) error
}

// OrchestratorDependencies groups the collaborators of the orchestrator.
type OrchestratorDependencies struct {
	Requests   repository.FeedbackRequestRepository
	Contexts   ContextProvider
	Embedder   ai.Embedder
	Similarity SimilarityStore
	Generator  ai.FeedbackGenerator
	Dispatcher ResultDispatcher
}

// OrchestratorConfig tunes the pipeline.
type OrchestratorConfig struct {
	MaxAttempts         int
	SimilarK            int
	GracefulDegradation bool
	IndexFeedback       bool
}

// FeedbackOrchestrator drives one inbound message through the feedback pipeline
// and owns every status transition of its FeedbackRequest.
type FeedbackOrchestrator interface {
	Process(ctx context.Context, msg dto.InboundMessage) (Outcome, error)
}

type feedbackOrchestrator struct {
	deps      OrchestratorDependencies
	cfg       OrchestratorConfig
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

type attemptResult struct {
	vector    []float32
	similar   []models.SimilarSubmission
	feedback  *ai.Feedback
	summary   string
	modelUsed string
}

// NewFeedbackOrchestrator constructs the orchestrator.
func NewFeedbackOrchestrator(deps OrchestratorDependencies, cfg OrchestratorConfig, logger zerolog.Logger) FeedbackOrchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SimilarK <= 0 {
		cfg.SimilarK = 5
	}

	return &feedbackOrchestrator{
		deps:      deps,
		cfg:       cfg,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "feedback_orchestrator").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-feedback-service/internal/service/feedback"),
		now:       time.Now,
	}
}

// Process runs one attempt for the message. Only record store failures and
// fatal configuration errors are returned; every other failure is recorded on
// the FeedbackRequest and reported as OutcomeFailed.
func (o *feedbackOrchestrator) Process(ctx context.Context, msg dto.InboundMessage) (Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "feedback.process", trace.WithAttributes(
		attribute.String("submission_id", msg.SubmissionID),
		attribute.String("assignment_id", msg.AssignmentID),
	))
	defer span.End()

	request, started, err := o.deps.Requests.BeginAttempt(ctx, newFeedbackRequest(msg), o.cfg.MaxAttempts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("begin feedback attempt: %w", err)
	}

	logger := o.logger.With().
		Str("submission_id", msg.SubmissionID).
		Str("assignment_id", msg.AssignmentID).
		Int("attempt", request.AttemptCount).
		Logger()
	span.SetAttributes(attribute.Int("attempt", request.AttemptCount))

	if !started {
		outcome := OutcomeExhausted
		if request.IsCompleted() {
			outcome = OutcomeSkipped
		}
		logger.Info().Str("status", request.Status).Str("outcome", string(outcome)).Msg("feedback attempt not started")
		if request.Status == models.FeedbackStatusProcessing {
			// The last allowed attempt never reached a terminal state.
			if err := o.markFailed(ctx, request, attemptResult{}, ErrAttemptsExhausted, logger); err != nil {
				return o.finish(span, outcome), err
			}
		}
		return o.finish(span, outcome), nil
	}

	start := o.now()
	result, attemptErr := o.attempt(ctx, request, msg, logger)
	observability.AttemptDuration().Observe(o.now().Sub(start).Seconds())

	if attemptErr != nil {
		span.RecordError(attemptErr)
		span.SetStatus(codes.Error, attemptErr.Error())
		if err := o.markFailed(ctx, request, result, attemptErr, logger); err != nil {
			return o.finish(span, OutcomeFailed), err
		}
		if errors.Is(attemptErr, apperror.ErrFatalConfig) {
			return o.finish(span, OutcomeFailed), attemptErr
		}
		return o.finish(span, OutcomeFailed), nil
	}

	if err := o.markCompleted(ctx, request, result); err != nil {
		if errors.Is(err, apperror.ErrStateConflict) {
			logger.Warn().Err(err).Msg("feedback request changed during attempt")
			return o.finish(span, OutcomeFailed), nil
		}
		span.RecordError(err)
		return o.finish(span, OutcomeFailed), err
	}

	logger.Info().Str("model", result.modelUsed).Int("similar", len(result.similar)).Msg("feedback completed")
	o.indexEmbeddings(ctx, msg, result, logger)
	return o.finish(span, OutcomeCompleted), nil
}

func (o *feedbackOrchestrator) attempt(ctx context.Context, request models.FeedbackRequest, msg dto.InboundMessage, logger zerolog.Logger) (result attemptResult, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error().Interface("panic", recovered).Msg("feedback attempt panicked")
			err = fmt.Errorf("feedback attempt panicked: %v", recovered)
		}
	}()

	assignment, err := o.deps.Contexts.Get(ctx, msg.AssignmentID)
	if err != nil {
		return result, fmt.Errorf("load assignment context: %w", err)
	}

	result.vector, err = o.deps.Embedder.Embed(ctx, msg.ContentRef)
	if err != nil {
		return result, apperror.Transient("embedder", err)
	}

	matches, err := o.deps.Similarity.Search(ctx, result.vector, o.cfg.SimilarK)
	if err != nil {
		if errors.Is(err, vectorindex.ErrDimensionMismatch) {
			return result, fmt.Errorf("%w: %v", apperror.ErrFatalConfig, err)
		}
		return result, fmt.Errorf("search similar submissions: %w", err)
	}
	result.similar = toSimilarSubmissions(matches)

	feedback, err := o.deps.Generator.Generate(ctx, buildFeedbackInput(request, msg, assignment, result.similar))
	result.modelUsed = o.deps.Generator.Model()
	if err != nil {
		if !o.cfg.GracefulDegradation {
			if errors.Is(err, ai.ErrMissingFields) {
				return result, apperror.Hard("model", err)
			}
			return result, apperror.Transient("model", err)
		}
		logger.Warn().Err(err).Msg("model failed, serving fallback feedback")
		feedback = ai.FallbackFeedback()
		result.modelUsed = "fallback"
	}

	sanitized := feedback.Map(o.sanitize)
	result.feedback = &sanitized
	result.summary = sanitized.Summary()

	err = o.deps.Dispatcher.Publish(ctx, dto.FeedbackResult{
		SubmissionID:    msg.SubmissionID,
		StudentID:       msg.StudentID,
		AssignmentID:    msg.AssignmentID,
		Feedback:        sanitized,
		SummaryText:     result.summary,
		GeneratedAt:     o.now().UTC(),
		PlagiarismScore: msg.PlagiarismScore,
		SimilarSources:  msg.SimilarSources,
	})
	if err != nil {
		return result, fmt.Errorf("dispatch feedback: %w", err)
	}
	return result, nil
}

func (o *feedbackOrchestrator) markCompleted(ctx context.Context, request models.FeedbackRequest, result attemptResult) error {
	feedback, err := json.Marshal(result.feedback)
	if err != nil {
		return fmt.Errorf("encode feedback: %w", err)
	}

	err = o.deps.Requests.Complete(ctx, request.SubmissionID, request.AttemptCount, repository.FeedbackCompletion{
		Feedback:           datatypes.JSON(feedback),
		Summary:            result.summary,
		SimilarSubmissions: encodeSimilar(result.similar),
		ModelUsed:          result.modelUsed,
		CompletedAt:        o.now(),
	})
	if errors.Is(err, repository.ErrNoRowsUpdated) {
		return apperror.ErrStateConflict
	}
	if err != nil {
		return fmt.Errorf("complete feedback request: %w", err)
	}
	return nil
}

func (o *feedbackOrchestrator) markFailed(ctx context.Context, request models.FeedbackRequest, result attemptResult, cause error, logger zerolog.Logger) error {
	failure := repository.FeedbackFailure{
		Message:            cause.Error(),
		SimilarSubmissions: encodeSimilar(result.similar),
		FailedAt:           o.now(),
	}
	if result.feedback != nil {
		if encoded, err := json.Marshal(result.feedback); err == nil {
			failure.Feedback = datatypes.JSON(encoded)
		}
	}

	logger.Error().Err(cause).Bool("feedback_kept", result.feedback != nil).Msg("feedback attempt failed")

	err := o.deps.Requests.Fail(ctx, request.SubmissionID, request.AttemptCount, failure)
	if errors.Is(err, repository.ErrNoRowsUpdated) {
		logger.Warn().Err(apperror.ErrStateConflict).Msg("feedback request changed during attempt")
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail feedback request: %w", err)
	}
	return nil
}

func (o *feedbackOrchestrator) indexEmbeddings(ctx context.Context, msg dto.InboundMessage, result attemptResult, logger zerolog.Logger) {
	if _, err := o.deps.Similarity.Index(ctx, msg.SubmissionID, models.EmbeddingContentSubmission, msg.ContentRef, result.vector); err != nil {
		logger.Warn().Err(err).Msg("failed to index submission embedding")
	}

	if !o.cfg.IndexFeedback || result.summary == "" {
		return
	}
	vector, err := o.deps.Embedder.Embed(ctx, result.summary)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to embed feedback")
		return
	}
	if _, err := o.deps.Similarity.Index(ctx, feedbackEmbeddingPrefix+msg.SubmissionID, models.EmbeddingContentFeedback, result.summary, vector); err != nil {
		logger.Warn().Err(err).Msg("failed to index feedback embedding")
	}
}

func (o *feedbackOrchestrator) finish(span trace.Span, outcome Outcome) Outcome {
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	observability.PipelineOutcomes().WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (o *feedbackOrchestrator) sanitize(value string) string {
	return strings.TrimSpace(html.UnescapeString(o.sanitizer.Sanitize(value)))
}

func newFeedbackRequest(msg dto.InboundMessage) models.FeedbackRequest {
	sources, _ := json.Marshal(msg.SimilarSources)
	return models.FeedbackRequest{
		SubmissionID:    msg.SubmissionID,
		StudentID:       msg.StudentID,
		AssignmentID:    msg.AssignmentID,
		ContentRef:      msg.ContentRef,
		PlagiarismScore: msg.PlagiarismScore,
		SimilarSources:  datatypes.JSON(sources),
	}
}

func buildFeedbackInput(request models.FeedbackRequest, msg dto.InboundMessage, assignment models.AssignmentContext, similar []models.SimilarSubmission) ai.FeedbackInput {
	objectives, _ := assignment.Objectives()
	inputObjectives := make([]ai.Objective, 0, len(objectives))
	for _, objective := range objectives {
		inputObjectives = append(inputObjectives, ai.Objective{ID: objective.ID, Text: objective.Text})
	}

	references := make([]string, 0, len(similar))
	for _, hit := range similar {
		references = append(references, hit.ReferenceID)
	}

	return ai.FeedbackInput{
		SubmissionID:       request.SubmissionID,
		AssignmentName:     assignment.Name,
		AssignmentType:     assignment.Type,
		Subject:            assignment.Subject,
		Description:        assignment.Description,
		LearningObjectives: inputObjectives,
		MaxScore:           assignment.MaxScore,
		ReferenceImage:     assignment.ReferenceImage,
		ContentRef:         msg.ContentRef,
		PlagiarismScore:    msg.PlagiarismScore,
		SimilarReferences:  references,
	}
}

func toSimilarSubmissions(matches []vectorindex.Match) []models.SimilarSubmission {
	similar := make([]models.SimilarSubmission, 0, len(matches))
	for _, match := range matches {
		if strings.HasPrefix(match.ReferenceID, feedbackEmbeddingPrefix) {
			continue
		}
		similar = append(similar, models.SimilarSubmission{ReferenceID: match.ReferenceID, Distance: match.Distance})
	}
	return similar
}

func encodeSimilar(similar []models.SimilarSubmission) datatypes.JSON {
	if similar == nil {
		return nil
	}
	encoded, err := json.Marshal(similar)
	if err != nil {
		return nil
	}
	return datatypes.JSON(encoded)
}
