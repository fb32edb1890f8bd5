package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-feedback-service/internal/database"
	"github.com/noah-isme/gema-feedback-service/internal/dto"
	"github.com/noah-isme/gema-feedback-service/internal/models"
	"github.com/noah-isme/gema-feedback-service/internal/repository"
	"github.com/noah-isme/gema-feedback-service/internal/vectorindex"
	"github.com/noah-isme/gema-feedback-service/pkg/ai"
)

const testDimensions = 3

type stubContexts struct {
	err   error
	calls int
}

func (s *stubContexts) Get(_ context.Context, assignmentID string) (models.AssignmentContext, error) {
	s.calls++
	if s.err != nil {
		return models.AssignmentContext{}, s.err
	}
	return models.AssignmentContext{
		AssignmentID:       assignmentID,
		Name:               "Draw a tree",
		Type:               "Practical",
		Description:        "Use shading",
		LearningObjectives: datatypes.JSON(`[{"id":"LO1","text":"Shading"}]`),
		MaxScore:           10,
		Version:            1,
		ValidUntil:         time.Now().Add(time.Hour),
	}, nil
}

type stubEmbedder struct {
	vector []float32
	err    error
}

func (s *stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return append([]float32(nil), s.vector...), nil
}

func (s *stubEmbedder) Dimensions() int { return len(s.vector) }

type stubGenerator struct {
	mu       sync.Mutex
	feedback ai.Feedback
	err      error
	panicMsg string
	calls    int
	onCall   func()
}

func (s *stubGenerator) Generate(context.Context, ai.FeedbackInput) (ai.Feedback, error) {
	s.mu.Lock()
	s.calls++
	hook := s.onCall
	s.onCall = nil
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	if s.err != nil {
		return ai.Feedback{}, s.err
	}
	return s.feedback, nil
}

func (s *stubGenerator) Model() string { return "stub-model" }

type recordingDispatcher struct {
	mu      sync.Mutex
	err     error
	results []dto.FeedbackResult
}

func (d *recordingDispatcher) Publish(_ context.Context, result dto.FeedbackResult) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.results = append(d.results, result)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.results)
}

type recordingPublisher struct {
	err      error
	subjects []string
	msgIDs   []string
	payloads [][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, subject, msgID string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.msgIDs = append(p.msgIDs, msgID)
	p.payloads = append(p.payloads, data)
	return nil
}

type pipelineFixture struct {
	db         *gorm.DB
	requests   repository.FeedbackRequestRepository
	contexts   *stubContexts
	embedder   *stubEmbedder
	store      *vectorindex.Store
	generator  *stubGenerator
	dispatcher *recordingDispatcher
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	db, err := database.OpenSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	return &pipelineFixture{
		db:       db,
		requests: repository.NewFeedbackRequestRepository(db),
		contexts: &stubContexts{},
		embedder: &stubEmbedder{vector: []float32{0.1, 0.2, 0.3}},
		store:    vectorindex.NewStore(vectorindex.New(testDimensions), repository.NewEmbeddingRepository(db), zerolog.Nop()),
		generator: &stubGenerator{feedback: ai.Feedback{
			OverallFeedback:            "Nice work",
			Strengths:                  []string{"Colour"},
			AreasForImprovement:        []string{"Shading"},
			LearningObjectivesFeedback: []string{"LO1 met"},
			GradeRecommendation:        "8",
			Encouragement:              "Keep going",
		}},
		dispatcher: &recordingDispatcher{},
	}
}

func (f *pipelineFixture) orchestrator(cfg OrchestratorConfig) FeedbackOrchestrator {
	return NewFeedbackOrchestrator(OrchestratorDependencies{
		Requests:   f.requests,
		Contexts:   f.contexts,
		Embedder:   f.embedder,
		Similarity: f.store,
		Generator:  f.generator,
		Dispatcher: f.dispatcher,
	}, cfg, zerolog.Nop())
}

func (f *pipelineFixture) record(t *testing.T, submissionID string) models.FeedbackRequest {
	t.Helper()
	request, err := f.requests.GetBySubmissionID(context.Background(), submissionID)
	require.NoError(t, err)
	return request
}

func inboundMessage(submissionID string) dto.InboundMessage {
	return dto.InboundMessage{
		SubmissionID:    submissionID,
		StudentID:       "st1",
		AssignmentID:    "a1",
		ContentRef:      "img://x",
		PlagiarismScore: 0.1,
		SimilarSources:  []models.SimilarSource{{Reference: "web", Score: 0.1}},
	}
}

var errModelDown = errors.New("model unavailable")
