package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMissingFields is returned when a model answer lacks required feedback fields.
var ErrMissingFields = errors.New("feedback response missing required fields")

// RequiredFeedbackFields lists the keys every model answer must carry.
var RequiredFeedbackFields = []string{
	"overall_feedback",
	"strengths",
	"areas_for_improvement",
	"learning_objectives_feedback",
	"grade_recommendation",
	"encouragement",
}

// Objective is a learning objective passed to the model.
type Objective struct {
	ID   string
	Text string
}

// FeedbackInput contains what the model needs to review a submission.
type FeedbackInput struct {
	SubmissionID       string
	AssignmentName     string
	AssignmentType     string
	Subject            string
	Description        string
	LearningObjectives []Objective
	MaxScore           float64
	ReferenceImage     string
	ContentRef         string
	PlagiarismScore    float64
	SimilarReferences  []string
}

// Feedback is the structured review returned by the model.
type Feedback struct {
	OverallFeedback            string   `json:"overall_feedback"`
	Strengths                  []string `json:"strengths"`
	AreasForImprovement        []string `json:"areas_for_improvement"`
	LearningObjectivesFeedback []string `json:"learning_objectives_feedback"`
	GradeRecommendation        string   `json:"grade_recommendation"`
	Encouragement              string   `json:"encouragement"`
}

// FeedbackGenerator produces structured feedback for a submission.
type FeedbackGenerator interface {
	Generate(ctx context.Context, input FeedbackInput) (Feedback, error)
	Model() string
}

// Embedder turns content into a fixed width vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// FallbackFeedback is served instead of a hard failure when graceful
// degradation is enabled and the model could not produce a review.
func FallbackFeedback() Feedback {
	return Feedback{
		OverallFeedback:            "We could not evaluate this submission automatically. A teacher will review it.",
		Strengths:                  []string{},
		AreasForImprovement:        []string{},
		LearningObjectivesFeedback: []string{},
		GradeRecommendation:        "N/A",
		Encouragement:              "Thank you for your submission. Keep up the good work!",
	}
}

// Summary renders the feedback as plain text for people and downstream systems.
func (f Feedback) Summary() string {
	var b strings.Builder
	b.WriteString("Overall Feedback:\n")
	b.WriteString(f.OverallFeedback)

	writeList := func(title string, items []string) {
		b.WriteString("\n\n")
		b.WriteString(title)
		b.WriteString(":")
		for _, item := range items {
			b.WriteString("\n- ")
			b.WriteString(item)
		}
	}
	writeList("Strengths", f.Strengths)
	writeList("Areas for Improvement", f.AreasForImprovement)
	writeList("Learning Objectives Feedback", f.LearningObjectivesFeedback)

	b.WriteString("\n\nGrade Recommendation: ")
	b.WriteString(f.GradeRecommendation)
	b.WriteString("\n\nEncouragement: ")
	b.WriteString(f.Encouragement)
	return b.String()
}

// Map applies fn to every text field, e.g. to sanitise model output.
func (f Feedback) Map(fn func(string) string) Feedback {
	mapList := func(items []string) []string {
		out := make([]string, 0, len(items))
		for _, item := range items {
			out = append(out, fn(item))
		}
		return out
	}
	return Feedback{
		OverallFeedback:            fn(f.OverallFeedback),
		Strengths:                  mapList(f.Strengths),
		AreasForImprovement:        mapList(f.AreasForImprovement),
		LearningObjectivesFeedback: mapList(f.LearningObjectivesFeedback),
		GradeRecommendation:        fn(f.GradeRecommendation),
		Encouragement:              fn(f.Encouragement),
	}
}

// ParseFeedback decodes a model answer, tolerating a ```json fenced block,
// numeric grades and object list items.
func ParseFeedback(content string) (Feedback, error) {
	cleaned := stripCodeFence(content)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		return Feedback{}, fmt.Errorf("parse feedback json: %w", err)
	}

	var missing []string
	for _, name := range RequiredFeedbackFields {
		if _, ok := fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Feedback{}, fmt.Errorf("%w: %s", ErrMissingFields, strings.Join(missing, ", "))
	}

	return Feedback{
		OverallFeedback:            textValue(fields["overall_feedback"]),
		Strengths:                  listValue(fields["strengths"]),
		AreasForImprovement:        listValue(fields["areas_for_improvement"]),
		LearningObjectivesFeedback: listValue(fields["learning_objectives_feedback"]),
		GradeRecommendation:        textValue(fields["grade_recommendation"]),
		Encouragement:              textValue(fields["encouragement"]),
	}, nil
}

func stripCodeFence(content string) string {
	cleaned := strings.TrimSpace(content)
	if _, after, found := strings.Cut(cleaned, "```json"); found {
		before, _, _ := strings.Cut(after, "```")
		return strings.TrimSpace(before)
	}
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(cleaned, "```")
	}
	return strings.TrimSpace(cleaned)
}

func textValue(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text)
	}

	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return strconv.FormatFloat(number, 'f', -1, 64)
	}

	if string(raw) == "null" {
		return ""
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err == nil {
		return compact.String()
	}
	return strings.TrimSpace(string(raw))
}

func listValue(raw json.RawMessage) []string {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		if value := textValue(raw); value != "" {
			return []string{value}
		}
		return []string{}
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, textValue(item))
	}
	return out
}
