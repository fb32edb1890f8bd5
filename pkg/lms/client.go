// Package lms is a small client for the learning management system's
// assignment context API.
package lms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrMalformedResponse is returned when the API answers 200 with an unusable body.
var ErrMalformedResponse = errors.New("malformed lms response")

// StatusError reports a non-200 answer from the API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("lms request failed with status %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether repeating the request cannot succeed.
func (e *StatusError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	default:
		return false
	}
}

// Config holds the API location and credentials.
type Config struct {
	BaseURL         string
	ContextEndpoint string
	APIKey          string
	APISecret       string
	Timeout         time.Duration
	Logger          zerolog.Logger
}

// Assignment is the assignment section of a context response.
type Assignment struct {
	Name           string      `json:"name"`
	Type           string      `json:"type"`
	Subject        string      `json:"subject"`
	Description    string      `json:"description"`
	MaxScore       json.Number `json:"max_score"`
	ReferenceImage string      `json:"reference_image"`
}

// LearningObjective is one objective as the API reports it.
type LearningObjective struct {
	Objective   string `json:"objective"`
	Description string `json:"description"`
}

// AssignmentContext is the decoded response of the context endpoint.
type AssignmentContext struct {
	Assignment         Assignment          `json:"assignment"`
	LearningObjectives []LearningObjective `json:"learning_objectives"`
}

// MaxScoreValue returns the max score as a float, or zero when absent.
func (a Assignment) MaxScoreValue() float64 {
	if a.MaxScore == "" {
		return 0
	}
	value, err := a.MaxScore.Float64()
	if err != nil {
		return 0
	}
	return value
}

// Client calls the context API over HTTP.
type Client struct {
	httpClient *http.Client
	cfg        Config
	logger     zerolog.Logger
}

// NewClient builds a client whose transport is traced with OpenTelemetry.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("lms base url is required")
	}
	if cfg.ContextEndpoint == "" {
		return nil, fmt.Errorf("lms context endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "lms_client").Logger(),
	}, nil
}

// URL returns the full context endpoint address.
func (c *Client) URL() string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(c.cfg.ContextEndpoint, "/")
}

// FetchAssignmentContext posts the assignment id and decodes the context. The
// payload may be wrapped in a "message" envelope.
func (c *Client) FetchAssignmentContext(ctx context.Context, assignmentID string) (AssignmentContext, error) {
	body, err := json.Marshal(map[string]string{"assignment_id": assignmentID})
	if err != nil {
		return AssignmentContext{}, fmt.Errorf("encode lms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(), bytes.NewReader(body))
	if err != nil {
		return AssignmentContext{}, fmt.Errorf("build lms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", c.cfg.APIKey, c.cfg.APISecret))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return AssignmentContext{}, fmt.Errorf("lms request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return AssignmentContext{}, fmt.Errorf("read lms response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn().Int("status", resp.StatusCode).Str("assignment_id", assignmentID).Msg("lms context request rejected")
		return AssignmentContext{}, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(payload), 256)}
	}

	return decodeContext(payload)
}

func decodeContext(payload []byte) (AssignmentContext, error) {
	var envelope struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return AssignmentContext{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	raw := payload
	if len(envelope.Message) > 0 && string(envelope.Message) != "null" {
		raw = envelope.Message
	}

	var decoded AssignmentContext
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return AssignmentContext{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if decoded.Assignment.Name == "" && decoded.Assignment.Description == "" {
		return AssignmentContext{}, fmt.Errorf("%w: missing assignment", ErrMalformedResponse)
	}

	for i := range decoded.LearningObjectives {
		decoded.LearningObjectives[i].Description = strings.TrimSpace(decoded.LearningObjectives[i].Description)
	}
	return decoded, nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
