package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// EmbeddingRecord persists a vector that backs an entry of the similarity index.
type EmbeddingRecord struct {
	ID          string         `gorm:"primaryKey;size:36" json:"id"`
	ReferenceID string         `gorm:"size:255;not null;index" json:"reference_id"`
	ContentType string         `gorm:"size:32;not null" json:"content_type"`
	RawContent  string         `gorm:"type:text" json:"raw_content"`
	Vector      datatypes.JSON `gorm:"not null" json:"vector"`
	Dimensions  int            `gorm:"not null" json:"dimensions"`
	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
}

const (
	// EmbeddingContentSubmission marks vectors derived from student work.
	EmbeddingContentSubmission = "submission"
	// EmbeddingContentFeedback marks vectors derived from generated feedback.
	EmbeddingContentFeedback = "feedback"
	// EmbeddingContentReference marks vectors derived from reference material.
	EmbeddingContentReference = "reference"
)

// DecodeVector returns the stored vector and checks it against the recorded dimensions.
func (r EmbeddingRecord) DecodeVector() ([]float32, error) {
	var vector []float32
	if err := json.Unmarshal(r.Vector, &vector); err != nil {
		return nil, fmt.Errorf("decode embedding %s: %w", r.ID, err)
	}
	if len(vector) != r.Dimensions {
		return nil, fmt.Errorf("embedding %s has %d values, expected %d", r.ID, len(vector), r.Dimensions)
	}
	return vector, nil
}
