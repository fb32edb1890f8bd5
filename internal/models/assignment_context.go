package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// AssignmentContext is the cached LMS description of an assignment.
type AssignmentContext struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	AssignmentID       string         `gorm:"size:128;not null;uniqueIndex" json:"assignment_id"`
	Name               string         `gorm:"size:255" json:"name"`
	Type               string         `gorm:"size:64" json:"type"`
	Subject            string         `gorm:"size:128" json:"subject"`
	Description        string         `gorm:"type:text" json:"description"`
	LearningObjectives datatypes.JSON `json:"learning_objectives"`
	MaxScore           float64        `json:"max_score"`
	ReferenceImage     string         `gorm:"type:text" json:"reference_image"`
	Version            int            `gorm:"not null;default:1" json:"version"`
	ValidUntil         time.Time      `gorm:"not null;index" json:"valid_until"`
	SyncStatus         string         `gorm:"size:32" json:"sync_status"`
	LastSyncedAt       time.Time      `json:"last_synced_at"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

const (
	// ContextSyncStatusSynced marks an entry refreshed from the LMS.
	ContextSyncStatusSynced = "synced"
	// ContextSyncStatusInvalidated marks an entry expired on demand.
	ContextSyncStatusInvalidated = "invalidated"
)

// LearningObjective is a single objective attached to an assignment.
type LearningObjective struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// IsLive reports whether the entry may be served at the given instant.
func (c AssignmentContext) IsLive(now time.Time) bool {
	return c.ValidUntil.After(now)
}

// Objectives decodes the stored learning objectives.
func (c AssignmentContext) Objectives() ([]LearningObjective, error) {
	if len(c.LearningObjectives) == 0 {
		return nil, nil
	}

	var objectives []LearningObjective
	if err := json.Unmarshal(c.LearningObjectives, &objectives); err != nil {
		return nil, err
	}
	return objectives, nil
}
