package vectorindex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-feedback-service/internal/models"
	"github.com/noah-isme/gema-feedback-service/internal/observability"
)

const rebuildPageSize = 500

// RecordSource reads persisted embeddings in (created_at, id) order.
type RecordSource interface {
	ListOrdered(ctx context.Context, offset, limit int) ([]models.EmbeddingRecord, error)
}

// RecordWriter persists embeddings before they enter the index.
type RecordWriter interface {
	Create(ctx context.Context, record *models.EmbeddingRecord) error
}

// RecordStore is the persistence the Store needs.
type RecordStore interface {
	RecordSource
	RecordWriter
}

// RebuildStats summarises a rebuild run.
type RebuildStats struct {
	Loaded   int
	Skipped  int
	Duration time.Duration
}

// Store keeps the index and the embedding records consistent: every vector is
// persisted before it is added, and the index can be rebuilt from the rows.
type Store struct {
	index   *Index
	records RecordStore
	logger  zerolog.Logger
	now     func() time.Time
}

// NewStore wraps index with persistence.
func NewStore(index *Index, records RecordStore, logger zerolog.Logger) *Store {
	return &Store{
		index:   index,
		records: records,
		logger:  logger.With().Str("component", "vector_store").Logger(),
		now:     time.Now,
	}
}

// Dimensions reports the width of the underlying index.
func (s *Store) Dimensions() int {
	return s.index.Dimensions()
}

// Len reports the number of indexed vectors.
func (s *Store) Len() int {
	return s.index.Len()
}

// Search delegates to the in-memory index.
func (s *Store) Search(_ context.Context, vector []float32, k int) ([]Match, error) {
	return s.index.Search(vector, k)
}

// Index writes the embedding record and then adds the vector to the index.
func (s *Store) Index(ctx context.Context, referenceID, contentType, content string, vector []float32) (models.EmbeddingRecord, error) {
	if err := s.index.checkDimensions(vector); err != nil {
		return models.EmbeddingRecord{}, err
	}

	encoded, err := json.Marshal(vector)
	if err != nil {
		return models.EmbeddingRecord{}, fmt.Errorf("encode embedding: %w", err)
	}

	// Version 7 ids sort in creation order; Rebuild relies on it for equal created_at.
	id, err := uuid.NewV7()
	if err != nil {
		return models.EmbeddingRecord{}, fmt.Errorf("generate embedding id: %w", err)
	}

	record := models.EmbeddingRecord{
		ID:          id.String(),
		ReferenceID: referenceID,
		ContentType: contentType,
		RawContent:  content,
		Vector:      datatypes.JSON(encoded),
		Dimensions:  len(vector),
		CreatedAt:   s.now().UTC(),
	}
	if err := s.records.Create(ctx, &record); err != nil {
		return models.EmbeddingRecord{}, fmt.Errorf("persist embedding: %w", err)
	}

	if err := s.index.Add(vector, referenceID); err != nil {
		return models.EmbeddingRecord{}, err
	}
	observability.IndexSize().Set(float64(s.index.Len()))
	return record, nil
}

// Rebuild replaces the index contents with every persisted record.
func (s *Store) Rebuild(ctx context.Context) (RebuildStats, error) {
	return s.index.Rebuild(ctx, s.records, s.logger)
}

// Rebuild clears the index and re-adds every record from source in
// (created_at, id) order. Records that cannot be decoded or have the wrong
// dimensions are logged and skipped.
func (i *Index) Rebuild(ctx context.Context, source RecordSource, logger zerolog.Logger) (RebuildStats, error) {
	start := time.Now()
	stats := RebuildStats{}

	var (
		vectors    []float32
		references []string
	)
	for offset := 0; ; offset += rebuildPageSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		page, err := source.ListOrdered(ctx, offset, rebuildPageSize)
		if err != nil {
			return stats, fmt.Errorf("load embeddings: %w", err)
		}

		for _, record := range page {
			vector, err := record.DecodeVector()
			if err == nil {
				err = i.checkDimensions(vector)
			}
			if err != nil {
				stats.Skipped++
				logger.Warn().Err(err).Str("embedding_id", record.ID).Msg("skipping embedding during rebuild")
				continue
			}
			vectors = append(vectors, vector...)
			references = append(references, record.ReferenceID)
			stats.Loaded++
		}

		if len(page) < rebuildPageSize {
			break
		}
	}

	i.replace(vectors, references)
	stats.Duration = time.Since(start)
	observability.IndexSize().Set(float64(stats.Loaded))
	logger.Info().Int("loaded", stats.Loaded).Int("skipped", stats.Skipped).Dur("duration", stats.Duration).Msg("similarity index rebuilt")
	return stats, nil
}
