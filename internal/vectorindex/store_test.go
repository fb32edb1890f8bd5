package vectorindex

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-feedback-service/internal/database"
	"github.com/noah-isme/gema-feedback-service/internal/models"
	"github.com/noah-isme/gema-feedback-service/internal/repository"
)

func newTestStore(t *testing.T, dimensions int) (*Store, repository.EmbeddingRepository) {
	t.Helper()
	db, err := database.OpenSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	records := repository.NewEmbeddingRepository(db)
	return NewStore(New(dimensions), records, zerolog.Nop()), records
}

func TestStoreIndexPersistsBeforeAdding(t *testing.T) {
	store, records := newTestStore(t, 2)
	ctx := context.Background()

	record, err := store.Index(ctx, "s1", models.EmbeddingContentSubmission, "img://x", []float32{0.5, 0.5})
	require.NoError(t, err)
	require.Equal(t, 2, record.Dimensions)
	require.Equal(t, 1, store.Len())

	count, err := records.CountByReference(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	_, err = store.Index(ctx, "s2", models.EmbeddingContentSubmission, "img://y", []float32{1})
	require.ErrorIs(t, err, ErrDimensionMismatch)
	count, err = records.CountByReference(ctx, "s2")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestRebuildKeepsInsertionOrderForSharedTimestamps(t *testing.T) {
	store, records := newTestStore(t, 2)
	ctx := context.Background()

	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	refs := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, ref := range refs {
		_, err := store.Index(ctx, ref, models.EmbeddingContentSubmission, ref, []float32{1, 1})
		require.NoError(t, err)
	}

	live, err := store.Search(ctx, []float32{0, 0}, len(refs))
	require.NoError(t, err)
	require.Equal(t, refs, referenceIDs(live))

	for i := 0; i < 5; i++ {
		rebuilt := NewStore(New(2), records, zerolog.Nop())
		_, err := rebuilt.Rebuild(ctx)
		require.NoError(t, err)

		matches, err := rebuilt.Search(ctx, []float32{0, 0}, len(refs))
		require.NoError(t, err)
		require.Equal(t, live, matches)
	}
}

func TestRebuildReproducesSearchResults(t *testing.T) {
	store, records := newTestStore(t, 2)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	vectors := map[string][]float32{
		"a": {0, 0},
		"b": {1, 1},
		"c": {0.1, 0.1},
		"d": {1, 0},
		"e": {0, 1},
	}
	for _, ref := range []string{"a", "b", "c", "d", "e"} {
		_, err := store.Index(ctx, ref, models.EmbeddingContentSubmission, ref, vectors[ref])
		require.NoError(t, err)
	}

	queries := [][]float32{{0, 0}, {0.5, 0.5}, {1, 0.2}}
	before := make([][]Match, 0, len(queries))
	for _, query := range queries {
		matches, err := store.Search(ctx, query, 5)
		require.NoError(t, err)
		before = append(before, matches)
	}

	rebuilt := NewStore(New(2), records, zerolog.Nop())
	stats, err := rebuilt.Rebuild(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, stats.Loaded)
	require.Zero(t, stats.Skipped)

	for i, query := range queries {
		matches, err := rebuilt.Search(ctx, query, 5)
		require.NoError(t, err)
		require.Equal(t, before[i], matches)
	}
}

func TestRebuildSkipsUnusableRecords(t *testing.T) {
	store, records := newTestStore(t, 2)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, records.Create(ctx, &models.EmbeddingRecord{
		ID: uuid.NewString(), ReferenceID: "good", ContentType: models.EmbeddingContentSubmission,
		Vector: datatypes.JSON(`[0.1,0.2]`), Dimensions: 2, CreatedAt: now,
	}))
	require.NoError(t, records.Create(ctx, &models.EmbeddingRecord{
		ID: uuid.NewString(), ReferenceID: "wide", ContentType: models.EmbeddingContentSubmission,
		Vector: datatypes.JSON(`[0.1,0.2,0.3]`), Dimensions: 3, CreatedAt: now.Add(time.Second),
	}))
	require.NoError(t, records.Create(ctx, &models.EmbeddingRecord{
		ID: uuid.NewString(), ReferenceID: "broken", ContentType: models.EmbeddingContentSubmission,
		Vector: datatypes.JSON(`"nope"`), Dimensions: 2, CreatedAt: now.Add(2 * time.Second),
	}))

	stats, err := store.Rebuild(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Loaded)
	require.Equal(t, 2, stats.Skipped)
	require.Equal(t, 1, store.Len())
}
