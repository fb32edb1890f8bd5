// Package vectorindex provides an exact nearest-neighbour index over content
// embeddings, kept in memory and rebuilt from the persisted embedding records.
package vectorindex

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrDimensionMismatch is returned when a vector does not match the index dimensions.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Match is one search hit. Distance is the squared L2 distance to the query.
type Match struct {
	ReferenceID string  `json:"reference_id"`
	Distance    float64 `json:"distance"`
}

// Index is a flat L2 index. Add takes an exclusive lock and Search a shared one.
type Index struct {
	mu         sync.RWMutex
	dimensions int
	vectors    []float32
	references []string
}

// New creates an empty index for vectors of the given dimensions.
func New(dimensions int) *Index {
	return &Index{dimensions: dimensions}
}

// Dimensions reports the vector width accepted by the index.
func (i *Index) Dimensions() int {
	return i.dimensions
}

// Len reports the number of stored vectors.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.references)
}

// Add appends a vector; its insertion ordinal breaks distance ties in Search.
func (i *Index) Add(vector []float32, referenceID string) error {
	if err := i.checkDimensions(vector); err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.vectors = append(i.vectors, vector...)
	i.references = append(i.references, referenceID)
	return nil
}

// Search returns at most k matches ordered by ascending distance, ties by insertion order.
func (i *Index) Search(vector []float32, k int) ([]Match, error) {
	if err := i.checkDimensions(vector); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Match{}, nil
	}

	i.mu.RLock()
	matches := make([]Match, len(i.references))
	for ordinal, ref := range i.references {
		offset := ordinal * i.dimensions
		matches[ordinal] = Match{
			ReferenceID: ref,
			Distance:    squaredL2(vector, i.vectors[offset:offset+i.dimensions]),
		}
	}
	i.mu.RUnlock()

	slices.SortStableFunc(matches, func(a, b Match) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		default:
			return 0
		}
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// replace swaps the index contents in one step.
func (i *Index) replace(vectors []float32, references []string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.vectors = vectors
	i.references = references
}

func (i *Index) checkDimensions(vector []float32) error {
	if len(vector) != i.dimensions {
		return fmt.Errorf("%w: got %d, index expects %d", ErrDimensionMismatch, len(vector), i.dimensions)
	}
	return nil
}

func squaredL2(a, b []float32) float64 {
	var sum float64
	for idx := range a {
		diff := float64(a[idx]) - float64(b[idx])
		sum += diff * diff
	}
	return sum
}
