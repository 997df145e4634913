package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/nidhogg/nuka-swarm/internal/vectorstore"
	"go.uber.org/zap"
)

// ErrNoEmbedding is returned by VectorBackend when an entry or query has no vector.
var ErrNoEmbedding = errors.New("vector backend requires an embedding")

const vectorSearchLimit = 100

// VectorBackend stores entries as points in a Qdrant collection.
type VectorBackend struct {
	client     *vectorstore.Client
	collection string
	dimension  uint64
	logger     *zap.Logger
}

// NewVectorBackend ensures the collection exists and returns the backend.
func NewVectorBackend(ctx context.Context, client *vectorstore.Client, collection string, dimension int, logger *zap.Logger) (*VectorBackend, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("vector backend: invalid dimension %d", dimension)
	}
	if collection == "" {
		collection = "swarm_memory"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &VectorBackend{client: client, collection: collection, dimension: uint64(dimension), logger: logger}
	if err := client.EnsureCollection(ctx, collection, v.dimension); err != nil {
		return nil, err
	}
	return v, nil
}

// Add upserts the entry as a point.
func (v *VectorBackend) Add(ctx context.Context, e *Entry) error {
	if len(e.Embedding) == 0 {
		return ErrNoEmbedding
	}
	fields := entryFields(e)
	delete(fields, "embedding")
	return v.client.Upsert(ctx, v.collection, e.ID, e.Embedding, fields)
}

// Search runs a nearest-neighbour query. A single-type filter is pushed down
// to Qdrant; other filters are applied to the returned points.
func (v *VectorBackend) Search(ctx context.Context, q SearchQuery) ([]QueryResult, error) {
	if len(q.Embedding) == 0 {
		return nil, ErrNoEmbedding
	}
	var filter map[string]string
	if len(q.Filter.Types) == 1 {
		filter = map[string]string{"type": string(q.Filter.Types[0])}
	}
	hits, err := v.client.Search(ctx, v.collection, q.Embedding, vectorSearchLimit, filter)
	if err != nil {
		return nil, err
	}

	var out []QueryResult
	for _, h := range hits {
		e := entryFromFields(h.Payload)
		if e.ID == "" {
			e.ID = h.ID
		}
		score := float64(h.Score)
		if score < q.Threshold || !q.Filter.matches(e) {
			continue
		}
		out = append(out, QueryResult{Entry: e, Score: score})
	}
	return out, nil
}

// Update merges the patched fields into the point payload.
func (v *VectorBackend) Update(ctx context.Context, id string, p Patch) error {
	fields := patchFields(p)
	if len(fields) == 0 {
		return nil
	}
	return v.client.SetPayload(ctx, v.collection, id, fields)
}

// Delete removes the point.
func (v *VectorBackend) Delete(ctx context.Context, id string) error {
	return v.client.Delete(ctx, v.collection, id)
}

// Clear drops and recreates the collection.
func (v *VectorBackend) Clear(ctx context.Context) error {
	if err := v.client.DropCollection(ctx, v.collection); err != nil {
		return err
	}
	if err := v.client.EnsureCollection(ctx, v.collection, v.dimension); err != nil {
		return err
	}
	v.logger.Info("vector memory cleared", zap.String("collection", v.collection))
	return nil
}
