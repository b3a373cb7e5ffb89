package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/dgallion1/ctxgest/internal/doctree"
)

// QdrantConfig locates the Qdrant collection that holds chunk vectors.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	Collection string
	Dimension  int
}

// Qdrant stores chunk vectors in a Qdrant collection over gRPC. Point ids
// are the chunk ids, which are UUIDs.
type Qdrant struct {
	client     *qdrant.Client
	collection string
	dim        int
	log        *slog.Logger
}

var _ Searcher = (*Qdrant)(nil)

// NewQdrant connects to Qdrant and creates the collection if needed.
func NewQdrant(ctx context.Context, cfg QdrantConfig, log *slog.Logger) (*Qdrant, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(64 << 20)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: connect: %w", err)
	}
	q := &Qdrant{client: client, collection: cfg.Collection, dim: cfg.Dimension, log: log}
	if err := q.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

func (q *Qdrant) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("qdrant: check collection: %w", err)
	}
	if exists {
		return nil
	}
	if q.dim <= 0 {
		return fmt.Errorf("qdrant: collection %s missing and no dimension configured", q.collection)
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: create collection: %w", err)
	}
	q.log.Info("created qdrant collection", "collection", q.collection, "dimension", q.dim)
	return nil
}

// Index upserts the embedding of every chunk that has one.
func (q *Qdrant) Index(ctx context.Context, chunks []doctree.Chunk) error {
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(c.ID),
			Vectors: qdrant.NewVectors(c.Embedding...),
			Payload: qdrant.NewValueMap(map[string]any{
				"chunk_id":     c.ID,
				"paragraph_id": c.ParagraphID,
				"type":         string(c.Type),
			}),
		})
	}
	if len(points) == 0 {
		return nil
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert %d points: %w", len(points), err)
	}
	return nil
}

// Search queries the collection for the topK nearest points.
func (q *Qdrant) Search(ctx context.Context, vec []float32, topK int) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayloadInclude("chunk_id"),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: query: %w", err)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		id := p.GetPayload()["chunk_id"].GetStringValue()
		if id == "" {
			id = p.GetId().GetUuid()
		}
		hits = append(hits, Hit{ChunkID: id, Score: p.GetScore()})
	}
	return hits, nil
}

// Remove deletes the points of the given chunks.
func (q *Qdrant) Remove(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	ids := make([]*qdrant.PointId, len(chunkIDs))
	for i, id := range chunkIDs {
		ids[i] = qdrant.NewIDUUID(id)
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(ids...),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete %d points: %w", len(ids), err)
	}
	return nil
}

// Close releases the gRPC connection.
func (q *Qdrant) Close() error {
	return q.client.Close()
}
