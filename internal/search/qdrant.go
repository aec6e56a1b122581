package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"
)

const (
	qdrantRESTPort = 6333
	qdrantGRPCPort = 6334

	healthTTL     = 5 * time.Second
	healthTimeout = 3 * time.Second

	// overFetch leaves room for ReScore to reorder by recency and evaluation.
	overFetch = 3
)

// QdrantConfig selects the Qdrant deployment and collection holding
// experience vectors.
type QdrantConfig struct {
	URL        string // "http://localhost:6333", "https://xyz.cloud.qdrant.io:6334", ...
	APIKey     string
	Collection string
	Dims       uint64
	// MinScore drops hits below this cosine similarity. Zero keeps all.
	MinScore float32
}

// QdrantIndex is the Index over experiences kept in a Qdrant collection.
// Every point carries its owner's user_id and every query filters on it.
type QdrantIndex struct {
	client   *qdrant.Client
	cfg      QdrantConfig
	logger   *slog.Logger
	health   singleflight.Group
	mu       sync.Mutex
	lastErr  error
	lastSeen time.Time
}

// payloadIndexes are the payload fields recall filters or may filter on.
var payloadIndexes = []struct {
	field string
	typ   qdrant.FieldType
}{
	{"user_id", qdrant.FieldType_FieldTypeKeyword},
	{"run_id", qdrant.FieldType_FieldTypeKeyword},
	{"outcome", qdrant.FieldType_FieldTypeKeyword},
	{"tags", qdrant.FieldType_FieldTypeKeyword},
	{"created_at_unix", qdrant.FieldType_FieldTypeFloat},
}

type qdrantEndpoint struct {
	host string
	port int
	tls  bool
}

// parseQdrantURL maps a Qdrant URL to its gRPC endpoint. The REST port is
// rewritten to the gRPC port since the client only speaks gRPC.
func parseQdrantURL(raw string) (qdrantEndpoint, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return qdrantEndpoint{}, fmt.Errorf("search: invalid qdrant URL %q", raw)
	}
	ep := qdrantEndpoint{host: u.Hostname(), port: qdrantGRPCPort, tls: u.Scheme == "https"}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return qdrantEndpoint{}, fmt.Errorf("search: invalid qdrant port %q", p)
		}
		if n != qdrantRESTPort {
			ep.port = n
		}
	}
	return ep, nil
}

// NewQdrantIndex builds the gRPC client. The connection is lazy, so an
// unreachable server surfaces on first use or through Healthy.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	ep, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   ep.host,
		Port:   ep.port,
		APIKey: cfg.APIKey,
		UseTLS: ep.tls,
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant client for %s:%d: %w", ep.host, ep.port, err)
	}
	return &QdrantIndex{client: client, cfg: cfg, logger: logger}, nil
}

// EnsureCollection creates the experience collection on first start and
// (re)creates the payload indexes, which Qdrant treats as idempotent.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.cfg.Collection)
	if err != nil {
		return fmt.Errorf("search: collection exists: %w", err)
	}
	if !exists {
		err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.cfg.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.cfg.Dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           qdrant.PtrOf(uint64(16)),
					EfConstruct: qdrant.PtrOf(uint64(128)),
				},
			}),
		})
		if err != nil {
			return fmt.Errorf("search: create collection %q: %w", q.cfg.Collection, err)
		}
		q.logger.Info("qdrant: collection created", "collection", q.cfg.Collection, "dims", q.cfg.Dims)
	}

	for _, idx := range payloadIndexes {
		_, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.cfg.Collection,
			FieldName:      idx.field,
			FieldType:      qdrant.PtrOf(idx.typ),
		})
		if err != nil {
			return fmt.Errorf("search: payload index %q: %w", idx.field, err)
		}
	}
	return nil
}

// Search returns the user's experiences nearest to embedding.
func (q *QdrantIndex) Search(ctx context.Context, userID string, embedding []float32, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 3
	}
	query := &qdrant.QueryPoints{
		CollectionName: q.cfg.Collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter:         &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch("user_id", userID)}},
		Limit:          qdrant.PtrOf(uint64(limit * overFetch)), //nolint:gosec // small positive limit
		WithPayload:    qdrant.NewWithPayload(false),
	}
	if q.cfg.MinScore > 0 {
		query.ScoreThreshold = qdrant.PtrOf(q.cfg.MinScore)
	}

	scored, err := q.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}
	return q.hits(scored), nil
}

func (q *QdrantIndex) hits(scored []*qdrant.ScoredPoint) []Hit {
	out := make([]Hit, 0, len(scored))
	for _, sp := range scored {
		id, err := uuid.Parse(sp.GetId().GetUuid())
		if err != nil {
			q.logger.Warn("qdrant: skipping point without experience id", "id", sp.GetId().String())
			continue
		}
		out = append(out, Hit{ExperienceID: id, Score: sp.GetScore()})
	}
	return out
}

// Upsert writes experience points and waits for Qdrant to apply them.
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID.String()),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(pointPayload(p)),
		})
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

func pointPayload(p Point) map[string]any {
	tags := make([]any, 0, len(p.Tags))
	for _, t := range p.Tags {
		tags = append(tags, t)
	}
	return map[string]any{
		"user_id":         p.UserID,
		"run_id":          p.RunID.String(),
		"outcome":         p.Outcome,
		"tags":            tags,
		"created_at_unix": float64(p.CreatedAt.Unix()),
	}
}

// Healthy reports whether Qdrant answers a health check. A result is reused
// for healthTTL and concurrent callers past expiry share one check, which
// runs detached from any single caller's context.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	q.mu.Lock()
	if time.Since(q.lastSeen) < healthTTL {
		err := q.lastErr
		q.mu.Unlock()
		return err
	}
	q.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	ch := q.health.DoChan("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), healthTimeout)
		defer cancel()
		var err error
		if _, herr := q.client.HealthCheck(checkCtx); herr != nil {
			err = fmt.Errorf("search: qdrant unhealthy: %w", herr)
		}
		q.mu.Lock()
		q.lastErr, q.lastSeen = err, time.Now()
		q.mu.Unlock()
		return nil, err
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
