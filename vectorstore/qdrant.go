package vectorstore

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig configures the Qdrant vector provider.
type QdrantConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key,omitempty"`
	UseTLS bool   `yaml:"use_tls,omitempty"`
}

// Qdrant implements VectorStore against a Qdrant server over gRPC.
type Qdrant struct {
	client *qdrant.Client
}

// NewQdrant dials a Qdrant server.
func NewQdrant(cfg QdrantConfig) (*Qdrant, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: dialing qdrant at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &Qdrant{client: client}, nil
}

var _ VectorStore = (*Qdrant)(nil)

func (q *Qdrant) ensureCollection(ctx context.Context, collection string, dim int) error {
	exists, err := q.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("vectorstore: checking collection %q: %w", collection, err)
	}
	if exists {
		return nil
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("vectorstore: creating collection %q: %w", collection, err)
	}
	return nil
}

func (q *Qdrant) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	if err := q.ensureCollection(ctx, collection, len(vector)); err != nil {
		return err
	}
	payload := make(map[string]*qdrant.Value, len(metadata))
	for k, v := range metadata {
		val, err := qdrant.NewValue(v)
		if err != nil {
			return fmt.Errorf("vectorstore: converting metadata key %q: %w", k, err)
		}
		payload[k] = val
	}
	point := &qdrant.PointStruct{
		Id:      qdrant.NewID(id),
		Vectors: qdrant.NewVectors(vector...),
		Payload: payload,
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: collection, Points: []*qdrant.PointStruct{point}})
	if err != nil {
		return fmt.Errorf("vectorstore: upserting point: %w", err)
	}
	return nil
}

func (q *Qdrant) Delete(ctx context.Context, collection, id string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: []*qdrant.PointId{{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id}}}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: deleting point %s: %w", id, err)
	}
	return nil
}

func (q *Qdrant) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	return q.SearchWithFilter(ctx, collection, vector, topK, nil)
}

func (q *Qdrant) SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	req := &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(filter) > 0 {
		req.Filter = buildFilter(filter)
	}
	res, err := q.client.GetPointsClient().Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: searching %q: %w", collection, err)
	}
	return convertResults(res.Result), nil
}

func buildFilter(filter map[string]any) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filter))
	for key, value := range filter {
		val, err := qdrant.NewValue(value)
		if err != nil {
			continue
		}
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key:   key,
					Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: val.GetStringValue()}},
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

func convertResults(points []*qdrant.ScoredPoint) []Result {
	out := make([]Result, 0, len(points))
	for _, p := range points {
		var id string
		if p.Id != nil {
			switch v := p.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				id = v.Uuid
			case *qdrant.PointId_Num:
				id = fmt.Sprintf("%d", v.Num)
			}
		}
		md := make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			md[k] = v.String()
		}
		out = append(out, Result{ID: id, Score: p.Score, Metadata: md})
	}
	return out
}
