package memory

import (
	"context"
	"errors"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Payload keys of fact points.
const (
	PayloadText   = "text"
	PayloadUserID = "user_id"
)

type pointSearcher interface {
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

// QdrantConfig configures vector retrieval.
type QdrantConfig struct {
	Addr           string
	Collection     string
	ScoreThreshold float32
}

// Qdrant retrieves facts by vector similarity.
type Qdrant struct {
	points     pointSearcher
	embedder   Embedder
	collection string
	threshold  float32
	conn       *grpc.ClientConn
}

// NewQdrant connects to Qdrant over gRPC.
func NewQdrant(cfg QdrantConfig, embedder Embedder) (*Qdrant, error) {
	if cfg.Addr == "" {
		return nil, errors.New("qdrant address is required")
	}
	if cfg.Collection == "" {
		return nil, errors.New("qdrant collection is required")
	}
	conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("did not connect: %w", err)
	}
	q := newQdrant(pb.NewPointsClient(conn), embedder, cfg)
	q.conn = conn
	return q, nil
}

func newQdrant(points pointSearcher, embedder Embedder, cfg QdrantConfig) *Qdrant {
	return &Qdrant{
		points:     points,
		embedder:   embedder,
		collection: cfg.Collection,
		threshold:  cfg.ScoreThreshold,
	}
}

// Close releases the connection.
func (q *Qdrant) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

// Retrieve implements Retriever. Facts are scoped to q.UserID when set.
func (q *Qdrant) Retrieve(ctx context.Context, query Query) ([]Fact, error) {
	vector, err := q.embedder.Embed(ctx, query.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	req := &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(limitOf(query)),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if q.threshold > 0 {
		threshold := q.threshold
		req.ScoreThreshold = &threshold
	}
	if query.UserID != "" {
		req.Filter = &pb.Filter{Must: []*pb.Condition{{
			ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
				Key:   PayloadUserID,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: query.UserID}},
			}},
		}}}
	}
	resp, err := q.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}
	facts := make([]Fact, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		text := p.GetPayload()[PayloadText].GetStringValue()
		if text == "" {
			continue
		}
		facts = append(facts, Fact{Text: text, Score: float64(p.GetScore()), Source: "qdrant"})
	}
	return facts, nil
}
