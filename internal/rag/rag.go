// Package rag enriches assistant-bound prompts with knowledge-base
// context retrieved from the vector store.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/qdrant/go-client/qdrant"
)

// DefaultTopK is how many chunks one search returns.
const DefaultTopK = 5

// PresignTTL bounds how long a document link stays valid.
const PresignTTL = 15 * time.Minute

// Chunk is one retrieved knowledge-base fragment.
type Chunk struct {
	Text     string
	Distance float32
	Key      string
	Metadata map[string]string
	S3URL    string
}

// Embedder turns query text into the collection's vector space.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// pointQuerier matches *qdrant.Client.
type pointQuerier interface {
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
}

// Service searches the vector store and presigns source documents.
type Service struct {
	points     pointQuerier
	embedder   Embedder
	presign    PresignFunc
	collection string
	bucket     string
	log        *slog.Logger
}

// PresignFunc produces a time-limited URL for one stored object key.
// Wraps s3.PresignClient.PresignGetObject; nil disables links.
type PresignFunc func(ctx context.Context, bucket, key string) (string, error)

// NewService wires the RAG service. presign may be nil.
func NewService(points *qdrant.Client, embedder Embedder, presign PresignFunc, collection, bucket string, log *slog.Logger) *Service {
	return newService(points, embedder, presign, collection, bucket, log)
}

func newService(points pointQuerier, embedder Embedder, presign PresignFunc, collection, bucket string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		points:     points,
		embedder:   embedder,
		presign:    presign,
		collection: collection,
		bucket:     bucket,
		log:        log,
	}
}

// S3Presigner adapts the AWS presign client to PresignFunc.
func S3Presigner(pc *s3.PresignClient) PresignFunc {
	return func(ctx context.Context, bucket, key string) (string, error) {
		req, err := pc.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: &bucket,
			Key:    &key,
		}, s3.WithPresignExpires(PresignTTL))
		if err != nil {
			return "", err
		}
		return req.URL, nil
	}
}

// Search returns the top-K chunks for the query, filtered to one
// assistant's documents. topK <= 0 uses the default.
func (s *Service) Search(ctx context.Context, assistantID, query string, topK int) ([]Chunk, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	limit := uint64(topK)
	points, err := s.points.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("assistant_id", assistantID),
			},
		},
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	chunks := make([]Chunk, 0, len(points))
	for _, p := range points {
		c := Chunk{
			Distance: p.Score,
			Metadata: map[string]string{},
		}
		for k, v := range p.Payload {
			switch k {
			case "text":
				c.Text = v.GetStringValue()
			case "key":
				c.Key = v.GetStringValue()
			default:
				c.Metadata[k] = v.GetStringValue()
			}
		}
		if c.Key != "" && s.presign != nil {
			url, err := s.presign(ctx, s.bucket, c.Key)
			if err != nil {
				s.log.Warn("presign failed, chunk kept without link",
					"key", c.Key, "error", err)
			} else {
				c.S3URL = url
			}
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// SearchOrEmpty degrades gracefully: vector-store failures come back
// as zero chunks so the turn proceeds unaugmented.
func (s *Service) SearchOrEmpty(ctx context.Context, assistantID, query string, topK int) []Chunk {
	chunks, err := s.Search(ctx, assistantID, query, topK)
	if err != nil {
		s.log.Warn("knowledge-base search failed, continuing without context",
			"assistant_id", assistantID, "error", err)
		return nil
	}
	return chunks
}
