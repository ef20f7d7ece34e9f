package rag

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/cortexchat/cortex/pkg/config"
)

// QueryEmbedder is the vectorization capability the knowledge base needs.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Document is one retrieved knowledge-base chunk.
type Document struct {
	ID       string
	Content  string
	Score    float32
	Metadata map[string]any
}

// KnowledgeBase retrieves context documents from Qdrant collections.
type KnowledgeBase struct {
	client   *qdrant.Client
	embedder QueryEmbedder
}

func NewKnowledgeBase(cfg config.QdrantConfig, embedder QueryEmbedder) (*KnowledgeBase, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return &KnowledgeBase{client: client, embedder: embedder}, nil
}

func (kb *KnowledgeBase) Close() error {
	return kb.client.Close()
}

// ListCollections names the available knowledge bases.
func (kb *KnowledgeBase) ListCollections(ctx context.Context) ([]string, error) {
	return kb.client.ListCollections(ctx)
}

// SimilaritySearch embeds the query and returns up to k documents scoring
// at or above threshold, best first.
func (kb *KnowledgeBase) SimilaritySearch(ctx context.Context, collection, query string, k int, threshold float32) ([]Document, error) {
	if k <= 0 {
		k = 5
	}

	vector, err := kb.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	searchRequest := &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if threshold > 0 {
		searchRequest.ScoreThreshold = &threshold
	}

	searchResult, err := kb.client.GetPointsClient().Search(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to search collection '%s': %w", collection, err)
	}

	return convertPoints(searchResult.Result), nil
}

// convertPoints flattens scored points into documents. Chunks are stored
// with their text under the page_content payload key.
func convertPoints(points []*qdrant.ScoredPoint) []Document {
	docs := make([]Document, 0, len(points))
	for _, point := range points {
		doc := Document{Score: point.Score, Metadata: make(map[string]any)}

		if point.Id != nil {
			switch idType := point.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				doc.ID = idType.Uuid
			case *qdrant.PointId_Num:
				doc.ID = fmt.Sprintf("%d", idType.Num)
			}
		}

		for key, value := range point.Payload {
			switch v := value.Kind.(type) {
			case *qdrant.Value_StringValue:
				if key == "page_content" {
					doc.Content = v.StringValue
				} else {
					doc.Metadata[key] = v.StringValue
				}
			case *qdrant.Value_IntegerValue:
				doc.Metadata[key] = v.IntegerValue
			case *qdrant.Value_DoubleValue:
				doc.Metadata[key] = v.DoubleValue
			case *qdrant.Value_BoolValue:
				doc.Metadata[key] = v.BoolValue
			}
		}

		docs = append(docs, doc)
	}
	return docs
}
