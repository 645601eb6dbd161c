package knowledge

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"github.com/gptbase/chat-backend/internal/llm"
)

// QdrantStore implements Store against a Qdrant cluster. Each tenant id names
// its own collection; query strings are embedded before the vector search.
type QdrantStore struct {
	client   *qdrant.Client
	embedder llm.Embedder
}

// NewQdrantStore parses the server URL and connects. The embedder turns query
// strings into vectors; passages are expected under the "text" payload field.
func NewQdrantStore(rawURL, apiKey string, embedder llm.Embedder) (*QdrantStore, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("qdrant: embedder is required")
	}

	parsed := rawURL
	if !strings.HasPrefix(parsed, "http://") && !strings.HasPrefix(parsed, "https://") {
		parsed = "https://" + parsed
	}
	u, err := url.Parse(parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to parse qdrant url: %w", err)
	}

	host := u.Hostname()
	port := 6334
	if u.Port() != "" {
		p, err := strconv.Atoi(u.Port())
		if err != nil {
			return nil, fmt.Errorf("invalid qdrant port: %w", err)
		}
		port = p
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{client: client, embedder: embedder}, nil
}

// Search implements Store.
func (s *QdrantStore) Search(ctx context.Context, tenant, query string, topK int) ([]Passage, error) {
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	limit := uint64(topK)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: tenant,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	out := make([]Passage, 0, len(points))
	for _, point := range points {
		p := Passage{Score: point.Score}
		if point.Payload != nil {
			if v, ok := point.Payload["text"]; ok {
				p.Text = v.GetStringValue()
			}
		}
		if p.Text == "" {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
