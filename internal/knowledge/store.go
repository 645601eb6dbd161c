// Package knowledge abstracts the tenant-scoped semantic search used to
// ground answers. The gateway and the FAQ synchronizer treat it as an opaque
// async lookup: a query string in, ranked passages out. The Qdrant-backed
// implementation lives in qdrant.go.
package knowledge

import "context"

// Passage is one ranked snippet retrieved for a query.
type Passage struct {
	Text  string
	Score float32
}

// Store is the knowledge-store contract. Implementations must be safe for
// concurrent use across sessions.
type Store interface {
	// Search returns up to topK passages for the query within the tenant's
	// collection, best first.
	Search(ctx context.Context, tenant, query string, topK int) ([]Passage, error)
}
