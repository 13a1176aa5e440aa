// Package knowledge answers the search tools a voice model can call mid-call:
// product, client need, service provider and guardrail lookups against the
// knowledge base.
package knowledge

import (
	"context"
	"fmt"

	"voice-gateway/internal/observability"
	"voice-gateway/internal/store"
)

// Collection names one searchable body of knowledge base content.
type Collection string

const (
	CollectionProducts   Collection = "products"
	CollectionNeeds      Collection = "needs"
	CollectionProviders  Collection = "providers"
	CollectionGuardrails Collection = "guardrails"
)

// Result is one matching passage.
type Result struct {
	Content string
	Source  string
	Score   float64
}

// Base searches the knowledge base. Results come best match first.
type Base interface {
	Search(ctx context.Context, collection Collection, query string, limit int) ([]Result, error)
}

// PostgresBase serves searches from the knowledge_chunks table.
type PostgresBase struct {
	store  *store.Store
	logger *observability.Logger
}

func NewPostgresBase(s *store.Store, logger *observability.Logger) *PostgresBase {
	return &PostgresBase{store: s, logger: logger}
}

func (b *PostgresBase) Search(ctx context.Context, collection Collection, query string, limit int) ([]Result, error) {
	chunks, err := b.store.SearchKnowledge(ctx, string(collection), query, limit)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	results := make([]Result, 0, len(chunks))
	for _, c := range chunks {
		results = append(results, Result{Content: c.Content, Source: c.Source, Score: c.Rank})
	}
	return results, nil
}
