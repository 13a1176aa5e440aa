package store

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// KnowledgeChunk is a row of knowledge_chunks. Rank is only set on search
// results.
type KnowledgeChunk struct {
	ID         int64   `db:"id"`
	Collection string  `db:"collection"`
	Source     string  `db:"source"`
	Content    string  `db:"content"`
	Rank       float64 `db:"rank"`
}

const sqlInsertKnowledgeChunk = `
INSERT INTO knowledge_chunks (collection, source, content)
VALUES (:collection, :source, :content)
RETURNING id`

func (s *Store) InsertKnowledgeChunk(ctx context.Context, chunk KnowledgeChunk) (int64, error) {
	rows, err := s.db.NamedQueryContext(ctx, sqlInsertKnowledgeChunk, chunk)
	if err != nil {
		return 0, fmt.Errorf("failed to insert knowledge chunk: %w", err)
	}
	defer rows.Close()

	var id int64
	if rows.Next() {
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("failed to read knowledge chunk id: %w", err)
		}
	}
	return id, rows.Err()
}

const sqlSearchKnowledge = `
SELECT id, collection, source, content, ts_rank(search, query) AS rank
FROM knowledge_chunks, to_tsquery('english', $2) AS query
WHERE collection = $1 AND search @@ query
ORDER BY rank DESC, id
LIMIT $3`

// SearchKnowledge returns up to limit chunks of collection matching any word
// of text, best match first.
func (s *Store) SearchKnowledge(ctx context.Context, collection, text string, limit int) ([]KnowledgeChunk, error) {
	query := anyWordQuery(text)
	if query == "" {
		return nil, nil
	}

	var chunks []KnowledgeChunk
	if err := s.db.SelectContext(ctx, &chunks, sqlSearchKnowledge, collection, query, limit); err != nil {
		s.logger.Error(ctx, "failed to search knowledge base", err)
		return nil, fmt.Errorf("failed to search knowledge base: %w", err)
	}
	return chunks, nil
}

// anyWordQuery turns free speech into a tsquery matching any of its words.
// Only letters and digits survive, so the result is always valid tsquery
// syntax.
func anyWordQuery(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	kept := words[:0]
	for _, w := range words {
		if len(w) > 1 {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " | ")
}
