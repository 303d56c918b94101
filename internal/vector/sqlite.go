package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// SQLiteIndex keeps chunk embeddings as JSON next to the relational data and
// scores a namespace by brute-force cosine similarity.
type SQLiteIndex struct {
	db     *sqlx.DB
	logger *zap.Logger
}

type chunkRow struct {
	ID            string `db:"id"`
	Content       string `db:"content"`
	EmbeddingJSON string `db:"embedding_json"`
}

func NewSQLiteIndex(db *sqlx.DB, logger *zap.Logger) (*SQLiteIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	idx := &SQLiteIndex{db: db, logger: logger}
	schema := `
    CREATE TABLE IF NOT EXISTS vector_chunks (
        id TEXT PRIMARY KEY,
        namespace TEXT NOT NULL,
        content TEXT NOT NULL,
        embedding_json TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_vector_chunks_namespace ON vector_chunks (namespace);
    `
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize vector schema: %w", err)
	}
	return idx, nil
}

func (i *SQLiteIndex) Match(ctx context.Context, vec []float32, namespace string, topK int) ([]Match, error) {
	if topK <= 0 {
		return []Match{}, nil
	}
	var rows []chunkRow
	err := i.db.SelectContext(ctx, &rows,
		"SELECT id, content, embedding_json FROM vector_chunks WHERE namespace = ?", namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to query vector chunks: %w", err)
	}

	matches := make([]Match, 0, len(rows))
	for _, row := range rows {
		var embedding []float32
		if err := json.Unmarshal([]byte(row.EmbeddingJSON), &embedding); err != nil {
			i.logger.Warn("skipping chunk with unreadable embedding", zap.String("chunk_id", row.ID), zap.Error(err))
			continue
		}
		score, err := CosineSimilarity(vec, embedding)
		if err != nil {
			i.logger.Warn("skipping chunk", zap.String("chunk_id", row.ID), zap.Error(err))
			continue
		}
		matches = append(matches, Match{Text: row.Content, Score: score})
	}

	sort.SliceStable(matches, func(a, b int) bool {
		return matches[a].Score > matches[b].Score
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (i *SQLiteIndex) Upsert(ctx context.Context, namespace string, records []Record) error {
	tx, err := i.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range records {
		embeddingBytes, err := json.Marshal(rec.Embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		id := rec.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err = tx.ExecContext(ctx, `
            INSERT INTO vector_chunks (id, namespace, content, embedding_json) VALUES (?, ?, ?, ?)
            ON CONFLICT (id) DO UPDATE SET namespace = excluded.namespace, content = excluded.content, embedding_json = excluded.embedding_json`,
			id, namespace, rec.Text, string(embeddingBytes))
		if err != nil {
			return fmt.Errorf("failed to upsert vector chunk: %w", err)
		}
	}
	return tx.Commit()
}

func (i *SQLiteIndex) DeleteNamespace(ctx context.Context, namespace string) error {
	if _, err := i.db.ExecContext(ctx, "DELETE FROM vector_chunks WHERE namespace = ?", namespace); err != nil {
		return fmt.Errorf("failed to delete namespace: %w", err)
	}
	return nil
}
