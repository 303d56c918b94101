package vector

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/pgvector/pgvector-go"
)

// PGIndex is a namespaced index on Postgres with the pgvector extension.
type PGIndex struct {
	db *sqlx.DB
}

func NewPGIndex(dsn string, dimensions int) (*PGIndex, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	idx := &PGIndex{db: db}
	if err := idx.initSchema(dimensions); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (p *PGIndex) Close() error {
	return p.db.Close()
}

func (p *PGIndex) initSchema(dimensions int) error {
	schema := fmt.Sprintf(`
    CREATE EXTENSION IF NOT EXISTS vector;
    CREATE TABLE IF NOT EXISTS vector_chunks (
        id TEXT PRIMARY KEY,
        namespace TEXT NOT NULL,
        content TEXT NOT NULL,
        embedding vector(%d) NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_vector_chunks_namespace ON vector_chunks (namespace);
    `, dimensions)
	if _, err := p.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize pgvector schema: %w", err)
	}
	return nil
}

// Match scores by cosine similarity, i.e. 1 - cosine distance.
func (p *PGIndex) Match(ctx context.Context, vec []float32, namespace string, topK int) ([]Match, error) {
	if topK <= 0 {
		return []Match{}, nil
	}
	const query = `
        SELECT content AS text, 1 - (embedding <=> $1) AS score
        FROM vector_chunks
        WHERE namespace = $2
        ORDER BY embedding <=> $1
        LIMIT $3`
	matches := []Match{}
	if err := p.db.SelectContext(ctx, &matches, query, pgvector.NewVector(vec), namespace, topK); err != nil {
		return nil, fmt.Errorf("failed to query pgvector: %w", err)
	}
	return matches, nil
}

func (p *PGIndex) Upsert(ctx context.Context, namespace string, records []Record) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const query = `
        INSERT INTO vector_chunks (id, namespace, content, embedding) VALUES ($1, $2, $3, $4)
        ON CONFLICT (id) DO UPDATE SET
            namespace = EXCLUDED.namespace,
            content = EXCLUDED.content,
            embedding = EXCLUDED.embedding`
	for _, rec := range records {
		id := rec.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, query, id, namespace, rec.Text, pgvector.NewVector(rec.Embedding)); err != nil {
			return fmt.Errorf("failed to upsert pgvector chunk: %w", err)
		}
	}
	return tx.Commit()
}

func (p *PGIndex) DeleteNamespace(ctx context.Context, namespace string) error {
	if _, err := p.db.ExecContext(ctx, "DELETE FROM vector_chunks WHERE namespace = $1", namespace); err != nil {
		return fmt.Errorf("failed to delete namespace: %w", err)
	}
	return nil
}
