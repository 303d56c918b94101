package vector

import "context"

// Match is a retrieved context chunk. It is never persisted.
type Match struct {
	Text  string  `db:"text" json:"text"`
	Score float64 `db:"score" json:"score"`
}

// Record is one chunk written to a namespace at ingestion time.
type Record struct {
	ID        string
	Text      string
	Embedding []float32
}

// Matcher returns at most topK matches from a single namespace, best first.
// No matches is an empty slice, not an error.
type Matcher interface {
	Match(ctx context.Context, vec []float32, namespace string, topK int) ([]Match, error)
}

type Index interface {
	Matcher
	Upsert(ctx context.Context, namespace string, records []Record) error
	DeleteNamespace(ctx context.Context, namespace string) error
}
