package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"sitebot.dev/chatbot/internal/store"
	"sitebot.dev/chatbot/internal/vector"
)

// DefaultInterval keeps embedding calls under 1500 per minute.
const DefaultInterval = 40 * time.Millisecond

type embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type sourceSaver interface {
	SaveSource(ctx context.Context, src *store.Source) error
}

type Options struct {
	MaxWords int
	Interval time.Duration
}

// Document is one uploaded file. FileKey names both the Source and its vector namespace.
type Document struct {
	ChatbotID string
	FileKey   string
	Title     string
	Body      []byte
}

type Result struct {
	Source  *store.Source
	Chunks  int
	Skipped int
}

type Ingester struct {
	embedder embedder
	index    vector.Index
	sources  sourceSaver
	opts     Options
	logger   *zap.Logger
}

func NewIngester(e embedder, index vector.Index, sources sourceSaver, opts Options, logger *zap.Logger) *Ingester {
	if opts.MaxWords <= 0 {
		opts.MaxWords = DefaultMaxWords
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{embedder: e, index: index, sources: sources, opts: opts, logger: logger}
}

// Ingest chunks and embeds a document, replaces the chunks stored under its
// namespace and registers it as a source of the chatbot. Chunks whose
// embedding fails are skipped.
func (i *Ingester) Ingest(ctx context.Context, doc Document) (*Result, error) {
	if strings.TrimSpace(doc.ChatbotID) == "" || strings.TrimSpace(doc.FileKey) == "" {
		return nil, errors.New("ingest: chatbot id and file key are required")
	}
	logger := i.logger.With(zap.String("chatbot_id", doc.ChatbotID), zap.String("file_key", doc.FileKey))

	chunks := Split(doc.Body, i.opts.MaxWords)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("ingest: %s has no text content", doc.FileKey)
	}
	logger.Info("embedding chunks", zap.Int("chunks", len(chunks)))

	ticker := time.NewTicker(i.opts.Interval)
	defer ticker.Stop()

	records := make([]vector.Record, 0, len(chunks))
	skipped := 0
	for n, chunk := range chunks {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		embedding, err := i.embedder.Embed(ctx, chunk)
		if err != nil {
			skipped++
			logger.Warn("embedding failed, skipping chunk", zap.Int("chunk", n), zap.Error(err))
			continue
		}
		records = append(records, vector.Record{
			ID:        fmt.Sprintf("%s#%d", doc.FileKey, n),
			Text:      chunk,
			Embedding: embedding,
		})
		if len(records)%50 == 0 {
			logger.Info("embedding progress", zap.Int("done", len(records)), zap.Int("total", len(chunks)))
		}
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("ingest: no chunk of %s could be embedded", doc.FileKey)
	}

	if err := i.index.DeleteNamespace(ctx, doc.FileKey); err != nil {
		return nil, fmt.Errorf("ingest: clear namespace: %w", err)
	}
	if err := i.index.Upsert(ctx, doc.FileKey, records); err != nil {
		return nil, fmt.Errorf("ingest: upsert chunks: %w", err)
	}

	title := strings.TrimSpace(doc.Title)
	if title == "" {
		title = doc.FileKey
	}
	src := &store.Source{ChatbotID: doc.ChatbotID, FileKey: doc.FileKey, Title: title}
	if err := i.sources.SaveSource(ctx, src); err != nil {
		return nil, fmt.Errorf("ingest: save source: %w", err)
	}

	logger.Info("source ingested", zap.Int("chunks", len(records)), zap.Int("skipped", skipped))
	return &Result{Source: src, Chunks: len(records), Skipped: skipped}, nil
}
