package core

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sitebot.dev/chatbot/internal/logging"
	"sitebot.dev/chatbot/internal/store"
	"sitebot.dev/chatbot/internal/vector"
)

const (
	DefaultTopK            = 3
	DefaultMinScore        = 0.7
	DefaultContextMaxChars = 3000
	defaultParallelism     = 4
)

type queryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type RetrievalOptions struct {
	TopK        int
	// MinScore is the exclusive similarity threshold. Nil means DefaultMinScore.
	MinScore    *float64
	MaxChars    int
	Parallelism int
	Retry       RetryPolicy
}

// ContextAssembler turns a query and a chatbot's sources into one bounded context string.
type ContextAssembler struct {
	embedder queryEmbedder
	matcher  vector.Matcher
	opts     RetrievalOptions
	minScore float64
}

func NewContextAssembler(embedder queryEmbedder, matcher vector.Matcher, opts RetrievalOptions) *ContextAssembler {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	minScore := DefaultMinScore
	if opts.MinScore != nil {
		minScore = *opts.MinScore
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultContextMaxChars
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	return &ContextAssembler{embedder: embedder, matcher: matcher, opts: opts, minScore: minScore}
}

// Assemble embeds the query once, matches it against every source namespace
// concurrently, keeps chunks scoring above the threshold, drops duplicates and
// joins the rest in source order, truncated to MaxChars characters.
func (a *ContextAssembler) Assemble(ctx context.Context, query string, sources []store.Source) (string, error) {
	if len(sources) == 0 {
		return "", nil
	}
	vec, err := a.embedder.Embed(ctx, query)
	if err != nil {
		return "", err
	}

	results := make([][]vector.Match, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Parallelism)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			matches, err := withRetry(gctx, a.opts.Retry, func(ctx context.Context) ([]vector.Match, error) {
				return a.matcher.Match(ctx, vec, src.FileKey, a.opts.TopK)
			})
			if err != nil {
				return err
			}
			results[i] = matches
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", upstreamError("vector_match_error", err)
	}

	seen := make(map[string]struct{})
	var chunks []string
	for _, matches := range results {
		for _, m := range matches {
			if m.Score <= a.minScore {
				continue
			}
			if _, dup := seen[m.Text]; dup {
				continue
			}
			seen[m.Text] = struct{}{}
			chunks = append(chunks, m.Text)
		}
	}

	contextText := truncateChars(strings.Join(chunks, "\n"), a.opts.MaxChars)
	logging.FromContext(ctx).Debug("context assembled",
		zap.Int("sources", len(sources)),
		zap.Int("chunks", len(chunks)),
		zap.Int("chars", len([]rune(contextText))),
	)
	return contextText, nil
}

// truncateChars cuts s to at most limit Unicode code points.
func truncateChars(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}
