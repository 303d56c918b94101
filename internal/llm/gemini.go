package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const defaultGeminiEmbeddingModel = "text-embedding-004"

type geminiProvider struct {
	client         *genai.Client
	embeddingModel string
}

func newGeminiProvider(ctx context.Context, cfg Config) (*geminiProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("llm: gemini api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("llm: create genai client: %w", err)
	}
	model := cfg.EmbeddingModel
	if model == "" {
		model = defaultGeminiEmbeddingModel
	}
	return &geminiProvider{client: client, embeddingModel: model}, nil
}

func (p *geminiProvider) Name() string { return "gemini" }

func (p *geminiProvider) ModelName() string { return p.embeddingModel }

func (p *geminiProvider) Close() error {
	return p.client.Close()
}

func (p *geminiProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	em := p.client.EmbeddingModel(p.embeddingModel)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, errors.New("no embedding data received from gemini")
	}
	return res.Embedding.Values, nil
}

// Stream replays prior user turns as chat history and streams the answer to
// the last one. The first chunk is read before returning so connection and
// request errors surface synchronously and can be retried.
func (p *geminiProvider) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	if len(req.UserTurns) == 0 {
		return nil, errors.New("llm: at least one user turn is required")
	}
	model := p.client.GenerativeModel(req.Model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(req.System)},
	}

	cs := model.StartChat()
	last := len(req.UserTurns) - 1
	for _, turn := range req.UserTurns[:last] {
		cs.History = append(cs.History, &genai.Content{
			Role:  "user",
			Parts: []genai.Part{genai.Text(turn)},
		})
	}

	iter := cs.SendMessageStream(ctx, genai.Text(req.UserTurns[last]))
	first, err := iter.Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		return nil, fmt.Errorf("gemini stream request failed: %w", err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		resp, err := first, err
		finish := ""
		for {
			if errors.Is(err, iterator.Done) {
				send(ctx, out, Event{Kind: EventStop, FinishReason: finish})
				return
			}
			if err != nil {
				send(ctx, out, Event{Kind: EventError, Err: fmt.Errorf("gemini stream failed: %w", err)})
				return
			}
			text, reason := geminiChunk(resp)
			if reason != "" {
				finish = reason
			}
			if text != "" && !send(ctx, out, Event{Kind: EventToken, Text: text}) {
				return
			}
			resp, err = iter.Next()
		}
	}()
	return out, nil
}

func geminiChunk(resp *genai.GenerateContentResponse) (string, string) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", ""
	}
	cand := resp.Candidates[0]
	reason := ""
	if cand.FinishReason != genai.FinishReasonUnspecified {
		reason = strings.ToLower(strings.TrimPrefix(cand.FinishReason.String(), "FinishReason"))
	}
	if cand.Content == nil {
		return "", reason
	}
	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return sb.String(), reason
}

func createGeminiFactory(args interface{}) (Provider, error) {
	cfg := Config{}
	if err := decodeConfig(args, &cfg); err != nil {
		return nil, err
	}
	return newGeminiProvider(context.Background(), cfg)
}

func init() {
	Register("gemini", createGeminiFactory)
}
