package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOpenAIBaseURL        = "https://api.openai.com/v1"
	defaultOpenAIEmbeddingModel = "text-embedding-3-small"
	maxErrorBody                = 4 << 10
)

type openAIChatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model    string          `json:"model"`
	Messages []openAIChatMsg `json:"messages"`
	Stream   bool            `json:"stream"`
}

// openAIStreamChunk is the minimal shape of one "data:" line of a streamed completion.
type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

type openAIEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type OpenAIOption func(*openAIProvider)

func WithHTTPClient(httpClient *http.Client) OpenAIOption {
	return func(p *openAIProvider) {
		p.httpClient = httpClient
	}
}

// openAIProvider talks to any OpenAI-compatible /chat/completions and /embeddings API.
type openAIProvider struct {
	apiKey         string
	baseURL        string
	embeddingModel string
	httpClient     *http.Client
}

func NewOpenAIProvider(cfg Config, opts ...OpenAIOption) (Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("llm: openai api key is required")
	}
	p := &openAIProvider{
		apiKey:         strings.TrimSpace(cfg.APIKey),
		baseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		embeddingModel: cfg.EmbeddingModel,
		// No client timeout: streams are bounded by the request context.
		httpClient: &http.Client{Transport: http.DefaultTransport},
	}
	if p.baseURL == "" {
		p.baseURL = defaultOpenAIBaseURL
	}
	if p.embeddingModel == "" {
		p.embeddingModel = defaultOpenAIEmbeddingModel
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *openAIProvider) Name() string { return "openai" }

func (p *openAIProvider) ModelName() string { return p.embeddingModel }

func (p *openAIProvider) Close() error { return nil }

func (p *openAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.post(ctx, "/embeddings", openAIEmbedRequest{Model: p.embeddingModel, Input: text})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("llm: decode embedding response: %w", err)
	}
	if len(payload.Data) == 0 || len(payload.Data[0].Embedding) == 0 {
		return nil, errors.New("llm: no embedding data received")
	}
	return payload.Data[0].Embedding, nil
}

func (p *openAIProvider) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	if len(req.UserTurns) == 0 {
		return nil, errors.New("llm: at least one user turn is required")
	}
	messages := make([]openAIChatMsg, 0, len(req.UserTurns)+1)
	messages = append(messages, openAIChatMsg{Role: "system", Content: req.System})
	for _, turn := range req.UserTurns {
		messages = append(messages, openAIChatMsg{Role: "user", Content: turn})
	}

	resp, err := p.post(ctx, "/chat/completions", openAIChatRequest{Model: req.Model, Messages: messages, Stream: true})
	if err != nil {
		return nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		readSSE(ctx, resp.Body, out)
	}()
	return out, nil
}

// readSSE forwards "data:" lines until [DONE]. A body that ends without
// [DONE] or a finish reason yields no EventStop.
func readSSE(ctx context.Context, body io.Reader, out chan<- Event) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	finish := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			send(ctx, out, Event{Kind: EventStop, FinishReason: finish})
			return
		}
		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			send(ctx, out, Event{Kind: EventError, Err: fmt.Errorf("llm: decode stream chunk: %w", err)})
			return
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" && !send(ctx, out, Event{Kind: EventToken, Text: choice.Delta.Content}) {
				return
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finish = *choice.FinishReason
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() == nil {
			send(ctx, out, Event{Kind: EventError, Err: fmt.Errorf("llm: read stream: %w", err)})
		}
		return
	}
	if finish != "" {
		send(ctx, out, Event{Kind: EventStop, FinishReason: finish})
	}
}

func (p *openAIProvider) post(ctx context.Context, path string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}
	url := p.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: request %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, URL: url, Body: strings.TrimSpace(string(raw))}
	}
	return resp, nil
}

func createOpenAIFactory(args interface{}) (Provider, error) {
	cfg := Config{}
	if err := decodeConfig(args, &cfg); err != nil {
		return nil, err
	}
	return NewOpenAIProvider(cfg, WithHTTPClient(&http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		},
	}))
}

func init() {
	Register("openai", createOpenAIFactory)
}
