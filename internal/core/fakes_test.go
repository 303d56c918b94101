package core

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"sitebot.dev/chatbot/internal/llm"
	"sitebot.dev/chatbot/internal/store"
	"sitebot.dev/chatbot/internal/vector"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memStore struct {
	mu       sync.Mutex
	bots     map[string]*store.Chatbot
	faqs     map[string]store.FAQ
	sources  map[string][]store.Source
	sessions map[string]*store.Session
	messages map[string][]store.Message
	nextID   int
}

func newMemStore() *memStore {
	return &memStore{
		bots:     map[string]*store.Chatbot{},
		faqs:     map[string]store.FAQ{},
		sources:  map[string][]store.Source{},
		sessions: map[string]*store.Session{},
		messages: map[string][]store.Message{},
	}
}

func (m *memStore) addBot(bot store.Chatbot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bots[bot.ID] = &bot
}

func (m *memStore) addSource(chatbotID, fileKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[chatbotID] = append(m.sources[chatbotID], store.Source{ID: fileKey, ChatbotID: chatbotID, FileKey: fileKey})
}

func (m *memStore) addFAQ(chatbotID, question, answer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faqs[chatbotID+"\x00"+question] = store.FAQ{ID: "faq-" + question, ChatbotID: chatbotID, Question: question, Answer: answer}
}

func (m *memStore) used(chatbotID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bots[chatbotID].MessagesUsed
}

func (m *memStore) allMessages() []store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Message
	for _, msgs := range m.messages {
		out = append(out, msgs...)
	}
	return out
}

func (m *memStore) GetChatbot(_ context.Context, id string) (*store.Chatbot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot, ok := m.bots[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *bot
	return &cp, nil
}

func (m *memStore) FindFAQByQuestion(_ context.Context, chatbotID, question string) (*store.FAQ, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	faq, ok := m.faqs[chatbotID+"\x00"+question]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &faq, nil
}

func (m *memStore) ListSources(_ context.Context, chatbotID string) ([]store.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Source(nil), m.sources[chatbotID]...), nil
}

func (m *memStore) GetSession(_ context.Context, sessionID string) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (m *memStore) EnsureSession(_ context.Context, chatbotID, sessionID string) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		m.sessions[sessionID] = &store.Session{ID: sessionID, ChatbotID: chatbotID}
	}
	cp := *m.sessions[sessionID]
	return &cp, nil
}

func (m *memStore) ListMessages(_ context.Context, sessionID string) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Message(nil), m.messages[sessionID]...), nil
}

func (m *memStore) CommitExchange(_ context.Context, ex store.Exchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot, ok := m.bots[ex.ChatbotID]
	if !ok {
		return store.ErrNotFound
	}
	if bot.MessagesUsed >= bot.MessagesLimitPerDay {
		return store.ErrQuotaExceeded
	}
	if sess, ok := m.sessions[ex.SessionID]; ok && sess.ChatbotID != ex.ChatbotID {
		return store.ErrSessionOwner
	}
	bot.MessagesUsed++
	if _, ok := m.sessions[ex.SessionID]; !ok {
		m.sessions[ex.SessionID] = &store.Session{ID: ex.SessionID, ChatbotID: ex.ChatbotID}
	}
	msgs := ex.Messages(func() string {
		m.nextID++
		return fmt.Sprintf("msg-%d", m.nextID)
	})
	m.messages[ex.SessionID] = append(m.messages[ex.SessionID], msgs...)
	return nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls []string
	vec   []float32
	errs  []error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.vec, nil
}

func (f *fakeEmbedder) ModelName() string { return "fake-embed" }

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeMatcher struct {
	mu         sync.Mutex
	byNS       map[string][]vector.Match
	errByNS    map[string]error
	namespaces []string
}

func (f *fakeMatcher) Match(_ context.Context, _ []float32, namespace string, topK int) ([]vector.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.namespaces = append(f.namespaces, namespace)
	if err := f.errByNS[namespace]; err != nil {
		return nil, err
	}
	matches := f.byNS[namespace]
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return append([]vector.Match{}, matches...), nil
}

// scriptedCompleter replays tokens, then a stop, an error, or nothing.
type scriptedCompleter struct {
	mu        sync.Mutex
	requests  []llm.Request
	startErrs []error

	tokens []string
	stop   bool
	err    error
	// hold, when set, pauses the stream after the first token.
	hold chan struct{}
	// waitCtx keeps the stream open until its context is done.
	waitCtx bool
}

func (c *scriptedCompleter) Stream(ctx context.Context, req llm.Request) (<-chan llm.Event, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	if len(c.startErrs) > 0 {
		err := c.startErrs[0]
		c.startErrs = c.startErrs[1:]
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	out := make(chan llm.Event)
	go func() {
		defer close(out)
		for i, tok := range c.tokens {
			if !sendEvent(ctx, out, llm.Event{Kind: llm.EventToken, Text: tok}) {
				return
			}
			if i == 0 && c.hold != nil {
				select {
				case <-c.hold:
				case <-ctx.Done():
					return
				}
			}
		}
		if c.waitCtx {
			<-ctx.Done()
			return
		}
		switch {
		case c.err != nil:
			sendEvent(ctx, out, llm.Event{Kind: llm.EventError, Err: c.err})
		case c.stop:
			sendEvent(ctx, out, llm.Event{Kind: llm.EventStop, FinishReason: "stop"})
		}
	}()
	return out, nil
}

func (c *scriptedCompleter) lastRequest() llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[len(c.requests)-1]
}

func (c *scriptedCompleter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func sendEvent(ctx context.Context, out chan<- llm.Event, ev llm.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func collectEvents(ch <-chan StreamEvent) []StreamEvent {
	var events []StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}
