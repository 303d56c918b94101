package core

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sitebot.dev/chatbot/internal/llm"
	"sitebot.dev/chatbot/internal/logging"
	"sitebot.dev/chatbot/internal/store"
)

const (
	defaultPipelineTimeout = 60 * time.Second
	defaultMaxQueryLength  = 2000
	defaultMaxPriorTurns   = 10
)

// Store is the persistence the answer pipeline depends on.
type Store interface {
	GetChatbot(ctx context.Context, id string) (*store.Chatbot, error)
	FindFAQByQuestion(ctx context.Context, chatbotID, question string) (*store.FAQ, error)
	ListSources(ctx context.Context, chatbotID string) ([]store.Source, error)
	GetSession(ctx context.Context, sessionID string) (*store.Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]store.Message, error)
	CommitExchange(ctx context.Context, ex store.Exchange) error
}

type contextAssembler interface {
	Assemble(ctx context.Context, query string, sources []store.Source) (string, error)
}

type AnswerKind string

const (
	AnswerFinal  AnswerKind = "final"
	AnswerStream AnswerKind = "stream"
)

type FinalReason string

const (
	ReasonFAQ          FinalReason = "faq"
	ReasonNoSources    FinalReason = "no_sources"
	ReasonLimitReached FinalReason = "limit_reached"
)

type AnswerInput struct {
	ChatbotID  string
	SessionID  string
	Query      string
	PriorTurns []PriorTurn
}

// Answer is either a final message (Content) or a token stream (Events).
type Answer struct {
	Kind      AnswerKind
	SessionID string
	Role      store.Role
	Content   string
	Reason    FinalReason
	Events    <-chan StreamEvent

	settled <-chan struct{}
}

// Wait blocks until a streamed answer has fully settled, including its
// persistence. It returns immediately for final answers.
func (a *Answer) Wait() {
	if a.settled != nil {
		<-a.settled
	}
}

type AnswerOptions struct {
	Models         ModelSet
	Timeout        time.Duration
	CommitTimeout  time.Duration
	MaxQueryLength int
	MaxPriorTurns  int
	Retry          RetryPolicy
}

type AnswerService struct {
	store     Store
	assembler contextAssembler
	completer llm.Completer
	opts      AnswerOptions
	driver    *streamDriver
}

func NewAnswerService(s Store, assembler contextAssembler, completer llm.Completer, opts AnswerOptions) (*AnswerService, error) {
	if s == nil {
		return nil, errors.New("core: store must not be nil")
	}
	if assembler == nil {
		return nil, errors.New("core: context assembler must not be nil")
	}
	if completer == nil {
		return nil, errors.New("core: completer must not be nil")
	}
	if opts.Models.Standard == "" {
		return nil, errors.New("core: standard model must not be empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultPipelineTimeout
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = defaultCommitTimeout
	}
	if opts.MaxQueryLength <= 0 {
		opts.MaxQueryLength = defaultMaxQueryLength
	}
	if opts.MaxPriorTurns <= 0 {
		opts.MaxPriorTurns = defaultMaxPriorTurns
	}
	return &AnswerService{
		store:     s,
		assembler: assembler,
		completer: completer,
		opts:      opts,
		driver:    &streamDriver{store: s, commitTimeout: opts.CommitTimeout, now: time.Now},
	}, nil
}

// Answer runs the pipeline: guardrails, FAQ shortcut, retrieval, prompt and
// streamed completion. Guardrail and FAQ outcomes are final answers, not errors.
func (s *AnswerService) Answer(ctx context.Context, in AnswerInput) (*Answer, error) {
	chatbotID := strings.TrimSpace(in.ChatbotID)
	query := strings.TrimSpace(in.Query)
	if chatbotID == "" {
		return nil, newError(ErrorInvalidInput, "missing_chatbot_id", nil)
	}
	if query == "" {
		return nil, newError(ErrorInvalidInput, "empty_query", nil)
	}
	if utf8.RuneCountInString(query) > s.opts.MaxQueryLength {
		return nil, newError(ErrorInvalidInput, "query_too_long", nil)
	}

	deadline := time.Now().Add(s.opts.Timeout)
	pctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	bot, err := s.store.GetChatbot(pctx, chatbotID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(ErrorNotFound, "chatbot_not_found", err)
		}
		return nil, storeError("chatbot_lookup_error", err)
	}

	sessionID, prior, err := s.resolveSession(pctx, bot.ID, in)
	if err != nil {
		return nil, err
	}
	logger := logging.FromContext(ctx).With(zap.String("chatbot_id", bot.ID), zap.String("session_id", sessionID))

	sources, err := s.store.ListSources(pctx, bot.ID)
	if err != nil {
		return nil, storeError("source_lookup_error", err)
	}
	if len(sources) == 0 {
		logger.Info("no sources uploaded, returning guardrail message")
		return finalAnswer(sessionID, bot.FilesNotUploadedMessage, ReasonNoSources), nil
	}
	if bot.LimitReached() {
		logger.Info("daily message limit reached", zap.Int("used", bot.MessagesUsed), zap.Int("limit", bot.MessagesLimitPerDay))
		return finalAnswer(sessionID, bot.MessagesLimitWarningMessage, ReasonLimitReached), nil
	}

	faq, err := s.store.FindFAQByQuestion(pctx, bot.ID, query)
	switch {
	case err == nil:
		return s.answerFAQ(pctx, bot, sessionID, query, faq, logger)
	case !errors.Is(err, store.ErrNotFound):
		return nil, storeError("faq_lookup_error", err)
	}

	contextText, err := s.assembler.Assemble(pctx, query, sources)
	if err != nil {
		return nil, upstreamError("context_error", err)
	}

	req := ComposePrompt(bot, contextText, prior, query)
	req.Model = s.opts.Models.For(bot.ModelTier)

	upstream, upCancel := context.WithDeadline(context.WithoutCancel(ctx), deadline)
	events, err := withRetry(upstream, s.opts.Retry, func(c context.Context) (<-chan llm.Event, error) {
		return s.completer.Stream(c, req)
	})
	if err != nil {
		upCancel()
		return nil, upstreamError("completion_error", err)
	}

	out := make(chan StreamEvent)
	settled := make(chan struct{})
	go s.driver.run(streamRun{
		caller:   ctx,
		upstream: upstream,
		cancel:   upCancel,
		events:   events,
		exchange: store.Exchange{ChatbotID: bot.ID, SessionID: sessionID, Query: query},
		bot:      bot,
		out:      out,
		settled:  settled,
	})
	logger.Debug("streaming completion", zap.String("model", req.Model), zap.Int("context_chars", utf8.RuneCountInString(contextText)))

	return &Answer{
		Kind:      AnswerStream,
		SessionID: sessionID,
		Role:      store.RoleAssistant,
		Events:    out,
		settled:   settled,
	}, nil
}

func (s *AnswerService) answerFAQ(ctx context.Context, bot *store.Chatbot, sessionID, query string, faq *store.FAQ, logger *zap.Logger) (*Answer, error) {
	err := s.store.CommitExchange(ctx, store.Exchange{
		ChatbotID: bot.ID,
		SessionID: sessionID,
		Query:     query,
		Answer:    faq.Answer,
		At:        time.Now().UTC(),
	})
	if errors.Is(err, store.ErrQuotaExceeded) {
		logger.Info("daily message limit reached before faq commit")
		return finalAnswer(sessionID, bot.MessagesLimitWarningMessage, ReasonLimitReached), nil
	}
	if errors.Is(err, store.ErrSessionOwner) {
		return nil, newError(ErrorInvalidInput, "session_chatbot_mismatch", err)
	}
	if err != nil {
		return nil, storeError("faq_persist_error", err)
	}
	logger.Info("answered from faq", zap.String("faq_id", faq.ID))
	return finalAnswer(sessionID, faq.Answer, ReasonFAQ), nil
}

// resolveSession picks the session id and the prior user turns to replay.
// Unknown session ids are accepted and created on first commit.
func (s *AnswerService) resolveSession(ctx context.Context, chatbotID string, in AnswerInput) (string, []PriorTurn, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	prior := in.PriorTurns
	if sessionID == "" {
		return newUUID(), tailUserTurns(prior, s.opts.MaxPriorTurns), nil
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return sessionID, tailUserTurns(prior, s.opts.MaxPriorTurns), nil
	}
	if err != nil {
		return "", nil, storeError("session_lookup_error", err)
	}
	if sess.ChatbotID != chatbotID {
		return "", nil, newError(ErrorInvalidInput, "session_chatbot_mismatch", nil)
	}

	if len(prior) == 0 {
		msgs, err := s.store.ListMessages(ctx, sessionID)
		if err != nil {
			return "", nil, storeError("history_lookup_error", err)
		}
		for _, m := range msgs {
			prior = append(prior, PriorTurn{Role: m.Role, Content: m.Content})
		}
	}
	return sessionID, tailUserTurns(prior, s.opts.MaxPriorTurns), nil
}

// tailUserTurns keeps the last n user turns in order.
func tailUserTurns(turns []PriorTurn, n int) []PriorTurn {
	users := make([]PriorTurn, 0, len(turns))
	for _, t := range turns {
		if t.Role == store.RoleUser {
			users = append(users, t)
		}
	}
	if len(users) > n {
		users = users[len(users)-n:]
	}
	return users
}

func finalAnswer(sessionID, content string, reason FinalReason) *Answer {
	return &Answer{
		Kind:      AnswerFinal,
		SessionID: sessionID,
		Role:      store.RoleAssistant,
		Content:   content,
		Reason:    reason,
	}
}

func storeError(reason string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorTimeout, reason, err)
	}
	return newError(ErrorInternal, reason, err)
}

var newUUID = func() string {
	return uuid.NewString()
}
