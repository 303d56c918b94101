package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"sitebot.dev/chatbot/internal/llm"
	"sitebot.dev/chatbot/internal/logging"
	"sitebot.dev/chatbot/internal/store"
)

const defaultCommitTimeout = 10 * time.Second

type StreamEventKind string

const (
	StreamToken StreamEventKind = "token"
	StreamDone  StreamEventKind = "done"
	StreamError StreamEventKind = "error"
)

// StreamEvent is what the caller of a streamed answer receives. Every stream
// ends with exactly one StreamDone or StreamError and is then closed.
type StreamEvent struct {
	Kind  StreamEventKind
	Token string
	Err   *Error
}

type exchangeCommitter interface {
	CommitExchange(ctx context.Context, ex store.Exchange) error
}

type streamDriver struct {
	store         exchangeCommitter
	commitTimeout time.Duration
	now           func() time.Time
}

type streamRun struct {
	// caller is cancelled when the client goes away.
	caller context.Context
	// upstream outlives the caller and carries the pipeline deadline.
	upstream context.Context
	cancel   context.CancelFunc
	events   <-chan llm.Event
	exchange store.Exchange
	bot      *store.Chatbot
	out      chan<- StreamEvent
	settled  chan<- struct{}
}

// run forwards tokens while accumulating the answer. On the stop marker it
// commits the exchange and only then reports done. If the caller leaves, it
// stops forwarding but keeps draining so a finished answer is still stored.
func (d *streamDriver) run(r streamRun) {
	defer close(r.settled)
	defer close(r.out)
	defer r.cancel()

	logger := logging.FromContext(r.caller).With(
		zap.String("chatbot_id", r.exchange.ChatbotID),
		zap.String("session_id", r.exchange.SessionID),
	)

	forwarding := true
	emit := func(ev StreamEvent) {
		if !forwarding {
			return
		}
		select {
		case r.out <- ev:
		case <-r.caller.Done():
			forwarding = false
			logger.Info("client disconnected, draining completion")
		}
	}

	var (
		answer  strings.Builder
		stopped bool
		upErr   error
		tokens  int
	)
loop:
	for ev := range r.events {
		switch ev.Kind {
		case llm.EventToken:
			answer.WriteString(ev.Text)
			tokens++
			emit(StreamEvent{Kind: StreamToken, Token: ev.Text})
		case llm.EventStop:
			stopped = true
			break loop
		case llm.EventError:
			upErr = ev.Err
			break loop
		}
	}

	switch {
	case stopped:
		d.commit(r, answer.String(), emit, logger)
	case upErr != nil:
		logger.Warn("completion stream failed", zap.Int("tokens", tokens), zap.Error(upErr))
		emit(StreamEvent{Kind: StreamError, Err: upstreamError("completion_stream_error", upErr)})
	default:
		err := r.upstream.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("completion stream timed out", zap.Int("tokens", tokens))
			emit(StreamEvent{Kind: StreamError, Err: newError(ErrorTimeout, "completion_timeout", err)})
			return
		}
		logger.Warn("completion stream ended without stop", zap.Int("tokens", tokens))
		emit(StreamEvent{Kind: StreamError, Err: newError(ErrorUpstream, "completion_stream_aborted", err)})
	}
}

func (d *streamDriver) commit(r streamRun, answer string, emit func(StreamEvent), logger *zap.Logger) {
	ex := r.exchange
	ex.Answer = answer
	ex.At = d.now().UTC()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.caller), d.commitTimeout)
	defer cancel()

	err := d.store.CommitExchange(ctx, ex)
	switch {
	case err == nil:
		logger.Info("answer streamed and stored", zap.Int("answer_chars", len([]rune(answer))))
		emit(StreamEvent{Kind: StreamDone})
	case errors.Is(err, store.ErrQuotaExceeded):
		logger.Info("daily limit reached before commit, answer discarded")
		emit(StreamEvent{Kind: StreamError, Err: &Error{
			Code:    ErrorLimitReached,
			Reason:  "limit_reached_at_commit",
			Message: r.bot.MessagesLimitWarningMessage,
			Err:     err,
		}})
	case errors.Is(err, store.ErrSessionOwner):
		logger.Warn("session claimed by another chatbot, answer discarded")
		emit(StreamEvent{Kind: StreamError, Err: newError(ErrorInvalidInput, "session_chatbot_mismatch", err)})
	default:
		logger.Error("failed to store streamed answer", zap.Error(err))
		emit(StreamEvent{Kind: StreamError, Err: newError(ErrorInternal, "persist_error", err)})
	}
}
