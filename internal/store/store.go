package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrQuotaExceeded = errors.New("store: daily message limit reached")
	ErrSessionOwner  = errors.New("store: session belongs to another chatbot")
)

// Store is the persistence capability set shared by the SQLite and DynamoDB backends.
type Store interface {
	GetChatbot(ctx context.Context, id string) (*Chatbot, error)
	FindFAQByQuestion(ctx context.Context, chatbotID, question string) (*FAQ, error)
	ListSources(ctx context.Context, chatbotID string) ([]Source, error)

	GetSession(ctx context.Context, sessionID string) (*Session, error)
	EnsureSession(ctx context.Context, chatbotID, sessionID string) (*Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)

	// AppendTurns writes both turns of an exchange without touching usage.
	AppendTurns(ctx context.Context, ex Exchange) error
	// IncrementUsage adds one message to the chatbot's daily usage, or
	// returns ErrQuotaExceeded if the limit is already reached.
	IncrementUsage(ctx context.Context, chatbotID string) error
	// CommitExchange is AppendTurns and IncrementUsage applied atomically.
	// Both return ErrSessionOwner when the session belongs to another chatbot.
	CommitExchange(ctx context.Context, ex Exchange) error
	ResetUsage(ctx context.Context) (int64, error)

	SaveChatbot(ctx context.Context, bot *Chatbot) error
	SaveFAQ(ctx context.Context, faq *FAQ) error
	SaveSource(ctx context.Context, src *Source) error

	Close() error
}

var newID = func() string {
	return uuid.NewString()
}
