package core

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"sitebot.dev/chatbot/internal/logging"
	"sitebot.dev/chatbot/internal/store"
)

type sessionStore interface {
	GetChatbot(ctx context.Context, id string) (*store.Chatbot, error)
	GetSession(ctx context.Context, sessionID string) (*store.Session, error)
	EnsureSession(ctx context.Context, chatbotID, sessionID string) (*store.Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]store.Message, error)
}

// WidgetConfig is the part of a chatbot the embeddable widget may see.
type WidgetConfig struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	CompanyName    string               `json:"companyName"`
	ResponseLength store.ResponseLength `json:"responseLength"`
	LimitReached   bool                 `json:"limitReached"`
}

type Conversation struct {
	Chatbot   WidgetConfig    `json:"chatbot"`
	SessionID string          `json:"messagesId"`
	Messages  []store.Message `json:"messages"`
}

// ChatService serves the widget's read side: chatbot config, sessions and history.
type ChatService struct {
	store sessionStore
}

func NewChatService(s sessionStore) *ChatService {
	return &ChatService{store: s}
}

func widgetConfig(bot *store.Chatbot) WidgetConfig {
	return WidgetConfig{
		ID:             bot.ID,
		Name:           bot.Name,
		CompanyName:    bot.CompanyName,
		ResponseLength: bot.ResponseLength,
		LimitReached:   bot.LimitReached(),
	}
}

func (s *ChatService) getChatbot(ctx context.Context, chatbotID string) (*store.Chatbot, error) {
	chatbotID = strings.TrimSpace(chatbotID)
	if chatbotID == "" {
		return nil, newError(ErrorInvalidInput, "missing_chatbot_id", nil)
	}
	bot, err := s.store.GetChatbot(ctx, chatbotID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(ErrorNotFound, "chatbot_not_found", err)
	}
	if err != nil {
		return nil, storeError("chatbot_lookup_error", err)
	}
	return bot, nil
}

func (s *ChatService) GetWidgetConfig(ctx context.Context, chatbotID string) (*WidgetConfig, error) {
	bot, err := s.getChatbot(ctx, chatbotID)
	if err != nil {
		return nil, err
	}
	cfg := widgetConfig(bot)
	return &cfg, nil
}

func (s *ChatService) CreateSession(ctx context.Context, chatbotID string) (*store.Session, error) {
	bot, err := s.getChatbot(ctx, chatbotID)
	if err != nil {
		return nil, err
	}
	sess, err := s.store.EnsureSession(ctx, bot.ID, newUUID())
	if err != nil {
		return nil, storeError("session_create_error", err)
	}
	logging.FromContext(ctx).Info("session created", zap.String("chatbot_id", bot.ID), zap.String("session_id", sess.ID))
	return sess, nil
}

// GetConversation returns the chatbot config and the turns stored for a
// session. An empty or unknown session id yields no messages; a session
// owned by another chatbot is reported as not found.
func (s *ChatService) GetConversation(ctx context.Context, chatbotID, sessionID string) (*Conversation, error) {
	bot, err := s.getChatbot(ctx, chatbotID)
	if err != nil {
		return nil, err
	}
	conv := &Conversation{Chatbot: widgetConfig(bot), Messages: []store.Message{}}

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return conv, nil
	}
	conv.SessionID = sessionID

	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return conv, nil
	}
	if err != nil {
		return nil, storeError("session_lookup_error", err)
	}
	if sess.ChatbotID != bot.ID {
		return nil, newError(ErrorNotFound, "session_not_found", nil)
	}

	msgs, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, storeError("history_lookup_error", err)
	}
	if msgs != nil {
		conv.Messages = msgs
	}
	return conv, nil
}
