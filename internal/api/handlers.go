package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"sitebot.dev/chatbot/internal/core"
	"sitebot.dev/chatbot/internal/logging"
	"sitebot.dev/chatbot/internal/store"
)

const maxBodyBytes = 1 << 20

type answerer interface {
	Answer(ctx context.Context, in core.AnswerInput) (*core.Answer, error)
}

type widgetService interface {
	GetWidgetConfig(ctx context.Context, chatbotID string) (*core.WidgetConfig, error)
	CreateSession(ctx context.Context, chatbotID string) (*store.Session, error)
	GetConversation(ctx context.Context, chatbotID, sessionID string) (*core.Conversation, error)
}

type APIHandler struct {
	answers answerer
	widgets widgetService
}

func NewAPIHandler(answers answerer, widgets widgetService) *APIHandler {
	return &APIHandler{answers: answers, widgets: widgets}
}

type ErrorResponse struct {
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	coreErr := core.AsError(err)
	status := coreErr.StatusCode()
	logger := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.String("code", string(coreErr.Code)), zap.String("reason", coreErr.Reason), zap.Error(coreErr.Err))
	} else {
		logger.Info("request rejected", zap.String("code", string(coreErr.Code)), zap.String("reason", coreErr.Reason))
	}
	writeJSON(w, status, ErrorResponse{Message: coreErr.PublicMessage(), StatusCode: status})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && err != io.EOF {
		return &core.Error{Code: core.ErrorInvalidInput, Reason: "invalid_body", Message: "invalid request body", Err: err}
	}
	return nil
}

type BotMessageRequest struct {
	ChatbotID  string           `json:"chatbotId"`
	MessagesID string           `json:"messagesId"`
	Query      string           `json:"query"`
	Messages   []core.PriorTurn `json:"messages"`
}

type FinalAnswerResponse struct {
	Kind       core.AnswerKind  `json:"kind"`
	Role       store.Role       `json:"role"`
	Content    string           `json:"content"`
	Reason     core.FinalReason `json:"reason,omitempty"`
	MessagesID string           `json:"messagesId"`
}

type streamTokenPayload struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

type streamDonePayload struct {
	Kind       string `json:"kind"`
	MessagesID string `json:"messagesId"`
}

// BotMessageHandler answers a widget query, either as one JSON message or as
// a text/event-stream of token events ending in done or error.
func (h *APIHandler) BotMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req BotMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ans, err := h.answers.Answer(r.Context(), core.AnswerInput{
		ChatbotID:  req.ChatbotID,
		SessionID:  req.MessagesID,
		Query:      req.Query,
		PriorTurns: req.Messages,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if ans.Kind == core.AnswerFinal {
		writeJSON(w, http.StatusOK, FinalAnswerResponse{
			Kind:       ans.Kind,
			Role:       ans.Role,
			Content:    ans.Content,
			Reason:     ans.Reason,
			MessagesID: ans.SessionID,
		})
		return
	}
	h.streamAnswer(w, r, ans)
}

func (h *APIHandler) streamAnswer(w http.ResponseWriter, r *http.Request, ans *core.Answer) {
	logger := logging.FromContext(r.Context())
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Messages-Id", ans.SessionID)
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	writable := true
	for ev := range ans.Events {
		if !writable {
			continue
		}
		var err error
		switch ev.Kind {
		case core.StreamToken:
			err = writeSSE(w, "token", streamTokenPayload{Kind: "token", Content: ev.Token})
		case core.StreamDone:
			err = writeSSE(w, "done", streamDonePayload{Kind: "done", MessagesID: ans.SessionID})
		case core.StreamError:
			status := ev.Err.StatusCode()
			if status >= http.StatusInternalServerError {
				logger.Warn("stream ended with error", zap.String("code", string(ev.Err.Code)), zap.String("reason", ev.Err.Reason), zap.Error(ev.Err.Err))
			}
			err = writeSSE(w, "error", ErrorResponse{Message: ev.Err.PublicMessage(), StatusCode: status})
		}
		if err == nil {
			err = rc.Flush()
		}
		if err != nil {
			writable = false
			logger.Debug("stream write failed", zap.Error(err))
		}
	}
	ans.Wait()
}

func writeSSE(w io.Writer, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

type FetchChatbotRequest struct {
	Token      string `json:"token"`
	MessagesID string `json:"messagesId"`
}

func (h *APIHandler) FetchChatbotHandler(w http.ResponseWriter, r *http.Request) {
	var req FetchChatbotRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	conv, err := h.widgets.GetConversation(r.Context(), req.Token, req.MessagesID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *APIHandler) GetChatbotHandler(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.widgets.GetWidgetConfig(r.Context(), chi.URLParam(r, "chatbotID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *APIHandler) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := h.widgets.CreateSession(r.Context(), chi.URLParam(r, "chatbotID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *APIHandler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	conv, err := h.widgets.GetConversation(r.Context(), chi.URLParam(r, "chatbotID"), chi.URLParam(r, "messagesID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}
