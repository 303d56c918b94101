package store

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ResponseLength string

const (
	ResponseShort  ResponseLength = "short"
	ResponseMedium ResponseLength = "medium"
	ResponseLong   ResponseLength = "long"
)

type ModelTier string

const (
	TierStandard ModelTier = "standard"
	TierAdvanced ModelTier = "advanced"
)

type Chatbot struct {
	ID                          string         `db:"id" json:"id"`
	ProfileID                   string         `db:"profile_id" json:"profileId"`
	Name                        string         `db:"name" json:"name"`
	CompanyName                 string         `db:"company_name" json:"companyName"`
	Guidelines                  string         `db:"guidelines" json:"guidelines"`
	ResponseLength              ResponseLength `db:"response_length" json:"responseLength"`
	ModelTier                   ModelTier      `db:"model_tier" json:"modelTier"`
	MessagesUsed                int            `db:"messages_used" json:"messagesUsed"`
	MessagesLimitPerDay         int            `db:"messages_limit_per_day" json:"messagesLimitPerDay"`
	FilesNotUploadedMessage     string         `db:"files_not_uploaded_message" json:"filesNotUploadedMessage"`
	MessagesLimitWarningMessage string         `db:"messages_limit_warning_message" json:"messagesLimitWarningMessage"`
	CreatedAt                   time.Time      `db:"created_at" json:"createdAt"`
}

// LimitReached is the read-side gate; the write side is enforced by the store.
func (c *Chatbot) LimitReached() bool {
	return c.MessagesUsed >= c.MessagesLimitPerDay
}

// Source is one knowledge unit. FileKey doubles as its vector namespace.
type Source struct {
	ID        string    `db:"id" json:"id"`
	ChatbotID string    `db:"chatbot_id" json:"chatbotId"`
	FileKey   string    `db:"file_key" json:"fileKey"`
	Title     string    `db:"title" json:"title"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

type FAQ struct {
	ID        string `db:"id" json:"id"`
	ChatbotID string `db:"chatbot_id" json:"chatbotId"`
	Question  string `db:"question" json:"question"`
	Answer    string `db:"answer" json:"answer"`
}

type Session struct {
	ID        string    `db:"id" json:"id"`
	ChatbotID string    `db:"chatbot_id" json:"chatbotId"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

type Message struct {
	ID        string    `db:"id" json:"id"`
	ChatbotID string    `db:"chatbot_id" json:"chatbotId"`
	SessionID string    `db:"session_id" json:"messagesId"`
	Role      Role      `db:"role" json:"role"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	Seq       int       `db:"seq" json:"-"`
}

// Exchange is a user query and its answer, persisted as one unit.
type Exchange struct {
	ChatbotID string
	SessionID string
	Query     string
	Answer    string
	At        time.Time
}

// Messages expands the exchange into its ordered user and assistant turns.
func (e Exchange) Messages(newID func() string) []Message {
	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return []Message{
		{ID: newID(), ChatbotID: e.ChatbotID, SessionID: e.SessionID, Role: RoleUser, Content: e.Query, CreatedAt: at, Seq: 0},
		{ID: newID(), ChatbotID: e.ChatbotID, SessionID: e.SessionID, Role: RoleAssistant, Content: e.Answer, CreatedAt: at, Seq: 1},
	}
}
