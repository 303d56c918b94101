package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

type SQLiteStore struct {
	db *sqlx.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", sqliteDSN(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if isMemoryDSN(dataSourceName) {
		// Every connection would get its own in-memory database.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// sqliteDSN enables WAL and a busy timeout on file databases so concurrent
// writers wait for each other instead of failing with SQLITE_BUSY.
func sqliteDSN(dsn string) string {
	if isMemoryDSN(dsn) || strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_journal_mode=WAL&_busy_timeout=5000"
}

func isMemoryDSN(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle so the local vector index can share the database file.
func (s *SQLiteStore) DB() *sqlx.DB {
	return s.db
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS chatbots (
        id TEXT PRIMARY KEY,
        profile_id TEXT NOT NULL DEFAULT '',
        name TEXT NOT NULL,
        company_name TEXT NOT NULL DEFAULT '',
        guidelines TEXT NOT NULL DEFAULT '',
        response_length TEXT NOT NULL DEFAULT 'medium',
        model_tier TEXT NOT NULL DEFAULT 'standard',
        messages_used INTEGER NOT NULL DEFAULT 0,
        messages_limit_per_day INTEGER NOT NULL DEFAULT 0,
        files_not_uploaded_message TEXT NOT NULL DEFAULT '',
        messages_limit_warning_message TEXT NOT NULL DEFAULT '',
        created_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS sources (
        id TEXT PRIMARY KEY,
        chatbot_id TEXT NOT NULL,
        file_key TEXT NOT NULL UNIQUE,
        title TEXT NOT NULL DEFAULT '',
        created_at DATETIME NOT NULL,
        FOREIGN KEY (chatbot_id) REFERENCES chatbots (id)
    );

    CREATE TABLE IF NOT EXISTS faqs (
        id TEXT PRIMARY KEY,
        chatbot_id TEXT NOT NULL,
        question TEXT NOT NULL,
        answer TEXT NOT NULL,
        UNIQUE (chatbot_id, question),
        FOREIGN KEY (chatbot_id) REFERENCES chatbots (id)
    );

    CREATE TABLE IF NOT EXISTS sessions (
        id TEXT PRIMARY KEY,
        chatbot_id TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        FOREIGN KEY (chatbot_id) REFERENCES chatbots (id)
    );

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY,
        chatbot_id TEXT NOT NULL,
        session_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        seq INTEGER NOT NULL DEFAULT 0,
        FOREIGN KEY (session_id) REFERENCES sessions (id)
    );

    CREATE INDEX IF NOT EXISTS idx_sources_chatbot ON sources (chatbot_id);
    CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, created_at, seq);
    `
	_, err := s.db.Exec(schema)
	return err
}

// Chatbot methods
func (s *SQLiteStore) GetChatbot(ctx context.Context, id string) (*Chatbot, error) {
	var bot Chatbot
	err := s.db.GetContext(ctx, &bot, "SELECT * FROM chatbots WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get chatbot: %w", err)
	}
	return &bot, nil
}

// SaveChatbot inserts or updates a chatbot's configuration. Usage is left untouched on update.
func (s *SQLiteStore) SaveChatbot(ctx context.Context, bot *Chatbot) error {
	if bot.ID == "" {
		bot.ID = newID()
	}
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
        INSERT INTO chatbots (id, profile_id, name, company_name, guidelines, response_length, model_tier,
            messages_used, messages_limit_per_day, files_not_uploaded_message, messages_limit_warning_message, created_at)
        VALUES (:id, :profile_id, :name, :company_name, :guidelines, :response_length, :model_tier,
            :messages_used, :messages_limit_per_day, :files_not_uploaded_message, :messages_limit_warning_message, :created_at)
        ON CONFLICT (id) DO UPDATE SET
            profile_id = excluded.profile_id,
            name = excluded.name,
            company_name = excluded.company_name,
            guidelines = excluded.guidelines,
            response_length = excluded.response_length,
            model_tier = excluded.model_tier,
            messages_limit_per_day = excluded.messages_limit_per_day,
            files_not_uploaded_message = excluded.files_not_uploaded_message,
            messages_limit_warning_message = excluded.messages_limit_warning_message`, bot)
	if err != nil {
		return fmt.Errorf("failed to save chatbot: %w", err)
	}
	return nil
}

// FAQ methods
func (s *SQLiteStore) FindFAQByQuestion(ctx context.Context, chatbotID, question string) (*FAQ, error) {
	var faq FAQ
	err := s.db.GetContext(ctx, &faq,
		"SELECT id, chatbot_id, question, answer FROM faqs WHERE chatbot_id = ? AND question = ?", chatbotID, question)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query faq: %w", err)
	}
	return &faq, nil
}

func (s *SQLiteStore) SaveFAQ(ctx context.Context, faq *FAQ) error {
	if faq.ID == "" {
		faq.ID = newID()
	}
	_, err := s.db.NamedExecContext(ctx, `
        INSERT INTO faqs (id, chatbot_id, question, answer) VALUES (:id, :chatbot_id, :question, :answer)
        ON CONFLICT (chatbot_id, question) DO UPDATE SET answer = excluded.answer`, faq)
	if err != nil {
		return fmt.Errorf("failed to save faq: %w", err)
	}
	return nil
}

// Source methods
func (s *SQLiteStore) ListSources(ctx context.Context, chatbotID string) ([]Source, error) {
	sources := []Source{}
	err := s.db.SelectContext(ctx, &sources,
		"SELECT id, chatbot_id, file_key, title, created_at FROM sources WHERE chatbot_id = ? ORDER BY created_at ASC, id ASC", chatbotID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}
	return sources, nil
}

func (s *SQLiteStore) SaveSource(ctx context.Context, src *Source) error {
	if src.ID == "" {
		src.ID = newID()
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
        INSERT INTO sources (id, chatbot_id, file_key, title, created_at)
        VALUES (:id, :chatbot_id, :file_key, :title, :created_at)
        ON CONFLICT (file_key) DO UPDATE SET title = excluded.title`, src)
	if err != nil {
		return fmt.Errorf("failed to save source: %w", err)
	}
	return nil
}

// Session methods
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, "SELECT id, chatbot_id, created_at FROM sessions WHERE id = ?", sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

// EnsureSession creates the session if needed. A session owned by another chatbot is reported as not found.
func (s *SQLiteStore) EnsureSession(ctx context.Context, chatbotID, sessionID string) (*Session, error) {
	if err := ensureSession(ctx, s.db, chatbotID, sessionID); err != nil {
		return nil, err
	}
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.ChatbotID != chatbotID {
		return nil, ErrNotFound
	}
	return sess, nil
}

func ensureSession(ctx context.Context, ex sqlx.ExecerContext, chatbotID, sessionID string) error {
	_, err := ex.ExecContext(ctx,
		"INSERT OR IGNORE INTO sessions (id, chatbot_id, created_at) VALUES (?, ?, ?)",
		sessionID, chatbotID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// Message methods
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	messages := []Message{}
	err := s.db.SelectContext(ctx, &messages, `
        SELECT id, chatbot_id, session_id, role, content, created_at, seq
        FROM messages
        WHERE session_id = ?
        ORDER BY created_at ASC, seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return messages, nil
}

func (s *SQLiteStore) AppendTurns(ctx context.Context, ex Exchange) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return appendTurns(ctx, tx, ex)
	})
}

func appendTurns(ctx context.Context, tx *sqlx.Tx, ex Exchange) error {
	if err := ensureSession(ctx, tx, ex.ChatbotID, ex.SessionID); err != nil {
		return err
	}
	var owner string
	if err := tx.GetContext(ctx, &owner, "SELECT chatbot_id FROM sessions WHERE id = ?", ex.SessionID); err != nil {
		return fmt.Errorf("failed to read session owner: %w", err)
	}
	if owner != ex.ChatbotID {
		return ErrSessionOwner
	}
	for _, msg := range ex.Messages(newID) {
		_, err := tx.NamedExecContext(ctx, `
            INSERT INTO messages (id, chatbot_id, session_id, role, content, created_at, seq)
            VALUES (:id, :chatbot_id, :session_id, :role, :content, :created_at, :seq)`, msg)
		if err != nil {
			return fmt.Errorf("failed to insert %s message: %w", msg.Role, err)
		}
	}
	return nil
}

// Usage methods
func (s *SQLiteStore) IncrementUsage(ctx context.Context, chatbotID string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return incrementUsage(ctx, tx, chatbotID)
	})
}

// incrementUsage is a single conditional UPDATE and the first statement of its
// transaction, so two racing callers at limit-1 cannot both succeed.
func incrementUsage(ctx context.Context, tx *sqlx.Tx, chatbotID string) error {
	res, err := tx.ExecContext(ctx, `
        UPDATE chatbots SET messages_used = messages_used + 1
        WHERE id = ? AND messages_used < messages_limit_per_day`, chatbotID)
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var exists int
	err = tx.GetContext(ctx, &exists, "SELECT COUNT(1) FROM chatbots WHERE id = ?", chatbotID)
	if err != nil {
		return fmt.Errorf("failed to check chatbot: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrQuotaExceeded
}

func (s *SQLiteStore) CommitExchange(ctx context.Context, ex Exchange) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := incrementUsage(ctx, tx, ex.ChatbotID); err != nil {
			return err
		}
		return appendTurns(ctx, tx, ex)
	})
}

func (s *SQLiteStore) ResetUsage(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE chatbots SET messages_used = 0 WHERE messages_used > 0")
	if err != nil {
		return 0, fmt.Errorf("failed to reset usage: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
