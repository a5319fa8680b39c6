package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/comigor/chatstream/internal/domain"
	"github.com/comigor/chatstream/internal/logger"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL,
    model TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS conversations_user_idx ON conversations(user_id, updated_at);

CREATE TABLE IF NOT EXISTS messages (
    seq BIGSERIAL,
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS attachments (
    seq BIGSERIAL,
    id TEXT PRIMARY KEY,
    message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    mime_type TEXT NOT NULL,
    size BIGINT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    url TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS models (
    seq BIGSERIAL,
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    max_tokens INTEGER NOT NULL
);`

// PostgresStore is a Store backed by a hosted PostgreSQL database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool to databaseURL and applies the schema.
//
// Connections through a transaction pooler (port 6543 on Supabase) cannot use
// prepared statements, so the describe-cache exec mode is selected for them
// unless the URL already sets default_query_exec_mode.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	if cfg.ConnConfig.Port == 6543 && cfg.ConnConfig.DefaultQueryExecMode == pgx.QueryExecModeCacheStatement {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheDescribe
		logger.L.Debug("using cache_describe exec mode for pooler", "port", 6543)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	logger.L.Info("postgres history DB initialized", "host", cfg.ConnConfig.Host)
	return &PostgresStore{pool: pool}, nil
}

// IsPgNoRowsError checks if error is a "no rows" error
func IsPgNoRowsError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsPgDuplicateError checks if error is a unique constraint violation
func IsPgDuplicateError(err error) bool {
	var pgErr *pgconn.PgError
	// 23505 = unique_violation
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsPgForeignKeyError checks if error is a foreign key violation
func IsPgForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	// 23503 = foreign_key_violation
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func (s *PostgresStore) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, user_id, title, model, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		c.ID, c.UserID, c.Title, c.Model, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if IsPgDuplicateError(err) {
			return fmt.Errorf("conversation %s: %w", c.ID, domain.ErrConflict)
		}
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, model, created_at, updated_at FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.Model, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if IsPgNoRowsError(err) {
			return nil, notFound("conversation", id)
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, title, model, created_at, updated_at FROM conversations WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.Model, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateConversation(ctx context.Context, c *domain.Conversation) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET title = $1, model = $2, updated_at = $3 WHERE id = $4`,
		c.Title, c.Model, c.UpdatedAt, c.ID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("conversation", c.ID)
	}
	return nil
}

func (s *PostgresStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE conversations SET updated_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("conversation", id)
	}
	return nil
}

// DeleteConversation relies on ON DELETE CASCADE for messages and attachments.
func (s *PostgresStore) DeleteConversation(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("conversation", id)
	}
	return nil
}

func (s *PostgresStore) CreateMessage(ctx context.Context, m *domain.Message) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES ($1,$2,$3,$4,$5)`,
		m.ID, m.ConversationID, string(m.Role), m.Content, m.CreatedAt)
	if err != nil {
		if IsPgForeignKeyError(err) {
			return notFound("conversation", m.ConversationID)
		}
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateMessageContent(ctx context.Context, id, content string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE messages SET content = $1 WHERE id = $2`, content, id)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("message", id)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC, seq ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = domain.Role(role)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	attRows, err := s.pool.Query(ctx, `
		SELECT a.id, a.message_id, a.name, a.mime_type, a.size, a.content, a.url
		FROM attachments a JOIN messages m ON m.id = a.message_id
		WHERE m.conversation_id = $1
		ORDER BY a.seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer attRows.Close()

	var attachments []domain.Attachment
	for attRows.Next() {
		var a domain.Attachment
		if err := attRows.Scan(&a.ID, &a.MessageID, &a.Name, &a.MimeType, &a.Size, &a.Content, &a.URL); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		attachments = append(attachments, a)
	}
	if err := attRows.Err(); err != nil {
		return nil, err
	}
	attachToMessages(out, attachments)
	return out, nil
}

// CreateAttachments sends every insert in a single pgx batch.
func (s *PostgresStore) CreateAttachments(ctx context.Context, attachments []domain.Attachment) error {
	if len(attachments) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range attachments {
		batch.Queue(
			`INSERT INTO attachments (id, message_id, name, mime_type, size, content, url) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			a.ID, a.MessageID, a.Name, a.MimeType, a.Size, a.Content, a.URL)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("create attachments: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if IsPgNoRowsError(err) {
			return "", notFound("setting", key)
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

func (s *PostgresStore) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("put setting: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReplaceModels(ctx context.Context, models []domain.ModelInfo) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM models`); err != nil {
		return fmt.Errorf("clear models: %w", err)
	}
	for _, m := range models {
		if _, err := tx.Exec(ctx,
			`INSERT INTO models (id, name, max_tokens) VALUES ($1,$2,$3) ON CONFLICT (id) DO NOTHING`,
			m.ID, m.Name, m.MaxTokens); err != nil {
			return fmt.Errorf("insert model %s: %w", m.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, max_tokens FROM models ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []domain.ModelInfo
	for rows.Next() {
		var m domain.ModelInfo
		if err := rows.Scan(&m.ID, &m.Name, &m.MaxTokens); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
