// Package history persists conversations, messages, attachments, settings and
// the model catalog.
//
// Three backends implement Store: SQLite (the default, a local file), PostgreSQL
// (a hosted database) and memory. If the SQLite file cannot be opened the
// package falls back to the in-memory store, as history is best-effort.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/comigor/chatstream/internal/config"
	"github.com/comigor/chatstream/internal/domain"
	"github.com/comigor/chatstream/internal/logger"
)

// Store is the persistence collaborator. Lookups of missing rows return an
// error wrapping domain.ErrNotFound. There are no multi-call transactions: a
// message may be saved while its attachments are not.
type Store interface {
	CreateConversation(ctx context.Context, c *domain.Conversation) error
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)
	// UpdateConversation writes title, model and updated_at.
	UpdateConversation(ctx context.Context, c *domain.Conversation) error
	TouchConversation(ctx context.Context, id string, at time.Time) error
	// DeleteConversation removes the conversation with its messages and attachments.
	DeleteConversation(ctx context.Context, id string) error

	CreateMessage(ctx context.Context, m *domain.Message) error
	UpdateMessageContent(ctx context.Context, id, content string) error
	// ListMessages returns a conversation's messages, oldest first, with attachments.
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	CreateAttachments(ctx context.Context, attachments []domain.Attachment) error

	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
	ReplaceModels(ctx context.Context, models []domain.ModelInfo) error
	ListModels(ctx context.Context) ([]domain.ModelInfo, error)

	Close() error
}

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return NewMemoryStore(), nil
	case config.DriverPostgres:
		return OpenPostgres(ctx, cfg.URL)
	case config.DriverSQLite, "":
		store, err := OpenSQLite(cfg.Path)
		if err != nil {
			logger.L.Warn("sqlite unavailable; using in-memory history", "path", cfg.Path, "error", err)
			return NewMemoryStore(), nil
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
}

func attachToMessages(msgs []domain.Message, attachments []domain.Attachment) {
	index := make(map[string]int, len(msgs))
	for i, m := range msgs {
		index[m.ID] = i
	}
	for _, a := range attachments {
		if i, ok := index[a.MessageID]; ok {
			msgs[i].Attachments = append(msgs[i].Attachments, a)
		}
	}
}
