package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/comigor/chatstream/internal/domain"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]domain.Conversation
	messages      []domain.Message // insertion order
	attachments   []domain.Attachment
	settings      map[string]string
	models        []domain.ModelInfo
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]domain.Conversation),
		settings:      make(map[string]string),
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, c *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[c.ID]; exists {
		return domain.ErrConflict
	}
	s.conversations[c.ID] = *c
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, notFound("conversation", id)
	}
	return &c, nil
}

func (s *MemoryStore) ListConversations(_ context.Context, userID string) ([]domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Conversation
	for _, c := range s.conversations {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateConversation(_ context.Context, c *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.conversations[c.ID]
	if !ok {
		return notFound("conversation", c.ID)
	}
	existing.Title = c.Title
	existing.Model = c.Model
	existing.UpdatedAt = c.UpdatedAt
	s.conversations[c.ID] = existing
	return nil
}

func (s *MemoryStore) TouchConversation(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return notFound("conversation", id)
	}
	c.UpdatedAt = at
	s.conversations[id] = c
	return nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return notFound("conversation", id)
	}
	delete(s.conversations, id)

	removed := make(map[string]bool)
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.ConversationID == id {
			removed[m.ID] = true
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept

	keptAttachments := s.attachments[:0]
	for _, a := range s.attachments {
		if !removed[a.MessageID] {
			keptAttachments = append(keptAttachments, a)
		}
	}
	s.attachments = keptAttachments
	return nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[m.ConversationID]; !ok {
		return notFound("conversation", m.ConversationID)
	}
	stored := *m
	stored.Attachments = nil
	s.messages = append(s.messages, stored)
	return nil
}

func (s *MemoryStore) UpdateMessageContent(_ context.Context, id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Content = content
			return nil
		}
	}
	return notFound("message", id)
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	attachToMessages(out, s.attachments)
	return out, nil
}

func (s *MemoryStore) CreateAttachments(_ context.Context, attachments []domain.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range attachments {
		found := false
		for _, m := range s.messages {
			if m.ID == a.MessageID {
				found = true
				break
			}
		}
		if !found {
			return notFound("message", a.MessageID)
		}
	}
	s.attachments = append(s.attachments, attachments...)
	return nil
}

func (s *MemoryStore) GetSetting(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	if !ok {
		return "", notFound("setting", key)
	}
	return v, nil
}

func (s *MemoryStore) PutSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *MemoryStore) ReplaceModels(_ context.Context, models []domain.ModelInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models = append([]domain.ModelInfo(nil), models...)
	return nil
}

func (s *MemoryStore) ListModels(_ context.Context) ([]domain.ModelInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ModelInfo(nil), s.models...), nil
}

func (s *MemoryStore) Close() error { return nil }
