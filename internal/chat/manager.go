// Package chat reconciles streamed completions with conversation history.
//
// Every conversation gets a session that owns its in-memory messages, the
// buffer of the reply being streamed and a state machine. Submit appends the
// user message and an empty assistant placeholder, streams the reply into the
// buffer and finally commits the buffer into the placeholder, or replaces it
// with ApologyMessage when the stream fails.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/comigor/chatstream/internal/domain"
	"github.com/comigor/chatstream/internal/history"
	"github.com/comigor/chatstream/internal/llm"
	"github.com/comigor/chatstream/internal/logger"
	"github.com/comigor/chatstream/internal/settings"
)

// ApologyMessage replaces a reply whose stream failed.
const ApologyMessage = "Sorry, I encountered an error while generating a response. Please try again."

// TitleLength is the number of characters kept when a title is derived.
const TitleLength = 30

// MaxSessions bounds the cached sessions. Past it the least recently used idle
// sessions are dropped; they reload from the store on next use.
const MaxSessions = 1024

// ErrGenerationInProgress is returned when a conversation already has a reply in flight.
var ErrGenerationInProgress = errors.New("a reply is already being generated for this conversation")

// SettingsSource provides the API key and default model at call time.
type SettingsSource interface {
	Current(ctx context.Context) (settings.Settings, error)
}

// SubmitRequest is one user turn.
type SubmitRequest struct {
	ConversationID string
	UserID         string
	Content        string
	Attachments    []domain.Attachment
	// Model overrides the conversation's model for this turn only.
	Model string
}

func (r SubmitRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ConversationID, validation.Required),
		validation.Field(&r.Content, validation.When(len(r.Attachments) == 0, validation.Required, validation.By(notBlank))),
	)
}

func notBlank(value any) error {
	if s, _ := value.(string); strings.TrimSpace(s) == "" {
		return errors.New("cannot be blank")
	}
	return nil
}

// Hooks relay reconciliation events to the caller, typically an SSE response.
// All hooks are optional and run on the submitting goroutine.
type Hooks struct {
	OnChunk   func(delta string)
	OnCommit  func(reply domain.Message)
	OnFailure func(err error)
	// OnNotice reports a problem that did not fail the turn, such as a reply
	// that was committed but could not be saved.
	OnNotice func(notice string)
}

func (h Hooks) chunk(delta string) {
	if h.OnChunk != nil {
		h.OnChunk(delta)
	}
}

func (h Hooks) commit(reply domain.Message) {
	if h.OnCommit != nil {
		h.OnCommit(reply)
	}
}

func (h Hooks) failure(err error) {
	if h.OnFailure != nil {
		h.OnFailure(err)
	}
}

func (h Hooks) notice(text string) {
	if h.OnNotice != nil {
		h.OnNotice(text)
	}
}

type session struct {
	mu       sync.Mutex
	fsm      *stateless.StateMachine
	conv     domain.Conversation
	messages []domain.Message
	buffer   strings.Builder

	// guarded by Manager.mu
	lastUsed time.Time
}

func (s *session) indexOf(id string) int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// Manager owns one session per conversation.
type Manager struct {
	store        history.Store
	streamer     llm.Streamer
	settings     SettingsSource
	systemPrompt string
	now          func() time.Time

	mu          sync.Mutex
	sessions    map[string]*session
	maxSessions int

	// background conversation touches
	wg sync.WaitGroup
}

func NewManager(store history.Store, streamer llm.Streamer, src SettingsSource, systemPrompt string) *Manager {
	return &Manager{
		store:        store,
		streamer:     streamer,
		settings:     src,
		systemPrompt: systemPrompt,
		now:          func() time.Time { return time.Now().UTC() },
		sessions:     make(map[string]*session),
		maxSessions:  MaxSessions,
	}
}

// Wait blocks until background writes have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// session returns the conversation's session, loading it from the store on
// first use. Conversations owned by someone else are reported as not found
// and are never cached.
func (m *Manager) session(ctx context.Context, userID, id string) (*session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		s.lastUsed = m.now()
	}
	m.mu.Unlock()

	if !ok {
		conv, err := m.store.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		if conv.UserID != userID {
			return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
		}
		msgs, err := m.store.ListMessages(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load messages: %w", err)
		}

		m.mu.Lock()
		if s, ok = m.sessions[id]; !ok {
			s = &session{fsm: newMachine(), conv: *conv, messages: msgs}
			m.sessions[id] = s
			m.evictLocked(id)
		}
		s.lastUsed = m.now()
		m.mu.Unlock()
	}

	s.mu.Lock()
	owner := s.conv.UserID
	s.mu.Unlock()
	if owner != userID {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	return s, nil
}

// evictLocked drops least recently used idle sessions until the cache fits
// maxSessions. keep is never dropped. Sessions that are locked or not Idle
// are skipped. m.mu must be held.
func (m *Manager) evictLocked(keep string) {
	if m.maxSessions <= 0 || len(m.sessions) <= m.maxSessions {
		return
	}
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		if id != keep {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.sessions[ids[i]].lastUsed.Before(m.sessions[ids[j]].lastUsed)
	})
	for _, id := range ids {
		if len(m.sessions) <= m.maxSessions {
			return
		}
		s := m.sessions[id]
		// a held session lock means a request is using it
		if !s.mu.TryLock() {
			continue
		}
		idle := currentState(s.fsm) == StateIdle
		s.mu.Unlock()
		if idle {
			delete(m.sessions, id)
			logger.L.Debug("session evicted", "conversation_id", id)
		}
	}
}

// Forget drops the cached session of a conversation.
func (m *Manager) Forget(conversationID string) {
	m.mu.Lock()
	delete(m.sessions, conversationID)
	m.mu.Unlock()
}

// CreateConversation starts an empty conversation. An empty title becomes
// DefaultTitle and an empty model becomes the configured default.
func (m *Manager) CreateConversation(ctx context.Context, userID, title, model string) (*domain.Conversation, error) {
	if err := validation.Validate(title, validation.Length(0, 200)); err != nil {
		return nil, fmt.Errorf("%w: title: %v", domain.ErrValidation, err)
	}
	if title == "" {
		title = domain.DefaultTitle
	}
	if model == "" {
		cur, err := m.settings.Current(ctx)
		if err != nil {
			return nil, err
		}
		model = cur.DefaultModel
	}

	now := m.now()
	conv := &domain.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	logger.L.Info("conversation created", "conversation_id", conv.ID, "user_id", userID, "model", model)
	return conv, nil
}

// ListConversations returns the user's conversations, most recently updated first.
func (m *Manager) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	convs, err := m.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	// cached sessions may hold a newer updated_at than a pending background touch wrote
	cached := make(map[int]*session)
	m.mu.Lock()
	for i := range convs {
		if s, ok := m.sessions[convs[i].ID]; ok {
			cached[i] = s
		}
	}
	m.mu.Unlock()
	for i, s := range cached {
		s.mu.Lock()
		convs[i] = s.conv
		s.mu.Unlock()
	}
	sort.SliceStable(convs, func(i, j int) bool { return convs[i].UpdatedAt.After(convs[j].UpdatedAt) })
	return convs, nil
}

// Conversation returns one conversation as currently known.
func (m *Manager) Conversation(ctx context.Context, userID, id string) (*domain.Conversation, error) {
	s, err := m.session(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conv
	return &conv, nil
}

// ConversationPatch lists the fields to change; nil fields are kept.
type ConversationPatch struct {
	Title *string
	Model *string
}

// UpdateConversation renames a conversation or changes its model.
func (m *Manager) UpdateConversation(ctx context.Context, userID, id string, patch ConversationPatch) (*domain.Conversation, error) {
	if patch.Title != nil {
		if err := validation.Validate(*patch.Title, validation.Required, validation.Length(1, 200)); err != nil {
			return nil, fmt.Errorf("%w: title: %v", domain.ErrValidation, err)
		}
	}
	if patch.Model != nil {
		if err := validation.Validate(*patch.Model, validation.Required); err != nil {
			return nil, fmt.Errorf("%w: model: %v", domain.ErrValidation, err)
		}
	}

	s, err := m.session(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.conv
	if patch.Title != nil {
		conv.Title = *patch.Title
	}
	if patch.Model != nil {
		conv.Model = *patch.Model
	}
	conv.UpdatedAt = m.now()
	if err := m.store.UpdateConversation(ctx, &conv); err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	s.conv = conv
	return &conv, nil
}

// DeleteConversation removes a conversation with its history. A conversation
// with a reply in flight cannot be deleted.
func (m *Manager) DeleteConversation(ctx context.Context, userID, id string) error {
	s, err := m.session(ctx, userID, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if currentState(s.fsm) != StateIdle {
		return ErrGenerationInProgress
	}
	if err := m.store.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	m.Forget(id)
	logger.L.Info("conversation deleted", "conversation_id", id, "user_id", userID)
	return nil
}

// Messages returns the in-memory history of a conversation, oldest first.
func (m *Manager) Messages(ctx context.Context, userID, conversationID string) ([]domain.Message, error) {
	s, err := m.session(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

// Display returns the state of a conversation and the text shown for the reply
// being streamed. Conversations without a session are Idle.
func (m *Manager) Display(conversationID string) (State, string) {
	m.mu.Lock()
	s, ok := m.sessions[conversationID]
	m.mu.Unlock()
	if !ok {
		return StateIdle, ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return currentState(s.fsm), s.buffer.String()
}

// turn carries one submission through the session.
type turn struct {
	s             *session
	firstTurn     bool
	user          domain.Message
	placeholderID string
}

// Submit sends one user message and streams the reply. It returns the
// committed reply, or the stream error after the placeholder was replaced
// with ApologyMessage.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest, hooks Hooks) (*domain.Message, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	s, err := m.session(ctx, req.UserID, req.ConversationID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if st := currentState(s.fsm); st != StateIdle {
		s.mu.Unlock()
		logger.L.Warn("submission rejected", "conversation_id", req.ConversationID, "state", st)
		return nil, ErrGenerationInProgress
	}
	if err := s.fsm.Fire(TriggerSubmit); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("start turn: %w", err)
	}
	t := &turn{s: s, firstTurn: len(s.messages) == 0}
	model := req.Model
	if model == "" {
		model = s.conv.Model
	}
	s.mu.Unlock()

	cur, err := m.settings.Current(ctx)
	if err != nil {
		m.abort(s)
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if model == "" {
		model = cur.DefaultModel
	}

	if err := m.appendUserMessage(ctx, t, req); err != nil {
		m.abort(s)
		return nil, err
	}
	m.appendPlaceholder(ctx, t)

	s.mu.Lock()
	msgs := make([]domain.Message, 0, len(s.messages))
	if m.systemPrompt != "" {
		msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: m.systemPrompt})
	}
	for _, msg := range s.messages {
		if msg.ID != t.placeholderID {
			msgs = append(msgs, msg)
		}
	}
	s.mu.Unlock()

	logger.L.Debug("streaming reply", "conversation_id", req.ConversationID, "model", model, "messages", len(msgs))
	err = m.streamer.StreamCompletion(ctx, llm.StreamRequest{
		Model:    model,
		APIKey:   cur.APIKey,
		Messages: msgs,
	}, llm.Callbacks{
		OnChunk: func(delta string) {
			m.appendChunk(s, delta)
			hooks.chunk(delta)
		},
	})

	// the request context may be gone by now; the outcome is still saved
	saveCtx := context.WithoutCancel(ctx)
	if err != nil {
		m.fail(saveCtx, t, err, hooks)
		return nil, err
	}
	return m.commit(saveCtx, t, hooks), nil
}

func (m *Manager) abort(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fsm.Fire(TriggerAbort); err != nil {
		logger.L.Error("abort turn", "error", err)
	}
}

func (m *Manager) appendUserMessage(ctx context.Context, t *turn, req SubmitRequest) error {
	user := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		Role:           domain.RoleUser,
		Content:        req.Content,
		CreatedAt:      m.now(),
	}
	for _, a := range req.Attachments {
		a.ID = uuid.NewString()
		a.MessageID = user.ID
		user.Attachments = append(user.Attachments, a)
	}
	t.user = user

	// the attempt stays in memory even when it cannot be saved
	t.s.mu.Lock()
	t.s.messages = append(t.s.messages, user)
	t.s.mu.Unlock()

	if err := m.store.CreateMessage(ctx, &user); err != nil {
		logger.L.Error("save user message", "conversation_id", req.ConversationID, "error", err)
		return fmt.Errorf("save user message: %w", err)
	}
	if len(user.Attachments) > 0 {
		if err := m.store.CreateAttachments(ctx, user.Attachments); err != nil {
			logger.L.Error("save attachments", "message_id", user.ID, "count", len(user.Attachments), "error", err)
		}
	}
	return nil
}

func (m *Manager) appendPlaceholder(ctx context.Context, t *turn) {
	placeholder := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: t.user.ConversationID,
		Role:           domain.RoleAssistant,
		CreatedAt:      m.now(),
	}
	t.placeholderID = placeholder.ID

	t.s.mu.Lock()
	t.s.messages = append(t.s.messages, placeholder)
	t.s.mu.Unlock()

	if err := m.store.CreateMessage(ctx, &placeholder); err != nil {
		logger.L.Error("save reply placeholder", "conversation_id", placeholder.ConversationID, "error", err)
	}
}

func (m *Manager) appendChunk(s *session, delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fsm.Fire(TriggerChunk); err != nil {
		logger.L.Error("chunk outside a turn", "error", err)
		return
	}
	s.buffer.WriteString(delta)
}

func (m *Manager) commit(ctx context.Context, t *turn, hooks Hooks) *domain.Message {
	s := t.s
	now := m.now()

	s.mu.Lock()
	content := s.buffer.String()
	var reply domain.Message
	if i := s.indexOf(t.placeholderID); i >= 0 {
		s.messages[i].Content = content
		reply = s.messages[i]
	}
	deriveTitle := t.firstTurn && (s.conv.Title == "" || s.conv.Title == domain.DefaultTitle)
	if deriveTitle {
		source := t.user.Content
		if strings.TrimSpace(source) == "" && len(t.user.Attachments) > 0 {
			source = t.user.Attachments[0].Name
		}
		s.conv.Title = DeriveTitle(source)
	}
	s.conv.UpdatedAt = now
	conv := s.conv
	s.mu.Unlock()

	if err := m.store.UpdateMessageContent(ctx, reply.ID, content); err != nil {
		logger.L.Error("save reply", "message_id", reply.ID, "error", err)
		hooks.notice("The reply could not be saved and may be missing after a reload.")
	}

	if t.firstTurn {
		if err := m.store.UpdateConversation(ctx, &conv); err != nil {
			logger.L.Error("save conversation title", "conversation_id", conv.ID, "error", err)
			hooks.notice("The conversation title could not be saved.")
		}
	} else {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.store.TouchConversation(ctx, conv.ID, now); err != nil {
				logger.L.Warn("touch conversation", "conversation_id", conv.ID, "error", err)
			}
		}()
	}

	s.mu.Lock()
	s.buffer.Reset()
	if err := s.fsm.Fire(TriggerFinish); err != nil {
		logger.L.Error("finish turn", "error", err)
	}
	s.mu.Unlock()

	logger.L.Info("reply committed", "conversation_id", conv.ID, "message_id", reply.ID, "length", len(content))
	hooks.commit(reply)
	return &reply
}

func (m *Manager) fail(ctx context.Context, t *turn, cause error, hooks Hooks) {
	s := t.s
	logger.L.Error("reply stream failed", "conversation_id", t.user.ConversationID, "error", cause)

	s.mu.Lock()
	if i := s.indexOf(t.placeholderID); i >= 0 {
		s.messages[i].Content = ApologyMessage
	}
	s.mu.Unlock()

	if err := m.store.UpdateMessageContent(ctx, t.placeholderID, ApologyMessage); err != nil {
		logger.L.Warn("save apology", "message_id", t.placeholderID, "error", err)
	}

	s.mu.Lock()
	s.buffer.Reset()
	if err := s.fsm.Fire(TriggerFail); err != nil {
		logger.L.Error("fail turn", "error", err)
	}
	s.mu.Unlock()

	hooks.failure(cause)
}

// DeriveTitle shortens the first user input to a conversation title: inputs
// longer than TitleLength characters are cut and end with "...".
func DeriveTitle(input string) string {
	if utf8.RuneCountInString(input) <= TitleLength {
		return input
	}
	return string([]rune(input)[:TitleLength]) + "..."
}
