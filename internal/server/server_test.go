package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/comigor/chatstream/internal/chat"
	"github.com/comigor/chatstream/internal/config"
	"github.com/comigor/chatstream/internal/domain"
	"github.com/comigor/chatstream/internal/history"
	"github.com/comigor/chatstream/internal/llm"
	"github.com/comigor/chatstream/internal/settings"
)

const testSecret = "test-secret"

type mockStreamer struct {
	StreamFunc func(ctx context.Context, req llm.StreamRequest, cb llm.Callbacks) error
}

func (m *mockStreamer) StreamCompletion(ctx context.Context, req llm.StreamRequest, cb llm.Callbacks) error {
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, req, cb)
	}
	return nil
}

type mockLister struct {
	ListModelsFunc func(ctx context.Context, apiKey string) ([]domain.ModelInfo, error)
}

func (m *mockLister) ListModels(ctx context.Context, apiKey string) ([]domain.ModelInfo, error) {
	if m.ListModelsFunc != nil {
		return m.ListModelsFunc(ctx, apiKey)
	}
	return []domain.ModelInfo{{ID: "m1", Name: "Model One", MaxTokens: 4096}}, nil
}

type testEnv struct {
	srv      *httptest.Server
	streamer *mockStreamer
	lister   *mockLister
	manager  *chat.Manager
}

func newTestEnv(t *testing.T, serverCfg config.ServerConfig) *testEnv {
	t.Helper()
	store := history.NewMemoryStore()
	streamer := &mockStreamer{}
	lister := &mockLister{}
	settingsSvc := settings.NewService(store, lister, config.LLMConfig{APIKey: "sk-config-key", Model: "m1"})
	manager := chat.NewManager(store, streamer, settingsSvc, "")

	auth, err := NewAuthenticator(context.Background(), config.AuthConfig{JWTSecret: testSecret, AdminRole: "admin"})
	require.NoError(t, err)

	if serverCfg.CORSOrigins == nil {
		serverCfg.CORSOrigins = []string{"http://localhost:3000"}
	}
	srv := httptest.NewServer(New(serverCfg, manager, settingsSvc, auth).Handler())
	t.Cleanup(func() {
		srv.Close()
		manager.Wait()
	})
	return &testEnv{srv: srv, streamer: streamer, lister: lister, manager: manager}
}

func token(t *testing.T, subject, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
	})
	signed, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (e *testEnv) do(t *testing.T, method, path, bearer, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

type sseEvent struct {
	Name string
	Data string
}

func readEvents(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.Name != "" {
				events = append(events, current)
			}
			current = sseEvent{}
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func (e *testEnv) createConversation(t *testing.T, bearer string) domain.Conversation {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/conversations", bearer, `{}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[domain.Conversation](t, resp)
}

func TestHealth_NoAuth(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	resp := env.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_RejectsMissingAndInvalidTokens(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})

	resp := env.do(t, http.MethodGet, "/api/conversations", "", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))

	resp = env.do(t, http.MethodGet, "/api/conversations", "not-a-jwt", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}})
	signed, err := forged.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)
	resp = env.do(t, http.MethodGet, "/api/conversations", signed, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConversations_CRUD(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	alice := token(t, "alice", "")
	bob := token(t, "bob", "")

	conv := env.createConversation(t, alice)
	require.Equal(t, domain.DefaultTitle, conv.Title)
	require.Equal(t, "m1", conv.Model)
	require.Equal(t, "alice", conv.UserID)

	resp := env.do(t, http.MethodGet, "/api/conversations", alice, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, decode[[]domain.Conversation](t, resp), 1)

	resp = env.do(t, http.MethodGet, "/api/conversations", bob, "")
	require.Empty(t, decode[[]domain.Conversation](t, resp))

	resp = env.do(t, http.MethodGet, "/api/conversations/"+conv.ID, bob, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPatch, "/api/conversations/"+conv.ID, alice, `{"title":"Sorting"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Sorting", decode[domain.Conversation](t, resp).Title)

	resp = env.do(t, http.MethodPatch, "/api/conversations/"+conv.ID, alice, `{"title":""}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/conversations/"+conv.ID, alice, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/conversations/"+conv.ID, alice, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmit_StreamsEvents(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	env.streamer.StreamFunc = func(_ context.Context, req llm.StreamRequest, cb llm.Callbacks) error {
		for _, d := range []string{"Quick", "sort is", " a divide..."} {
			cb.OnChunk(d)
		}
		return nil
	}
	alice := token(t, "alice", "")
	conv := env.createConversation(t, alice)

	resp := env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", alice, `{"content":"Explain quicksort"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp.Body)
	require.Len(t, events, 4)
	require.Equal(t, eventChunk, events[0].Name)
	require.JSONEq(t, `{"delta":"Quick"}`, events[0].Data)
	require.Equal(t, eventDone, events[3].Name)

	var reply domain.Message
	require.NoError(t, json.Unmarshal([]byte(events[3].Data), &reply))
	require.Equal(t, "Quicksort is a divide...", reply.Content)

	resp = env.do(t, http.MethodGet, "/api/conversations/"+conv.ID, alice, "")
	require.Equal(t, "Explain quicksort", decode[domain.Conversation](t, resp).Title)

	resp = env.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages", alice, "")
	msgs := decode[[]domain.Message](t, resp)
	require.Len(t, msgs, 2)
	require.Equal(t, "Quicksort is a divide...", msgs[1].Content)

	resp = env.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/stream", alice, "")
	require.JSONEq(t, `{"state":"Idle","content":""}`, readAll(t, resp))
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestSubmit_StreamFailureSendsErrorEvent(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	env.streamer.StreamFunc = func(_ context.Context, _ llm.StreamRequest, cb llm.Callbacks) error {
		cb.OnChunk("Quick")
		return &llm.APIError{Status: http.StatusServiceUnavailable, Body: "overloaded"}
	}
	alice := token(t, "alice", "")
	conv := env.createConversation(t, alice)

	resp := env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", alice, `{"content":"Hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readEvents(t, resp.Body)
	require.Len(t, events, 2)
	require.Equal(t, eventError, events[1].Name)

	var ev errorEvent
	require.NoError(t, json.Unmarshal([]byte(events[1].Data), &ev))
	require.Equal(t, http.StatusBadGateway, ev.Status)
	require.Equal(t, chat.ApologyMessage, ev.Content)
}

func TestSubmit_ErrorsBeforeStreaming(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	alice := token(t, "alice", "")
	conv := env.createConversation(t, alice)

	resp := env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", alice, `{"content":""}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))

	resp = env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", alice, `{"content":`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/conversations/missing/messages", alice, `{"content":"hi"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", alice,
		`{"content":"see file","attachments":[{"name":"","size":1}]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmit_ConflictWhileReplyInFlight(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	started := make(chan struct{})
	release := make(chan struct{})
	env.streamer.StreamFunc = func(_ context.Context, _ llm.StreamRequest, cb llm.Callbacks) error {
		cb.OnChunk("partial")
		close(started)
		<-release
		return nil
	}
	alice := token(t, "alice", "")
	conv := env.createConversation(t, alice)

	first := make(chan *http.Response, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/conversations/"+conv.ID+"/messages",
			strings.NewReader(`{"content":"long question"}`))
		req.Header.Set("Authorization", "Bearer "+alice)
		resp, err := env.srv.Client().Do(req)
		if err != nil {
			first <- nil
			return
		}
		first <- resp
	}()
	<-started

	resp := env.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/stream", alice, "")
	require.JSONEq(t, `{"state":"Streaming","content":"partial"}`, readAll(t, resp))

	resp = env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", alice, `{"content":"again"}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	close(release)
	firstResp := <-first
	require.NotNil(t, firstResp)
	defer firstResp.Body.Close()
	events := readEvents(t, firstResp.Body)
	require.Equal(t, eventDone, events[len(events)-1].Name)
}

func TestSubmit_RateLimited(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{SubmitRate: 0.001, SubmitBurst: 1})
	alice := token(t, "alice", "")
	conv := env.createConversation(t, alice)

	resp := env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", alice, `{"content":"one"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readEvents(t, resp.Body)

	resp = env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", alice, `{"content":"two"}`)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// limits are per user
	bob := token(t, "bob", "")
	bobConv := env.createConversation(t, bob)
	resp = env.do(t, http.MethodPost, "/api/conversations/"+bobConv.ID+"/messages", bob, `{"content":"one"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdmin_RequiresRole(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	user := token(t, "alice", "")

	resp := env.do(t, http.MethodGet, "/api/admin/settings", user, "")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = env.do(t, http.MethodPut, "/api/admin/api-key", user, `{"api_key":"sk-anything"}`)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAdmin_APIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	admin := token(t, "root", "admin")

	resp := env.do(t, http.MethodGet, "/api/admin/settings", admin, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "sk-c...-key", decode[adminSettingsResponse](t, resp).APIKey)

	env.lister.ListModelsFunc = func(context.Context, string) ([]domain.ModelInfo, error) {
		return nil, &llm.APIError{Status: http.StatusUnauthorized, Body: "invalid"}
	}
	resp = env.do(t, http.MethodPut, "/api/admin/api-key", admin, `{"api_key":"sk-bad-key-000"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env.lister.ListModelsFunc = nil
	resp = env.do(t, http.MethodPut, "/api/admin/api-key", admin, `{"api_key":"sk-good-key-111"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/models", admin, "")
	models := decode[modelsResponse](t, resp)
	require.Equal(t, "m1", models.DefaultModel)
	require.Len(t, models.Models, 1)

	resp = env.do(t, http.MethodPut, "/api/admin/default-model", admin, `{"model":"unknown"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = env.do(t, http.MethodPut, "/api/admin/default-model", admin, `{"model":"m1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env.lister.ListModelsFunc = func(context.Context, string) ([]domain.ModelInfo, error) {
		return nil, errors.New("dial tcp: connection refused")
	}
	resp = env.do(t, http.MethodPost, "/api/admin/models/refresh", admin, "")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestCORS_Preflight(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/conversations", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestAuthDisabled_ActsAsLocalAdmin(t *testing.T) {
	auth, err := NewAuthenticator(context.Background(), config.AuthConfig{Disabled: true})
	require.NoError(t, err)

	var got Principal
	h := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = principalFrom(r)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/conversations", nil))
	require.Equal(t, Principal{UserID: LocalUserID, Admin: true}, got)
}

func TestNewAuthenticator_RequiresKeyMaterial(t *testing.T) {
	_, err := NewAuthenticator(context.Background(), config.AuthConfig{})
	require.Error(t, err)
}

func TestRecovery(t *testing.T) {
	h := recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestStatusFor(t *testing.T) {
	require.Equal(t, http.StatusConflict, statusFor(chat.ErrGenerationInProgress))
	require.Equal(t, http.StatusBadGateway, statusFor(&llm.APIError{Status: 500}))
	require.Equal(t, http.StatusNotFound, statusFor(domain.ErrNotFound))
	require.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
