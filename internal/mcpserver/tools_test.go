package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/comigor/chatstream/internal/chat"
	"github.com/comigor/chatstream/internal/domain"
	"github.com/comigor/chatstream/internal/history"
	"github.com/comigor/chatstream/internal/llm"
	"github.com/comigor/chatstream/internal/settings"
)

type mockStreamer struct {
	StreamFunc func(ctx context.Context, req llm.StreamRequest, cb llm.Callbacks) error
}

func (m *mockStreamer) StreamCompletion(ctx context.Context, req llm.StreamRequest, cb llm.Callbacks) error {
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, req, cb)
	}
	return nil
}

type staticCatalog struct {
	settings.Settings
}

func (s staticCatalog) Current(context.Context) (settings.Settings, error) {
	return s.Settings, nil
}

func newRegistry(t *testing.T, streamer *mockStreamer) (*Registry, *chat.Manager) {
	t.Helper()
	catalog := staticCatalog{settings.Settings{
		DefaultModel: "m1",
		Models:       []domain.ModelInfo{{ID: "m1", Name: "Model One", MaxTokens: 4096}},
	}}
	manager := chat.NewManager(history.NewMemoryStore(), streamer, catalog, "")
	t.Cleanup(manager.Wait)
	return NewToolRegistry(manager, catalog, "mcp"), manager
}

func call(t *testing.T, r *Registry, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	tool, err := r.Get(name)
	require.NoError(t, err)
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := tool.Handle(context.Background(), req)
	require.NoError(t, err)
	return res
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestRegistry(t *testing.T) {
	r, _ := newRegistry(t, &mockStreamer{})

	var names []string
	for _, tool := range r.List() {
		names = append(names, tool.Definition().Name)
	}
	require.Equal(t, []string{"ask", "list_conversations", "list_models"}, names)

	_, err := r.Get("home_automation")
	require.Error(t, err)
}

func TestAsk_CreatesConversationAndContinuesIt(t *testing.T) {
	streamer := &mockStreamer{StreamFunc: func(_ context.Context, req llm.StreamRequest, cb llm.Callbacks) error {
		cb.OnChunk("Quick")
		cb.OnChunk("sort")
		return nil
	}}
	r, manager := newRegistry(t, streamer)

	res := call(t, r, "ask", map[string]any{"prompt": "Explain quicksort"})
	require.False(t, res.IsError)

	var first askResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &first))
	require.Equal(t, "Quicksort", first.Reply)
	require.NotEmpty(t, first.ConversationID)

	res = call(t, r, "ask", map[string]any{"prompt": "And mergesort?", "conversation_id": first.ConversationID})
	require.False(t, res.IsError)

	msgs, err := manager.Messages(context.Background(), "mcp", first.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	res = call(t, r, "list_conversations", nil)
	var convs []domain.Conversation
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &convs))
	require.Len(t, convs, 1)
	require.Equal(t, "Explain quicksort", convs[0].Title)
}

func TestAsk_Errors(t *testing.T) {
	streamer := &mockStreamer{StreamFunc: func(context.Context, llm.StreamRequest, llm.Callbacks) error {
		return errors.New("connection refused")
	}}
	r, _ := newRegistry(t, streamer)

	res := call(t, r, "ask", map[string]any{})
	require.True(t, res.IsError)

	res = call(t, r, "ask", map[string]any{"prompt": "hi"})
	require.True(t, res.IsError)
	require.Contains(t, resultText(t, res), "connection refused")

	res = call(t, r, "ask", map[string]any{"prompt": "hi", "conversation_id": "missing"})
	require.True(t, res.IsError)
}

func TestListModels(t *testing.T) {
	r, _ := newRegistry(t, &mockStreamer{})

	res := call(t, r, "list_models", nil)
	require.False(t, res.IsError)
	require.JSONEq(t, `{"default_model":"m1","models":[{"id":"m1","name":"Model One","max_tokens":4096}]}`, resultText(t, res))
}

func TestNew_RegistersTools(t *testing.T) {
	r, _ := newRegistry(t, &mockStreamer{})
	require.NotNil(t, New(r))
}
