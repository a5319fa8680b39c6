package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/comigor/chatstream/internal/chat"
	"github.com/comigor/chatstream/internal/domain"
	"github.com/comigor/chatstream/internal/logger"
	"github.com/comigor/chatstream/internal/settings"
)

// Conversations is the part of *chat.Manager the tools use.
type Conversations interface {
	CreateConversation(ctx context.Context, userID, title, model string) (*domain.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)
	Submit(ctx context.Context, req chat.SubmitRequest, hooks chat.Hooks) (*domain.Message, error)
}

// Catalog provides the model catalog; *settings.Service implements it.
type Catalog interface {
	Current(ctx context.Context) (settings.Settings, error)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}

// ListConversationsTool lists the conversations of the bridge user.
// No arguments are required.
type ListConversationsTool struct {
	conversations Conversations
	userID        string
}

func (t *ListConversationsTool) Definition() mcp.Tool {
	return mcp.NewTool("list_conversations",
		mcp.WithDescription("Lists saved conversations, most recently updated first, as JSON."),
	)
}

func (t *ListConversationsTool) Handle(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	convs, err := t.conversations.ListConversations(ctx, t.userID)
	if err != nil {
		return mcp.NewToolResultError("failed to list conversations: " + err.Error()), nil
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	return jsonResult(convs)
}

// ListModelsTool returns the model catalog and the default model.
type ListModelsTool struct {
	catalog Catalog
}

func (t *ListModelsTool) Definition() mcp.Tool {
	return mcp.NewTool("list_models",
		mcp.WithDescription("Lists the models available for conversations and the default model."),
	)
}

func (t *ListModelsTool) Handle(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cur, err := t.catalog.Current(ctx)
	if err != nil {
		return mcp.NewToolResultError("failed to load models: " + err.Error()), nil
	}
	models := cur.Models
	if models == nil {
		models = []domain.ModelInfo{}
	}
	return jsonResult(map[string]any{
		"default_model": cur.DefaultModel,
		"models":        models,
	})
}

// AskTool sends a prompt and waits for the committed reply. Without a
// conversation_id a new conversation is started.
type AskTool struct {
	conversations Conversations
	userID        string
}

func (t *AskTool) Definition() mcp.Tool {
	return mcp.NewTool("ask",
		mcp.WithDescription("Sends a prompt to the assistant and returns its reply together with the conversation id to continue it."),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("The message to send")),
		mcp.WithString("conversation_id", mcp.Description("Conversation to continue; a new one is created when empty")),
		mcp.WithString("model", mcp.Description("Model to use; defaults to the conversation's model")),
	)
}

type askResult struct {
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply"`
}

func (t *AskTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	convID := req.GetString("conversation_id", "")
	model := req.GetString("model", "")

	if convID == "" {
		conv, err := t.conversations.CreateConversation(ctx, t.userID, "", model)
		if err != nil {
			return mcp.NewToolResultError("failed to create conversation: " + err.Error()), nil
		}
		convID = conv.ID
	}

	reply, err := t.conversations.Submit(ctx, chat.SubmitRequest{
		ConversationID: convID,
		UserID:         t.userID,
		Content:        prompt,
		Model:          model,
	}, chat.Hooks{
		OnNotice: func(notice string) { logger.L.Warn("ask notice", "conversation_id", convID, "notice", notice) },
	})
	if err != nil {
		return mcp.NewToolResultError("ask failed: " + err.Error()), nil
	}
	return jsonResult(askResult{ConversationID: convID, Reply: reply.Content})
}
