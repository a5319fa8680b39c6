// Package mcpserver exposes conversations as Model Context Protocol tools over
// stdio, so other assistants can query the catalog and ask questions.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/comigor/chatstream/internal/logger"
)

const (
	serverName    = "chatstream"
	serverVersion = "0.1.0"
)

// NewToolRegistry returns a registry with every tool, acting as userID.
func NewToolRegistry(conversations Conversations, catalog Catalog, userID string) *Registry {
	r := NewRegistry()
	r.Register(&ListConversationsTool{conversations: conversations, userID: userID})
	r.Register(&ListModelsTool{catalog: catalog})
	r.Register(&AskTool{conversations: conversations, userID: userID})
	return r
}

// New builds an MCP server with the registry's tools.
func New(registry *Registry) *server.MCPServer {
	s := server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false))
	for _, t := range registry.List() {
		s.AddTool(t.Definition(), t.Handle)
		logger.L.Debug("registered MCP tool", "tool", t.Definition().Name)
	}
	return s
}

// ServeStdio serves s on stdin/stdout until the client disconnects.
func ServeStdio(s *server.MCPServer) error {
	logger.L.Info("MCP bridge serving on stdio")
	return server.ServeStdio(s)
}
