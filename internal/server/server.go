// Package server exposes conversations, streamed replies and admin settings
// over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/comigor/chatstream/internal/chat"
	"github.com/comigor/chatstream/internal/config"
	"github.com/comigor/chatstream/internal/domain"
	"github.com/comigor/chatstream/internal/logger"
	"github.com/comigor/chatstream/internal/settings"
)

// ChatService is the conversation API the handlers use; *chat.Manager implements it.
type ChatService interface {
	CreateConversation(ctx context.Context, userID, title, model string) (*domain.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)
	Conversation(ctx context.Context, userID, id string) (*domain.Conversation, error)
	UpdateConversation(ctx context.Context, userID, id string, patch chat.ConversationPatch) (*domain.Conversation, error)
	DeleteConversation(ctx context.Context, userID, id string) error
	Messages(ctx context.Context, userID, conversationID string) ([]domain.Message, error)
	Submit(ctx context.Context, req chat.SubmitRequest, hooks chat.Hooks) (*domain.Message, error)
	Display(conversationID string) (chat.State, string)
}

// SettingsService is implemented by *settings.Service.
type SettingsService interface {
	Current(ctx context.Context) (settings.Settings, error)
	UpdateAPIKey(ctx context.Context, key string) ([]domain.ModelInfo, error)
	RefreshModels(ctx context.Context) ([]domain.ModelInfo, error)
	SetDefaultModel(ctx context.Context, id string) error
}

// Server wires handlers to their collaborators.
type Server struct {
	cfg      config.ServerConfig
	chat     ChatService
	settings SettingsService
	auth     *Authenticator
	limiter  *submitLimiter
}

func New(cfg config.ServerConfig, chatSvc ChatService, settingsSvc SettingsService, auth *Authenticator) *Server {
	return &Server{
		cfg:      cfg,
		chat:     chatSvc,
		settings: settingsSvc,
		auth:     auth,
		limiter:  newSubmitLimiter(cfg.SubmitRate, cfg.SubmitBurst),
	}
}

// Handler returns the routed handler wrapped in CORS, recovery, auth and
// request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.health)

	mux.HandleFunc("GET /api/conversations", s.listConversations)
	mux.HandleFunc("POST /api/conversations", s.createConversation)
	mux.HandleFunc("GET /api/conversations/{id}", s.getConversation)
	mux.HandleFunc("PATCH /api/conversations/{id}", s.updateConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.deleteConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.listMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", s.submitMessage)
	mux.HandleFunc("GET /api/conversations/{id}/stream", s.streamState)

	mux.HandleFunc("GET /api/models", s.listModels)

	mux.HandleFunc("GET /api/admin/settings", requireAdmin(s.getSettings))
	mux.HandleFunc("PUT /api/admin/api-key", requireAdmin(s.updateAPIKey))
	mux.HandleFunc("PUT /api/admin/default-model", requireAdmin(s.setDefaultModel))
	mux.HandleFunc("POST /api/admin/models/refresh", requireAdmin(s.refreshModels))

	// Order: CORS → Recovery → Log → Auth → Routes
	var handler http.Handler = mux
	handler = s.auth.Middleware(handler)
	handler = requestLog(handler)
	handler = recovery(handler)

	// CORS must run before auth so pre-flight requests are answered
	handler = cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", "Last-Event-ID"},
		AllowCredentials: true,
	}).Handler(handler)

	return handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:        net.JoinHostPort(s.cfg.Host, s.cfg.Port),
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// replies stream for as long as the provider takes
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.L.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.L.Info("server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
