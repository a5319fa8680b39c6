package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/comigor/chatstream/internal/chat"
	"github.com/comigor/chatstream/internal/config"
	"github.com/comigor/chatstream/internal/history"
	"github.com/comigor/chatstream/internal/llm"
	"github.com/comigor/chatstream/internal/logger"
	"github.com/comigor/chatstream/internal/mcpserver"
	"github.com/comigor/chatstream/internal/server"
	"github.com/comigor/chatstream/internal/settings"
)

func main() {
	mcpMode := flag.Bool("mcp", false, "serve the MCP bridge on stdio instead of HTTP")
	flag.Parse()

	// stdout may carry the MCP protocol, so anything logged before the
	// configuration is known goes to stderr
	logger.Setup(logOutput(true), "info", "json")

	// .env is optional; real environment variables win
	envErr := godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger.Setup(logOutput(*mcpMode), cfg.Log.Level, cfg.Log.Format)
	if envErr != nil && !os.IsNotExist(envErr) {
		logger.L.Warn("failed to read .env", "error", envErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var auth *server.Authenticator
	if !*mcpMode {
		if err := cfg.ValidateHTTP(); err != nil {
			logger.L.Error("invalid configuration", "error", err)
			os.Exit(1)
		}
		auth, err = server.NewAuthenticator(ctx, cfg.Auth)
		if err != nil {
			logger.L.Error("failed to initialize authentication", "error", err)
			os.Exit(1)
		}
	}

	store, err := history.Open(ctx, cfg.Database)
	if err != nil {
		logger.L.Error("failed to open history store", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	llmClient := llm.NewClient(cfg.LLM)
	settingsSvc := settings.NewService(store, llmClient, cfg.LLM)
	manager := chat.NewManager(store, llmClient, settingsSvc, cfg.LLM.SystemPrompt)
	defer manager.Wait()

	if *mcpMode {
		registry := mcpserver.NewToolRegistry(manager, settingsSvc, cfg.MCP.UserID)
		if err := mcpserver.ServeStdio(mcpserver.New(registry)); err != nil {
			logger.L.Error("MCP bridge stopped", "error", err)
		}
		return
	}

	srv := server.New(cfg.Server, manager, settingsSvc, auth)
	if err := srv.Run(ctx); err != nil {
		logger.L.Error("server stopped", "error", err)
	}
}

// logOutput picks the log destination; stdout carries the MCP protocol in
// bridge mode.
func logOutput(mcpMode bool) io.Writer {
	if mcpMode {
		return os.Stderr
	}
	return os.Stdout
}
