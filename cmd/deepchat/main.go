// Deepchat - LLM chat server
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"deepchat.exe.dev/client"
	"deepchat.exe.dev/config"
	"deepchat.exe.dev/db"
	"deepchat.exe.dev/llm"
	"deepchat.exe.dev/server"
)

func main() {
	// "deepchat client ..." talks to a running server instead of being one.
	if len(os.Args) > 1 && os.Args[1] == "client" {
		client.Run(os.Args[2:])
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open database", "error", err, "path", cfg.DBPath)
		os.Exit(1)
	}
	defer database.Close()

	if err := database.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	var completions llm.Service
	if cfg.CompletionAPIKey == "" {
		slog.Warn("COMPLETION_API_KEY not set, using the predictable echo service")
		completions = llm.Predictable{}
	} else {
		completions = llm.NewOpenAIService(llm.Config{
			APIKey:  cfg.CompletionAPIKey,
			BaseURL: cfg.CompletionBaseURL,
			Model:   cfg.CompletionModel,
		})
		slog.Info("Completion service configured", "baseURL", cfg.CompletionBaseURL, "model", cfg.CompletionModel)
	}

	srv := server.New(database, completions, logger, server.Options{
		UserHeader:        cfg.UserHeader,
		WebhookSecret:     cfg.WebhookSecret,
		CompletionTimeout: cfg.CompletionTimeout,
	})

	if err := srv.Start(cfg.Port); err != nil {
		os.Exit(1)
	}
}
