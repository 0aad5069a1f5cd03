// Package server implements the HTTP API: the chat repository operations,
// the completion gateway, the chat-list update stream, and the account
// webhook receiver.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sloghttp "github.com/samber/slog-http"

	"deepchat.exe.dev/config"
	"deepchat.exe.dev/db"
	"deepchat.exe.dev/llm"
	"deepchat.exe.dev/subpub"
)

// ChatListUpdate is pushed to stream subscribers when a chat in the owner's
// list changes. Delete events carry only the chat ID.
type ChatListUpdate struct {
	Type   string   `json:"type"` // "update", "delete"
	Chat   *db.Chat `json:"chat,omitempty"`
	ChatID string   `json:"chatId,omitempty"`

	userID string // scoping only, never serialized
}

// Options carries the knobs that are not injected dependencies.
type Options struct {
	// UserHeader is the trusted header the fronting auth proxy sets to the
	// authenticated user ID. Empty means config.DefaultUserHeader.
	UserHeader string
	// WebhookSecret enables the account webhook endpoint when non-empty.
	WebhookSecret string
	// CompletionTimeout is the overall ceiling on one provider round trip.
	CompletionTimeout time.Duration
}

// Server manages the HTTP API.
type Server struct {
	db                *db.DB
	llm               llm.Service
	logger            *slog.Logger
	userHeader        string
	webhookSecret     string
	completionTimeout time.Duration
	updates           *subpub.SubPub[ChatListUpdate]
}

// New creates a new server instance. The store and completion service are
// constructed by the caller and injected; the server owns neither lifecycle.
func New(database *db.DB, completions llm.Service, logger *slog.Logger, opts Options) *Server {
	if opts.UserHeader == "" {
		opts.UserHeader = config.DefaultUserHeader
	}
	if opts.CompletionTimeout <= 0 {
		opts.CompletionTimeout = 60 * time.Second
	}
	return &Server{
		db:                database,
		llm:               completions,
		logger:            logger,
		userHeader:        opts.UserHeader,
		webhookSecret:     opts.WebhookSecret,
		completionTimeout: opts.CompletionTimeout,
		updates:           subpub.New[ChatListUpdate](),
	}
}

// RegisterRoutes registers HTTP routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /api/chat/create", http.HandlerFunc(s.handleCreateChat))
	mux.Handle("GET /api/chat/list", http.HandlerFunc(s.handleListChats))
	mux.Handle("POST /api/chat/rename", http.HandlerFunc(s.handleRenameChat))
	mux.Handle("POST /api/chat/delete", http.HandlerFunc(s.handleDeleteChat))
	mux.Handle("POST /api/chat/ai", http.HandlerFunc(s.handleCompletion))
	mux.Handle("GET /api/chat/stream", http.HandlerFunc(s.handleStream))

	mux.Handle("GET /healthz", http.HandlerFunc(s.handleHealth))

	if s.webhookSecret != "" {
		mux.Handle("POST /api/webhooks/account", http.HandlerFunc(s.handleAccountWebhook))
	}
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return sloghttp.New(s.logger)(mux)
}

// userID resolves the caller's identity from the trusted proxy header.
// Empty means unauthenticated.
func (s *Server) userID(r *http.Request) string {
	return r.Header.Get(s.userHeader)
}

// publishChatListUpdate broadcasts an owner-scoped list update to stream
// subscribers.
func (s *Server) publishChatListUpdate(userID string, update ChatListUpdate) {
	update.userID = userID
	s.updates.Publish(update)
}

// Start starts the HTTP server and handles the complete lifecycle.
func (s *Server) Start(port string) error {
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		s.logger.Error("Failed to create listener", "error", err, "port", port)
		return err
	}
	return s.StartWithListener(listener)
}

// StartWithListener starts the HTTP server using the provided listener and
// blocks until SIGINT/SIGTERM or a server error.
func (s *Server) StartWithListener(listener net.Listener) error {
	httpServer := &http.Server{
		Handler: s.Handler(),
	}

	actualPort := listener.Addr().(*net.TCPAddr).Port

	serverErrCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server starting", "port", actualPort, "url", fmt.Sprintf("http://localhost:%d", actualPort))
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrCh:
		s.logger.Error("Server failed", "error", err)
		return err
	case <-quit:
		s.logger.Info("Shutting down server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server forced to shutdown", "error", err)
		return err
	}

	s.logger.Info("Server exited")
	return nil
}
