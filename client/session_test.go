package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"deepchat.exe.dev/db"
	"deepchat.exe.dev/llm"
	"deepchat.exe.dev/server"
)

// failingService rejects every completion.
type failingService struct{}

func (failingService) Complete(ctx context.Context, prompt string) (string, error) {
	return "", errors.New("model overloaded")
}

func newTestServer(t *testing.T, completions llm.Service) string {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := server.New(database, completions, logger, server.Options{
		CompletionTimeout: 5 * time.Second,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestRefreshEmptyAccountCreatesOneChat(t *testing.T) {
	url := newTestServer(t, llm.Predictable{})
	api := NewAPI(url, "alice", nil)
	session := NewSession(api)

	if err := session.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	chats := session.Chats()
	if len(chats) != 1 {
		t.Fatalf("Expected 1 chat after refresh, got %d", len(chats))
	}
	if chats[0].Name != db.DefaultChatName {
		t.Errorf("Expected default name, got %q", chats[0].Name)
	}
	selected := session.Selected()
	if selected == nil || selected.ChatID != chats[0].ChatID {
		t.Error("Expected the created chat to be selected")
	}

	// Server side agrees: exactly one chat.
	serverChats, err := api.ListChats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(serverChats) != 1 {
		t.Errorf("Expected 1 chat on the server, got %d", len(serverChats))
	}
}

func TestRefreshConcurrentCreatesAtMostOneChat(t *testing.T) {
	url := newTestServer(t, llm.Predictable{})
	api := NewAPI(url, "alice", nil)
	session := NewSession(api)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := session.Refresh(context.Background()); err != nil {
				t.Errorf("Refresh failed: %v", err)
			}
		}()
	}
	wg.Wait()

	serverChats, err := api.ListChats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(serverChats) != 1 {
		t.Errorf("Concurrent refreshes created %d chats, want 1", len(serverChats))
	}
}

func TestRefreshSelectsMostRecent(t *testing.T) {
	url := newTestServer(t, llm.Predictable{})
	api := NewAPI(url, "alice", nil)
	ctx := context.Background()

	if _, err := api.CreateChat(ctx); err != nil {
		t.Fatal(err)
	}
	second, err := api.CreateChat(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Touch the second chat so it is unambiguously the most recent.
	if _, err := api.Complete(ctx, second.ChatID, "ping"); err != nil {
		t.Fatal(err)
	}

	session := NewSession(api)
	if err := session.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	selected := session.Selected()
	if selected == nil {
		t.Fatal("Expected a selection")
	}
	if selected.ChatID != second.ChatID {
		t.Errorf("Expected most recent chat %s selected, got %s", second.ChatID, selected.ChatID)
	}
}

func TestRefreshPreservesSelection(t *testing.T) {
	url := newTestServer(t, llm.Predictable{})
	api := NewAPI(url, "alice", nil)
	ctx := context.Background()

	session := NewSession(api)
	if err := session.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	first := session.Selected()

	// A new chat on the server becomes most recent, but the old selection
	// must survive the reload.
	if _, err := api.CreateChat(ctx); err != nil {
		t.Fatal(err)
	}
	if err := session.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	selected := session.Selected()
	if selected == nil || selected.ChatID != first.ChatID {
		t.Errorf("Refresh moved selection away from %s", first.ChatID)
	}
}

func TestSendConfirmsAndAppendsReply(t *testing.T) {
	url := newTestServer(t, llm.Predictable{})
	api := NewAPI(url, "alice", nil)
	ctx := context.Background()

	session := NewSession(api)
	if err := session.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	session.SetDraft("hello")
	reply, err := session.Send(ctx)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if reply.Content != "echo: hello" {
		t.Errorf("Unexpected reply %q", reply.Content)
	}
	if session.Draft() != "" {
		t.Errorf("Draft not cleared: %q", session.Draft())
	}

	selected := session.Selected()
	if len(selected.Thread) != 2 {
		t.Fatalf("Expected 2 thread messages, got %d", len(selected.Thread))
	}
	prompt := selected.Thread[0]
	if prompt.Role != db.RoleUser || prompt.Content != "hello" {
		t.Errorf("Unexpected prompt message %+v", prompt)
	}
	if prompt.State != DeliveryConfirmed {
		t.Errorf("Prompt not confirmed: %s", prompt.State)
	}
	answer := selected.Thread[1]
	if answer.Role != db.RoleAssistant || answer.State != DeliveryConfirmed {
		t.Errorf("Unexpected reply message %+v", answer)
	}
}

func TestSendFailureMarksFailedAndRestoresDraft(t *testing.T) {
	url := newTestServer(t, failingService{})
	api := NewAPI(url, "alice", nil)
	ctx := context.Background()

	session := NewSession(api)
	if err := session.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	session.SetDraft("hello")
	if _, err := session.Send(ctx); err == nil {
		t.Fatal("Expected send to fail")
	}

	if session.Draft() != "hello" {
		t.Errorf("Draft not restored: %q", session.Draft())
	}

	selected := session.Selected()
	if len(selected.Thread) != 1 {
		t.Fatalf("Expected the failed prompt in the thread, got %d messages", len(selected.Thread))
	}
	if selected.Thread[0].State != DeliveryFailed {
		t.Errorf("Expected failed state, got %s", selected.Thread[0].State)
	}

	// The server kept nothing.
	serverChats, err := api.ListChats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(serverChats[0].Messages) != 0 {
		t.Errorf("Failed send persisted %d messages", len(serverChats[0].Messages))
	}
}

func TestSendGuards(t *testing.T) {
	url := newTestServer(t, llm.Predictable{})
	ctx := context.Background()

	anonymous := NewSession(NewAPI(url, "", nil))
	if _, err := anonymous.Send(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Expected ErrNotAuthenticated, got %v", err)
	}

	session := NewSession(NewAPI(url, "alice", nil))
	if err := session.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := session.Send(ctx); !errors.Is(err, ErrEmptyDraft) {
		t.Errorf("Expected ErrEmptyDraft, got %v", err)
	}

	empty := NewSession(NewAPI(url, "bob", nil))
	empty.SetDraft("hello")
	if _, err := empty.Send(ctx); !errors.Is(err, ErrNoChatSelected) {
		t.Errorf("Expected ErrNoChatSelected, got %v", err)
	}
}

func TestSendFallsBackToMostRecentlyCreated(t *testing.T) {
	url := newTestServer(t, llm.Predictable{})
	api := NewAPI(url, "alice", nil)
	ctx := context.Background()

	older, err := api.CreateChat(ctx)
	if err != nil {
		t.Fatal(err)
	}
	newest, err := api.CreateChat(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Touch the older chat so most-recently-updated and most-recently-created
	// diverge: the fallback must go by creation.
	if _, err := api.Complete(ctx, older.ChatID, "ping"); err != nil {
		t.Fatal(err)
	}

	session := NewSession(api)
	if err := session.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	session.mu.Lock()
	session.selected = nil
	session.mu.Unlock()

	session.SetDraft("hello")
	if _, err := session.Send(ctx); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	selected := session.Selected()
	if selected == nil || selected.ChatID != newest.ChatID {
		t.Error("Expected send to target and select the most recently created chat")
	}
}

func TestNewChatSelects(t *testing.T) {
	url := newTestServer(t, llm.Predictable{})
	api := NewAPI(url, "alice", nil)
	ctx := context.Background()

	session := NewSession(api)
	if err := session.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	chat, err := session.NewChat(ctx)
	if err != nil {
		t.Fatalf("NewChat failed: %v", err)
	}
	if selected := session.Selected(); selected == nil || selected.ChatID != chat.ChatID {
		t.Error("Expected the new chat to be selected")
	}
	if len(session.Chats()) != 2 {
		t.Errorf("Expected 2 chats, got %d", len(session.Chats()))
	}
}

func TestRenameMirrorsLocally(t *testing.T) {
	url := newTestServer(t, llm.Predictable{})
	api := NewAPI(url, "alice", nil)
	ctx := context.Background()

	session := NewSession(api)
	if err := session.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	chatID := session.Selected().ChatID

	if err := session.Rename(ctx, chatID, "Trip planning"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if got := session.Selected().Name; got != "Trip planning" {
		t.Errorf("Local name not updated: %q", got)
	}
}

func TestDeleteMovesSelection(t *testing.T) {
	url := newTestServer(t, llm.Predictable{})
	api := NewAPI(url, "alice", nil)
	ctx := context.Background()

	session := NewSession(api)
	if err := session.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	first := session.Selected()
	second, err := session.NewChat(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := session.Delete(ctx, second.ChatID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	selected := session.Selected()
	if selected == nil || selected.ChatID != first.ChatID {
		t.Error("Expected selection to move to the remaining chat")
	}
	if len(session.Chats()) != 1 {
		t.Errorf("Expected 1 chat, got %d", len(session.Chats()))
	}
}

func TestDeleteUnknownChat(t *testing.T) {
	url := newTestServer(t, llm.Predictable{})
	api := NewAPI(url, "alice", nil)

	err := NewSession(api).Delete(context.Background(), "nope")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != 404 {
		t.Errorf("Expected 404, got %d", apiErr.StatusCode)
	}
}
