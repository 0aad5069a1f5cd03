package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"deepchat.exe.dev/config"
	"deepchat.exe.dev/db"
)

// APIError is a non-2xx response from the server, carrying the envelope's
// error or message text.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// API is a thin HTTP wrapper around the chat routes. All responses share the
// {success, data?, message?, error?} envelope.
type API struct {
	baseURL    string
	userID     string
	userHeader string
	headers    map[string]string
	httpClient *http.Client
}

// NewAPI creates an API client for the server at baseURL, authenticating as
// userID via the trusted identity header. Extra headers are applied to every
// request.
func NewAPI(baseURL, userID string, headers map[string]string) *API {
	return &API{
		baseURL:    baseURL,
		userID:     userID,
		userHeader: config.DefaultUserHeader,
		headers:    headers,
		httpClient: &http.Client{},
	}
}

// UserID reports the identity this client sends. Empty means requests will be
// rejected as unauthenticated.
func (a *API) UserID() string { return a.userID }

type wireEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

// do performs one request and decodes the envelope, returning the raw data
// payload. Envelope failures become *APIError.
func (a *API) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.userID != "" {
		req.Header.Set(a.userHeader, a.userID)
	}
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env wireEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !env.Success {
		message := env.Error
		if message == "" {
			message = env.Message
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: message}
	}
	return env.Data, nil
}

// CreateChat creates a fresh chat and returns it.
func (a *API) CreateChat(ctx context.Context) (*db.Chat, error) {
	data, err := a.do(ctx, "POST", "/api/chat/create", nil)
	if err != nil {
		return nil, err
	}
	var chat db.Chat
	if err := json.Unmarshal(data, &chat); err != nil {
		return nil, fmt.Errorf("decode chat: %w", err)
	}
	return &chat, nil
}

// ListChats returns the caller's chats, most recently updated first.
func (a *API) ListChats(ctx context.Context) ([]db.Chat, error) {
	data, err := a.do(ctx, "GET", "/api/chat/list", nil)
	if err != nil {
		return nil, err
	}
	var chats []db.Chat
	if err := json.Unmarshal(data, &chats); err != nil {
		return nil, fmt.Errorf("decode chats: %w", err)
	}
	return chats, nil
}

// RenameChat sets a chat's display name.
func (a *API) RenameChat(ctx context.Context, chatID, name string) error {
	_, err := a.do(ctx, "POST", "/api/chat/rename", map[string]string{"chatId": chatID, "name": name})
	return err
}

// DeleteChat removes a chat and its history.
func (a *API) DeleteChat(ctx context.Context, chatID string) error {
	_, err := a.do(ctx, "POST", "/api/chat/delete", map[string]string{"chatId": chatID})
	return err
}

// Complete sends a prompt to a chat and returns the assistant's reply. The
// server persists both the prompt and the reply.
func (a *API) Complete(ctx context.Context, chatID, prompt string) (*db.Message, error) {
	data, err := a.do(ctx, "POST", "/api/chat/ai", map[string]string{"chatId": chatID, "prompt": prompt})
	if err != nil {
		return nil, err
	}
	var reply db.Message
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return &reply, nil
}
