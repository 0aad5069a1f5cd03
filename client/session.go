// Package client implements the deepchat CLI client and the session state it
// drives: the chat list, the selected chat's thread with optimistic sends,
// and the composer draft.
package client

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"deepchat.exe.dev/db"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrSendInFlight     = errors.New("a send is already in flight")
	ErrEmptyDraft       = errors.New("draft is empty")
	ErrNoChatSelected   = errors.New("no chat selected")
	ErrUnknownChat      = errors.New("unknown chat")
)

// DeliveryState tracks an optimistic message through its round trip.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// ThreadMessage is a message as the session shows it: server-confirmed
// history carries no local ID; optimistic sends carry one until confirmed.
type ThreadMessage struct {
	db.Message
	LocalID string
	State   DeliveryState
}

// ChatState is one chat as the session tracks it: the server's view plus the
// locally rendered thread.
type ChatState struct {
	db.Chat
	Thread []ThreadMessage
}

// Session holds client-side chat state. All methods are safe for concurrent
// use; network calls happen outside the lock so the UI can keep reading.
type Session struct {
	api *API

	mu       sync.Mutex
	chats    []*ChatState
	selected *ChatState
	sending  bool
	draft    string

	refreshGroup singleflight.Group
}

// NewSession creates an empty session backed by the given API client. Call
// Refresh to populate it.
func NewSession(api *API) *Session {
	return &Session{api: api}
}

func confirmedThread(messages []db.Message) []ThreadMessage {
	thread := make([]ThreadMessage, 0, len(messages))
	for _, m := range messages {
		thread = append(thread, ThreadMessage{Message: m, State: DeliveryConfirmed})
	}
	return thread
}

func sortChatStates(chats []*ChatState) {
	sort.SliceStable(chats, func(i, j int) bool {
		if !chats[i].UpdatedAt.Equal(chats[j].UpdatedAt) {
			return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
		}
		return chats[i].ChatID > chats[j].ChatID
	})
}

// Refresh reloads the chat list from the server. An empty account gets
// exactly one chat created for it, even when several callers refresh at
// once. Selection is preserved when the selected chat still exists,
// otherwise the most recently updated chat is selected. Unconfirmed
// optimistic messages survive the reload.
func (s *Session) Refresh(ctx context.Context) error {
	_, err, _ := s.refreshGroup.Do("refresh", func() (any, error) {
		return nil, s.refresh(ctx)
	})
	return err
}

func (s *Session) refresh(ctx context.Context) error {
	if s.api.UserID() == "" {
		return ErrNotAuthenticated
	}

	chats, err := s.api.ListChats(ctx)
	if err != nil {
		return err
	}
	if len(chats) == 0 {
		created, err := s.api.CreateChat(ctx)
		if err != nil {
			return err
		}
		chats = []db.Chat{*created}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Carry over optimistic messages that never made it to the server.
	unconfirmed := make(map[string][]ThreadMessage)
	for _, old := range s.chats {
		for _, m := range old.Thread {
			if m.State != DeliveryConfirmed {
				unconfirmed[old.ChatID] = append(unconfirmed[old.ChatID], m)
			}
		}
	}

	selectedID := ""
	if s.selected != nil {
		selectedID = s.selected.ChatID
	}

	states := make([]*ChatState, 0, len(chats))
	for _, chat := range chats {
		state := &ChatState{
			Chat:   chat,
			Thread: append(confirmedThread(chat.Messages), unconfirmed[chat.ChatID]...),
		}
		states = append(states, state)
	}
	sortChatStates(states)

	s.chats = states
	s.selected = nil
	for _, state := range states {
		if state.ChatID == selectedID {
			s.selected = state
			break
		}
	}
	if s.selected == nil && len(states) > 0 {
		s.selected = states[0]
	}
	return nil
}

// NewChat creates a chat on the server and selects it.
func (s *Session) NewChat(ctx context.Context) (*ChatState, error) {
	if s.api.UserID() == "" {
		return nil, ErrNotAuthenticated
	}
	chat, err := s.api.CreateChat(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	state := &ChatState{Chat: *chat}
	s.chats = append([]*ChatState{state}, s.chats...)
	s.selected = state
	return state, nil
}

// Select makes the given chat the target of subsequent sends.
func (s *Session) Select(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, state := range s.chats {
		if state.ChatID == chatID {
			s.selected = state
			return nil
		}
	}
	return ErrUnknownChat
}

// Selected returns a snapshot of the selected chat, or nil.
func (s *Session) Selected() *ChatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return nil
	}
	return s.snapshotLocked(s.selected)
}

// Chats returns a snapshot of the chat list, most recently updated first.
func (s *Session) Chats() []*ChatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ChatState, 0, len(s.chats))
	for _, state := range s.chats {
		out = append(out, s.snapshotLocked(state))
	}
	return out
}

func (s *Session) snapshotLocked(state *ChatState) *ChatState {
	copied := &ChatState{Chat: state.Chat}
	copied.Thread = append([]ThreadMessage(nil), state.Thread...)
	return copied
}

// SetDraft replaces the composer draft.
func (s *Session) SetDraft(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = text
}

// Draft returns the current composer draft.
func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// Sending reports whether a send is in flight.
func (s *Session) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending
}

// Send submits the composer draft to the selected chat (falling back to the
// most recently created chat when nothing is selected). The prompt appears in
// the thread immediately as pending; the draft clears on submission. On
// success the prompt is confirmed and the assistant reply appended. On
// failure the prompt is marked failed and the draft restored, unless the user
// has typed a new one. Only one send runs at a time.
func (s *Session) Send(ctx context.Context) (*db.Message, error) {
	if s.api.UserID() == "" {
		return nil, ErrNotAuthenticated
	}

	s.mu.Lock()
	if s.sending {
		s.mu.Unlock()
		return nil, ErrSendInFlight
	}
	prompt := strings.TrimSpace(s.draft)
	if prompt == "" {
		s.mu.Unlock()
		return nil, ErrEmptyDraft
	}
	target := s.selected
	if target == nil {
		target = mostRecentlyCreated(s.chats)
		s.selected = target
	}
	if target == nil {
		s.mu.Unlock()
		return nil, ErrNoChatSelected
	}

	localID := uuid.NewString()
	target.Thread = append(target.Thread, ThreadMessage{
		Message: db.Message{Role: db.RoleUser, Content: prompt, Timestamp: time.Now().UTC()},
		LocalID: localID,
		State:   DeliveryPending,
	})
	s.draft = ""
	s.sending = true
	chatID := target.ChatID
	s.mu.Unlock()

	reply, err := s.api.Complete(ctx, chatID, prompt)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sending = false

	if err != nil {
		s.markLocked(chatID, localID, DeliveryFailed)
		if s.draft == "" {
			s.draft = prompt
		}
		return nil, err
	}

	s.markLocked(chatID, localID, DeliveryConfirmed)
	if state := s.chatLocked(chatID); state != nil {
		state.Thread = append(state.Thread, ThreadMessage{Message: *reply, State: DeliveryConfirmed})
		state.UpdatedAt = reply.Timestamp
		sortChatStates(s.chats)
	}
	return reply, nil
}

// mostRecentlyCreated picks the newest chat by creation time. Chat IDs are
// ULIDs, so they break second-granularity timestamp ties in creation order.
func mostRecentlyCreated(chats []*ChatState) *ChatState {
	var newest *ChatState
	for _, state := range chats {
		if newest == nil ||
			state.CreatedAt.After(newest.CreatedAt) ||
			(state.CreatedAt.Equal(newest.CreatedAt) && state.ChatID > newest.ChatID) {
			newest = state
		}
	}
	return newest
}

func (s *Session) chatLocked(chatID string) *ChatState {
	for _, state := range s.chats {
		if state.ChatID == chatID {
			return state
		}
	}
	return nil
}

func (s *Session) markLocked(chatID, localID string, to DeliveryState) {
	state := s.chatLocked(chatID)
	if state == nil {
		return
	}
	for i := range state.Thread {
		if state.Thread[i].LocalID == localID {
			state.Thread[i].State = to
			return
		}
	}
}

// Rename renames a chat on the server and mirrors the change locally.
func (s *Session) Rename(ctx context.Context, chatID, name string) error {
	if s.api.UserID() == "" {
		return ErrNotAuthenticated
	}
	if err := s.api.RenameChat(ctx, chatID, name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if state := s.chatLocked(chatID); state != nil {
		state.Name = strings.TrimSpace(name)
	}
	return nil
}

// Delete removes a chat on the server and drops it locally. Deleting the
// selected chat moves selection to the most recently updated remaining chat.
func (s *Session) Delete(ctx context.Context, chatID string) error {
	if s.api.UserID() == "" {
		return ErrNotAuthenticated
	}
	if err := s.api.DeleteChat(ctx, chatID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, state := range s.chats {
		if state.ChatID == chatID {
			s.chats = append(s.chats[:i], s.chats[i+1:]...)
			break
		}
	}
	if s.selected != nil && s.selected.ChatID == chatID {
		s.selected = nil
		if len(s.chats) > 0 {
			s.selected = s.chats[0]
		}
	}
	return nil
}
