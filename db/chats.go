package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrChatNotFound is returned when no chat matches both the chat ID and
	// the caller's user ID. A chat owned by someone else is indistinguishable
	// from a chat that does not exist.
	ErrChatNotFound = errors.New("chat not found")

	// ErrVersionConflict is returned when a message save loses a race with a
	// concurrent writer. Callers should re-read the chat and retry.
	ErrVersionConflict = errors.New("chat version conflict")
)

// DefaultChatName is the placeholder name every chat starts with.
const DefaultChatName = "New Chat"

// saveBusyRetries bounds in-store retries when a write hits SQLITE_BUSY
// despite the connection busy timeout.
const saveBusyRetries = 5

// isLocked reports a SQLITE_BUSY / "database is locked" concurrency error.
// These are transient lock contention, not version conflicts, and warrant a
// short retry of the same write.
func isLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// Role tags who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single transcript entry. Messages exist only inside a chat's
// message sequence; there is no independent message table.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Chat is one conversation document.
type Chat struct {
	ChatID    string    `json:"chatId"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Messages  []Message `json:"messages"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const chatColumns = "chat_id, user_id, name, messages, version, created_at, updated_at"

func scanChat(row interface{ Scan(...any) error }) (*Chat, error) {
	var (
		chat      Chat
		raw       string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&chat.ChatID, &chat.UserID, &chat.Name, &raw, &chat.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat row: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &chat.Messages); err != nil {
		return nil, fmt.Errorf("decode messages for chat %s: %w", chat.ChatID, err)
	}
	if chat.Messages == nil {
		chat.Messages = []Message{}
	}
	chat.CreatedAt = time.Unix(createdAt, 0).UTC()
	chat.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &chat, nil
}

// CreateChat inserts a new empty chat owned by userID and returns it.
func (d *DB) CreateChat(ctx context.Context, userID string) (*Chat, error) {
	now := time.Now().UTC().Truncate(time.Second)
	chat := &Chat{
		ChatID:    ulid.Make().String(),
		UserID:    userID,
		Name:      DefaultChatName,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO chats (chat_id, user_id, name, messages, version, created_at, updated_at)
		 VALUES (?, ?, ?, '[]', 0, ?, ?)`,
		chat.ChatID, chat.UserID, chat.Name, now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert chat: %w", err)
	}
	return chat, nil
}

// ListChats returns every chat owned by userID, most recently updated first.
func (d *DB) ListChats(ctx context.Context, userID string) ([]*Chat, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE user_id = ? ORDER BY updated_at DESC, chat_id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()

	chats := []*Chat{}
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return chats, nil
}

// GetChat returns the chat matching both chatID and userID.
func (d *DB) GetChat(ctx context.Context, userID, chatID string) (*Chat, error) {
	row := d.sql.QueryRowContext(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE chat_id = ? AND user_id = ?`,
		chatID, userID,
	)
	return scanChat(row)
}

// RenameChat updates the display name of an owned chat. A chat that does not
// exist or belongs to another user yields ErrChatNotFound rather than a
// silent no-op.
func (d *DB) RenameChat(ctx context.Context, userID, chatID, name string) error {
	res, err := d.sql.ExecContext(ctx,
		`UPDATE chats SET name = ?, updated_at = ? WHERE chat_id = ? AND user_id = ?`,
		name, time.Now().Unix(), chatID, userID,
	)
	if err != nil {
		return fmt.Errorf("rename chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rename chat rows affected: %w", err)
	}
	if n == 0 {
		return ErrChatNotFound
	}
	return nil
}

// DeleteChat removes an owned chat. ErrChatNotFound on owner mismatch or
// unknown ID, as with RenameChat.
func (d *DB) DeleteChat(ctx context.Context, userID, chatID string) error {
	res, err := d.sql.ExecContext(ctx,
		`DELETE FROM chats WHERE chat_id = ? AND user_id = ?`,
		chatID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete chat rows affected: %w", err)
	}
	if n == 0 {
		return ErrChatNotFound
	}
	return nil
}

// SaveMessages replaces the full message transcript of an owned chat in one
// write. version must be the version the caller read; if a concurrent writer
// got there first the save fails with ErrVersionConflict and nothing is
// written. The whole-document save means the caller's slice is the complete
// transcript, not a delta.
func (d *DB) SaveMessages(ctx context.Context, userID, chatID string, version int64, messages []Message) error {
	if messages == nil {
		messages = []Message{}
	}
	raw, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}

	var res sql.Result
	for attempt := 0; ; attempt++ {
		res, err = d.sql.ExecContext(ctx,
			`UPDATE chats SET messages = ?, version = version + 1, updated_at = ?
			 WHERE chat_id = ? AND user_id = ? AND version = ?`,
			string(raw), time.Now().Unix(), chatID, userID, version,
		)
		if err == nil {
			break
		}
		if isLocked(err) && attempt < saveBusyRetries {
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			continue
		}
		return fmt.Errorf("save messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save messages rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	// Distinguish a lost race from a missing or foreign chat.
	var one int
	err = d.sql.QueryRowContext(ctx,
		`SELECT 1 FROM chats WHERE chat_id = ? AND user_id = ?`, chatID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrChatNotFound
	}
	if err != nil {
		return fmt.Errorf("check chat existence: %w", err)
	}
	return ErrVersionConflict
}
