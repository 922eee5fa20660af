// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// MESSAGES
// =============================================================================

// UpsertMessage inserts m or overwrites the message with the same id. The
// owning chat must exist. A zero Timestamp is stamped with the current time.
func (s *Store) UpsertMessage(ctx context.Context, m *Message) error {
	if !m.Role.Valid() {
		return fmt.Errorf("%w: role %q", ErrInvalidInput, m.Role)
	}
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, "chat", m.ChatID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: chat %s", ErrInvalidReference, m.ChatID)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO message (id, chat_id, role, model, date_time, content) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET chat_id = excluded.chat_id, role = excluded.role,
				model = excluded.model, date_time = excluded.date_time, content = excluded.content`,
			m.ID, m.ChatID, string(m.Role), nullable(m.Model), FormatTime(m.Timestamp), m.Content)
		return err
	})
}

// DeleteMessage removes a message and its attachments.
func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM attachment WHERE message_id = ?", messageID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM message WHERE id = ?", messageID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
		}
		return nil
	})
}

// GetMessage returns one message without its attachments.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, messageSelect+" WHERE id = ?", messageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	return m, err
}

// GetMessages lists a chat's messages oldest first, without attachments.
func (s *Store) GetMessages(ctx context.Context, chatID string) ([]Message, error) {
	return messagesOf(ctx, s.db, chatID)
}

// LoadTranscript returns a chat with every message and attachment in
// conversation order.
func (s *Store) LoadTranscript(ctx context.Context, chatID string) (*Transcript, error) {
	chat, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	messages, err := messagesOf(ctx, s.db, chatID)
	if err != nil {
		return nil, err
	}

	byMessage, err := s.attachmentsForChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	for i := range messages {
		messages[i].Attachments = byMessage[messages[i].ID]
	}
	return &Transcript{Chat: *chat, Messages: messages}, nil
}

// CountMessages returns the number of messages in a chat.
func (s *Store) CountMessages(ctx context.Context, chatID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM message WHERE chat_id = ?", chatID).Scan(&n)
	return n, err
}

// SearchResult is a message matching a SearchMessages query.
type SearchResult struct {
	ChatID    string
	ChatName  string
	MessageID string
	Snippet   string
}

// SearchMessages finds messages whose content contains query, case
// insensitively, newest first.
func (s *Store) SearchMessages(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, m.id, m.content
		FROM message m JOIN chat c ON c.id = m.chat_id
		WHERE m.content LIKE ? ESCAPE '\'
		ORDER BY m.date_time DESC, m.rowid DESC
		LIMIT ?`, "%"+escapeLike(query)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		var content string
		if err := rows.Scan(&r.ChatID, &r.ChatName, &r.MessageID, &content); err != nil {
			return nil, err
		}
		r.Snippet = snippet(content, query, 40)
		out = append(out, r)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return r.Replace(s)
}

// snippet returns up to radius runes of context on each side of the first
// match of query in content.
func snippet(content, query string, radius int) string {
	runes := []rune(content)
	lower := []rune(strings.ToLower(content))
	q := []rune(strings.ToLower(query))
	at := -1
	for i := 0; i+len(q) <= len(lower); i++ {
		if string(lower[i:i+len(q)]) == string(q) {
			at = i
			break
		}
	}
	if at < 0 || len(lower) != len(runes) {
		at = 0
	}
	start := max(0, at-radius)
	end := min(len(runes), at+len(q)+radius)
	out := strings.Join(strings.Fields(string(runes[start:end])), " ")
	if start > 0 {
		out = "…" + out
	}
	if end < len(runes) {
		out += "…"
	}
	return out
}

const messageSelect = "SELECT id, chat_id, role, COALESCE(model, ''), date_time, content FROM message"

func messagesOf(ctx context.Context, q querier, chatID string) ([]Message, error) {
	rows, err := q.QueryContext(ctx, messageSelect+" WHERE chat_id = ? ORDER BY date_time, rowid", chatID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

func scanMessage(sc scanner) (*Message, error) {
	var m Message
	var role, stamp string
	if err := sc.Scan(&m.ID, &m.ChatID, &role, &m.Model, &stamp, &m.Content); err != nil {
		return nil, err
	}
	m.Role = Role(role)
	m.Timestamp = ParseTime(stamp)
	return &m, nil
}

// =============================================================================
// ATTACHMENTS
// =============================================================================

// InsertAttachment stores a new attachment on an existing message.
func (s *Store) InsertAttachment(ctx context.Context, a *Attachment) error {
	if !a.Kind.Valid() {
		return fmt.Errorf("%w: attachment kind %q", ErrInvalidInput, a.Kind)
	}
	if a.ID == "" {
		a.ID = NewID()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, "message", a.MessageID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: message %s", ErrInvalidReference, a.MessageID)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO attachment (id, message_id, type, name, content) VALUES (?, ?, ?, ?, ?)",
			a.ID, a.MessageID, string(a.Kind), a.Name, a.Content)
		return err
	})
}

// UpdateAttachment rewrites an attachment's name and content.
func (s *Store) UpdateAttachment(ctx context.Context, a *Attachment) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE attachment SET name = ?, content = ? WHERE id = ?", a.Name, a.Content, a.ID)
	if err != nil {
		return fmt.Errorf("update attachment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: attachment %s", ErrNotFound, a.ID)
	}
	return nil
}

// DeleteAttachment removes one attachment.
func (s *Store) DeleteAttachment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM attachment WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: attachment %s", ErrNotFound, id)
	}
	return nil
}

// GetAttachments lists a message's attachments in insertion order.
func (s *Store) GetAttachments(ctx context.Context, messageID string) ([]Attachment, error) {
	return attachmentsOf(ctx, s.db, messageID)
}

func attachmentsOf(ctx context.Context, q querier, messageID string) ([]Attachment, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, message_id, type, name, content FROM attachment WHERE message_id = ? ORDER BY rowid", messageID)
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()
	return scanAttachments(rows)
}

func (s *Store) attachmentsForChat(ctx context.Context, chatID string) (map[string][]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.message_id, a.type, a.name, a.content
		FROM attachment a JOIN message m ON m.id = a.message_id
		WHERE m.chat_id = ? ORDER BY a.rowid`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()

	list, err := scanAttachments(rows)
	if err != nil {
		return nil, err
	}
	byMessage := make(map[string][]Attachment)
	for _, a := range list {
		byMessage[a.MessageID] = append(byMessage[a.MessageID], a)
	}
	return byMessage, nil
}

func scanAttachments(rows *sql.Rows) ([]Attachment, error) {
	var out []Attachment
	for rows.Next() {
		var a Attachment
		var kind string
		if err := rows.Scan(&a.ID, &a.MessageID, &kind, &a.Name, &a.Content); err != nil {
			return nil, err
		}
		a.Kind = AttachmentKind(kind)
		out = append(out, a)
	}
	return out, rows.Err()
}
