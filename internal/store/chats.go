// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jeranaias/alpaca-core/internal/util"
)

// DefaultChatName is assigned to chats created without a name.
const DefaultChatName = "New Chat"

// =============================================================================
// CHATS
// =============================================================================

// CreateChat inserts a new chat in folderID (empty for root). An empty name
// becomes DefaultChatName; a name already used in the same folder is
// numbered ("Report" -> "Report 2").
func (s *Store) CreateChat(ctx context.Context, name, folderID string) (*Chat, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultChatName
	}
	chat := &Chat{ID: NewID(), FolderID: folderID}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if folderID != "" {
			ok, err := exists(ctx, tx, "folder", folderID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: folder %s", ErrInvalidReference, folderID)
			}
		}
		taken, err := chatNamesIn(ctx, tx, folderID)
		if err != nil {
			return err
		}
		chat.Name = util.NumberedName(name, taken)
		_, err = tx.ExecContext(ctx,
			"INSERT INTO chat (id, name, folder_id, is_template) VALUES (?, ?, ?, 0)",
			chat.ID, chat.Name, nullable(folderID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	return chat, nil
}

// UpsertChat writes chat as given, inserting it when the id is new.
func (s *Store) UpsertChat(ctx context.Context, chat *Chat) error {
	if chat.ID == "" {
		chat.ID = NewID()
	}
	if strings.TrimSpace(chat.Name) == "" {
		chat.Name = DefaultChatName
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if chat.FolderID != "" {
			ok, err := exists(ctx, tx, "folder", chat.FolderID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: folder %s", ErrInvalidReference, chat.FolderID)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chat (id, name, folder_id, is_template) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name,
				folder_id = excluded.folder_id, is_template = excluded.is_template`,
			chat.ID, chat.Name, nullable(chat.FolderID), boolInt(chat.IsTemplate))
		return err
	})
}

// RenameChat sets a chat's name. Renaming to the current name is a no-op.
func (s *Store) RenameChat(ctx context.Context, chatID, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE chat SET name = ? WHERE id = ?", name, chatID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
		}
		return nil
	})
}

// MoveChat places a chat in folderID (empty for root).
func (s *Store) MoveChat(ctx context.Context, chatID, folderID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if folderID != "" {
			ok, err := exists(ctx, tx, "folder", folderID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: folder %s", ErrInvalidReference, folderID)
			}
		}
		res, err := tx.ExecContext(ctx, "UPDATE chat SET folder_id = ? WHERE id = ?", nullable(folderID), chatID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
		}
		return nil
	})
}

// GetChat returns one chat.
func (s *Store) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	row := s.db.QueryRowContext(ctx, chatSelect+" WHERE c.id = ? GROUP BY c.id", chatID)
	chat, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
	}
	return chat, err
}

// GetChatsByFolder lists the chats directly inside folderID (empty for
// root), most recently active first. Chats without messages sort last.
func (s *Store) GetChatsByFolder(ctx context.Context, folderID string) ([]Chat, error) {
	query := chatSelect + " WHERE c.folder_id IS NULL GROUP BY c.id" + chatOrder
	args := []any{}
	if folderID != "" {
		query = chatSelect + " WHERE c.folder_id = ? GROUP BY c.id" + chatOrder
		args = append(args, folderID)
	}
	return s.queryChats(ctx, query, args...)
}

// GetAllChats lists every chat regardless of folder.
func (s *Store) GetAllChats(ctx context.Context) ([]Chat, error) {
	return s.queryChats(ctx, chatSelect+" GROUP BY c.id"+chatOrder)
}

const chatSelect = `
	SELECT c.id, c.name, COALESCE(c.folder_id, ''), c.is_template, COALESCE(MAX(m.date_time), '')
	FROM chat c LEFT JOIN message m ON m.chat_id = c.id`

const chatOrder = ` ORDER BY MAX(m.date_time) IS NULL, MAX(m.date_time) DESC, c.name`

func (s *Store) queryChats(ctx context.Context, query string, args ...any) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *chat)
	}
	return chats, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChat(sc scanner) (*Chat, error) {
	var (
		chat     Chat
		template int
		last     string
	)
	if err := sc.Scan(&chat.ID, &chat.Name, &chat.FolderID, &template, &last); err != nil {
		return nil, err
	}
	chat.IsTemplate = template != 0
	if last != "" {
		chat.LastActivity = ParseTime(last)
	}
	return &chat, nil
}

func chatNamesIn(ctx context.Context, q querier, folderID string) ([]string, error) {
	query := "SELECT name FROM chat WHERE folder_id IS NULL"
	args := []any{}
	if folderID != "" {
		query = "SELECT name FROM chat WHERE folder_id = ?"
		args = append(args, folderID)
	}
	return queryStrings(ctx, q, query, args...)
}

func queryStrings(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// DeleteChat removes a chat with its messages and their attachments.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Rows written before foreign keys existed have no cascade, so
		// children are removed explicitly.
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM attachment WHERE message_id IN (SELECT id FROM message WHERE chat_id = ?)", chatID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM message WHERE chat_id = ?", chatID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM chat WHERE id = ?", chatID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
		}
		return nil
	})
}

// DuplicateChat deep-copies a chat into the same folder with fresh ids for
// the chat, its messages and their attachments. The copy's name is
// numbered against its siblings.
func (s *Store) DuplicateChat(ctx context.Context, chatID string) (*Chat, error) {
	var dup *Chat
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			name     string
			folderID string
			template int
		)
		err := tx.QueryRowContext(ctx,
			"SELECT name, COALESCE(folder_id, ''), is_template FROM chat WHERE id = ?", chatID).
			Scan(&name, &folderID, &template)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
		}
		if err != nil {
			return err
		}

		taken, err := chatNamesIn(ctx, tx, folderID)
		if err != nil {
			return err
		}
		dup = &Chat{ID: NewID(), Name: util.NumberedName(name, taken), FolderID: folderID, IsTemplate: template != 0}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chat (id, name, folder_id, is_template) VALUES (?, ?, ?, ?)",
			dup.ID, dup.Name, nullable(folderID), template); err != nil {
			return err
		}

		messages, err := messagesOf(ctx, tx, chatID)
		if err != nil {
			return err
		}
		for _, m := range messages {
			newID := NewID()
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO message (id, chat_id, role, model, date_time, content) VALUES (?, ?, ?, ?, ?, ?)",
				newID, dup.ID, string(m.Role), nullable(m.Model), FormatTime(m.Timestamp), m.Content); err != nil {
				return err
			}
			attachments, err := attachmentsOf(ctx, tx, m.ID)
			if err != nil {
				return err
			}
			for _, a := range attachments {
				if _, err := tx.ExecContext(ctx,
					"INSERT INTO attachment (id, message_id, type, name, content) VALUES (?, ?, ?, ?, ?)",
					NewID(), newID, string(a.Kind), a.Name, a.Content); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("duplicate chat: %w", err)
	}
	return dup, nil
}

// CountChats returns the number of chats.
func (s *Store) CountChats(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chat").Scan(&n)
	return n, err
}

// =============================================================================
// FOLDERS
// =============================================================================

// UpsertFolder inserts or updates a folder. A parent change goes through
// the same cycle check as MoveFolder.
func (s *Store) UpsertFolder(ctx context.Context, f *Folder) error {
	if f.ID == "" {
		f.ID = NewID()
	}
	if f.Color == "" {
		f.Color = ColorBlue
	}
	if !f.Color.Valid() {
		return fmt.Errorf("%w: folder color %q", ErrInvalidInput, f.Color)
	}
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("%w: folder name is empty", ErrInvalidInput)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if f.ParentID != "" {
			if err := checkFolderMove(ctx, tx, f.ID, f.ParentID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO folder (id, name, color, parent_id) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name,
				color = excluded.color, parent_id = excluded.parent_id`,
			f.ID, f.Name, string(f.Color), nullable(f.ParentID))
		return err
	})
}

// GetFolder returns one folder.
func (s *Store) GetFolder(ctx context.Context, id string) (*Folder, error) {
	var f Folder
	var color string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, color, COALESCE(parent_id, '') FROM folder WHERE id = ?", id).
		Scan(&f.ID, &f.Name, &color, &f.ParentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: folder %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	f.Color = FolderColor(color)
	return &f, nil
}

// GetFolders lists the folders directly under parentID (empty for root),
// sorted by name.
func (s *Store) GetFolders(ctx context.Context, parentID string) ([]Folder, error) {
	query := "SELECT id, name, color, COALESCE(parent_id, '') FROM folder WHERE parent_id IS NULL ORDER BY name"
	args := []any{}
	if parentID != "" {
		query = "SELECT id, name, color, COALESCE(parent_id, '') FROM folder WHERE parent_id = ? ORDER BY name"
		args = append(args, parentID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query folders: %w", err)
	}
	defer rows.Close()

	var folders []Folder
	for rows.Next() {
		var f Folder
		var color string
		if err := rows.Scan(&f.ID, &f.Name, &color, &f.ParentID); err != nil {
			return nil, err
		}
		f.Color = FolderColor(color)
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// MoveFolderToFolder re-parents childID under newParentID (empty for root).
// Moves that would make a folder its own ancestor fail with ErrFolderCycle.
func (s *Store) MoveFolderToFolder(ctx context.Context, childID, newParentID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, "folder", childID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: folder %s", ErrNotFound, childID)
		}
		if newParentID != "" {
			if err := checkFolderMove(ctx, tx, childID, newParentID); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, "UPDATE folder SET parent_id = ? WHERE id = ?", nullable(newParentID), childID)
		return err
	})
}

// checkFolderMove walks up from parentID; reaching childID means a cycle.
func checkFolderMove(ctx context.Context, q querier, childID, parentID string) error {
	seen := map[string]bool{}
	cur := parentID
	for cur != "" {
		if cur == childID {
			return ErrFolderCycle
		}
		if seen[cur] {
			// A cycle already on disk; refuse to extend it.
			return ErrFolderCycle
		}
		seen[cur] = true

		var next sql.NullString
		err := q.QueryRowContext(ctx, "SELECT parent_id FROM folder WHERE id = ?", cur).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: folder %s", ErrInvalidReference, cur)
		}
		if err != nil {
			return err
		}
		cur = next.String
	}
	return nil
}

// DeleteFolder removes a folder, its descendant folders and every chat in
// them.
func (s *Store) DeleteFolder(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM folder WHERE id = ?", id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: folder %s", ErrNotFound, id)
		}
		return nil
	})
}
