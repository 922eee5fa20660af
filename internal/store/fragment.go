// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/jeranaias/alpaca-core/internal/util"
)

// fragmentSchema is the layout of an exported chat file. It has no folder
// table; imported chats land at the root.
const fragmentSchema = `
CREATE TABLE chat (
	id          TEXT NOT NULL PRIMARY KEY,
	name        TEXT NOT NULL,
	folder_id   TEXT,
	is_template INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE message (
	id        TEXT NOT NULL PRIMARY KEY,
	chat_id   TEXT NOT NULL REFERENCES chat(id),
	role      TEXT NOT NULL,
	model     TEXT,
	date_time TEXT NOT NULL,
	content   TEXT NOT NULL
);
CREATE TABLE attachment (
	id         TEXT NOT NULL PRIMARY KEY,
	message_id TEXT NOT NULL REFERENCES message(id),
	type       TEXT NOT NULL,
	name       TEXT NOT NULL,
	content    TEXT NOT NULL
);
`

// ExportChat writes a self-contained database file at path holding only
// the chat, its messages and their attachments. An existing file at path
// is replaced once the export is complete.
func (s *Store) ExportChat(ctx context.Context, chatID, path string) error {
	transcript, err := s.LoadTranscript(ctx, chatID)
	if err != nil {
		return err
	}

	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+uuid.NewString()[:8]+".tmp")
	if err := writeFragment(ctx, tmp, transcript); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("export chat: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("export chat: %w", err)
	}
	s.log.Infow("exported chat", "chat", chatID, "path", path, "messages", len(transcript.Messages))
	return nil
}

func writeFragment(ctx context.Context, path string, t *Transcript) error {
	db, err := openFragment(ctx, path)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fragmentSchema); err != nil {
		return fmt.Errorf("create fragment tables: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO chat (id, name, folder_id, is_template) VALUES (?, ?, NULL, ?)",
		t.Chat.ID, t.Chat.Name, boolInt(t.Chat.IsTemplate)); err != nil {
		return err
	}
	for _, m := range t.Messages {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO message (id, chat_id, role, model, date_time, content) VALUES (?, ?, ?, ?, ?, ?)",
			m.ID, t.Chat.ID, string(m.Role), nullable(m.Model), FormatTime(m.Timestamp), m.Content); err != nil {
			return err
		}
		for _, a := range m.Attachments {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO attachment (id, message_id, type, name, content) VALUES (?, ?, ?, ?, ?)",
				a.ID, m.ID, string(a.Kind), a.Name, a.Content); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// openFragment opens a fragment file in rollback-journal mode so the
// export is a single file.
func openFragment(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open fragment: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, p := range []string{"PRAGMA journal_mode=DELETE", "PRAGMA foreign_keys=ON"} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return db, nil
}

// ImportChats reads every chat in an exported file into the store. Ids
// that already exist are regenerated and names that collide with existing
// chats are numbered. Imported chats are placed at the root.
func (s *Store) ImportChats(ctx context.Context, path string) ([]Chat, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("import chats: %w", err)
	}
	transcripts, err := readFragment(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("import chats: %w", err)
	}

	var imported []Chat
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		taken, err := queryStrings(ctx, tx, "SELECT name FROM chat")
		if err != nil {
			return err
		}
		for _, t := range transcripts {
			chat := t.Chat
			if chat.ID, err = freshID(ctx, tx, "chat", chat.ID); err != nil {
				return err
			}
			chat.Name = util.NumberedName(chat.Name, taken)
			chat.FolderID = ""
			taken = append(taken, chat.Name)

			if _, err := tx.ExecContext(ctx,
				"INSERT INTO chat (id, name, folder_id, is_template) VALUES (?, ?, NULL, ?)",
				chat.ID, chat.Name, boolInt(chat.IsTemplate)); err != nil {
				return err
			}
			for _, m := range t.Messages {
				msgID, err := freshID(ctx, tx, "message", m.ID)
				if err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx,
					"INSERT INTO message (id, chat_id, role, model, date_time, content) VALUES (?, ?, ?, ?, ?, ?)",
					msgID, chat.ID, string(m.Role), nullable(m.Model), FormatTime(m.Timestamp), m.Content); err != nil {
					return err
				}
				for _, a := range m.Attachments {
					attID, err := freshID(ctx, tx, "attachment", a.ID)
					if err != nil {
						return err
					}
					if _, err := tx.ExecContext(ctx,
						"INSERT INTO attachment (id, message_id, type, name, content) VALUES (?, ?, ?, ?, ?)",
						attID, msgID, string(a.Kind), a.Name, a.Content); err != nil {
						return err
					}
				}
			}
			imported = append(imported, chat)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("import chats: %w", err)
	}
	s.log.Infow("imported chats", "path", path, "count", len(imported))
	return imported, nil
}

// freshID returns id when it is unused in table, otherwise a new id.
func freshID(ctx context.Context, q querier, table, id string) (string, error) {
	if id == "" {
		return NewID(), nil
	}
	taken, err := exists(ctx, q, table, id)
	if err != nil {
		return "", err
	}
	if taken {
		return NewID(), nil
	}
	return id, nil
}

func readFragment(ctx context.Context, path string) ([]Transcript, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	ok, err := tableExists(ctx, db, "chat")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("file has no chat table")
	}
	hasTemplate := false
	if cols, err := columnNames(ctx, db, "chat"); err == nil {
		hasTemplate = cols["is_template"]
	}
	chatQuery := "SELECT id, name, 0 FROM chat ORDER BY rowid"
	if hasTemplate {
		chatQuery = "SELECT id, name, is_template FROM chat ORDER BY rowid"
	}
	rows, err := db.QueryContext(ctx, chatQuery)
	if err != nil {
		return nil, err
	}
	var transcripts []Transcript
	for rows.Next() {
		var t Transcript
		var template int
		if err := rows.Scan(&t.Chat.ID, &t.Chat.Name, &template); err != nil {
			rows.Close()
			return nil, err
		}
		t.Chat.IsTemplate = template != 0
		transcripts = append(transcripts, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hasAttachments, err := tableExists(ctx, db, "attachment")
	if err != nil {
		return nil, err
	}
	for i := range transcripts {
		messages, err := messagesOf(ctx, db, transcripts[i].Chat.ID)
		if err != nil {
			return nil, err
		}
		if hasAttachments {
			for j := range messages {
				if messages[j].Attachments, err = attachmentsOf(ctx, db, messages[j].ID); err != nil {
					return nil, err
				}
			}
		}
		transcripts[i].Messages = messages
	}
	return transcripts, nil
}
