// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Schema is the current database layout. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS folder (
	id        TEXT NOT NULL PRIMARY KEY,
	name      TEXT NOT NULL,
	color     TEXT NOT NULL DEFAULT 'blue',
	parent_id TEXT REFERENCES folder(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS chat (
	id          TEXT NOT NULL PRIMARY KEY,
	name        TEXT NOT NULL,
	folder_id   TEXT REFERENCES folder(id) ON DELETE CASCADE,
	is_template INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS message (
	id        TEXT NOT NULL PRIMARY KEY,
	chat_id   TEXT NOT NULL REFERENCES chat(id) ON DELETE CASCADE,
	role      TEXT NOT NULL,
	model     TEXT,
	date_time TEXT NOT NULL,
	content   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS attachment (
	id         TEXT NOT NULL PRIMARY KEY,
	message_id TEXT NOT NULL REFERENCES message(id) ON DELETE CASCADE,
	type       TEXT NOT NULL,
	name       TEXT NOT NULL,
	content    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS instance (
	id              TEXT NOT NULL PRIMARY KEY,
	type            TEXT NOT NULL,
	pinned          INTEGER NOT NULL DEFAULT 0,
	properties_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS instance_models (
	instance_id TEXT NOT NULL REFERENCES instance(id) ON DELETE CASCADE,
	model_name  TEXT NOT NULL,
	PRIMARY KEY (instance_id, model_name)
);

CREATE TABLE IF NOT EXISTS model (
	id             TEXT NOT NULL PRIMARY KEY,
	picture        TEXT,
	voice          TEXT,
	character_card TEXT
);

CREATE TABLE IF NOT EXISTS preferences (
	id    TEXT NOT NULL PRIMARY KEY,
	value TEXT,
	type  TEXT
);

CREATE TABLE IF NOT EXISTS tool_parameters (
	name      TEXT NOT NULL PRIMARY KEY,
	variables TEXT NOT NULL DEFAULT '{}',
	activated INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_message_chat ON message(chat_id, date_time);
CREATE INDEX IF NOT EXISTS idx_attachment_message ON attachment(message_id);
CREATE INDEX IF NOT EXISTS idx_chat_folder ON chat(folder_id);
CREATE INDEX IF NOT EXISTS idx_folder_parent ON folder(parent_id);
`

// legacyDatabaseName is the file name used by early releases.
const legacyDatabaseName = "chats_test.db"

// obsoletePreferences are keys that no longer mean anything.
var obsoletePreferences = []string{
	"local_port", "remote_url", "remote_bearer_token", "run_remote",
	"idle_timer", "pre_chat_title", "model_directory", "keep_alive",
}

// relocateLegacyFile moves a database left under the legacy name into place
// when the current file does not exist yet.
func relocateLegacyFile(path string, log *zap.SugaredLogger) error {
	legacy := filepath.Join(filepath.Dir(path), legacyDatabaseName)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if _, err := os.Stat(legacy); err != nil {
		return nil
	}
	log.Infow("moving legacy database", "from", legacy, "to", path)
	if err := os.Rename(legacy, path); err != nil {
		return fmt.Errorf("move legacy database: %w", err)
	}
	return nil
}

// bootstrap creates missing tables and folds legacy tables and columns into
// the current layout. Running it twice is a no-op.
func (s *Store) bootstrap(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Columns added after the first release must exist before the
		// CREATE INDEX statements in Schema reference them.
		if ok, err := tableExists(ctx, tx, "chat"); err != nil {
			return err
		} else if ok {
			if err := addColumnIfMissing(ctx, tx, "chat", "folder_id", "TEXT REFERENCES folder(id) ON DELETE CASCADE"); err != nil {
				return err
			}
			if err := addColumnIfMissing(ctx, tx, "chat", "is_template", "INTEGER NOT NULL DEFAULT 0"); err != nil {
				return err
			}
		}
		if ok, err := tableExists(ctx, tx, "model"); err != nil {
			return err
		} else if ok {
			if err := addColumnIfMissing(ctx, tx, "model", "voice", "TEXT"); err != nil {
				return err
			}
			if err := addColumnIfMissing(ctx, tx, "model", "character_card", "TEXT"); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, Schema); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}

		if err := migrateLegacyInstances(ctx, tx, s.log); err != nil {
			return err
		}
		if err := migrateLegacyModelPreferences(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS overrides"); err != nil {
			return fmt.Errorf("drop overrides: %w", err)
		}
		for _, key := range obsoletePreferences {
			if _, err := tx.ExecContext(ctx, "DELETE FROM preferences WHERE id = ?", key); err != nil {
				return fmt.Errorf("delete obsolete preference %s: %w", key, err)
			}
		}
		return nil
	})
}

func tableExists(ctx context.Context, q querier, name string) (bool, error) {
	var n string
	err := q.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func columnNames(ctx context.Context, q querier, table string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func addColumnIfMissing(ctx context.Context, q querier, table, column, decl string) error {
	cols, err := columnNames(ctx, q, table)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if cols[column] {
		return nil
	}
	if _, err := q.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

// legacyInstanceColumns are the fixed columns of the old "instances" table.
var legacyInstanceColumns = []string{
	"id", "name", "type", "url", "max_tokens", "api", "temperature", "seed",
	"overrides", "model_directory", "default_model", "title_model", "pinned",
}

// migrateLegacyInstances copies rows from the column-per-property
// "instances" table into "instance" and drops the old table.
func migrateLegacyInstances(ctx context.Context, tx *sql.Tx, log *zap.SugaredLogger) error {
	ok, err := tableExists(ctx, tx, "instances")
	if err != nil || !ok {
		return err
	}
	cols, err := columnNames(ctx, tx, "instances")
	if err != nil {
		return err
	}
	var present []string
	for _, c := range legacyInstanceColumns {
		if cols[c] {
			present = append(present, c)
		}
	}
	if !cols["id"] || !cols["type"] {
		_, err := tx.ExecContext(ctx, "DROP TABLE instances")
		return err
	}

	query := "SELECT "
	for i, c := range present {
		if i > 0 {
			query += ", "
		}
		query += c
	}
	query += " FROM instances"

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("read legacy instances: %w", err)
	}
	type legacy struct {
		id, typ string
		pinned  bool
		props   map[string]any
	}
	var migrated []legacy
	for rows.Next() {
		values := make([]any, len(present))
		ptrs := make([]any, len(present))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			rows.Close()
			return err
		}
		l := legacy{props: map[string]any{}}
		for i, c := range present {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			switch c {
			case "id":
				l.id, _ = v.(string)
			case "type":
				l.typ, _ = v.(string)
			case "pinned":
				l.pinned = v == int64(1)
			case "overrides":
				var o map[string]any
				if str, ok := v.(string); ok && json.Unmarshal([]byte(str), &o) == nil {
					l.props["overrides"] = o
				}
			case "max_tokens":
				if n, ok := v.(int64); ok && n > 0 {
					l.props["max_tokens"] = n
				}
			default:
				if v != nil {
					l.props[c] = v
				}
			}
		}
		migrated = append(migrated, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, l := range migrated {
		data, err := json.Marshal(l.props)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO instance (id, type, pinned, properties_json) VALUES (?, ?, ?, ?)",
			l.id, l.typ, boolInt(l.pinned), string(data))
		if err != nil {
			return fmt.Errorf("migrate instance %s: %w", l.id, err)
		}
	}
	log.Infow("migrated legacy instances", "count", len(migrated))
	_, err = tx.ExecContext(ctx, "DROP TABLE instances")
	return err
}

// migrateLegacyModelPreferences folds "model_preferences" into "model".
func migrateLegacyModelPreferences(ctx context.Context, tx *sql.Tx) error {
	ok, err := tableExists(ctx, tx, "model_preferences")
	if err != nil || !ok {
		return err
	}
	cols, err := columnNames(ctx, tx, "model_preferences")
	if err != nil {
		return err
	}
	voice := "NULL"
	if cols["voice"] {
		voice = "voice"
	}
	picture := "NULL"
	if cols["picture"] {
		picture = "picture"
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT OR IGNORE INTO model (id, picture, voice) SELECT id, %s, %s FROM model_preferences`,
		picture, voice))
	if err != nil {
		return fmt.Errorf("migrate model preferences: %w", err)
	}
	_, err = tx.ExecContext(ctx, "DROP TABLE model_preferences")
	return err
}
