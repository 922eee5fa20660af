// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// apiKeyProperty is the instance property holding the provider credential.
const apiKeyProperty = "api"

// =============================================================================
// INSTANCES
// =============================================================================

// UpsertInstance writes an instance, encoding its properties as JSON. The
// "api" property is sealed when the store has a Sealer.
func (s *Store) UpsertInstance(ctx context.Context, rec *InstanceRecord) error {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.Type == "" {
		return fmt.Errorf("%w: instance type is empty", ErrInvalidInput)
	}
	props, err := s.sealProperties(rec.Properties)
	if err != nil {
		return err
	}
	data, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("encode instance properties: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO instance (id, type, pinned, properties_json) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET type = excluded.type,
				pinned = excluded.pinned, properties_json = excluded.properties_json`,
			rec.ID, rec.Type, boolInt(rec.Pinned), string(data))
		return err
	})
}

// GetInstance returns one instance with its credential opened.
func (s *Store) GetInstance(ctx context.Context, id string) (*InstanceRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, type, pinned, properties_json FROM instance WHERE id = ?", id)
	rec, err := s.scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: instance %s", ErrNotFound, id)
	}
	return rec, err
}

// GetInstances lists every instance, pinned ones first.
func (s *Store) GetInstances(ctx context.Context) ([]InstanceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, type, pinned, properties_json FROM instance ORDER BY pinned DESC, rowid")
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var out []InstanceRecord
	for rows.Next() {
		rec, err := s.scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// DeleteInstance removes an instance and its online model list.
func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM instance_models WHERE instance_id = ?", id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM instance WHERE id = ?", id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: instance %s", ErrNotFound, id)
		}
		return nil
	})
}

func (s *Store) scanInstance(sc scanner) (*InstanceRecord, error) {
	var (
		rec    InstanceRecord
		pinned int
		data   string
	)
	if err := sc.Scan(&rec.ID, &rec.Type, &pinned, &data); err != nil {
		return nil, err
	}
	rec.Pinned = pinned != 0
	rec.Properties = map[string]any{}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &rec.Properties); err != nil {
			s.log.Warnw("instance has unreadable properties", "instance", rec.ID, "error", err)
			rec.Properties = map[string]any{}
		}
	}
	if err := s.openProperties(rec.Properties); err != nil {
		s.log.Warnw("instance credential could not be opened", "instance", rec.ID, "error", err)
		delete(rec.Properties, apiKeyProperty)
	}
	return &rec, nil
}

// sealProperties returns a copy of props with the credential sealed.
func (s *Store) sealProperties(props map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	key, ok := out[apiKeyProperty].(string)
	if !ok || key == "" || s.sealer == nil {
		return out, nil
	}
	sealed, err := s.sealer.Seal(key)
	if err != nil {
		return nil, fmt.Errorf("seal api key: %w", err)
	}
	out[apiKeyProperty] = sealed
	return out, nil
}

func (s *Store) openProperties(props map[string]any) error {
	key, ok := props[apiKeyProperty].(string)
	if !ok || key == "" || s.sealer == nil {
		return nil
	}
	opened, err := s.sealer.Open(key)
	if err != nil {
		return err
	}
	props[apiKeyProperty] = opened
	return nil
}

// =============================================================================
// ONLINE MODEL LISTS
// =============================================================================

// GetOnlineModels returns the user-curated model list of an instance,
// sorted by name.
func (s *Store) GetOnlineModels(ctx context.Context, instanceID string) ([]string, error) {
	names, err := queryStrings(ctx, s.db,
		"SELECT model_name FROM instance_models WHERE instance_id = ?", instanceID)
	if err != nil {
		return nil, fmt.Errorf("query online models: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// AddOnlineModel adds name to an instance's list. Adding twice is a no-op.
func (s *Store) AddOnlineModel(ctx context.Context, instanceID, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, "instance", instanceID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: instance %s", ErrInvalidReference, instanceID)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO instance_models (instance_id, model_name) VALUES (?, ?)",
			instanceID, name)
		return err
	})
}

// RemoveOnlineModel removes name from an instance's list.
func (s *Store) RemoveOnlineModel(ctx context.Context, instanceID, name string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM instance_models WHERE instance_id = ? AND model_name = ?", instanceID, name)
	if err != nil {
		return fmt.Errorf("remove online model: %w", err)
	}
	return nil
}
