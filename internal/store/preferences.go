// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Preference keys shared across packages.
const (
	PrefSelectedInstance = "selected_instance"
	PrefDefaultChat      = "default_chat"
)

// PrefType tags the scalar type of a stored preference.
type PrefType string

const (
	PrefInt   PrefType = "int"
	PrefFloat PrefType = "float"
	PrefBool  PrefType = "bool"
	PrefText  PrefType = "text"
)

// =============================================================================
// KEY/VALUE PREFERENCES
// =============================================================================

// SetPreference stores value under key with a type tag derived from its Go
// type. Supported types are int, int64, float64, bool and string.
func (s *Store) SetPreference(ctx context.Context, key string, value any) error {
	var (
		text string
		tag  PrefType
	)
	switch v := value.(type) {
	case int:
		text, tag = strconv.Itoa(v), PrefInt
	case int64:
		text, tag = strconv.FormatInt(v, 10), PrefInt
	case float64:
		text, tag = strconv.FormatFloat(v, 'g', -1, 64), PrefFloat
	case bool:
		text, tag = "0", PrefBool
		if v {
			text = "1"
		}
	case string:
		text, tag = v, PrefText
	default:
		return fmt.Errorf("%w: preference %s has unsupported type %T", ErrInvalidInput, key, value)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preferences (id, value, type) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET value = excluded.value, type = excluded.type`,
		key, text, string(tag))
	if err != nil {
		return fmt.Errorf("set preference %s: %w", key, err)
	}
	return nil
}

// GetPreference returns the typed value under key, or fallback when the key
// is absent. Values are decoded to int64, float64, bool or string.
func (s *Store) GetPreference(ctx context.Context, key string, fallback any) (any, error) {
	var text, tag sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT value, type FROM preferences WHERE id = ?", key).Scan(&text, &tag)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preference %s: %w", key, err)
	}
	v, err := decodePreference(text.String, normalizePrefType(tag.String))
	if err != nil {
		return nil, fmt.Errorf("%w: preference %s: %v", ErrInvalidInput, key, err)
	}
	return v, nil
}

// GetPreferenceString is GetPreference for text values; a stored value of
// another type is rendered with fmt.
func (s *Store) GetPreferenceString(ctx context.Context, key, fallback string) (string, error) {
	v, err := s.GetPreference(ctx, key, fallback)
	if err != nil {
		return fallback, err
	}
	if str, ok := v.(string); ok {
		return str, nil
	}
	return fmt.Sprint(v), nil
}

// DeletePreference removes key.
func (s *Store) DeletePreference(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM preferences WHERE id = ?", key)
	return err
}

// normalizePrefType maps legacy type tags ("<class 'int'>") to PrefType.
func normalizePrefType(tag string) PrefType {
	tag = strings.TrimSpace(tag)
	if strings.HasPrefix(tag, "<class '") {
		tag = strings.TrimSuffix(strings.TrimPrefix(tag, "<class '"), "'>")
	}
	switch tag {
	case "int":
		return PrefInt
	case "float":
		return PrefFloat
	case "bool":
		return PrefBool
	}
	return PrefText
}

func decodePreference(text string, tag PrefType) (any, error) {
	switch tag {
	case PrefInt:
		return strconv.ParseInt(text, 10, 64)
	case PrefFloat:
		return strconv.ParseFloat(text, 64)
	case PrefBool:
		switch strings.ToLower(text) {
		case "1", "true":
			return true, nil
		case "0", "false", "":
			return false, nil
		}
		return nil, fmt.Errorf("bad bool %q", text)
	}
	return text, nil
}

// =============================================================================
// MODEL PREFERENCES
// =============================================================================

// GetModelPreferences returns the preferences of a model; a model without
// a row yields an empty value.
func (s *Store) GetModelPreferences(ctx context.Context, modelID string) (*ModelPreferences, error) {
	var picture, voice, card sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT picture, voice, character_card FROM model WHERE id = ?", modelID).
		Scan(&picture, &voice, &card)
	if errors.Is(err, sql.ErrNoRows) {
		return &ModelPreferences{ModelID: modelID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get model preferences: %w", err)
	}
	prefs := &ModelPreferences{ModelID: modelID, Picture: picture.String, Voice: voice.String}
	if card.Valid && card.String != "" {
		prefs.CharacterCard = json.RawMessage(card.String)
	}
	return prefs, nil
}

// SetModelPreferences writes a model's preferences.
func (s *Store) SetModelPreferences(ctx context.Context, p *ModelPreferences) error {
	var card any
	if len(p.CharacterCard) > 0 {
		if !json.Valid(p.CharacterCard) {
			return fmt.Errorf("%w: character card is not JSON", ErrInvalidInput)
		}
		card = string(p.CharacterCard)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model (id, picture, voice, character_card) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET picture = excluded.picture,
			voice = excluded.voice, character_card = excluded.character_card`,
		p.ModelID, nullable(p.Picture), nullable(p.Voice), card)
	if err != nil {
		return fmt.Errorf("set model preferences: %w", err)
	}
	return nil
}

// DeleteModelPreferences removes a model's row, picture included.
func (s *Store) DeleteModelPreferences(ctx context.Context, modelID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM model WHERE id = ?", modelID)
	return err
}

// =============================================================================
// TOOL PARAMETERS
// =============================================================================

// GetToolParameters returns every persisted tool configuration keyed by
// tool name.
func (s *Store) GetToolParameters(ctx context.Context) (map[string]ToolParameters, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, variables, activated FROM tool_parameters")
	if err != nil {
		return nil, fmt.Errorf("query tool parameters: %w", err)
	}
	defer rows.Close()

	out := make(map[string]ToolParameters)
	for rows.Next() {
		var (
			p         ToolParameters
			vars      string
			activated int
		)
		if err := rows.Scan(&p.Name, &vars, &activated); err != nil {
			return nil, err
		}
		p.Activated = activated != 0
		p.Variables = map[string]any{}
		if vars != "" {
			if err := json.Unmarshal([]byte(vars), &p.Variables); err != nil {
				s.log.Warnw("tool has unreadable variables", "tool", p.Name, "error", err)
			}
		}
		out[p.Name] = p
	}
	return out, rows.Err()
}

// SetToolParameters stores a tool's variables and enable flag.
func (s *Store) SetToolParameters(ctx context.Context, name string, vars map[string]any, activated bool) error {
	if vars == nil {
		vars = map[string]any{}
	}
	data, err := json.Marshal(vars)
	if err != nil {
		return fmt.Errorf("encode tool variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_parameters (name, variables, activated) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET variables = excluded.variables, activated = excluded.activated`,
		name, string(data), boolInt(activated))
	if err != nil {
		return fmt.Errorf("set tool parameters: %w", err)
	}
	return nil
}
