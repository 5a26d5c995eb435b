package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rcliao/character-memory/internal/model"
)

// PutCharacter registers or replaces a character persona.
func (s *SQLiteStore) PutCharacter(ctx context.Context, c model.Character, now time.Time) (*model.Character, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("character name is required")
	}
	c.UpdatedAt = parseTime(formatTime(now))
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO characters (name, universe_id, persona, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET universe_id = excluded.universe_id,
		   persona = excluded.persona, updated_at = excluded.updated_at`,
		c.Name, c.UniverseID, c.Persona, formatTime(c.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("put character: %w", err)
	}
	return &c, nil
}

// GetCharacter looks up a character by name.
func (s *SQLiteStore) GetCharacter(ctx context.Context, name string) (*model.Character, error) {
	var c model.Character
	var updated string
	err := s.rdb.QueryRowContext(ctx,
		`SELECT name, universe_id, persona, updated_at FROM characters WHERE name = ?`, name).
		Scan(&c.Name, &c.UniverseID, &c.Persona, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("character %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

// ListCharacters returns every registered character by name.
func (s *SQLiteStore) ListCharacters(ctx context.Context) ([]model.Character, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, universe_id, persona, updated_at FROM characters ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Character
	for rows.Next() {
		var c model.Character
		var updated string
		if err := rows.Scan(&c.Name, &c.UniverseID, &c.Persona, &updated); err != nil {
			return nil, err
		}
		c.UpdatedAt = parseTime(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetSettings returns a user's settings. Unknown users get the defaults,
// which keep cross-character sharing off.
func (s *SQLiteStore) GetSettings(ctx context.Context, userID string) (*model.UserSettings, error) {
	st := &model.UserSettings{UserID: userID}
	var cross int
	err := s.rdb.QueryRowContext(ctx,
		`SELECT cross_character FROM user_settings WHERE user_id = ?`, userID).Scan(&cross)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	st.CrossCharacter = cross != 0
	return st, nil
}

// PutSettings stores a user's settings.
func (s *SQLiteStore) PutSettings(ctx context.Context, st model.UserSettings) error {
	cross := 0
	if st.CrossCharacter {
		cross = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_settings (user_id, cross_character) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET cross_character = excluded.cross_character`,
		st.UserID, cross)
	if err != nil {
		return fmt.Errorf("put settings: %w", err)
	}
	return nil
}
