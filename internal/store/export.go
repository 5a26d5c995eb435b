package store

import (
	"context"
	"fmt"

	"github.com/rcliao/character-memory/internal/model"
)

// Export is everything stored about one user.
type Export struct {
	UserID   string          `json:"user_id"`
	Memories []model.Memory  `json:"memories"`
	Entities []model.Entity  `json:"entities"`
	Sessions []model.Session `json:"sessions"`
	Episodes []model.Episode `json:"episodes"`
}

// ExportUser returns all of a user's records, optionally for one character.
func (s *SQLiteStore) ExportUser(ctx context.Context, userID, characterName string) (*Export, error) {
	out := &Export{UserID: userID}

	where := "user_id = ?"
	args := []interface{}{userID}
	if characterName != "" {
		where += " AND character_name = ?"
		args = append(args, characterName)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("export memories: %w", err)
	}
	if out.Memories, err = collectMemories(rows); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE `+where+` ORDER BY entity_type, name`, args...)
	if err != nil {
		return nil, fmt.Errorf("export entities: %w", err)
	}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out.Entities = append(out.Entities, e)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE `+where+` ORDER BY started_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("export sessions: %w", err)
	}
	if out.Sessions, err = collectSessions(rows); err != nil {
		return nil, err
	}
	for i := range out.Sessions {
		msgs, err := s.Messages(ctx, out.Sessions[i].ID)
		if err != nil {
			return nil, err
		}
		out.Sessions[i].Messages = msgs
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT session_id, user_id, character_name, summary, message_count, started_at, ended_at
		 FROM episodes WHERE `+where+` ORDER BY ended_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("export episodes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out.Episodes = append(out.Episodes, ep)
	}
	return out, rows.Err()
}
