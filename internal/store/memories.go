package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/character-memory/internal/model"
)

const memoryColumns = `id, user_id, character_name, universe_id, kind, content, content_hash, embedding_ref,
	importance, access_count, last_accessed_at, created_at, source_session_id, source_message_id`

func scanMemory(row scanner) (model.Memory, error) {
	var m model.Memory
	var kind, createdAt string
	var lastAccessed sql.NullString

	err := row.Scan(
		&m.ID, &m.UserID, &m.CharacterName, &m.UniverseID, &kind, &m.Content, &m.ContentHash,
		&m.EmbeddingRef, &m.Importance, &m.AccessCount, &lastAccessed, &createdAt,
		&m.SourceSessionID, &m.SourceMessageID,
	)
	if err != nil {
		return m, err
	}

	m.Kind = model.MemoryKind(kind)
	m.CreatedAt = parseTime(createdAt)
	if lastAccessed.Valid {
		t := parseTime(lastAccessed.String)
		m.LastAccessedAt = &t
	}
	return m, nil
}

func collectMemories(rows *sql.Rows) ([]model.Memory, error) {
	defer rows.Close()
	var memories []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// ListMemories returns memories for a user and character ordered by
// importance, newest first on ties. With UniverseID set, memories the user
// made with any character of that universe are included.
func (s *SQLiteStore) ListMemories(ctx context.Context, q MemoryQuery) ([]model.Memory, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where := []string{"user_id = ?"}
	args := []interface{}{q.UserID}

	switch {
	case q.UniverseID != "" && q.CharacterName != "":
		where = append(where, "(character_name = ? OR universe_id = ?)")
		args = append(args, q.CharacterName, q.UniverseID)
	case q.CharacterName != "":
		where = append(where, "character_name = ?")
		args = append(args, q.CharacterName)
	case q.UniverseID != "":
		where = append(where, "universe_id = ?")
		args = append(args, q.UniverseID)
	}
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(q.Kind))
	}

	query := fmt.Sprintf(`SELECT %s FROM memories WHERE %s
		ORDER BY importance DESC, created_at DESC, id ASC LIMIT ?`,
		memoryColumns, strings.Join(where, " AND "))
	args = append(args, limit)

	rows, err := s.rdb.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectMemories(rows)
}

// GetMemories loads memories by id. Missing ids are skipped.
func (s *SQLiteStore) GetMemories(ctx context.Context, ids []string) ([]model.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.rdb.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM memories WHERE id IN (%s) ORDER BY created_at DESC, id ASC`,
			memoryColumns, placeholders), args...)
	if err != nil {
		return nil, err
	}
	return collectMemories(rows)
}

// TouchMemories records a read of each memory: access_count and
// last_accessed_at change, importance never does.
func (s *SQLiteStore) TouchMemories(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	ts := formatTime(at)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
				ts, id); err != nil {
				return fmt.Errorf("touch memory %s: %w", id, err)
			}
		}
		return nil
	})
}

// SetImportance re-scores a memory explicitly.
func (s *SQLiteStore) SetImportance(ctx context.Context, id string, importance float64) error {
	if importance < 0 || importance > 1 {
		return fmt.Errorf("importance %v out of range [0,1]", importance)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET importance = ? WHERE id = ?`, importance, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetEmbeddingRef records where a memory's vector lives in the semantic index.
func (s *SQLiteStore) SetEmbeddingRef(ctx context.Context, id, ref string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE memories SET embedding_ref = ? WHERE id = ?`, ref, id)
	return err
}

// PurgeMemories deletes a user's memories, optionally only those made with
// one character. It is the only path that removes memories. Returns the
// deleted ids so the semantic index can be cleaned up.
func (s *SQLiteStore) PurgeMemories(ctx context.Context, userID, characterName string) ([]string, error) {
	where := "user_id = ?"
	args := []interface{}{userID}
	if characterName != "" {
		where += " AND character_name = ?"
		args = append(args, characterName)
	}

	var ids []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM memories WHERE `+where, args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()

		_, err = tx.ExecContext(ctx, `DELETE FROM memories WHERE `+where, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("purge memories: %w", err)
	}
	return ids, nil
}

// CountMemories returns how many memories a user holds with a character.
func (s *SQLiteStore) CountMemories(ctx context.Context, userID, characterName string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE user_id = ? AND character_name = ?`,
		userID, characterName).Scan(&n)
	return n, err
}

// UnindexedMemories returns memories with no vector in the semantic index,
// oldest first.
func (s *SQLiteStore) UnindexedMemories(ctx context.Context, limit int) ([]model.Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM memories WHERE embedding_ref = '' ORDER BY created_at ASC, id ASC LIMIT ?`,
			memoryColumns), limit)
	if err != nil {
		return nil, err
	}
	return collectMemories(rows)
}
