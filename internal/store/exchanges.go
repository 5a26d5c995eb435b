package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rcliao/character-memory/internal/model"
)

const exchangeQuery = `SELECT e.id, e.session_id, e.user_id, e.character_name, e.user_message_id,
	e.assistant_message_id, COALESCE(um.content, ''), COALESCE(am.content, ''), e.status, e.attempts,
	e.last_error, e.created_at
	FROM exchanges e
	LEFT JOIN messages um ON um.id = e.user_message_id
	LEFT JOIN messages am ON am.id = e.assistant_message_id`

func scanExchange(row scanner) (model.Exchange, error) {
	var ex model.Exchange
	var status, created string
	err := row.Scan(&ex.ID, &ex.SessionID, &ex.UserID, &ex.CharacterName, &ex.UserMessageID,
		&ex.AssistantMessageID, &ex.UserMessage, &ex.AssistantMessage, &status, &ex.Attempts,
		&ex.LastError, &created)
	if err != nil {
		return ex, err
	}
	ex.Status = model.ExchangeStatus(status)
	ex.CreatedAt = parseTime(created)
	return ex, nil
}

// GetExchange loads an exchange with its message texts.
func (s *SQLiteStore) GetExchange(ctx context.Context, id string) (*model.Exchange, error) {
	ex, err := scanExchange(s.db.QueryRowContext(ctx, exchangeQuery+` WHERE e.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("exchange %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &ex, nil
}

// ListExchanges returns exchanges in a status, oldest first.
func (s *SQLiteStore) ListExchanges(ctx context.Context, status model.ExchangeStatus, limit int) ([]model.Exchange, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		exchangeQuery+` WHERE e.status = ? ORDER BY e.created_at ASC, e.id ASC LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Exchange
	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// MarkExchange records the processing outcome of an exchange.
func (s *SQLiteStore) MarkExchange(ctx context.Context, id string, status model.ExchangeStatus, attempts int, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE exchanges SET status = ?, attempts = ?, last_error = ? WHERE id = ?`,
		string(status), attempts, lastErr, id)
	if err != nil {
		return fmt.Errorf("mark exchange: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("exchange %s: %w", id, ErrNotFound)
	}
	return nil
}

// PersistExtraction writes every memory and entity derived from one exchange
// and marks the exchange done, all in one transaction. Memories already
// stored under the same (source_message_id, content_hash) are counted as
// duplicates and skipped, so replaying an exchange changes nothing.
func (s *SQLiteStore) PersistExtraction(ctx context.Context, w ExtractionWrite) (*PersistResult, error) {
	res := &PersistResult{}
	ts := formatTime(w.Now)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res.Inserted = res.Inserted[:0]
		res.Entities = res.Entities[:0]
		res.Duplicates = 0

		for _, nm := range w.Memories {
			if _, err := model.ParseKind(string(nm.Kind)); err != nil {
				return err
			}
			m := model.Memory{
				ID:              s.newID(),
				UserID:          w.UserID,
				CharacterName:   w.Character,
				UniverseID:      w.UniverseID,
				Kind:            nm.Kind,
				Content:         nm.Content,
				ContentHash:     nm.ContentHash,
				Importance:      nm.Importance,
				CreatedAt:       parseTime(ts),
				SourceSessionID: w.SessionID,
				SourceMessageID: w.MessageID,
			}
			r, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO memories (id, user_id, character_name, universe_id, kind, content, content_hash,
				                                 importance, created_at, source_session_id, source_message_id)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				m.ID, m.UserID, m.CharacterName, m.UniverseID, string(m.Kind), m.Content, m.ContentHash,
				m.Importance, ts, m.SourceSessionID, m.SourceMessageID)
			if err != nil {
				return fmt.Errorf("insert memory: %w", err)
			}
			if n, _ := r.RowsAffected(); n == 0 {
				res.Duplicates++
				continue
			}
			res.Inserted = append(res.Inserted, m)
		}

		key := entityKey{userID: w.UserID, characterName: w.Character}
		for _, u := range w.Entities {
			e, err := s.upsertEntity(ctx, tx, key, u, w.SessionID, w.MessageID, w.Now)
			if err != nil {
				return err
			}
			res.Entities = append(res.Entities, e)
		}

		if w.ExchangeID != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE exchanges SET status = 'done', last_error = '' WHERE id = ?`, w.ExchangeID); err != nil {
				return fmt.Errorf("mark exchange done: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist extraction: %w", err)
	}
	return res, nil
}

// CountExchanges returns how many of a session's exchanges are in status.
func (s *SQLiteStore) CountExchanges(ctx context.Context, sessionID string, status model.ExchangeStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM exchanges WHERE session_id = ? AND status = ?`, sessionID, string(status)).Scan(&n)
	return n, err
}
