package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rcliao/character-memory/internal/model"
	"github.com/rcliao/character-memory/internal/tokens"
)

const sessionColumns = `id, user_id, character_name, state, started_at, ended_at, last_activity_at,
	message_count, working_memory, last_summarized_at, final_summary`

func scanSession(row scanner) (model.Session, error) {
	var ss model.Session
	var state, startedAt, lastActivity string
	var endedAt, finalSummary sql.NullString

	err := row.Scan(&ss.ID, &ss.UserID, &ss.CharacterName, &state, &startedAt, &endedAt,
		&lastActivity, &ss.MessageCount, &ss.WorkingMemory, &ss.LastSummarizedAt, &finalSummary)
	if err != nil {
		return ss, err
	}
	ss.State = model.SessionState(state)
	ss.StartedAt = parseTime(startedAt)
	ss.LastActivityAt = parseTime(lastActivity)
	if endedAt.Valid {
		t := parseTime(endedAt.String)
		ss.EndedAt = &t
	}
	if finalSummary.Valid {
		ss.FinalSummary = finalSummary.String
	}
	return ss, nil
}

func collectSessions(rows *sql.Rows) ([]model.Session, error) {
	defer rows.Close()
	var out []model.Session
	for rows.Next() {
		ss, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

// OpenSession returns the OPEN session for (user, character), creating one
// when none exists. The boolean reports whether a session was created.
func (s *SQLiteStore) OpenSession(ctx context.Context, userID, characterName string, now time.Time) (*model.Session, bool, error) {
	var ss model.Session
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions
			 WHERE user_id = ? AND character_name = ? AND state = 'open'`, userID, characterName)
		var err error
		ss, err = scanSession(row)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		ts := formatTime(now)
		ss = model.Session{
			ID:             s.newID(),
			UserID:         userID,
			CharacterName:  characterName,
			State:          model.SessionOpen,
			StartedAt:      parseTime(ts),
			LastActivityAt: parseTime(ts),
		}
		created = true
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (id, user_id, character_name, state, started_at, last_activity_at)
			 VALUES (?, ?, ?, 'open', ?, ?)`, ss.ID, userID, characterName, ts, ts)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("open session: %w", err)
	}
	return &ss, created, nil
}

// GetSession loads a session without its messages.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	ss, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &ss, nil
}

// LatestSession returns the most recently started session for (user,
// character) in one of the given states.
func (s *SQLiteStore) LatestSession(ctx context.Context, userID, characterName string, states ...model.SessionState) (*model.Session, error) {
	if len(states) == 0 {
		states = []model.SessionState{model.SessionOpen, model.SessionClosing, model.SessionClosed}
	}
	args := []interface{}{userID, characterName}
	in := ""
	for i, st := range states {
		if i > 0 {
			in += ","
		}
		in += "?"
		args = append(args, string(st))
	}
	ss, err := scanSession(s.rdb.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = ? AND character_name = ? AND state IN (`+in+`)
		 ORDER BY started_at DESC, id DESC LIMIT 1`, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ss, nil
}

// SessionsInState lists sessions in a state. With a non-zero idleBefore only
// sessions whose last activity is older are returned.
func (s *SQLiteStore) SessionsInState(ctx context.Context, state model.SessionState, idleBefore time.Time) ([]model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE state = ?`
	args := []interface{}{string(state)}
	if !idleBefore.IsZero() {
		query += ` AND last_activity_at < ?`
		args = append(args, formatTime(idleBefore))
	}
	query += ` ORDER BY last_activity_at ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// AppendExchange appends a user/assistant message pair to an OPEN session and
// records the exchange for background processing, in one transaction.
// Timestamps are forced strictly increasing within the session.
func (s *SQLiteStore) AppendExchange(ctx context.Context, p AppendParams) (*model.Exchange, error) {
	ex := &model.Exchange{
		ID:               s.newID(),
		SessionID:        p.SessionID,
		UserMessage:      p.UserMessage,
		AssistantMessage: p.AssistantMessage,
		Status:           model.ExchangePending,
	}
	userMsgID, asstMsgID := s.newID(), s.newID()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var state string
		err := tx.QueryRowContext(ctx,
			`SELECT state, user_id, character_name FROM sessions WHERE id = ?`, p.SessionID).
			Scan(&state, &ex.UserID, &ex.CharacterName)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %s: %w", p.SessionID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if model.SessionState(state) != model.SessionOpen {
			return fmt.Errorf("session %s is %s: %w", p.SessionID, state, ErrSessionNotOpen)
		}

		var lastSeq int
		var lastTS sql.NullString
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0), MAX(ts) FROM messages WHERE session_id = ?`, p.SessionID).
			Scan(&lastSeq, &lastTS); err != nil {
			return err
		}

		ts := p.Now.UTC()
		if lastTS.Valid {
			if prev := parseTime(lastTS.String); !ts.After(prev) {
				ts = prev.Add(time.Nanosecond)
			}
		}
		msgs := []model.Message{
			{ID: userMsgID, Seq: lastSeq + 1, Role: model.RoleUser, Content: p.UserMessage, Timestamp: ts},
			{ID: asstMsgID, Seq: lastSeq + 2, Role: model.RoleAssistant, Content: p.AssistantMessage, Timestamp: ts.Add(time.Nanosecond)},
		}
		for _, m := range msgs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO messages (id, session_id, seq, role, content, ts, token_count)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				m.ID, p.SessionID, m.Seq, string(m.Role), m.Content, formatTime(m.Timestamp),
				tokens.Count(m.Content)); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET message_count = message_count + 2, last_activity_at = ? WHERE id = ?`,
			formatTime(msgs[1].Timestamp), p.SessionID); err != nil {
			return err
		}

		ex.UserMessageID = userMsgID
		ex.AssistantMessageID = asstMsgID
		ex.CreatedAt = msgs[1].Timestamp
		_, err = tx.ExecContext(ctx,
			`INSERT INTO exchanges (id, session_id, user_id, character_name, user_message_id, assistant_message_id, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)`,
			ex.ID, p.SessionID, ex.UserID, ex.CharacterName, userMsgID, asstMsgID, formatTime(ex.CreatedAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("append exchange: %w", err)
	}
	return ex, nil
}

func scanMessages(rows *sql.Rows) ([]model.Message, error) {
	defer rows.Close()
	var out []model.Message
	for rows.Next() {
		var m model.Message
		var role, ts string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &role, &m.Content, &ts, &m.TokenCount); err != nil {
			return nil, err
		}
		m.Role = model.Role(role)
		m.Timestamp = parseTime(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Messages returns a session's full buffer in order.
func (s *SQLiteStore) Messages(ctx context.Context, sessionID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, role, content, ts, token_count
		 FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// RecentMessages returns at most limit of the latest messages, oldest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]model.Message, error) {
	rows, err := s.rdb.QueryContext(ctx,
		`SELECT id, session_id, seq, role, content, ts, token_count FROM (
			SELECT * FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// SaveWorkingMemory replaces a session's working memory. The update only
// applies if last_summarized_at still equals prevSummarizedAt, so two
// summarizers racing on the same session cannot both win.
func (s *SQLiteStore) SaveWorkingMemory(ctx context.Context, sessionID, text string, summarizedAt, prevSummarizedAt int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET working_memory = ?, last_summarized_at = ?
		 WHERE id = ? AND last_summarized_at = ? AND state IN ('open', 'closing')`,
		text, summarizedAt, sessionID, prevSummarizedAt)
	if err != nil {
		return fmt.Errorf("save working memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrStaleWrite)
	}
	return nil
}

// BeginClosing moves an OPEN session to CLOSING. Sessions already closing or
// closed are left alone.
func (s *SQLiteStore) BeginClosing(ctx context.Context, sessionID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = 'closing', last_activity_at = MAX(last_activity_at, ?)
		 WHERE id = ? AND state = 'open'`, formatTime(now), sessionID)
	if err != nil {
		return fmt.Errorf("begin closing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// FinalizeSession moves a CLOSING session to CLOSED, storing its final
// summary and promoting it to an episode in the same transaction. Readers see
// either the prior state or the complete closed session.
func (s *SQLiteStore) FinalizeSession(ctx context.Context, sessionID, summary string, now time.Time) (*model.Episode, error) {
	var ep *model.Episode
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ss, err := scanSession(tx.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if ss.State == model.SessionClosed {
			return nil
		}
		if ss.State != model.SessionClosing {
			return fmt.Errorf("finalize session %s in state %s: %w", sessionID, ss.State, ErrSessionNotOpen)
		}

		ended := now.UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET state = 'closed', ended_at = ?, final_summary = ? WHERE id = ?`,
			formatTime(ended), summary, sessionID); err != nil {
			return err
		}
		ep = &model.Episode{
			SessionID:     ss.ID,
			UserID:        ss.UserID,
			CharacterName: ss.CharacterName,
			Summary:       summary,
			MessageCount:  ss.MessageCount,
			StartedAt:     ss.StartedAt,
			EndedAt:       ended,
		}
		if summary == "" {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO episodes (session_id, user_id, character_name, summary, message_count, started_at, ended_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ep.SessionID, ep.UserID, ep.CharacterName, ep.Summary, ep.MessageCount,
			formatTime(ep.StartedAt), formatTime(ep.EndedAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("finalize session: %w", err)
	}
	return ep, nil
}

// PruneMessages drops the raw buffer of a CLOSED session from hot storage.
func (s *SQLiteStore) PruneMessages(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ?
		   AND EXISTS (SELECT 1 FROM sessions WHERE id = ? AND state = 'closed')`,
		sessionID, sessionID)
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return res.RowsAffected()
}

func scanEpisode(row scanner) (model.Episode, error) {
	var ep model.Episode
	var startedAt, endedAt string
	err := row.Scan(&ep.SessionID, &ep.UserID, &ep.CharacterName, &ep.Summary, &ep.MessageCount, &startedAt, &endedAt)
	if err != nil {
		return ep, err
	}
	ep.StartedAt = parseTime(startedAt)
	ep.EndedAt = parseTime(endedAt)
	return ep, nil
}

// LatestEpisode returns the summary of the most recently closed session.
func (s *SQLiteStore) LatestEpisode(ctx context.Context, userID, characterName string) (*model.Episode, error) {
	ep, err := scanEpisode(s.rdb.QueryRowContext(ctx,
		`SELECT session_id, user_id, character_name, summary, message_count, started_at, ended_at
		 FROM episodes WHERE user_id = ? AND character_name = ?
		 ORDER BY ended_at DESC, session_id DESC LIMIT 1`, userID, characterName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ep, nil
}

// ListEpisodes returns a user's episodes with a character, newest first.
func (s *SQLiteStore) ListEpisodes(ctx context.Context, userID, characterName string, limit int) ([]model.Episode, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, user_id, character_name, summary, message_count, started_at, ended_at
		 FROM episodes WHERE user_id = ? AND character_name = ?
		 ORDER BY ended_at DESC LIMIT ?`, userID, characterName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}
