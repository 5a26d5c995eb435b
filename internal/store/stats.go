package store

import (
	"context"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath           string           `json:"db_path"`
	DBSizeBytes      int64            `json:"db_size_bytes"`
	TotalMemories    int              `json:"total_memories"`
	TotalEntities    int              `json:"total_entities"`
	TotalSessions    int              `json:"total_sessions"`
	OpenSessions     int              `json:"open_sessions"`
	TotalMessages    int              `json:"total_messages"`
	PendingExchanges int              `json:"pending_exchanges"`
	FailedExchanges  int              `json:"failed_exchanges"`
	Characters       []CharacterStats `json:"characters"`
}

// CharacterStats holds per-character counts.
type CharacterStats struct {
	CharacterName string `json:"character_name"`
	Memories      int    `json:"memories"`
	Users         int    `json:"users"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context, dbPath string) (*Stats, error) {
	st := &Stats{DBPath: dbPath}

	// DB file size
	if info, err := os.Stat(dbPath); err == nil {
		st.DBSizeBytes = info.Size()
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&st.TotalMemories)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`).Scan(&st.TotalEntities)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&st.TotalSessions)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE state = 'open'`).Scan(&st.OpenSessions)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&st.TotalMessages)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM exchanges WHERE status = 'pending'`).Scan(&st.PendingExchanges)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM exchanges WHERE status = 'extraction_failed'`).Scan(&st.FailedExchanges)

	rows, err := s.db.QueryContext(ctx, `
		SELECT character_name, COUNT(*) AS cnt, COUNT(DISTINCT user_id) AS users
		FROM memories GROUP BY character_name ORDER BY cnt DESC`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var cs CharacterStats
		rows.Scan(&cs.CharacterName, &cs.Memories, &cs.Users)
		st.Characters = append(st.Characters, cs)
	}

	return st, nil
}

// ConversationSummary describes a user's history with one character.
type ConversationSummary struct {
	UserID        string `json:"user_id"`
	CharacterName string `json:"character_name"`
	TotalSessions int    `json:"total_sessions"`
	TotalMessages int    `json:"total_messages"`
	Memories      int    `json:"memories"`
	Entities      int    `json:"entities"`
	LastSummary   string `json:"last_summary,omitempty"`
}

// Summary returns the totals of a user's conversations with a character.
func (s *SQLiteStore) Summary(ctx context.Context, userID, characterName string) (*ConversationSummary, error) {
	cs := &ConversationSummary{UserID: userID, CharacterName: characterName}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(message_count), 0) FROM sessions WHERE user_id = ? AND character_name = ?`,
		userID, characterName).Scan(&cs.TotalSessions, &cs.TotalMessages)
	if err != nil {
		return nil, err
	}
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE user_id = ? AND character_name = ?`,
		userID, characterName).Scan(&cs.Memories)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE user_id = ? AND character_name IN (?, '')`,
		userID, characterName).Scan(&cs.Entities)
	if ep, err := s.LatestEpisode(ctx, userID, characterName); err == nil {
		cs.LastSummary = ep.Summary
	}
	return cs, nil
}
