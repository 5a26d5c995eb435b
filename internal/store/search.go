package store

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/rcliao/character-memory/internal/model"
)

// SearchParams holds parameters for a full-text memory search.
type SearchParams struct {
	UserID        string
	CharacterName string
	UniverseID    string
	Query         string
	Limit         int
}

// SearchMemories finds memories whose content shares words with the query,
// best FTS5 rank first.
func (s *SQLiteStore) SearchMemories(ctx context.Context, p SearchParams) ([]model.Memory, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	match := ftsQuery(p.Query)
	if match == "" {
		return nil, nil
	}

	where := []string{"memories_fts MATCH ?", "m.user_id = ?"}
	args := []interface{}{match, p.UserID}
	switch {
	case p.UniverseID != "" && p.CharacterName != "":
		where = append(where, "(m.character_name = ? OR m.universe_id = ?)")
		args = append(args, p.CharacterName, p.UniverseID)
	case p.CharacterName != "":
		where = append(where, "m.character_name = ?")
		args = append(args, p.CharacterName)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE %s
		ORDER BY memories_fts.rank, m.created_at DESC, m.id ASC
		LIMIT ?`, qualify("m", memoryColumns), strings.Join(where, " AND "))
	args = append(args, limit)

	rows, err := s.rdb.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	return collectMemories(rows)
}

// qualify prefixes every column in a comma separated list with a table alias.
func qualify(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// ftsQuery turns free text into an FTS5 OR query of quoted terms.
func ftsQuery(q string) string {
	words := strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool)
	var terms []string
	for _, w := range words {
		if len(w) < 2 || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, `"`+w+`"`)
	}
	return strings.Join(terms, " OR ")
}
