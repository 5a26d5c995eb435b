package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rcliao/character-memory/internal/model"
)

// User entities always carry an empty universe_id; universe seeds carry an
// empty user_id. The unique key therefore stays (user, character, type, name)
// for everything a user owns.

const entityColumns = `id, user_id, character_name, universe_id, entity_type, name, attributes,
	first_mentioned, last_mentioned, mention_count, source_session_id`

func scanEntity(row scanner) (model.Entity, error) {
	var e model.Entity
	var etype, attrs, first, last string
	err := row.Scan(&e.ID, &e.UserID, &e.CharacterName, &e.UniverseID, &etype, &e.Name, &attrs,
		&first, &last, &e.MentionCount, &e.SourceSessionID)
	if err != nil {
		return e, err
	}
	e.Type = model.EntityType(etype)
	e.FirstMentioned = parseTime(first)
	e.LastMentioned = parseTime(last)
	if attrs != "" && attrs != "{}" {
		json.Unmarshal([]byte(attrs), &e.Attributes)
	}
	return e, nil
}

// normalizeName trims and collapses whitespace so "  Anna  Lee" and "Anna Lee"
// land on the same entity.
func normalizeName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

func mergeAttributes(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		dst[k] = v
	}
	return dst
}

type entityKey struct {
	userID, characterName, universeID string
}

// upsertEntity merges an update into the entity it names. A mention keyed by
// messageID is counted at most once, so replays do not inflate mention_count.
func (s *SQLiteStore) upsertEntity(ctx context.Context, tx *sql.Tx, key entityKey, u model.EntityUpdate,
	sessionID, messageID string, now time.Time) (model.Entity, error) {
	name := normalizeName(u.Name)
	if name == "" {
		return model.Entity{}, fmt.Errorf("entity name is empty")
	}
	if _, err := model.ParseEntityType(string(u.Type)); err != nil {
		return model.Entity{}, err
	}
	ts := formatTime(now)

	e, err := scanEntity(tx.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE user_id = ? AND character_name = ? AND universe_id = ? AND entity_type = ? AND name = ? COLLATE NOCASE`,
		key.userID, key.characterName, key.universeID, string(u.Type), name))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		e = model.Entity{
			ID:              s.newID(),
			UserID:          key.userID,
			CharacterName:   key.characterName,
			UniverseID:      key.universeID,
			Type:            u.Type,
			Name:            name,
			FirstMentioned:  parseTime(ts),
			LastMentioned:   parseTime(ts),
			SourceSessionID: sessionID,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entities (id, user_id, character_name, universe_id, entity_type, name, attributes,
			                       first_mentioned, last_mentioned, mention_count, source_session_id)
			 VALUES (?, ?, ?, ?, ?, ?, '{}', ?, ?, 0, ?)`,
			e.ID, e.UserID, e.CharacterName, e.UniverseID, string(e.Type), e.Name, ts, ts, sessionID); err != nil {
			return e, fmt.Errorf("insert entity: %w", err)
		}
	case err != nil:
		return e, err
	}

	e.Attributes = mergeAttributes(e.Attributes, u.Attributes)
	attrsJSON, _ := json.Marshal(e.Attributes)

	counted := int64(1)
	if messageID != "" {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO entity_mentions (entity_id, message_id, session_id, created_at) VALUES (?, ?, ?, ?)`,
			e.ID, messageID, sessionID, ts)
		if err != nil {
			return e, fmt.Errorf("insert mention: %w", err)
		}
		counted, _ = res.RowsAffected()
	} else if e.MentionCount > 0 {
		counted = 0
	}

	if counted > 0 {
		e.MentionCount++
		e.LastMentioned = parseTime(ts)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE entities SET attributes = ?, mention_count = ?, last_mentioned = ? WHERE id = ?`,
		string(attrsJSON), e.MentionCount, formatTime(e.LastMentioned), e.ID)
	if err != nil {
		return e, fmt.Errorf("update entity: %w", err)
	}
	return e, nil
}

// UpsertEntity merges a single update outside an extraction, e.g. an
// operator correction.
func (s *SQLiteStore) UpsertEntity(ctx context.Context, userID, characterName string, u model.EntityUpdate, now time.Time) (*model.Entity, error) {
	var e model.Entity
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		e, err = s.upsertEntity(ctx, tx, entityKey{userID: userID, characterName: characterName}, u, "", "", now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// SeedEntities stores ingestion-provided entities for a universe. Seeds are
// shared by every user talking to a character of that universe.
func (s *SQLiteStore) SeedEntities(ctx context.Context, universeID string, seeds []model.EntityUpdate, now time.Time) (int, error) {
	if universeID == "" {
		return 0, fmt.Errorf("universe id is required")
	}
	n := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, u := range seeds {
			if _, err := s.upsertEntity(ctx, tx, entityKey{universeID: universeID}, u, "", "", now); err != nil {
				return fmt.Errorf("seed %s: %w", u.Name, err)
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// EntitySnapshot returns the entities visible to a user in a conversation
// with a character: the user's entities for that character, the user's
// global entities, and the seeds of the character's universe. Results are
// ordered by type, then most mentioned, then name.
func (s *SQLiteStore) EntitySnapshot(ctx context.Context, userID, characterName, universeID string) ([]model.Entity, error) {
	rows, err := s.rdb.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE (user_id = ? AND universe_id = '' AND character_name IN (?, ''))
		    OR (user_id = '' AND ? != '' AND universe_id = ?)`,
		userID, characterName, universeID, universeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortEntities(out)
	return out, nil
}

var typeRank = map[model.EntityType]int{
	model.EntityPerson: 0,
	model.EntityPlace:  1,
	model.EntityThing:  2,
	model.EntityEvent:  3,
}

func sortEntities(es []model.Entity) {
	sort.SliceStable(es, func(i, j int) bool {
		a, b := es[i], es[j]
		if typeRank[a.Type] != typeRank[b.Type] {
			return typeRank[a.Type] < typeRank[b.Type]
		}
		// user-owned entities before universe seeds
		if (a.UserID == "") != (b.UserID == "") {
			return a.UserID != ""
		}
		if a.MentionCount != b.MentionCount {
			return a.MentionCount > b.MentionCount
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
}

// EntityMentions lists the message ids an entity was mentioned in.
func (s *SQLiteStore) EntityMentions(ctx context.Context, entityID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id FROM entity_mentions WHERE entity_id = ? ORDER BY created_at, message_id`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
