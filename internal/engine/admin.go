package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rcliao/character-memory/internal/model"
	"github.com/rcliao/character-memory/internal/store"
)

// PutCharacter registers or replaces a persona from the ingestion pipeline.
func (e *Engine) PutCharacter(ctx context.Context, c model.Character) (*model.Character, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("%w: character name is required", ErrInvalid)
	}
	return e.store.PutCharacter(ctx, c, e.now())
}

// SeedEntities stores ingestion-provided entities for a universe.
func (e *Engine) SeedEntities(ctx context.Context, universeID string, seeds []model.EntityUpdate) (int, error) {
	if universeID == "" {
		return 0, fmt.Errorf("%w: universe id is required", ErrInvalid)
	}
	for _, s := range seeds {
		if _, err := model.ParseEntityType(string(s.Type)); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return e.store.SeedEntities(ctx, universeID, seeds, e.now())
}

// PutSettings stores a user's product switches.
func (e *Engine) PutSettings(ctx context.Context, st model.UserSettings) error {
	if st.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalid)
	}
	return e.store.PutSettings(ctx, st)
}

// PurgeMemories deletes a user's memories, optionally for one character,
// from SQLite and the semantic index. It returns how many were removed.
func (e *Engine) PurgeMemories(ctx context.Context, userID, characterName string) (int, error) {
	ids, err := e.store.PurgeMemories(ctx, userID, characterName)
	if err != nil {
		return 0, err
	}
	if e.index != nil && len(ids) > 0 {
		if err := e.index.Delete(ctx, userID, ids...); err != nil {
			// orphaned vectors never match a stored memory
			e.log.WithError(err).WithField("user_id", userID).Warn("purge semantic index")
		}
	}
	e.log.WithFields(logrus.Fields{
		"user_id":   userID,
		"character": characterName,
		"purged":    len(ids),
	}).Info("memories purged")
	return len(ids), nil
}

// Session returns a session with its messages. Buffers pruned from SQLite
// are read back from the archive when one is configured.
func (e *Engine) Session(ctx context.Context, id string) (*model.Session, error) {
	s, err := e.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := e.store.Messages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	s.Messages = msgs
	if len(msgs) == 0 && s.MessageCount > 0 && e.archiver != nil {
		archived, err := e.archiver.Get(ctx, id)
		if err != nil {
			e.log.WithError(err).WithField("session_id", id).Warn("read archived session")
			return s, nil
		}
		s.Messages = archived.Messages
	}
	return s, nil
}

// Summary reports a user's history with a character.
func (e *Engine) Summary(ctx context.Context, userID, characterName string) (*store.ConversationSummary, error) {
	return e.store.Summary(ctx, userID, characterName)
}
