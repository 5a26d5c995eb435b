// Package store provides the SQLite repositories behind the memory engine:
// long-term memories, sessions and their raw message buffers, entities,
// episodes, characters, settings, and exchange provenance.
package store

import (
	"errors"
	"time"

	"github.com/rcliao/character-memory/internal/model"
)

var (
	// ErrNotFound is returned when a looked-up record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSessionNotOpen is returned when a mutation requires an OPEN session.
	ErrSessionNotOpen = errors.New("session is not open")
	// ErrStaleWrite is returned when an optimistic update lost a race.
	ErrStaleWrite = errors.New("stale write")
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

// MemoryQuery selects long-term memory candidates.
type MemoryQuery struct {
	UserID        string
	CharacterName string
	// UniverseID, when set, widens the query to every character of that
	// universe for the same user.
	UniverseID string
	Kind       model.MemoryKind
	Limit      int
}

// AppendParams holds one exchange to append to a session's buffer.
type AppendParams struct {
	SessionID        string
	UserMessage      string
	AssistantMessage string
	Now              time.Time
}

// ExtractionWrite is everything derived from one exchange, written atomically.
type ExtractionWrite struct {
	ExchangeID string
	UserID     string
	Character  string
	UniverseID string
	SessionID  string
	MessageID  string
	Memories   []NewMemory
	Entities   []model.EntityUpdate
	Now        time.Time
}

// NewMemory is a memory candidate that has not been assigned an id yet.
type NewMemory struct {
	Kind        model.MemoryKind
	Content     string
	ContentHash string
	Importance  float64
}

// PersistResult reports what an ExtractionWrite changed.
type PersistResult struct {
	Inserted   []model.Memory
	Duplicates int
	Entities   []model.Entity
}
