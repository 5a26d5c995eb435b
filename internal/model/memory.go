// Package model defines the core memory, session, and entity data types.
package model

import (
	"fmt"
	"time"
)

// MemoryKind is the closed set of long-term memory categories.
type MemoryKind string

const (
	KindFact       MemoryKind = "fact"
	KindPreference MemoryKind = "preference"
	KindEmotion    MemoryKind = "emotion"
	KindEvent      MemoryKind = "event"
)

// Kinds lists every MemoryKind in a stable order.
var Kinds = []MemoryKind{KindFact, KindPreference, KindEmotion, KindEvent}

// ParseKind converts a string into a MemoryKind.
func ParseKind(s string) (MemoryKind, error) {
	switch MemoryKind(s) {
	case KindFact, KindPreference, KindEmotion, KindEvent:
		return MemoryKind(s), nil
	}
	return "", fmt.Errorf("invalid memory kind %q (valid: fact, preference, emotion, event)", s)
}

// Label is the heading used when a kind is rendered into context.
func (k MemoryKind) Label() string {
	switch k {
	case KindFact:
		return "Fact"
	case KindPreference:
		return "Preference"
	case KindEmotion:
		return "Feeling"
	case KindEvent:
		return "Event"
	}
	return "Note"
}

// Memory represents a durable long-term memory extracted from conversation.
// Importance is fixed at creation; reads only touch AccessCount and LastAccessedAt.
type Memory struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	CharacterName   string     `json:"character_name"`
	UniverseID      string     `json:"universe_id,omitempty"`
	Kind            MemoryKind `json:"kind"`
	Content         string     `json:"content"`
	ContentHash     string     `json:"content_hash"`
	EmbeddingRef    string     `json:"embedding_ref,omitempty"`
	Importance      float64    `json:"importance"`
	AccessCount     int        `json:"access_count"`
	LastAccessedAt  *time.Time `json:"last_accessed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	SourceSessionID string     `json:"source_session_id,omitempty"`
	SourceMessageID string     `json:"source_message_id,omitempty"`
}

// LastTouched is the reference time for recency decay: the last access, or
// creation when the memory was never read.
func (m Memory) LastTouched() time.Time {
	if m.LastAccessedAt != nil {
		return *m.LastAccessedAt
	}
	return m.CreatedAt
}
