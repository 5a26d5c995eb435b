package model

import (
	"fmt"
	"time"
)

// EntityType is the closed set of entity categories.
type EntityType string

const (
	EntityPerson EntityType = "person"
	EntityPlace  EntityType = "place"
	EntityThing  EntityType = "thing"
	EntityEvent  EntityType = "event"
)

// EntityTypes lists every EntityType in rendering order.
var EntityTypes = []EntityType{EntityPerson, EntityPlace, EntityThing, EntityEvent}

// ParseEntityType converts a string into an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(s) {
	case EntityPerson, EntityPlace, EntityThing, EntityEvent:
		return EntityType(s), nil
	}
	return "", fmt.Errorf("invalid entity type %q (valid: person, place, thing, event)", s)
}

// Entity is a structured record about something the user has referenced.
// An empty CharacterName marks a global entity visible to every character.
type Entity struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	CharacterName   string            `json:"character_name,omitempty"`
	UniverseID      string            `json:"universe_id,omitempty"`
	Type            EntityType        `json:"entity_type"`
	Name            string            `json:"name"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	FirstMentioned  time.Time         `json:"first_mentioned"`
	LastMentioned   time.Time         `json:"last_mentioned"`
	MentionCount    int               `json:"mention_count"`
	SourceSessionID string            `json:"source_session_id,omitempty"`
}

// EntityUpdate is an extracted observation to merge into an Entity.
type EntityUpdate struct {
	Type       EntityType        `json:"entity_type"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Character is a persona registered by the ingestion pipeline.
type Character struct {
	Name       string    `json:"name"`
	UniverseID string    `json:"universe_id,omitempty"`
	Persona    string    `json:"persona"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// UserSettings holds per-user product switches.
type UserSettings struct {
	UserID         string `json:"user_id"`
	CrossCharacter bool   `json:"cross_character"`
}
