package model

import "time"

// SessionState is the lifecycle state of a conversation session.
type SessionState string

const (
	SessionOpen    SessionState = "open"
	SessionClosing SessionState = "closing"
	SessionClosed  SessionState = "closed"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a session's raw buffer.
type Message struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Seq        int       `json:"seq"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	TokenCount int       `json:"token_count"`
}

// Session is one continuous conversation between a user and a character.
type Session struct {
	ID               string       `json:"id"`
	UserID           string       `json:"user_id"`
	CharacterName    string       `json:"character_name"`
	State            SessionState `json:"state"`
	StartedAt        time.Time    `json:"started_at"`
	EndedAt          *time.Time   `json:"ended_at,omitempty"`
	LastActivityAt   time.Time    `json:"last_activity_at"`
	MessageCount     int          `json:"message_count"`
	WorkingMemory    string       `json:"working_memory,omitempty"`
	LastSummarizedAt int          `json:"last_summarized_at"`
	FinalSummary     string       `json:"final_summary,omitempty"`
	Messages         []Message    `json:"messages,omitempty"`
}

// Episode is the summary of a closed session promoted to episodic memory.
type Episode struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	CharacterName string    `json:"character_name"`
	Summary       string    `json:"summary"`
	MessageCount  int       `json:"message_count"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
}

// ExchangeStatus tracks background processing of a recorded exchange.
type ExchangeStatus string

const (
	ExchangePending          ExchangeStatus = "pending"
	ExchangeDone             ExchangeStatus = "done"
	ExchangeExtractionFailed ExchangeStatus = "extraction_failed"
)

// Exchange is a user message paired with the assistant reply that followed it.
type Exchange struct {
	ID                 string         `json:"id"`
	SessionID          string         `json:"session_id"`
	UserID             string         `json:"user_id"`
	CharacterName      string         `json:"character_name"`
	UserMessageID      string         `json:"user_message_id"`
	AssistantMessageID string         `json:"assistant_message_id"`
	UserMessage        string         `json:"user_message"`
	AssistantMessage   string         `json:"assistant_message"`
	Status             ExchangeStatus `json:"status"`
	Attempts           int            `json:"attempts"`
	LastError          string         `json:"last_error,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}
