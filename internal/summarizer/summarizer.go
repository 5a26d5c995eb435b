// Package summarizer maintains a session's working memory and writes the
// final summary that becomes an episode when the session closes.
package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/rcliao/character-memory/internal/llm"
	"github.com/rcliao/character-memory/internal/model"
	"github.com/rcliao/character-memory/internal/tokens"
)

// Store is the session state the summarizer reads and writes.
type Store interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	Messages(ctx context.Context, sessionID string) ([]model.Message, error)
	SaveWorkingMemory(ctx context.Context, sessionID, text string, summarizedAt, prevSummarizedAt int) error
}

// Config controls when and how much is summarized.
type Config struct {
	Interval       int // new messages required before re-summarizing
	BufferCapacity int // working memory is only produced once the raw buffer overflows
	MaxWords       int
}

// DefaultConfig returns the summarizer defaults.
func DefaultConfig() Config {
	return Config{Interval: 5, BufferCapacity: 15, MaxWords: 100}
}

// Summarizer produces working memory and final session summaries. It uses
// the model when one is configured and a deterministic heuristic otherwise,
// or when the model fails.
type Summarizer struct {
	store Store
	llm   llm.Completer
	cfg   Config
	log   logrus.FieldLogger
}

// New creates a summarizer. completer may be nil.
func New(store Store, completer llm.Completer, cfg Config, log logrus.FieldLogger) *Summarizer {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxWords <= 0 {
		cfg.MaxWords = def.MaxWords
	}
	if cfg.BufferCapacity < 0 {
		cfg.BufferCapacity = def.BufferCapacity
	}
	return &Summarizer{
		store: store,
		llm:   completer,
		cfg:   cfg,
		log:   log.WithField("component", "summarizer"),
	}
}

// Due reports whether the session has enough unsummarized messages.
func (s *Summarizer) Due(sess *model.Session) bool {
	if sess.State == model.SessionClosed {
		return false
	}
	return sess.MessageCount > s.cfg.BufferCapacity &&
		sess.MessageCount-sess.LastSummarizedAt >= s.cfg.Interval
}

// MaybeUpdate folds the messages appended since the last summary into the
// session's working memory. It is a no-op unless the session is due, and
// reports whether the working memory changed.
func (s *Summarizer) MaybeUpdate(ctx context.Context, sessionID string) (*model.Session, bool, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if !s.Due(sess) {
		return sess, false, nil
	}

	msgs, err := s.store.Messages(ctx, sessionID)
	if err != nil {
		return nil, false, fmt.Errorf("load messages: %w", err)
	}
	var fresh []model.Message
	for _, m := range msgs {
		if m.Seq > sess.LastSummarizedAt {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) == 0 {
		return sess, false, nil
	}

	prev := Parse(sess.WorkingMemory)
	next := s.update(ctx, sess, prev, fresh)
	text := next.Render(s.cfg.MaxWords)
	upTo := fresh[len(fresh)-1].Seq

	if err := s.store.SaveWorkingMemory(ctx, sessionID, text, upTo, sess.LastSummarizedAt); err != nil {
		return nil, false, err
	}
	sess.WorkingMemory = text
	sess.LastSummarizedAt = upTo
	s.log.WithFields(logrus.Fields{
		"session_id":    sessionID,
		"summarized_at": upTo,
	}).Debug("working memory updated")
	return sess, true, nil
}

func (s *Summarizer) update(ctx context.Context, sess *model.Session, prev WorkingMemory, fresh []model.Message) WorkingMemory {
	if s.llm != nil {
		wm, err := s.modelUpdate(ctx, sess, prev, fresh)
		if err == nil {
			return wm
		}
		s.log.WithError(err).WithField("session_id", sess.ID).Warn("working memory model failed, using heuristic")
	}
	return heuristicUpdate(prev, fresh)
}

func (s *Summarizer) modelUpdate(ctx context.Context, sess *model.Session, prev WorkingMemory, fresh []model.Message) (WorkingMemory, error) {
	previous := prev.Render(s.cfg.MaxWords)
	if previous == "" {
		previous = "This is the start of the conversation."
	}
	prompt := fmt.Sprintf(`You are updating the working memory for a conversation between a user and %s.

Previous Summary:
%s

New Messages:
%s

Create an updated summary that captures:
1. Main topics discussed (as a list)
2. User's current emotional state (one word or phrase)
3. Any unresolved questions the user has (as a list)
4. A brief narrative summary (2-3 sentences, under %d words)

Return JSON:
{
  "summary": "Brief narrative of what's been discussed...",
  "key_topics": ["topic1", "topic2"],
  "emotional_state": "curious and engaged",
  "unresolved_questions": ["question1", "question2"]
}

Return ONLY valid JSON.`, sess.CharacterName, previous, formatMessages(fresh, sess.CharacterName), s.cfg.MaxWords)

	out, err := s.llm.Complete(ctx, prompt)
	if err != nil {
		return WorkingMemory{}, err
	}
	var wm WorkingMemory
	if err := json.Unmarshal([]byte(llm.CleanJSON(out)), &wm); err != nil {
		return WorkingMemory{}, fmt.Errorf("parse working memory: %w", err)
	}
	if strings.TrimSpace(wm.Summary) == "" {
		return WorkingMemory{}, fmt.Errorf("parse working memory: empty summary")
	}
	return wm, nil
}

// FinalSummary summarizes a whole session for episodic memory. Short
// sessions are summarized from their transcript; longer ones from the
// working memory plus the last few messages. An empty session has no
// summary.
func (s *Summarizer) FinalSummary(ctx context.Context, sess *model.Session) (string, error) {
	msgs, err := s.store.Messages(ctx, sess.ID)
	if err != nil {
		return "", fmt.Errorf("load messages: %w", err)
	}
	if len(msgs) == 0 {
		return "", nil
	}

	if s.llm != nil {
		var material string
		if len(msgs) <= 10 {
			material = formatMessages(msgs, sess.CharacterName)
		} else {
			material = fmt.Sprintf("Working Memory: %s\n\nRecent Messages:\n%s",
				sess.WorkingMemory, formatMessages(msgs[len(msgs)-5:], sess.CharacterName))
		}
		prompt := fmt.Sprintf(`Summarize this conversation between a user and %s for future reference.

%s

Create a brief summary (2-3 sentences) that captures:
- What the user wanted to discuss
- Key emotional moments or revelations
- Any plans, promises, or unfinished topics

This summary will be shown to %s in future conversations as:
"Last time we spoke, [your summary]"

Write the summary from the character's perspective.
Return ONLY the summary text, nothing else.`, sess.CharacterName, material, sess.CharacterName)

		out, err := s.llm.Complete(ctx, prompt)
		if err == nil && strings.TrimSpace(out) != "" {
			return limitWords(strings.TrimSpace(out), s.cfg.MaxWords), nil
		}
		if err == nil {
			err = fmt.Errorf("empty summary")
		}
		s.log.WithError(err).WithField("session_id", sess.ID).Warn("final summary model failed, using heuristic")
	}

	return limitWords(heuristicFinal(Parse(sess.WorkingMemory), msgs), s.cfg.MaxWords), nil
}

func formatMessages(msgs []model.Message, character string) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		who := "User"
		if m.Role == model.RoleAssistant {
			who = character
		}
		content, _ := tokens.Truncate(m.Content, 125)
		fmt.Fprintf(&b, "%s: %s", who, content)
	}
	return b.String()
}
