package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rcliao/character-memory/internal/keylock"
	"github.com/rcliao/character-memory/internal/model"
	"github.com/rcliao/character-memory/internal/queue"
	"github.com/rcliao/character-memory/internal/store"
)

// ExchangeInput is one finished turn. SessionID is the session the caller
// believes is current; UserID and CharacterName are needed only when that
// session is unknown.
type ExchangeInput struct {
	SessionID        string `json:"session_id,omitempty"`
	UserID           string `json:"user_id,omitempty"`
	CharacterName    string `json:"character_name,omitempty"`
	UserMessage      string `json:"user_message"`
	AssistantMessage string `json:"assistant_message"`
}

// Recorded reports where an exchange landed.
type Recorded struct {
	ExchangeID string `json:"exchange_id"`
	SessionID  string `json:"session_id"`
	NewSession bool   `json:"new_session"`
}

// RecordExchange appends a turn to the open session of its pair and queues
// extraction and summarization. It returns once the jobs are durably queued,
// not once they ran. A closed, closing, expired or unknown session is
// replaced by a fresh OPEN one.
func (e *Engine) RecordExchange(ctx context.Context, in ExchangeInput) (*Recorded, error) {
	if strings.TrimSpace(in.UserMessage) == "" {
		return nil, fmt.Errorf("%w: user message is required", ErrInvalid)
	}
	userID, character := in.UserID, in.CharacterName
	if in.SessionID != "" {
		s, err := e.store.GetSession(ctx, in.SessionID)
		switch {
		case err == nil:
			if (userID != "" && userID != s.UserID) || (character != "" && character != s.CharacterName) {
				return nil, fmt.Errorf("%w: session %s belongs to another user or character", ErrInvalid, s.ID)
			}
			userID, character = s.UserID, s.CharacterName
		case errors.Is(err, store.ErrNotFound):
		default:
			return nil, err
		}
	}
	if userID == "" || character == "" {
		return nil, fmt.Errorf("%w: user id and character name are required", ErrInvalid)
	}

	key := keylock.Key(userID, character)
	unlock, err := e.appends.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := e.now()
	sess, created, err := e.store.OpenSession(ctx, userID, character, now)
	if err != nil {
		return nil, err
	}
	if !created && e.expired(sess, now) {
		if err := e.beginClose(ctx, sess, now, "inactivity"); err != nil {
			return nil, err
		}
		if sess, created, err = e.store.OpenSession(ctx, userID, character, now); err != nil {
			return nil, err
		}
	}

	ex, err := e.store.AppendExchange(ctx, store.AppendParams{
		SessionID:        sess.ID,
		UserMessage:      in.UserMessage,
		AssistantMessage: in.AssistantMessage,
		Now:              now,
	})
	if err != nil {
		return nil, err
	}

	extract := jobFor(queue.KindExtract, ex.ID, sess, now)
	extract.ExchangeID = ex.ID
	summarize := jobFor(queue.KindSummarize, ex.ID, sess, now)
	e.settling.Add(key, 1)
	if err := e.queue.Enqueue(ctx, extract, summarize); err != nil {
		e.settling.Done(key)
		// the exchange stays pending and is requeued by Recover
		return nil, fmt.Errorf("queue exchange %s: %w", ex.ID, err)
	}

	e.log.WithFields(logrus.Fields{
		"user_id":     userID,
		"character":   character,
		"session_id":  sess.ID,
		"exchange_id": ex.ID,
	}).Debug("exchange recorded")
	return &Recorded{ExchangeID: ex.ID, SessionID: sess.ID, NewSession: created}, nil
}

// CloseSession moves a session to CLOSING and queues its final summary.
// Closing a session that is already closing or closed is a no-op.
func (e *Engine) CloseSession(ctx context.Context, sessionID string) error {
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.State != model.SessionOpen {
		return nil
	}
	unlock, err := e.appends.Lock(ctx, keylock.Key(s.UserID, s.CharacterName))
	if err != nil {
		return err
	}
	defer unlock()
	return e.beginClose(ctx, s, e.now(), "explicit")
}

// beginClose must run under the pair's append lock.
func (e *Engine) beginClose(ctx context.Context, s *model.Session, now time.Time, reason string) error {
	if err := e.store.BeginClosing(ctx, s.ID, now); err != nil {
		return err
	}
	if err := e.queue.Enqueue(ctx, jobFor(queue.KindFinalize, s.ID, s, now)); err != nil {
		return fmt.Errorf("queue finalize for %s: %w", s.ID, err)
	}
	e.log.WithFields(logrus.Fields{
		"user_id":    s.UserID,
		"character":  s.CharacterName,
		"session_id": s.ID,
		"reason":     reason,
	}).Info("session closing")
	return nil
}

// Sweep closes OPEN sessions idle past the timeout and requeues sessions
// stuck in CLOSING. It returns how many sessions it closed.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	now := e.now()
	cutoff := now.Add(-e.session.Timeout)
	idle, err := e.store.SessionsInState(ctx, model.SessionOpen, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}
	closed := 0
	for i := range idle {
		ok, err := e.closeIfIdle(ctx, &idle[i])
		if err != nil {
			return closed, err
		}
		if ok {
			closed++
		}
	}

	stuck, err := e.store.SessionsInState(ctx, model.SessionClosing, cutoff)
	if err != nil {
		return closed, fmt.Errorf("list closing sessions: %w", err)
	}
	for i := range stuck {
		if err := e.ensureFinalize(ctx, &stuck[i], now); err != nil {
			return closed, err
		}
	}
	if closed > 0 || len(stuck) > 0 {
		e.log.WithFields(logrus.Fields{"closed": closed, "requeued": len(stuck)}).Info("session sweep")
	}
	return closed, nil
}

func (e *Engine) closeIfIdle(ctx context.Context, s *model.Session) (bool, error) {
	unlock, err := e.appends.Lock(ctx, keylock.Key(s.UserID, s.CharacterName))
	if err != nil {
		return false, err
	}
	defer unlock()
	// a message may have arrived since the listing
	cur, err := e.store.GetSession(ctx, s.ID)
	if err != nil {
		return false, err
	}
	now := e.now()
	if !e.expired(cur, now) {
		return false, nil
	}
	return true, e.beginClose(ctx, cur, now, "inactivity")
}

// ensureFinalize queues the finalize job of a CLOSING session, reviving it
// if it was quarantined.
func (e *Engine) ensureFinalize(ctx context.Context, s *model.Session, now time.Time) error {
	job := jobFor(queue.KindFinalize, s.ID, s, now)
	if err := e.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("queue finalize for %s: %w", s.ID, err)
	}
	if err := e.queue.Revive(ctx, job.ID, now); err == nil {
		e.log.WithField("session_id", s.ID).Info("revived finalize job")
	}
	return nil
}
