package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rcliao/character-memory/internal/keylock"
	"github.com/rcliao/character-memory/internal/model"
	"github.com/rcliao/character-memory/internal/queue"
	"github.com/rcliao/character-memory/internal/store"
	"github.com/rcliao/character-memory/internal/worker"
)

func (e *Engine) handleExtract(ctx context.Context, job queue.Job) error {
	_, err := e.pipeline.Run(ctx, job.ExchangeID)
	if errors.Is(err, store.ErrNotFound) {
		return worker.Permanent(err)
	}
	if err != nil {
		if merr := e.store.MarkExchange(ctx, job.ExchangeID, model.ExchangePending, job.Attempts, err.Error()); merr != nil {
			e.log.WithError(merr).WithField("exchange_id", job.ExchangeID).Warn("record extraction attempt")
		}
	}
	return err
}

func (e *Engine) handleSummarize(ctx context.Context, job queue.Job) error {
	_, _, err := e.summarizer.MaybeUpdate(ctx, job.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return worker.Permanent(err)
	}
	return err
}

// handleFinalize writes the final summary and promotes the session to an
// episode, then archives and prunes it. Each step is safe to repeat.
func (e *Engine) handleFinalize(ctx context.Context, job queue.Job) error {
	s, err := e.store.GetSession(ctx, job.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return worker.Permanent(err)
	}
	if err != nil {
		return err
	}
	log := e.log.WithFields(logrus.Fields{"session_id": s.ID, "user_id": s.UserID, "character": s.CharacterName})

	if s.State == model.SessionOpen {
		// a revived job for a session that was never moved on
		if err := e.store.BeginClosing(ctx, s.ID, e.now()); err != nil {
			return err
		}
		s.State = model.SessionClosing
	}
	if s.State == model.SessionClosing {
		summary, err := e.summarizer.FinalSummary(ctx, s)
		if err != nil {
			return err
		}
		ep, err := e.store.FinalizeSession(ctx, s.ID, summary, e.now())
		if err != nil {
			return err
		}
		log.WithField("episodic", ep != nil && ep.Summary != "").Info("session closed")
	}
	return e.archive(ctx, s.ID, log)
}

func (e *Engine) archive(ctx context.Context, sessionID string, log logrus.FieldLogger) error {
	if e.archiver == nil && !e.session.PruneClosed {
		return nil
	}
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	msgs, err := e.store.Messages(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	if e.archiver != nil {
		s.Messages = msgs
		if err := e.archiver.Archive(ctx, *s, e.now()); err != nil {
			return err
		}
		log.WithField("messages", len(msgs)).Info("session archived")
	}
	if !e.session.PruneClosed {
		return nil
	}
	// extraction reads message text, so keep the buffer until it finished
	pending, err := e.store.CountExchanges(ctx, sessionID, model.ExchangePending)
	if err != nil {
		return err
	}
	if pending > 0 {
		log.WithField("pending", pending).Info("raw buffer kept until extraction finishes")
		return nil
	}
	n, err := e.store.PruneMessages(ctx, sessionID)
	if err != nil {
		return err
	}
	log.WithField("pruned", n).Info("raw buffer pruned")
	return nil
}

func (e *Engine) quarantined(ctx context.Context, job queue.Job, err error) {
	log := e.log.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"user_id":   job.UserID,
		"character": job.CharacterName,
		"attempts":  job.Attempts,
	}).WithError(err)
	if job.Kind != queue.KindExtract {
		log.Error(fmt.Sprintf("%s job quarantined", job.Kind))
		return
	}
	if merr := e.store.MarkExchange(ctx, job.ExchangeID, model.ExchangeExtractionFailed, job.Attempts, err.Error()); merr != nil {
		log.WithField("mark_error", merr.Error()).Error("extraction_failed: could not mark exchange")
		return
	}
	log.WithField("exchange_id", job.ExchangeID).Error("extraction_failed")
}

func (e *Engine) settled(job queue.Job) {
	if job.Kind == queue.KindSummarize {
		e.settling.Done(keylock.Key(job.UserID, job.CharacterName))
	}
}
