package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rcliao/character-memory/internal/keylock"
	"github.com/rcliao/character-memory/internal/model"
	"github.com/rcliao/character-memory/internal/queue"
)

const recoverBatch = 1000

// RecoveryReport counts what Recover put back in motion.
type RecoveryReport struct {
	Released  int `json:"released"`
	Exchanges int `json:"exchanges"`
	Closing   int `json:"closing"`
	Summaries int `json:"summaries"`
	Indexed   int `json:"indexed"`
}

// Recover restores background work after a restart: jobs claimed by a dead
// process are released, pending exchanges and closing sessions are requeued,
// overdue working memories are scheduled and memories missing from the
// semantic index are embedded. Every step is idempotent.
func (e *Engine) Recover(ctx context.Context) (*RecoveryReport, error) {
	rep := &RecoveryReport{}
	now := e.now()

	n, err := e.queue.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("release claimed jobs: %w", err)
	}
	rep.Released = n

	pending, err := e.store.ListExchanges(ctx, model.ExchangePending, recoverBatch)
	if err != nil {
		return nil, fmt.Errorf("list pending exchanges: %w", err)
	}
	jobs := make([]queue.Job, 0, len(pending))
	for _, ex := range pending {
		jobs = append(jobs, extractJob(ex, queue.JobID(queue.KindExtract, ex.ID), now))
	}
	if len(jobs) > 0 {
		if err := e.queue.Enqueue(ctx, jobs...); err != nil {
			return nil, fmt.Errorf("requeue exchanges: %w", err)
		}
	}
	rep.Exchanges = len(jobs)

	closing, err := e.store.SessionsInState(ctx, model.SessionClosing, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("list closing sessions: %w", err)
	}
	for i := range closing {
		if err := e.ensureFinalize(ctx, &closing[i], now); err != nil {
			return nil, err
		}
	}
	rep.Closing = len(closing)

	open, err := e.store.SessionsInState(ctx, model.SessionOpen, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	for i := range open {
		s := &open[i]
		if !e.summarizer.Due(s) {
			continue
		}
		job := jobFor(queue.KindSummarize, fmt.Sprintf("%s@%d", s.ID, s.MessageCount), s, now)
		key := keylock.Key(s.UserID, s.CharacterName)
		e.settling.Add(key, 1)
		if err := e.queue.Enqueue(ctx, job); err != nil {
			e.settling.Done(key)
			return nil, fmt.Errorf("queue summary for %s: %w", s.ID, err)
		}
		rep.Summaries++
	}

	if rep.Indexed, err = e.pipeline.IndexMissing(ctx, recoverBatch); err != nil {
		// the index is rebuilt from SQLite, so this only delays semantic recall
		e.log.WithError(err).Warn("backfill semantic index")
	}

	e.log.WithFields(logrus.Fields{
		"released":  rep.Released,
		"exchanges": rep.Exchanges,
		"closing":   rep.Closing,
		"summaries": rep.Summaries,
		"indexed":   rep.Indexed,
	}).Info("recovery complete")
	return rep, nil
}

// Reprocess requeues up to limit exchanges marked extraction_failed with a
// fresh attempt budget and returns how many were requeued.
func (e *Engine) Reprocess(ctx context.Context, limit int) (int, error) {
	failed, err := e.store.ListExchanges(ctx, model.ExchangeExtractionFailed, limit)
	if err != nil {
		return 0, fmt.Errorf("list failed exchanges: %w", err)
	}
	now := e.now()
	for _, ex := range failed {
		if err := e.store.MarkExchange(ctx, ex.ID, model.ExchangePending, 0, ""); err != nil {
			return 0, err
		}
		id := queue.JobID(queue.KindExtract, ex.ID)
		if err := e.queue.Revive(ctx, id, now); err != nil {
			// the quarantined job is gone, so start a new one
			id = queue.JobID(queue.KindExtract, fmt.Sprintf("%s@%d", ex.ID, now.UnixNano()))
			if err := e.queue.Enqueue(ctx, extractJob(ex, id, now)); err != nil {
				return 0, fmt.Errorf("requeue exchange %s: %w", ex.ID, err)
			}
		}
		e.log.WithFields(logrus.Fields{"exchange_id": ex.ID, "job_id": id}).Info("exchange requeued")
	}
	return len(failed), nil
}

func extractJob(ex model.Exchange, id string, now time.Time) queue.Job {
	return queue.Job{
		ID:            id,
		Kind:          queue.KindExtract,
		UserID:        ex.UserID,
		CharacterName: ex.CharacterName,
		SessionID:     ex.SessionID,
		ExchangeID:    ex.ID,
		CreatedAt:     now,
	}
}
