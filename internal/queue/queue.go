// Package queue is the durable job queue behind the background write path.
// Jobs survive process restarts; enqueueing the same job id twice is a no-op.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by Claim when no job is ready.
var ErrEmpty = errors.New("queue empty")

// Kind names a job handler.
type Kind string

const (
	KindExtract   Kind = "extract"
	KindSummarize Kind = "summarize"
	KindFinalize  Kind = "finalize"
)

// Job is one unit of background work for a (user, character) pair.
type Job struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	UserID        string    `json:"user_id"`
	CharacterName string    `json:"character_name"`
	SessionID     string    `json:"session_id,omitempty"`
	ExchangeID    string    `json:"exchange_id,omitempty"`
	Attempts      int       `json:"attempts"`
	RunAt         time.Time `json:"run_at"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// JobID derives a deterministic id so replays of the same work collapse.
func JobID(kind Kind, ref string) string {
	return string(kind) + ":" + ref
}

// Queue is a durable at-least-once job queue.
type Queue interface {
	// Enqueue stores jobs, ignoring ids already known to the queue.
	Enqueue(ctx context.Context, jobs ...Job) error
	// Claim takes the next ready job. It returns ErrEmpty when none is ready.
	Claim(ctx context.Context, now time.Time) (*Job, error)
	// Complete removes a claimed job.
	Complete(ctx context.Context, id string) error
	// Retry releases a claimed job to run again at runAt.
	Retry(ctx context.Context, job Job, runAt time.Time, reason string) error
	// Fail moves a claimed job to the dead-letter set.
	Fail(ctx context.Context, job Job, reason string) error
	// Recover releases jobs left claimed by a previous process.
	Recover(ctx context.Context) (int, error)
	// Len reports jobs waiting to run, including delayed retries.
	Len(ctx context.Context) (int, error)
	// Dead lists quarantined jobs.
	Dead(ctx context.Context) ([]Job, error)
	// Revive makes a dead job ready again with a fresh attempt budget.
	Revive(ctx context.Context, id string, now time.Time) error
	// Pending counts jobs of kind for a (user, character) pair that are
	// waiting, delayed or running.
	Pending(ctx context.Context, kind Kind, userID, characterName string) (int, error)
}
