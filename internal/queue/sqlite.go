package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteQueue keeps jobs in a table of the engine's own database, so a
// recorded exchange and its jobs live in the same file.
type SQLiteQueue struct {
	db *sql.DB
}

// NewSQLiteQueue creates the jobs table if needed.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS jobs (
		seq            INTEGER PRIMARY KEY AUTOINCREMENT,
		id             TEXT NOT NULL UNIQUE,
		kind           TEXT NOT NULL,
		lock_key       TEXT NOT NULL,
		user_id        TEXT NOT NULL,
		character_name TEXT NOT NULL,
		session_id     TEXT NOT NULL DEFAULT '',
		exchange_id    TEXT NOT NULL DEFAULT '',
		state          TEXT NOT NULL DEFAULT 'ready',
		attempts       INTEGER NOT NULL DEFAULT 0,
		run_at         TEXT NOT NULL,
		last_error     TEXT NOT NULL DEFAULT '',
		created_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(state, run_at, seq);
	CREATE INDEX IF NOT EXISTS idx_jobs_key ON jobs(lock_key, state);
	`)
	if err != nil {
		return nil, fmt.Errorf("create jobs table: %w", err)
	}
	return &SQLiteQueue{db: db}, nil
}

func lockKey(j Job) string {
	return j.UserID + "\x00" + j.CharacterName
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, jobs ...Job) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range jobs {
		if j.CreatedAt.IsZero() {
			j.CreatedAt = time.Now()
		}
		if j.RunAt.IsZero() {
			j.RunAt = j.CreatedAt
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO jobs (id, kind, lock_key, user_id, character_name, session_id, exchange_id, run_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID, string(j.Kind), lockKey(j), j.UserID, j.CharacterName, j.SessionID, j.ExchangeID,
			j.RunAt.UTC().Format(timeFormat), j.CreatedAt.UTC().Format(timeFormat))
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", j.ID, err)
		}
	}
	return tx.Commit()
}

// Claim returns the oldest ready job whose key has no job already claimed,
// which keeps jobs for one (user, character) pair in enqueue order.
func (q *SQLiteQueue) Claim(ctx context.Context, now time.Time) (*Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var j Job
	var kind, runAt, createdAt string
	err = tx.QueryRowContext(ctx,
		`SELECT id, kind, user_id, character_name, session_id, exchange_id, attempts, run_at, last_error, created_at
		 FROM jobs j
		 WHERE state = 'ready' AND run_at <= ?
		   AND NOT EXISTS (SELECT 1 FROM jobs c WHERE c.lock_key = j.lock_key AND c.state = 'claimed')
		   AND NOT EXISTS (SELECT 1 FROM jobs e WHERE e.lock_key = j.lock_key AND e.state = 'ready' AND e.seq < j.seq)
		 ORDER BY seq LIMIT 1`, now.UTC().Format(timeFormat)).
		Scan(&j.ID, &kind, &j.UserID, &j.CharacterName, &j.SessionID, &j.ExchangeID, &j.Attempts,
			&runAt, &j.LastError, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	j.Kind = Kind(kind)
	j.RunAt, _ = time.Parse(timeFormat, runAt)
	j.CreatedAt, _ = time.Parse(timeFormat, createdAt)

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = 'claimed', attempts = attempts + 1 WHERE id = ?`, j.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	j.Attempts++
	return &j, nil
}

func (q *SQLiteQueue) Complete(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE jobs SET state = 'done', last_error = '' WHERE id = ?`, id)
	return err
}

func (q *SQLiteQueue) Retry(ctx context.Context, job Job, runAt time.Time, reason string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'ready', run_at = ?, last_error = ? WHERE id = ?`,
		runAt.UTC().Format(timeFormat), reason, job.ID)
	return err
}

func (q *SQLiteQueue) Fail(ctx context.Context, job Job, reason string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'dead', last_error = ? WHERE id = ?`, reason, job.ID)
	return err
}

func (q *SQLiteQueue) Recover(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `UPDATE jobs SET state = 'ready' WHERE state = 'claimed'`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q *SQLiteQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE state = 'ready'`).Scan(&n)
	return n, err
}

func (q *SQLiteQueue) Pending(ctx context.Context, kind Kind, userID, characterName string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE lock_key = ? AND kind = ? AND state IN ('ready', 'claimed')`,
		lockKey(Job{UserID: userID, CharacterName: characterName}), string(kind)).Scan(&n)
	return n, err
}

// Dead lists quarantined jobs, oldest first.
func (q *SQLiteQueue) Dead(ctx context.Context) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, kind, user_id, character_name, session_id, exchange_id, attempts, last_error
		 FROM jobs WHERE state = 'dead' ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var j Job
		var kind string
		if err := rows.Scan(&j.ID, &kind, &j.UserID, &j.CharacterName, &j.SessionID, &j.ExchangeID,
			&j.Attempts, &j.LastError); err != nil {
			return nil, err
		}
		j.Kind = Kind(kind)
		out = append(out, j)
	}
	return out, rows.Err()
}

// Revive makes a dead job ready again with a fresh attempt budget.
func (q *SQLiteQueue) Revive(ctx context.Context, id string, now time.Time) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'ready', attempts = 0, run_at = ? WHERE id = ? AND state = 'dead'`,
		now.UTC().Format(timeFormat), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s is not dead", id)
	}
	return nil
}
