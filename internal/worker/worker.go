// Package worker runs background jobs from the durable queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/character-memory/internal/keylock"
	"github.com/rcliao/character-memory/internal/queue"
)

// Handler processes one job. Returning an error schedules a retry unless the
// error is permanent or the attempt budget is spent.
type Handler func(ctx context.Context, job queue.Job) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Config controls concurrency and the retry policy.
type Config struct {
	Workers      int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	PollInterval time.Duration
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		MaxAttempts:  5,
		BaseBackoff:  500 * time.Millisecond,
		MaxBackoff:   time.Minute,
		PollInterval: 250 * time.Millisecond,
	}
}

// Backoff returns the delay before the next try after the given attempt
// (1-based): base, 2*base, 4*base, ... capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return max
	}
	d := base * time.Duration(1<<(attempt-1))
	if d > max || d <= 0 {
		return max
	}
	return d
}

// Pool claims jobs and dispatches them to handlers by kind.
type Pool struct {
	q        queue.Queue
	locks    *keylock.Map
	cfg      Config
	log      logrus.FieldLogger
	handlers map[queue.Kind]Handler
	onDead   func(ctx context.Context, job queue.Job, err error)
	settled  func(job queue.Job)
	now      func() time.Time
}

// New creates a pool. Jobs for the same (user, character) key never run
// concurrently within one pool.
func New(q queue.Queue, cfg Config, log logrus.FieldLogger) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Pool{
		q:        q,
		locks:    keylock.New(),
		cfg:      cfg,
		log:      log.WithField("component", "worker"),
		handlers: make(map[queue.Kind]Handler),
		now:      time.Now,
	}
}

// Handle registers the handler for a job kind.
func (p *Pool) Handle(kind queue.Kind, h Handler) {
	p.handlers[kind] = h
}

// OnDead sets the hook called once when a job is quarantined.
func (p *Pool) OnDead(fn func(ctx context.Context, job queue.Job, err error)) {
	p.onDead = fn
}

// OnSettled sets the hook called when a job reaches a terminal state,
// either completed or quarantined.
func (p *Pool) OnSettled(fn func(job queue.Job)) {
	p.settled = fn
}

// SetClock overrides the pool's time source.
func (p *Pool) SetClock(now func() time.Time) {
	p.now = now
}

// Run processes jobs with the configured number of workers until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	p.log.WithField("workers", p.cfg.Workers).Info("worker pool started")
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			p.loop(ctx, id)
			return nil
		})
	}
	err := g.Wait()
	p.log.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, id int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		worked, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.WithError(err).WithField("worker", id).Warn("claim failed")
		}
		if ctx.Err() != nil {
			return
		}
		if worked {
			continue
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce claims and processes a single job, reporting whether one ran.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.q.Claim(ctx, p.now())
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	p.process(ctx, *job)
	return true, nil
}

// Drain processes jobs until none is ready and returns how many ran.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		worked, err := p.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !worked {
			return n, nil
		}
		n++
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
	}
}

func (p *Pool) process(ctx context.Context, job queue.Job) {
	log := p.log.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"kind":      job.Kind,
		"user_id":   job.UserID,
		"character": job.CharacterName,
		"attempt":   job.Attempts,
	})
	// bookkeeping must land even when the pool is shutting down
	bg := context.WithoutCancel(ctx)

	err := p.execute(ctx, job)
	if err == nil {
		if cerr := p.q.Complete(bg, job.ID); cerr != nil {
			log.WithError(cerr).Error("complete job")
		}
		log.Debug("job done")
		p.settle(job)
		return
	}

	if IsPermanent(err) || job.Attempts >= p.cfg.MaxAttempts {
		if ferr := p.q.Fail(bg, job, err.Error()); ferr != nil {
			log.WithError(ferr).Error("quarantine job")
		}
		log.WithError(err).Warn("job quarantined")
		if p.onDead != nil {
			p.onDead(bg, job, err)
		}
		p.settle(job)
		return
	}

	delay := Backoff(p.cfg.BaseBackoff, p.cfg.MaxBackoff, job.Attempts)
	if rerr := p.q.Retry(bg, job, p.now().Add(delay), err.Error()); rerr != nil {
		log.WithError(rerr).Error("reschedule job")
		return
	}
	log.WithError(err).WithField("delay", delay.String()).Info("job retry scheduled")
}

func (p *Pool) execute(ctx context.Context, job queue.Job) error {
	h, ok := p.handlers[job.Kind]
	if !ok {
		return Permanent(fmt.Errorf("no handler for job kind %q", job.Kind))
	}
	unlock, err := p.locks.Lock(ctx, keylock.Key(job.UserID, job.CharacterName))
	if err != nil {
		return err
	}
	defer unlock()
	return h(ctx, job)
}

func (p *Pool) settle(job queue.Job) {
	if p.settled != nil {
		p.settled(job)
	}
}
