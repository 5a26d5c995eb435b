// Package engine exposes the memory and context contracts to the
// chat-serving layer: Assemble on the read path, RecordExchange and
// CloseSession on the write path. Writes are queued durably and applied by a
// background worker pool, serialized per (user, character).
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/character-memory/internal/assembler"
	"github.com/rcliao/character-memory/internal/embedding"
	"github.com/rcliao/character-memory/internal/extraction"
	"github.com/rcliao/character-memory/internal/keylock"
	"github.com/rcliao/character-memory/internal/llm"
	"github.com/rcliao/character-memory/internal/model"
	"github.com/rcliao/character-memory/internal/queue"
	"github.com/rcliao/character-memory/internal/ranker"
	"github.com/rcliao/character-memory/internal/store"
	"github.com/rcliao/character-memory/internal/summarizer"
	"github.com/rcliao/character-memory/internal/worker"
)

// ErrInvalid marks requests rejected before anything was written.
var ErrInvalid = errors.New("invalid request")

// Archiver moves closed sessions to cold storage.
type Archiver interface {
	Archive(ctx context.Context, s model.Session, at time.Time) error
	Get(ctx context.Context, sessionID string) (*model.Session, error)
}

// SessionConfig controls the session lifecycle.
type SessionConfig struct {
	// Timeout closes OPEN sessions idle for longer.
	Timeout       time.Duration
	SweepInterval time.Duration
	// PruneClosed drops a closed session's raw buffer from SQLite once it is
	// finalized and archived.
	PruneClosed bool
}

// Options wires an Engine. Store and Queue are required; everything else
// falls back to offline defaults.
type Options struct {
	Store      *store.SQLiteStore
	Queue      queue.Queue
	Index      *store.SemanticIndex
	Embedder   embedding.Embedder
	Completer  llm.Completer
	Archiver   Archiver
	Ranker     ranker.Config
	Assembler  assembler.Config
	Summarizer summarizer.Config
	Extraction extraction.Config
	Worker     worker.Config
	Session    SessionConfig
	Log        logrus.FieldLogger
}

// Engine is the memory and context assembly engine.
type Engine struct {
	store      *store.SQLiteStore
	queue      queue.Queue
	index      *store.SemanticIndex
	archiver   Archiver
	assembler  *assembler.Assembler
	pipeline   *extraction.Pipeline
	summarizer *summarizer.Summarizer
	pool       *worker.Pool
	appends    *keylock.Map
	settling   *keylock.Tracker
	session    SessionConfig
	log        logrus.FieldLogger
	now        func() time.Time
}

// New builds an engine and registers its job handlers.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Queue == nil {
		return nil, errors.New("engine needs a store and a queue")
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := opts.Ranker.Validate(); err != nil {
		return nil, err
	}
	if opts.Assembler == (assembler.Config{}) {
		opts.Assembler = assembler.DefaultConfig()
	}
	if opts.Extraction == (extraction.Config{}) {
		opts.Extraction = extraction.DefaultConfig()
	}
	// working memory starts where the raw buffer the assembler reads ends
	opts.Summarizer.BufferCapacity = opts.Assembler.BufferCapacity
	if opts.Session.Timeout <= 0 {
		opts.Session.Timeout = 2 * time.Hour
	}
	if opts.Session.SweepInterval <= 0 {
		opts.Session.SweepInterval = 5 * time.Minute
	}

	e := &Engine{
		store:    opts.Store,
		queue:    opts.Queue,
		index:    opts.Index,
		archiver: opts.Archiver,
		appends:  keylock.New(),
		settling: keylock.NewTracker(),
		session:  opts.Session,
		log:      log.WithField("component", "engine"),
		now:      time.Now,
	}

	// a nil *SemanticIndex must stay a nil interface
	var aIndex assembler.Index
	var xIndex extraction.Index
	if opts.Index != nil {
		aIndex, xIndex = opts.Index, opts.Index
	}
	var classifier extraction.Classifier = extraction.Heuristic{}
	if opts.Completer != nil {
		classifier = extraction.NewModelClassifier(opts.Completer)
	}

	r := ranker.New(opts.Ranker, opts.Embedder, log)
	e.assembler = assembler.New(opts.Store, r, opts.Embedder, aIndex, &settleBarrier{queue: opts.Queue, local: e.settling, poll: settlePoll}, opts.Assembler, log)
	e.pipeline = extraction.New(opts.Store, classifier, opts.Embedder, xIndex, opts.Extraction, log)
	e.summarizer = summarizer.New(opts.Store, opts.Completer, opts.Summarizer, log)

	e.pool = worker.New(opts.Queue, opts.Worker, log)
	e.pool.Handle(queue.KindExtract, e.handleExtract)
	e.pool.Handle(queue.KindSummarize, e.handleSummarize)
	e.pool.Handle(queue.KindFinalize, e.handleFinalize)
	e.pool.OnDead(e.quarantined)
	e.pool.OnSettled(e.settled)
	return e, nil
}

// SetClock overrides the time source of the engine and its components.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.assembler.SetClock(now)
	e.pipeline.SetClock(now)
	e.pool.SetClock(now)
}

// Store returns the underlying repository.
func (e *Engine) Store() *store.SQLiteStore { return e.store }

// Queue returns the job queue.
func (e *Engine) Queue() queue.Queue { return e.queue }

// Assemble builds the context bundle for one turn.
func (e *Engine) Assemble(ctx context.Context, req assembler.Request) (*model.ContextBundle, error) {
	return e.assembler.Assemble(ctx, req)
}

// Run processes background jobs and sweeps idle sessions until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.pool.Run(ctx) })
	g.Go(func() error {
		e.sweepLoop(ctx)
		return nil
	})
	return g.Wait()
}

// Drain runs every ready job once and reports how many ran.
func (e *Engine) Drain(ctx context.Context) (int, error) {
	return e.pool.Drain(ctx)
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.session.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				e.log.WithError(err).Warn("session sweep failed")
			}
		}
	}
}

func (e *Engine) expired(s *model.Session, now time.Time) bool {
	return s.State == model.SessionOpen && now.Sub(s.LastActivityAt) > e.session.Timeout
}

func jobFor(kind queue.Kind, ref string, s *model.Session, now time.Time) queue.Job {
	return queue.Job{
		ID:            queue.JobID(kind, ref),
		Kind:          kind,
		UserID:        s.UserID,
		CharacterName: s.CharacterName,
		SessionID:     s.ID,
		CreatedAt:     now,
	}
}
