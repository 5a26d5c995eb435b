// Package assembler builds the token-bounded context bundle handed to the
// inference backend for each conversational turn.
//
// Sources are read in parallel, each under its own timeout, and the whole
// call under a hard deadline. The bundle is then composed in strict priority
// order from a shrinking budget: persona, entities, last episode, long-term
// memories, working memory, and finally the most recent raw messages.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/character-memory/internal/embedding"
	"github.com/rcliao/character-memory/internal/model"
	"github.com/rcliao/character-memory/internal/ranker"
	"github.com/rcliao/character-memory/internal/store"
)

// ErrNoStores is returned when every source failed, since a bundle without
// any grounding is worse than an error.
var ErrNoStores = errors.New("no memory store reachable")

// ErrInvalidRequest is returned for malformed assembly requests.
var ErrInvalidRequest = errors.New("invalid assemble request")

// SectionError records why a source degraded to empty.
type SectionError struct {
	Section string
	Err     error
}

func (e *SectionError) Error() string { return fmt.Sprintf("section %s: %v", e.Section, e.Err) }
func (e *SectionError) Unwrap() error { return e.Err }

// Timeout reports whether the section ran out of time.
func (e *SectionError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Store is the read side of the repositories.
type Store interface {
	GetCharacter(ctx context.Context, name string) (*model.Character, error)
	GetSettings(ctx context.Context, userID string) (*model.UserSettings, error)
	EntitySnapshot(ctx context.Context, userID, characterName, universeID string) ([]model.Entity, error)
	LatestEpisode(ctx context.Context, userID, characterName string) (*model.Episode, error)
	ListMemories(ctx context.Context, q store.MemoryQuery) ([]model.Memory, error)
	SearchMemories(ctx context.Context, p store.SearchParams) ([]model.Memory, error)
	GetMemories(ctx context.Context, ids []string) ([]model.Memory, error)
	TouchMemories(ctx context.Context, ids []string, at time.Time) error
	LatestSession(ctx context.Context, userID, characterName string, states ...model.SessionState) (*model.Session, error)
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]model.Message, error)
}

// Index answers nearest-neighbour queries over memory embeddings.
type Index interface {
	Query(ctx context.Context, userID, characterName, universeID string, vec []float32, n int) ([]store.SemanticHit, error)
}

// Barrier blocks until background writes queued for a (user, character)
// pair have settled.
type Barrier interface {
	Wait(ctx context.Context, userID, characterName string) error
}

// Config holds section caps and timeouts. Caps are upper bounds; unused
// allowance flows to later sections.
type Config struct {
	PersonaCap       int
	EntitiesCap      int
	EpisodicCap      int
	LongTermCap      int
	WorkingMemoryCap int
	BufferCapacity   int
	CandidateLimit   int
	SectionTimeout   time.Duration
	Deadline         time.Duration
}

// DefaultConfig returns the assembler defaults.
func DefaultConfig() Config {
	return Config{
		PersonaCap:       500,
		EntitiesCap:      200,
		EpisodicCap:      150,
		LongTermCap:      400,
		WorkingMemoryCap: 200,
		BufferCapacity:   15,
		CandidateLimit:   50,
		SectionTimeout:   150 * time.Millisecond,
		Deadline:         400 * time.Millisecond,
	}
}

// Request is one assembly call.
type Request struct {
	UserID        string `json:"user_id"`
	CharacterName string `json:"character_name"`
	Message       string `json:"message"`
	TokenBudget   int    `json:"token_budget"`
}

// Assembler composes context bundles.
type Assembler struct {
	store    Store
	ranker   *ranker.Ranker
	embedder embedding.Embedder
	index    Index
	barrier  Barrier
	cfg      Config
	log      logrus.FieldLogger
	now      func() time.Time
}

// New creates an assembler. embedder, index and barrier may be nil.
func New(st Store, r *ranker.Ranker, embedder embedding.Embedder, index Index, barrier Barrier, cfg Config, log logrus.FieldLogger) *Assembler {
	return &Assembler{
		store:    st,
		ranker:   r,
		embedder: embedder,
		index:    index,
		barrier:  barrier,
		cfg:      cfg,
		log:      log.WithField("component", "assembler"),
		now:      time.Now,
	}
}

// SetClock overrides the assembler's time source.
func (a *Assembler) SetClock(now func() time.Time) { a.now = now }

// snapshot is what the fan-out read.
type snapshot struct {
	character *model.Character
	entities  []model.Entity
	episode   *model.Episode
	longTerm  []ranker.Scored
	session   *model.Session
	messages  []model.Message
	errs      map[string]error
}

// sources is written by section goroutines under mu.
type sources struct {
	mu   sync.Mutex
	data snapshot
	done map[string]bool
}

func (s *sources) set(fn func(d *snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.data)
}

func (s *sources) finish(label string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[label] = true
	if err != nil {
		s.data.errs[label] = err
	}
}

// snapshot copies what has arrived; sources still running count as timed out.
func (s *sources) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.data
	snap.errs = make(map[string]error, len(s.data.errs))
	for k, v := range s.data.errs {
		snap.errs[k] = v
	}
	for _, label := range allSources {
		if !s.done[label] {
			snap.errs[label] = fmt.Errorf("assemble deadline: %w", context.DeadlineExceeded)
		}
	}
	return snap
}

// source labels; "session" feeds both working memory and recent messages
const (
	srcCharacter = model.SectionPersona
	srcEntities  = model.SectionEntities
	srcEpisodic  = model.SectionEpisodic
	srcLongTerm  = model.SectionLongTerm
	srcSession   = "session"
)

var allSources = []string{srcCharacter, srcEntities, srcEpisodic, srcLongTerm, srcSession}

// Assemble returns the context bundle for one turn. Sources that fail or
// time out degrade to empty sections; only when all of them fail is an error
// returned. The bundle's token count never exceeds req.TokenBudget.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*model.ContextBundle, error) {
	if req.TokenBudget < 0 {
		return nil, fmt.Errorf("%w: token budget must be >= 0, got %d", ErrInvalidRequest, req.TokenBudget)
	}
	if req.UserID == "" || req.CharacterName == "" {
		return nil, fmt.Errorf("%w: user id and character name are required", ErrInvalidRequest)
	}
	now := a.now()
	log := a.log.WithFields(logrus.Fields{"user_id": req.UserID, "character": req.CharacterName})

	dctx, cancel := context.WithTimeout(ctx, a.cfg.Deadline)
	defer cancel()

	src := &sources{done: make(map[string]bool), data: snapshot{errs: make(map[string]error)}}
	a.fetch(dctx, req, now, src, log)
	// late results are ignored
	snap := src.snapshot()

	if len(snap.errs) == len(allSources) {
		var errs []error
		for _, label := range allSources {
			errs = append(errs, &SectionError{Section: label, Err: snap.errs[label]})
		}
		return nil, fmt.Errorf("%w: %w", ErrNoStores, errors.Join(errs...))
	}

	for _, label := range allSources {
		if err, ok := snap.errs[label]; ok {
			se := &SectionError{Section: label, Err: err}
			event := "retrieval_failed"
			if se.Timeout() {
				event = "retrieval_timeout"
			}
			log.WithError(err).WithField("section", label).Warn(event)
		}
	}

	b := a.compose(req, &snap, log)
	a.touch(ctx, b.MemoryIDs, now, log)
	return b, nil
}

// fetch reads every source, returning when all are done or ctx expires.
func (a *Assembler) fetch(ctx context.Context, req Request, now time.Time, src *sources, log logrus.FieldLogger) {
	// the character decides the universe every other read filters on
	var universe string
	crossCharacter := false
	{
		sctx, cancel := context.WithTimeout(ctx, a.cfg.SectionTimeout)
		g, gctx := errgroup.WithContext(sctx)
		g.Go(func() error {
			c, err := a.store.GetCharacter(gctx, req.CharacterName)
			if errors.Is(err, store.ErrNotFound) {
				err = nil
			}
			src.set(func(d *snapshot) { d.character = c })
			src.finish(srcCharacter, err)
			return nil
		})
		g.Go(func() error {
			st, err := a.store.GetSettings(gctx, req.UserID)
			if err != nil {
				log.WithError(err).Debug("settings unavailable, cross-character sharing off")
				return nil
			}
			crossCharacter = st.CrossCharacter
			return nil
		})
		g.Wait()
		cancel()
		src.set(func(d *snapshot) {
			if d.character != nil {
				universe = d.character.UniverseID
			}
		})
	}
	sharedUniverse := ""
	if crossCharacter {
		sharedUniverse = universe
	}

	var g errgroup.Group
	run := func(label string, fn func(ctx context.Context) error) {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, a.cfg.SectionTimeout)
			defer cancel()
			src.finish(label, fn(sctx))
			return nil
		})
	}

	run(srcEntities, func(ctx context.Context) error {
		ents, err := a.store.EntitySnapshot(ctx, req.UserID, req.CharacterName, universe)
		if err != nil {
			return err
		}
		src.set(func(d *snapshot) { d.entities = ents })
		return nil
	})
	run(srcEpisodic, func(ctx context.Context) error {
		ep, err := a.store.LatestEpisode(ctx, req.UserID, req.CharacterName)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		src.set(func(d *snapshot) { d.episode = ep })
		return nil
	})
	run(srcLongTerm, func(ctx context.Context) error {
		scored, err := a.longTerm(ctx, req, sharedUniverse, now, log)
		if err != nil {
			return err
		}
		src.set(func(d *snapshot) { d.longTerm = scored })
		return nil
	})
	run(srcSession, func(ctx context.Context) error {
		sess, msgs, err := a.session(ctx, req, log)
		if err != nil {
			return err
		}
		src.set(func(d *snapshot) {
			d.session = sess
			d.messages = msgs
		})
		return nil
	})

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.WithField("deadline", a.cfg.Deadline.String()).Warn("assemble deadline exceeded, composing partial bundle")
	}
}

// session reads the conversation in progress. An OPEN session wins; a
// CLOSING one is read as it stood before closing began.
func (a *Assembler) session(ctx context.Context, req Request, log logrus.FieldLogger) (*model.Session, []model.Message, error) {
	if a.barrier != nil {
		wctx, cancel := context.WithTimeout(ctx, a.cfg.SectionTimeout/2)
		err := a.barrier.Wait(wctx, req.UserID, req.CharacterName)
		cancel()
		if err != nil {
			log.WithError(err).Warn("working memory still settling, reading current state")
		}
	}
	sess, err := a.store.LatestSession(ctx, req.UserID, req.CharacterName, model.SessionOpen)
	if errors.Is(err, store.ErrNotFound) {
		sess, err = a.store.LatestSession(ctx, req.UserID, req.CharacterName, model.SessionClosing)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	msgs, err := a.store.RecentMessages(ctx, sess.ID, a.cfg.BufferCapacity)
	if err != nil {
		return nil, nil, err
	}
	return sess, msgs, nil
}

// longTerm gathers candidates from the importance listing, full-text search
// and the semantic index, then ranks them.
func (a *Assembler) longTerm(ctx context.Context, req Request, universe string, now time.Time, log logrus.FieldLogger) ([]ranker.Scored, error) {
	limit := a.cfg.CandidateLimit
	cands := make(map[string]model.Memory)
	add := func(ms []model.Memory) {
		for _, m := range ms {
			cands[m.ID] = m
		}
	}

	listed, err := a.store.ListMemories(ctx, store.MemoryQuery{
		UserID:        req.UserID,
		CharacterName: req.CharacterName,
		UniverseID:    universe,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	add(listed)

	found, err := a.store.SearchMemories(ctx, store.SearchParams{
		UserID:        req.UserID,
		CharacterName: req.CharacterName,
		UniverseID:    universe,
		Query:         req.Message,
		Limit:         limit,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		log.WithError(err).Debug("full-text search failed")
	}
	add(found)

	known := make(map[string]float64)
	if a.index != nil && a.embedder != nil && req.Message != "" {
		known = a.semanticHits(ctx, req, universe, limit, cands, log)
	}

	mems := make([]model.Memory, 0, len(cands))
	for _, m := range cands {
		mems = append(mems, m)
	}
	scored := a.ranker.Rank(ctx, req.Message, mems, known, now)

	min := a.ranker.Config().MinScore
	out := scored[:0]
	for _, s := range scored {
		if s.Score >= min {
			out = append(out, s)
		}
	}
	return out, nil
}

func (a *Assembler) semanticHits(ctx context.Context, req Request, universe string, limit int, cands map[string]model.Memory, log logrus.FieldLogger) map[string]float64 {
	known := make(map[string]float64)
	qv, err := a.embedder.Embed(ctx, req.Message)
	if err != nil {
		log.WithError(err).Warn("embedding_unavailable: skipping semantic index")
		return known
	}
	hits, err := a.index.Query(ctx, req.UserID, req.CharacterName, universe, qv, limit)
	if err != nil {
		log.WithError(err).Warn("semantic index query failed")
		return known
	}
	var missing []string
	for _, h := range hits {
		known[h.MemoryID] = h.Similarity
		if _, ok := cands[h.MemoryID]; !ok {
			missing = append(missing, h.MemoryID)
		}
	}
	if len(missing) > 0 {
		ms, err := a.store.GetMemories(ctx, missing)
		if err != nil {
			log.WithError(err).Warn("load indexed memories")
			return known
		}
		for _, m := range ms {
			cands[m.ID] = m
		}
	}
	return known
}

// touch records the reads of included memories. It is bounded by the section
// timeout and never fails the assembly.
func (a *Assembler) touch(ctx context.Context, ids []string, now time.Time, log logrus.FieldLogger) {
	if len(ids) == 0 {
		return
	}
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.SectionTimeout)
	defer cancel()
	if err := a.store.TouchMemories(tctx, ids, now); err != nil {
		log.WithError(err).Warn("record memory access")
	}
}
