// Package extraction turns a recorded exchange into long-term memories and
// entity updates. It runs as a pipeline of named stages,
// classify → score → dedupe → persist, each retried on its own so a failure
// is attributed to the stage that caused it. Persisting an exchange is
// all-or-nothing and idempotent.
package extraction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rcliao/character-memory/internal/embedding"
	"github.com/rcliao/character-memory/internal/model"
	"github.com/rcliao/character-memory/internal/store"
)

// ErrUnparseable is returned when a model reply cannot be read as an
// extraction.
var ErrUnparseable = errors.New("unparseable extraction output")

// Stage names.
const (
	StageClassify = "classify"
	StageScore    = "score"
	StageDedupe   = "dedupe"
	StagePersist  = "persist"
)

// StageError attributes a pipeline failure to a stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s stage: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Candidate is a statement the classifier considers worth remembering.
// Rating is the raw 1-10 importance judgement.
type Candidate struct {
	Kind    model.MemoryKind `json:"type"`
	Content string           `json:"content"`
	Rating  float64          `json:"importance"`
}

// Classification is the raw output of the classify stage.
type Classification struct {
	Candidates []Candidate
	Entities   []model.EntityUpdate
}

// Classifier reads an exchange and proposes memories and entity updates.
type Classifier interface {
	Classify(ctx context.Context, ex *model.Exchange) (*Classification, error)
}

// Extraction is what one exchange contributes: scored, deduplicated memory
// candidates and entity updates.
type Extraction struct {
	NewMemories   []store.NewMemory
	EntityUpdates []model.EntityUpdate
}

// Result reports what a run changed.
type Result struct {
	ExchangeID string
	Inserted   []model.Memory
	Duplicates int
	Entities   []model.Entity
	Skipped    bool // the exchange had already been processed
}

// Store is what the pipeline reads and writes.
type Store interface {
	GetExchange(ctx context.Context, id string) (*model.Exchange, error)
	GetCharacter(ctx context.Context, name string) (*model.Character, error)
	PersistExtraction(ctx context.Context, w store.ExtractionWrite) (*store.PersistResult, error)
	SetEmbeddingRef(ctx context.Context, id, ref string) error
	UnindexedMemories(ctx context.Context, limit int) ([]model.Memory, error)
}

// Index receives vectors for newly stored memories.
type Index interface {
	Add(ctx context.Context, m model.Memory, vec []float32) (string, error)
}

// Config controls per-stage retries.
type Config struct {
	StageAttempts int
	StageBackoff  time.Duration
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{StageAttempts: 2, StageBackoff: 100 * time.Millisecond}
}

// Pipeline runs extraction for exchanges.
type Pipeline struct {
	store      Store
	classifier Classifier
	embedder   embedding.Embedder
	index      Index
	cfg        Config
	log        logrus.FieldLogger
	now        func() time.Time
}

// New creates a pipeline. embedder and index may be nil, in which case new
// memories are stored without vectors.
func New(st Store, classifier Classifier, embedder embedding.Embedder, index Index, cfg Config, log logrus.FieldLogger) *Pipeline {
	if cfg.StageAttempts <= 0 {
		cfg.StageAttempts = DefaultConfig().StageAttempts
	}
	return &Pipeline{
		store:      st,
		classifier: classifier,
		embedder:   embedder,
		index:      index,
		cfg:        cfg,
		log:        log.WithField("component", "extraction"),
		now:        time.Now,
	}
}

// SetClock overrides the pipeline's time source.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// Run extracts and persists one exchange. Exchanges already processed are
// skipped; replaying one that was interrupted writes nothing twice.
func (p *Pipeline) Run(ctx context.Context, exchangeID string) (*Result, error) {
	ex, err := p.store.GetExchange(ctx, exchangeID)
	if err != nil {
		return nil, fmt.Errorf("load exchange: %w", err)
	}
	res := &Result{ExchangeID: ex.ID}
	if ex.Status == model.ExchangeDone {
		res.Skipped = true
		return res, nil
	}

	out, err := p.Extract(ctx, ex)
	if err != nil {
		return nil, err
	}

	universeID := ""
	if c, err := p.store.GetCharacter(ctx, ex.CharacterName); err == nil {
		universeID = c.UniverseID
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load character: %w", err)
	}

	w := store.ExtractionWrite{
		ExchangeID: ex.ID,
		UserID:     ex.UserID,
		Character:  ex.CharacterName,
		UniverseID: universeID,
		SessionID:  ex.SessionID,
		MessageID:  ex.UserMessageID,
		Memories:   out.NewMemories,
		Entities:   out.EntityUpdates,
		Now:        p.now(),
	}
	var persisted *store.PersistResult
	err = p.stage(ctx, StagePersist, func() error {
		var err error
		persisted, err = p.store.PersistExtraction(ctx, w)
		return err
	})
	if err != nil {
		return nil, err
	}
	res.Inserted = persisted.Inserted
	res.Duplicates = persisted.Duplicates
	res.Entities = persisted.Entities

	p.indexMemories(ctx, res.Inserted)

	p.log.WithFields(logrus.Fields{
		"exchange_id": ex.ID,
		"user_id":     ex.UserID,
		"character":   ex.CharacterName,
		"inserted":    len(res.Inserted),
		"duplicates":  res.Duplicates,
		"entities":    len(res.Entities),
	}).Info("exchange extracted")
	return res, nil
}

// Extract runs the classify, score and dedupe stages for an exchange without
// writing anything.
func (p *Pipeline) Extract(ctx context.Context, ex *model.Exchange) (*Extraction, error) {
	var cls *Classification
	if err := p.stage(ctx, StageClassify, func() error {
		var err error
		cls, err = p.classifier.Classify(ctx, ex)
		return err
	}); err != nil {
		return nil, err
	}

	var scored []store.NewMemory
	if err := p.stage(ctx, StageScore, func() error {
		var err error
		scored, err = Score(cls.Candidates)
		return err
	}); err != nil {
		return nil, err
	}

	var out *Extraction
	if err := p.stage(ctx, StageDedupe, func() error {
		out = &Extraction{
			NewMemories:   Dedupe(scored),
			EntityUpdates: dedupeEntities(cls.Entities),
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// stage runs fn up to StageAttempts times and wraps the final error.
func (p *Pipeline) stage(ctx context.Context, name string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= p.cfg.StageAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == p.cfg.StageAttempts {
			break
		}
		p.log.WithError(err).WithFields(logrus.Fields{"stage": name, "attempt": attempt}).Debug("stage retry")
		select {
		case <-ctx.Done():
			return &StageError{Stage: name, Err: ctx.Err()}
		case <-time.After(p.cfg.StageBackoff * time.Duration(attempt)):
		}
	}
	return &StageError{Stage: name, Err: err}
}

// indexMemories embeds and indexes stored memories. Failures leave the
// memory unindexed for IndexMissing to pick up later; lexical ranking still
// sees it meanwhile.
func (p *Pipeline) indexMemories(ctx context.Context, mems []model.Memory) int {
	if p.embedder == nil || p.index == nil {
		return 0
	}
	n := 0
	for _, m := range mems {
		vec, err := p.embedder.Embed(ctx, m.Content)
		if err != nil {
			p.log.WithError(err).WithField("memory_id", m.ID).Warn("embedding_unavailable: memory left unindexed")
			return n
		}
		ref, err := p.index.Add(ctx, m, vec)
		if err != nil {
			p.log.WithError(err).WithField("memory_id", m.ID).Warn("index memory")
			continue
		}
		if err := p.store.SetEmbeddingRef(ctx, m.ID, ref); err != nil {
			p.log.WithError(err).WithField("memory_id", m.ID).Warn("record embedding ref")
			continue
		}
		n++
	}
	return n
}

// IndexMissing indexes memories stored while embeddings were unavailable.
func (p *Pipeline) IndexMissing(ctx context.Context, limit int) (int, error) {
	if p.embedder == nil || p.index == nil {
		return 0, nil
	}
	mems, err := p.store.UnindexedMemories(ctx, limit)
	if err != nil {
		return 0, err
	}
	return p.indexMemories(ctx, mems), nil
}

// Normalize folds case and whitespace so trivially different renderings of
// one statement hash alike.
func Normalize(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// ContentHash is the dedupe key of a memory's content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(Normalize(content)))
	return hex.EncodeToString(sum[:])
}

// NormalizeRating maps a 1-10 importance judgement onto [0,1].
func NormalizeRating(r float64) float64 {
	switch {
	case r <= 1:
		return 0
	case r >= 10:
		return 1
	}
	return (r - 1) / 9
}

// Score validates candidates and converts ratings to importance. Candidates
// with no content are dropped; an unknown kind fails the stage.
func Score(cands []Candidate) ([]store.NewMemory, error) {
	out := make([]store.NewMemory, 0, len(cands))
	for _, c := range cands {
		content := strings.TrimSpace(c.Content)
		if content == "" {
			continue
		}
		kind, err := model.ParseKind(string(c.Kind))
		if err != nil {
			return nil, err
		}
		out = append(out, store.NewMemory{
			Kind:       kind,
			Content:    content,
			Importance: NormalizeRating(c.Rating),
		})
	}
	return out, nil
}

// Dedupe assigns content hashes and drops repeats within one exchange,
// keeping the most important rendering.
func Dedupe(mems []store.NewMemory) []store.NewMemory {
	idx := make(map[string]int)
	var out []store.NewMemory
	for _, m := range mems {
		m.ContentHash = ContentHash(m.Content)
		if i, ok := idx[m.ContentHash]; ok {
			if m.Importance > out[i].Importance {
				out[i] = m
			}
			continue
		}
		idx[m.ContentHash] = len(out)
		out = append(out, m)
	}
	return out
}

func dedupeEntities(us []model.EntityUpdate) []model.EntityUpdate {
	idx := make(map[string]int)
	var out []model.EntityUpdate
	for _, u := range us {
		u.Name = strings.TrimSpace(u.Name)
		if u.Name == "" {
			continue
		}
		if _, err := model.ParseEntityType(string(u.Type)); err != nil {
			u.Type = model.EntityThing
		}
		key := string(u.Type) + "\x00" + strings.ToLower(u.Name)
		if i, ok := idx[key]; ok {
			for k, v := range u.Attributes {
				out[i].Attributes[k] = v
			}
			continue
		}
		// merges must not write through to the caller's map
		attrs := make(map[string]string, len(u.Attributes))
		for k, v := range u.Attributes {
			attrs[k] = v
		}
		u.Attributes = attrs
		idx[key] = len(out)
		out = append(out, u)
	}
	return out
}
