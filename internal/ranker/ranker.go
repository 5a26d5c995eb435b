// Package ranker scores long-term memories against a query.
//
// The composite score is
//
//	w.Semantic·semantic + w.Recency·recency + w.Importance·importance + w.Frequency·frequency
//
// where semantic is the cosine similarity of the query and memory embeddings
// clamped to [0,1], recency is 0.5^(age/half-life) measured from the memory's
// last access (or creation), and frequency is min(access_count/cap, 1).
// When no embedding can be computed the semantic term is replaced by a
// lexical word-overlap score on the same [0,1] scale.
package ranker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/rcliao/character-memory/internal/embedding"
	"github.com/rcliao/character-memory/internal/model"
)

// Weights are the coefficients of the composite score.
type Weights struct {
	Semantic   float64 `yaml:"semantic"`
	Recency    float64 `yaml:"recency"`
	Importance float64 `yaml:"importance"`
	Frequency  float64 `yaml:"frequency"`
}

// Config tunes the ranking formula.
type Config struct {
	Weights      Weights       `yaml:"weights"`
	HalfLife     time.Duration `yaml:"half_life"`
	FrequencyCap int           `yaml:"frequency_cap"`
	// MinScore is the threshold a memory must reach to be used in context.
	MinScore float64 `yaml:"min_score"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Weights:      Weights{Semantic: 0.4, Recency: 0.2, Importance: 0.3, Frequency: 0.1},
		HalfLife:     7 * 24 * time.Hour,
		FrequencyCap: 10,
		MinScore:     0.3,
	}
}

// Validate rejects configurations that make scores meaningless.
func (c Config) Validate() error {
	w := c.Weights
	for name, v := range map[string]float64{
		"semantic": w.Semantic, "recency": w.Recency, "importance": w.Importance, "frequency": w.Frequency,
	} {
		if v < 0 {
			return fmt.Errorf("ranker weight %s must be >= 0, got %v", name, v)
		}
	}
	if sum := w.Semantic + w.Recency + w.Importance + w.Frequency; sum <= 0 {
		return fmt.Errorf("ranker weights must not all be zero")
	}
	if c.HalfLife <= 0 {
		return fmt.Errorf("ranker half-life must be positive, got %v", c.HalfLife)
	}
	if c.FrequencyCap <= 0 {
		return fmt.Errorf("ranker frequency cap must be positive, got %d", c.FrequencyCap)
	}
	if c.MinScore < 0 || c.MinScore > 1 {
		return fmt.Errorf("ranker min score must be in [0,1], got %v", c.MinScore)
	}
	return nil
}

// Scored is a memory with its score breakdown.
type Scored struct {
	Memory     model.Memory `json:"memory"`
	Score      float64      `json:"score"`
	Semantic   float64      `json:"semantic"`
	Recency    float64      `json:"recency"`
	Importance float64      `json:"importance"`
	Frequency  float64      `json:"frequency"`
	Lexical    bool         `json:"lexical,omitempty"`
}

// Ranker orders memories by relevance. A nil embedder means lexical only.
type Ranker struct {
	cfg      Config
	embedder embedding.Embedder
	log      logrus.FieldLogger
}

// New creates a Ranker.
func New(cfg Config, embedder embedding.Embedder, log logrus.FieldLogger) *Ranker {
	return &Ranker{cfg: cfg, embedder: embedder, log: log.WithField("component", "ranker")}
}

// Config returns the ranker's configuration.
func (r *Ranker) Config() Config { return r.cfg }

// Recency is 0.5^(age/half-life), 1 for timestamps in the future.
func (r *Ranker) Recency(now, touched time.Time) float64 {
	age := now.Sub(touched)
	if age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(r.cfg.HalfLife))
}

// Frequency is min(access_count/cap, 1).
func (r *Ranker) Frequency(accessCount int) float64 {
	if accessCount <= 0 {
		return 0
	}
	return math.Min(float64(accessCount)/float64(r.cfg.FrequencyCap), 1)
}

// Score combines a precomputed relevance term with the memory's own signals.
// It does not mutate m.
func (r *Ranker) Score(m model.Memory, semantic float64, now time.Time) Scored {
	w := r.cfg.Weights
	s := Scored{
		Memory:     m,
		Semantic:   clamp01(semantic),
		Recency:    r.Recency(now, m.LastTouched()),
		Importance: clamp01(m.Importance),
		Frequency:  r.Frequency(m.AccessCount),
	}
	s.Score = w.Semantic*s.Semantic + w.Recency*s.Recency + w.Importance*s.Importance + w.Frequency*s.Frequency
	return s
}

// Rank scores every memory against query and returns them best first.
// known holds similarities already computed elsewhere, such as by the
// semantic index, keyed by memory id. If any embedding needed for the set
// cannot be produced the whole set is scored lexically, so all scores share
// one scale. The input slice is not modified.
func (r *Ranker) Rank(ctx context.Context, query string, memories []model.Memory, known map[string]float64, now time.Time) []Scored {
	sims, err := r.semantic(ctx, query, memories, known)
	lexical := err != nil
	if lexical {
		if r.embedder != nil {
			r.log.WithError(err).Warn("embedding_unavailable: falling back to lexical scoring")
		}
		sims = make(map[string]float64, len(memories))
		qt := terms(query)
		for _, m := range memories {
			sims[m.ID] = Lexical(qt, terms(m.Content))
		}
	}

	out := make([]Scored, 0, len(memories))
	for _, m := range memories {
		s := r.Score(m, sims[m.ID], now)
		s.Lexical = lexical
		out = append(out, s)
	}
	Sort(out)
	return out
}

var errNoEmbedder = errors.New("no embedder configured")

func (r *Ranker) semantic(ctx context.Context, query string, memories []model.Memory, known map[string]float64) (map[string]float64, error) {
	if r.embedder == nil {
		return nil, errNoEmbedder
	}
	sims := make(map[string]float64, len(memories))
	var qv embedding.Vector
	for _, m := range memories {
		if s, ok := known[m.ID]; ok {
			sims[m.ID] = s
			continue
		}
		if qv == nil {
			v, err := r.embedder.Embed(ctx, query)
			if err != nil {
				return nil, err
			}
			qv = v
		}
		mv, err := r.embedder.Embed(ctx, m.Content)
		if err != nil {
			return nil, err
		}
		sims[m.ID] = embedding.CosineSimilarity(qv, mv)
	}
	return sims, nil
}

// Sort orders scored memories by score, then newer created_at, then id.
func Sort(s []Scored) {
	sort.SliceStable(s, func(i, j int) bool {
		a, b := s[i], s[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Memory.CreatedAt.Equal(b.Memory.CreatedAt) {
			return a.Memory.CreatedAt.After(b.Memory.CreatedAt)
		}
		return a.Memory.ID < b.Memory.ID
	})
}

// Lexical is the fraction of distinct query terms present in the memory.
func Lexical(query, memory map[string]struct{}) float64 {
	if len(query) == 0 || len(memory) == 0 {
		return 0
	}
	hit := 0
	for t := range query {
		if _, ok := memory[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(query))
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {}, "by": {},
	"do": {}, "for": {}, "from": {}, "had": {}, "has": {}, "have": {}, "i": {}, "in": {}, "is": {},
	"it": {}, "me": {}, "my": {}, "of": {}, "on": {}, "or": {}, "so": {}, "that": {}, "the": {},
	"to": {}, "was": {}, "we": {}, "what": {}, "with": {}, "you": {}, "your": {},
}

func terms(s string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if _, stop := stopwords[w]; stop {
			continue
		}
		out[stem(w)] = struct{}{}
	}
	return out
}

// stem drops a plural or possessive "s" so "dogs" matches "dog".
func stem(w string) string {
	if len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
		return w[:len(w)-1]
	}
	return w
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
