package extraction

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/rcliao/character-memory/internal/embedding"
	"github.com/rcliao/character-memory/internal/model"
	"github.com/rcliao/character-memory/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func recordExchange(t *testing.T, st *store.SQLiteStore, userMsg string) *model.Exchange {
	t.Helper()
	ctx := context.Background()
	sess, _, err := st.OpenSession(ctx, "u1", "Aria", t0)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	ex, err := st.AppendExchange(ctx, store.AppendParams{
		SessionID:        sess.ID,
		UserMessage:      userMsg,
		AssistantMessage: "That sounds wonderful, tell me more.",
		Now:              t0,
	})
	if err != nil {
		t.Fatalf("AppendExchange: %v", err)
	}
	return ex
}

func newTestPipeline(t *testing.T, st Store, cls Classifier, emb embedding.Embedder, idx Index) *Pipeline {
	t.Helper()
	log, _ := test.NewNullLogger()
	p := New(st, cls, emb, idx, Config{StageAttempts: 2, StageBackoff: time.Millisecond}, log)
	p.SetClock(func() time.Time { return t0.Add(time.Minute) })
	return p
}

type scripted struct {
	reply string
	err   error
	calls int
}

func (c *scripted) Complete(ctx context.Context, prompt string) (string, error) {
	c.calls++
	return c.reply, c.err
}

const sisterMsg = "My sister Anna lives in Lisbon. I love jazz music! What do you think about that?"

func TestHeuristicClassify(t *testing.T) {
	cls, err := Heuristic{}.Classify(context.Background(), &model.Exchange{UserMessage: sisterMsg})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(cls.Candidates) != 2 {
		t.Fatalf("candidates = %+v", cls.Candidates)
	}
	fact, pref := cls.Candidates[0], cls.Candidates[1]
	if fact.Kind != model.KindFact || fact.Content != "Their sister Anna lives in Lisbon." || fact.Rating != 8 {
		t.Errorf("fact = %+v", fact)
	}
	if pref.Kind != model.KindPreference || pref.Content != "The user loves jazz music!" {
		t.Errorf("preference = %+v", pref)
	}

	if len(cls.Entities) != 2 {
		t.Fatalf("entities = %+v", cls.Entities)
	}
	anna, lisbon := cls.Entities[0], cls.Entities[1]
	if anna.Type != model.EntityPerson || anna.Name != "Anna" || anna.Attributes["relation"] != "sister" {
		t.Errorf("anna = %+v", anna)
	}
	if lisbon.Type != model.EntityPlace || lisbon.Name != "Lisbon" || lisbon.Attributes["relation"] != "home" {
		t.Errorf("lisbon = %+v", lisbon)
	}
}

func TestHeuristicSkipsSmallTalk(t *testing.T) {
	cls, err := Heuristic{}.Classify(context.Background(), &model.Exchange{UserMessage: "Okay. Sounds good to me. How are you?"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(cls.Candidates) != 0 || len(cls.Entities) != 0 {
		t.Errorf("expected nothing, got %+v", cls)
	}
}

func TestThirdPerson(t *testing.T) {
	tests := []struct{ in, want string }{
		{"I love hiking with my dog.", "The user loves hiking with their dog."},
		{"I'm a nurse.", "The user is a nurse."},
		{"I really like tea", "The user really likes tea"},
		{"I was born in Ohio", "The user was born in Ohio"},
		{"Call me Sam", "Call them Sam"},
	}
	for _, tt := range tests {
		if got := thirdPerson(tt.in); got != tt.want {
			t.Errorf("thirdPerson(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeRating(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{1, 0}, {10, 1}, {5.5, 0.5}, {0, 0}, {12, 1},
	}
	for _, tt := range tests {
		if got := NormalizeRating(tt.in); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("NormalizeRating(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestScoreAndDedupe(t *testing.T) {
	scored, err := Score([]Candidate{
		{Kind: model.KindFact, Content: "User is a nurse", Rating: 7},
		{Kind: model.KindFact, Content: "  user IS a   nurse ", Rating: 9},
		{Kind: model.KindEvent, Content: "   ", Rating: 5},
	})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(scored) != 2 {
		t.Fatalf("scored = %+v", scored)
	}
	out := Dedupe(scored)
	if len(out) != 1 {
		t.Fatalf("dedupe kept %d", len(out))
	}
	if out[0].Importance != NormalizeRating(9) || out[0].ContentHash != ContentHash("User is a nurse") {
		t.Errorf("kept %+v", out[0])
	}

	if _, err := Score([]Candidate{{Kind: "opinion", Content: "x", Rating: 5}}); err == nil {
		t.Error("expected unknown kind to fail scoring")
	}
}

func TestDedupeEntitiesCopiesAttributes(t *testing.T) {
	first := map[string]string{"relation": "sister"}
	in := []model.EntityUpdate{
		{Type: model.EntityPerson, Name: "Anna", Attributes: first},
		{Type: model.EntityPerson, Name: "anna", Attributes: map[string]string{"city": "Lisbon"}},
	}
	out := dedupeEntities(in)
	if len(out) != 1 {
		t.Fatalf("dedupe kept %d", len(out))
	}
	if out[0].Attributes["relation"] != "sister" || out[0].Attributes["city"] != "Lisbon" {
		t.Errorf("merged attributes = %v", out[0].Attributes)
	}
	if len(first) != 1 || first["city"] != "" {
		t.Errorf("caller's attributes changed to %v", first)
	}
}

func TestRunPersistsAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	ex := recordExchange(t, st, sisterMsg)
	p := newTestPipeline(t, st, Heuristic{}, nil, nil)

	res, err := p.Run(ctx, ex.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Inserted) != 2 || len(res.Entities) != 2 {
		t.Fatalf("inserted %d memories, %d entities", len(res.Inserted), len(res.Entities))
	}
	for _, m := range res.Inserted {
		if m.SourceMessageID != ex.UserMessageID || m.SourceSessionID != ex.SessionID {
			t.Errorf("memory provenance = %s/%s", m.SourceSessionID, m.SourceMessageID)
		}
	}

	again, err := p.Run(ctx, ex.ID)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !again.Skipped {
		t.Error("expected processed exchange to be skipped")
	}

	// a replay after a crash between persist and acknowledgement
	if err := st.MarkExchange(ctx, ex.ID, model.ExchangePending, 1, ""); err != nil {
		t.Fatalf("MarkExchange: %v", err)
	}
	replay, err := p.Run(ctx, ex.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replay.Inserted) != 0 || replay.Duplicates != 2 {
		t.Errorf("replay inserted %d, duplicates %d", len(replay.Inserted), replay.Duplicates)
	}
	n, err := st.CountMemories(ctx, "u1", "Aria")
	if err != nil {
		t.Fatalf("CountMemories: %v", err)
	}
	if n != 2 {
		t.Errorf("memory count = %d, want 2", n)
	}
	ents, err := st.EntitySnapshot(ctx, "u1", "Aria", "")
	if err != nil {
		t.Fatalf("EntitySnapshot: %v", err)
	}
	for _, e := range ents {
		if e.MentionCount != 1 {
			t.Errorf("entity %s mentioned %d times after replay", e.Name, e.MentionCount)
		}
	}
}

func TestRunUnparseableFailsClassify(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	ex := recordExchange(t, st, sisterMsg)
	c := &scripted{reply: "Sure! Here are some facts."}
	p := newTestPipeline(t, st, NewModelClassifier(c), nil, nil)

	_, err := p.Run(ctx, ex.ID)
	if !errors.Is(err, ErrUnparseable) {
		t.Fatalf("expected ErrUnparseable, got %v", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageClassify {
		t.Errorf("expected classify stage error, got %v", err)
	}
	if c.calls != 2 {
		t.Errorf("classify attempts = %d, want 2", c.calls)
	}
	got, err := st.GetExchange(ctx, ex.ID)
	if err != nil {
		t.Fatalf("GetExchange: %v", err)
	}
	if got.Status != model.ExchangePending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if n, _ := st.CountMemories(ctx, "u1", "Aria"); n != 0 {
		t.Errorf("partial write: %d memories", n)
	}
}

func TestModelClassifier(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	ex := recordExchange(t, st, sisterMsg)
	c := &scripted{reply: "```json\n" + `{
		"memories": [
			{"type": "fact", "content": "User's sister Anna lives in Lisbon", "importance": 8},
			{"type": "opinion", "content": "User loves jazz", "importance": 0.5}
		],
		"entities": [
			{"type": "person", "name": "Anna", "relationship": "sister", "details": "lives in Lisbon"},
			{"type": "organization", "name": "Lisbon Jazz Club"}
		]
	}` + "\n```"}
	p := newTestPipeline(t, st, NewModelClassifier(c), nil, nil)

	res, err := p.Run(ctx, ex.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Inserted) != 2 {
		t.Fatalf("inserted %d", len(res.Inserted))
	}
	byContent := map[string]model.Memory{}
	for _, m := range res.Inserted {
		byContent[m.Content] = m
	}
	if m := byContent["User loves jazz"]; m.Kind != model.KindPreference || math.Abs(m.Importance-0.5) > 1e-9 {
		t.Errorf("jazz memory = %+v", m)
	}
	if m := byContent["User's sister Anna lives in Lisbon"]; math.Abs(m.Importance-7.0/9) > 1e-9 {
		t.Errorf("sister memory importance = %v", m.Importance)
	}
	if len(res.Entities) != 2 || res.Entities[1].Type != model.EntityPlace {
		t.Errorf("entities = %+v", res.Entities)
	}
}

type flakyStore struct {
	*store.SQLiteStore
	failures int
	calls    int
}

func (f *flakyStore) PersistExtraction(ctx context.Context, w store.ExtractionWrite) (*store.PersistResult, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("database is locked")
	}
	return f.SQLiteStore.PersistExtraction(ctx, w)
}

func TestPersistStageRetries(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	ex := recordExchange(t, st, sisterMsg)

	flaky := &flakyStore{SQLiteStore: st, failures: 1}
	p := newTestPipeline(t, flaky, Heuristic{}, nil, nil)
	if _, err := p.Run(ctx, ex.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if flaky.calls != 2 {
		t.Errorf("persist calls = %d, want 2", flaky.calls)
	}

	ex2 := recordExchange(t, st, "I work at Google as a designer.")
	broken := &flakyStore{SQLiteStore: st, failures: 10}
	p = newTestPipeline(t, broken, Heuristic{}, nil, nil)
	_, err := p.Run(ctx, ex2.ID)
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StagePersist {
		t.Fatalf("expected persist stage error, got %v", err)
	}
}

func TestRunIndexesMemories(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	idx, err := store.NewSemanticIndex("")
	if err != nil {
		t.Fatalf("NewSemanticIndex: %v", err)
	}
	emb := embedding.NewHashEmbedder(256)

	// stored while embeddings were off
	ex := recordExchange(t, st, sisterMsg)
	if _, err := newTestPipeline(t, st, Heuristic{}, nil, nil).Run(ctx, ex.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	p := newTestPipeline(t, st, Heuristic{}, emb, idx)
	n, err := p.IndexMissing(ctx, 10)
	if err != nil {
		t.Fatalf("IndexMissing: %v", err)
	}
	if n != 2 {
		t.Errorf("indexed %d, want 2", n)
	}

	ex2 := recordExchange(t, st, "I work at Google as a designer.")
	res, err := p.Run(ctx, ex2.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Inserted) != 1 {
		t.Fatalf("inserted %d", len(res.Inserted))
	}
	left, err := st.UnindexedMemories(ctx, 10)
	if err != nil {
		t.Fatalf("UnindexedMemories: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("%d memories left unindexed", len(left))
	}

	vec, _ := emb.Embed(ctx, "designer at Google")
	hits, err := idx.Query(ctx, "u1", "Aria", "", vec, 3)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) == 0 || hits[0].MemoryID != res.Inserted[0].ID {
		t.Errorf("hits = %+v", hits)
	}
}
