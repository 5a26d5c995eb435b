package assembler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/rcliao/character-memory/internal/model"
	"github.com/rcliao/character-memory/internal/ranker"
	"github.com/rcliao/character-memory/internal/store"
	"github.com/rcliao/character-memory/internal/tokens"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const persona = "You are Aria, a warm and curious bard from the city of Vell. You speak in short, kind sentences."

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SectionTimeout = 2 * time.Second
	cfg.Deadline = 5 * time.Second
	return cfg
}

func newTestAssembler(t *testing.T, st Store, cfg Config) (*Assembler, *test.Hook) {
	t.Helper()
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	rcfg := ranker.DefaultConfig()
	rcfg.MinScore = 0
	a := New(st, ranker.New(rcfg, nil, log), nil, nil, nil, cfg, log)
	a.SetClock(func() time.Time { return t0.Add(time.Hour) })
	return a, hook
}

// seed builds a user with a prior episode, two memories, an entity and an
// open session of n exchanges.
func seed(t *testing.T, st *store.SQLiteStore, exchanges int) *model.Session {
	t.Helper()
	ctx := context.Background()
	if _, err := st.PutCharacter(ctx, model.Character{Name: "Aria", Persona: persona}, t0); err != nil {
		t.Fatalf("PutCharacter: %v", err)
	}

	old, _, err := st.OpenSession(ctx, "u1", "Aria", t0)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	ex, err := st.AppendExchange(ctx, store.AppendParams{
		SessionID: old.ID, UserMessage: "My sister Anna lives in Lisbon.", AssistantMessage: "Lovely city!", Now: t0,
	})
	if err != nil {
		t.Fatalf("AppendExchange: %v", err)
	}
	if _, err := st.PersistExtraction(ctx, store.ExtractionWrite{
		ExchangeID: ex.ID, UserID: "u1", Character: "Aria", SessionID: old.ID, MessageID: ex.UserMessageID,
		Memories: []store.NewMemory{
			{Kind: model.KindFact, Content: "Their sister Anna lives in Lisbon.", ContentHash: "h1", Importance: 0.8},
			{Kind: model.KindPreference, Content: "The user loves jazz music.", ContentHash: "h2", Importance: 0.5},
		},
		Entities: []model.EntityUpdate{
			{Type: model.EntityPerson, Name: "Anna", Attributes: map[string]string{"relation": "sister"}},
		},
		Now: t0,
	}); err != nil {
		t.Fatalf("PersistExtraction: %v", err)
	}
	if err := st.BeginClosing(ctx, old.ID, t0.Add(time.Minute)); err != nil {
		t.Fatalf("BeginClosing: %v", err)
	}
	if _, err := st.FinalizeSession(ctx, old.ID, "We talked about Anna and Lisbon.", t0.Add(time.Minute)); err != nil {
		t.Fatalf("FinalizeSession: %v", err)
	}

	sess, _, err := st.OpenSession(ctx, "u1", "Aria", t0.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	for i := 0; i < exchanges; i++ {
		if _, err := st.AppendExchange(ctx, store.AppendParams{
			SessionID:        sess.ID,
			UserMessage:      fmt.Sprintf("message %d about my guitar lessons", i),
			AssistantMessage: fmt.Sprintf("reply %d", i),
			Now:              t0.Add(10*time.Minute + time.Duration(i)*time.Second),
		}); err != nil {
			t.Fatalf("AppendExchange: %v", err)
		}
	}
	return sess
}

func labels(b *model.ContextBundle) []string {
	out := make([]string, len(b.Sections))
	for i, s := range b.Sections {
		out[i] = s.Label
	}
	return out
}

func checkBudget(t *testing.T, b *model.ContextBundle) {
	t.Helper()
	sum := 0
	for _, s := range b.Sections {
		if n := tokens.Count(s.Text); n != s.TokenCount {
			t.Errorf("section %s: token count %d, text counts %d", s.Label, s.TokenCount, n)
		}
		sum += s.TokenCount
	}
	if sum != b.TokenCount {
		t.Errorf("token count %d, sections sum to %d", b.TokenCount, sum)
	}
	if b.TokenCount > b.TokenBudget {
		t.Errorf("token count %d exceeds budget %d", b.TokenCount, b.TokenBudget)
	}
}

func TestAssemble_NewUser(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.PutCharacter(context.Background(), model.Character{Name: "Aria", Persona: persona}, t0); err != nil {
		t.Fatalf("PutCharacter: %v", err)
	}
	a, _ := newTestAssembler(t, st, testConfig())

	b, err := a.Assemble(context.Background(), Request{UserID: "new", CharacterName: "Aria", Message: "hi", TokenBudget: 500})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if got := labels(b); !reflect.DeepEqual(got, []string{model.SectionPersona, model.SectionEntities}) {
		t.Errorf("sections = %v", got)
	}
	if b.Section(model.SectionPersona).Text != persona {
		t.Errorf("persona = %q", b.Section(model.SectionPersona).Text)
	}
	if e := b.Section(model.SectionEntities); e.Text != "No known entities yet." || e.Truncated {
		t.Errorf("entities = %+v", e)
	}
	if b.SessionID != "" || len(b.Degraded) != 0 || len(b.MemoryIDs) != 0 {
		t.Errorf("unexpected bundle state %+v", b)
	}
	checkBudget(t, b)
}

func TestAssemble_FullBundle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess := seed(t, st, 10)
	if err := st.SaveWorkingMemory(ctx, sess.ID, "The user is learning guitar.", 16, 0); err != nil {
		t.Fatalf("SaveWorkingMemory: %v", err)
	}
	a, _ := newTestAssembler(t, st, testConfig())

	b, err := a.Assemble(ctx, Request{UserID: "u1", CharacterName: "Aria", Message: "How is Anna?", TokenBudget: 2000})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	want := []string{
		model.SectionPersona, model.SectionEntities, model.SectionEpisodic,
		model.SectionLongTerm, model.SectionWorkingMemory, model.SectionRecentMessages,
	}
	if got := labels(b); !reflect.DeepEqual(got, want) {
		t.Fatalf("sections = %v, want %v", got, want)
	}
	if b.SessionID != sess.ID {
		t.Errorf("session id = %q, want %q", b.SessionID, sess.ID)
	}
	if got := b.Section(model.SectionEntities).Text; got != "- Anna (person): relation: sister" {
		t.Errorf("entities = %q", got)
	}
	if got := b.Section(model.SectionEpisodic).Text; got != "Last time we spoke: We talked about Anna and Lisbon." {
		t.Errorf("episodic = %q", got)
	}
	lt := b.Section(model.SectionLongTerm).Text
	if !strings.HasPrefix(lt, "- Fact: Their sister Anna lives in Lisbon.") {
		t.Errorf("long term = %q", lt)
	}
	if len(b.MemoryIDs) != 2 {
		t.Errorf("memory ids = %v", b.MemoryIDs)
	}

	recent := strings.Split(b.Section(model.SectionRecentMessages).Text, "\n")
	if len(recent) != 15 {
		t.Fatalf("recent lines = %d, want 15", len(recent))
	}
	if recent[len(recent)-1] != "Aria: reply 9" || !strings.HasPrefix(recent[0], "Aria: reply 2") {
		t.Errorf("recent buffer = %v", recent)
	}
	checkBudget(t, b)

	// reads are recorded on the included memories
	ms, err := st.GetMemories(ctx, b.MemoryIDs)
	if err != nil {
		t.Fatalf("GetMemories: %v", err)
	}
	for _, m := range ms {
		if m.AccessCount != 1 || m.LastAccessedAt == nil {
			t.Errorf("memory %s not touched: %+v", m.ID, m)
		}
	}
}

func TestAssemble_WorkingMemoryOnlyAfterOverflow(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess := seed(t, st, 3)
	if err := st.SaveWorkingMemory(ctx, sess.ID, "early summary", 6, 0); err != nil {
		t.Fatalf("SaveWorkingMemory: %v", err)
	}
	a, _ := newTestAssembler(t, st, testConfig())
	b, err := a.Assemble(ctx, Request{UserID: "u1", CharacterName: "Aria", TokenBudget: 2000})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if b.Section(model.SectionWorkingMemory) != nil {
		t.Error("working memory should be absent while the buffer holds every message")
	}
	if got := strings.Count(b.Section(model.SectionRecentMessages).Text, "\n") + 1; got != 6 {
		t.Errorf("recent lines = %d, want 6", got)
	}
}

func TestAssemble_BudgetNeverExceeded(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess := seed(t, st, 10)
	if err := st.SaveWorkingMemory(ctx, sess.ID, strings.Repeat("The user is learning guitar. ", 20), 16, 0); err != nil {
		t.Fatalf("SaveWorkingMemory: %v", err)
	}
	a, _ := newTestAssembler(t, st, testConfig())

	for _, budget := range []int{0, 1, 3, 10, 25, 40, 80, 150, 400, 1000, 4000} {
		t.Run(fmt.Sprint(budget), func(t *testing.T) {
			b, err := a.Assemble(ctx, Request{UserID: "u1", CharacterName: "Aria", Message: "guitar", TokenBudget: budget})
			if err != nil {
				t.Fatalf("Assemble: %v", err)
			}
			checkBudget(t, b)
			if b.Section(model.SectionPersona) == nil || b.Section(model.SectionEntities) == nil {
				t.Errorf("persona and entities must always be present: %v", labels(b))
			}
		})
	}
}

func TestAssemble_ZeroBudget(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, 2)
	a, _ := newTestAssembler(t, st, testConfig())

	b, err := a.Assemble(context.Background(), Request{UserID: "u1", CharacterName: "Aria", TokenBudget: 0})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	p := b.Section(model.SectionPersona)
	if p == nil || p.Text != "" || !p.Truncated {
		t.Errorf("persona = %+v, want empty and truncated", p)
	}
	if b.TokenCount != 0 {
		t.Errorf("token count = %d", b.TokenCount)
	}
	if e := b.Section(model.SectionEntities); e == nil || e.Text != "" {
		t.Errorf("entities = %+v, want empty", e)
	}
	if len(b.MemoryIDs) != 0 {
		t.Errorf("memory ids = %v", b.MemoryIDs)
	}
}

func TestAssemble_BudgetViolationLogged(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	long := strings.Repeat("Aria remembers every song of Vell. ", 60)
	if _, err := st.PutCharacter(ctx, model.Character{Name: "Aria", Persona: long}, t0); err != nil {
		t.Fatalf("PutCharacter: %v", err)
	}
	a, hook := newTestAssembler(t, st, testConfig())

	b, err := a.Assemble(ctx, Request{UserID: "u1", CharacterName: "Aria", TokenBudget: 100})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	checkBudget(t, b)
	p := b.Section(model.SectionPersona)
	if !p.Truncated || p.TokenCount < 50 {
		t.Errorf("persona = %d tokens, truncated=%v", p.TokenCount, p.Truncated)
	}

	var found bool
	for _, e := range hook.AllEntries() {
		if strings.HasPrefix(e.Message, "budget_violation") {
			found = true
			if e.Data["budget"] != 100 {
				t.Errorf("budget field = %v", e.Data["budget"])
			}
		}
	}
	if !found {
		t.Error("expected a budget_violation log entry")
	}
}

func TestAssemble_ClosingSessionIsRead(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess := seed(t, st, 2)
	if err := st.BeginClosing(ctx, sess.ID, t0.Add(time.Hour)); err != nil {
		t.Fatalf("BeginClosing: %v", err)
	}
	a, _ := newTestAssembler(t, st, testConfig())

	b, err := a.Assemble(ctx, Request{UserID: "u1", CharacterName: "Aria", TokenBudget: 1000})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if b.SessionID != sess.ID {
		t.Errorf("session id = %q, want the closing session", b.SessionID)
	}
	if rm := b.Section(model.SectionRecentMessages); rm == nil || !strings.Contains(rm.Text, "reply 1") {
		t.Errorf("recent messages = %+v", rm)
	}
}

// slowEpisodes never answers LatestEpisode before its context expires.
type slowEpisodes struct {
	*store.SQLiteStore
}

func (s slowEpisodes) LatestEpisode(ctx context.Context, userID, characterName string) (*model.Episode, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAssemble_SlowSectionDegrades(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, 2)
	cfg := testConfig()
	cfg.SectionTimeout = 50 * time.Millisecond
	a, hook := newTestAssembler(t, slowEpisodes{st}, cfg)

	b, err := a.Assemble(context.Background(), Request{UserID: "u1", CharacterName: "Aria", TokenBudget: 1000})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !reflect.DeepEqual(b.Degraded, []string{model.SectionEpisodic}) {
		t.Errorf("degraded = %v", b.Degraded)
	}
	if b.Section(model.SectionEpisodic) != nil {
		t.Error("episodic section should be empty")
	}
	if b.Section(model.SectionRecentMessages) == nil {
		t.Error("other sections should still be filled")
	}

	var timedOut bool
	for _, e := range hook.AllEntries() {
		if e.Message == "retrieval_timeout" && e.Data["section"] == model.SectionEpisodic {
			timedOut = true
		}
	}
	if !timedOut {
		t.Error("expected a retrieval_timeout log entry")
	}
}

var errDown = errors.New("database is down")

// downStore fails every read.
type downStore struct{ Store }

func (downStore) GetCharacter(context.Context, string) (*model.Character, error) { return nil, errDown }
func (downStore) GetSettings(context.Context, string) (*model.UserSettings, error) {
	return nil, errDown
}
func (downStore) EntitySnapshot(context.Context, string, string, string) ([]model.Entity, error) {
	return nil, errDown
}
func (downStore) LatestEpisode(context.Context, string, string) (*model.Episode, error) {
	return nil, errDown
}
func (downStore) ListMemories(context.Context, store.MemoryQuery) ([]model.Memory, error) {
	return nil, errDown
}
func (downStore) LatestSession(context.Context, string, string, ...model.SessionState) (*model.Session, error) {
	return nil, errDown
}

func TestAssemble_AllSourcesFail(t *testing.T) {
	a, _ := newTestAssembler(t, downStore{}, testConfig())
	_, err := a.Assemble(context.Background(), Request{UserID: "u1", CharacterName: "Aria", TokenBudget: 500})
	if !errors.Is(err, ErrNoStores) {
		t.Fatalf("err = %v, want ErrNoStores", err)
	}
	if !errors.Is(err, errDown) {
		t.Errorf("err = %v, want the cause wrapped", err)
	}
}

func TestAssemble_InvalidRequest(t *testing.T) {
	a, _ := newTestAssembler(t, newTestStore(t), testConfig())
	if _, err := a.Assemble(context.Background(), Request{UserID: "u1", CharacterName: "Aria", TokenBudget: -1}); err == nil {
		t.Error("expected error for negative budget")
	}
	if _, err := a.Assemble(context.Background(), Request{CharacterName: "Aria", TokenBudget: 10}); err == nil {
		t.Error("expected error for missing user")
	}
}

// noTouch keeps access counts fixed so repeated reads see identical state.
type noTouch struct {
	*store.SQLiteStore
}

func (noTouch) TouchMemories(context.Context, []string, time.Time) error { return nil }

func TestAssemble_Deterministic(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, 10)
	a, _ := newTestAssembler(t, noTouch{st}, testConfig())
	req := Request{UserID: "u1", CharacterName: "Aria", Message: "Anna jazz", TokenBudget: 300}

	first, err := a.Assemble(context.Background(), req)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := a.Assemble(context.Background(), req)
		if err != nil {
			t.Fatalf("Assemble: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("bundle changed between identical calls:\n%+v\n%+v", first, again)
		}
	}
}

func TestFillLines(t *testing.T) {
	lines := []string{"- aaaa", "- bbbb", "- cccc"}
	text, n, cut := fillLines(lines, tokens.Count("- aaaa\n- bbbb"))
	if text != "- aaaa\n- bbbb" || n != 2 || !cut {
		t.Errorf("fillLines = %q, %d, %v", text, n, cut)
	}
	text, n, cut = fillLines(lines, 100)
	if n != 3 || cut || strings.Count(text, "\n") != 2 {
		t.Errorf("fillLines = %q, %d, %v", text, n, cut)
	}
	if text, n, _ := fillLines(lines, 0); text != "" || n != 0 {
		t.Errorf("fillLines with no room = %q, %d", text, n)
	}
}

func TestRecentMessagesKeepsNewest(t *testing.T) {
	msgs := []model.Message{
		{Role: model.RoleUser, Content: "first message here"},
		{Role: model.RoleAssistant, Content: "second"},
		{Role: model.RoleUser, Content: "third"},
	}
	max := tokens.Count("Aria: second\nUser: third")
	text, cut := recentMessages(msgs, "Aria", max)
	if text != "Aria: second\nUser: third" || !cut {
		t.Errorf("recentMessages = %q, %v", text, cut)
	}
}
