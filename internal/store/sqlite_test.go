package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rcliao/character-memory/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenSession_SingleOpenPerPair(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, created, err := s.OpenSession(ctx, "u1", "Aria", t0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !created {
		t.Error("expected first open to create a session")
	}
	b, created, _ := s.OpenSession(ctx, "u1", "Aria", t0.Add(time.Minute))
	if created || b.ID != a.ID {
		t.Errorf("expected the same open session, got %s vs %s (created=%v)", b.ID, a.ID, created)
	}

	other, _, _ := s.OpenSession(ctx, "u1", "Borin", t0)
	if other.ID == a.ID {
		t.Error("expected a separate session for another character")
	}
}

func TestOpenSession_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ss, _, err := s.OpenSession(ctx, "u1", "Aria", t0)
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			ids[i] = ss.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("expected one open session, got %v", ids)
		}
	}
}

func TestAppendExchange_OrderedTimestamps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ss, _, _ := s.OpenSession(ctx, "u1", "Aria", t0)

	// same clock reading for every append
	for i := 0; i < 3; i++ {
		if _, err := s.AppendExchange(ctx, AppendParams{
			SessionID: ss.ID, UserMessage: "hi", AssistantMessage: "hello", Now: t0,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	// a clock that went backwards
	if _, err := s.AppendExchange(ctx, AppendParams{
		SessionID: ss.ID, UserMessage: "back", AssistantMessage: "in time", Now: t0.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, err := s.Messages(ctx, ss.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 8 {
		t.Fatalf("expected 8 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if !msgs[i].Timestamp.After(msgs[i-1].Timestamp) {
			t.Errorf("message %d timestamp %v not after %v", i, msgs[i].Timestamp, msgs[i-1].Timestamp)
		}
		if msgs[i].Seq != msgs[i-1].Seq+1 {
			t.Errorf("message %d seq %d not contiguous", i, msgs[i].Seq)
		}
	}
	if msgs[0].Role != model.RoleUser || msgs[1].Role != model.RoleAssistant {
		t.Errorf("unexpected roles %s, %s", msgs[0].Role, msgs[1].Role)
	}

	got, _ := s.GetSession(ctx, ss.ID)
	if got.MessageCount != 8 {
		t.Errorf("expected message_count 8, got %d", got.MessageCount)
	}

	recent, _ := s.RecentMessages(ctx, ss.ID, 3)
	if len(recent) != 3 || recent[0].Seq != 6 || recent[2].Seq != 8 {
		t.Errorf("unexpected recent window: %+v", recent)
	}
}

func TestAppendExchange_RejectsClosingSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ss, _, _ := s.OpenSession(ctx, "u1", "Aria", t0)

	if err := s.BeginClosing(ctx, ss.ID, t0); err != nil {
		t.Fatalf("begin closing: %v", err)
	}
	_, err := s.AppendExchange(ctx, AppendParams{SessionID: ss.ID, UserMessage: "a", AssistantMessage: "b", Now: t0})
	if !errors.Is(err, ErrSessionNotOpen) {
		t.Errorf("expected ErrSessionNotOpen, got %v", err)
	}

	// a closing session frees the pair for a fresh open session
	fresh, created, _ := s.OpenSession(ctx, "u1", "Aria", t0)
	if !created || fresh.ID == ss.ID {
		t.Error("expected a fresh open session while the old one is closing")
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ss, _, _ := s.OpenSession(ctx, "u1", "Aria", t0)
	s.AppendExchange(ctx, AppendParams{SessionID: ss.ID, UserMessage: "a", AssistantMessage: "b", Now: t0})

	if _, err := s.FinalizeSession(ctx, ss.ID, "too early", t0); err == nil {
		t.Error("expected finalize of an open session to fail")
	}

	s.BeginClosing(ctx, ss.ID, t0)
	closing, _ := s.GetSession(ctx, ss.ID)
	if closing.State != model.SessionClosing || closing.FinalSummary != "" {
		t.Fatalf("unexpected closing state %+v", closing)
	}
	if _, err := s.LatestEpisode(ctx, "u1", "Aria"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected no episode while closing, got %v", err)
	}

	ep, err := s.FinalizeSession(ctx, ss.ID, "We talked about the sea.", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if ep.MessageCount != 2 {
		t.Errorf("expected 2 messages in episode, got %d", ep.MessageCount)
	}
	closed, _ := s.GetSession(ctx, ss.ID)
	if closed.State != model.SessionClosed || closed.EndedAt == nil || closed.FinalSummary == "" {
		t.Errorf("unexpected closed session %+v", closed)
	}

	latest, err := s.LatestEpisode(ctx, "u1", "Aria")
	if err != nil || latest.Summary != "We talked about the sea." {
		t.Errorf("unexpected latest episode %+v, %v", latest, err)
	}

	// finalize is idempotent
	if _, err := s.FinalizeSession(ctx, ss.ID, "again", t0.Add(2*time.Hour)); err != nil {
		t.Errorf("second finalize: %v", err)
	}

	n, err := s.PruneMessages(ctx, ss.ID)
	if err != nil || n != 2 {
		t.Errorf("expected 2 pruned messages, got %d, %v", n, err)
	}
}

func TestSaveWorkingMemory_Optimistic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ss, _, _ := s.OpenSession(ctx, "u1", "Aria", t0)

	if err := s.SaveWorkingMemory(ctx, ss.ID, "first", 16, 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveWorkingMemory(ctx, ss.ID, "racer", 16, 0); !errors.Is(err, ErrStaleWrite) {
		t.Errorf("expected stale write, got %v", err)
	}
	got, _ := s.GetSession(ctx, ss.ID)
	if got.WorkingMemory != "first" || got.LastSummarizedAt != 16 {
		t.Errorf("unexpected working memory %q at %d", got.WorkingMemory, got.LastSummarizedAt)
	}
}

func TestSessionsInState_Idle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.OpenSession(ctx, "u1", "Aria", t0)
	s.OpenSession(ctx, "u2", "Aria", t0.Add(3*time.Hour))

	idle, err := s.SessionsInState(ctx, model.SessionOpen, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(idle) != 1 || idle[0].UserID != "u1" {
		t.Errorf("expected only u1 idle, got %+v", idle)
	}
}

func TestCharactersAndSettings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.GetCharacter(ctx, "Aria"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	s.PutCharacter(ctx, model.Character{Name: "Aria", UniverseID: "sea", Persona: "A sailor."}, t0)
	s.PutCharacter(ctx, model.Character{Name: "Aria", UniverseID: "sea", Persona: "A captain."}, t0)
	c, err := s.GetCharacter(ctx, "Aria")
	if err != nil || c.Persona != "A captain." {
		t.Errorf("unexpected character %+v, %v", c, err)
	}

	st, _ := s.GetSettings(ctx, "u1")
	if st.CrossCharacter {
		t.Error("expected cross-character sharing off by default")
	}
	s.PutSettings(ctx, model.UserSettings{UserID: "u1", CrossCharacter: true})
	st, _ = s.GetSettings(ctx, "u1")
	if !st.CrossCharacter {
		t.Error("expected cross-character sharing on")
	}
}

func TestReadsProceedDuringWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.PutCharacter(ctx, model.Character{Name: "Aria", Persona: "A bard."}, t0); err != nil {
		t.Fatalf("PutCharacter: %v", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO user_settings (user_id, cross_character) VALUES ('u1', 1)`); err != nil {
		t.Fatalf("write: %v", err)
	}

	// the write connection is busy, so these only finish on the read pool
	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.GetCharacter(rctx, "Aria")
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("read %d: %v", i, err)
		}
	}
	st, err := s.GetSettings(rctx, "u1")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if st.CrossCharacter {
		t.Error("read saw an uncommitted write")
	}
}

func TestReadPoolIsQueryOnly(t *testing.T) {
	if _, err := newTestStore(t).rdb.Exec(`INSERT INTO user_settings (user_id, cross_character) VALUES ('u1', 1)`); err == nil {
		t.Error("expected the read pool to reject writes")
	}
}
