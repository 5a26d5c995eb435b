package archive

import (
	"context"
	"errors"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/rcliao/character-memory/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func closedSession(id string) model.Session {
	ended := t0.Add(time.Hour)
	return model.Session{
		ID:             id,
		UserID:         "u1",
		CharacterName:  "Aria",
		State:          model.SessionClosed,
		StartedAt:      t0,
		EndedAt:        &ended,
		LastActivityAt: ended,
		MessageCount:   2,
		FinalSummary:   "We talked about Lisbon.",
		Messages: []model.Message{
			{ID: "m1", SessionID: id, Seq: 1, Role: model.RoleUser, Content: "I miss Lisbon.", Timestamp: t0, TokenCount: 4},
			{ID: "m2", SessionID: id, Seq: 2, Role: model.RoleAssistant, Content: "Tell me about it.", Timestamp: t0.Add(time.Second), TokenCount: 5},
		},
	}
}

func TestDocumentKeepsSession(t *testing.T) {
	in := closedSession("s1")
	d := toDoc(in, t0.Add(2*time.Hour))
	if d.ID != "s1" || len(d.Messages) != 2 || !d.ArchivedAt.Equal(t0.Add(2*time.Hour)) {
		t.Fatalf("doc = %+v", d)
	}
	if got := d.session(); !reflect.DeepEqual(*got, in) {
		t.Errorf("session from doc:\n got %+v\nwant %+v", *got, in)
	}
}

// TestMongoArchive runs against a real server when CHARMEM_TEST_MONGO holds
// its URI.
func TestMongoArchive(t *testing.T) {
	uri := os.Getenv("CHARMEM_TEST_MONGO")
	if uri == "" {
		t.Skip("CHARMEM_TEST_MONGO not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m, err := NewMongo(ctx, uri, "charmem_test")
	if err != nil {
		t.Fatalf("NewMongo: %v", err)
	}
	t.Cleanup(func() {
		m.coll.Drop(context.Background())
		m.Close()
	})

	s := closedSession("s-archive")
	if err := m.Archive(ctx, s, t0); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	s.FinalSummary = "Updated."
	if err := m.Archive(ctx, s, t0); err != nil {
		t.Fatalf("Archive again: %v", err)
	}
	got, err := m.Get(ctx, "s-archive")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FinalSummary != "Updated." || len(got.Messages) != 2 {
		t.Errorf("archived = %+v", got)
	}
	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotArchived) {
		t.Errorf("Get missing = %v", err)
	}

	open := closedSession("s-open")
	open.State = model.SessionOpen
	if err := m.Archive(ctx, open, t0); err == nil {
		t.Error("expected open sessions to be refused")
	}
}
