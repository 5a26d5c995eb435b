package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/rcliao/character-memory/internal/assembler"
	"github.com/rcliao/character-memory/internal/engine"
	"github.com/rcliao/character-memory/internal/model"
	"github.com/rcliao/character-memory/internal/queue"
	"github.com/rcliao/character-memory/internal/ranker"
	"github.com/rcliao/character-memory/internal/store"
)

func newTestHandler(t *testing.T) (http.Handler, *engine.Engine) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	q, err := queue.NewSQLiteQueue(st.DB())
	if err != nil {
		t.Fatalf("NewSQLiteQueue: %v", err)
	}
	log, _ := test.NewNullLogger()
	cfg := assembler.DefaultConfig()
	cfg.SectionTimeout = 2 * time.Second
	cfg.Deadline = 5 * time.Second
	e, err := engine.New(engine.Options{Store: st, Queue: q, Ranker: ranker.DefaultConfig(), Assembler: cfg, Log: log})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return NewHandler(e, log).Router(), e
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]string{"foo": "bar"})

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t)
	if w := do(t, h, http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Errorf("healthz = %d", w.Code)
	}
}

func TestConversationFlow(t *testing.T) {
	h, e := newTestHandler(t)

	w := do(t, h, http.MethodPut, "/v1/characters/Aria", model.Character{Persona: "You are Aria.", UniverseID: "vell"})
	if w.Code != http.StatusOK {
		t.Fatalf("put character = %d %s", w.Code, w.Body)
	}

	w = do(t, h, http.MethodPost, "/v1/universes/vell/entities", seedRequest{Entities: []model.EntityUpdate{
		{Type: model.EntityPlace, Name: "Vell", Attributes: map[string]string{"kind": "city"}},
	}})
	if w.Code != http.StatusOK {
		t.Fatalf("seed = %d %s", w.Code, w.Body)
	}

	w = do(t, h, http.MethodPost, "/v1/exchanges", engine.ExchangeInput{
		UserID: "u1", CharacterName: "Aria",
		UserMessage: "My sister Anna lives in Lisbon.", AssistantMessage: "How lovely!",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("record = %d %s", w.Code, w.Body)
	}
	var rec engine.Recorded
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatalf("decode recorded: %v", err)
	}
	if _, err := e.Drain(t.Context()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	w = do(t, h, http.MethodPost, "/v1/context", assembler.Request{UserID: "u1", CharacterName: "Aria", Message: "Anna?", TokenBudget: 500})
	if w.Code != http.StatusOK {
		t.Fatalf("context = %d %s", w.Code, w.Body)
	}
	var b model.ContextBundle
	if err := json.NewDecoder(w.Body).Decode(&b); err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	if b.SessionID != rec.SessionID || b.Section(model.SectionPersona) == nil || b.TokenCount > 500 {
		t.Errorf("bundle = %+v", b)
	}

	w = do(t, h, http.MethodGet, "/v1/users/u1/memories?character=Aria", nil)
	var mems []model.Memory
	json.NewDecoder(w.Body).Decode(&mems)
	if w.Code != http.StatusOK || len(mems) != 1 {
		t.Errorf("memories = %d %v", w.Code, mems)
	}

	if w = do(t, h, http.MethodPost, "/v1/sessions/"+rec.SessionID+"/close", nil); w.Code != http.StatusAccepted {
		t.Errorf("close = %d %s", w.Code, w.Body)
	}
	if w = do(t, h, http.MethodGet, "/v1/sessions/"+rec.SessionID, nil); w.Code != http.StatusOK {
		t.Errorf("get session = %d", w.Code)
	}
	if w = do(t, h, http.MethodGet, "/v1/users/u1/summary?character=Aria", nil); w.Code != http.StatusOK {
		t.Errorf("summary = %d", w.Code)
	}
	if w = do(t, h, http.MethodDelete, "/v1/users/u1/memories", nil); w.Code != http.StatusOK {
		t.Errorf("purge = %d", w.Code)
	}
}

func TestErrorStatuses(t *testing.T) {
	h, _ := newTestHandler(t)
	tests := []struct {
		name         string
		method, path string
		body         interface{}
		want         int
	}{
		{"negative budget", http.MethodPost, "/v1/context", assembler.Request{UserID: "u1", CharacterName: "Aria", TokenBudget: -1}, http.StatusBadRequest},
		{"empty exchange", http.MethodPost, "/v1/exchanges", engine.ExchangeInput{UserID: "u1", CharacterName: "Aria"}, http.StatusBadRequest},
		{"unknown session", http.MethodGet, "/v1/sessions/nope", nil, http.StatusNotFound},
		{"close unknown session", http.MethodPost, "/v1/sessions/nope/close", nil, http.StatusNotFound},
		{"bad entity type", http.MethodPost, "/v1/universes/vell/entities", seedRequest{Entities: []model.EntityUpdate{{Type: "planet", Name: "X"}}}, http.StatusBadRequest},
		{"bad kind", http.MethodGet, "/v1/users/u1/memories?kind=rumor", nil, http.StatusBadRequest},
		{"summary without character", http.MethodGet, "/v1/users/u1/summary", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, h, tt.method, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("%s %s = %d, want %d (%s)", tt.method, tt.path, w.Code, tt.want, w.Body)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/context", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body = %d", w.Code)
	}
}
