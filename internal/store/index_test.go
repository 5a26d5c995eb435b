package store

import (
	"context"
	"testing"

	"github.com/rcliao/character-memory/internal/model"
)

func TestSemanticIndex(t *testing.T) {
	ctx := context.Background()
	x, err := NewSemanticIndex("")
	if err != nil {
		t.Fatalf("new index: %v", err)
	}

	if hits, err := x.Query(ctx, "u1", "Aria", "", []float32{1, 0, 0}, 5); err != nil || len(hits) != 0 {
		t.Fatalf("expected empty result on empty index, got %v, %v", hits, err)
	}

	docs := []struct {
		m   model.Memory
		vec []float32
	}{
		{model.Memory{ID: "m1", UserID: "u1", CharacterName: "Aria", UniverseID: "sea", Kind: model.KindFact, Content: "a"}, []float32{1, 0, 0}},
		{model.Memory{ID: "m2", UserID: "u1", CharacterName: "Aria", Kind: model.KindFact, Content: "b"}, []float32{0.6, 0.8, 0}},
		{model.Memory{ID: "m3", UserID: "u1", CharacterName: "Borin", UniverseID: "sea", Kind: model.KindFact, Content: "c"}, []float32{0.9, 0.1, 0}},
		{model.Memory{ID: "m4", UserID: "u1", CharacterName: "Cato", Kind: model.KindFact, Content: "d"}, []float32{1, 0, 0}},
	}
	for _, d := range docs {
		ref, err := x.Add(ctx, d.m, d.vec)
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if ref != "user_u1/"+d.m.ID {
			t.Errorf("unexpected ref %q", ref)
		}
	}

	hits, err := x.Query(ctx, "u1", "Aria", "", []float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 2 || hits[0].MemoryID != "m1" {
		t.Errorf("expected Aria's memories with m1 first, got %+v", hits)
	}

	shared, _ := x.Query(ctx, "u1", "Aria", "sea", []float32{1, 0, 0}, 10)
	if len(shared) != 3 {
		t.Errorf("expected universe widening to add m3, got %+v", shared)
	}
	for _, h := range shared {
		if h.MemoryID == "m4" {
			t.Error("memory from another universe leaked into results")
		}
	}

	if err := x.Delete(ctx, "u1", "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	hits, _ = x.Query(ctx, "u1", "Aria", "", []float32{1, 0, 0}, 10)
	if len(hits) != 1 || hits[0].MemoryID != "m2" {
		t.Errorf("expected only m2 after delete, got %+v", hits)
	}
}
