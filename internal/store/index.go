package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/rcliao/character-memory/internal/model"
)

// SemanticIndex stores memory embeddings in chromem-go, one collection per
// user, and answers nearest-neighbour queries filtered by character or
// universe. SQLite stays the source of truth; the index holds ids and vectors.
type SemanticIndex struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
}

// SemanticHit is one nearest-neighbour result.
type SemanticHit struct {
	MemoryID   string
	Similarity float64
}

// NewSemanticIndex opens a persistent index under dir, or an in-memory one
// when dir is empty.
func NewSemanticIndex(dir string) (*SemanticIndex, error) {
	var db *chromem.DB
	if dir == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, fmt.Errorf("open semantic index: %w", err)
		}
	}
	return &SemanticIndex{db: db, collections: make(map[string]*chromem.Collection)}, nil
}

func collectionName(userID string) string {
	return "user_" + userID
}

func (x *SemanticIndex) collection(userID string) (*chromem.Collection, error) {
	x.mu.RLock()
	col, ok := x.collections[userID]
	x.mu.RUnlock()
	if ok {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if col, ok := x.collections[userID]; ok {
		return col, nil
	}
	// Embeddings are always supplied by the caller, so no embedding func.
	col, err := x.db.GetOrCreateCollection(collectionName(userID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	x.collections[userID] = col
	return col, nil
}

// Add indexes a memory's vector and returns the reference to store on the
// memory row.
func (x *SemanticIndex) Add(ctx context.Context, m model.Memory, vec []float32) (string, error) {
	col, err := x.collection(m.UserID)
	if err != nil {
		return "", err
	}
	doc := chromem.Document{
		ID:        m.ID,
		Content:   m.Content,
		Embedding: vec,
		Metadata: map[string]string{
			"character_name": m.CharacterName,
			"universe_id":    m.UniverseID,
			"kind":           string(m.Kind),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("add document: %w", err)
	}
	return collectionName(m.UserID) + "/" + m.ID, nil
}

// Query returns up to n memories of the user nearest to vec. The character
// filter always applies; a non-empty universeID also admits memories made
// with other characters of that universe.
func (x *SemanticIndex) Query(ctx context.Context, userID, characterName, universeID string, vec []float32, n int) ([]SemanticHit, error) {
	col, err := x.collection(userID)
	if err != nil {
		return nil, err
	}
	if count := col.Count(); n > count {
		n = count
	}
	if n <= 0 {
		return nil, nil
	}

	filters := []map[string]string{{"character_name": characterName}}
	if universeID != "" {
		filters = append(filters, map[string]string{"universe_id": universeID})
	}

	best := make(map[string]float64)
	for _, where := range filters {
		results, err := col.QueryEmbedding(ctx, vec, n, where, nil)
		if err != nil {
			return nil, fmt.Errorf("query embedding: %w", err)
		}
		for _, r := range results {
			sim := float64(r.Similarity)
			if prev, ok := best[r.ID]; !ok || sim > prev {
				best[r.ID] = sim
			}
		}
	}

	hits := make([]SemanticHit, 0, len(best))
	for id, sim := range best {
		hits = append(hits, SemanticHit{MemoryID: id, Similarity: sim})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].MemoryID < hits[j].MemoryID
	})
	if len(hits) > n {
		hits = hits[:n]
	}
	return hits, nil
}

// Delete removes memories from a user's collection.
func (x *SemanticIndex) Delete(ctx context.Context, userID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	col, err := x.collection(userID)
	if err != nil {
		return err
	}
	return col.Delete(ctx, nil, nil, ids...)
}
