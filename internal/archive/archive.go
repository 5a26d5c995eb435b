// Package archive keeps closed sessions in MongoDB cold storage so their raw
// buffers can be pruned from the hot SQLite database.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rcliao/character-memory/internal/model"
)

// ErrNotArchived is returned by Get for sessions never archived.
var ErrNotArchived = errors.New("session not archived")

const (
	collectionName = "sessions"
	closeTimeout   = 5 * time.Second
)

type messageDoc struct {
	ID         string    `bson:"id"`
	Seq        int       `bson:"seq"`
	Role       string    `bson:"role"`
	Content    string    `bson:"content"`
	Timestamp  time.Time `bson:"timestamp"`
	TokenCount int       `bson:"token_count"`
}

type sessionDoc struct {
	ID            string       `bson:"_id"`
	UserID        string       `bson:"user_id"`
	CharacterName string       `bson:"character_name"`
	StartedAt     time.Time    `bson:"started_at"`
	EndedAt       *time.Time   `bson:"ended_at,omitempty"`
	MessageCount  int          `bson:"message_count"`
	WorkingMemory string       `bson:"working_memory,omitempty"`
	FinalSummary  string       `bson:"final_summary,omitempty"`
	Messages      []messageDoc `bson:"messages"`
	ArchivedAt    time.Time    `bson:"archived_at"`
}

func toDoc(s model.Session, at time.Time) sessionDoc {
	d := sessionDoc{
		ID:            s.ID,
		UserID:        s.UserID,
		CharacterName: s.CharacterName,
		StartedAt:     s.StartedAt,
		EndedAt:       s.EndedAt,
		MessageCount:  s.MessageCount,
		WorkingMemory: s.WorkingMemory,
		FinalSummary:  s.FinalSummary,
		Messages:      make([]messageDoc, len(s.Messages)),
		ArchivedAt:    at.UTC(),
	}
	for i, m := range s.Messages {
		d.Messages[i] = messageDoc{
			ID: m.ID, Seq: m.Seq, Role: string(m.Role), Content: m.Content,
			Timestamp: m.Timestamp, TokenCount: m.TokenCount,
		}
	}
	return d
}

func (d sessionDoc) session() *model.Session {
	s := &model.Session{
		ID:            d.ID,
		UserID:        d.UserID,
		CharacterName: d.CharacterName,
		State:         model.SessionClosed,
		StartedAt:     d.StartedAt.UTC(),
		MessageCount:  d.MessageCount,
		WorkingMemory: d.WorkingMemory,
		FinalSummary:  d.FinalSummary,
		Messages:      make([]model.Message, len(d.Messages)),
	}
	if d.EndedAt != nil {
		t := d.EndedAt.UTC()
		s.EndedAt = &t
		s.LastActivityAt = t
	}
	for i, m := range d.Messages {
		s.Messages[i] = model.Message{
			ID: m.ID, SessionID: d.ID, Seq: m.Seq, Role: model.Role(m.Role), Content: m.Content,
			Timestamp: m.Timestamp.UTC(), TokenCount: m.TokenCount,
		}
	}
	return s
}

// Mongo archives sessions into one collection, keyed by session id.
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongo connects to uri and checks the connection.
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	if database == "" {
		return nil, errors.New("mongo database name is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	coll := client.Database(database).Collection(collectionName)
	if _, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "character_name", Value: 1}, {Key: "started_at", Value: -1}},
	}); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create archive index: %w", err)
	}
	return &Mongo{client: client, coll: coll}, nil
}

// Archive stores a closed session with its messages. Archiving the same
// session again replaces the earlier copy.
func (m *Mongo) Archive(ctx context.Context, s model.Session, at time.Time) error {
	if s.State != model.SessionClosed {
		return fmt.Errorf("archive session %s in state %s", s.ID, s.State)
	}
	doc := toDoc(s, at)
	_, err := m.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("archive session %s: %w", s.ID, err)
	}
	return nil
}

// Get loads an archived session with its messages.
func (m *Mongo) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	var doc sessionDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotArchived)
	}
	if err != nil {
		return nil, fmt.Errorf("load archived session: %w", err)
	}
	return doc.session(), nil
}

// Close disconnects from MongoDB.
func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}
