package history

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"

	"chat-rag/internal/models"
)

const mongoCollection = "chat_messages"

type mongoTurn struct {
	Session   string      `bson:"session_id"`
	Seq       int64       `bson:"seq"`
	Role      models.Role `bson:"role"`
	Content   string      `bson:"content"`
	CreatedAt time.Time   `bson:"created_at"`
}

// MongoStore keeps one document per turn, ordered by seq within a session.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	retention  Retention
}

func NewMongoStore(ctx context.Context, uri, database string, r Retention) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, mongoopts.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	coll := client.Database(database).Collection(mongoCollection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "seq", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to index %s: %w", mongoCollection, err)
	}
	return &MongoStore{client: client, collection: coll, retention: r}, nil
}

// Append inserts turns with consecutive seq values in one InsertMany. The
// retention trim is a separate step; no multi-document transaction is used so
// standalone servers work.
func (s *MongoStore) Append(ctx context.Context, session string, turns ...models.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	now := time.Now()
	if s.retention.TTL > 0 {
		last, err := s.last(ctx, session)
		if err != nil {
			return err
		}
		if last != nil && s.retention.expired(last.CreatedAt, now) {
			if _, err := s.collection.DeleteMany(ctx, bson.M{"session_id": session}); err != nil {
				return fmt.Errorf("failed to expire session: %w", err)
			}
		}
	}

	base := now.UnixNano()
	docs := make([]interface{}, len(turns))
	for i, t := range stamp(turns, now) {
		docs[i] = mongoTurn{Session: session, Seq: base + int64(i), Role: t.Role, Content: t.Content, CreatedAt: t.CreatedAt}
	}
	if _, err := s.collection.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return s.enforceMaxTurns(ctx, session)
}

func (s *MongoStore) enforceMaxTurns(ctx context.Context, session string) error {
	if s.retention.MaxTurns <= 0 {
		return nil
	}
	filter := bson.M{"session_id": session}
	n, err := s.collection.CountDocuments(ctx, filter)
	if err != nil {
		return err
	}
	excess := n - int64(s.retention.MaxTurns)
	if excess <= 0 {
		return nil
	}

	opts := mongoopts.Find().SetSort(bson.D{{Key: "seq", Value: 1}}).SetLimit(excess).SetProjection(bson.M{"_id": 1})
	cur, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return err
	}
	var old []bson.M
	if err := cur.All(ctx, &old); err != nil {
		return err
	}
	ids := make([]interface{}, len(old))
	for i, d := range old {
		ids[i] = d["_id"]
	}
	_, err = s.collection.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	return err
}

func (s *MongoStore) last(ctx context.Context, session string) (*mongoTurn, error) {
	var t mongoTurn
	opts := mongoopts.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})
	err := s.collection.FindOne(ctx, bson.M{"session_id": session}, opts).Decode(&t)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *MongoStore) Get(ctx context.Context, session string) ([]models.Turn, error) {
	filter := bson.M{"session_id": session}
	cur, err := s.collection.Find(ctx, filter, mongoopts.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	var docs []mongoTurn
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if n := len(docs); n > 0 && s.retention.expired(docs[n-1].CreatedAt, time.Now()) {
		if _, err := s.collection.DeleteMany(ctx, filter); err != nil {
			return nil, err
		}
		return []models.Turn{}, nil
	}

	turns := make([]models.Turn, len(docs))
	for i, d := range docs {
		turns[i] = models.Turn{Role: d.Role, Content: d.Content, CreatedAt: d.CreatedAt}
	}
	return turns, nil
}

func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}
