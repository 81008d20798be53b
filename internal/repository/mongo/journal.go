package mongo

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"torrentgate/internal/domain"
)

const (
	defaultRetention = 7 * 24 * time.Hour
	maxListLimit     = 500
)

// Journal persists admission and eviction events. Documents expire through a
// TTL index on "at".
type Journal struct {
	collection *mongo.Collection
	retention  time.Duration
}

type eventDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	SessionID string             `bson:"sessionId"`
	Kind      string             `bson:"kind"`
	Name      string             `bson:"name,omitempty"`
	Detail    string             `bson:"detail,omitempty"`
	At        time.Time          `bson:"at"`
}

func NewJournal(client *mongo.Client, dbName, collectionName string, retention time.Duration) *Journal {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Journal{
		collection: client.Database(dbName).Collection(collectionName),
		retention:  retention,
	}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (j *Journal) EnsureIndexes(ctx context.Context) error {
	if j == nil || j.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "sessionId", Value: 1}, {Key: "at", Value: -1}}},
		{
			Keys:    bson.D{{Key: "at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(j.retention / time.Second)),
		},
	}
	_, err := j.collection.Indexes().CreateMany(ctx, models)
	return err
}

func (j *Journal) Record(ctx context.Context, event domain.SessionEvent) error {
	if strings.TrimSpace(string(event.SessionID)) == "" {
		return errors.New("journal: session id is required")
	}
	_, err := j.collection.InsertOne(ctx, toEventDoc(event))
	return err
}

// List returns the newest events for id first.
func (j *Journal) List(ctx context.Context, id domain.SessionID, limit int) ([]domain.SessionEvent, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := j.collection.Find(ctx, bson.M{"sessionId": strings.ToLower(string(id))}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []eventDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	events := make([]domain.SessionEvent, 0, len(docs))
	for _, doc := range docs {
		events = append(events, fromEventDoc(doc))
	}
	return events, nil
}

func toEventDoc(e domain.SessionEvent) eventDoc {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	return eventDoc{
		SessionID: strings.ToLower(string(e.SessionID)),
		Kind:      string(e.Kind),
		Name:      e.Name,
		Detail:    e.Detail,
		// BSON dates carry millisecond precision.
		At: at.UTC().Truncate(time.Millisecond),
	}
}

func fromEventDoc(doc eventDoc) domain.SessionEvent {
	return domain.SessionEvent{
		SessionID: domain.SessionID(doc.SessionID),
		Kind:      domain.EventKind(doc.Kind),
		Name:      doc.Name,
		Detail:    doc.Detail,
		At:        doc.At.UTC(),
	}
}
