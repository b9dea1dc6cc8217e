package mongodb

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/v2/mongo/otelmongo"

	"go.pilab.hu/sessiongate/domain"
)

// SessionRecordsCollection holds one document per protected resource.
const SessionRecordsCollection = "session_records"

// Connect creates an instrumented MongoDB client and verifies the
// connection with a ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	clientOptions := options.Client().ApplyURI(uri)
	clientOptions.SetConnectTimeout(10 * time.Second)
	clientOptions.SetMonitor(
		otelmongo.NewMonitor(),
	)

	client, err := mongo.Connect(clientOptions)
	if err != nil {
		return nil, err
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, err
	}

	return client, nil
}

// RecordStore implements the domain.RecordStore interface using MongoDB.
type RecordStore struct {
	collection *mongo.Collection
}

// NewRecordStore creates a new RecordStore. It also ensures the TTL index
// on expires_at so physically expired documents are eventually removed;
// readers never depend on that cleanup and judge expiry themselves.
func NewRecordStore(ctx context.Context, db *mongo.Database) (*RecordStore, error) {
	repo := &RecordStore{
		collection: db.Collection(SessionRecordsCollection),
	}

	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	}

	if _, err := repo.collection.Indexes().CreateMany(ctx, indexModels); err != nil {
		// Might already exist with different options; not fatal for reads.
		log.Warn().Err(err).Msg("Issue creating indexes for session_records collection")
	}

	return repo, nil
}

// Get loads the record for a resource.
func (r *RecordStore) Get(ctx context.Context, resourceID string) (*domain.SessionRecord, error) {
	var record domain.SessionRecord
	err := r.collection.FindOne(ctx, bson.M{"_id": resourceID}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrRecordNotFound
		}
		log.Error().Err(err).Str("resourceID", resourceID).Msg("Error getting session record from MongoDB")
		return nil, err
	}
	return &record, nil
}

// Put writes a complete record, replacing any previous one for the
// resource (upsert on _id).
func (r *RecordStore) Put(ctx context.Context, record *domain.SessionRecord) error {
	opts := options.Replace().SetUpsert(true)
	if _, err := r.collection.ReplaceOne(ctx, bson.M{"_id": record.ResourceID}, record, opts); err != nil {
		log.Error().Err(err).Str("resourceID", record.ResourceID).Msg("Error storing session record in MongoDB")
		return err
	}
	return nil
}

// Delete removes the record for a single resource.
func (r *RecordStore) Delete(ctx context.Context, resourceID string) error {
	if _, err := r.collection.DeleteOne(ctx, bson.M{"_id": resourceID}); err != nil {
		log.Error().Err(err).Str("resourceID", resourceID).Msg("Error deleting session record from MongoDB")
		return err
	}
	return nil
}

// Clear removes all session records (full logout).
func (r *RecordStore) Clear(ctx context.Context) error {
	if _, err := r.collection.DeleteMany(ctx, bson.M{}); err != nil {
		log.Error().Err(err).Msg("Error clearing session records from MongoDB")
		return err
	}
	return nil
}

var _ domain.RecordStore = (*RecordStore)(nil)
