package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/99minutos/trip-tracking/internal/core/domain"
)

const (
	collectionUpdates = "tracking_updates"
	maxHistory        = 500
)

// UpdateRepository archives tracking updates, one document per
// (trip_id, sequence).
type UpdateRepository struct {
	col *mongo.Collection
}

func NewUpdateRepository(db *mongo.Database) *UpdateRepository {
	return &UpdateRepository{col: db.Collection(collectionUpdates)}
}

// Save upserts the update. Re-saving an archived (trip, sequence) leaves the
// stored document untouched.
func (r *UpdateRepository) Save(ctx context.Context, u domain.TrackingUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	filter := bson.M{"trip_id": u.TripID, "sequence": u.Sequence}
	update := bson.M{"$setOnInsert": u.Record()}

	_, err := r.col.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("archive update %s: %w", u.IdempotencyKey(), err)
	}
	return nil
}

// Latest returns the highest-sequence update of the trip.
func (r *UpdateRepository) Latest(ctx context.Context, tripID string) (*domain.TrackingUpdate, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	opts := options.FindOne().SetSort(bson.D{{Key: "sequence", Value: -1}})
	var rec domain.UpdateRecord
	err := r.col.FindOne(ctx, bson.M{"trip_id": tripID}, opts).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}
	u, err := rec.Update()
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// History returns the trip's updates after sequence `after`, oldest first.
// limit is capped at maxHistory.
func (r *UpdateRepository) History(ctx context.Context, tripID string, after uint64, limit int64) ([]domain.TrackingUpdate, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if limit <= 0 || limit > maxHistory {
		limit = maxHistory
	}
	filter := bson.M{"trip_id": tripID, "sequence": bson.M{"$gt": after}}
	opts := options.Find().
		SetSort(bson.D{{Key: "sequence", Value: 1}}).
		SetLimit(limit)

	cursor, err := r.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []domain.UpdateRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, err
	}
	out := make([]domain.TrackingUpdate, 0, len(records))
	for _, rec := range records {
		u, err := rec.Update()
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// EnsureIndexes creates the indexes the archive relies on.
func (r *UpdateRepository) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "trip_id", Value: 1}, {Key: "sequence", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "geohash", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "produced_at", Value: -1}}},
	}

	_, err := r.col.Indexes().CreateMany(ctx, indexes)
	return err
}
