package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"call-signaling/internal/calls"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var sessionIndexes = []mongo.IndexModel{
	{Keys: bson.D{{Key: "context_id", Value: 1}, {Key: "status", Value: 1}}},
	{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
	{Keys: bson.D{{Key: "party_a.id", Value: 1}, {Key: "created_at", Value: 1}}},
	{Keys: bson.D{{Key: "party_b.id", Value: 1}, {Key: "created_at", Value: 1}}},
}

// Mongo stores sessions as documents keyed by session id.
type Mongo struct {
	coll *mongo.Collection
}

// NewMongo ensures the collection's indexes exist.
func NewMongo(ctx context.Context, coll *mongo.Collection) (*Mongo, error) {
	if _, err := coll.Indexes().CreateMany(ctx, sessionIndexes); err != nil {
		return nil, fmt.Errorf("create call_sessions indexes: %w", err)
	}
	return &Mongo{coll: coll}, nil
}

func activeFilter() bson.M {
	return bson.M{"$in": activeStatusStrings()}
}

func (m *Mongo) Create(ctx context.Context, s calls.Session) (string, error) {
	if s.ID == "" {
		return "", calls.ErrInvalidArgument
	}
	if _, err := m.coll.InsertOne(ctx, s); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", ErrConflict
		}
		return "", err
	}
	return s.ID, nil
}

func (m *Mongo) Get(ctx context.Context, id string) (calls.Session, error) {
	var s calls.Session
	if err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&s); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return calls.Session{}, calls.ErrNotFound
		}
		return calls.Session{}, err
	}
	return normalize(s), nil
}

// Update replaces the document only if it still holds version prev.
func (m *Mongo) Update(ctx context.Context, s calls.Session, prev int64) error {
	res, err := m.coll.ReplaceOne(ctx, bson.M{"_id": s.ID, "version": prev}, s)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := m.coll.CountDocuments(ctx, bson.M{"_id": s.ID}, options.Count().SetLimit(1))
	if err != nil {
		return err
	}
	if n == 0 {
		return calls.ErrNotFound
	}
	return calls.ErrVersionConflict
}

func (m *Mongo) FindExpiredBefore(ctx context.Context, t time.Time) ([]calls.Session, error) {
	filter := bson.M{"status": activeFilter(), "expires_at": bson.M{"$lt": t}}
	return m.find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
}

func (m *Mongo) FindActiveByContext(ctx context.Context, contextID string) (calls.Session, error) {
	var s calls.Session
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	err := m.coll.FindOne(ctx, bson.M{"context_id": contextID, "status": activeFilter()}, opts).Decode(&s)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return calls.Session{}, calls.ErrNotFound
		}
		return calls.Session{}, err
	}
	return normalize(s), nil
}

func (m *Mongo) ListByParty(ctx context.Context, partyID string, from, to time.Time) ([]calls.Session, error) {
	filter := bson.M{
		"$or":        bson.A{bson.M{"party_a.id": partyID}, bson.M{"party_b.id": partyID}},
		"created_at": bson.M{"$gte": from, "$lt": to},
	}
	return m.find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
}

func (m *Mongo) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]calls.Session, error) {
	cur, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make([]calls.Session, 0)
	for cur.Next(ctx) {
		var s calls.Session
		if err := cur.Decode(&s); err != nil {
			return nil, err
		}
		out = append(out, normalize(s))
	}
	return out, cur.Err()
}

// normalize converts decoded BSON datetimes, which come back in local time, to UTC.
func normalize(s calls.Session) calls.Session {
	s.CreatedAt = s.CreatedAt.UTC()
	s.ExpiresAt = s.ExpiresAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	s.Relay.ExpiresAt = s.Relay.ExpiresAt.UTC()
	if s.ConnectedAt != nil {
		t := s.ConnectedAt.UTC()
		s.ConnectedAt = &t
	}
	if s.EndedAt != nil {
		t := s.EndedAt.UTC()
		s.EndedAt = &t
	}
	return s
}
