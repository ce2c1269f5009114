package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Hezlepinc/lead-ingestor/internal/model"
	"github.com/Hezlepinc/lead-ingestor/pkg/db"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	collOpportunities = "opportunities"
	collClaimAttempts = "claim_attempts"
	collLocks         = "locks"
	collAuth          = "region_auth"
)

// Mongo is the document-store backed Store. Documents are keyed by
// "<region>:<opportunityId>" so every write is a single-document upsert.
type Mongo struct {
	m   *db.Mongo
	now func() time.Time
}

// NewMongo creates a mongo store.
func NewMongo(m *db.Mongo) *Mongo {
	return &Mongo{m: m, now: time.Now}
}

type opportunityDoc struct {
	ID            string    `bson:"_id"`
	Region        string    `bson:"region"`
	OpportunityID string    `bson:"opportunityId"`
	Status        string    `bson:"status"`
	Via           string    `bson:"via"`
	RawPayload    string    `bson:"rawPayload,omitempty"`
	Sightings     int64     `bson:"sightings"`
	FirstSeenAt   time.Time `bson:"firstSeenAt"`
	LastSeenAt    time.Time `bson:"lastSeenAt"`
}

func (m *Mongo) coll(name string) *mongo.Collection {
	return m.m.Database.Collection(name)
}

// EnsureIndexes creates the lookup indexes and the lock expiry index.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	regionID := bson.D{{Key: "region", Value: 1}, {Key: "opportunityId", Value: 1}}
	for _, name := range []string{collOpportunities, collClaimAttempts} {
		_, err := m.coll(name).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    regionID,
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			return fmt.Errorf("mongo index %s: %w", name, err)
		}
	}
	_, err := m.coll(collLocks).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("mongo index %s: %w", collLocks, err)
	}
	return nil
}

// UpsertOpportunity inserts or updates an opportunity. Returns true if inserted.
func (m *Mongo) UpsertOpportunity(ctx context.Context, d model.Detection) (bool, error) {
	set := bson.D{{Key: "via", Value: string(d.Via)}}
	if d.Status != "" {
		set = append(set, bson.E{Key: "status", Value: d.Status})
	}
	if len(d.RawPayload) > 0 {
		set = append(set, bson.E{Key: "rawPayload", Value: string(d.RawPayload)})
	}
	onInsert := bson.D{
		{Key: "region", Value: d.Region},
		{Key: "opportunityId", Value: d.OpportunityID},
	}
	if d.Status == "" {
		onInsert = append(onInsert, bson.E{Key: "status", Value: ""})
	}
	update := bson.D{
		{Key: "$set", Value: set},
		{Key: "$setOnInsert", Value: onInsert},
		{Key: "$inc", Value: bson.D{{Key: "sightings", Value: int64(1)}}},
		{Key: "$min", Value: bson.D{{Key: "firstSeenAt", Value: d.SeenAt.UTC()}}},
		{Key: "$max", Value: bson.D{{Key: "lastSeenAt", Value: d.SeenAt.UTC()}}},
	}

	res, err := m.upsertRetry(ctx, collOpportunities, model.LockKey(d.Region, d.OpportunityID), update)
	if err != nil {
		return false, fmt.Errorf("upsert opportunity: %w", err)
	}
	return res.UpsertedCount == 1, nil
}

// RecordClaimAttempt upserts the attempt record and increments its counter.
func (m *Mongo) RecordClaimAttempt(ctx context.Context, o model.ClaimOutcome) error {
	at := o.At.UTC()
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "status", Value: o.Status},
			{Key: "error", Value: o.Error},
			{Key: "latencyMs", Value: o.Latency.Milliseconds()},
			{Key: "responseBody", Value: snippet(o.Body)},
			{Key: "url", Value: o.URL},
			{Key: "lastAttemptAt", Value: at},
		}},
		{Key: "$setOnInsert", Value: bson.D{
			{Key: "region", Value: o.Region},
			{Key: "opportunityId", Value: o.OpportunityID},
			{Key: "firstAttemptAt", Value: at},
		}},
		{Key: "$inc", Value: bson.D{{Key: "attemptCount", Value: int64(o.Posts)}}},
	}
	if _, err := m.upsertRetry(ctx, collClaimAttempts, model.LockKey(o.Region, o.OpportunityID), update); err != nil {
		return fmt.Errorf("record claim attempt: %w", err)
	}
	return nil
}

// upsertRetry runs an _id upsert, retrying once when a concurrent insert of
// the same _id wins the race.
func (m *Mongo) upsertRetry(ctx context.Context, coll, id string, update bson.D) (*mongo.UpdateResult, error) {
	filter := bson.D{{Key: "_id", Value: id}}
	opts := options.UpdateOne().SetUpsert(true)
	res, err := m.coll(coll).UpdateOne(ctx, filter, update, opts)
	if mongo.IsDuplicateKeyError(err) {
		res, err = m.coll(coll).UpdateOne(ctx, filter, update, opts)
	}
	return res, err
}

// AcquireLock matches only an expired lock document; when the key is held,
// the upsert collides on _id and the duplicate key error means "not acquired".
func (m *Mongo) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := m.now().UTC()
	filter := bson.D{
		{Key: "_id", Value: key},
		{Key: "expiresAt", Value: bson.D{{Key: "$lte", Value: now}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "owner", Value: owner},
		{Key: "acquiredAt", Value: now},
		{Key: "expiresAt", Value: now.Add(ttl)},
	}}}
	res, err := m.coll(collLocks).UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return res.UpsertedCount == 1 || res.ModifiedCount == 1, nil
}

// UpsertAuth mirrors the current token for a region.
func (m *Mongo) UpsertAuth(ctx context.Context, a model.Auth) error {
	a.UpdatedAt = a.UpdatedAt.UTC()
	_, err := m.coll(collAuth).ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: a.Region}}, a,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert auth: %w", err)
	}
	return nil
}

// GetAuth returns the mirrored token for a region.
func (m *Mongo) GetAuth(ctx context.Context, region string) (model.Auth, error) {
	var a model.Auth
	err := m.coll(collAuth).FindOne(ctx, bson.D{{Key: "_id", Value: region}}).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Auth{}, ErrNotFound
	}
	if err != nil {
		return model.Auth{}, fmt.Errorf("get auth: %w", err)
	}
	return a, nil
}

// GetOpportunity returns one opportunity record.
func (m *Mongo) GetOpportunity(ctx context.Context, region, opportunityID string) (model.Opportunity, error) {
	var doc opportunityDoc
	err := m.coll(collOpportunities).FindOne(ctx,
		bson.D{{Key: "_id", Value: model.LockKey(region, opportunityID)}},
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Opportunity{}, ErrNotFound
	}
	if err != nil {
		return model.Opportunity{}, fmt.Errorf("get opportunity: %w", err)
	}
	o := model.Opportunity{
		Region:        doc.Region,
		OpportunityID: doc.OpportunityID,
		Status:        doc.Status,
		Via:           model.Via(doc.Via),
		Sightings:     doc.Sightings,
		FirstSeenAt:   doc.FirstSeenAt,
		LastSeenAt:    doc.LastSeenAt,
	}
	if doc.RawPayload != "" {
		o.RawPayload = []byte(doc.RawPayload)
	}
	return o, nil
}

// GetClaimAttempt returns the claim attempt record.
func (m *Mongo) GetClaimAttempt(ctx context.Context, region, opportunityID string) (model.ClaimAttempt, error) {
	var c model.ClaimAttempt
	err := m.coll(collClaimAttempts).FindOne(ctx,
		bson.D{{Key: "_id", Value: model.LockKey(region, opportunityID)}},
	).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.ClaimAttempt{}, ErrNotFound
	}
	if err != nil {
		return model.ClaimAttempt{}, fmt.Errorf("get claim attempt: %w", err)
	}
	return c, nil
}

// Ping checks connectivity.
func (m *Mongo) Ping(ctx context.Context) error {
	return m.m.Client.Ping(ctx, nil)
}

// Close disconnects the client.
func (m *Mongo) Close() error {
	return m.m.Close()
}
