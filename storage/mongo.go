package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/songzhibin97/approval-engine/types"
)

const (
	definitionsCollection = "approval_definitions"
	instancesCollection   = "approval_instances"
)

// MongoStorage keeps each instance and its approval records in a single
// document, so Commit relies on single-document atomicity: one UpdateOne
// filtered on the expected version both replaces the state and pushes the
// record.
type MongoStorage struct {
	definitions *mongo.Collection
	instances   *mongo.Collection
}

type definitionDocument struct {
	Key              string `bson:"_id"`
	types.Definition `bson:",inline"`
}

type historyDocument struct {
	Records []types.ApprovalRecord `bson:"records"`
}

// NewMongoStorage creates a store over db.
func NewMongoStorage(db *mongo.Database) *MongoStorage {
	return &MongoStorage{
		definitions: db.Collection(definitionsCollection),
		instances:   db.Collection(instancesCollection),
	}
}

// ConnectMongo connects to uri and verifies connectivity.
func ConnectMongo(ctx context.Context, uri, database string) (*MongoStorage, *mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}
	return NewMongoStorage(client.Database(database)), client, nil
}

// EnsureIndexes creates the index used by LatestDefinition.
func (s *MongoStorage) EnsureIndexes(ctx context.Context) error {
	_, err := s.definitions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "id", Value: 1}, {Key: "version", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create definition index: %w", err)
	}
	return nil
}

// SaveDefinition inserts a definition version; the document key is id@version.
func (s *MongoStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	doc := definitionDocument{Key: def.ID + "@" + strconv.Itoa(def.Version), Definition: def}
	_, err := s.definitions.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return definitionExists(def.ID, def.Version)
	}
	if err != nil {
		return fmt.Errorf("insert definition: %w", err)
	}
	return nil
}

func (s *MongoStorage) findDefinition(ctx context.Context, filter bson.M, opts *options.FindOneOptions, id string, version int) (types.Definition, error) {
	var doc definitionDocument
	err := s.definitions.FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return types.Definition{}, definitionNotFound(id, version)
	}
	if err != nil {
		return types.Definition{}, fmt.Errorf("find definition: %w", err)
	}
	return doc.Definition, nil
}

// GetDefinition retrieves one definition version.
func (s *MongoStorage) GetDefinition(ctx context.Context, id string, version int) (types.Definition, error) {
	return s.findDefinition(ctx, bson.M{"id": id, "version": version}, nil, id, version)
}

// LatestDefinition retrieves the highest definition version.
func (s *MongoStorage) LatestDefinition(ctx context.Context, id string) (types.Definition, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	return s.findDefinition(ctx, bson.M{"id": id}, opts, id, 0)
}

// CreateInstance inserts a new instance document with an empty record list.
func (s *MongoStorage) CreateInstance(ctx context.Context, inst types.Instance) error {
	doc := struct {
		types.Instance `bson:",inline"`
		Records        []types.ApprovalRecord `bson:"records"`
	}{Instance: inst, Records: []types.ApprovalRecord{}}

	_, err := s.instances.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return instanceExists(inst.ID)
	}
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance without its records.
func (s *MongoStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	var inst types.Instance
	opts := options.FindOne().SetProjection(bson.M{"records": 0})
	err := s.instances.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&inst)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return types.Instance{}, instanceNotFound(id)
	}
	if err != nil {
		return types.Instance{}, fmt.Errorf("find instance: %w", err)
	}
	return inst, nil
}

// Commit applies $set and $push in one update filtered on the expected version.
func (s *MongoStorage) Commit(ctx context.Context, inst types.Instance, expectedVersion int64, record types.ApprovalRecord) error {
	update := bson.M{
		"$set": bson.M{
			"current_node_id": inst.CurrentNodeID,
			"status":          inst.Status,
			"pending":         inst.Pending,
			"path":            inst.Path,
			"context":         inst.Context,
			"version":         inst.Version,
			"updated_at":      inst.UpdatedAt,
			"completed_at":    inst.CompletedAt,
		},
		"$push": bson.M{"records": record},
	}

	res, err := s.instances.UpdateOne(ctx, bson.M{"_id": inst.ID, "version": expectedVersion}, update)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if res.MatchedCount == 0 {
		n, err := s.instances.CountDocuments(ctx, bson.M{"_id": inst.ID})
		if err != nil {
			return fmt.Errorf("count instance: %w", err)
		}
		if n == 0 {
			return instanceNotFound(inst.ID)
		}
		return versionConflict(inst.ID, expectedVersion)
	}
	return nil
}

// GetHistory returns the embedded records in append order.
func (s *MongoStorage) GetHistory(ctx context.Context, instanceID uint64) ([]types.ApprovalRecord, error) {
	var doc historyDocument
	opts := options.FindOne().SetProjection(bson.M{"records": 1})
	err := s.instances.FindOne(ctx, bson.M{"_id": instanceID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, instanceNotFound(instanceID)
	}
	if err != nil {
		return nil, fmt.Errorf("find history: %w", err)
	}
	return doc.Records, nil
}

// PendingFor matches userID against the pending array.
func (s *MongoStorage) PendingFor(ctx context.Context, userID string) ([]types.Instance, error) {
	opts := options.Find().
		SetProjection(bson.M{"records": 0}).
		SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := s.instances.Find(ctx, bson.M{"status": types.StatusRunning, "pending": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find pending instances: %w", err)
	}
	var out []types.Instance
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode pending instances: %w", err)
	}
	return out, nil
}
