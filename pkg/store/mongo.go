package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/BartekS5/opendata-import/pkg/logger"
	"github.com/BartekS5/opendata-import/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// collection is the part of *mongo.Collection used here; tests substitute it.
type collection interface {
	BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error)
	EstimatedDocumentCount(ctx context.Context, opts ...*options.EstimatedDocumentCountOptions) (int64, error)
}

// MongoStore upserts each record with an UpdateOne{$set, upsert: true} keyed on
// the conflict key columns. A table name maps to a collection.
type MongoStore struct {
	client     *mongo.Client
	collection func(name string) collection
}

func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	db := client.Database(database)
	return &MongoStore{
		client:     client,
		collection: func(name string) collection { return db.Collection(name) },
	}
}

func (m *MongoStore) Upsert(ctx context.Context, table string, records []models.Record, key models.ConflictKey) error {
	if len(records) == 0 {
		return nil
	}
	op := "mongo upsert " + table

	writes := make([]mongo.WriteModel, 0, len(records))
	for _, r := range records {
		filter := bson.M{}
		for _, k := range key {
			filter[k] = r[k]
		}
		doc := bson.M{}
		for k, v := range r {
			doc[k] = v
		}
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(filter).
			SetUpdate(bson.M{"$set": doc}).
			SetUpsert(true))
	}

	// Ordered writes keep the batch's record order for duplicate keys within it.
	res, err := m.collection(table).BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(true))
	if err != nil {
		return classifyMongo(op, err)
	}
	logger.Debug("mongo bulk write",
		"collection", table,
		"matched", res.MatchedCount,
		"modified", res.ModifiedCount,
		"upserted", res.UpsertedCount,
	)
	return nil
}

func (m *MongoStore) Count(ctx context.Context, table string) (int64, error) {
	n, err := m.collection(table).EstimatedDocumentCount(ctx)
	if err != nil {
		return 0, classifyMongo("mongo count "+table, err)
	}
	return n, nil
}

func (m *MongoStore) Close(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	if err := m.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

func classifyMongo(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return transient(op, err)
	}
	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorLabel("RetryableWriteError") {
		return transient(op, err)
	}
	return permanent(op, err)
}
